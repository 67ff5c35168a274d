package kommo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestClient builds a client against a stub server with sleeps disabled.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL, "test-token")
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"_embedded":{"pipelines":[{"id":1,"name":"Ventas"}]}}`)
	}))

	pipelines, err := c.ListPipelines(context.Background())
	if err != nil {
		t.Fatalf("ListPipelines: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(pipelines) != 1 || pipelines[0].Name != "Ventas" {
		t.Errorf("pipelines = %+v", pipelines)
	}
}

func TestDo_RateLimitExhaustsRetries(t *testing.T) {
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.ListPipelines(context.Background())
	if attempts != 1+maxRetries {
		t.Errorf("attempts = %d, want %d", attempts, 1+maxRetries)
	}
	if !IsRateLimited(err) {
		t.Fatalf("err = %v, want rate-limited classification", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Terminal() {
		t.Errorf("rate limit must not be terminal: %v", err)
	}
}

func TestDo_AuthErrorIsImmediateAndTerminal(t *testing.T) {
	attempts := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := c.VerifyConnection(context.Background())
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (401 must not be retried)", attempts)
	}
	if !IsTerminal(err) {
		t.Fatalf("err = %v, want terminal", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindAuthExpired {
		t.Errorf("Kind = %v, want KindAuthExpired", err)
	}
}

func TestDo_SendsBearerToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	if err := c.VerifyConnection(context.Background()); err != nil {
		t.Fatalf("VerifyConnection: %v", err)
	}
}

func TestRetryAfterHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if got := retryAfter(resp); got != rateLimitDelay {
		t.Errorf("no header: %v, want %v", got, rateLimitDelay)
	}

	resp.Header.Set("Retry-After", "7")
	if got := retryAfter(resp); got != 7*time.Second {
		t.Errorf("seconds header: %v, want 7s", got)
	}

	resp.Header.Set("Retry-After", "garbage")
	if got := retryAfter(resp); got != rateLimitDelay {
		t.Errorf("bad header: %v, want fallback", got)
	}
}

func TestCreateContact_DuplicateFallsBackToSearch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v4/contacts/custom_fields":
			fmt.Fprint(w, `{"_embedded":{"custom_fields":[{"id":101,"name":"Teléfono","type":"phone"},{"id":102,"name":"Email","type":"email"}]}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v4/contacts":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"validation_errors":[{"error":"duplicate phone value"}]}`)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v4/contacts":
			if got := r.URL.Query().Get("query"); got != "541123456789" {
				t.Errorf("query = %q", got)
			}
			fmt.Fprint(w, `{"_embedded":{"contacts":[{"id":555}]}}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	id, err := c.CreateContact(context.Background(), "Ana", "541123456789", "")
	if err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	if id != 555 {
		t.Errorf("id = %d, want existing contact 555", id)
	}
}

func TestCreateContact_NonDuplicateValidationPropagates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v4/contacts/custom_fields" {
			fmt.Fprint(w, `{"_embedded":{"custom_fields":[{"id":101,"name":"Teléfono","type":"phone"}]}}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"validation_errors":[{"error":"name is required"}]}`)
	}))

	_, err := c.CreateContact(context.Background(), "", "541123456789", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestFindContactByPhone_NoContent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	_, err := c.FindContactByPhone(context.Background(), "541123456789")
	if !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("err = %v, want ErrContactNotFound", err)
	}
}

func TestCreateLead(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/leads" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"_embedded":{"leads":[{"id":777}]}}`)
	}))

	id, err := c.CreateLead(context.Background(), 555, "Ana", 42)
	if err != nil {
		t.Fatalf("CreateLead: %v", err)
	}
	if id != 777 {
		t.Errorf("id = %d", id)
	}
}

func TestCreateLead_RequiresPipeline(t *testing.T) {
	c := New("http://unused", "tok")
	if _, err := c.CreateLead(context.Background(), 1, "Ana", 0); err == nil {
		t.Fatal("expected error for missing pipeline id")
	}
}

func TestListStatuses(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/leads/pipelines/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"_embedded":{"statuses":[{"id":1,"name":"Nuevo","sort":10,"color":"#99ccff"}]}}`)
	}))

	statuses, err := c.ListStatuses(context.Background(), 42)
	if err != nil {
		t.Fatalf("ListStatuses: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Name != "Nuevo" {
		t.Errorf("statuses = %+v", statuses)
	}
}

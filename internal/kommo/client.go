// Package kommo is a fault-tolerant client for the Kommo CRM REST API.
// Transient failures and rate limits are retried inside the client so
// callers only ever see classified errors.
package kommo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	requestTimeout = 30 * time.Second

	// maxRetries is the number of retries after the initial attempt.
	maxRetries = 3

	retryDelay = time.Second

	// rateLimitDelay applies after a 429 without a usable Retry-After.
	rateLimitDelay = 5 * time.Second
)

// retryStatuses are the response codes worth retrying.
var retryStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// ErrContactNotFound is returned by FindContactByPhone when the search
// yields no results.
var ErrContactNotFound = errors.New("kommo: no contact matches the phone number")

// Client talks to one tenant's Kommo account using its long-lived bearer
// token. Safe for concurrent use; the custom-field cache is guarded.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client

	// sleep is replaced in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error

	fieldsMu sync.Mutex
	fields   *CustomFieldMap
}

// New creates a client for the given Kommo base URL and API token.
func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: requestTimeout},
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do performs one API call with the retry policy. out, when non-nil, is
// filled from the response body on success.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	delay := retryDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("retrying %s %s (%d/%d) after %s", method, path, attempt, maxRetries, delay)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.authToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				lastErr = &APIError{Kind: KindTransient, Message: "request timed out"}
				delay = retryDelay
				continue
			}
			return fmt.Errorf("%s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read response body: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		apiErr := classify(resp.StatusCode, respBody)
		if retryStatuses[resp.StatusCode] && attempt < maxRetries {
			delay = retryDelay
			if resp.StatusCode == http.StatusTooManyRequests {
				delay = retryAfter(resp)
			}
			lastErr = apiErr
			continue
		}
		return apiErr
	}
	return lastErr
}

// retryAfter extracts a delay from the Retry-After header, falling back to
// the extended rate-limit delay.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return rateLimitDelay
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return rateLimitDelay
}

// Pipeline is a sales funnel in Kommo.
type Pipeline struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// PipelineStatus is one stage within a pipeline.
type PipelineStatus struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Sort  int    `json:"sort"`
	Color string `json:"color"`
}

type pipelinesResponse struct {
	Embedded struct {
		Pipelines []Pipeline `json:"pipelines"`
	} `json:"_embedded"`
}

type pipelineDetailResponse struct {
	Embedded struct {
		Statuses []PipelineStatus `json:"statuses"`
	} `json:"_embedded"`
}

type contactsResponse struct {
	Embedded struct {
		Contacts []struct {
			ID int `json:"id"`
		} `json:"contacts"`
	} `json:"_embedded"`
}

type leadsResponse struct {
	Embedded struct {
		Leads []struct {
			ID int `json:"id"`
		} `json:"leads"`
	} `json:"_embedded"`
}

// ListPipelines returns the account's pipelines.
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var resp pipelinesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v4/leads/pipelines", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Embedded.Pipelines, nil
}

// ListStatuses returns the stages of one pipeline.
func (c *Client) ListStatuses(ctx context.Context, pipelineID int) ([]PipelineStatus, error) {
	var resp pipelineDetailResponse
	path := fmt.Sprintf("/api/v4/leads/pipelines/%d", pipelineID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Embedded.Statuses, nil
}

// VerifyConnection probes the account endpoint to confirm the token works.
func (c *Client) VerifyConnection(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v4/account", nil, nil)
}

// customFieldValue is one custom field entry on a contact payload.
type customFieldValue struct {
	FieldID int `json:"field_id"`
	Values  []struct {
		Value string `json:"value"`
	} `json:"values"`
}

func fieldValue(fieldID int, value string) customFieldValue {
	v := customFieldValue{FieldID: fieldID}
	v.Values = append(v.Values, struct {
		Value string `json:"value"`
	}{Value: value})
	return v
}

// CreateContact creates a contact and returns its Kommo id. When Kommo
// rejects the creation as a duplicate phone, the existing contact is looked
// up by phone and its id returned instead; this is best effort, not a
// transactional guarantee.
func (c *Client) CreateContact(ctx context.Context, name, cleanedPhone, email string) (int, error) {
	fields, err := c.ResolveCustomFields(ctx)
	if err != nil {
		return 0, err
	}

	contact := struct {
		Name              string             `json:"name"`
		CustomFieldValues []customFieldValue `json:"custom_fields_values"`
	}{Name: name, CustomFieldValues: []customFieldValue{}}

	if cleanedPhone != "" {
		contact.CustomFieldValues = append(contact.CustomFieldValues, fieldValue(fields.PhoneFieldID, cleanedPhone))
	}
	if email != "" && fields.EmailFieldID != 0 {
		contact.CustomFieldValues = append(contact.CustomFieldValues, fieldValue(fields.EmailFieldID, email))
	}

	var resp contactsResponse
	err = c.do(ctx, http.MethodPost, "/api/v4/contacts", []any{contact}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Kind == KindValidation && apiErr.HasDuplicateError() {
			log.Printf("duplicate contact for %s, searching by phone", name)
			id, findErr := c.FindContactByPhone(ctx, cleanedPhone)
			if findErr == nil {
				return id, nil
			}
			log.Printf("duplicate fallback search failed: %v", findErr)
		}
		return 0, err
	}

	if len(resp.Embedded.Contacts) == 0 {
		return 0, fmt.Errorf("kommo: contact creation returned no contact id")
	}
	id := resp.Embedded.Contacts[0].ID
	log.Printf("contact created: %d (%s)", id, name)
	return id, nil
}

// FindContactByPhone searches contacts by the cleaned phone number.
func (c *Client) FindContactByPhone(ctx context.Context, cleanedPhone string) (int, error) {
	var resp contactsResponse
	path := "/api/v4/contacts?query=" + url.QueryEscape(cleanedPhone)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	if len(resp.Embedded.Contacts) == 0 {
		return 0, ErrContactNotFound
	}
	return resp.Embedded.Contacts[0].ID, nil
}

// CreateLead creates a lead in the given pipeline referencing an existing
// contact, and returns the lead id.
func (c *Client) CreateLead(ctx context.Context, contactID int, contactName string, pipelineID int) (int, error) {
	if pipelineID == 0 {
		return 0, fmt.Errorf("kommo: pipeline id is required")
	}

	lead := map[string]any{
		"name":        "Lead - " + contactName,
		"price":       0,
		"pipeline_id": pipelineID,
		"_embedded": map[string]any{
			"contacts": []map[string]int{{"id": contactID}},
		},
	}

	var resp leadsResponse
	if err := c.do(ctx, http.MethodPost, "/api/v4/leads", []any{lead}, &resp); err != nil {
		return 0, err
	}
	if len(resp.Embedded.Leads) == 0 {
		return 0, fmt.Errorf("kommo: lead creation returned no lead id")
	}
	id := resp.Embedded.Leads[0].ID
	log.Printf("lead created: %d for contact %s", id, contactName)
	return id, nil
}

// SendMessage sends a text message to a contact through Kommo's messaging
// integration.
func (c *Client) SendMessage(ctx context.Context, contactID int, phone, text string) error {
	payload := map[string]any{
		"to":           phone,
		"contact_id":   contactID,
		"message_type": "text",
		"text":         text,
	}
	return c.do(ctx, http.MethodPost, "/api/v4/messages", payload, nil)
}

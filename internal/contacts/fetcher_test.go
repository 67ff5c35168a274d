package contacts

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/dmorandi/kommo-sync/internal/auth/token"
	"github.com/dmorandi/kommo-sync/internal/db/models"
)

func newTestFetcher(t *testing.T, peopleURL string) *Fetcher {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.GoogleToken{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	row := models.GoogleToken{
		TenantID:     "tenant-1",
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := gdb.Create(&row).Error; err != nil {
		t.Fatalf("seed token: %v", err)
	}

	store := token.NewStore(gdb, &oauth2.Config{})
	f := NewFetcher(store)
	f.baseURL = peopleURL
	return f
}

func TestFetchAll_FollowsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("personFields"); got != personFields {
			t.Errorf("personFields = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("pageToken") {
		case "":
			fmt.Fprint(w, `{
				"connections": [
					{"resourceName":"people/c1","names":[{"displayName":"Ana"}],"phoneNumbers":[{"value":"+54 11 2345-6789"}]}
				],
				"nextPageToken": "page-2"
			}`)
		case "page-2":
			fmt.Fprint(w, `{
				"connections": [
					{"resourceName":"people/c2","phoneNumbers":[{"value":"(011) 4321 9876"},{"value":"999"}],"emailAddresses":[{"value":"b@example.com"}]},
					{"resourceName":"people/c3","names":[{"displayName":"Sin telefono"}]}
				]
			}`)
		default:
			t.Errorf("unexpected pageToken %q", r.URL.Query().Get("pageToken"))
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	got, err := f.FetchAll(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d contacts, want 2 (phoneless entry dropped)", len(got))
	}

	if got[0].SourceID != "c1" || got[0].Name != "Ana" || got[0].Phone != "541123456789" {
		t.Errorf("contact[0] = %+v", got[0])
	}
	if got[0].Source != SourceProvider {
		t.Errorf("Source = %q", got[0].Source)
	}

	// Nameless entry gets the sentinel, only the first phone is used.
	if got[1].Name != "Sin nombre" {
		t.Errorf("contact[1].Name = %q", got[1].Name)
	}
	if got[1].Phone != "01143219876" {
		t.Errorf("contact[1].Phone = %q", got[1].Phone)
	}
	if got[1].Email != "b@example.com" {
		t.Errorf("contact[1].Email = %q", got[1].Email)
	}
}

func TestFetchAll_ProviderErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":401,"status":"UNAUTHENTICATED"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	_, err := f.FetchAll(context.Background(), "tenant-1")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want 401 propagated", err)
	}
}

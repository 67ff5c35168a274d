package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmorandi/kommo-sync/internal/auth/token"
	"github.com/dmorandi/kommo-sync/internal/phone"
)

const (
	defaultBaseURL = "https://people.googleapis.com/v1"
	pageSize       = 100
	personFields   = "names,phoneNumbers,emailAddresses"
)

// Fetcher pulls all connections for a tenant from the People API. It does
// not refresh tokens itself; the token store guarantees a valid token
// before each page.
type Fetcher struct {
	tokens     *token.Store
	httpClient *http.Client

	// baseURL is swapped out in tests.
	baseURL string
}

// NewFetcher creates a fetcher on top of the credential store.
func NewFetcher(tokens *token.Store) *Fetcher {
	return &Fetcher{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
	}
}

// connectionsPage is the wire shape of one People API page, modeled
// explicitly so missing fields become explicit defaults during mapping.
type connectionsPage struct {
	Connections   []person `json:"connections"`
	NextPageToken string   `json:"nextPageToken"`
}

type person struct {
	ResourceName string `json:"resourceName"`
	Names        []struct {
		DisplayName string `json:"displayName"`
	} `json:"names"`
	PhoneNumbers []struct {
		Value string `json:"value"`
	} `json:"phoneNumbers"`
	EmailAddresses []struct {
		Value string `json:"value"`
	} `json:"emailAddresses"`
}

// FetchAll retrieves every page of the tenant's connections and returns the
// mapped contacts. Entries without any phone number are dropped here; phone
// validity is left to the caller.
func (f *Fetcher) FetchAll(ctx context.Context, tenantID string) ([]Contact, error) {
	tok, err := f.tokens.ValidToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var contacts []Contact
	pageToken := ""
	pages := 0
	for {
		page, err := f.fetchPage(ctx, tok.AccessToken, pageToken)
		if err != nil {
			return nil, err
		}
		pages++

		for _, p := range page.Connections {
			c, ok := mapPerson(p)
			if !ok {
				continue
			}
			contacts = append(contacts, c)
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	log.Printf("fetched %d contacts for tenant %s (%d pages)", len(contacts), tenantID, pages)
	return contacts, nil
}

// fetchPage requests a single connections page.
func (f *Fetcher) fetchPage(ctx context.Context, accessToken, pageToken string) (*connectionsPage, error) {
	q := url.Values{}
	q.Set("pageSize", fmt.Sprint(pageSize))
	q.Set("personFields", personFields)
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	reqURL := fmt.Sprintf("%s/people/me/connections?%s", f.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build connections request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("people api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page connectionsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode connections page: %w", err)
	}
	return &page, nil
}

// mapPerson converts one People API entry into a Contact. Entries with no
// phone numbers are not usable as leads and are dropped.
func mapPerson(p person) (Contact, bool) {
	if len(p.PhoneNumbers) == 0 {
		return Contact{}, false
	}

	name := DefaultName
	if len(p.Names) > 0 && p.Names[0].DisplayName != "" {
		name = p.Names[0].DisplayName
	}

	email := ""
	if len(p.EmailAddresses) > 0 {
		email = p.EmailAddresses[0].Value
	}

	return Contact{
		SourceID: strings.TrimPrefix(p.ResourceName, "people/"),
		Name:     name,
		Phone:    phone.Clean(p.PhoneNumbers[0].Value),
		Email:    email,
		Source:   SourceProvider,
	}, true
}

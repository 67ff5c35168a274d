// Package token owns the per-tenant Google OAuth token lifecycle:
// authorization-code exchange, near-expiry refresh, and revocation. The
// store is the sole mutator of stored tokens.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/dmorandi/kommo-sync/internal/db/models"
)

// nearExpiryWindow is how close to expiry a token may get before a
// synchronous refresh is forced.
const nearExpiryWindow = 60 * time.Second

const defaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

var (
	// ErrNotAuthenticated is returned when a tenant has no stored token.
	ErrNotAuthenticated = errors.New("tenant is not authenticated with google")

	// ErrTokenRevoked is returned when the refresh grant itself is invalid.
	// The stored token has been deleted and the tenant must re-authenticate.
	ErrTokenRevoked = errors.New("google refresh grant revoked")
)

// Store manages OAuth tokens for all tenants on top of the database.
type Store struct {
	db  *gorm.DB
	cfg *oauth2.Config

	// userinfoURL is swapped out in tests.
	userinfoURL string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewStore creates a token store bound to the given OAuth client config.
func NewStore(db *gorm.DB, cfg *oauth2.Config) *Store {
	return &Store{
		db:          db,
		cfg:         cfg,
		userinfoURL: defaultUserinfoURL,
		locks:       make(map[string]*sync.Mutex),
		now:         time.Now,
	}
}

// tenantLock returns the mutex serializing token mutations for one tenant.
func (s *Store) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[tenantID] = l
	}
	return l
}

// ValidToken returns an access token guaranteed to outlive the near-expiry
// window, refreshing synchronously when needed. A transient refresh failure
// leaves the stored token untouched so the caller can retry later; a
// permanent one deletes it and returns ErrTokenRevoked.
func (s *Store) ValidToken(ctx context.Context, tenantID string) (*oauth2.Token, error) {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	var row models.GoogleToken
	if err := s.db.WithContext(ctx).First(&row, "tenant_id = ?", tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotAuthenticated
		}
		return nil, fmt.Errorf("load google token: %w", err)
	}

	if s.now().Before(row.ExpiresAt.Add(-nearExpiryWindow)) {
		return &oauth2.Token{
			AccessToken:  row.AccessToken,
			RefreshToken: row.RefreshToken,
			Expiry:       row.ExpiresAt,
		}, nil
	}

	log.Printf("token for tenant %s expiring, refreshing", tenantID)
	return s.refresh(ctx, &row)
}

// refresh exchanges the refresh grant and persists the result. Caller holds
// the tenant lock.
func (s *Store) refresh(ctx context.Context, row *models.GoogleToken) (*oauth2.Token, error) {
	src := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: row.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			// The grant is dead; keeping the row around would only
			// produce the same failure forever.
			if delErr := s.db.WithContext(ctx).Delete(&models.GoogleToken{}, "tenant_id = ?", row.TenantID).Error; delErr != nil {
				log.Printf("delete revoked token for tenant %s: %v", row.TenantID, delErr)
			}
			log.Printf("refresh grant revoked for tenant %s, re-authentication required", row.TenantID)
			return nil, fmt.Errorf("%w: %s", ErrTokenRevoked, err)
		}
		return nil, fmt.Errorf("refresh google token: %w", err)
	}

	// Writes are monotonic by expiry: never replace a newer token with an
	// older one obtained by a racing refresh.
	if !fresh.Expiry.After(row.ExpiresAt) {
		return &oauth2.Token{
			AccessToken:  row.AccessToken,
			RefreshToken: row.RefreshToken,
			Expiry:       row.ExpiresAt,
		}, nil
	}

	row.AccessToken = fresh.AccessToken
	row.ExpiresAt = fresh.Expiry
	if fresh.RefreshToken != "" && fresh.RefreshToken != row.RefreshToken {
		log.Printf("rotating refresh token for tenant %s", row.TenantID)
		row.RefreshToken = fresh.RefreshToken
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		Expiry:       row.ExpiresAt,
	}, nil
}

// ExchangeCode redeems an authorization code for the tenant, resolves the
// Google account email, and upserts the stored token.
func (s *Store) ExchangeCode(ctx context.Context, tenantID, code string) (*models.GoogleToken, error) {
	tok, err := s.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	email, err := s.fetchEmail(ctx, tok)
	if err != nil {
		log.Printf("could not resolve google email for tenant %s: %v", tenantID, err)
	}

	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	row := models.GoogleToken{
		TenantID:     tenantID,
		Email:        email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	// A re-auth without consent may omit the refresh token; keep the old one.
	if row.RefreshToken == "" {
		var existing models.GoogleToken
		if err := s.db.WithContext(ctx).First(&existing, "tenant_id = ?", tenantID).Error; err == nil {
			row.RefreshToken = existing.RefreshToken
		}
	}

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return nil, fmt.Errorf("persist google token: %w", err)
	}
	log.Printf("google token stored for tenant %s (%s)", tenantID, email)
	return &row, nil
}

// Revoke deletes the tenant's stored token (logout).
func (s *Store) Revoke(ctx context.Context, tenantID string) error {
	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.db.WithContext(ctx).Delete(&models.GoogleToken{}, "tenant_id = ?", tenantID).Error; err != nil {
		return fmt.Errorf("delete google token: %w", err)
	}
	log.Printf("google token deleted for tenant %s", tenantID)
	return nil
}

// fetchEmail asks the userinfo endpoint who the token belongs to.
func (s *Store) fetchEmail(ctx context.Context, tok *oauth2.Token) (string, error) {
	client := s.cfg.Client(ctx, tok)
	resp, err := client.Get(s.userinfoURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	return info.Email, nil
}

// isPermanentRefreshError reports whether a refresh failure means the grant
// itself is dead, as opposed to a transient network or server problem.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

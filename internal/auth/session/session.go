// Package session issues and verifies the JWT pair used for tenant
// sessions. These are the service's own session tokens; they are unrelated
// to the Google and Kommo credentials.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmorandi/kommo-sync/internal/config"
)

const (
	accessTTL  = 2 * time.Hour
	refreshTTL = 7 * 24 * time.Hour
)

// ErrInvalidToken is returned for expired, malformed, or mis-signed tokens.
var ErrInvalidToken = errors.New("invalid session token")

// Manager signs and verifies session tokens.
type Manager struct {
	secret        []byte
	refreshSecret []byte
	now           func() time.Time
}

// NewManager creates a manager from the configured secrets.
func NewManager(cfg config.JWTConfig) *Manager {
	return &Manager{
		secret:        []byte(cfg.Secret),
		refreshSecret: []byte(cfg.RefreshSecret),
		now:           time.Now,
	}
}

// IssueAccess returns a short-lived access token for the tenant.
func (m *Manager) IssueAccess(tenantID string) (string, error) {
	return m.issue(tenantID, accessTTL, m.secret)
}

// IssueRefresh returns the long-lived refresh token for the tenant.
func (m *Manager) IssueRefresh(tenantID string) (string, error) {
	return m.issue(tenantID, refreshTTL, m.refreshSecret)
}

func (m *Manager) issue(tenantID string, ttl time.Duration, secret []byte) (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   tenantID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyAccess validates an access token and returns the tenant id.
func (m *Manager) VerifyAccess(token string) (string, error) {
	return m.verify(token, m.secret)
}

// VerifyRefresh validates a refresh token and returns the tenant id.
func (m *Manager) VerifyRefresh(token string) (string, error) {
	return m.verify(token, m.refreshSecret)
}

func (m *Manager) verify(tokenStr string, secret []byte) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

package models

import "time"

// Tenant is an independent account with its own Kommo credentials.
// The Kommo auth token and the Google token are separate credentials and
// live in separate rows; they must never be conflated.
type Tenant struct {
	ID           string `gorm:"primaryKey"` // UUID
	Username     string `gorm:"uniqueIndex"`
	PasswordHash string

	KommoBaseURL      string
	KommoAuthToken    string
	KommoClientID     string
	KommoClientSecret string
	KommoRedirectURI  string

	// Session refresh token currently issued to this tenant, empty when
	// logged out.
	SessionRefreshToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasKommoCredentials reports whether the tenant can talk to Kommo at all.
func (t *Tenant) HasKommoCredentials() bool {
	return t.KommoBaseURL != "" && t.KommoAuthToken != ""
}

package models

import "time"

// GoogleToken stores the contacts-provider OAuth token for one tenant.
// The row is created on authorization-code exchange, mutated in place on
// refresh, and deleted on logout or when the refresh grant is revoked.
type GoogleToken struct {
	TenantID     string `gorm:"primaryKey"`
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

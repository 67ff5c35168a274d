// Package google holds the OAuth2 configuration for the Google Contacts
// provider and the state tokens that tie an OAuth callback back to the
// tenant that started the flow.
package google

import (
	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"

	"github.com/dmorandi/kommo-sync/internal/config"
)

// Scopes required to read the tenant's address book. Read-only by design.
var Scopes = []string{
	"https://www.googleapis.com/auth/contacts.readonly",
}

// OAuthConfig builds the oauth2 config from application configuration.
func OAuthConfig(cfg config.GoogleConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       Scopes,
		Endpoint:     googleOAuth.Endpoint,
	}
}

// AuthCodeURL generates the consent-page URL for a tenant. Offline access
// plus forced approval guarantees Google returns a refresh token.
func AuthCodeURL(cfg *oauth2.Config, state string) string {
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)
}

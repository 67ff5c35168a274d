package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/dmorandi/kommo-sync/internal/auth/google"
	"github.com/dmorandi/kommo-sync/internal/auth/token"
)

// GoogleAuthURLHandler returns the consent-page URL for the authenticated
// tenant. The state token ties the later callback back to this tenant.
func GoogleAuthURLHandler(cfg *oauth2.Config, states *google.StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := TenantID(r.Context())
		state := states.Issue(tenantID)
		writeJSON(w, http.StatusOK, map[string]string{
			"url": google.AuthCodeURL(cfg, state),
		})
	}
}

// GoogleCallbackHandler redeems the authorization code delivered by Google.
// This endpoint is unauthenticated: Google calls it directly, and the state
// token is the only link back to the tenant.
func GoogleCallbackHandler(tokens *token.Store, states *google.StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		tenantID, ok := states.Redeem(state)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid or expired state token")
			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			writeError(w, http.StatusBadRequest, "missing authorization code")
			return
		}

		row, err := tokens.ExchangeCode(r.Context(), tenantID, code)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("token exchange failed: %v", err))
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Google conectado</title></head>
<body>
	<h1>✅ Cuenta de Google conectada</h1>
	<p>%s</p>
	<p>Ya puedes cerrar esta ventana.</p>
</body>
</html>`, row.Email)
	}
}

// GoogleLogoutHandler deletes the tenant's stored Google token.
func GoogleLogoutHandler(tokens *token.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := TenantID(r.Context())
		if err := tokens.Revoke(r.Context(), tenantID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "google session closed"})
	}
}

// GoogleStatusHandler reports whether the tenant has a usable Google token.
func GoogleStatusHandler(tokens *token.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := TenantID(r.Context())
		_, err := tokens.ValidToken(r.Context(), tenantID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
		case errors.Is(err, token.ErrNotAuthenticated), errors.Is(err, token.ErrTokenRevoked):
			writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
		default:
			log.Printf("google status check for tenant %s: %v", tenantID, err)
			writeError(w, http.StatusBadGateway, "could not verify google session")
		}
	}
}

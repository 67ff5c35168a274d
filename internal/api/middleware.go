package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/dmorandi/kommo-sync/internal/auth/session"
)

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// TenantID extracts the authenticated tenant id from the request context.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(tenantIDKey).(string)
	return id
}

// RequireSession validates the Bearer session token and injects the tenant
// id into the request context.
func RequireSession(sessions *session.Manager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing session token")
				return
			}

			tenantID, err := sessions.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired session token")
				return
			}

			ctx := context.WithValue(r.Context(), tenantIDKey, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

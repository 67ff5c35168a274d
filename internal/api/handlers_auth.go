package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/dmorandi/kommo-sync/internal/auth/session"
	"github.com/dmorandi/kommo-sync/internal/db/models"
	"github.com/dmorandi/kommo-sync/internal/registry"
)

type registerRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	KommoBaseURL      string `json:"kommo_base_url"`
	KommoAuthToken    string `json:"kommo_auth_token"`
	KommoClientID     string `json:"kommo_client_id"`
	KommoClientSecret string `json:"kommo_client_secret"`
	KommoRedirectURI  string `json:"kommo_redirect_uri"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	TenantID     string `json:"tenant_id"`
	Username     string `json:"username"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	KommoStatus  string `json:"kommo_status,omitempty"`
}

// RegisterHandler creates a tenant account with its Kommo credentials.
func RegisterHandler(db *gorm.DB, sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Username == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		var existing models.Tenant
		if err := db.First(&existing, "username = ?", req.Username).Error; err == nil {
			writeError(w, http.StatusConflict, "username already exists")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "could not hash password")
			return
		}

		tenant := models.Tenant{
			ID:                uuid.New().String(),
			Username:          req.Username,
			PasswordHash:      string(hash),
			KommoBaseURL:      req.KommoBaseURL,
			KommoAuthToken:    req.KommoAuthToken,
			KommoClientID:     req.KommoClientID,
			KommoClientSecret: req.KommoClientSecret,
			KommoRedirectURI:  req.KommoRedirectURI,
		}

		resp, err := issueSession(db, sessions, &tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Printf("tenant registered: %s", tenant.Username)
		writeJSON(w, http.StatusCreated, resp)
	}
}

// LoginHandler authenticates a tenant, issues the session token pair, and
// reports the Kommo connection status.
func LoginHandler(db *gorm.DB, sessions *session.Manager, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var tenant models.Tenant
		if err := db.First(&tenant, "username = ?", req.Username).Error; err != nil {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(tenant.PasswordHash), []byte(req.Password)) != nil {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}

		// Fresh login invalidates any cached services built from older
		// credentials.
		reg.Invalidate(tenant.ID)

		resp, err := issueSession(db, sessions, &tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.KommoStatus = kommoStatus(r.Context(), reg, tenant.ID)

		log.Printf("tenant logged in: %s (kommo: %s)", tenant.Username, resp.KommoStatus)
		writeJSON(w, http.StatusOK, resp)
	}
}

// kommoStatus probes the tenant's Kommo connection for the login response.
func kommoStatus(ctx context.Context, reg *registry.Registry, tenantID string) string {
	services, err := reg.Services(ctx, tenantID)
	if err != nil {
		if errors.Is(err, registry.ErrNoKommoCredentials) {
			return "not_configured"
		}
		return "error"
	}
	if err := services.Kommo.VerifyConnection(ctx); err != nil {
		log.Printf("kommo probe failed for tenant %s: %v", tenantID, err)
		return "disconnected"
	}
	return "connected"
}

// issueSession persists a fresh refresh token and builds the response.
func issueSession(db *gorm.DB, sessions *session.Manager, tenant *models.Tenant) (*sessionResponse, error) {
	access, err := sessions.IssueAccess(tenant.ID)
	if err != nil {
		return nil, err
	}
	refresh, err := sessions.IssueRefresh(tenant.ID)
	if err != nil {
		return nil, err
	}

	tenant.SessionRefreshToken = refresh
	if err := db.Save(tenant).Error; err != nil {
		return nil, err
	}

	return &sessionResponse{
		TenantID:     tenant.ID,
		Username:     tenant.Username,
		Token:        access,
		RefreshToken: refresh,
	}, nil
}

// RefreshSessionHandler exchanges a refresh token for a new access token.
func RefreshSessionHandler(db *gorm.DB, sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		tenantID, err := sessions.VerifyRefresh(req.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}

		var tenant models.Tenant
		if err := db.First(&tenant, "id = ?", tenantID).Error; err != nil {
			writeError(w, http.StatusUnauthorized, "unknown tenant")
			return
		}
		if tenant.SessionRefreshToken != req.RefreshToken {
			writeError(w, http.StatusUnauthorized, "refresh token has been revoked")
			return
		}

		access, err := sessions.IssueAccess(tenant.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": access})
	}
}

// LogoutHandler clears the session refresh token and cached services.
func LogoutHandler(db *gorm.DB, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := TenantID(r.Context())

		if err := db.Model(&models.Tenant{}).Where("id = ?", tenantID).
			Update("session_refresh_token", "").Error; err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reg.Invalidate(tenantID)

		log.Printf("tenant logged out: %s", tenantID)
		writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
	}
}

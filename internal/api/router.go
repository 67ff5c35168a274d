package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/dmorandi/kommo-sync/internal/auth/google"
	"github.com/dmorandi/kommo-sync/internal/auth/session"
	"github.com/dmorandi/kommo-sync/internal/auth/token"
	"github.com/dmorandi/kommo-sync/internal/contacts"
	"github.com/dmorandi/kommo-sync/internal/registry"
	"github.com/dmorandi/kommo-sync/internal/syncrun"
)

// Deps carries everything the route tree needs.
type Deps struct {
	DB           *gorm.DB
	Sessions     *session.Manager
	Tokens       *token.Store
	States       *google.StateStore
	OAuth        *oauth2.Config
	Fetcher      *contacts.Fetcher
	Registry     *registry.Registry
	Orchestrator *syncrun.Orchestrator
	Metrics      *prometheus.Registry
}

// NewRouter builds the full HTTP surface.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// ============================================
	// Public Routes (No Auth Required)
	// ============================================

	r.Post("/api/auth/register", RegisterHandler(d.DB, d.Sessions))
	r.Post("/api/auth/login", LoginHandler(d.DB, d.Sessions, d.Registry))
	r.Post("/api/auth/refresh", RefreshSessionHandler(d.DB, d.Sessions))

	// OAuth callback lands here from Google's consent screen; the tenant is
	// recovered from the state parameter, not from a session header.
	r.Get("/api/auth/google/callback", GoogleCallbackHandler(d.Tokens, d.States))

	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))

	// ============================================
	// Protected Routes (Session Required)
	// ============================================

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(d.Sessions))

		r.Post("/api/auth/logout", LogoutHandler(d.DB, d.Registry))

		r.Get("/api/auth/google/url", GoogleAuthURLHandler(d.OAuth, d.States))
		r.Get("/api/auth/google/status", GoogleStatusHandler(d.Tokens))
		r.Post("/api/auth/google/logout", GoogleLogoutHandler(d.Tokens))

		r.Get("/api/kommo/pipelines", PipelinesHandler(d.Registry))
		r.Get("/api/kommo/pipelines/{id}/statuses", StatusesHandler(d.Registry))
		r.Get("/api/kommo/status", ConnectionStatusHandler(d.Registry))
		r.Post("/api/kommo/fields/refresh", RefreshFieldsHandler(d.Registry))
		r.Post("/api/kommo/sync", SyncHandler(d.Registry, d.Orchestrator))
		r.Post("/api/kommo/messages", SendMessageHandler(d.Registry))

		r.Get("/api/contacts", ListContactsHandler(d.Fetcher))
		r.Post("/api/contacts/manual", ManualSyncHandler(d.Registry, d.Orchestrator))
		r.Post("/api/contacts/import", ImportContactsHandler(d.Registry, d.Orchestrator))
	})

	return r
}

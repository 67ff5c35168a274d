package main

import (
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmorandi/kommo-sync/internal/api"
	"github.com/dmorandi/kommo-sync/internal/auth/google"
	"github.com/dmorandi/kommo-sync/internal/auth/session"
	"github.com/dmorandi/kommo-sync/internal/auth/token"
	"github.com/dmorandi/kommo-sync/internal/config"
	"github.com/dmorandi/kommo-sync/internal/contacts"
	"github.com/dmorandi/kommo-sync/internal/db"
	"github.com/dmorandi/kommo-sync/internal/metrics"
	"github.com/dmorandi/kommo-sync/internal/registry"
	"github.com/dmorandi/kommo-sync/internal/syncrun"
)

func main() {
	cfg, err := config.Load(os.Getenv("KOMMOSYNC_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	oauthCfg := google.OAuthConfig(cfg.Google)
	tokens := token.NewStore(database, oauthCfg)
	states := google.NewStateStore()
	sessions := session.NewManager(cfg.JWT)
	fetcher := contacts.NewFetcher(tokens)

	promReg := prometheus.NewRegistry()
	orchestrator := syncrun.New(fetcher, metrics.New(promReg))
	tenants := registry.New(database)

	handler := api.NewRouter(api.Deps{
		DB:           database,
		Sessions:     sessions,
		Tokens:       tokens,
		States:       states,
		OAuth:        oauthCfg,
		Fetcher:      fetcher,
		Registry:     tenants,
		Orchestrator: orchestrator,
		Metrics:      promReg,
	})

	addr := cfg.Addr()
	log.Printf("kommo-sync listening on http://%s", addr)
	log.Printf("Google OAuth redirect: %s", cfg.Google.RedirectURL)

	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

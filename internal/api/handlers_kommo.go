package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmorandi/kommo-sync/internal/registry"
	"github.com/dmorandi/kommo-sync/internal/syncrun"
)

// tenantServices resolves the caller's service bundle, writing the error
// response itself when the tenant is unusable.
func tenantServices(w http.ResponseWriter, r *http.Request, reg *registry.Registry) (*registry.Services, bool) {
	services, err := reg.Services(r.Context(), TenantID(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrTenantNotFound):
			writeError(w, http.StatusUnauthorized, "unknown tenant")
		case errors.Is(err, registry.ErrNoKommoCredentials):
			writeError(w, http.StatusPreconditionFailed, "kommo credentials are not configured")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return services, true
}

// PipelinesHandler lists the tenant's Kommo pipelines.
func PipelinesHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, ok := tenantServices(w, r, reg)
		if !ok {
			return
		}
		pipelines, err := services.Kommo.ListPipelines(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pipelines": pipelines})
	}
}

// StatusesHandler lists the stages of one pipeline.
func StatusesHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, ok := tenantServices(w, r, reg)
		if !ok {
			return
		}
		pipelineID, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pipeline id")
			return
		}
		statuses, err := services.Kommo.ListStatuses(r.Context(), pipelineID)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
	}
}

// ConnectionStatusHandler probes the tenant's Kommo connection.
func ConnectionStatusHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, ok := tenantServices(w, r, reg)
		if !ok {
			return
		}
		if err := services.Kommo.VerifyConnection(r.Context()); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"connected": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"connected": true})
	}
}

// RefreshFieldsHandler drops the cached custom-field map so the next sync
// re-resolves it. Kommo configuration changes are not detected
// automatically.
func RefreshFieldsHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, ok := tenantServices(w, r, reg)
		if !ok {
			return
		}
		services.Kommo.InvalidateCustomFields()
		writeJSON(w, http.StatusOK, map[string]string{"message": "custom field cache cleared"})
	}
}

type syncRequest struct {
	PipelineID int      `json:"pipeline_id"`
	ContactIDs []string `json:"contact_ids,omitempty"`
}

// SyncHandler runs the contact-to-lead pipeline for the tenant and returns
// the per-contact report. Partial results are returned even when the run is
// aborted by a terminal error.
func SyncHandler(reg *registry.Registry, orchestrator *syncrun.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, ok := tenantServices(w, r, reg)
		if !ok {
			return
		}

		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.PipelineID == 0 {
			writeError(w, http.StatusBadRequest, "pipeline_id is required")
			return
		}

		result, err := orchestrator.Run(r.Context(), TenantID(r.Context()), services.Kommo, req.PipelineID, req.ContactIDs)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type messageRequest struct {
	ContactID int    `json:"contact_id"`
	Phone     string `json:"phone"`
	Text      string `json:"text"`
}

// SendMessageHandler relays a text message to a contact through Kommo.
func SendMessageHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, ok := tenantServices(w, r, reg)
		if !ok {
			return
		}

		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ContactID == 0 || req.Text == "" {
			writeError(w, http.StatusBadRequest, "contact_id and text are required")
			return
		}

		if err := services.Kommo.SendMessage(r.Context(), req.ContactID, req.Phone, req.Text); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "sent"})
	}
}

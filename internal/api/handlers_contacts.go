package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmorandi/kommo-sync/internal/auth/token"
	"github.com/dmorandi/kommo-sync/internal/contacts"
	"github.com/dmorandi/kommo-sync/internal/phone"
	"github.com/dmorandi/kommo-sync/internal/registry"
	"github.com/dmorandi/kommo-sync/internal/syncrun"
)

type contactView struct {
	SourceID string `json:"source_id,omitempty"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email,omitempty"`
	Valid    bool   `json:"valid"`
}

// ListContactsHandler returns the tenant's Google contacts with a per-contact
// flag telling whether the phone would survive normalization.
func ListContactsHandler(fetcher *contacts.Fetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := fetcher.FetchAll(r.Context(), TenantID(r.Context()))
		if err != nil {
			switch {
			case errors.Is(err, token.ErrNotAuthenticated), errors.Is(err, token.ErrTokenRevoked):
				writeError(w, http.StatusUnauthorized, "google account is not connected")
			default:
				writeError(w, http.StatusBadGateway, err.Error())
			}
			return
		}

		views := make([]contactView, 0, len(list))
		for _, c := range list {
			_, valid := phone.Normalize(c.Phone)
			views = append(views, contactView{
				SourceID: c.SourceID,
				Name:     c.Name,
				Phone:    c.Phone,
				Email:    c.Email,
				Valid:    valid,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"contacts": views, "total": len(views)})
	}
}

type inlineContact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type inlineSyncRequest struct {
	PipelineID int             `json:"pipeline_id"`
	Contacts   []inlineContact `json:"contacts"`
}

func (req *inlineSyncRequest) toContacts(source string) []contacts.Contact {
	list := make([]contacts.Contact, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		name := c.Name
		if name == "" {
			name = contacts.DefaultName
		}
		list = append(list, contacts.Contact{
			Name:   name,
			Phone:  c.Phone,
			Email:  c.Email,
			Source: source,
		})
	}
	return list
}

func inlineSyncHandler(reg *registry.Registry, orchestrator *syncrun.Orchestrator, source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, ok := tenantServices(w, r, reg)
		if !ok {
			return
		}

		var req inlineSyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.PipelineID == 0 {
			writeError(w, http.StatusBadRequest, "pipeline_id is required")
			return
		}
		if len(req.Contacts) == 0 {
			writeError(w, http.StatusBadRequest, "contacts list is empty")
			return
		}

		result := orchestrator.RunContacts(r.Context(), req.toContacts(source), services.Kommo, req.PipelineID)
		writeJSON(w, http.StatusOK, result)
	}
}

// ManualSyncHandler syncs contacts supplied directly in the request body.
func ManualSyncHandler(reg *registry.Registry, orchestrator *syncrun.Orchestrator) http.HandlerFunc {
	return inlineSyncHandler(reg, orchestrator, contacts.SourceManual)
}

// ImportContactsHandler syncs contacts parsed from an uploaded file on the
// client side. Same shape as the manual flow, tagged with a file source.
func ImportContactsHandler(reg *registry.Registry, orchestrator *syncrun.Orchestrator) http.HandlerFunc {
	return inlineSyncHandler(reg, orchestrator, contacts.SourceFile)
}

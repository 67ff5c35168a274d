// Package syncrun drives the contact-to-lead pipeline: validate, dedupe,
// create the CRM contact, create the lead, and aggregate per-contact
// outcomes. Contacts are processed strictly one at a time with a fixed
// delay between them to stay under the CRM's rate limits; do not fan this
// out without replacing the delay with a real admission controller.
package syncrun

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dmorandi/kommo-sync/internal/contacts"
	"github.com/dmorandi/kommo-sync/internal/kommo"
	"github.com/dmorandi/kommo-sync/internal/metrics"
	"github.com/dmorandi/kommo-sync/internal/phone"
)

const (
	// interContactDelay spaces CRM calls between contacts.
	interContactDelay = 500 * time.Millisecond

	// rateLimitPause is the one-time extended pause after an observed 429.
	rateLimitPause = 5 * time.Second
)

const invalidPhoneMessage = "invalid phone number"

// ContactSource supplies the contacts to sync for a tenant.
type ContactSource interface {
	FetchAll(ctx context.Context, tenantID string) ([]contacts.Contact, error)
}

// CRM is the subset of the Kommo client the orchestrator needs.
type CRM interface {
	VerifyConnection(ctx context.Context) error
	CreateContact(ctx context.Context, name, cleanedPhone, email string) (int, error)
	CreateLead(ctx context.Context, contactID int, contactName string, pipelineID int) (int, error)
}

// Orchestrator runs sync pipelines. Safe for concurrent use across
// tenants; each Run is independent.
type Orchestrator struct {
	source  ContactSource
	metrics *metrics.Metrics

	// Delays are fields so tests can shrink them.
	contactDelay time.Duration
	ratePause    time.Duration
}

// New creates an orchestrator over the given contact source.
func New(source ContactSource, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		source:       source,
		metrics:      m,
		contactDelay: interContactDelay,
		ratePause:    rateLimitPause,
	}
}

// Run fetches the tenant's contacts, optionally filters them by source id,
// and pushes each one into the CRM. It returns an error only for
// infrastructure faults that prevent a Result from being built at all
// (for example a missing provider token); every API-level failure is
// reported inside the Result.
func (o *Orchestrator) Run(ctx context.Context, tenantID string, crm CRM, pipelineID int, contactIDs []string) (*Result, error) {
	if pipelineID == 0 {
		return nil, fmt.Errorf("pipeline id is required")
	}

	list, err := o.source.FetchAll(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("fetch contacts: %w", err)
	}

	if len(contactIDs) > 0 {
		wanted := make(map[string]bool, len(contactIDs))
		for _, id := range contactIDs {
			wanted[id] = true
		}
		filtered := list[:0]
		for _, c := range list {
			if wanted[c.SourceID] {
				filtered = append(filtered, c)
			}
		}
		list = filtered
		log.Printf("syncing %d selected contacts for tenant %s", len(list), tenantID)
	}

	return o.RunContacts(ctx, list, crm, pipelineID), nil
}

// RunContacts pushes an explicit contact list through the pipeline. Used
// directly for manually entered and file-imported contacts.
func (o *Orchestrator) RunContacts(ctx context.Context, list []contacts.Contact, crm CRM, pipelineID int) *Result {
	o.metrics.RunsStarted.Inc()

	result := &Result{
		Total:      len(list),
		PipelineID: pipelineID,
		Contacts:   make([]Outcome, 0, len(list)),
	}

	probed := false
	rateLimitPaused := false

	for i, c := range list {
		if err := ctx.Err(); err != nil {
			o.abort(result, err.Error())
			return result
		}

		cleaned, valid := phone.Normalize(c.Phone)
		if !valid {
			result.Filtered++
			o.metrics.ContactsFiltered.Inc()
			result.Contacts = append(result.Contacts, Outcome{
				Name:     c.Name,
				Phone:    c.Phone,
				Filtered: true,
				Error:    invalidPhoneMessage,
			})
			continue
		}

		// Probe once before the first mutating call so a dead token
		// fails fast instead of on contact creation.
		if !probed {
			if err := crm.VerifyConnection(ctx); err != nil {
				if kommo.IsTerminal(err) || errors.Is(err, context.Canceled) {
					o.abort(result, err.Error())
					return result
				}
				o.recordError(result, c, err)
				continue
			}
			probed = true
		}

		contactID, err := crm.CreateContact(ctx, c.Name, cleaned, c.Email)
		if err != nil {
			if kommo.IsTerminal(err) || errors.Is(err, context.Canceled) {
				o.abort(result, err.Error())
				return result
			}
			o.recordError(result, c, err)
			if kommo.IsRateLimited(err) && !rateLimitPaused {
				rateLimitPaused = true
				log.Printf("rate limited mid-run, pausing %s", o.ratePause)
				if sleepErr := sleepCtx(ctx, o.ratePause); sleepErr != nil {
					o.abort(result, sleepErr.Error())
					return result
				}
			}
			continue
		}

		leadID, err := crm.CreateLead(ctx, contactID, c.Name, pipelineID)
		if err != nil {
			if kommo.IsTerminal(err) || errors.Is(err, context.Canceled) {
				o.abort(result, err.Error())
				return result
			}
			o.recordError(result, c, err)
			continue
		}

		result.Processed++
		o.metrics.ContactsProcessed.Inc()
		result.Contacts = append(result.Contacts, Outcome{
			Name:      c.Name,
			Phone:     cleaned,
			ContactID: contactID,
			LeadID:    leadID,
			Success:   true,
		})

		if i < len(list)-1 {
			if err := sleepCtx(ctx, o.contactDelay); err != nil {
				o.abort(result, err.Error())
				return result
			}
		}
	}

	o.metrics.RunsCompleted.Inc()
	log.Printf("sync complete: total=%d processed=%d filtered=%d errors=%d",
		result.Total, result.Processed, result.Filtered,
		result.Total-result.Processed-result.Filtered)
	return result
}

func (o *Orchestrator) recordError(result *Result, c contacts.Contact, err error) {
	o.metrics.ContactsErrored.Inc()
	log.Printf("contact %s failed: %v", c.Name, err)
	result.Contacts = append(result.Contacts, Outcome{
		Name:  c.Name,
		Phone: c.Phone,
		Error: err.Error(),
	})
}

func (o *Orchestrator) abort(result *Result, reason string) {
	o.metrics.RunsAborted.Inc()
	log.Printf("sync aborted: %s", reason)
	result.TerminalError = reason
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

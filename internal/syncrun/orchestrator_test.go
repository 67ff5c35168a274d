package syncrun

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmorandi/kommo-sync/internal/contacts"
	"github.com/dmorandi/kommo-sync/internal/kommo"
	"github.com/dmorandi/kommo-sync/internal/metrics"
)

type fakeSource struct {
	contacts []contacts.Contact
	err      error
}

func (f *fakeSource) FetchAll(ctx context.Context, tenantID string) ([]contacts.Contact, error) {
	return f.contacts, f.err
}

// fakeCRM scripts per-contact failures by name.
type fakeCRM struct {
	verifyErr     error
	contactErrs   map[string]error
	leadErrs      map[string]error
	nextContactID int
	nextLeadID    int
	created       []string
}

func (f *fakeCRM) VerifyConnection(ctx context.Context) error { return f.verifyErr }

func (f *fakeCRM) CreateContact(ctx context.Context, name, cleanedPhone, email string) (int, error) {
	if err := f.contactErrs[name]; err != nil {
		return 0, err
	}
	f.nextContactID++
	f.created = append(f.created, name)
	return f.nextContactID, nil
}

func (f *fakeCRM) CreateLead(ctx context.Context, contactID int, contactName string, pipelineID int) (int, error) {
	if err := f.leadErrs[contactName]; err != nil {
		return 0, err
	}
	f.nextLeadID++
	return f.nextLeadID, nil
}

func newTestOrchestrator(t *testing.T, source ContactSource) *Orchestrator {
	t.Helper()
	o := New(source, metrics.New(prometheus.NewRegistry()))
	o.contactDelay = time.Millisecond
	o.ratePause = time.Millisecond
	return o
}

func testContacts(names ...string) []contacts.Contact {
	list := make([]contacts.Contact, 0, len(names))
	for i, name := range names {
		list = append(list, contacts.Contact{
			SourceID: name,
			Name:     name,
			Phone:    "54112345678" + string(rune('0'+i)),
			Source:   contacts.SourceProvider,
		})
	}
	return list
}

func terminalErr(kind kommo.Kind, status int) *kommo.APIError {
	return &kommo.APIError{StatusCode: status, Kind: kind, Message: "scripted"}
}

func TestRun_InvalidPhoneIsFilteredNotFatal(t *testing.T) {
	list := testContacts("Ana", "Beto", "Carla")
	list[1].Phone = "911" // denylisted

	crm := &fakeCRM{}
	o := newTestOrchestrator(t, &fakeSource{contacts: list})

	result, err := o.Run(context.Background(), "tenant-1", crm, 42, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Total != 3 || result.Filtered != 1 || result.Processed != 2 {
		t.Errorf("result = total %d processed %d filtered %d", result.Total, result.Processed, result.Filtered)
	}
	if result.Processed+result.Filtered != result.Total {
		t.Errorf("processed + filtered != total")
	}
	if len(result.Contacts) != 3 {
		t.Fatalf("outcomes = %d", len(result.Contacts))
	}
	filteredCount := 0
	for _, c := range result.Contacts {
		if c.Filtered {
			filteredCount++
			if c.Name != "Beto" || c.Error != invalidPhoneMessage {
				t.Errorf("filtered outcome = %+v", c)
			}
		}
	}
	if filteredCount != 1 {
		t.Errorf("filtered outcomes = %d, want 1", filteredCount)
	}
	if result.TerminalError != "" {
		t.Errorf("TerminalError = %q", result.TerminalError)
	}
}

func TestRun_AuthErrorAbortsWithPartialResult(t *testing.T) {
	list := testContacts("Ana", "Beto", "Carla")
	crm := &fakeCRM{
		contactErrs: map[string]error{"Beto": terminalErr(kommo.KindAuthExpired, 401)},
	}
	o := newTestOrchestrator(t, &fakeSource{contacts: list})

	result, err := o.Run(context.Background(), "tenant-1", crm, 42, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.TerminalError == "" {
		t.Fatal("expected terminal error")
	}
	// Ana was processed before the abort; Carla never attempted.
	if result.Processed != 1 {
		t.Errorf("Processed = %d, want 1", result.Processed)
	}
	for _, name := range crm.created {
		if name == "Carla" {
			t.Error("contact after terminal error was still processed")
		}
	}
}

func TestRun_RateLimitErrorIsNonTerminal(t *testing.T) {
	list := testContacts("Ana", "Beto")
	crm := &fakeCRM{
		contactErrs: map[string]error{"Ana": terminalErr(kommo.KindRateLimited, 429)},
	}
	o := newTestOrchestrator(t, &fakeSource{contacts: list})

	result, err := o.Run(context.Background(), "tenant-1", crm, 42, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TerminalError != "" {
		t.Fatalf("rate limit must not abort the run: %q", result.TerminalError)
	}
	if result.Processed != 1 {
		t.Errorf("Processed = %d, want Beto processed after the pause", result.Processed)
	}
}

func TestRun_TerminalProbeAbortsBeforeAnyMutation(t *testing.T) {
	list := testContacts("Ana", "Beto")
	crm := &fakeCRM{verifyErr: terminalErr(kommo.KindPaymentRestricted, 402)}
	o := newTestOrchestrator(t, &fakeSource{contacts: list})

	result, err := o.Run(context.Background(), "tenant-1", crm, 42, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TerminalError == "" {
		t.Fatal("expected terminal error from probe")
	}
	if len(crm.created) != 0 {
		t.Errorf("contacts created despite failed probe: %v", crm.created)
	}
}

func TestRun_LeadErrorRecordedAndRunContinues(t *testing.T) {
	list := testContacts("Ana", "Beto")
	crm := &fakeCRM{
		leadErrs: map[string]error{"Ana": terminalErr(kommo.KindTransient, 503)},
	}
	o := newTestOrchestrator(t, &fakeSource{contacts: list})

	result, err := o.Run(context.Background(), "tenant-1", crm, 42, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Processed != 1 {
		t.Errorf("Processed = %d, want 1", result.Processed)
	}
	if result.Contacts[0].Success || result.Contacts[0].Error == "" {
		t.Errorf("outcome[0] = %+v, want recorded error", result.Contacts[0])
	}
	if !result.Contacts[1].Success {
		t.Errorf("outcome[1] = %+v, want success", result.Contacts[1])
	}
}

func TestRun_ContactIDFilter(t *testing.T) {
	list := testContacts("Ana", "Beto", "Carla")
	crm := &fakeCRM{}
	o := newTestOrchestrator(t, &fakeSource{contacts: list})

	result, err := o.Run(context.Background(), "tenant-1", crm, 42, []string{"Beto"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Total != 1 || result.Processed != 1 {
		t.Errorf("result = %+v", result)
	}
	if len(crm.created) != 1 || crm.created[0] != "Beto" {
		t.Errorf("created = %v", crm.created)
	}
}

func TestRun_ContextCancellationAborts(t *testing.T) {
	list := testContacts("Ana", "Beto")
	crm := &fakeCRM{}
	o := newTestOrchestrator(t, &fakeSource{contacts: list})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Run(ctx, "tenant-1", crm, 42, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TerminalError == "" {
		t.Fatal("expected abort on cancelled context")
	}
	if len(crm.created) != 0 {
		t.Errorf("created = %v", crm.created)
	}
}

func TestRun_RequiresPipeline(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{})
	if _, err := o.Run(context.Background(), "tenant-1", &fakeCRM{}, 0, nil); err == nil {
		t.Fatal("expected error for missing pipeline id")
	}
}

func TestRun_FetchFailureIsInfrastructureError(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{err: context.DeadlineExceeded})
	if _, err := o.Run(context.Background(), "tenant-1", &fakeCRM{}, 42, nil); err == nil {
		t.Fatal("expected fetch error to surface")
	}
}

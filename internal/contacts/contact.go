// Package contacts retrieves address-book entries from the Google People
// API and maps them into the canonical Contact shape the sync pipeline
// consumes.
package contacts

// Contact provenance values.
const (
	SourceProvider = "provider"
	SourceManual   = "manual"
	SourceFile     = "file"
)

// DefaultName is the sentinel used when an entry has no display name, kept
// verbatim from the product's Spanish-language UI.
const DefaultName = "Sin nombre"

// Contact is a canonical contact record. Phone is cleaned but not yet
// validated; validity is decided by the orchestrator so the result can be
// reported per contact instead of silently dropped.
type Contact struct {
	SourceID string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email,omitempty"`
	Source   string `json:"source"`
}

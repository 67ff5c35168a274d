package syncrun

// Outcome is the per-contact record of a sync run.
type Outcome struct {
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	ContactID int    `json:"contact_id,omitempty"`
	LeadID    int    `json:"lead_id,omitempty"`
	Success   bool   `json:"success"`
	Filtered  bool   `json:"filtered,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result is the aggregate report of one sync run. It is built fresh per
// invocation and returned even when the run aborts early.
type Result struct {
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Filtered   int       `json:"filtered"`
	PipelineID int       `json:"pipeline_id"`
	Contacts   []Outcome `json:"contacts"`

	// TerminalError is set when the run was aborted; Contacts then holds
	// the partial results accumulated before the abort.
	TerminalError string `json:"error,omitempty"`
}

package harness

// Step operations recorded in the trace.
const (
	OpSubmit    = "submit"
	OpArchive   = "archive"
	OpUnarchive = "unarchive"
	OpCaseAPI   = "case_api"
)

// TraceEvent records what one executed step did.
type TraceEvent struct {
	Seq int `json:"seq"`

	// Op is one of the Op constants.
	Op string `json:"op"`

	FormID string `json:"form_id,omitempty"`

	// Outcome is the submission outcome, or the form state after an archive
	// transition.
	Outcome string `json:"outcome"`

	// Code is the error code of a failed step.
	Code string `json:"code,omitempty"`

	Cases    []string `json:"cases,omitempty"`
	Created  []string `json:"created,omitempty"`
	Cascaded []string `json:"cascaded,omitempty"`
}

// canonical renders the event for canonical JSON. Empty fields are left out.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"seq":     e.Seq,
		"op":      e.Op,
		"outcome": e.Outcome,
	}
	if e.FormID != "" {
		m["form_id"] = e.FormID
	}
	if e.Code != "" {
		m["code"] = e.Code
	}
	if len(e.Cases) > 0 {
		m["cases"] = e.Cases
	}
	if len(e.Created) > 0 {
		m["created"] = e.Created
	}
	if len(e.Cascaded) > 0 {
		m["cascaded"] = e.Cascaded
	}
	return m
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per executed step.
	Trace []TraceEvent `json:"trace"`

	// Errors describes every failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult returns a passing result with an empty trace.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failed expectation.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(ev TraceEvent) TraceEvent {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
	return ev
}

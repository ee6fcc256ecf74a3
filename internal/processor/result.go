package processor

import (
	"time"

	"github.com/roach88/formcore/internal/attachments"
	"github.com/roach88/formcore/internal/model"
)

// Outcome tags what Submit did with a submission.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeDeprecated Outcome = "deprecated"
	OutcomeError      Outcome = "error"
)

// Submission is one incoming form.
type Submission struct {
	Domain string
	XML    []byte

	// Attachments are the named files posted alongside the XML.
	Attachments []attachments.File

	// ReceivedOn defaults to the processor clock.
	ReceivedOn time.Time

	// Policy carries the domain's feature switches. A zero policy means
	// model.DefaultPolicy(Domain).
	Policy model.DomainPolicy
}

// Result reports the outcome of one submission.
type Result struct {
	Outcome Outcome

	// Form is the record written for this submission.
	Form *model.Form

	// Existing is the form already holding the instance id, for duplicates.
	Existing *model.Form

	// Deprecated is the superseded form, for edits.
	Deprecated *model.Form

	// Cases are every case written, including cascade closures.
	Cases []*model.Case

	// Created lists cases the form created.
	Created []string

	// Cascaded lists extension cases closed because a host closed.
	Cascaded []string

	// Error explains an OutcomeError.
	Error *Error
}

// CaseIDs returns the ids of every case written.
func (r *Result) CaseIDs() []string {
	ids := make([]string, 0, len(r.Cases))
	for _, c := range r.Cases {
		ids = append(ids, c.CaseID)
	}
	return ids
}

// FormID returns the instance id the submission was made under.
func (r *Result) FormID() string {
	if r.Form == nil {
		return ""
	}
	return r.Form.ExternalID()
}

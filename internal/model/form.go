package model

import (
	"fmt"
	"time"
)

// FormState is the lifecycle state of a stored form.
type FormState int

const (
	StateNormal             FormState = 1
	StateArchived           FormState = 2
	StateDeprecated         FormState = 4
	StateDuplicate          FormState = 8
	StateError              FormState = 16
	StateSubmissionErrorLog FormState = 32
)

var formStateNames = map[FormState]string{
	StateNormal:             "normal",
	StateArchived:           "archived",
	StateDeprecated:         "deprecated",
	StateDuplicate:          "duplicate",
	StateError:              "error",
	StateSubmissionErrorLog: "submission_error_log",
}

func (s FormState) String() string {
	if name, ok := formStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("FormState(%d)", int(s))
}

// ParseFormState converts a state name back to a FormState.
func ParseFormState(name string) (FormState, error) {
	for s, n := range formStateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown form state %q", name)
}

// OperationType names an entry in a form's history.
type OperationType string

const (
	OpArchive   OperationType = "archive"
	OpUnarchive OperationType = "unarchive"
	OpEdit      OperationType = "edit"
	OpGDPRScrub OperationType = "gdpr_scrub"
)

// FormOperation is one entry in a form's history.
type FormOperation struct {
	Operation OperationType `json:"operation"`
	UserID    string        `json:"user_id"`
	Date      time.Time     `json:"date"`
}

// AttachmentRef points at a content-addressed blob owned by a form.
type AttachmentRef struct {
	Name        string `json:"name"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Length      int64  `json:"length"`
}

// FormXMLAttachment is the attachment name under which the submitted XML is kept.
const FormXMLAttachment = "form.xml"

// Form is one submitted XML instance.
//
// FormID is the id the record is stored under. For the live form this is the
// external instance id. Deprecated, duplicate and some error records are stored
// under a generated id with OrigID holding the external id they were submitted as.
type Form struct {
	FormID           string
	Domain           string
	XMLNS            string
	State            FormState
	ReceivedOn       time.Time
	ServerModifiedOn time.Time
	UserID           string
	DeviceID         string
	DeprecatedFormID string
	OrigID           string
	Problem          string
	ContentHash      string
	History          []FormOperation
	Attachments      map[string]AttachmentRef
	Data             map[string]any
}

// IsNormal reports whether the form is live and contributes to case state.
func (f *Form) IsNormal() bool { return f.State == StateNormal }

// IsArchived reports whether the form has been archived.
func (f *Form) IsArchived() bool { return f.State == StateArchived }

// IsDeprecated reports whether the form was superseded by an edit.
func (f *Form) IsDeprecated() bool { return f.State == StateDeprecated }

// IsDuplicate reports whether the form is a stored duplicate submission.
func (f *Form) IsDuplicate() bool { return f.State == StateDuplicate }

// IsError reports whether the form failed processing.
func (f *Form) IsError() bool {
	return f.State == StateError || f.State == StateSubmissionErrorLog
}

// ExternalID returns the instance id the form was submitted under.
func (f *Form) ExternalID() string {
	if f.OrigID != "" {
		return f.OrigID
	}
	return f.FormID
}

// AppendHistory records an operation on the form.
func (f *Form) AppendHistory(op OperationType, userID string, at time.Time) {
	f.History = append(f.History, FormOperation{Operation: op, UserID: userID, Date: at})
}

// Clone returns a deep copy of the form.
func (f *Form) Clone() *Form {
	c := *f
	c.History = append([]FormOperation(nil), f.History...)
	if f.Attachments != nil {
		c.Attachments = make(map[string]AttachmentRef, len(f.Attachments))
		for k, v := range f.Attachments {
			c.Attachments[k] = v
		}
	}
	// Data is treated as immutable once parsed and is shared.
	return &c
}

// UnfinishedSubmission marks a submission whose atomic commit was attempted but
// not confirmed. It is removed once the commit and attachment linking succeed.
type UnfinishedSubmission struct {
	ID          string
	Domain      string
	FormID      string
	ContentHash string
	CreatedOn   time.Time
}

package model

import (
	"strings"
	"time"
)

// TransactionType is a bit set describing what a case transaction did.
type TransactionType int

const (
	TxForm              TransactionType = 1
	TxRebuildWithReason TransactionType = 2
	TxUserRequested     TransactionType = 4
	TxUserArchived      TransactionType = 8
	TxFormArchived      TransactionType = 16
	TxFormEdit          TransactionType = 32
	TxLedger            TransactionType = 64
	TxCaseCreate        TransactionType = 128
	TxCaseClose         TransactionType = 256
	TxCaseIndex         TransactionType = 512
	TxCaseAttachment    TransactionType = 1024
	TxFormReprocess     TransactionType = 2048
)

var transactionTypeNames = []struct {
	t    TransactionType
	name string
}{
	{TxForm, "form"},
	{TxRebuildWithReason, "rebuild_with_reason"},
	{TxUserRequested, "user_requested_rebuild"},
	{TxUserArchived, "user_archived_rebuild"},
	{TxFormArchived, "form_archive_rebuild"},
	{TxFormEdit, "form_edit_rebuild"},
	{TxLedger, "ledger"},
	{TxCaseCreate, "case_create"},
	{TxCaseClose, "case_close"},
	{TxCaseIndex, "case_index"},
	{TxCaseAttachment, "case_attachment"},
	{TxFormReprocess, "form_reprocess"},
}

// Has reports whether all bits of flag are set.
func (t TransactionType) Has(flag TransactionType) bool { return t&flag == flag }

// String renders the set bits joined with "|".
func (t TransactionType) String() string {
	var parts []string
	for _, n := range transactionTypeNames {
		if t.Has(n.t) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ActionType names one kind of case mutation.
type ActionType string

const (
	ActionCreate     ActionType = "create"
	ActionUpdate     ActionType = "update"
	ActionIndex      ActionType = "index"
	ActionClose      ActionType = "close"
	ActionAttachment ActionType = "attachment"
)

// IndexAction sets or clears one index identifier.
type IndexAction struct {
	Identifier     string `json:"identifier"`
	ReferencedID   string `json:"referenced_id"`
	ReferencedType string `json:"referenced_type"`
	Relationship   string `json:"relationship"`
}

// CaseAction is one ordered mutation extracted from a case block.
type CaseAction struct {
	Type        ActionType        `json:"type"`
	CaseType    string            `json:"case_type,omitempty"`
	Name        string            `json:"name,omitempty"`
	OwnerID     string            `json:"owner_id,omitempty"`
	ExternalID  string            `json:"external_id,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Indices     []IndexAction     `json:"indices,omitempty"`
	Attachments map[string]string `json:"attachments,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// CloseReasonExtension marks a close applied by the extension cascade.
const CloseReasonExtension = "extension"

// CaseBlock is every action one form applies to one case, in application order.
type CaseBlock struct {
	CaseID       string
	UserID       string
	DateModified time.Time
	Actions      []CaseAction
}

// CaseTransaction binds a form to the mutation it caused on one case.
// Revoked transactions are excluded from the case's effective state.
type CaseTransaction struct {
	ID           string
	Domain       string
	CaseID       string
	FormID       string
	Type         TransactionType
	Revoked      bool
	ServerDate   time.Time
	UserID       string
	DateModified time.Time
	Actions      []CaseAction
}

// TypeForActions derives the transaction bit set for a list of actions.
func TypeForActions(actions []CaseAction) TransactionType {
	t := TxForm
	for _, a := range actions {
		switch a.Type {
		case ActionCreate:
			t |= TxCaseCreate
		case ActionClose:
			t |= TxCaseClose
		case ActionIndex:
			t |= TxCaseIndex
		case ActionAttachment:
			t |= TxCaseAttachment
		}
	}
	return t
}

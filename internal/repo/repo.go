// Package repo defines the storage capabilities the submission pipeline depends on.
//
// Two implementations exist: a relational backend (internal/store, SQLite) and a
// document backend (internal/docstore, Badger). A Router picks one per domain at
// startup so no backend choice leaks into processing logic.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/formcore/internal/model"
)

var (
	// ErrFormNotFound is returned when no form is stored under the requested id.
	ErrFormNotFound = errors.New("form not found")

	// ErrCaseNotFound is returned when no case matches the lookup.
	ErrCaseNotFound = errors.New("case not found")
)

// FormStore reads and maintains forms.
type FormStore interface {
	GetForm(ctx context.Context, domain, formID string) (*model.Form, error)
	GetFormsByState(ctx context.Context, domain string, state model.FormState, limit int) ([]*model.Form, error)
	SaveUnfinished(ctx context.Context, u model.UnfinishedSubmission) error
	ListUnfinished(ctx context.Context, olderThan time.Time) ([]model.UnfinishedSubmission, error)
	DeleteUnfinished(ctx context.Context, id string) error
	HardDeleteForms(ctx context.Context, domain string, formIDs []string) error
}

// CaseStore reads and maintains cases, their indices and transactions.
type CaseStore interface {
	GetCase(ctx context.Context, domain, caseID string) (*model.Case, error)

	// GetCases returns the cases that exist among ids, in ids order. Missing ids
	// are skipped.
	GetCases(ctx context.Context, domain string, ids []string) ([]*model.Case, error)

	// GetCaseByExternalID returns the non-deleted case carrying externalID.
	GetCaseByExternalID(ctx context.Context, domain, externalID string) (*model.Case, error)

	// GetExtensionIndices returns live extension index rows, held by non-deleted
	// cases, that point at any of hostIDs.
	GetExtensionIndices(ctx context.Context, domain string, hostIDs []string) ([]model.CaseIndex, error)

	// GetReverseIndices returns live index rows of any relationship pointing at caseID.
	GetReverseIndices(ctx context.Context, domain, caseID string) ([]model.CaseIndex, error)

	// GetTransactions returns a case's transactions ordered by server date.
	GetTransactions(ctx context.Context, domain, caseID string) ([]model.CaseTransaction, error)

	GetTransactionsForForm(ctx context.Context, domain, formID string) ([]model.CaseTransaction, error)
	SoftDeleteCases(ctx context.Context, domain string, caseIDs []string) error
}

// Store is a complete backend.
type Store interface {
	FormStore
	CaseStore

	// CommitBatch applies every write in b or none of them.
	CommitBatch(ctx context.Context, b Batch) error

	Close() error
}

// Batch is one all-or-nothing write.
//
// Forms and Cases are upserted by (domain, id); a case's index rows are replaced
// by the ones it carries. Transactions are upserted by id, which is how
// revocation is recorded. Unfinished stubs named in ClearUnfinished are deleted.
type Batch struct {
	Forms           []*model.Form
	Cases           []*model.Case
	Transactions    []model.CaseTransaction
	ClearUnfinished []string
}

// Validate checks that every record in the batch is addressable.
func (b Batch) Validate() error {
	for i, f := range b.Forms {
		if f == nil || f.Domain == "" || f.FormID == "" {
			return fmt.Errorf("batch form[%d]: domain and form id are required", i)
		}
	}
	for i, c := range b.Cases {
		if c == nil || c.Domain == "" || c.CaseID == "" {
			return fmt.Errorf("batch case[%d]: domain and case id are required", i)
		}
		for _, idx := range c.Indices {
			if idx.Identifier == "" {
				return fmt.Errorf("batch case %s: index identifier is required", c.CaseID)
			}
		}
	}
	for i, tx := range b.Transactions {
		if tx.ID == "" || tx.CaseID == "" || tx.FormID == "" {
			return fmt.Errorf("batch transaction[%d]: id, case id and form id are required", i)
		}
	}
	return nil
}

// IsEmpty reports whether the batch writes nothing.
func (b Batch) IsEmpty() bool {
	return len(b.Forms) == 0 && len(b.Cases) == 0 && len(b.Transactions) == 0 && len(b.ClearUnfinished) == 0
}

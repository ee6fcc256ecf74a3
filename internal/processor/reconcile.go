package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/formcore/internal/lock"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

// ReconcileReport lists what a reconciliation pass found.
type ReconcileReport struct {
	// Cleared stubs belonged to submissions whose commit landed. Their
	// attachments were relinked and the stub removed.
	Cleared []model.UnfinishedSubmission

	// Pending stubs belong to submissions that never committed. The caller
	// should resubmit them; resubmission is idempotent.
	Pending []model.UnfinishedSubmission
}

// Reconcile resolves unfinished submission stubs created before olderThan in
// every backend.
func (p *Processor) Reconcile(ctx context.Context, olderThan time.Time) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	for _, store := range p.stores.Backends() {
		stubs, err := store.ListUnfinished(ctx, olderThan)
		if err != nil {
			return nil, storageError("list unfinished submissions", err)
		}
		for _, stub := range stubs {
			cleared, err := p.reconcileOne(ctx, store, stub)
			if err != nil && !IsLocked(err) {
				return nil, err
			}
			if cleared {
				report.Cleared = append(report.Cleared, stub)
			} else {
				report.Pending = append(report.Pending, stub)
			}
		}
	}
	p.metrics.Unfinished(len(report.Cleared), len(report.Pending))
	p.logger.Info("reconciled unfinished submissions", "cleared", len(report.Cleared), "pending", len(report.Pending))
	return report, nil
}

func (p *Processor) reconcileOne(ctx context.Context, store repo.Store, stub model.UnfinishedSubmission) (bool, error) {
	cleared := false
	err := p.withLocks(ctx, []string{lock.FormKey(stub.Domain, stub.FormID)}, func(ctx context.Context) error {
		var err error
		cleared, err = p.finishStub(ctx, store, stub)
		if err != nil {
			return err
		}
		// Either the form's own links now hold its blobs or it never
		// committed and a resubmission stages them again.
		p.unstage(ctx, stub.ID)
		return nil
	})
	return cleared, err
}

// finishStub relinks the attachments of a stub's committed form and clears
// the stub. It reports false when the form never committed.
func (p *Processor) finishStub(ctx context.Context, store repo.Store, stub model.UnfinishedSubmission) (bool, error) {
	f, err := store.GetForm(ctx, stub.Domain, stub.FormID)
	if errors.Is(err, repo.ErrFormNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageError("load form", err)
	}
	if f.ContentHash != stub.ContentHash {
		return false, nil
	}

	if f.DeprecatedFormID != "" {
		dep, err := store.GetForm(ctx, stub.Domain, f.DeprecatedFormID)
		if err != nil {
			return false, storageError("load deprecated form", err)
		}
		if err := p.syncAttachments(ctx, dep); err != nil {
			return false, storageError("link attachments", err)
		}
	}
	if err := p.syncAttachments(ctx, f); err != nil {
		return false, storageError("link attachments", err)
	}
	if err := store.CommitBatch(ctx, repo.Batch{ClearUnfinished: []string{stub.ID}}); err != nil {
		return false, storageError("clear unfinished submission", err)
	}
	return true, nil
}

// Purge hard-deletes forms and their attachments. Cases and transactions are
// left alone; rebuild or soft-delete them separately.
func (p *Processor) Purge(ctx context.Context, domain string, formIDs ...string) error {
	if len(formIDs) == 0 {
		return nil
	}
	store := p.stores.For(domain)
	keys := make([]string, 0, len(formIDs))
	for _, id := range formIDs {
		keys = append(keys, lock.FormKey(domain, id))
	}
	return p.withLocks(ctx, keys, func(ctx context.Context) error {
		if err := store.HardDeleteForms(ctx, domain, formIDs); err != nil {
			return storageError("delete forms", err)
		}
		for _, id := range formIDs {
			if err := p.blobs.Delete(ctx, id); err != nil {
				return storageError(fmt.Sprintf("delete attachments of %s", id), err)
			}
		}
		p.logger.Info("forms purged", "domain", domain, "count", len(formIDs))
		return nil
	})
}

// Form returns the form stored under formID.
func (p *Processor) Form(ctx context.Context, domain, formID string) (*model.Form, error) {
	return p.stores.For(domain).GetForm(ctx, domain, formID)
}

// Case returns a case with its index rows.
func (p *Processor) Case(ctx context.Context, domain, caseID string) (*model.Case, error) {
	return p.stores.For(domain).GetCase(ctx, domain, caseID)
}

// CaseTransactions returns a case's transactions in server order.
func (p *Processor) CaseTransactions(ctx context.Context, domain, caseID string) ([]model.CaseTransaction, error) {
	return p.stores.For(domain).GetTransactions(ctx, domain, caseID)
}

// Attachment returns the bytes of one of a form's attachments.
func (p *Processor) Attachment(ctx context.Context, formID, name string) ([]byte, error) {
	return p.blobs.Read(ctx, formID, name)
}

// Stores returns the backend router.
func (p *Processor) Stores() *repo.Router { return p.stores }

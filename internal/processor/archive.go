package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/formcore/internal/events"
	"github.com/roach88/formcore/internal/lock"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

// maxLockAttempts bounds how often a transition re-reads a form whose case
// set changed between the unlocked read and acquiring the locks.
const maxLockAttempts = 3

// Archive moves a normal form to archived. Its case transactions are revoked
// and every case they touched is rebuilt; a case left without live
// transactions is marked deleted. Archiving an archived form is a no-op.
func (p *Processor) Archive(ctx context.Context, domain, formID, userID string) (*model.Form, error) {
	return p.transition(ctx, domain, formID, userID, true)
}

// Unarchive moves an archived form back to normal and restores its case
// transactions. Unarchiving a normal form is a no-op.
func (p *Processor) Unarchive(ctx context.Context, domain, formID, userID string) (*model.Form, error) {
	return p.transition(ctx, domain, formID, userID, false)
}

func (p *Processor) transition(ctx context.Context, domain, formID, userID string, archive bool) (*model.Form, error) {
	store := p.stores.For(domain)
	var out *model.Form
	err := p.withFormLocks(ctx, store, domain, formID, func(ctx context.Context, f *model.Form, txs []model.CaseTransaction) error {
		switch {
		case archive && f.IsArchived(), !archive && f.IsNormal():
			out = f
			return nil
		case archive && !f.IsNormal(), !archive && !f.IsArchived():
			return fmt.Errorf("form %s is %s: %w", formID, f.State, ErrInvalidState)
		}

		m, err := p.engineFor(store).Revoke(ctx, domain, txs, archive)
		if err != nil {
			return storageError("rebuild cases", err)
		}

		now := p.clock.Now()
		updated := f.Clone()
		op, state, evType := model.OpUnarchive, model.StateNormal, events.FormUnarchived
		if archive {
			op, state, evType = model.OpArchive, model.StateArchived, events.FormArchived
		}
		updated.State = state
		updated.ServerModifiedOn = now
		updated.AppendHistory(op, userID, now)

		batch := repo.Batch{Forms: []*model.Form{updated}, Cases: m.Cases, Transactions: m.Transactions}
		if err := store.CommitBatch(ctx, batch); err != nil {
			return storageError("commit "+string(op), err)
		}
		p.metrics.FormOperation(string(op))
		p.metrics.CasesWritten(len(m.Cases), 0)
		p.logger.Info("form "+string(op)+"d", "domain", domain, "form_id", formID, "cases", len(m.Cases))

		evs := []events.Event{{Type: evType, Domain: domain, FormID: formID, CaseIDs: m.CaseIDs(), OccurredAt: now}}
		p.publish(ctx, append(evs, caseEvents(domain, formID, m.Cases, now)...)...)
		out = updated
		return nil
	})
	return out, err
}

// withFormLocks runs fn holding the form's lock and the locks of every case
// its transactions touch. The case set is read before locking and re-checked
// under the locks; if it grew in between the attempt is repeated.
func (p *Processor) withFormLocks(ctx context.Context, store repo.Store, domain, formID string, fn func(context.Context, *model.Form, []model.CaseTransaction) error) error {
	load := func(ctx context.Context) (*model.Form, []model.CaseTransaction, error) {
		f, err := store.GetForm(ctx, domain, formID)
		if err != nil {
			if errors.Is(err, repo.ErrFormNotFound) {
				return nil, nil, err
			}
			return nil, nil, storageError("load form", err)
		}
		txs, err := store.GetTransactionsForForm(ctx, domain, formID)
		if err != nil {
			return nil, nil, storageError("load form transactions", err)
		}
		return f, txs, nil
	}

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		_, txs, err := load(ctx)
		if err != nil {
			return err
		}
		keys := []string{lock.FormKey(domain, formID)}
		locked := make(map[string]bool, len(txs))
		for _, tx := range txs {
			keys = append(keys, lock.CaseKey(domain, tx.CaseID))
			locked[tx.CaseID] = true
		}

		retry := false
		err = p.withLocks(ctx, keys, func(ctx context.Context) error {
			f, txs, err := load(ctx)
			if err != nil {
				return err
			}
			for _, tx := range txs {
				if !locked[tx.CaseID] {
					retry = true
					return nil
				}
			}
			return fn(ctx, f, txs)
		})
		if err != nil || !retry {
			return err
		}
	}
	return lockedError(fmt.Errorf("case set of form %s kept changing", formID))
}

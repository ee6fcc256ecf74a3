package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/formcore/internal/extension"
	"github.com/roach88/formcore/internal/logging"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

// Engine turns case blocks into case and transaction writes.
//
// Thread-safety: Engine holds no per-call state and is safe for concurrent
// use. Callers serialise work on the same cases through the lock manager.
type Engine struct {
	cases  repo.CaseStore
	ids    IDGenerator
	clock  Clock
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator sets the transaction id generator.
func WithIDGenerator(g IDGenerator) Option { return func(e *Engine) { e.ids = g } }

// WithClock sets the server clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an Engine reading cases from cases.
func New(cases repo.CaseStore, opts ...Option) *Engine {
	e := &Engine{
		cases: cases,
		ids:   UUIDv7Generator{},
		clock: NewMonotonicClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)
	return e
}

// Mutation is every write one operation produces.
type Mutation struct {
	Cases        []*model.Case
	Transactions []model.CaseTransaction

	// Created lists cases that did not exist before.
	Created []string

	// Cascaded lists extension cases closed because a host closed.
	Cascaded []string
}

// CaseIDs returns the ids of every case in the mutation, in write order.
func (m *Mutation) CaseIDs() []string {
	ids := make([]string, 0, len(m.Cases))
	for _, c := range m.Cases {
		ids = append(ids, c.CaseID)
	}
	return ids
}

// workingSet holds the case copies an operation mutates, in first-touch order.
type workingSet struct {
	cases   map[string]*model.Case
	order   []string
	touched map[string]bool
}

func newWorkingSet() *workingSet {
	return &workingSet{cases: map[string]*model.Case{}, touched: map[string]bool{}}
}

func (w *workingSet) get(id string) (*model.Case, bool) {
	c, ok := w.cases[id]
	return c, ok
}

func (w *workingSet) put(c *model.Case) {
	if _, ok := w.cases[c.CaseID]; !ok {
		w.order = append(w.order, c.CaseID)
	}
	w.cases[c.CaseID] = c
}

func (w *workingSet) touch(id string) { w.touched[id] = true }

func (w *workingSet) touchedCases() []*model.Case {
	out := make([]*model.Case, 0, len(w.touched))
	for _, id := range w.order {
		if w.touched[id] {
			out = append(out, w.cases[id])
		}
	}
	return out
}

// transactions accumulates one transaction per case for a single form.
type transactions struct {
	byCase map[string]*model.CaseTransaction
	order  []string
}

func (t *transactions) add(e *Engine, domain, caseID string, meta actionMeta, actions ...model.CaseAction) {
	if t.byCase == nil {
		t.byCase = map[string]*model.CaseTransaction{}
	}
	tx, ok := t.byCase[caseID]
	if !ok {
		tx = &model.CaseTransaction{
			ID:           e.ids.Generate(),
			Domain:       domain,
			CaseID:       caseID,
			FormID:       meta.FormID,
			ServerDate:   meta.ServerDate,
			UserID:       meta.UserID,
			DateModified: meta.DateModified,
		}
		t.byCase[caseID] = tx
		t.order = append(t.order, caseID)
	}
	tx.Actions = append(tx.Actions, actions...)
}

func (t *transactions) list() []model.CaseTransaction {
	out := make([]model.CaseTransaction, 0, len(t.order))
	for _, id := range t.order {
		tx := *t.byCase[id]
		tx.Type = model.TypeForActions(tx.Actions)
		out = append(out, tx)
	}
	return out
}

// Apply applies blocks from form to the stored case graph.
//
// Returns a *CaseError when a block cannot be applied or an index target does
// not exist; in that case nothing should be written for the form's cases.
// Any other error comes from the case store.
func (e *Engine) Apply(ctx context.Context, form *model.Form, blocks []model.CaseBlock, policy model.DomainPolicy) (*Mutation, error) {
	return e.apply(ctx, form, blocks, policy, nil)
}

func (e *Engine) apply(ctx context.Context, form *model.Form, blocks []model.CaseBlock, policy model.DomainPolicy, base *workingSet) (*Mutation, error) {
	domain := form.Domain
	serverDate := e.clock.Now()

	work := base
	if work == nil {
		work = newWorkingSet()
	}
	var missing []string
	seen := map[string]bool{}
	for _, b := range blocks {
		if _, ok := work.get(b.CaseID); !ok && !seen[b.CaseID] {
			seen[b.CaseID] = true
			missing = append(missing, b.CaseID)
		}
	}
	existing, err := e.cases.GetCases(ctx, domain, missing)
	if err != nil {
		return nil, fmt.Errorf("load cases: %w", err)
	}
	for _, c := range existing {
		work.put(c.Clone())
	}

	var txs transactions
	created := map[string]bool{}
	var createdOrder []string
	var seeds []*model.Case
	seeded := map[string]bool{}

	for _, b := range blocks {
		c, ok := work.get(b.CaseID)
		if !ok {
			c = &model.Case{CaseID: b.CaseID, Domain: domain}
			work.put(c)
			created[c.CaseID] = true
			createdOrder = append(createdOrder, c.CaseID)
		}

		meta := actionMeta{
			FormID:       form.FormID,
			UserID:       b.UserID,
			DateModified: b.DateModified,
			ServerDate:   serverDate,
		}
		if meta.UserID == "" {
			meta.UserID = form.UserID
		}
		if meta.DateModified.IsZero() {
			meta.DateModified = form.ReceivedOn
		}

		wasClosed := c.Closed
		if err := applyActions(c, b.Actions, meta); err != nil {
			return nil, err
		}
		c.Deleted = false
		work.touch(c.CaseID)
		txs.add(e, domain, c.CaseID, meta, b.Actions...)

		if c.Closed && !wasClosed && !seeded[c.CaseID] {
			seeded[c.CaseID] = true
			seeds = append(seeds, c)
		}
	}

	if err := e.validateIndices(ctx, domain, blocks, work); err != nil {
		return nil, err
	}

	cascaded, err := e.cascade(ctx, form, policy, seeds, work, &txs, serverDate)
	if err != nil {
		return nil, err
	}

	return &Mutation{
		Cases:        work.touchedCases(),
		Transactions: txs.list(),
		Created:      createdOrder,
		Cascaded:     cascaded,
	}, nil
}

// validateIndices checks every index target named in blocks exists in domain.
func (e *Engine) validateIndices(ctx context.Context, domain string, blocks []model.CaseBlock, work *workingSet) error {
	type ref struct{ caseID, identifier, target string }
	var refs []ref
	var lookup []string
	pending := map[string]bool{}
	for _, b := range blocks {
		for _, a := range b.Actions {
			if a.Type != model.ActionIndex {
				continue
			}
			for _, ia := range a.Indices {
				if ia.ReferencedID == "" {
					continue
				}
				refs = append(refs, ref{b.CaseID, ia.Identifier, ia.ReferencedID})
				if _, ok := work.get(ia.ReferencedID); !ok && !pending[ia.ReferencedID] {
					pending[ia.ReferencedID] = true
					lookup = append(lookup, ia.ReferencedID)
				}
			}
		}
	}
	if len(refs) == 0 {
		return nil
	}

	found, err := e.cases.GetCases(ctx, domain, lookup)
	if err != nil {
		return fmt.Errorf("load index targets: %w", err)
	}
	exists := make(map[string]bool, len(found))
	for _, c := range found {
		exists[c.CaseID] = true
	}
	for _, r := range refs {
		if _, ok := work.get(r.target); ok || exists[r.target] {
			continue
		}
		return NewInvalidIndexError(r.caseID, r.identifier, r.target)
	}
	return nil
}

// cascade closes the open extensions of every case closed by this form. Each
// closure is recorded on the closing form.
func (e *Engine) cascade(ctx context.Context, form *model.Form, policy model.DomainPolicy, seeds []*model.Case, work *workingSet, txs *transactions, serverDate time.Time) ([]string, error) {
	if len(seeds) == 0 || !policy.ExtensionCasesEnabled {
		return nil, nil
	}

	resolver := extension.NewResolver(&overlay{store: e.cases, work: work}, e.logger)
	closures, err := resolver.Resolve(ctx, form.Domain, seeds, policy)
	if err != nil {
		return nil, err
	}

	var load []string
	for _, cl := range closures {
		if _, ok := work.get(cl.CaseID); !ok {
			load = append(load, cl.CaseID)
		}
	}
	loaded, err := e.cases.GetCases(ctx, form.Domain, load)
	if err != nil {
		return nil, fmt.Errorf("load extension cases: %w", err)
	}
	for _, c := range loaded {
		work.put(c.Clone())
	}

	closeAction := model.CaseAction{Type: model.ActionClose, Reason: model.CloseReasonExtension}
	meta := actionMeta{
		FormID:       form.FormID,
		UserID:       form.UserID,
		DateModified: form.ReceivedOn,
		ServerDate:   serverDate,
	}
	cascaded := make([]string, 0, len(closures))
	for _, cl := range closures {
		c, ok := work.get(cl.CaseID)
		if !ok {
			continue
		}
		if err := applyActions(c, []model.CaseAction{closeAction}, meta); err != nil {
			return nil, err
		}
		work.touch(c.CaseID)
		txs.add(e, form.Domain, c.CaseID, meta, closeAction)
		cascaded = append(cascaded, c.CaseID)
	}
	e.logger.Debug("extension cases closed", "form_id", form.FormID, "domain", form.Domain, "count", len(cascaded))
	return cascaded, nil
}

// Edit applies blocks from a form that replaces previous content under the
// same external id. The previous form's transactions move to deprecatedID and
// are revoked, the cases they touched are rebuilt without them, and the new
// blocks are applied on top.
func (e *Engine) Edit(ctx context.Context, form *model.Form, blocks []model.CaseBlock, policy model.DomainPolicy, previous []model.CaseTransaction, deprecatedID string) (*Mutation, error) {
	moved := make([]model.CaseTransaction, len(previous))
	for i, tx := range previous {
		tx.FormID = deprecatedID
		tx.Revoked = true
		moved[i] = tx
	}

	rebuilt, err := e.rebuildWith(ctx, form.Domain, moved)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		targets[b.CaseID] = true
	}
	base := newWorkingSet()
	for _, c := range rebuilt {
		// A case with no history left starts over when the new content
		// touches it again.
		if c.Deleted && targets[c.CaseID] {
			c = &model.Case{CaseID: c.CaseID, Domain: c.Domain}
		}
		base.put(c)
		base.touch(c.CaseID)
	}

	m, err := e.apply(ctx, form, blocks, policy, base)
	if err != nil {
		return nil, err
	}
	m.Transactions = append(moved, m.Transactions...)
	return m, nil
}

// Revoke sets the revoked flag of txs and rebuilds every case they touch.
// Archiving a form revokes its transactions; unarchiving restores them.
func (e *Engine) Revoke(ctx context.Context, domain string, txs []model.CaseTransaction, revoked bool) (*Mutation, error) {
	changed := make([]model.CaseTransaction, len(txs))
	for i, tx := range txs {
		tx.Revoked = revoked
		changed[i] = tx
	}
	cases, err := e.rebuildWith(ctx, domain, changed)
	if err != nil {
		return nil, err
	}
	return &Mutation{Cases: cases, Transactions: changed}, nil
}

// rebuildWith rebuilds every case touched by overrides from its stored
// transactions, with overrides replacing stored transactions of the same id.
func (e *Engine) rebuildWith(ctx context.Context, domain string, overrides []model.CaseTransaction) ([]*model.Case, error) {
	byCase := map[string][]model.CaseTransaction{}
	var order []string
	for _, tx := range overrides {
		if _, ok := byCase[tx.CaseID]; !ok {
			order = append(order, tx.CaseID)
		}
		byCase[tx.CaseID] = append(byCase[tx.CaseID], tx)
	}

	out := make([]*model.Case, 0, len(order))
	for _, caseID := range order {
		current, err := e.cases.GetCase(ctx, domain, caseID)
		if errors.Is(err, repo.ErrCaseNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rebuild case %s: %w", caseID, err)
		}
		history, err := e.cases.GetTransactions(ctx, domain, caseID)
		if err != nil {
			return nil, fmt.Errorf("rebuild case %s: %w", caseID, err)
		}

		replace := make(map[string]model.CaseTransaction, len(byCase[caseID]))
		for _, tx := range byCase[caseID] {
			replace[tx.ID] = tx
		}
		for i, tx := range history {
			if r, ok := replace[tx.ID]; ok {
				history[i] = r
			}
		}

		c, err := Rebuild(current, history)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// overlay presents the working set on top of the store, so the extension
// resolver sees indices created or changed by the form being applied.
type overlay struct {
	store repo.CaseStore
	work  *workingSet
}

func (o *overlay) GetExtensionIndices(ctx context.Context, domain string, hostIDs []string) ([]model.CaseIndex, error) {
	stored, err := o.store.GetExtensionIndices(ctx, domain, hostIDs)
	if err != nil {
		return nil, err
	}
	hosts := make(map[string]bool, len(hostIDs))
	for _, h := range hostIDs {
		hosts[h] = true
	}

	var out []model.CaseIndex
	for _, idx := range stored {
		if _, ok := o.work.get(idx.CaseID); !ok {
			out = append(out, idx)
		}
	}
	for _, id := range o.work.order {
		c := o.work.cases[id]
		if c.Deleted {
			continue
		}
		for _, idx := range c.LiveIndices() {
			if idx.Relationship == model.RelationshipExtension && hosts[idx.ReferencedID] {
				out = append(out, idx)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CaseID != out[j].CaseID {
			return out[i].CaseID < out[j].CaseID
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out, nil
}

func (o *overlay) GetCases(ctx context.Context, domain string, ids []string) ([]*model.Case, error) {
	var missing []string
	for _, id := range ids {
		if _, ok := o.work.get(id); !ok {
			missing = append(missing, id)
		}
	}
	stored, err := o.store.GetCases(ctx, domain, missing)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Case, len(stored))
	for _, c := range stored {
		byID[c.CaseID] = c
	}

	out := make([]*model.Case, 0, len(ids))
	for _, id := range ids {
		if c, ok := o.work.get(id); ok {
			out = append(out, c)
		} else if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

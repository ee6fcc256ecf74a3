package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/formcore/internal/attachments"
	"github.com/roach88/formcore/internal/canon"
	"github.com/roach88/formcore/internal/casexml"
	"github.com/roach88/formcore/internal/engine"
	"github.com/roach88/formcore/internal/events"
	"github.com/roach88/formcore/internal/lock"
	"github.com/roach88/formcore/internal/logging"
	"github.com/roach88/formcore/internal/metrics"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
	"github.com/roach88/formcore/internal/xmlconv"
)

// Processor runs submissions and form state transitions.
//
// Thread-safety: safe for concurrent use. Work on the same form or case is
// serialised through the lock manager.
type Processor struct {
	stores    *repo.Router
	blobs     *attachments.Store
	locks     lock.Manager
	clock     engine.Clock
	txIDs     engine.IDGenerator
	recordIDs engine.IDGenerator
	stubIDs   engine.IDGenerator
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock sets the server clock.
func WithClock(c engine.Clock) Option { return func(p *Processor) { p.clock = c } }

// WithTransactionIDs sets the case transaction id generator.
func WithTransactionIDs(g engine.IDGenerator) Option { return func(p *Processor) { p.txIDs = g } }

// WithRecordIDs sets the generator for ids of deprecated, duplicate and
// error records.
func WithRecordIDs(g engine.IDGenerator) Option { return func(p *Processor) { p.recordIDs = g } }

// WithPublisher sets where change events go.
func WithPublisher(pub events.Publisher) Option { return func(p *Processor) { p.publisher = pub } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// New creates a Processor.
func New(stores *repo.Router, blobs *attachments.Store, locks lock.Manager, opts ...Option) *Processor {
	p := &Processor{
		stores:    stores,
		blobs:     blobs,
		locks:     locks,
		clock:     engine.NewMonotonicClock(),
		txIDs:     engine.UUIDv7Generator{},
		recordIDs: engine.RandomGenerator{},
		stubIDs:   engine.RandomGenerator{},
		publisher: events.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger)
	return p
}

func (p *Processor) engineFor(cases repo.CaseStore) *engine.Engine {
	return engine.New(cases,
		engine.WithClock(p.clock),
		engine.WithIDGenerator(p.txIDs),
		engine.WithLogger(p.logger),
	)
}

// Submit processes one form submission.
//
// The returned error is non-nil only for lock conflicts (CodeLocked) and
// backend failures (CodeStorage). A storage failure after the commit started
// leaves an unfinished submission stub for Reconcile.
func (p *Processor) Submit(ctx context.Context, sub Submission) (*Result, error) {
	if sub.Domain == "" {
		return nil, errors.New("submit: domain is required")
	}
	start := time.Now()
	res, err := p.submit(ctx, sub)

	switch {
	case err != nil:
		if IsLocked(err) {
			p.metrics.LockConflict()
		}
		p.logger.Warn("submission failed", "domain", sub.Domain, "code", CodeOf(err), "error", err)
	default:
		code := ""
		if res.Error != nil {
			code = string(res.Error.Code)
		}
		p.metrics.ObserveSubmission(string(res.Outcome), code, time.Since(start))
		p.logger.Info("submission processed",
			"domain", sub.Domain,
			"form_id", res.FormID(),
			"outcome", res.Outcome,
			"cases", len(res.Cases),
		)
	}
	return res, err
}

func (p *Processor) submit(ctx context.Context, sub Submission) (*Result, error) {
	domain := sub.Domain
	store := p.stores.For(domain)
	now := p.clock.Now()
	receivedOn := sub.ReceivedOn
	if receivedOn.IsZero() {
		receivedOn = now
	}
	policy := sub.Policy
	if policy.Domain == "" {
		policy = model.DefaultPolicy(domain)
	}

	files := append([]attachments.File{{Name: model.FormXMLAttachment, ContentType: "text/xml", Data: sub.XML}}, sub.Attachments...)
	for _, f := range files {
		if err := p.blobs.CheckSize(f.Name, len(f.Data)); err != nil {
			return &Result{Outcome: OutcomeError, Error: &Error{
				Code:    CodeAttachmentTooLarge,
				Message: err.Error(),
				Details: map[string]string{"attachment": f.Name},
			}}, nil
		}
	}

	// The stub id also names the attachment stage, so blobs stay held until
	// the form's own links exist or Reconcile resolves the stub.
	j := &job{
		store:  store,
		stubID: p.stubIDs.Generate(),
		form: &model.Form{
			Domain:           domain,
			State:            model.StateNormal,
			ReceivedOn:       receivedOn,
			ServerModifiedOn: now,
		},
		policy: policy,
		now:    now,
	}
	res, err := p.run(ctx, j, files, sub.XML)
	if err != nil && !errors.Is(err, errInterrupted) {
		p.unstage(ctx, j.stubID)
	}
	return res, err
}

// job is one submission moving through the pipeline.
type job struct {
	store    repo.Store
	stubID   string
	form     *model.Form
	blocks   []model.CaseBlock
	blockErr error
	policy   model.DomainPolicy
	now      time.Time

	// deprecatedID is reserved on the first attempt that needs it and reused
	// by later attempts.
	deprecatedID string
}

func (p *Processor) run(ctx context.Context, j *job, files []attachments.File, raw []byte) (*Result, error) {
	form := j.form
	data, err := xmlconv.ToStructured(raw)
	if err != nil {
		code := CodeXMLFormat
		if xmlconv.IsSyntaxError(err) {
			code = CodeXMLSyntax
		}
		return p.recordSubmissionError(ctx, j, files, &Error{Code: code, Message: err.Error(), Err: err})
	}
	form.Data = data

	meta := readMeta(data)
	form.XMLNS = meta.XMLNS
	form.UserID = meta.UserID
	form.DeviceID = meta.DeviceID
	form.OrigID = meta.InstanceID
	if meta.XMLNS == "" {
		return p.recordSubmissionError(ctx, j, files, &Error{
			Code: CodeMissingXMLNS, Message: "Form is missing a required field: XMLNS",
		})
	}
	if meta.InstanceID == "" {
		return p.recordSubmissionError(ctx, j, files, &Error{
			Code: CodeMissingInstanceID, Message: "Form is missing a required field: meta/instanceID",
		})
	}
	form.FormID = meta.InstanceID
	form.OrigID = ""

	hash, err := canon.ContentHash(data)
	if err != nil {
		return p.recordSubmissionError(ctx, j, files, &Error{Code: CodeXMLFormat, Message: err.Error(), Err: err})
	}
	form.ContentHash = hash

	j.blocks, j.blockErr = casexml.Extract(data)

	refs, err := p.blobs.Stage(ctx, j.stubID, files)
	if err != nil {
		return nil, storageError("store attachments", err)
	}
	form.Attachments = refMap(refs)

	keys, err := p.lockKeys(ctx, j)
	if err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		locked := make(map[string]bool, len(keys))
		for _, k := range keys {
			locked[k] = true
		}
		var res *Result
		var extra []string
		err := p.withLocks(ctx, keys, func(ctx context.Context) error {
			var err error
			res, extra, err = p.process(ctx, j, locked)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(extra) == 0 {
			return res, nil
		}
		if attempt >= maxLockAttempts {
			return nil, lockedError(fmt.Errorf("case set of form %s kept changing", form.FormID))
		}
		p.logger.Debug("submission touches unlocked cases, retrying", "form_id", form.FormID, "cases", len(extra))
		keys = append(keys, extra...)
	}
}

// lockKeys returns the keys a submission starts out holding: its form, the
// cases its blocks name, the hosts of extension indices they set and the
// cases touched by the content it would replace. Cases reached only through
// the extension cascade are found under the locks and added on retry.
func (p *Processor) lockKeys(ctx context.Context, j *job) ([]string, error) {
	domain, formID := j.form.Domain, j.form.FormID
	keys := []string{lock.FormKey(domain, formID)}
	if j.blockErr == nil {
		for _, b := range j.blocks {
			keys = append(keys, lock.CaseKey(domain, b.CaseID))
			for _, a := range b.Actions {
				for _, ia := range a.Indices {
					if rel, err := model.ParseRelationship(ia.Relationship); err == nil && rel == model.RelationshipExtension && ia.ReferencedID != "" {
						keys = append(keys, lock.CaseKey(domain, ia.ReferencedID))
					}
				}
			}
		}
	}
	previous, err := j.store.GetTransactionsForForm(ctx, domain, formID)
	if err != nil {
		return nil, storageError("load form transactions", err)
	}
	for _, tx := range previous {
		keys = append(keys, lock.CaseKey(domain, tx.CaseID))
	}
	return keys, nil
}

// withLocks runs fn under keys, translating lock failures. A lock that
// lapses mid-run cancels fn and fails the call as locked.
func (p *Processor) withLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	start := time.Now()
	handles, err := lock.AcquireAll(ctx, p.locks, keys...)
	p.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		if lock.IsLocked(err) {
			return lockedError(err)
		}
		return fmt.Errorf("acquire locks: %w", err)
	}
	defer func() {
		if err := lock.ReleaseAll(context.WithoutCancel(ctx), handles); err != nil {
			p.logger.Error("lock release failed", "error", err)
		}
	}()
	gctx, stop := lock.Guard(ctx, handles)
	defer stop()
	if err := fn(gctx); err != nil {
		if cause := context.Cause(gctx); errors.Is(cause, lock.ErrNotHeld) {
			return lockedError(fmt.Errorf("%w: %w", cause, err))
		}
		return err
	}
	return nil
}

// process runs the locked part of a submission: duplicate and edit detection,
// case processing and the commit. When the case writes reach a case outside
// locked, nothing is written and the missing keys are returned instead.
func (p *Processor) process(ctx context.Context, j *job, locked map[string]bool) (*Result, []string, error) {
	store := j.store
	form := j.form.Clone()
	domain := form.Domain
	instanceID := form.FormID

	existing, err := store.GetForm(ctx, domain, instanceID)
	if errors.Is(err, repo.ErrFormNotFound) {
		existing = nil
	} else if err != nil {
		return nil, nil, storageError("load form", err)
	}

	if existing != nil && existing.ContentHash == form.ContentHash && !existing.IsError() {
		res, err := p.recordDuplicate(ctx, j, form, existing)
		return res, nil, err
	}

	if j.blockErr != nil {
		code := CodeCaseBlock
		if errors.Is(j.blockErr, casexml.ErrIllegalCaseID) {
			code = CodeIllegalCaseID
		}
		res, err := p.recordCaseError(ctx, j, form, existing, &Error{Code: code, Message: j.blockErr.Error(), Err: j.blockErr})
		return res, nil, err
	}

	eng := p.engineFor(store)
	var deprecated *model.Form
	var m *engine.Mutation
	if existing == nil || existing.ContentHash == form.ContentHash {
		// New form, or a resubmission of a form that failed processing.
		m, err = eng.Apply(ctx, form, j.blocks, j.policy)
	} else {
		previous, terr := store.GetTransactionsForForm(ctx, domain, instanceID)
		if terr != nil {
			return nil, nil, storageError("load form transactions", terr)
		}
		if j.deprecatedID == "" {
			j.deprecatedID = p.recordIDs.Generate()
		}
		deprecated = existing.Clone()
		deprecated.FormID = j.deprecatedID
		deprecated.OrigID = instanceID
		deprecated.State = model.StateDeprecated
		deprecated.ServerModifiedOn = j.now

		form.DeprecatedFormID = deprecated.FormID
		form.AppendHistory(model.OpEdit, form.UserID, j.now)
		m, err = eng.Edit(ctx, form, j.blocks, j.policy, previous, deprecated.FormID)
	}
	if err != nil {
		var ce *engine.CaseError
		if !errors.As(err, &ce) {
			return nil, nil, storageError("apply case blocks", err)
		}
		code := CodeCaseBlock
		if ce.Code == engine.ErrCodeInvalidIndex {
			code = CodeInvalidCaseIndex
		}
		res, err := p.recordCaseError(ctx, j, form, existing, &Error{
			Code: code, Message: ce.Message, Details: ce.Details, Err: ce,
		})
		return res, nil, err
	}

	var extra []string
	for _, id := range m.CaseIDs() {
		if key := lock.CaseKey(domain, id); !locked[key] {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		return nil, extra, nil
	}

	batch := repo.Batch{Cases: m.Cases, Transactions: m.Transactions}
	link := []*model.Form{form}
	if deprecated != nil {
		batch.Forms = append(batch.Forms, deprecated)
		link = []*model.Form{deprecated, form}
	}
	batch.Forms = append(batch.Forms, form)
	if err := p.persist(ctx, j, batch, form, link...); err != nil {
		return nil, nil, err
	}
	p.metrics.CasesWritten(len(m.Cases), len(m.Cascaded))

	res := &Result{
		Outcome:    OutcomeCreated,
		Form:       form,
		Deprecated: deprecated,
		Cases:      m.Cases,
		Created:    m.Created,
		Cascaded:   m.Cascaded,
	}
	evs := []events.Event{{Type: events.FormCreated, Domain: domain, FormID: form.FormID, CaseIDs: m.CaseIDs(), OccurredAt: j.now}}
	if deprecated != nil {
		res.Outcome = OutcomeDeprecated
		evs = append(evs, events.Event{Type: events.FormDeprecated, Domain: domain, FormID: deprecated.FormID, OccurredAt: j.now})
	}
	p.publish(ctx, append(evs, caseEvents(domain, form.FormID, m.Cases, j.now)...)...)
	return res, nil, nil
}

// recordDuplicate stores form as a duplicate of existing under a new id.
func (p *Processor) recordDuplicate(ctx context.Context, j *job, form, existing *model.Form) (*Result, error) {
	form.OrigID = form.FormID
	form.FormID = p.recordIDs.Generate()
	form.State = model.StateDuplicate
	form.Problem = fmt.Sprintf("Form is a duplicate of another! (%s)", existing.FormID)

	if err := p.persist(ctx, j, repo.Batch{Forms: []*model.Form{form}}, form, form); err != nil {
		return nil, err
	}
	p.publish(ctx, events.Event{Type: events.FormDuplicate, Domain: form.Domain, FormID: form.FormID, OccurredAt: form.ServerModifiedOn})
	return &Result{Outcome: OutcomeDuplicate, Form: form, Existing: existing}, nil
}

// recordCaseError stores form in the error state. It keeps the instance id
// unless another form already holds it, in which case that form is left as it
// was and the error is recorded under a new id.
func (p *Processor) recordCaseError(ctx context.Context, j *job, form, existing *model.Form, perr *Error) (*Result, error) {
	form.State = model.StateError
	form.Problem = perr.Problem()
	form.DeprecatedFormID = ""
	form.History = nil
	if existing != nil && !(existing.IsError() && existing.ContentHash == form.ContentHash) {
		form.OrigID = form.FormID
		form.FormID = p.recordIDs.Generate()
	}

	if err := p.persist(ctx, j, repo.Batch{Forms: []*model.Form{form}}, form, form); err != nil {
		return nil, err
	}
	p.publish(ctx, events.Event{Type: events.FormError, Domain: form.Domain, FormID: form.FormID, OccurredAt: form.ServerModifiedOn})
	return &Result{Outcome: OutcomeError, Form: form, Error: perr}, nil
}

// recordSubmissionError stores a submission that could not be read as a form.
// Without a trustworthy instance id it always goes under a new id.
func (p *Processor) recordSubmissionError(ctx context.Context, j *job, files []attachments.File, perr *Error) (*Result, error) {
	form := j.form
	form.FormID = p.recordIDs.Generate()
	form.State = model.StateSubmissionErrorLog
	form.Problem = perr.Problem()

	// Only the raw XML is kept for audit.
	refs, err := p.blobs.Stage(ctx, j.stubID, files[:1])
	if err != nil {
		return nil, storageError("store form xml", err)
	}
	form.Attachments = refMap(refs)

	if err := p.persist(ctx, j, repo.Batch{Forms: []*model.Form{form}}, form, form); err != nil {
		return nil, err
	}
	p.publish(ctx, events.Event{Type: events.FormError, Domain: form.Domain, FormID: form.FormID, OccurredAt: form.ServerModifiedOn})
	return &Result{Outcome: OutcomeError, Form: form, Error: perr}, nil
}

// errInterrupted marks a failure after the unfinished stub was saved. The
// stub and its attachment stage are left for Reconcile.
var errInterrupted = errors.New("submission interrupted")

// persist commits b bracketed by an unfinished submission stub, then links
// the attachments of each form in link. The stub and the attachment stage are
// removed only when both steps succeed.
func (p *Processor) persist(ctx context.Context, j *job, b repo.Batch, primary *model.Form, link ...*model.Form) error {
	stub := model.UnfinishedSubmission{
		ID:          j.stubID,
		Domain:      primary.Domain,
		FormID:      primary.FormID,
		ContentHash: primary.ContentHash,
		CreatedOn:   primary.ServerModifiedOn,
	}
	if err := j.store.SaveUnfinished(ctx, stub); err != nil {
		return storageError("save unfinished submission", err)
	}
	if err := j.store.CommitBatch(ctx, b); err != nil {
		return storageError("commit submission", fmt.Errorf("%w: %w", errInterrupted, err))
	}
	for _, f := range link {
		if err := p.syncAttachments(ctx, f); err != nil {
			return storageError("link attachments", fmt.Errorf("%w: %w", errInterrupted, err))
		}
	}
	if err := j.store.DeleteUnfinished(ctx, stub.ID); err != nil {
		p.logger.Warn("unfinished submission not cleared", "stub_id", stub.ID, "form_id", primary.FormID, "error", err)
	}
	p.unstage(ctx, stub.ID)
	return nil
}

// unstage releases the attachment holds of stubID. Failures only leak blobs.
func (p *Processor) unstage(ctx context.Context, stubID string) {
	if err := p.blobs.Unstage(context.WithoutCancel(ctx), stubID); err != nil {
		p.logger.Warn("attachment stage not released", "stub_id", stubID, "error", err)
	}
}

// syncAttachments makes the attachment links stored under f.FormID match
// f.Attachments exactly. It is idempotent.
func (p *Processor) syncAttachments(ctx context.Context, f *model.Form) error {
	names := make([]string, 0, len(f.Attachments))
	for name := range f.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.blobs.Link(ctx, f.FormID, name, f.Attachments[name]); err != nil {
			return err
		}
	}

	linked, err := p.blobs.List(ctx, f.FormID)
	if err != nil {
		return err
	}
	var stale []string
	for _, ref := range linked {
		if _, ok := f.Attachments[ref.Name]; !ok {
			stale = append(stale, ref.Name)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return p.blobs.Delete(ctx, f.FormID, stale...)
}

func (p *Processor) publish(ctx context.Context, evs ...events.Event) {
	if err := p.publisher.Publish(ctx, evs...); err != nil {
		p.logger.Warn("event publish failed", "events", len(evs), "error", err)
	}
}

func caseEvents(domain, formID string, cases []*model.Case, at time.Time) []events.Event {
	out := make([]events.Event, 0, len(cases))
	for _, c := range cases {
		out = append(out, events.Event{Type: events.CaseChanged, Domain: domain, FormID: formID, CaseID: c.CaseID, OccurredAt: at})
	}
	return out
}

func refMap(refs []model.AttachmentRef) map[string]model.AttachmentRef {
	m := make(map[string]model.AttachmentRef, len(refs))
	for _, r := range refs {
		m[r.Name] = r
	}
	return m
}

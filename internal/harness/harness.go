package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/roach88/formcore/internal/attachments"
	"github.com/roach88/formcore/internal/caseapi"
	"github.com/roach88/formcore/internal/config"
	"github.com/roach88/formcore/internal/docstore"
	"github.com/roach88/formcore/internal/engine"
	"github.com/roach88/formcore/internal/lock"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/processor"
	"github.com/roach88/formcore/internal/repo"
)

// Epoch is the fixed clock's first reading.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// UserID is the user archive transitions and case API calls act as.
const UserID = "harness-user"

// Harness is one isolated processing stack.
type Harness struct {
	proc   *processor.Processor
	cases  *caseapi.Service
	stores *repo.Router
	domain string
	policy model.DomainPolicy
}

// New opens a fresh in-memory stack for s. Close releases it.
func New(s *Scenario) (*Harness, error) {
	db, err := docstore.Open(docstore.InMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	stores := repo.NewRouter(db)

	cfg := config.Default()
	if s.Policy != nil {
		cfg.Domains = map[string]config.DomainConfig{s.Domain: *s.Policy}
	}
	policy := cfg.Policy(s.Domain)

	clock := engine.NewFixedClock(Epoch)
	clock.Step = time.Second
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	proc := processor.New(stores,
		attachments.New(attachments.NewMemoryBackend(), attachments.WithLogger(quiet)),
		lock.NewMemoryManager(0),
		processor.WithClock(clock),
		processor.WithTransactionIDs(engine.NewSequenceGenerator("tx")),
		processor.WithRecordIDs(engine.NewSequenceGenerator("rec")),
		processor.WithLogger(quiet),
	)
	cases := caseapi.NewService(proc,
		caseapi.WithIDGenerator(engine.NewSequenceGenerator("id")),
		caseapi.WithClock(clock),
		caseapi.WithPolicies(func(string) model.DomainPolicy { return policy }),
		caseapi.WithLogger(quiet),
	)
	return &Harness{proc: proc, cases: cases, stores: stores, domain: s.Domain, policy: policy}, nil
}

// Close releases the stack.
func (h *Harness) Close() error { return h.stores.Close() }

// Run executes s in a fresh stack.
//
// The returned error is non-nil only when the stack itself fails. Unmet
// expectations are reported in Result.Errors.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	h, err := New(s)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	result := NewResult()
	for i, step := range s.Steps {
		ev, errText, err := h.execute(ctx, s, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		ev = result.record(ev)
		if step.Expect != nil {
			for _, msg := range checkExpect(*step.Expect, ev, errText) {
				result.AddError(fmt.Sprintf("steps[%d] (%s): %s", i, ev.Op, msg))
			}
		}
	}

	for _, msg := range h.evaluate(ctx, result, s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step. Expected failures (error outcomes, rejected case
// API calls, invalid transitions) become part of the event and errText.
func (h *Harness) execute(ctx context.Context, s *Scenario, step Step) (TraceEvent, string, error) {
	switch {
	case step.Submit != nil:
		return h.submit(ctx, s, step.Submit)
	case step.Archive != "":
		return h.transition(ctx, OpArchive, step.Archive)
	case step.Unarchive != "":
		return h.transition(ctx, OpUnarchive, step.Unarchive)
	default:
		return h.caseAPI(ctx, step.CaseAPI)
	}
}

func (h *Harness) submit(ctx context.Context, s *Scenario, sub *SubmitStep) (TraceEvent, string, error) {
	xml := []byte(sub.XML)
	if sub.File != "" {
		var err error
		if xml, err = os.ReadFile(s.resolve(sub.File)); err != nil {
			return TraceEvent{}, "", err
		}
	}
	var files []attachments.File
	for _, name := range sortedKeys(sub.Attachments) {
		files = append(files, attachments.File{Name: name, Data: []byte(sub.Attachments[name])})
	}

	res, err := h.proc.Submit(ctx, processor.Submission{
		Domain:      h.domain,
		XML:         xml,
		Attachments: files,
		Policy:      h.policy,
	})
	if err != nil {
		return TraceEvent{}, "", err
	}

	// The trace names the id each record is stored under, so duplicates and
	// errors show their generated ids.
	ev := TraceEvent{
		Op:       OpSubmit,
		Outcome:  string(res.Outcome),
		Cases:    res.CaseIDs(),
		Created:  res.Created,
		Cascaded: res.Cascaded,
	}
	if res.Form != nil {
		ev.FormID = res.Form.FormID
	}
	errText := ""
	if res.Error != nil {
		ev.Code = string(res.Error.Code)
		errText = res.Error.Problem()
	}
	return ev, errText, nil
}

func (h *Harness) transition(ctx context.Context, op, formID string) (TraceEvent, string, error) {
	call := h.proc.Unarchive
	if op == OpArchive {
		call = h.proc.Archive
	}
	ev := TraceEvent{Op: op, FormID: formID}
	f, err := call(ctx, h.domain, formID, UserID)
	switch {
	case err == nil:
		ev.Outcome = f.State.String()
		return ev, "", nil
	case processor.IsStorage(err):
		return TraceEvent{}, "", err
	default:
		ev.Outcome = string(processor.OutcomeError)
		ev.Code = string(processor.CodeOf(err))
		return ev, err.Error(), nil
	}
}

func (h *Harness) caseAPI(ctx context.Context, payload any) (TraceEvent, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return TraceEvent{}, "", fmt.Errorf("encode case api payload: %w", err)
	}
	ev := TraceEvent{Op: OpCaseAPI}
	resp, err := h.cases.Handle(ctx, caseapi.Request{Domain: h.domain, UserID: UserID, DeviceID: "harness", Body: body})
	if err != nil {
		ue, ok := caseapi.AsUserError(err)
		if !ok {
			return TraceEvent{}, "", err
		}
		ev.Outcome = string(processor.OutcomeError)
		ev.FormID = ue.FormID
		return ev, ue.Message, nil
	}

	ev.Outcome = string(processor.OutcomeCreated)
	ev.FormID = resp.FormID
	views := resp.Cases
	if resp.Case != nil {
		views = []caseapi.View{*resp.Case}
	}
	for _, v := range views {
		ev.Cases = append(ev.Cases, v.CaseID)
	}
	return ev, "", nil
}

func checkExpect(want Expect, got TraceEvent, errText string) []string {
	var msgs []string
	if want.Outcome != "" && want.Outcome != got.Outcome {
		msgs = append(msgs, fmt.Sprintf("outcome: expected %q, got %q", want.Outcome, got.Outcome))
	}
	if want.State != "" && want.State != got.Outcome {
		msgs = append(msgs, fmt.Sprintf("state: expected %q, got %q", want.State, got.Outcome))
	}
	if want.Code != "" && want.Code != got.Code {
		msgs = append(msgs, fmt.Sprintf("code: expected %q, got %q", want.Code, got.Code))
	}
	if want.Created != nil && !slices.Equal(want.Created, got.Created) {
		msgs = append(msgs, fmt.Sprintf("created: expected %v, got %v", want.Created, got.Created))
	}
	if want.Cascaded != nil && !slices.Equal(want.Cascaded, got.Cascaded) {
		msgs = append(msgs, fmt.Sprintf("cascaded: expected %v, got %v", want.Cascaded, got.Cascaded))
	}
	if want.Error != "" && !strings.Contains(errText, want.Error) {
		msgs = append(msgs, fmt.Sprintf("error: expected %q in %q", want.Error, errText))
	}
	return msgs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

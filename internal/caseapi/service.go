package caseapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/formcore/internal/casexml"
	"github.com/roach88/formcore/internal/engine"
	"github.com/roach88/formcore/internal/logging"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/processor"
	"github.com/roach88/formcore/internal/repo"
	"github.com/roach88/formcore/internal/xmlconv"
)

// FormXMLNS is the namespace of forms generated from API requests.
const FormXMLNS = "http://commcarehq.org/case_api"

// MaxUpdates bounds the number of updates in one request.
const MaxUpdates = 100

const metaNamespace = "http://openrosa.org/jr/xforms"

// Request identifies who is making a case API call.
type Request struct {
	Domain string
	UserID string

	// DeviceID is recorded in the generated form's meta block. The HTTP
	// layer passes the caller's User-Agent.
	DeviceID string

	Body []byte
}

// Response is the result of a successful request. Single updates fill Case,
// bulk requests fill Cases.
type Response struct {
	FormID string `json:"form_id"`
	Case   *View  `json:"case,omitempty"`
	Cases  []View `json:"cases,omitempty"`
}

// Service applies JSON case updates through a processor.
type Service struct {
	proc     *processor.Processor
	ids      engine.IDGenerator
	clock    engine.Clock
	policies func(domain string) model.DomainPolicy
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator sets the generator for new case ids and form ids.
func WithIDGenerator(g engine.IDGenerator) Option { return func(s *Service) { s.ids = g } }

// WithClock sets the clock used for date_modified and meta times.
func WithClock(c engine.Clock) Option { return func(s *Service) { s.clock = c } }

// WithPolicies sets the per-domain policy lookup.
func WithPolicies(f func(domain string) model.DomainPolicy) Option {
	return func(s *Service) { s.policies = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates a Service.
func NewService(proc *processor.Processor, opts ...Option) *Service {
	s := &Service{
		proc:     proc,
		ids:      engine.UUIDv7Generator{},
		clock:    engine.NewMonotonicClock(),
		policies: model.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// Handle applies a posted payload: an object creates one case, a list is a
// bulk request where every item carries a create flag.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	items, bulk, err := splitPayload(req.Body, MaxUpdates)
	if err != nil {
		return nil, err
	}
	m := modeCreate
	if bulk {
		m = modeBulk
	}
	updates := make([]*update, 0, len(items))
	for _, raw := range items {
		u, err := parseUpdate(raw, m)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return s.apply(ctx, req, updates, bulk)
}

// Update applies a single update to an existing case. With an empty caseID
// the case is addressed by the payload's external_id.
func (s *Service) Update(ctx context.Context, req Request, caseID string) (*Response, error) {
	u, err := s.single(req.Body, modeUpdate)
	if err != nil {
		return nil, err
	}
	u.caseID = caseID
	return s.apply(ctx, req, []*update{u}, false)
}

// Upsert updates the case with externalID, creating it if none exists.
func (s *Service) Upsert(ctx context.Context, req Request, externalID string) (*Response, error) {
	u, err := s.single(req.Body, modeUpdate)
	if err != nil {
		return nil, err
	}

	existing, err := s.proc.Stores().For(req.Domain).GetCaseByExternalID(ctx, req.Domain, externalID)
	switch {
	case err == nil:
		u.caseID = existing.CaseID
	case errors.Is(err, repo.ErrCaseNotFound):
		u.create = true
		u.externalID = &externalID
		if err := u.checkRequired(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("look up external id %s: %w", externalID, err)
	}
	return s.apply(ctx, req, []*update{u}, false)
}

func (s *Service) single(body []byte, m mode) (*update, error) {
	items, bulk, err := splitPayload(body, MaxUpdates)
	if err != nil {
		return nil, err
	}
	if bulk {
		return nil, badRequest(msgSingleObject)
	}
	return parseUpdate(items[0], m)
}

func (s *Service) apply(ctx context.Context, req Request, updates []*update, bulk bool) (*Response, error) {
	now := s.clock.Now()
	ids, err := s.resolve(ctx, req.Domain, updates)
	if err != nil {
		return nil, err
	}

	blocks := make([]model.CaseBlock, 0, len(updates))
	for i, u := range updates {
		blocks = append(blocks, u.block(ids[i], req.UserID, now))
	}
	formID := s.ids.Generate()
	xml, err := renderForm(formID, req, blocks, now)
	if err != nil {
		return nil, fmt.Errorf("render case api form: %w", err)
	}

	res, err := s.proc.Submit(ctx, processor.Submission{
		Domain: req.Domain,
		XML:    xml,
		Policy: s.policies(req.Domain),
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == processor.OutcomeError {
		ue := &UserError{Status: http.StatusBadRequest, Message: res.Error.Problem()}
		if res.Form != nil {
			ue.FormID = res.Form.FormID
		}
		return nil, ue
	}

	out := &Response{FormID: res.Form.FormID}
	for _, id := range ids {
		c, err := s.proc.Case(ctx, req.Domain, id)
		if err != nil {
			return nil, fmt.Errorf("load case %s: %w", id, err)
		}
		out.Cases = append(out.Cases, NewView(c))
	}
	if !bulk {
		out.Case = &out.Cases[0]
		out.Cases = nil
	}
	s.logger.Info("case api request applied", "domain", req.Domain, "form_id", out.FormID, "updates", len(updates))
	return out, nil
}

// resolve assigns ids to new cases and checks every referenced case.
func (s *Service) resolve(ctx context.Context, domain string, updates []*update) ([]string, error) {
	store := s.proc.Stores().For(domain)
	ids := make([]string, len(updates))
	temporary := make(map[string]string)
	external := make(map[string]string)

	for i, u := range updates {
		if !u.create {
			continue
		}
		ids[i] = s.ids.Generate()
		if u.temporaryID != "" {
			temporary[u.temporaryID] = ids[i]
		}
		if u.externalID != nil && *u.externalID != "" {
			external[*u.externalID] = ids[i]
		}
	}

	byExternalID := func(ext string) (string, error) {
		if id, ok := external[ext]; ok {
			return id, nil
		}
		c, err := store.GetCaseByExternalID(ctx, domain, ext)
		if errors.Is(err, repo.ErrCaseNotFound) {
			return "", badRequest(msgExternalID, ext)
		}
		if err != nil {
			return "", fmt.Errorf("look up external id %s: %w", ext, err)
		}
		return c.CaseID, nil
	}

	for i, u := range updates {
		if !u.create {
			switch {
			case u.caseID != "":
				c, err := store.GetCase(ctx, domain, u.caseID)
				if errors.Is(err, repo.ErrCaseNotFound) || (err == nil && c.Deleted) {
					return nil, badRequest(msgNoCase, u.caseID)
				}
				if err != nil {
					return nil, fmt.Errorf("load case %s: %w", u.caseID, err)
				}
				ids[i] = u.caseID
			case u.externalID != nil && *u.externalID != "":
				id, err := byExternalID(*u.externalID)
				if err != nil {
					return nil, err
				}
				ids[i] = id
				// The external id addressed the case; it is not a change.
				u.externalID = nil
			default:
				return nil, badRequest(msgUpdateTarget)
			}
		}

		for j := range u.indices {
			ref := &u.indices[j]
			switch {
			case ref.temporaryID != "":
				id, ok := temporary[ref.temporaryID]
				if !ok {
					return nil, badRequest(msgTemporaryID, ref.temporaryID)
				}
				ref.caseID = &id
			case ref.externalID != "":
				id, err := byExternalID(ref.externalID)
				if err != nil {
					return nil, err
				}
				ref.caseID = &id
			case ref.caseID == nil:
				return nil, badRequest(msgIndexTarget, ref.name)
			}
		}
	}
	return ids, nil
}

// block renders u as the case block for caseID.
func (u *update) block(caseID, userID string, now time.Time) model.CaseBlock {
	if u.userID != "" {
		userID = u.userID
	}
	b := model.CaseBlock{CaseID: caseID, UserID: userID, DateModified: now}

	attrs := model.CaseAction{
		CaseType:   deref(u.caseType),
		Name:       deref(u.caseName),
		OwnerID:    deref(u.ownerID),
		ExternalID: deref(u.externalID),
		Properties: u.properties,
	}
	switch {
	case u.create:
		attrs.Type = model.ActionCreate
		b.Actions = append(b.Actions, attrs)
	case attrs.CaseType != "" || attrs.Name != "" || attrs.OwnerID != "" || attrs.ExternalID != "" || len(attrs.Properties) > 0:
		attrs.Type = model.ActionUpdate
		b.Actions = append(b.Actions, attrs)
	}

	if len(u.indices) > 0 {
		idx := model.CaseAction{Type: model.ActionIndex}
		for _, ref := range u.indices {
			idx.Indices = append(idx.Indices, model.IndexAction{
				Identifier:     ref.name,
				ReferencedID:   deref(ref.caseID),
				ReferencedType: ref.caseType,
				Relationship:   ref.relationship,
			})
		}
		b.Actions = append(b.Actions, idx)
	}
	if u.close {
		b.Actions = append(b.Actions, model.CaseAction{Type: model.ActionClose})
	}
	return b
}

func renderForm(formID string, req Request, blocks []model.CaseBlock, now time.Time) ([]byte, error) {
	cases := make([]any, 0, len(blocks))
	for _, b := range blocks {
		cases = append(cases, casexml.Render(b))
	}
	stamp := xmlconv.FormatDateTime(now)
	return xmlconv.ToXML(xmlconv.Mapping{
		xmlconv.TypeKey: "data",
		"@xmlns":        FormXMLNS,
		"case":          cases,
		"meta": xmlconv.Mapping{
			"@xmlns":     metaNamespace,
			"deviceID":   req.DeviceID,
			"instanceID": formID,
			"timeStart":  stamp,
			"timeEnd":    stamp,
			"userID":     req.UserID,
		},
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package caseapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formcore/internal/attachments"
	"github.com/roach88/formcore/internal/docstore"
	"github.com/roach88/formcore/internal/engine"
	"github.com/roach88/formcore/internal/lock"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/processor"
	"github.com/roach88/formcore/internal/repo"
)

const domain = "chess"

type fixture struct {
	svc  *Service
	proc *processor.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := docstore.Open(docstore.InMemoryConfig())
	require.NoError(t, err)
	router := repo.NewRouter(s)
	t.Cleanup(func() { router.Close() })

	clock := engine.NewFixedClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	clock.Step = time.Second
	proc := processor.New(router,
		attachments.New(attachments.NewMemoryBackend()),
		lock.NewMemoryManager(0),
		processor.WithClock(clock),
		processor.WithTransactionIDs(engine.NewSequenceGenerator("tx")),
		processor.WithRecordIDs(engine.NewSequenceGenerator("rec")),
	)
	svc := NewService(proc,
		WithIDGenerator(engine.NewSequenceGenerator("id")),
		WithClock(clock),
	)
	return &fixture{svc: svc, proc: proc}
}

func request(body any) Request {
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		raw, _ = json.Marshal(b)
	}
	return Request{Domain: domain, UserID: "netflix", DeviceID: "user agent string", Body: raw}
}

type obj = map[string]any

func (f *fixture) makeCase(t *testing.T, extra obj) *View {
	t.Helper()
	body := obj{
		"case_type":   "player",
		"case_name":   "Elizabeth Harmon",
		"external_id": "1",
		"owner_id":    "methuen_home",
		"properties":  obj{"sport": "chess", "rank": "1600", "dob": "1948-11-02"},
	}
	for k, v := range extra {
		body[k] = v
	}
	res, err := f.svc.Handle(context.Background(), request(body))
	require.NoError(t, err)
	require.NotNil(t, res.Case)
	return res.Case
}

func (f *fixture) getCase(t *testing.T, id string) *model.Case {
	t.Helper()
	c, err := f.proc.Case(context.Background(), domain, id)
	require.NoError(t, err)
	return c
}

func requireUserError(t *testing.T, err error, msg string) *UserError {
	t.Helper()
	ue, ok := AsUserError(err)
	require.True(t, ok, "expected a user error, got %v", err)
	assert.Equal(t, http.StatusBadRequest, ue.Status)
	assert.Equal(t, msg, ue.Message)
	return ue
}

func TestCreateCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Handle(ctx, request(obj{
		"case_type":   "player",
		"case_name":   "Elizabeth Harmon",
		"external_id": "1",
		"owner_id":    "methuen_home",
		"properties":  obj{"sport": "chess", "dob": "1948-11-02"},
	}))
	require.NoError(t, err)
	require.NotNil(t, res.Case)
	assert.Nil(t, res.Cases)

	c := f.getCase(t, res.Case.CaseID)
	assert.Equal(t, "player", c.CaseType)
	assert.Equal(t, "Elizabeth Harmon", c.Name)
	assert.Equal(t, "1", c.ExternalID)
	assert.Equal(t, "methuen_home", c.OwnerID)
	assert.Equal(t, "netflix", c.OpenedBy)
	assert.False(t, c.Closed)
	assert.Equal(t, map[string]string{"sport": "chess", "dob": "1948-11-02"}, c.DynamicProperties())

	form, err := f.proc.Form(ctx, domain, res.FormID)
	require.NoError(t, err)
	assert.Equal(t, FormXMLNS, form.XMLNS)
	assert.Equal(t, "netflix", form.UserID)
	assert.Equal(t, "user agent string", form.DeviceID)
}

func TestResponseShape(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Handle(context.Background(), request(obj{
		"case_type": "player", "case_name": "Beth", "owner_id": "o",
	}))
	require.NoError(t, err)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &keys))
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "case")
	assert.Contains(t, keys, "form_id")
}

func TestCreateWithEmptyCaseType(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Handle(context.Background(), request(obj{
		"case_type": "", "case_name": "Elizabeth Harmon", "owner_id": "methuen_home",
	}))
	require.NoError(t, err)
	c := f.getCase(t, res.Case.CaseID)
	assert.Equal(t, "Elizabeth Harmon", c.Name)
	assert.Equal(t, "", c.CaseType)
}

func TestCreateClosedCase(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Handle(context.Background(), request(obj{
		"case_type": "player", "case_name": "Elizabeth Harmon", "owner_id": "o", "close": true,
	}))
	require.NoError(t, err)
	assert.True(t, res.Case.Closed)
	assert.NotNil(t, res.Case.DateClosed)
}

func TestUpdateLeavesOmittedFields(t *testing.T) {
	f := newFixture(t)
	created := f.makeCase(t, nil)

	_, err := f.svc.Update(context.Background(), request(obj{"properties": obj{"rank": "2100"}}), created.CaseID)
	require.NoError(t, err)

	c := f.getCase(t, created.CaseID)
	assert.Equal(t, "Elizabeth Harmon", c.Name)
	assert.Equal(t, "methuen_home", c.OwnerID)
	assert.Equal(t, "1", c.ExternalID)
	assert.Equal(t, map[string]string{"dob": "1948-11-02", "rank": "2100", "sport": "chess"}, c.DynamicProperties())
}

func TestUpdateCase(t *testing.T) {
	f := newFixture(t)
	created := f.makeCase(t, nil)

	res, err := f.svc.Update(context.Background(), request(obj{
		"case_name":  "Beth Harmon",
		"owner_id":   "us_chess_federation",
		"case_type":  "legend",
		"properties": obj{"rank": "2100", "champion": "true"},
	}), created.CaseID)
	require.NoError(t, err)
	assert.Equal(t, created.CaseID, res.Case.CaseID)

	c := f.getCase(t, created.CaseID)
	assert.Equal(t, "Beth Harmon", c.Name)
	assert.Equal(t, "us_chess_federation", c.OwnerID)
	assert.Equal(t, "legend", c.CaseType)
	assert.Equal(t, "true", c.Properties["champion"])
}

func TestCloseCase(t *testing.T) {
	f := newFixture(t)
	created := f.makeCase(t, nil)
	_, err := f.svc.Update(context.Background(), request(obj{"close": true}), created.CaseID)
	require.NoError(t, err)
	assert.True(t, f.getCase(t, created.CaseID).Closed)
}

func TestUpdateUnknownCase(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Update(context.Background(), request(obj{"case_name": "Beth Harmon"}), "notarealcaseid")
	requireUserError(t, err, "No case found with ID 'notarealcaseid'")
}

func TestUpdateCaseInOtherDomain(t *testing.T) {
	f := newFixture(t)
	other := request(obj{"case_type": "player", "case_name": "Judit Polgár", "owner_id": "o"})
	other.Domain = "other_domain"
	res, err := f.svc.Handle(context.Background(), other)
	require.NoError(t, err)

	_, err = f.svc.Update(context.Background(), request(obj{"owner_id": "stealing_this_case"}), res.Case.CaseID)
	requireUserError(t, err, fmt.Sprintf("No case found with ID '%s'", res.Case.CaseID))
}

func TestCreateChildCase(t *testing.T) {
	f := newFixture(t)
	parent := f.makeCase(t, nil)

	res, err := f.svc.Handle(context.Background(), request(obj{
		"case_type":   "match",
		"case_name":   "Harmon/Luchenko",
		"external_id": "23",
		"owner_id":    "harmon",
		"properties":  obj{"winner": "Harmon"},
		"indices": obj{
			"parent": obj{"case_id": parent.CaseID, "case_type": "player", "relationship": "child"},
		},
	}))
	require.NoError(t, err)

	assert.Equal(t, map[string]IndexView{
		"parent": {CaseID: parent.CaseID, CaseType: "player", Relationship: "child"},
	}, res.Case.Indices)
	assert.Equal(t, map[string]string{"winner": "Harmon"}, res.Case.Properties)
}

func TestSetParentByExternalID(t *testing.T) {
	f := newFixture(t)
	parent := f.makeCase(t, nil)

	res, err := f.svc.Handle(context.Background(), request(obj{
		"case_type": "match", "case_name": "Harmon/Luchenko", "owner_id": "harmon",
		"indices": obj{"parent": obj{"external_id": "1", "case_type": "player", "relationship": "child"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, parent.CaseID, res.Case.Indices["parent"].CaseID)
}

func TestRemoveIndex(t *testing.T) {
	f := newFixture(t)
	parent := f.makeCase(t, nil)
	child := f.makeCase(t, obj{
		"external_id": "2",
		"indices":     obj{"parent": obj{"case_id": parent.CaseID, "case_type": "player", "relationship": "child"}},
	})

	_, err := f.svc.Update(context.Background(), request(obj{
		"indices": obj{"parent": obj{"case_id": "", "case_type": "player", "relationship": "child"}},
	}), child.CaseID)
	require.NoError(t, err)

	c := f.getCase(t, child.CaseID)
	idx, ok := c.Index("parent")
	require.True(t, ok, "the removed index keeps its row")
	assert.Equal(t, "", idx.ReferencedID)
	assert.Empty(t, c.LiveIndices())
}

func TestBulkCreateAndUpdate(t *testing.T) {
	f := newFixture(t)
	existing := f.makeCase(t, nil)

	res, err := f.svc.Handle(context.Background(), request([]obj{
		{
			"create":     false,
			"case_id":    existing.CaseID,
			"case_name":  "Beth Harmon",
			"owner_id":   "us_chess_federation",
			"properties": obj{"rank": "2100", "champion": "true"},
		},
		{
			"create":      true,
			"case_type":   "player",
			"case_name":   "Jolene",
			"external_id": "jolene",
			"owner_id":    "methuen_home",
			"properties":  obj{"sport": "squash", "dob": "1947-03-09"},
		},
	}))
	require.NoError(t, err)
	assert.Nil(t, res.Case)
	require.Len(t, res.Cases, 2)
	assert.Equal(t, "Beth Harmon", res.Cases[0].CaseName)
	assert.Equal(t, "Jolene", res.Cases[1].CaseName)

	form, err := f.proc.Form(context.Background(), domain, res.FormID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNormal, form.State, "one form carries the whole batch")
}

func TestBulkFailureAppliesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Handle(context.Background(), request([]obj{
		{"create": false, "case_id": "notarealcaseid", "case_name": "Beth Harmon"},
		{"create": true, "case_type": "player", "case_name": "Jolene", "owner_id": "methuen_home"},
	}))
	requireUserError(t, err, "No case found with ID 'notarealcaseid'")

	_, err = f.proc.Case(context.Background(), domain, "id-0001")
	assert.ErrorIs(t, err, repo.ErrCaseNotFound)
}

func TestCreateParentAndChildTogether(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Handle(context.Background(), request([]obj{
		{
			"create": true, "case_type": "player", "case_name": "Elizabeth Harmon",
			"owner_id": "us_chess_federation", "external_id": "beth", "temporary_id": "beth_harmon",
		},
		{
			"create": true, "case_type": "match", "case_name": "Harmon/Luchenko",
			"owner_id": "harmon", "external_id": "harmon-luchenko",
			"indices": obj{"parent": obj{"temporary_id": "beth_harmon", "case_type": "player", "relationship": "child"}},
		},
	}))
	require.NoError(t, err)
	require.Len(t, res.Cases, 2)
	assert.Equal(t, res.Cases[0].CaseID, res.Cases[1].Indices["parent"].CaseID)
}

func TestIndexToExternalIDCreatedInSamePayload(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Handle(context.Background(), request([]obj{
		{"create": true, "case_type": "player", "case_name": "Elizabeth Harmon", "owner_id": "o", "external_id": "beth"},
		{
			"create": true, "case_type": "match", "case_name": "Harmon/Luchenko", "owner_id": "harmon",
			"indices": obj{"parent": obj{"external_id": "beth", "case_type": "player", "relationship": "child"}},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, res.Cases[0].CaseID, res.Cases[1].Indices["parent"].CaseID)
}

func TestUpdateByExternalID(t *testing.T) {
	f := newFixture(t)
	created := f.makeCase(t, nil)

	_, err := f.svc.Update(context.Background(), request(obj{"external_id": "1", "properties": obj{"champion": "true"}}), "")
	require.NoError(t, err)
	c := f.getCase(t, created.CaseID)
	assert.Equal(t, "true", c.Properties["champion"])
	assert.Equal(t, "1", c.ExternalID)

	_, err = f.svc.Update(context.Background(), request(obj{"external_id": "notarealcaseid"}), "")
	requireUserError(t, err, "Could not find a case with external_id 'notarealcaseid'")
}

func TestBulkUpdateByExternalID(t *testing.T) {
	f := newFixture(t)
	created := f.makeCase(t, nil)

	_, err := f.svc.Handle(context.Background(), request([]obj{{"create": false, "external_id": "1", "owner_id": "us_chess_federation"}}))
	require.NoError(t, err)
	assert.Equal(t, "us_chess_federation", f.getCase(t, created.CaseID).OwnerID)
}

func TestUpsertByExternalIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := obj{
		"case_type":  "player",
		"case_name":  "Magnus Carlsen",
		"owner_id":   "world_chess",
		"properties": obj{"rank": "2800", "country": "Norway"},
	}

	first, err := f.svc.Upsert(ctx, request(payload), "idempotency-test-123")
	require.NoError(t, err)
	second, err := f.svc.Upsert(ctx, request(payload), "idempotency-test-123")
	require.NoError(t, err)
	assert.Equal(t, first.Case.CaseID, second.Case.CaseID)

	c := f.getCase(t, first.Case.CaseID)
	assert.Equal(t, "idempotency-test-123", c.ExternalID)
	assert.Equal(t, "Magnus Carlsen", c.Name)
	assert.Equal(t, map[string]string{"rank": "2800", "country": "Norway"}, c.DynamicProperties())
}

func TestUpsertCreateNeedsRequiredFields(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Upsert(context.Background(), request(obj{"case_type": "player", "owner_id": "o"}), "new-ext")
	requireUserError(t, err, "Property case_name is required.")
}

func TestInvalidIndexReferenceIsRecorded(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Handle(context.Background(), request(obj{
		"case_type": "match", "case_name": "Harmon/Luchenko", "external_id": "23", "owner_id": "harmon",
		"indices": obj{"parent": obj{"case_id": "bad404bad", "case_type": "player", "relationship": "child"}},
	}))
	ue, ok := AsUserError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, ue.Status)
	assert.Contains(t, ue.Message, "InvalidCaseIndex")
	require.NotEmpty(t, ue.FormID)

	form, err := f.proc.Form(context.Background(), domain, ue.FormID)
	require.NoError(t, err)
	assert.True(t, form.IsError())

	raw, err := json.Marshal(ue)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"form_id"`)
}

func TestRequestValidation(t *testing.T) {
	tooMany := make([]obj, 103)
	for i := range tooMany {
		tooMany[i] = obj{"create": true, "case_name": fmt.Sprintf("case %d", i), "case_type": "player"}
	}

	tests := []struct {
		name string
		call func(*Service, Request) error
		body any
		want string
	}{
		{
			name: "unknown field",
			body: obj{"case_type": "player", "case_name": "E", "owner_id": "o", "bad_property": "x"},
			want: "'bad_property' is not a valid field.",
		},
		{
			name: "non json",
			body: "this isn't json",
			want: "Payload must be valid JSON",
		},
		{
			name: "missing case_name",
			body: obj{"case_type": "player", "owner_id": "methuen_home", "properties": obj{"dob": "1948-11-02"}},
			want: "Property case_name is required.",
		},
		{
			name: "missing owner_id",
			body: obj{"case_type": "player", "case_name": "E"},
			want: "Property owner_id is required.",
		},
		{
			name: "integer property",
			body: obj{"case_name": "B", "case_type": "player", "owner_id": "o", "properties": obj{"dob": "1948-11-02", "age": 72}},
			want: "Error with case property 'age'. Values must be strings, received '72'",
		},
		{
			name: "property name not xml",
			body: obj{"case_name": "B", "case_type": "player", "owner_id": "o", "properties": obj{"not good": "tsk tsk"}},
			want: "Error with case property 'not good'. Case property names must be valid XML identifiers.",
		},
		{
			name: "prefixed property name",
			body: obj{"case_name": "B", "case_type": "player", "owner_id": "o", "properties": obj{"a:x": "1", "b:x": "2"}},
			want: "Error with case property 'a:x'. Case property names must be valid XML identifiers.",
		},
		{
			name: "case_name as property",
			body: obj{"case_name": "B", "case_type": "player", "owner_id": "o", "properties": obj{"case_name": "B"}},
			want: "Error with case property 'case_name'. This must be specified at the top level.",
		},
		{
			name: "index name not xml",
			body: obj{"case_name": "B", "case_type": "player", "owner_id": "o", "indices": obj{
				"Robert'); DROP TABLE students;--": obj{"case_id": "p", "case_type": "player", "relationship": "child"},
			}},
			want: "Error with index 'Robert'); DROP TABLE students;--'. Index names must be valid XML identifiers.",
		},
		{
			name: "prefixed index name",
			body: obj{"case_name": "B", "case_type": "player", "owner_id": "o", "indices": obj{
				"ns:parent": obj{"case_id": "p", "case_type": "player", "relationship": "child"},
			}},
			want: "Error with index 'ns:parent'. Index names must be valid XML identifiers.",
		},
		{
			name: "index without relationship",
			body: obj{"case_name": "B", "case_type": "match", "owner_id": "o", "indices": obj{
				"parent": obj{"case_id": "p", "case_type": "player"},
			}},
			want: "Property relationship is required when creating or updating case indices",
		},
		{
			name: "unknown temporary id",
			body: []obj{{"create": true, "case_type": "match", "case_name": "M", "owner_id": "o", "indices": obj{
				"parent": obj{"temporary_id": "MISSING", "case_type": "player", "relationship": "child"},
			}}},
			want: "Could not find a case with temporary_id 'MISSING'",
		},
		{
			name: "unknown external id in index",
			body: obj{"case_type": "match", "case_name": "M", "owner_id": "o", "indices": obj{
				"parent": obj{"external_id": "MISSING", "case_type": "player", "relationship": "child"},
			}},
			want: "Could not find a case with external_id 'MISSING'",
		},
		{
			name: "bulk without create flag",
			body: []obj{{"case_type": "player", "case_name": "Jolene", "owner_id": "methuen_home"}},
			want: "A 'create' flag is required for each update.",
		},
		{
			name: "create with case id",
			body: []obj{{"create": true, "case_type": "player", "case_name": "Jolene", "owner_id": "o", "case_id": "somethingmalicious"}},
			want: "You cannot specify case_id when creating a new case",
		},
		{
			name: "too many updates",
			body: tooMany,
			want: "You cannot submit more than 100 updates in a single request",
		},
		{
			name: "create flag outside bulk",
			call: func(s *Service, r Request) error { _, err := s.Update(context.Background(), r, ""); return err },
			body: obj{"external_id": "1", "create": true},
			want: "'create' is not a valid field.",
		},
		{
			name: "list on single update",
			call: func(s *Service, r Request) error { _, err := s.Upsert(context.Background(), r, "1"); return err },
			body: []obj{{"properties": obj{"champion": "true"}}},
			want: "Payload must be a single JSON object",
		},
		{
			name: "body field",
			call: func(s *Service, r Request) error { _, err := s.Update(context.Background(), r, "c1"); return err },
			body: obj{"body": "bad case update format"},
			want: "'body' is not a valid field.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			call := tt.call
			if call == nil {
				call = func(s *Service, r Request) error { _, err := s.Handle(context.Background(), r); return err }
			}
			requireUserError(t, call(f.svc, request(tt.body)), tt.want)
		})
	}
}

func TestRenderedFormRoundTrips(t *testing.T) {
	u, err := parseUpdate(json.RawMessage(`{"case_type":"p","case_name":"n","owner_id":"o","properties":{"a":"1"},"close":true}`), modeCreate)
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	xml, err := renderForm("f1", Request{UserID: "u"}, []model.CaseBlock{u.block("c1", "u", now)}, now)
	require.NoError(t, err)
	s := string(xml)
	assert.True(t, strings.Contains(s, `xmlns="`+FormXMLNS+`"`))
	assert.Contains(t, s, "<instanceID>f1</instanceID>")
	assert.Contains(t, s, `case_id="c1"`)
	assert.Contains(t, s, "<close/>")
}

// Package repotest holds the behavioral contract every repo.Store backend must meet.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

// Opener creates a fresh, empty store for one subtest.
type Opener func(t *testing.T) repo.Store

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

// SampleForm returns a fully populated normal form.
func SampleForm(domain, id string) *model.Form {
	return &model.Form{
		FormID:           id,
		Domain:           domain,
		XMLNS:            "http://example.org/form",
		State:            model.StateNormal,
		ReceivedOn:       at(0),
		ServerModifiedOn: at(1),
		UserID:           "u1",
		DeviceID:         "dev1",
		ContentHash:      "hash-" + id,
		History:          []model.FormOperation{{Operation: model.OpEdit, UserID: "u1", Date: at(1)}},
		Attachments: map[string]model.AttachmentRef{
			model.FormXMLAttachment: {Name: model.FormXMLAttachment, Key: "k1", ContentType: "text/xml", Length: 12},
		},
		Data: map[string]any{"#type": "data", "name": "x", "list": []any{"1", "2"}},
	}
}

// SampleCase returns an open case with dynamic properties.
func SampleCase(domain, id string) *model.Case {
	return &model.Case{
		CaseID:           id,
		Domain:           domain,
		CaseType:         "person",
		OwnerID:          "o1",
		Name:             "name-" + id,
		Properties:       map[string]string{"age": "5"},
		OpenedOn:         at(0),
		OpenedBy:         "u1",
		ModifiedOn:       at(0),
		ModifiedBy:       "u1",
		ServerModifiedOn: at(0),
	}
}

func sampleTransaction(domain, id, caseID, formID string, minute int) model.CaseTransaction {
	return model.CaseTransaction{
		ID:           id,
		Domain:       domain,
		CaseID:       caseID,
		FormID:       formID,
		Type:         model.TxForm | model.TxCaseCreate,
		ServerDate:   at(minute),
		UserID:       "u1",
		DateModified: at(minute),
		Actions:      []model.CaseAction{{Type: model.ActionCreate, CaseType: "person", Name: "n", OwnerID: "o1"}},
	}
}

// Run exercises open against the full contract.
func Run(t *testing.T, open Opener) {
	t.Run("FormRoundTrip", func(t *testing.T) { testFormRoundTrip(t, open(t)) })
	t.Run("FormNotFound", func(t *testing.T) { testFormNotFound(t, open(t)) })
	t.Run("FormsAreDomainScoped", func(t *testing.T) { testFormsAreDomainScoped(t, open(t)) })
	t.Run("DeprecationSwapIsOneBatch", func(t *testing.T) { testDeprecationSwap(t, open(t)) })
	t.Run("FormsByState", func(t *testing.T) { testFormsByState(t, open(t)) })
	t.Run("CaseRoundTrip", func(t *testing.T) { testCaseRoundTrip(t, open(t)) })
	t.Run("CaseNotFound", func(t *testing.T) { testCaseNotFound(t, open(t)) })
	t.Run("GetCasesSkipsMissing", func(t *testing.T) { testGetCases(t, open(t)) })
	t.Run("ExternalIDLookup", func(t *testing.T) { testExternalID(t, open(t)) })
	t.Run("IndexRowsReplacedOnUpsert", func(t *testing.T) { testIndexReplacement(t, open(t)) })
	t.Run("ExtensionIndices", func(t *testing.T) { testExtensionIndices(t, open(t)) })
	t.Run("ReverseIndices", func(t *testing.T) { testReverseIndices(t, open(t)) })
	t.Run("TransactionsOrderedAndRevocable", func(t *testing.T) { testTransactions(t, open(t)) })
	t.Run("TransactionFormReassigned", func(t *testing.T) { testTransactionReassigned(t, open(t)) })
	t.Run("SoftDeleteCases", func(t *testing.T) { testSoftDelete(t, open(t)) })
	t.Run("UnfinishedSubmissions", func(t *testing.T) { testUnfinished(t, open(t)) })
	t.Run("HardDeleteForms", func(t *testing.T) { testHardDelete(t, open(t)) })
	t.Run("InvalidBatchWritesNothing", func(t *testing.T) { testInvalidBatch(t, open(t)) })
}

func testFormRoundTrip(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := SampleForm("d", "f1")
	f.Problem = "none"
	f.DeprecatedFormID = "old"

	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Forms: []*model.Form{f}}))

	got, err := s.GetForm(ctx, "d", "f1")
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func testFormNotFound(t *testing.T, s repo.Store) {
	_, err := s.GetForm(context.Background(), "d", "missing")
	assert.ErrorIs(t, err, repo.ErrFormNotFound)
}

func testFormsAreDomainScoped(t *testing.T, s repo.Store) {
	ctx := context.Background()
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Forms: []*model.Form{SampleForm("a", "f1")}}))

	_, err := s.GetForm(ctx, "b", "f1")
	assert.ErrorIs(t, err, repo.ErrFormNotFound)
}

func testDeprecationSwap(t *testing.T, s repo.Store) {
	ctx := context.Background()
	original := SampleForm("d", "f1")
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Forms: []*model.Form{original}}))

	deprecated := original.Clone()
	deprecated.FormID = "generated-1"
	deprecated.OrigID = "f1"
	deprecated.State = model.StateDeprecated

	edited := SampleForm("d", "f1")
	edited.ContentHash = "hash-new"
	edited.DeprecatedFormID = "generated-1"

	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Forms: []*model.Form{deprecated, edited}}))

	live, err := s.GetForm(ctx, "d", "f1")
	require.NoError(t, err)
	assert.Equal(t, "hash-new", live.ContentHash)
	assert.Equal(t, model.StateNormal, live.State)
	assert.Equal(t, "generated-1", live.DeprecatedFormID)

	old, err := s.GetForm(ctx, "d", "generated-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateDeprecated, old.State)
	assert.Equal(t, "f1", old.OrigID)
	assert.Equal(t, "hash-f1", old.ContentHash)

	normal, err := s.GetFormsByState(ctx, "d", model.StateNormal, 0)
	require.NoError(t, err)
	require.Len(t, normal, 1)
	assert.Equal(t, "f1", normal[0].FormID)
}

func testFormsByState(t *testing.T, s repo.Store) {
	ctx := context.Background()
	var forms []*model.Form
	for i, id := range []string{"f3", "f1", "f2"} {
		f := SampleForm("d", id)
		f.ReceivedOn = at(i)
		forms = append(forms, f)
	}
	archived := SampleForm("d", "f4")
	archived.State = model.StateArchived
	forms = append(forms, archived)
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Forms: forms}))

	normal, err := s.GetFormsByState(ctx, "d", model.StateNormal, 0)
	require.NoError(t, err)
	require.Len(t, normal, 3)
	assert.Equal(t, []string{"f3", "f1", "f2"}, []string{normal[0].FormID, normal[1].FormID, normal[2].FormID})

	limited, err := s.GetFormsByState(ctx, "d", model.StateNormal, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	onlyArchived, err := s.GetFormsByState(ctx, "d", model.StateArchived, 0)
	require.NoError(t, err)
	require.Len(t, onlyArchived, 1)
	assert.Equal(t, "f4", onlyArchived[0].FormID)

	none, err := s.GetFormsByState(ctx, "d", model.StateError, 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testCaseRoundTrip(t *testing.T, s repo.Store) {
	ctx := context.Background()
	c := SampleCase("d", "c1")
	c.ExternalID = "ext-1"
	c.Closed = true
	c.ClosedOn = at(5)
	c.ClosedBy = "u2"
	c.Attachments = map[string]string{"photo": "f1/photo.jpg"}
	c.SetIndex(model.CaseIndex{Identifier: "parent", ReferencedID: "p1", ReferencedType: "household", Relationship: model.RelationshipChild})
	c.SetIndex(model.CaseIndex{Identifier: "host", ReferencedID: "h1", ReferencedType: "person", Relationship: model.RelationshipExtension})

	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{c}}))

	got, err := s.GetCase(ctx, "d", "c1")
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func testCaseNotFound(t *testing.T, s repo.Store) {
	ctx := context.Background()
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{SampleCase("other", "c1")}}))

	_, err := s.GetCase(ctx, "d", "c1")
	assert.ErrorIs(t, err, repo.ErrCaseNotFound)
}

func testGetCases(t *testing.T, s repo.Store) {
	ctx := context.Background()
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{SampleCase("d", "c1"), SampleCase("d", "c2")}}))

	got, err := s.GetCases(ctx, "d", []string{"c2", "missing", "c1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].CaseID)
	assert.Equal(t, "c1", got[1].CaseID)

	empty, err := s.GetCases(ctx, "d", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testExternalID(t *testing.T, s repo.Store) {
	ctx := context.Background()
	live := SampleCase("d", "c1")
	live.ExternalID = "ext-1"
	gone := SampleCase("d", "c0")
	gone.ExternalID = "ext-1"
	gone.Deleted = true
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{live, gone}}))

	got, err := s.GetCaseByExternalID(ctx, "d", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CaseID)

	_, err = s.GetCaseByExternalID(ctx, "d", "ext-2")
	assert.ErrorIs(t, err, repo.ErrCaseNotFound)

	_, err = s.GetCaseByExternalID(ctx, "other", "ext-1")
	assert.ErrorIs(t, err, repo.ErrCaseNotFound)

	// Changing the external id moves the lookup.
	moved := live.Clone()
	moved.ExternalID = "ext-2"
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{moved}}))
	_, err = s.GetCaseByExternalID(ctx, "d", "ext-1")
	assert.ErrorIs(t, err, repo.ErrCaseNotFound)
	got, err = s.GetCaseByExternalID(ctx, "d", "ext-2")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CaseID)
}

func testIndexReplacement(t *testing.T, s repo.Store) {
	ctx := context.Background()
	c := SampleCase("d", "c1")
	c.SetIndex(model.CaseIndex{Identifier: "host", ReferencedID: "h1", Relationship: model.RelationshipExtension})
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{c}}))

	updated := c.Clone()
	updated.SetIndex(model.CaseIndex{Identifier: "host", ReferencedID: "", Relationship: model.RelationshipExtension})
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{updated}}))

	got, err := s.GetCase(ctx, "d", "c1")
	require.NoError(t, err)
	require.Len(t, got.Indices, 1, "removed index rows are retained")
	assert.True(t, got.Indices[0].IsRemoved())

	ext, err := s.GetExtensionIndices(ctx, "d", []string{"h1"})
	require.NoError(t, err)
	assert.Empty(t, ext)
}

func testExtensionIndices(t *testing.T, s repo.Store) {
	ctx := context.Background()
	host := SampleCase("d", "h1")
	e1 := SampleCase("d", "e1")
	e1.SetIndex(model.CaseIndex{Identifier: "host", ReferencedID: "h1", Relationship: model.RelationshipExtension})
	e2 := SampleCase("d", "e2")
	e2.SetIndex(model.CaseIndex{Identifier: "host", ReferencedID: "h2", Relationship: model.RelationshipExtension})
	child := SampleCase("d", "k1")
	child.SetIndex(model.CaseIndex{Identifier: "parent", ReferencedID: "h1", Relationship: model.RelationshipChild})
	deleted := SampleCase("d", "e3")
	deleted.Deleted = true
	deleted.SetIndex(model.CaseIndex{Identifier: "host", ReferencedID: "h1", Relationship: model.RelationshipExtension})
	foreign := SampleCase("x", "e4")
	foreign.SetIndex(model.CaseIndex{Identifier: "host", ReferencedID: "h1", Relationship: model.RelationshipExtension})

	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{host, e1, e2, child, deleted, foreign}}))

	got, err := s.GetExtensionIndices(ctx, "d", []string{"h1", "h2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].CaseID)
	assert.Equal(t, "h1", got[0].ReferencedID)
	assert.Equal(t, model.RelationshipExtension, got[0].Relationship)
	assert.Equal(t, "e2", got[1].CaseID)

	none, err := s.GetExtensionIndices(ctx, "d", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testReverseIndices(t *testing.T, s repo.Store) {
	ctx := context.Background()
	child := SampleCase("d", "k1")
	child.SetIndex(model.CaseIndex{Identifier: "parent", ReferencedID: "p1", Relationship: model.RelationshipChild})
	ext := SampleCase("d", "e1")
	ext.SetIndex(model.CaseIndex{Identifier: "host", ReferencedID: "p1", Relationship: model.RelationshipExtension})
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{child, ext}}))

	got, err := s.GetReverseIndices(ctx, "d", "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].CaseID)
	assert.Equal(t, "k1", got[1].CaseID)
}

func testTransactions(t *testing.T, s repo.Store) {
	ctx := context.Background()
	c := SampleCase("d", "c1")
	tx2 := sampleTransaction("d", "t2", "c1", "f2", 2)
	tx1 := sampleTransaction("d", "t1", "c1", "f1", 1)
	other := sampleTransaction("d", "t3", "c2", "f2", 3)
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{
		Cases:        []*model.Case{c},
		Transactions: []model.CaseTransaction{tx2, tx1, other},
	}))

	got, err := s.GetTransactions(ctx, "d", "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, tx1, got[0])
	assert.Equal(t, tx2, got[1])

	forForm, err := s.GetTransactionsForForm(ctx, "d", "f2")
	require.NoError(t, err)
	require.Len(t, forForm, 2)
	assert.Equal(t, "t2", forForm[0].ID)
	assert.Equal(t, "t3", forForm[1].ID)

	tx1.Revoked = true
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Transactions: []model.CaseTransaction{tx1}}))

	got, err = s.GetTransactions(ctx, "d", "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Revoked)
	assert.False(t, got[1].Revoked)
}

func testTransactionReassigned(t *testing.T, s repo.Store) {
	ctx := context.Background()
	tx := sampleTransaction("d", "t1", "c1", "f1", 1)
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Transactions: []model.CaseTransaction{tx}}))

	tx.FormID = "deprecated-1"
	tx.Revoked = true
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Transactions: []model.CaseTransaction{tx}}))

	old, err := s.GetTransactionsForForm(ctx, "d", "f1")
	require.NoError(t, err)
	assert.Empty(t, old)

	moved, err := s.GetTransactionsForForm(ctx, "d", "deprecated-1")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.True(t, moved[0].Revoked)

	byCase, err := s.GetTransactions(ctx, "d", "c1")
	require.NoError(t, err)
	require.Len(t, byCase, 1)
	assert.Equal(t, "deprecated-1", byCase[0].FormID)
}

func testSoftDelete(t *testing.T, s repo.Store) {
	ctx := context.Background()
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{SampleCase("d", "c1"), SampleCase("d", "c2")}}))

	require.NoError(t, s.SoftDeleteCases(ctx, "d", []string{"c1"}))

	c1, err := s.GetCase(ctx, "d", "c1")
	require.NoError(t, err)
	assert.True(t, c1.Deleted)

	c2, err := s.GetCase(ctx, "d", "c2")
	require.NoError(t, err)
	assert.False(t, c2.Deleted)
}

func testUnfinished(t *testing.T, s repo.Store) {
	ctx := context.Background()
	u1 := model.UnfinishedSubmission{ID: "u1", Domain: "d", FormID: "f1", ContentHash: "h1", CreatedOn: at(0)}
	u2 := model.UnfinishedSubmission{ID: "u2", Domain: "d", FormID: "f2", ContentHash: "h2", CreatedOn: at(10)}
	require.NoError(t, s.SaveUnfinished(ctx, u2))
	require.NoError(t, s.SaveUnfinished(ctx, u1))

	stale, err := s.ListUnfinished(ctx, at(5))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, u1, stale[0])

	all, err := s.ListUnfinished(ctx, at(60))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "u1", all[0].ID)

	require.NoError(t, s.DeleteUnfinished(ctx, "u1"))
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{ClearUnfinished: []string{"u2"}}))

	all, err = s.ListUnfinished(ctx, at(60))
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testHardDelete(t *testing.T, s repo.Store) {
	ctx := context.Background()
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Forms: []*model.Form{SampleForm("d", "f1"), SampleForm("d", "f2")}}))

	require.NoError(t, s.HardDeleteForms(ctx, "d", []string{"f1"}))

	_, err := s.GetForm(ctx, "d", "f1")
	assert.ErrorIs(t, err, repo.ErrFormNotFound)
	_, err = s.GetForm(ctx, "d", "f2")
	assert.NoError(t, err)

	normal, err := s.GetFormsByState(ctx, "d", model.StateNormal, 0)
	require.NoError(t, err)
	assert.Len(t, normal, 1)
}

func testInvalidBatch(t *testing.T, s repo.Store) {
	ctx := context.Background()
	err := s.CommitBatch(ctx, repo.Batch{
		Forms: []*model.Form{SampleForm("d", "f1")},
		Cases: []*model.Case{{Domain: "d"}},
	})
	require.Error(t, err)

	_, err = s.GetForm(ctx, "d", "f1")
	assert.ErrorIs(t, err, repo.ErrFormNotFound)
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formcore/internal/docstore"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *docstore.Store
	engine *Engine
	clock  *FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := docstore.Open(docstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := NewFixedClock(t0)
	clock.Step = time.Second
	return &fixture{
		store:  s,
		clock:  clock,
		engine: New(s, WithClock(clock), WithIDGenerator(NewSequenceGenerator("tx"))),
	}
}

func (f *fixture) commit(t *testing.T, m *Mutation) {
	t.Helper()
	require.NoError(t, f.store.CommitBatch(context.Background(), repo.Batch{Cases: m.Cases, Transactions: m.Transactions}))
}

func (f *fixture) apply(t *testing.T, formID string, blocks ...model.CaseBlock) *Mutation {
	t.Helper()
	m, err := f.engine.Apply(context.Background(), newForm(formID), blocks, model.DefaultPolicy("d"))
	require.NoError(t, err)
	f.commit(t, m)
	return m
}

func (f *fixture) get(t *testing.T, id string) *model.Case {
	t.Helper()
	c, err := f.store.GetCase(context.Background(), "d", id)
	require.NoError(t, err)
	return c
}

func newForm(id string) *model.Form {
	return &model.Form{FormID: id, Domain: "d", UserID: "u1", ReceivedOn: t0, State: model.StateNormal}
}

func create(id, caseType, owner string) model.CaseAction {
	return model.CaseAction{Type: model.ActionCreate, CaseType: caseType, Name: "name-" + id, OwnerID: owner}
}

func update(props map[string]string) model.CaseAction {
	return model.CaseAction{Type: model.ActionUpdate, Properties: props}
}

func index(identifier, target, relationship string) model.CaseAction {
	return model.CaseAction{Type: model.ActionIndex, Indices: []model.IndexAction{
		{Identifier: identifier, ReferencedID: target, Relationship: relationship},
	}}
}

func closeAction() model.CaseAction { return model.CaseAction{Type: model.ActionClose} }

func block(caseID string, actions ...model.CaseAction) model.CaseBlock {
	return model.CaseBlock{CaseID: caseID, Actions: actions}
}

func TestApplySimpleCreate(t *testing.T) {
	f := newFixture(t)
	m := f.apply(t, "f1", block("C1", create("C1", "demo", "O1"), update(map[string]string{"age": "5"})))

	assert.Equal(t, []string{"C1"}, m.Created)
	require.Len(t, m.Transactions, 1)
	assert.Equal(t, model.TxForm|model.TxCaseCreate, m.Transactions[0].Type)
	assert.Equal(t, "f1", m.Transactions[0].FormID)

	c := f.get(t, "C1")
	assert.Equal(t, "O1", c.OwnerID)
	assert.Equal(t, "demo", c.CaseType)
	assert.Equal(t, "5", c.DynamicProperties()["age"])
	assert.False(t, c.Closed)
	assert.Equal(t, "u1", c.OpenedBy)
	assert.Equal(t, t0, c.OpenedOn)
}

func TestApplyDefaultsOwnerToUser(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1", block("C1", create("C1", "demo", "")))
	assert.Equal(t, "u1", f.get(t, "C1").OwnerID)
}

func TestApplyUpdatesAreLastWriteWins(t *testing.T) {
	f := newFixture(t)
	m := f.apply(t, "f1",
		block("C1", create("C1", "demo", "O1"), update(map[string]string{"age": "5", "color": "red"})),
		block("C1", update(map[string]string{"age": "6"})),
	)
	require.Len(t, m.Transactions, 1, "one transaction per case per form")
	assert.Len(t, m.Transactions[0].Actions, 3)

	f.apply(t, "f2", block("C1", update(map[string]string{"color": "blue"})))

	c := f.get(t, "C1")
	assert.Equal(t, map[string]string{"age": "6", "color": "blue"}, c.Properties)
}

func TestApplyInvalidIndex(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Apply(context.Background(), newForm("f1"),
		[]model.CaseBlock{block("X", create("X", "demo", "O1"), index("parent", "bad404bad", "child"))},
		model.DefaultPolicy("d"))

	require.Error(t, err)
	assert.True(t, IsInvalidIndex(err))

	var ce *CaseError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Problem(), "InvalidCaseIndex")
	assert.Contains(t, ce.Problem(), "bad404bad")
	assert.Equal(t, "parent", ce.Details["identifier"])
}

func TestApplyIndexCrossDomainIsInvalid(t *testing.T) {
	f := newFixture(t)
	other := &model.Case{CaseID: "H", Domain: "other", CaseType: "host"}
	require.NoError(t, f.store.CommitBatch(context.Background(), repo.Batch{Cases: []*model.Case{other}}))

	_, err := f.engine.Apply(context.Background(), newForm("f1"),
		[]model.CaseBlock{block("X", create("X", "demo", "O1"), index("parent", "H", "child"))},
		model.DefaultPolicy("d"))
	assert.True(t, IsInvalidIndex(err))
}

func TestApplyIndexToCaseCreatedInSameForm(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1",
		block("child", create("child", "demo", "O1"), index("parent", "parent", "child")),
		block("parent", create("parent", "household", "O1")),
	)

	idx, ok := f.get(t, "child").Index("parent")
	require.True(t, ok)
	assert.Equal(t, "parent", idx.ReferencedID)
	assert.Equal(t, model.RelationshipChild, idx.Relationship)
}

func TestApplyIndexRemovalKeepsRow(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1", block("H", create("H", "household", "O1")))
	f.apply(t, "f2", block("C", create("C", "demo", "O1"), index("parent", "H", "child")))
	m := f.apply(t, "f3", block("C", index("parent", "", "")))

	assert.Equal(t, model.TxForm|model.TxCaseIndex, m.Transactions[0].Type)
	c := f.get(t, "C")
	require.Len(t, c.Indices, 1)
	assert.True(t, c.Indices[0].IsRemoved())
	assert.Equal(t, model.RelationshipChild, c.Indices[0].Relationship)
}

func TestApplyUnknownRelationship(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1", block("H", create("H", "household", "O1")))
	_, err := f.engine.Apply(context.Background(), newForm("f2"),
		[]model.CaseBlock{block("C", index("parent", "H", "cousin"))}, model.DefaultPolicy("d"))

	var ce *CaseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeInvalidAction, ce.Code)
}

func TestApplyCloseCascadesToExtension(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1", block("H", create("H", "person", "O1")))
	f.apply(t, "f2", block("E", create("E", "contact", "O1"), index("host", "H", "extension")))

	m := f.apply(t, "f3", block("H", closeAction()))
	assert.Equal(t, []string{"E"}, m.Cascaded)

	e := f.get(t, "E")
	assert.True(t, e.Closed)

	txs, err := f.store.GetTransactions(context.Background(), "d", "E")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	last := txs[1]
	assert.Equal(t, "f3", last.FormID, "cascade closure is recorded on the closing form")
	assert.True(t, last.Type.Has(model.TxCaseClose))
	assert.Equal(t, model.CloseReasonExtension, last.Actions[0].Reason)
}

func TestApplyCascadeSeesIndicesFromSameForm(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1", block("H", create("H", "person", "O1")))

	m := f.apply(t, "f2",
		block("E", create("E", "visit", "O1"), index("host", "H", "extension")),
		block("H", closeAction()),
	)
	assert.Equal(t, []string{"E"}, m.Cascaded)
	require.Len(t, m.Transactions, 2)
	assert.True(t, f.get(t, "E").Closed)
}

func TestApplyCascadeRespectsPolicy(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1", block("P", create("P", "patient", "O1")))
	f.apply(t, "f2", block("C", create("C", "contact", "O1"), index("host", "P", "extension")))

	policy := model.DefaultPolicy("d")
	policy.ExtensionCloseExclusions = []model.ExtensionExclusion{model.PatientContactExclusion}
	m, err := f.engine.Apply(context.Background(), newForm("f3"), []model.CaseBlock{block("P", closeAction())}, policy)
	require.NoError(t, err)
	assert.Empty(t, m.Cascaded)

	disabled := model.DomainPolicy{Domain: "d"}
	m, err = f.engine.Apply(context.Background(), newForm("f3"), []model.CaseBlock{block("P", closeAction())}, disabled)
	require.NoError(t, err)
	assert.Empty(t, m.Cascaded)
}

func TestApplyCascadeCycle(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1",
		block("A", create("A", "x", "O1")),
		block("B", create("B", "x", "O1")),
	)
	f.apply(t, "f2",
		block("A", index("host", "B", "extension")),
		block("B", index("host", "A", "extension")),
	)

	m := f.apply(t, "f3", block("A", closeAction()))
	assert.Equal(t, []string{"B"}, m.Cascaded)
	assert.True(t, f.get(t, "A").Closed)
	assert.True(t, f.get(t, "B").Closed)
}

func TestRebuildMatchesApply(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1", block("H", create("H", "household", "O1")))
	f.apply(t, "f2", block("C", create("C", "demo", "O1"), update(map[string]string{"a": "1"}), index("parent", "H", "")))
	f.apply(t, "f3", block("C", update(map[string]string{"a": "2", "b": "3"}), closeAction(),
		model.CaseAction{Type: model.ActionAttachment, Attachments: map[string]string{"photo": "p.jpg"}}))

	stored := f.get(t, "C")
	txs, err := f.store.GetTransactions(context.Background(), "d", "C")
	require.NoError(t, err)

	rebuilt, err := Rebuild(stored, txs)
	require.NoError(t, err)
	assert.Equal(t, stored, rebuilt)
	assert.Equal(t, "f3/p.jpg", rebuilt.Attachments["photo"])
}

func TestRebuildWithoutLiveTransactionsDeletes(t *testing.T) {
	c := &model.Case{CaseID: "C", Domain: "d", Name: "kept"}
	rebuilt, err := Rebuild(c, []model.CaseTransaction{{ID: "t1", Revoked: true, Actions: []model.CaseAction{closeAction()}}})
	require.NoError(t, err)
	assert.True(t, rebuilt.Deleted)
	assert.Equal(t, "kept", rebuilt.Name)
	assert.False(t, c.Deleted, "input is not modified")
}

func TestRevokeIsSymmetric(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1", block("C", create("C", "demo", "O1")))
	f.apply(t, "f2", block("C", update(map[string]string{"x": "1"}), closeAction()))
	before := f.get(t, "C")

	ctx := context.Background()
	txs, err := f.store.GetTransactionsForForm(ctx, "d", "f2")
	require.NoError(t, err)

	archived, err := f.engine.Revoke(ctx, "d", txs, true)
	require.NoError(t, err)
	f.commit(t, archived)
	mid := f.get(t, "C")
	assert.False(t, mid.Closed)
	assert.Empty(t, mid.Properties["x"])

	txs, err = f.store.GetTransactionsForForm(ctx, "d", "f2")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Revoked)

	restored, err := f.engine.Revoke(ctx, "d", txs, false)
	require.NoError(t, err)
	f.commit(t, restored)
	assert.Equal(t, before, f.get(t, "C"))
}

func TestRevokeOnlyTransactionDeletesCase(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "f1", block("C", create("C", "demo", "O1"), closeAction()))
	before := f.get(t, "C")

	ctx := context.Background()
	txs, err := f.store.GetTransactionsForForm(ctx, "d", "f1")
	require.NoError(t, err)

	m, err := f.engine.Revoke(ctx, "d", txs, true)
	require.NoError(t, err)
	f.commit(t, m)
	assert.True(t, f.get(t, "C").Deleted)

	txs, err = f.store.GetTransactionsForForm(ctx, "d", "f1")
	require.NoError(t, err)
	m, err = f.engine.Revoke(ctx, "d", txs, false)
	require.NoError(t, err)
	f.commit(t, m)

	after := f.get(t, "C")
	assert.False(t, after.Deleted)
	assert.True(t, after.Closed)
	assert.Equal(t, before, after)
}

func TestEditReplacesPreviousContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.apply(t, "f1",
		block("C1", create("C1", "demo", "O1"), update(map[string]string{"age": "5", "color": "red"})),
		block("C2", create("C2", "demo", "O1")),
	)

	previous, err := f.store.GetTransactionsForForm(ctx, "d", "f1")
	require.NoError(t, err)

	m, err := f.engine.Edit(ctx, newForm("f1"), []model.CaseBlock{
		block("C1", create("C1", "demo", "O1"), update(map[string]string{"age": "6"})),
	}, model.DefaultPolicy("d"), previous, "dep-1")
	require.NoError(t, err)
	f.commit(t, m)

	c1 := f.get(t, "C1")
	assert.Equal(t, map[string]string{"age": "6"}, c1.Properties)
	assert.False(t, c1.Deleted)
	assert.True(t, f.get(t, "C2").Deleted, "a case only the old content touched is gone")

	moved, err := f.store.GetTransactionsForForm(ctx, "d", "dep-1")
	require.NoError(t, err)
	require.Len(t, moved, 2)
	for _, tx := range moved {
		assert.True(t, tx.Revoked)
	}

	live, err := f.store.GetTransactionsForForm(ctx, "d", "f1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.False(t, live[0].Revoked)
}

package extension

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formcore/internal/docstore"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/repo"
)

// fakeGraph is an in-memory Graph.
type fakeGraph struct {
	cases map[string]*model.Case
	calls int
	err   error
}

func newFakeGraph(cases ...*model.Case) *fakeGraph {
	g := &fakeGraph{cases: map[string]*model.Case{}}
	for _, c := range cases {
		g.cases[c.CaseID] = c
	}
	return g
}

func (g *fakeGraph) GetExtensionIndices(ctx context.Context, domain string, hostIDs []string) ([]model.CaseIndex, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	hosts := map[string]bool{}
	for _, h := range hostIDs {
		hosts[h] = true
	}
	var out []model.CaseIndex
	for _, c := range g.cases {
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

func (g *fakeGraph) GetCases(ctx context.Context, domain string, ids []string) ([]*model.Case, error) {
	var out []*model.Case
	for _, id := range ids {
		if c, ok := g.cases[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func newCase(id, caseType string) *model.Case {
	return &model.Case{CaseID: id, Domain: "d", CaseType: caseType}
}

func extends(c *model.Case, identifier, hostID string) *model.Case {
	c.SetIndex(model.CaseIndex{Identifier: identifier, ReferencedID: hostID, Relationship: model.RelationshipExtension})
	return c
}

func ids(closures []Closure) []string {
	out := make([]string, 0, len(closures))
	for _, c := range closures {
		out = append(out, c.CaseID)
	}
	return out
}

func enabled() model.DomainPolicy { return model.DefaultPolicy("d") }

func TestResolveDirectExtension(t *testing.T) {
	host := newCase("h", "person")
	g := newFakeGraph(host, extends(newCase("e", "contact"), "host", "h"))

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{host}, enabled())
	require.NoError(t, err)
	assert.Equal(t, []Closure{{CaseID: "e", HostID: "h", Depth: 1}}, got)
}

func TestResolveChainIsBreadthFirst(t *testing.T) {
	host := newCase("h", "person")
	g := newFakeGraph(
		host,
		extends(newCase("e1", "x"), "host", "h"),
		extends(newCase("e2", "x"), "host", "h"),
		extends(newCase("e3", "x"), "host", "e1"),
		extends(newCase("e4", "x"), "host", "e3"),
	)

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{host}, enabled())
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, ids(got))
	assert.Equal(t, 3, got[3].Depth)
}

func TestResolveCycleTerminates(t *testing.T) {
	a := extends(newCase("a", "x"), "host", "b")
	b := extends(newCase("b", "x"), "host", "a")
	g := newFakeGraph(a, b)

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{a}, enabled())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got), "seed is closed by the form, the rest of the cycle exactly once")
	assert.LessOrEqual(t, g.calls, 3)
}

func TestResolveSelfIndex(t *testing.T) {
	a := extends(newCase("a", "x"), "self", "a")
	g := newFakeGraph(a)

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{a}, enabled())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveAnyHostCloses(t *testing.T) {
	h1 := newCase("h1", "person")
	h2 := newCase("h2", "person")
	e := extends(extends(newCase("e", "x"), "first", "h1"), "second", "h2")
	g := newFakeGraph(h1, h2, e)

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{h2}, enabled())
	require.NoError(t, err)
	assert.Equal(t, []Closure{{CaseID: "e", HostID: "h2", Depth: 1}}, got)
}

func TestResolveSkipsClosedButWalksThrough(t *testing.T) {
	host := newCase("h", "person")
	mid := extends(newCase("m", "x"), "host", "h")
	mid.Closed = true
	g := newFakeGraph(host, mid, extends(newCase("leaf", "x"), "host", "m"))

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{host}, enabled())
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf"}, ids(got))
}

func TestResolveIgnoresChildIndices(t *testing.T) {
	host := newCase("h", "person")
	child := newCase("c", "x")
	child.SetIndex(model.CaseIndex{Identifier: "parent", ReferencedID: "h", Relationship: model.RelationshipChild})
	g := newFakeGraph(host, child)

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{host}, enabled())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveExclusionPolicy(t *testing.T) {
	patient := newCase("p", "patient")
	contact := extends(newCase("c", "contact"), "host", "p")
	other := extends(newCase("o", "visit"), "host", "p")
	g := newFakeGraph(patient, contact, other)

	policy := enabled()
	policy.ExtensionCloseExclusions = []model.ExtensionExclusion{model.PatientContactExclusion}

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{patient}, policy)
	require.NoError(t, err)
	assert.Equal(t, []string{"o"}, ids(got))

	// Without the exclusion the contact closes too.
	got, err = NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{patient}, enabled())
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "o"}, ids(got))
}

func TestResolveExcludedEdgeDoesNotBlockOtherHost(t *testing.T) {
	patient := newCase("p", "patient")
	person := newCase("q", "person")
	contact := extends(extends(newCase("c", "contact"), "a", "p"), "b", "q")
	g := newFakeGraph(patient, person, contact)

	policy := enabled()
	policy.ExtensionCloseExclusions = []model.ExtensionExclusion{model.PatientContactExclusion}

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{patient, person}, policy)
	require.NoError(t, err)
	assert.Equal(t, []Closure{{CaseID: "c", HostID: "q", Depth: 1}}, got)
}

func TestResolveDisabled(t *testing.T) {
	host := newCase("h", "person")
	g := newFakeGraph(host, extends(newCase("e", "x"), "host", "h"))

	got, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{host}, model.DomainPolicy{Domain: "d"})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, g.calls)
}

func TestResolveGraphError(t *testing.T) {
	g := newFakeGraph()
	g.err = errors.New("db down")

	_, err := NewResolver(g, nil).Resolve(context.Background(), "d", []*model.Case{newCase("h", "x")}, enabled())
	assert.ErrorContains(t, err, "db down")
}

func TestResolveAgainstStore(t *testing.T) {
	ctx := context.Background()
	s, err := docstore.Open(docstore.InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	host := newCase("h", "person")
	e1 := extends(newCase("e1", "x"), "host", "h")
	e2 := extends(newCase("e2", "x"), "host", "e1")
	gone := extends(newCase("e3", "x"), "host", "h")
	gone.Deleted = true
	require.NoError(t, s.CommitBatch(ctx, repo.Batch{Cases: []*model.Case{host, e1, e2, gone}}))

	got, err := NewResolver(s, nil).Resolve(ctx, "d", []*model.Case{host}, enabled())
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids(got))
}

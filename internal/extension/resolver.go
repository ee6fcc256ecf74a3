// Package extension computes which extension cases close when their hosts close.
//
// An extension case holds an index with relationship "extension" pointing at
// its host. Closing a host closes its open extensions, and closing those
// closes theirs in turn. A case with several hosts closes when any one of
// them does.
package extension

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/formcore/internal/logging"
	"github.com/roach88/formcore/internal/model"
)

// Graph is the case index graph the resolver walks. repo.CaseStore satisfies it.
type Graph interface {
	GetExtensionIndices(ctx context.Context, domain string, hostIDs []string) ([]model.CaseIndex, error)
	GetCases(ctx context.Context, domain string, ids []string) ([]*model.Case, error)
}

// Closure is one extension case that must be closed, and the host whose
// closure reached it first.
type Closure struct {
	CaseID string
	HostID string
	Depth  int
}

// Resolver walks extension indices breadth first from a set of closed hosts.
type Resolver struct {
	graph  Graph
	logger *slog.Logger
}

// NewResolver returns a Resolver over graph. A nil logger uses slog.Default().
func NewResolver(graph Graph, logger *slog.Logger) *Resolver {
	return &Resolver{graph: graph, logger: logging.OrDefault(logger)}
}

// Resolve returns the open extension cases that closing seeds must also close,
// in breadth-first order. Each case is visited at most once, so index cycles
// terminate. Seeds are never returned. Nothing is returned when the policy
// disables extension cases.
func (r *Resolver) Resolve(ctx context.Context, domain string, seeds []*model.Case, policy model.DomainPolicy) ([]Closure, error) {
	if !policy.ExtensionCasesEnabled || len(seeds) == 0 {
		return nil, nil
	}

	visited := make(map[string]bool, len(seeds))
	caseTypes := make(map[string]string, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if visited[s.CaseID] {
			continue
		}
		visited[s.CaseID] = true
		caseTypes[s.CaseID] = s.CaseType
		frontier = append(frontier, s.CaseID)
	}

	var closures []Closure
	for depth := 1; len(frontier) > 0; depth++ {
		indices, err := r.graph.GetExtensionIndices(ctx, domain, frontier)
		if err != nil {
			return nil, fmt.Errorf("resolve extensions at depth %d: %w", depth, err)
		}

		candidates := make([]string, 0, len(indices))
		for _, idx := range indices {
			if !visited[idx.CaseID] {
				candidates = append(candidates, idx.CaseID)
			}
		}
		extensions, err := r.graph.GetCases(ctx, domain, candidates)
		if err != nil {
			return nil, fmt.Errorf("load extensions at depth %d: %w", depth, err)
		}
		byID := make(map[string]*model.Case, len(extensions))
		for _, c := range extensions {
			byID[c.CaseID] = c
		}

		var next []string
		for _, idx := range indices {
			if visited[idx.CaseID] {
				continue
			}
			ext, ok := byID[idx.CaseID]
			if !ok || ext.Deleted {
				continue
			}
			if policy.KeepsExtensionOpen(caseTypes[idx.ReferencedID], ext.CaseType) {
				// Another host of the same extension may still close it.
				continue
			}
			visited[ext.CaseID] = true
			caseTypes[ext.CaseID] = ext.CaseType
			next = append(next, ext.CaseID)
			if !ext.Closed {
				closures = append(closures, Closure{CaseID: ext.CaseID, HostID: idx.ReferencedID, Depth: depth})
			}
		}
		frontier = next
	}

	if len(closures) > 0 {
		r.logger.Debug("extension cascade resolved", "domain", domain, "seeds", len(seeds), "closures", len(closures))
	}
	return closures, nil
}

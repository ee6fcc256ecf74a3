package repo

import (
	"errors"
	"sync"
)

// Router selects the backend for a domain.
// Routes are configured once at startup; lookups are safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	fallback Store
	byDomain map[string]Store
}

// NewRouter creates a router that sends unconfigured domains to fallback.
func NewRouter(fallback Store) *Router {
	return &Router{fallback: fallback, byDomain: make(map[string]Store)}
}

// Route pins domain to s.
func (r *Router) Route(domain string, s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDomain[domain] = s
}

// For returns the backend serving domain.
func (r *Router) For(domain string) Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byDomain[domain]; ok {
		return s
	}
	return r.fallback
}

// Backends returns every distinct backend, fallback first.
func (r *Router) Backends() []Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.distinct()
}

func (r *Router) distinct() []Store {
	seen := make(map[Store]bool)
	var out []Store
	for _, s := range append([]Store{r.fallback}, values(r.byDomain)...) {
		if s == nil || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Close closes every distinct backend once.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, s := range r.distinct() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func values(m map[string]Store) []Store {
	out := make([]Store, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

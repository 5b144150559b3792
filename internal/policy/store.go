package policy

import (
	"context"
	"sort"
	"sync"
)

// Loader fetches the enabled policy set for every tenant.
type Loader interface {
	LoadPolicies(ctx context.Context) ([]Policy, error)
}

// Store holds per-tenant policy snapshots. Readers get a slice that is never
// written again; updates swap in a fresh one.
type Store struct {
	mu       sync.RWMutex
	byTenant map[string][]Policy
}

// NewStore returns an empty store. Every decision against it denies.
func NewStore() *Store {
	return &Store{byTenant: make(map[string][]Policy)}
}

// Snapshot returns the current policies of tenantID. Callers must not modify it.
func (s *Store) Snapshot(tenantID string) []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byTenant[tenantID]
}

// Replace swaps the full policy set. Invalid entries are dropped.
func (s *Store) Replace(policies []Policy) int {
	next := group(policies)
	s.mu.Lock()
	s.byTenant = next
	s.mu.Unlock()
	n := 0
	for _, ps := range next {
		n += len(ps)
	}
	return n
}

// ReplaceTenant swaps the policy set of a single tenant.
func (s *Store) ReplaceTenant(tenantID string, policies []Policy) {
	fresh := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p.TenantID == tenantID && p.Valid() {
			fresh = append(fresh, p)
		}
	}
	sortPolicies(fresh)
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string][]Policy, len(s.byTenant)+1)
	for k, v := range s.byTenant {
		next[k] = v
	}
	if len(fresh) == 0 {
		delete(next, tenantID)
	} else {
		next[tenantID] = fresh
	}
	s.byTenant = next
}

// Reload replaces the store contents with what loader returns.
func (s *Store) Reload(ctx context.Context, loader Loader) (int, error) {
	policies, err := loader.LoadPolicies(ctx)
	if err != nil {
		return 0, err
	}
	return s.Replace(policies), nil
}

func group(policies []Policy) map[string][]Policy {
	out := make(map[string][]Policy)
	for _, p := range policies {
		if !p.Valid() {
			continue
		}
		out[p.TenantID] = append(out[p.TenantID], p)
	}
	for _, ps := range out {
		sortPolicies(ps)
	}
	return out
}

func sortPolicies(ps []Policy) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Priority > ps[j].Priority })
}

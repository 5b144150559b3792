package policy

import "chatguard.org/internal/auth"

// Decision explains an evaluation. PolicyID is empty when nothing matched.
type Decision struct {
	Allowed  bool
	PolicyID string
	Priority int
	Matched  int
}

// Engine evaluates requests against the policies held in a Store. It performs no
// I/O and keeps no state of its own.
type Engine struct {
	store *Store
}

// NewEngine returns an engine reading from store.
func NewEngine(store *Store) *Engine {
	if store == nil {
		store = NewStore()
	}
	return &Engine{store: store}
}

// IsAllowed reports whether ac may perform action on resourceType.
func (e *Engine) IsAllowed(ac auth.AuthContext, resourceType, action string) bool {
	return e.Decide(Request{Context: ac, ResourceType: resourceType, Action: action}).Allowed
}

// IsAllowedOn is IsAllowed for a resource with a known owner, so resource_owner
// conditions can hold.
func (e *Engine) IsAllowedOn(ac auth.AuthContext, resourceType, action, ownerID string) bool {
	return e.Decide(Request{Context: ac, ResourceType: resourceType, Action: action, ResourceOwnerID: ownerID}).Allowed
}

// Decide collects enabled tenant policies for the request whose conditions all hold.
// The highest priority wins, deny beats allow on a tie, and no match denies.
func (e *Engine) Decide(req Request) Decision {
	if req.Context.IsZero() {
		return Decision{}
	}
	var (
		best  *Policy
		count int
	)
	policies := e.store.Snapshot(req.Context.TenantID())
	for i := range policies {
		p := &policies[i]
		if !p.Enabled || !p.appliesTo(req.ResourceType, req.Action) || !conditionsHold(p.Conditions, req) {
			continue
		}
		count++
		switch {
		case best == nil, p.Priority > best.Priority:
			best = p
		case p.Priority == best.Priority && p.Effect == Deny && best.Effect != Deny:
			best = p
		}
	}
	if best == nil {
		return Decision{}
	}
	return Decision{
		Allowed:  best.Effect == Allow,
		PolicyID: best.ID,
		Priority: best.Priority,
		Matched:  count,
	}
}

func conditionsHold(conds []Condition, req Request) bool {
	for _, c := range conds {
		if !c.Matches(req) {
			return false
		}
	}
	return true
}

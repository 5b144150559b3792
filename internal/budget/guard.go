package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"chatguard.org/internal/obs"
)

// DefaultEstimate is reserved per generation when the caller has no better guess.
const DefaultEstimate int64 = 100

// Guard admits work against tenant and user budgets.
type Guard struct {
	store Store
}

// NewGuard returns a guard over store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// FindBudget returns the budget for owner, or ok=false when none is configured.
func (g *Guard) FindBudget(ctx context.Context, tenantID string, scope Scope, ownerID, kind string) (Budget, bool, error) {
	b, err := g.store.FindBudget(ctx, tenantID, scope, ownerID, kind)
	if errors.Is(err, ErrNotFound) {
		return Budget{}, false, nil
	}
	if err != nil {
		return Budget{}, false, err
	}
	return b, true, nil
}

// IsExceeded reports whether budget id has nothing left.
func (g *Guard) IsExceeded(ctx context.Context, id string) (bool, error) {
	b, err := g.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return b.Exceeded(), nil
}

// Increment is an atomic check-and-increment on a single budget.
func (g *Guard) Increment(ctx context.Context, id string, amount int64) (Budget, error) {
	return g.store.Increment(ctx, id, amount)
}

type reservation struct {
	budgetID string
	scope    Scope
	amount   int64
}

// Admission holds reservations made by Admit until they are settled or released.
type Admission struct {
	store        Store
	mu           sync.Mutex
	reservations []reservation
	done         bool
}

// Reserved returns the amount held per scope.
func (a *Admission) Reserved() map[Scope]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[Scope]int64, len(a.reservations))
	for _, r := range a.reservations {
		out[r.scope] = r.amount
	}
	return out
}

// Admit holds estimate on the tenant budget, then on the user budget. A budget
// refuses only when it is already exceeded; one with less than estimate left
// holds what remains and Settle clamps the real cost. If the user budget
// refuses, the tenant reservation is returned before the error is. Missing
// budgets are unlimited. userID may be empty for tenant-level work.
func (g *Guard) Admit(ctx context.Context, tenantID, userID, kind string, estimate int64) (*Admission, error) {
	if estimate <= 0 {
		estimate = DefaultEstimate
	}
	adm := &Admission{store: g.store}
	owners := []struct {
		scope Scope
		owner string
	}{{ScopeTenant, tenantID}, {ScopeUser, userID}}
	for _, o := range owners {
		if o.owner == "" {
			continue
		}
		b, ok, err := g.FindBudget(ctx, tenantID, o.scope, o.owner, kind)
		if err != nil {
			adm.rollback(ctx)
			return nil, fmt.Errorf("find %s budget: %w", o.scope, err)
		}
		if !ok {
			obs.BudgetAdmissions.WithLabelValues(string(o.scope), "unlimited").Inc()
			continue
		}
		_, held, err := g.store.Hold(ctx, b.ID, estimate)
		if err != nil {
			adm.rollback(ctx)
			if errors.Is(err, ErrExceeded) {
				obs.BudgetAdmissions.WithLabelValues(string(o.scope), "exceeded").Inc()
				return nil, fmt.Errorf("%s budget %s: %w", o.scope, b.ID, ErrExceeded)
			}
			return nil, fmt.Errorf("reserve %s budget: %w", o.scope, err)
		}
		obs.BudgetAdmissions.WithLabelValues(string(o.scope), "admitted").Inc()
		adm.reservations = append(adm.reservations, reservation{budgetID: b.ID, scope: o.scope, amount: held})
	}
	return adm, nil
}

func (a *Admission) rollback(ctx context.Context) {
	for _, r := range a.reservations {
		if _, err := a.store.Release(ctx, r.budgetID, r.amount); err != nil {
			obs.Logger().Error("budget rollback failed", zap.String("budget_id", r.budgetID), zap.Error(err))
		}
	}
	a.reservations = nil
	a.done = true
}

// Settle replaces each reservation with the measured cost. Cost beyond a budget's
// limit is clamped and logged.
func (a *Admission) Settle(ctx context.Context, actual int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return nil
	}
	a.done = true
	if actual < 0 {
		actual = 0
	}
	var errs []error
	for _, r := range a.reservations {
		delta := actual - r.amount
		switch {
		case delta > 0:
			b, overrun, err := a.store.Consume(ctx, r.budgetID, delta)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if overrun > 0 {
				obs.Logger().Warn("budget overrun clamped at limit",
					zap.String("budget_id", r.budgetID),
					zap.String("scope", string(r.scope)),
					zap.Int64("limit", b.Limit),
					zap.Int64("overrun", overrun))
			}
		case delta < 0:
			if _, err := a.store.Release(ctx, r.budgetID, -delta); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Release returns every reservation unused.
func (a *Admission) Release(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return nil
	}
	a.done = true
	var errs []error
	for _, r := range a.reservations {
		if _, err := a.store.Release(ctx, r.budgetID, r.amount); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

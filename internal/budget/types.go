package budget

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatguard.org/internal/ids"
)

// Scope says whose consumption a budget tracks.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
)

// ResetPolicy says when used drops back to zero.
type ResetPolicy string

const (
	ResetNone    ResetPolicy = "none"
	ResetDaily   ResetPolicy = "daily"
	ResetMonthly ResetPolicy = "monthly"
)

// KindTokens is the budget kind consumed by generation.
const KindTokens = "token"

var (
	ErrNotFound      = errors.New("budget: not found")
	ErrExceeded      = errors.New("budget: exceeded")
	ErrInvalidAmount = errors.New("budget: amount must be > 0")
	ErrInvalidBudget = errors.New("budget: invalid budget")
)

// Budget is a consumable quota. Used never exceeds Limit after a successful increment.
type Budget struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenantId"`
	Scope       Scope       `json:"scope"`
	OwnerID     string      `json:"ownerId"`
	Kind        string      `json:"kind"`
	Limit       int64       `json:"limit"`
	Used        int64       `json:"used"`
	ResetPolicy ResetPolicy `json:"resetPolicy"`
	PeriodStart time.Time   `json:"periodStart"`
}

// Remaining is what can still be consumed.
func (b Budget) Remaining() int64 {
	if b.Used >= b.Limit {
		return 0
	}
	return b.Limit - b.Used
}

// Exceeded reports whether nothing more can be consumed.
func (b Budget) Exceeded() bool { return b.Used >= b.Limit }

// Validate checks the fields every store relies on and fills defaults.
func (b Budget) Validate() (Budget, error) {
	b.TenantID = strings.TrimSpace(b.TenantID)
	b.OwnerID = strings.TrimSpace(b.OwnerID)
	b.Kind = strings.TrimSpace(b.Kind)
	if b.TenantID == "" || b.OwnerID == "" || b.Kind == "" || b.Limit < 0 || b.Used < 0 {
		return Budget{}, ErrInvalidBudget
	}
	if b.Scope != ScopeTenant && b.Scope != ScopeUser {
		return Budget{}, ErrInvalidBudget
	}
	switch b.ResetPolicy {
	case "":
		b.ResetPolicy = ResetNone
	case ResetNone, ResetDaily, ResetMonthly:
	default:
		return Budget{}, ErrInvalidBudget
	}
	if b.ID == "" {
		b.ID = ids.WithPrefix("bgt")
	}
	if b.PeriodStart.IsZero() {
		b.PeriodStart = PeriodStart(b.ResetPolicy, time.Now())
	}
	return b, nil
}

// PeriodStart returns the start of the accounting period containing now.
func PeriodStart(p ResetPolicy, now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case ResetDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case ResetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Rollover zeroes Used when the budget's period has passed. It reports whether
// anything changed.
func (b *Budget) Rollover(now time.Time) bool {
	if b.ResetPolicy == ResetNone || b.ResetPolicy == "" {
		return false
	}
	start := PeriodStart(b.ResetPolicy, now)
	if !b.PeriodStart.Before(start) {
		return false
	}
	b.Used = 0
	b.PeriodStart = start
	return true
}

// Reserve adds amount, or fails with ErrExceeded if it would pass the limit.
func (b *Budget) Reserve(amount int64) error {
	if b.Used+amount > b.Limit {
		return ErrExceeded
	}
	b.Used += amount
	return nil
}

// Hold reserves up to amount, capped at what is left, and returns the amount
// held. It fails with ErrExceeded only when nothing is left.
func (b *Budget) Hold(amount int64) (int64, error) {
	if b.Exceeded() {
		return 0, ErrExceeded
	}
	held := min(amount, b.Remaining())
	b.Used += held
	return held, nil
}

// Absorb adds amount, saturating at the limit, and returns the part that did not fit.
func (b *Budget) Absorb(amount int64) int64 {
	fit := b.Remaining()
	if amount <= fit {
		b.Used += amount
		return 0
	}
	b.Used = b.Limit
	return amount - fit
}

// Refund subtracts amount, flooring at zero.
func (b *Budget) Refund(amount int64) {
	b.Used -= amount
	if b.Used < 0 {
		b.Used = 0
	}
}

// Store persists budgets. Increment, Hold, Consume and Release must each be
// atomic per budget id, including the lazy period reset.
type Store interface {
	Create(ctx context.Context, b Budget) (Budget, error)
	Get(ctx context.Context, id string) (Budget, error)
	FindBudget(ctx context.Context, tenantID string, scope Scope, ownerID, kind string) (Budget, error)
	// Increment adds amount or fails with ErrExceeded if used+amount > limit.
	Increment(ctx context.Context, id string, amount int64) (Budget, error)
	// Hold reserves min(amount, remaining) and returns the amount held. It fails
	// with ErrExceeded only when used >= limit.
	Hold(ctx context.Context, id string, amount int64) (Budget, int64, error)
	// Consume adds amount, saturating at limit, and returns the part that did not fit.
	Consume(ctx context.Context, id string, amount int64) (Budget, int64, error)
	// Release subtracts amount, flooring at zero.
	Release(ctx context.Context, id string, amount int64) (Budget, error)
}

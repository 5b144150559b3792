package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatguard.org/internal/budget"
)

// Budgets is a budget.Store over the budgets table. Every mutation locks the
// row with select ... for update inside its own transaction.
type Budgets struct {
	s *Store
}

var _ budget.Store = (*Budgets)(nil)

// Budgets returns the budget store sharing s's connection pool.
func (s *Store) Budgets() *Budgets { return &Budgets{s: s} }

const budgetColumns = `id, tenant_id, scope, owner_id, kind, limit_amount, used, reset_policy, period_start`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBudget(row rowScanner) (budget.Budget, error) {
	var (
		b            budget.Budget
		scope, reset string
		start        sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.TenantID, &scope, &b.OwnerID, &b.Kind, &b.Limit, &b.Used, &reset, &start); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return budget.Budget{}, budget.ErrNotFound
		}
		return budget.Budget{}, err
	}
	b.Scope = budget.Scope(scope)
	b.ResetPolicy = budget.ResetPolicy(reset)
	if start.Valid {
		b.PeriodStart = start.Time.UTC()
	}
	return b, nil
}

func periodStart(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (b *Budgets) Create(ctx context.Context, in budget.Budget) (budget.Budget, error) {
	if b.s.db == nil {
		return budget.Budget{}, errNoDB
	}
	in, err := in.Validate()
	if err != nil {
		return budget.Budget{}, err
	}
	_, err = b.s.db.ExecContext(ctx, `
		insert into budgets (`+budgetColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, in.ID, in.TenantID, string(in.Scope), in.OwnerID, in.Kind, in.Limit, in.Used, string(in.ResetPolicy), periodStart(in.PeriodStart))
	if err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return budget.Budget{}, budget.ErrInvalidBudget
		}
		return budget.Budget{}, err
	}
	return in, nil
}

func (b *Budgets) Get(ctx context.Context, id string) (budget.Budget, error) {
	return b.mutate(ctx, id, func(*budget.Budget) error { return nil })
}

func (b *Budgets) FindBudget(ctx context.Context, tenantID string, scope budget.Scope, ownerID, kind string) (budget.Budget, error) {
	if b.s.db == nil {
		return budget.Budget{}, errNoDB
	}
	found, err := scanBudget(b.s.db.QueryRowContext(ctx, `
		select `+budgetColumns+`
		from budgets
		where tenant_id = $1 and scope = $2 and owner_id = $3 and kind = $4
	`, tenantID, string(scope), ownerID, kind))
	if err != nil {
		return budget.Budget{}, err
	}
	found.Rollover(b.s.now())
	return found, nil
}

func (b *Budgets) Increment(ctx context.Context, id string, amount int64) (budget.Budget, error) {
	if amount <= 0 {
		return budget.Budget{}, budget.ErrInvalidAmount
	}
	return b.mutate(ctx, id, func(cur *budget.Budget) error { return cur.Reserve(amount) })
}

func (b *Budgets) Hold(ctx context.Context, id string, amount int64) (budget.Budget, int64, error) {
	if amount <= 0 {
		return budget.Budget{}, 0, budget.ErrInvalidAmount
	}
	var held int64
	out, err := b.mutate(ctx, id, func(cur *budget.Budget) error {
		var err error
		held, err = cur.Hold(amount)
		return err
	})
	return out, held, err
}

func (b *Budgets) Consume(ctx context.Context, id string, amount int64) (budget.Budget, int64, error) {
	if amount <= 0 {
		return budget.Budget{}, 0, budget.ErrInvalidAmount
	}
	var overrun int64
	out, err := b.mutate(ctx, id, func(cur *budget.Budget) error {
		overrun = cur.Absorb(amount)
		return nil
	})
	return out, overrun, err
}

func (b *Budgets) Release(ctx context.Context, id string, amount int64) (budget.Budget, error) {
	if amount <= 0 {
		return budget.Budget{}, budget.ErrInvalidAmount
	}
	return b.mutate(ctx, id, func(cur *budget.Budget) error {
		cur.Refund(amount)
		return nil
	})
}

// mutate locks the budget row, applies the lazy period reset and fn, and writes
// the result back when anything changed. fn must leave the budget untouched when
// it fails; the reset is still kept.
func (b *Budgets) mutate(ctx context.Context, id string, fn func(*budget.Budget) error) (budget.Budget, error) {
	if b.s.db == nil {
		return budget.Budget{}, errNoDB
	}
	tx, err := b.s.db.BeginTx(ctx, nil)
	if err != nil {
		return budget.Budget{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanBudget(tx.QueryRowContext(ctx, `
		select `+budgetColumns+`
		from budgets
		where id = $1
		for update
	`, id))
	if err != nil {
		return budget.Budget{}, err
	}
	before := cur
	cur.Rollover(b.s.now())
	fnErr := fn(&cur)
	if cur.Used != before.Used || !cur.PeriodStart.Equal(before.PeriodStart) {
		if _, err := tx.ExecContext(ctx, `
			update budgets set used = $2, period_start = $3 where id = $1
		`, cur.ID, cur.Used, periodStart(cur.PeriodStart)); err != nil {
			return budget.Budget{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return budget.Budget{}, err
	}
	return cur, fnErr
}

package budget

import (
	"context"
	"errors"
	"testing"
)

func setupGuard(t *testing.T, tenantLimit, userLimit int64) (*Guard, *MemoryStore, Budget, Budget) {
	t.Helper()
	s := NewMemoryStore()
	var tb, ub Budget
	if tenantLimit >= 0 {
		tb = mustCreate(t, s, Budget{TenantID: "t1", Scope: ScopeTenant, OwnerID: "t1", Kind: KindTokens, Limit: tenantLimit})
	}
	if userLimit >= 0 {
		ub = mustCreate(t, s, Budget{TenantID: "t1", Scope: ScopeUser, OwnerID: "u1", Kind: KindTokens, Limit: userLimit})
	}
	return NewGuard(s), s, tb, ub
}

func used(t *testing.T, s Store, id string) int64 {
	t.Helper()
	b, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return b.Used
}

func TestAdmitReservesBoth(t *testing.T) {
	g, s, tb, ub := setupGuard(t, 1000, 500)
	ctx := context.Background()
	adm, err := g.Admit(ctx, "t1", "u1", KindTokens, 100)
	if err != nil {
		t.Fatal(err)
	}
	if used(t, s, tb.ID) != 100 || used(t, s, ub.ID) != 100 {
		t.Fatalf("reservation not applied")
	}
	if err := adm.Settle(ctx, 40); err != nil {
		t.Fatal(err)
	}
	if used(t, s, tb.ID) != 40 || used(t, s, ub.ID) != 40 {
		t.Fatalf("settle should adjust to actual cost: tenant=%d user=%d", used(t, s, tb.ID), used(t, s, ub.ID))
	}
	if err := adm.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if used(t, s, tb.ID) != 40 {
		t.Fatalf("release after settle must be a no-op")
	}
}

func TestAdmitReleasesTenantWhenUserRefuses(t *testing.T) {
	g, s, tb, ub := setupGuard(t, 1000, 50)
	ctx := context.Background()
	if _, err := s.Increment(ctx, ub.ID, 50); err != nil {
		t.Fatal(err)
	}
	_, err := g.Admit(ctx, "t1", "u1", KindTokens, 100)
	if !errors.Is(err, ErrExceeded) {
		t.Fatalf("expected ErrExceeded, got %v", err)
	}
	if used(t, s, tb.ID) != 0 || used(t, s, ub.ID) != 50 {
		t.Fatalf("failed admission left consumption behind")
	}
}

func TestAdmitHoldsWhatRemains(t *testing.T) {
	g, s, tb, ub := setupGuard(t, 1000, 50)
	ctx := context.Background()
	if _, err := s.Increment(ctx, tb.ID, 950); err != nil {
		t.Fatal(err)
	}
	if exceeded, _ := g.IsExceeded(ctx, tb.ID); exceeded {
		t.Fatalf("950/1000 is not exceeded")
	}
	adm, err := g.Admit(ctx, "t1", "u1", KindTokens, 100)
	if err != nil {
		t.Fatalf("budget with room below the estimate should admit: %v", err)
	}
	got := adm.Reserved()
	if got[ScopeTenant] != 50 || got[ScopeUser] != 50 {
		t.Fatalf("reserved = %v, want 50 on both", got)
	}
	if used(t, s, tb.ID) != 1000 || used(t, s, ub.ID) != 50 {
		t.Fatalf("hold not applied: tenant=%d user=%d", used(t, s, tb.ID), used(t, s, ub.ID))
	}
	if err := adm.Settle(ctx, 30); err != nil {
		t.Fatal(err)
	}
	if used(t, s, tb.ID) != 980 || used(t, s, ub.ID) != 30 {
		t.Fatalf("settle: tenant=%d user=%d", used(t, s, tb.ID), used(t, s, ub.ID))
	}
}

func TestAdmitTenantExhausted(t *testing.T) {
	g, s, tb, ub := setupGuard(t, 100, 1000)
	ctx := context.Background()
	if _, err := s.Increment(ctx, tb.ID, 100); err != nil {
		t.Fatal(err)
	}
	if exceeded, _ := g.IsExceeded(ctx, tb.ID); !exceeded {
		t.Fatalf("tenant budget should be exceeded")
	}
	if _, err := g.Admit(ctx, "t1", "u1", KindTokens, 1); !errors.Is(err, ErrExceeded) {
		t.Fatalf("expected ErrExceeded, got %v", err)
	}
	if used(t, s, ub.ID) != 0 {
		t.Fatalf("user budget touched although tenant refused")
	}
}

func TestAdmitWithoutBudgetsIsUnlimited(t *testing.T) {
	g, _, _, _ := setupGuard(t, -1, -1)
	adm, err := g.Admit(context.Background(), "t1", "u1", KindTokens, 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(adm.Reserved()) != 0 {
		t.Fatalf("nothing should be reserved")
	}
	if _, ok, _ := g.FindBudget(context.Background(), "t1", ScopeTenant, "t1", KindTokens); ok {
		t.Fatalf("no budget expected")
	}
}

func TestSettleClampsOverrun(t *testing.T) {
	g, s, tb, _ := setupGuard(t, 150, -1)
	ctx := context.Background()
	adm, err := g.Admit(ctx, "t1", "u1", KindTokens, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := adm.Settle(ctx, 400); err != nil {
		t.Fatal(err)
	}
	if got := used(t, s, tb.ID); got != 150 {
		t.Fatalf("used = %d, want clamp at 150", got)
	}
}

func TestAdmissionRelease(t *testing.T) {
	g, s, tb, ub := setupGuard(t, 1000, 1000)
	ctx := context.Background()
	adm, _ := g.Admit(ctx, "t1", "u1", KindTokens, 0)
	if used(t, s, tb.ID) != DefaultEstimate {
		t.Fatalf("zero estimate should reserve the default")
	}
	if err := adm.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if used(t, s, tb.ID) != 0 || used(t, s, ub.ID) != 0 {
		t.Fatalf("release should return reservations")
	}
}

package budget

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chatguard.org/internal/ids"
)

// redisStoreForTest runs against CHATGUARD_TEST_REDIS_URL when set and against
// an in-process miniredis otherwise.
func redisStoreForTest(t *testing.T) *RedisStore {
	t.Helper()
	var s *RedisStore
	if url := os.Getenv("CHATGUARD_TEST_REDIS_URL"); url != "" {
		var err error
		s, err = NewRedisStore(url)
		if err != nil {
			t.Fatal(err)
		}
	} else {
		mr := miniredis.RunT(t)
		s = NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2}))
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("redis unavailable: %v", err)
	}
	return s
}

func TestRedisIncrementIsAtomic(t *testing.T) {
	s := redisStoreForTest(t)
	ctx := context.Background()
	tenant := ids.WithPrefix("t")
	b := mustCreate(t, s, Budget{TenantID: tenant, Scope: ScopeTenant, OwnerID: tenant, Kind: KindTokens, Limit: 100})

	var (
		wg sync.WaitGroup
		ok atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Increment(ctx, b.ID, 3); err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 33 {
		t.Fatalf("successes = %d, want 33", ok.Load())
	}
	found, err := s.FindBudget(ctx, tenant, ScopeTenant, tenant, KindTokens)
	if err != nil {
		t.Fatal(err)
	}
	if found.Used != 99 {
		t.Fatalf("used = %d, want 99", found.Used)
	}
}

func TestRedisHoldCapsAtRemaining(t *testing.T) {
	s := redisStoreForTest(t)
	ctx := context.Background()
	tenant := ids.WithPrefix("t")
	b := mustCreate(t, s, Budget{TenantID: tenant, Scope: ScopeTenant, OwnerID: tenant, Kind: KindTokens, Limit: 1000, Used: 950})

	got, held, err := s.Hold(ctx, b.ID, 100)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if held != 50 || got.Used != 1000 {
		t.Fatalf("held=%d used=%d, want 50 and 1000", held, got.Used)
	}
	got, held, err = s.Hold(ctx, b.ID, 1)
	if !errors.Is(err, ErrExceeded) {
		t.Fatalf("expected ErrExceeded, got %v", err)
	}
	if held != 0 || got.Used != 1000 {
		t.Fatalf("refused hold changed state: held=%d used=%d", held, got.Used)
	}
}

func TestRedisConsumeAndRelease(t *testing.T) {
	s := redisStoreForTest(t)
	ctx := context.Background()
	user := ids.WithPrefix("u")
	b := mustCreate(t, s, Budget{TenantID: "t1", Scope: ScopeUser, OwnerID: user, Kind: KindTokens, Limit: 100, Used: 90})

	got, overrun, err := s.Consume(ctx, b.ID, 25)
	if err != nil {
		t.Fatal(err)
	}
	if got.Used != 100 || overrun != 15 {
		t.Fatalf("used=%d overrun=%d", got.Used, overrun)
	}
	got, err = s.Release(ctx, b.ID, 500)
	if err != nil {
		t.Fatal(err)
	}
	if got.Used != 0 {
		t.Fatalf("release should floor at zero, got %d", got.Used)
	}
	if _, _, err := s.Consume(ctx, b.ID, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRedisDailyReset(t *testing.T) {
	s := redisStoreForTest(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return day1 }
	tenant := ids.WithPrefix("t")
	b := mustCreate(t, s, Budget{
		TenantID: tenant, Scope: ScopeTenant, OwnerID: tenant, Kind: KindTokens,
		Limit: 10, Used: 10, ResetPolicy: ResetDaily, PeriodStart: PeriodStart(ResetDaily, day1),
	})
	if _, err := s.Increment(ctx, b.ID, 1); !errors.Is(err, ErrExceeded) {
		t.Fatalf("expected ErrExceeded on day 1, got %v", err)
	}
	s.now = func() time.Time { return day1.Add(2 * time.Hour) }
	got, err := s.Increment(ctx, b.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Used != 1 || !got.PeriodStart.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected budget after reset: %+v", got)
	}
	reread, err := s.Get(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reread.Used != 1 {
		t.Fatalf("reset not persisted: used=%d", reread.Used)
	}
}

func TestRedisCreateRejectsDuplicateOwner(t *testing.T) {
	s := redisStoreForTest(t)
	ctx := context.Background()
	tenant := ids.WithPrefix("t")
	first := mustCreate(t, s, Budget{TenantID: tenant, Scope: ScopeTenant, OwnerID: tenant, Kind: KindTokens, Limit: 10})

	_, err := s.Create(ctx, Budget{TenantID: tenant, Scope: ScopeTenant, OwnerID: tenant, Kind: KindTokens, Limit: 99})
	if !errors.Is(err, ErrInvalidBudget) {
		t.Fatalf("expected ErrInvalidBudget, got %v", err)
	}
	found, err := s.FindBudget(ctx, tenant, ScopeTenant, tenant, KindTokens)
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != first.ID || found.Limit != 10 {
		t.Fatalf("owner index moved to %+v", found)
	}
}

func TestRedisMissingBudget(t *testing.T) {
	s := redisStoreForTest(t)
	ctx := context.Background()
	if _, err := s.Get(ctx, "bgt_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Hold(ctx, "bgt_missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.FindBudget(ctx, "t-none", ScopeUser, "u-none", KindTokens); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

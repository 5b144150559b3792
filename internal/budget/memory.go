package budget

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	mu sync.Mutex
	b  Budget
}

// MemoryStore keeps budgets in process. Each budget has its own lock so unrelated
// budgets never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	byOwner map[string]string
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*entry),
		byOwner: make(map[string]string),
		now:     time.Now,
	}
}

func ownerKey(tenantID string, scope Scope, ownerID, kind string) string {
	return tenantID + "\x00" + string(scope) + "\x00" + ownerID + "\x00" + kind
}

func (s *MemoryStore) Create(_ context.Context, b Budget) (Budget, error) {
	b, err := b.Validate()
	if err != nil {
		return Budget{}, err
	}
	key := ownerKey(b.TenantID, b.Scope, b.OwnerID, b.Kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[b.ID]; dup {
		return Budget{}, ErrInvalidBudget
	}
	if _, dup := s.byOwner[key]; dup {
		return Budget{}, ErrInvalidBudget
	}
	s.byID[b.ID] = &entry{b: b}
	s.byOwner[key] = b.ID
	return b, nil
}

func (s *MemoryStore) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Budget, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Budget{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Rollover(s.now())
	return e.b, nil
}

func (s *MemoryStore) FindBudget(ctx context.Context, tenantID string, scope Scope, ownerID, kind string) (Budget, error) {
	s.mu.RLock()
	id, ok := s.byOwner[ownerKey(tenantID, scope, ownerID, kind)]
	s.mu.RUnlock()
	if !ok {
		return Budget{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Increment(_ context.Context, id string, amount int64) (Budget, error) {
	if amount <= 0 {
		return Budget{}, ErrInvalidAmount
	}
	e, err := s.lookup(id)
	if err != nil {
		return Budget{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Rollover(s.now())
	if err := e.b.Reserve(amount); err != nil {
		return e.b, err
	}
	return e.b, nil
}

func (s *MemoryStore) Hold(_ context.Context, id string, amount int64) (Budget, int64, error) {
	if amount <= 0 {
		return Budget{}, 0, ErrInvalidAmount
	}
	e, err := s.lookup(id)
	if err != nil {
		return Budget{}, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Rollover(s.now())
	held, err := e.b.Hold(amount)
	return e.b, held, err
}

func (s *MemoryStore) Consume(_ context.Context, id string, amount int64) (Budget, int64, error) {
	if amount <= 0 {
		return Budget{}, 0, ErrInvalidAmount
	}
	e, err := s.lookup(id)
	if err != nil {
		return Budget{}, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Rollover(s.now())
	overrun := e.b.Absorb(amount)
	return e.b, overrun, nil
}

func (s *MemoryStore) Release(_ context.Context, id string, amount int64) (Budget, error) {
	if amount <= 0 {
		return Budget{}, ErrInvalidAmount
	}
	e, err := s.lookup(id)
	if err != nil {
		return Budget{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Rollover(s.now())
	e.b.Refund(amount)
	return e.b, nil
}

package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "chatguard:budget:"

// Each script takes KEYS[1] = budget hash, ARGV[1] = amount, ARGV[2] = current
// period start (unix seconds, 0 when the budget never resets). It returns
// {status, used, limit, extra}. status 0 = ok, 1 = exceeded, 2 = missing.
const rolloverLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return {2, 0, 0, 0} end
local used = tonumber(redis.call('HGET', KEYS[1], 'used'))
local limit = tonumber(redis.call('HGET', KEYS[1], 'limit'))
local period = tonumber(ARGV[2])
if period > 0 and tonumber(redis.call('HGET', KEYS[1], 'period_start')) < period then
  used = 0
  redis.call('HSET', KEYS[1], 'used', 0, 'period_start', period)
end
local amount = tonumber(ARGV[1])
`

var (
	incrementScript = redis.NewScript(rolloverLua + `
if used + amount > limit then return {1, used, limit, 0} end
used = redis.call('HINCRBY', KEYS[1], 'used', amount)
return {0, used, limit, 0}
`)
	holdScript = redis.NewScript(rolloverLua + `
if used >= limit then return {1, used, limit, 0} end
if amount > limit - used then amount = limit - used end
used = redis.call('HINCRBY', KEYS[1], 'used', amount)
return {0, used, limit, amount}
`)
	consumeScript = redis.NewScript(rolloverLua + `
local fit = limit - used
if fit < 0 then fit = 0 end
local overrun = 0
if amount > fit then
  overrun = amount - fit
  amount = fit
end
used = redis.call('HINCRBY', KEYS[1], 'used', amount)
return {0, used, limit, overrun}
`)
	releaseScript = redis.NewScript(rolloverLua + `
used = used - amount
if used < 0 then used = 0 end
redis.call('HSET', KEYS[1], 'used', used)
return {0, used, limit, 0}
`)
	getScript = redis.NewScript(rolloverLua + `
return {0, used, limit, 0}
`)
)

// createScript takes KEYS[1] = budget hash, KEYS[2] = owner index, ARGV[1] = id
// and the hash fields as name/value pairs after it. It returns 0 when either key
// is already taken.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

// RedisStore keeps budgets in Redis hashes and mutates them with Lua scripts, so
// every check-and-increment runs atomically on the server.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(redis.NewClient(opt)), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func budgetKey(id string) string { return redisPrefix + id }

func indexKey(tenantID string, scope Scope, ownerID, kind string) string {
	return fmt.Sprintf("%sidx:%s:%s:%s:%s", redisPrefix, tenantID, scope, ownerID, kind)
}

func (s *RedisStore) Create(ctx context.Context, b Budget) (Budget, error) {
	b, err := b.Validate()
	if err != nil {
		return Budget{}, err
	}
	keys := []string{budgetKey(b.ID), indexKey(b.TenantID, b.Scope, b.OwnerID, b.Kind)}
	created, err := createScript.Run(ctx, s.client, keys,
		b.ID,
		"tenant", b.TenantID,
		"scope", string(b.Scope),
		"owner", b.OwnerID,
		"kind", b.Kind,
		"limit", b.Limit,
		"used", b.Used,
		"reset", string(b.ResetPolicy),
		"period_start", periodUnix(b.PeriodStart),
	).Int()
	if err != nil {
		return Budget{}, fmt.Errorf("create budget: %w", err)
	}
	if created == 0 {
		return Budget{}, ErrInvalidBudget
	}
	return b, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Budget, error) {
	b, err := s.load(ctx, id)
	if err != nil {
		return Budget{}, err
	}
	b, _, err = s.run(ctx, getScript, b, 0)
	return b, err
}

func (s *RedisStore) FindBudget(ctx context.Context, tenantID string, scope Scope, ownerID, kind string) (Budget, error) {
	id, err := s.client.Get(ctx, indexKey(tenantID, scope, ownerID, kind)).Result()
	if errors.Is(err, redis.Nil) {
		return Budget{}, ErrNotFound
	}
	if err != nil {
		return Budget{}, err
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Increment(ctx context.Context, id string, amount int64) (Budget, error) {
	if amount <= 0 {
		return Budget{}, ErrInvalidAmount
	}
	b, err := s.load(ctx, id)
	if err != nil {
		return Budget{}, err
	}
	b, _, err = s.run(ctx, incrementScript, b, amount)
	return b, err
}

func (s *RedisStore) Hold(ctx context.Context, id string, amount int64) (Budget, int64, error) {
	if amount <= 0 {
		return Budget{}, 0, ErrInvalidAmount
	}
	b, err := s.load(ctx, id)
	if err != nil {
		return Budget{}, 0, err
	}
	return s.run(ctx, holdScript, b, amount)
}

func (s *RedisStore) Consume(ctx context.Context, id string, amount int64) (Budget, int64, error) {
	if amount <= 0 {
		return Budget{}, 0, ErrInvalidAmount
	}
	b, err := s.load(ctx, id)
	if err != nil {
		return Budget{}, 0, err
	}
	return s.run(ctx, consumeScript, b, amount)
}

func (s *RedisStore) Release(ctx context.Context, id string, amount int64) (Budget, error) {
	if amount <= 0 {
		return Budget{}, ErrInvalidAmount
	}
	b, err := s.load(ctx, id)
	if err != nil {
		return Budget{}, err
	}
	b, _, err = s.run(ctx, releaseScript, b, amount)
	return b, err
}

// load reads the static fields of a budget. Used and Limit are refreshed by run.
func (s *RedisStore) load(ctx context.Context, id string) (Budget, error) {
	vals, err := s.client.HGetAll(ctx, budgetKey(id)).Result()
	if err != nil {
		return Budget{}, err
	}
	if len(vals) == 0 {
		return Budget{}, ErrNotFound
	}
	b := Budget{
		ID:          id,
		TenantID:    vals["tenant"],
		Scope:       Scope(vals["scope"]),
		OwnerID:     vals["owner"],
		Kind:        vals["kind"],
		ResetPolicy: ResetPolicy(vals["reset"]),
	}
	b.Limit, _ = strconv.ParseInt(vals["limit"], 10, 64)
	b.Used, _ = strconv.ParseInt(vals["used"], 10, 64)
	if ps, _ := strconv.ParseInt(vals["period_start"], 10, 64); ps > 0 {
		b.PeriodStart = time.Unix(ps, 0).UTC()
	}
	return b, nil
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, b Budget, amount int64) (Budget, int64, error) {
	period := PeriodStart(b.ResetPolicy, s.now())
	res, err := script.Run(ctx, s.client, []string{budgetKey(b.ID)}, amount, periodUnix(period)).Int64Slice()
	if err != nil {
		return Budget{}, 0, fmt.Errorf("budget script: %w", err)
	}
	if len(res) != 4 {
		return Budget{}, 0, fmt.Errorf("budget script: unexpected reply %v", res)
	}
	if !period.IsZero() && b.PeriodStart.Before(period) {
		b.PeriodStart = period
	}
	b.Used, b.Limit = res[1], res[2]
	switch res[0] {
	case 1:
		return b, 0, ErrExceeded
	case 2:
		return Budget{}, 0, ErrNotFound
	}
	return b, res[3], nil
}

func periodUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

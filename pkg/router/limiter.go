package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimit bounds how fast a single sender may publish.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// DefaultRateLimit applies when the node config does not override it.
var DefaultRateLimit = RateLimit{PerSecond: 100, Burst: 200}

// normalized fills unusable fields: a zero burst would deny every publish.
func (l RateLimit) normalized() RateLimit {
	if l.PerSecond <= 0 {
		l.PerSecond = 1
	}
	if l.Burst <= 0 {
		l.Burst = int(l.PerSecond)
		if l.Burst < 1 {
			l.Burst = 1
		}
	}
	return l
}

// LimiterStore abstracts the token bucket storage so a node can run
// standalone (in memory) or share budgets across nodes (Redis).
type LimiterStore interface {
	Allow(ctx context.Context, actor string, lim RateLimit, cost int) (bool, error)
}

// MemoryLimiterStore keeps one token bucket per sender in process.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryLimiterStore) Allow(ctx context.Context, actor string, lim RateLimit, cost int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	lim = lim.normalized()
	s.mu.Lock()
	lb, ok := s.buckets[actor]
	if !ok {
		lb = rate.NewLimiter(rate.Limit(lim.PerSecond), lim.Burst)
		s.buckets[actor] = lb
	}
	s.mu.Unlock()
	return lb.AllowN(time.Now(), cost), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore shares token buckets across fabric nodes.
type RedisLimiterStore struct {
	client *redis.Client
}

func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	return &RedisLimiterStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, actor string, lim RateLimit, cost int) (bool, error) {
	lim = lim.normalized()
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client,
		[]string{"limiter:" + actor}, lim.PerSecond, lim.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script reply %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

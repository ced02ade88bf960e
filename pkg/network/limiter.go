package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy bounds a per-Pack token bucket.
type Policy struct {
	RequestsPerMinute int
	Burst             int
}

// Limiter rate-limits egress requests per Pack.
type Limiter interface {
	Allow(ctx context.Context, packID string, policy Policy) (bool, error)
}

// redisTokenBucketScript mirrors the teacher's Lua token-bucket atomic
// refill+consume, keyed per Pack instead of per actor.
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
    local added = elapsed * rate
    tokens = tokens + added
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

// RedisLimiter rate-limits egress requests using a distributed Redis
// token bucket, so the limit is shared across multiple kernel
// processes fronting the same Pack.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter connects to addr.
func NewRedisLimiter(addr string) *RedisLimiter {
	return &RedisLimiter{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Allow consumes one token from the pack's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, packID string, policy Policy) (bool, error) {
	key := fmt.Sprintf("rumi:egress_limit:%s", packID)
	rate := float64(policy.RequestsPerMinute) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, rate, policy.Burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("network: redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("network: unexpected redis limiter response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// InProcessLimiter is a single-process fallback token bucket, used when
// no Redis address is configured (spec does not require distributed
// limiting; this preserves correct single-node behavior without it).
type InProcessLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewInProcessLimiter creates a limiter with no external dependency.
func NewInProcessLimiter() *InProcessLimiter {
	return &InProcessLimiter{buckets: make(map[string]*bucket)}
}

// Allow consumes one token from the pack's in-memory bucket.
func (l *InProcessLimiter) Allow(ctx context.Context, packID string, policy Policy) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[packID]
	if !ok {
		b = &bucket{tokens: float64(policy.Burst), lastRefill: now}
		l.buckets[packID] = b
	}

	rate := float64(policy.RequestsPerMinute) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > float64(policy.Burst) {
			b.tokens = float64(policy.Burst)
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

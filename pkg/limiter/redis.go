package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket update atomically in Redis so several
// captcha instances share one view of an IP's budget.
// KEYS[1] = bucket key, ARGV = rate, capacity, cost, now (unix seconds).
var tokenBucketScript = redis.NewScript(`
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
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisLimiter enforces the same per-group policies as Limiter but with
// shared state, for deployments running more than one instance.
type RedisLimiter struct {
	client   *redis.Client
	policies map[RouteGroup]Policy
}

// NewRedisLimiter connects to Redis at addr. nil policies means defaults.
func NewRedisLimiter(addr, password string, db int, policies map[RouteGroup]Policy) *RedisLimiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &RedisLimiter{
		client:   redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		policies: policies,
	}
}

// Allow consumes one token from the shared bucket. Redis errors fail open:
// a limiter outage must not take the whole service down with it.
func (r *RedisLimiter) Allow(ctx context.Context, group RouteGroup, ip string) (Decision, error) {
	policy, ok := r.policies[group]
	if !ok {
		policy = Policy{RPS: 1, Burst: 5}
	}
	key := fmt.Sprintf("captcha:limit:%s:%s", group, ip)
	res, err := tokenBucketScript.Run(ctx, r.client, []string{key},
		policy.RPS, policy.Burst, 1, time.Now().Unix()).Int()
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("redis limiter: %w", err)
	}
	if res != 1 {
		retry := time.Duration(float64(time.Second) / policy.RPS)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	return Decision{Allowed: true}, nil
}

// Close releases the client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

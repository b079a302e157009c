package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for an atomic token-bucket check-and-decrement. A single EVAL
// is atomic in Redis, which removes the GET → check → SET race that lets
// concurrent workers silently exceed the configured rate.
//
// KEYS[1] bucket key, ARGV[1] rate per minute (= capacity), ARGV[2] now in
// milliseconds. Returns {allowed, wait_ms}.
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local tokens = rate
local last = now
local bucket = redis.call('GET', key)
if bucket then
    local data = cjson.decode(bucket)
    tokens = data.t
    last = data.l
end

-- Continuous refill at rate/60 tokens per second, capped at capacity
local elapsed = now - last
if elapsed > 0 then
    tokens = math.min(rate, tokens + elapsed * rate / 60000)
end

if tokens >= 1 then
    tokens = tokens - 1
    redis.call('SET', key, cjson.encode({t=tokens, l=now}), 'EX', 120)
    return {1, 0}
end

redis.call('SET', key, cjson.encode({t=tokens, l=now}), 'EX', 120)
local wait = math.ceil((1 - tokens) * 60000 / rate)
return {0, wait}
`

// RedisLimiter is the distributed token bucket. One instance per campaign;
// the bucket key is shared by every worker process of that campaign.
type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
	key    string
	rate   int
	lastWait
}

// NewRedisLimiter creates a limiter for one campaign at ratePerMinute.
func NewRedisLimiter(client *redis.Client, campaignID string, ratePerMinute int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		key:    fmt.Sprintf("ratelimit:campaign:%s", campaignID),
		rate:   ratePerMinute,
	}
}

// TryAcquire removes one token if available, otherwise returns the time
// until the next token.
func (r *RedisLimiter) TryAcquire(ctx context.Context) (Decision, error) {
	res, err := r.script.Run(ctx, r.client,
		[]string{r.key},
		r.rate,
		time.Now().UnixMilli(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	waitMs, _ := res[1].(int64)

	d := Decision{
		Allowed: allowed == 1,
		Wait:    time.Duration(waitMs) * time.Millisecond,
	}
	r.record(d)
	return d, nil
}

// Rate returns the configured messages-per-minute budget.
func (r *RedisLimiter) Rate() int { return r.rate }

// Reset drops the bucket state. Used when a campaign is torn down.
func (r *RedisLimiter) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

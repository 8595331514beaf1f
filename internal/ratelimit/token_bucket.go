package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket state lives in one hash per key. Refill is computed from the
// redis clock so replicas with skewed clocks agree. The script returns
// {allowed, remaining, wait_ms}; remaining is a string because redis
// truncates lua numbers to integers.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) / 1000 * rate)
end

local allowed = 0
local wait = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
else
  wait = math.ceil((cost - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens), wait}
`

var (
	ErrLimiterNotConfigured = errors.New("limiter_not_configured")
	ErrLimiterKeyEmpty      = errors.New("limiter_key_empty")
	ErrLimiterRateInvalid   = errors.New("limiter_rate_invalid")
	ErrLimiterBadReply      = errors.New("limiter_bad_reply")
)

// Limit is a refill rate in tokens per second and the bucket capacity.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// idleTTL lets an untouched bucket expire once it would have refilled twice.
func (l Limit) idleTTL() time.Duration {
	seconds := math.Ceil(float64(l.Burst) / l.Rate * 2)
	return time.Duration(math.Max(seconds, 1)) * time.Second
}

// TokenBucket is a redis-backed bucket shared by every replica.
type TokenBucket struct {
	client redis.UniversalClient
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client redis.UniversalClient) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Take removes cost tokens from the bucket at key. A denied take leaves the
// bucket untouched apart from refill and reports how long to wait.
func (t *TokenBucket) Take(ctx context.Context, key string, limit Limit, cost int) (*RateLimitResult, error) {
	denied := &RateLimitResult{Limit: limit.Burst}
	switch {
	case t == nil || t.client == nil:
		return denied, ErrLimiterNotConfigured
	case key == "":
		return denied, ErrLimiterKeyEmpty
	case !limit.valid() || cost <= 0 || cost > limit.Burst:
		return denied, ErrLimiterRateInvalid
	}

	reply, err := t.script.Run(ctx, t.client, []string{key},
		limit.Rate, limit.Burst, cost, limit.idleTTL().Milliseconds(),
	).Slice()
	if err != nil {
		return denied, err
	}
	if len(reply) != 3 {
		return denied, fmt.Errorf("%w: %d values", ErrLimiterBadReply, len(reply))
	}

	allowed, _ := reply[0].(int64)
	waitMs, _ := reply[2].(int64)
	remainingText, _ := reply[1].(string)
	remaining, err := strconv.ParseFloat(remainingText, 64)
	if err != nil {
		return denied, fmt.Errorf("%w: %w", ErrLimiterBadReply, err)
	}

	return &RateLimitResult{
		Allowed:    allowed == 1,
		Limit:      limit.Burst,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

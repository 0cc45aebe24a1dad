package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/svchub/gateway/internal/logging"
)

// slidingWindowScript implements a sliding window rate limiter using Redis
// sorted sets. Returns: [allowed (0/1), remaining, resetTimestampMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

-- Remove entries outside the window
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

-- Count current entries
local count = redis.call('ZCARD', key)

if count < limit then
    -- Add the current request
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    -- Rejected
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// RedisLimiter provides distributed sliding-window rate limiting so the
// ceiling holds across gateway instances sharing one Redis.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "gw:rl:"}
}

// Allow checks and counts one request for key. If Redis is unreachable
// the limiter fails open.
func (rl *RedisLimiter) Allow(ctx context.Context, key string, limit int, period time.Duration) (bool, int, time.Time) {
	if limit <= 0 {
		return true, -1, time.Time{}
	}
	if period <= 0 {
		period = time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	result, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rl.prefix + key},
		time.Now().UnixMilli(),
		period.Milliseconds(),
		limit,
	).Int64Slice()
	if err != nil || len(result) < 3 {
		logging.Warn("redis rate limit unavailable, failing open", zap.Error(err))
		return true, -1, time.Time{}
	}

	return result[0] == 1, int(result[1]), time.UnixMilli(result[2])
}

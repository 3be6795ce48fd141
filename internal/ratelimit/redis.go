package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sark-io/sark/internal/logging"
)

// slidingWindowScript implements a per-key sliding window using a
// Redis sorted set. Returns: [allowed (0/1), remaining, resetMillis]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// RedisWindow is a Redis-backed sliding window shared across gateway
// replicas. Budget checks fail open when Redis is unreachable.
type RedisWindow struct {
	client *redis.Client
	prefix string
	period time.Duration
}

// NewRedisWindow creates a Redis-backed keyed window.
func NewRedisWindow(client *redis.Client, prefix string, period time.Duration) *RedisWindow {
	if period <= 0 {
		period = time.Minute
	}
	if prefix == "" {
		prefix = "sark:rl:"
	}
	return &RedisWindow{client: client, prefix: prefix, period: period}
}

// Allow implements KeyedWindow.
func (rw *RedisWindow) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	now := time.Now()
	if limit <= 0 {
		return true, -1, now.Add(rw.period), nil
	}

	opCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	result, err := slidingWindowScript.Run(opCtx, rw.client,
		[]string{rw.prefix + key},
		now.UnixMilli(),
		rw.period.Milliseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		// Fail open: an unreachable Redis must not block invocations
		logging.Warn("redis budget check unavailable, failing open", zap.Error(err))
		return true, -1, now.Add(rw.period), nil
	}

	allowed := result[0] == 1
	remaining := int(result[1])
	reset := time.UnixMilli(result[2])
	return allowed, remaining, reset, nil
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/models"
)

// incrementScript applies the fixed-window increment atomically.
// KEYS[1] = counter key
// ARGV[1] = now (unix ms)
// ARGV[2] = window length (ms)
// ARGV[3] = limit (<= 0 is unbounded)
// Returns {allowed, count, window_start, expires_at}.
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "count", "window_start", "expires_at")
local count = tonumber(state[1])
local start = tonumber(state[2])
local expires = tonumber(state[3])

if not count or not start or not expires or expires <= now then
    count = 0
    start = now
    expires = now + window
end

if limit > 0 and count >= limit then
    return {0, count, start, expires}
end

count = count + 1
redis.call("HSET", key, "count", count, "window_start", start, "expires_at", expires)
redis.call("PEXPIREAT", key, expires)

return {1, count, start, expires}
`)

// releaseScript decrements a live counter that is above zero.
// KEYS[1] = counter key
// ARGV[1] = now (unix ms)
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])

local state = redis.call("HMGET", key, "count", "expires_at")
local count = tonumber(state[1])
local expires = tonumber(state[2])

if not count or not expires or expires <= now or count <= 0 then
    return 0
end

redis.call("HSET", key, "count", count - 1)
return 1
`)

// RedisStore implements CounterStore on Redis for deployments that share
// counters across many dispatch instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new store backed by Redis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit"}
}

func (s *RedisStore) key(scope models.ScopeType, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, scope, id)
}

// IncrementIfBelow runs the increment script.
func (s *RedisStore) IncrementIfBelow(ctx context.Context, scope models.ScopeType, id string, limit int, window time.Duration, now time.Time) (models.RateLimitCounter, bool, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.key(scope, id)},
		now.UnixMilli(), window.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return models.RateLimitCounter{}, false, apperror.Persistence(true, "redis rate limit error", err)
	}
	if len(res) != 4 {
		return models.RateLimitCounter{}, false, apperror.Persistence(false, "invalid response from lua script", nil)
	}

	return models.RateLimitCounter{
		ScopeType:   scope,
		ScopeID:     id,
		Count:       int(res[1]),
		WindowStart: time.UnixMilli(res[2]).UTC(),
		ExpiresAt:   time.UnixMilli(res[3]).UTC(),
	}, res[0] == 1, nil
}

// Release runs the release script.
func (s *RedisStore) Release(ctx context.Context, scope models.ScopeType, id string, now time.Time) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(scope, id)}, now.UnixMilli()).Err(); err != nil {
		return apperror.Persistence(true, "redis rate limit error", err)
	}
	return nil
}

// Peek reads the counter without changing it.
func (s *RedisStore) Peek(ctx context.Context, scope models.ScopeType, id string, now time.Time) (models.RateLimitCounter, error) {
	empty := models.RateLimitCounter{ScopeType: scope, ScopeID: id}

	vals, err := s.client.HMGet(ctx, s.key(scope, id), "count", "window_start", "expires_at").Result()
	if errors.Is(err, redis.Nil) {
		return empty, nil
	}
	if err != nil {
		return models.RateLimitCounter{}, apperror.Persistence(true, "redis rate limit error", err)
	}

	nums := make([]int64, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return empty, nil
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return empty, nil
		}
		nums[i] = n
	}
	if nums[2] <= now.UnixMilli() {
		return empty, nil
	}

	return models.RateLimitCounter{
		ScopeType:   scope,
		ScopeID:     id,
		Count:       int(nums[0]),
		WindowStart: time.UnixMilli(nums[1]).UTC(),
		ExpiresAt:   time.UnixMilli(nums[2]).UTC(),
	}, nil
}

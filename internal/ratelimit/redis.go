package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS: window keys.
// ARGV: now_ms, member, then limit and window_ms for each key.
// Returns: allowed, then count and reset_ms for each key.
var redisSlidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local n = #KEYS
local counts = {}
local allowed = 1
for i = 1, n do
  local limit = tonumber(ARGV[1 + i * 2])
  local window = tonumber(ARGV[2 + i * 2])
  redis.call("ZREMRANGEBYSCORE", KEYS[i], "-inf", now - window)
  local count = redis.call("ZCARD", KEYS[i])
  counts[i] = count
  if count >= limit then
    allowed = 0
  end
end
local out = {allowed}
for i = 1, n do
  local window = tonumber(ARGV[2 + i * 2])
  local count = counts[i]
  if allowed == 1 then
    redis.call("ZADD", KEYS[i], now, member)
    count = count + 1
  end
  local reset = now + window
  local oldest = redis.call("ZRANGE", KEYS[i], 0, 0, "WITHSCORES")
  if oldest[2] then
    reset = tonumber(oldest[2]) + window
  end
  if count > 0 then
    redis.call("PEXPIRE", KEYS[i], window)
  end
  table.insert(out, count)
  table.insert(out, reset)
end
return out
`)

// RedisLimiter implements a sliding-window limiter backed by Redis sorted sets.
type RedisLimiter struct {
	client redis.UniversalClient
}

// NewRedisLimiter constructs a RedisLimiter.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow evaluates all windows in one script call.
func (l *RedisLimiter) Allow(ctx context.Context, windows []Window, now time.Time) (bool, []Result, error) {
	if l == nil || l.client == nil {
		return false, nil, errors.New("rate limit redis: not initialized")
	}
	if len(windows) == 0 {
		return true, nil, nil
	}
	nowMs := now.UnixMilli()
	keys := make([]string, 0, len(windows))
	args := make([]interface{}, 0, 2+2*len(windows))
	args = append(args, nowMs, uuid.NewString())
	for _, w := range windows {
		keys = append(keys, w.Key)
		args = append(args, w.Limit, w.Length.Milliseconds())
	}

	res, errEval := redisSlidingWindowScript.Run(ctx, l.client, keys, args...).Result()
	if errEval != nil {
		return false, nil, errEval
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 1+2*len(windows) {
		return false, nil, fmt.Errorf("rate limit redis: unexpected response %T", res)
	}
	allowedRaw, errAllowed := toInt64(values[0])
	if errAllowed != nil {
		return false, nil, errAllowed
	}

	results := make([]Result, len(windows))
	for i, w := range windows {
		count, errCount := toInt64(values[1+2*i])
		if errCount != nil {
			return false, nil, errCount
		}
		resetMs, errReset := toInt64(values[2+2*i])
		if errReset != nil {
			return false, nil, errReset
		}
		remaining := w.Limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		results[i] = Result{
			Count:     int(count),
			Remaining: remaining,
			Reset:     time.UnixMilli(resetMs).UTC(),
		}
	}
	return allowedRaw == 1, results, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, errors.New("rate limit redis: unexpected response type")
	}
}

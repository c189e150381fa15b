package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/compresr/ai-bridge/internal/apierr"
)

// reserveScript prunes, evaluates both ceilings and records the entry in one
// atomic step. Scores are unix milliseconds; members are "<id>|<cost>".
//
// Returns {0, 0} when admitted, {1, retryMs} for the request ceiling and
// {2, retryMs} for the cost ceiling.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local maxReq = tonumber(ARGV[3])
local maxCost = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])
local member = ARGV[6]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local entries = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
local count = #entries / 2

if maxReq > 0 and count >= maxReq then
  local idx = (count - maxReq) * 2 + 2
  return {1, tonumber(entries[idx]) + window - now}
end

local function costOf(m)
  local sep = string.find(m, '|', 1, true)
  return tonumber(string.sub(m, sep + 1))
end

if maxCost > 0 then
  local total = 0
  for i = 1, #entries, 2 do
    total = total + costOf(entries[i])
  end
  if total + cost > maxCost then
    if cost > maxCost then
      return {2, window}
    end
    local freed = 0
    for i = 1, #entries, 2 do
      freed = freed + costOf(entries[i])
      if total - freed + cost <= maxCost then
        return {2, tonumber(entries[i + 1]) + window - now}
      end
    end
    return {2, window}
  end
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window * 2)
return {0, 0}
`)

// settleScript swaps an entry's member for one carrying the actual cost,
// keeping its score. A missing entry (already pruned) is left alone.
var settleScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
  return 1
end
return 0
`)

// RedisStore keeps windows in Redis sorted sets so replicas share budgets.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL (redis://host:port/db) and pings it.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

func member(id string, cost float64) string {
	return id + "|" + strconv.FormatFloat(cost, 'f', -1, 64)
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, id string, now time.Time, cost float64, lim Limits) (Verdict, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(),
		lim.Window.Milliseconds(),
		lim.MaxRequests,
		strconv.FormatFloat(lim.MaxCost, 'f', -1, 64),
		strconv.FormatFloat(cost, 'f', -1, 64),
		member(id, cost),
	).Result()
	if err != nil {
		return Verdict{}, fmt.Errorf("redis reserve for %s: %w", key, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Verdict{}, fmt.Errorf("redis reserve for %s: unexpected reply %v", key, res)
	}
	code, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)

	switch code {
	case 0:
		return Verdict{Allowed: true}, nil
	case 1:
		return Verdict{Reason: apierr.CodeRateLimited, RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
	default:
		return Verdict{Reason: apierr.CodeCostCeilingExceeded, RetryAfter: time.Duration(retryMs) * time.Millisecond}, nil
	}
}

// Settle implements Store.
func (s *RedisStore) Settle(ctx context.Context, key, id string, at time.Time, reserved, actual float64) error {
	err := settleScript.Run(ctx, s.client, []string{s.prefix + key},
		member(id, reserved),
		member(id, actual),
		at.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis settle for %s: %w", key, err)
	}
	return nil
}

package ratelimit

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted-set member per admitted attempt,
// scored by its timestamp in milliseconds.
// Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end
if count >= limit then
  return {0, count, oldestScore}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, count + 1, oldestScore}
`)

type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
	Now      func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewInMemory(window),
		Now:      time.Now,
	}
}

// Allow fails closed: with neither Redis nor a fallback the attempt is denied.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.Now().UTC()
	if l.Client == nil {
		return l.fallback(ctx, key, limit, now)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := slidingWindowScript.Run(ctx, l.Client, []string{l.Prefix + key},
		now.UnixMilli(), l.Window.Milliseconds(), limit, strconv.FormatInt(now.UnixMilli(), 10)+"-"+uuid.NewString(),
	).Slice()
	if err != nil || len(res) < 3 {
		log.Printf("ratelimit: redis unavailable, using fallback: %v", err)
		return l.fallback(ctx, key, limit, now)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldestMs, _ := res[2].(int64)
	remaining := limit - int(count)
	if remaining < 0 || allowed == 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed == 1,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(oldestMs).UTC().Add(l.Window),
	}
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int, now time.Time) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: false, Count: 0, Limit: limit, Remaining: 0, ResetAt: now.Add(l.Window)}
}

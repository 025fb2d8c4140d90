package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for an atomic check-and-increment on a one-second window.
// GET → check → INCR as separate commands would race between replicas.
const windowLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// RedisWindow enforces the per-second ceiling across replicas. Every
// replica increments the same time-bucketed counter, so the combined
// outbound rate stays under the gateway's limit.
type RedisWindow struct {
	client    *redis.Client
	perSecond int
	script    *redis.Script
	prefix    string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRedisWindow creates a Redis-backed limiter with a pre-compiled script.
func NewRedisWindow(client *redis.Client, perSecond int) *RedisWindow {
	return &RedisWindow{
		client:    client,
		perSecond: perSecond,
		script:    redis.NewScript(windowLuaScript),
		prefix:    "sms:ratelimit",
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Reserve takes n tokens from the shared per-second window, parking until
// the next window whenever the current one is full.
func (r *RedisWindow) Reserve(ctx context.Context, n int) error {
	if r.perSecond <= 0 {
		return nil
	}

	remaining := n
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := r.now()
		key := fmt.Sprintf("%s:sec:%d", r.prefix, now.Unix())
		take := remaining
		if take > r.perSecond {
			take = r.perSecond
		}

		res, err := r.script.Run(ctx, r.client, []string{key}, take, r.perSecond, 2).Slice()
		if err != nil {
			return fmt.Errorf("rate limit check: %w", err)
		}
		if allowed, ok := res[0].(int64); ok && allowed == 1 {
			remaining -= take
			continue
		}

		// Window full; park until the next second starts.
		wait := now.Truncate(time.Second).Add(time.Second).Sub(now)
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript checks and bumps a window counter atomically.
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
// ARGV[2] = max calls per window
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[2]) then
    return 0
end
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 1
`)

// RedisLimiter implements Limiter with a Lua-scripted counter shared across replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter creates a limiter over client.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "paygate:rl:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, max int) (bool, error) {
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, Window.Milliseconds(), max).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return res == 1, nil
}

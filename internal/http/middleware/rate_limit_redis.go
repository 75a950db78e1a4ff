package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and starts its expiry on
// the first hit. It returns the count and the remaining window in ms.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares a fixed window budget across every instance. The burst
// fields of the policy are ignored.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "chat_auth_rl"
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, policy.SustainedWindow.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	resetAt := l.now().Add(ttl)
	if count > int64(policy.SustainedLimit) {
		return Decision{Allowed: false, RetryAfter: ttl, ResetAt: resetAt, Reason: "window"}, nil
	}
	return Decision{Allowed: true, Remaining: policy.SustainedLimit - int(count), ResetAt: resetAt}, nil
}

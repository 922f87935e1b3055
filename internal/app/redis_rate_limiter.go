package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshRateLimitScope is the limiter scope of owner-initiated status refreshes.
const RefreshRateLimitScope = "order_refresh"

const defaultRateLimitPrefix = "minisend:rate_limit"

// incrWindowScript bumps a counter and (re)arms its expiry when the key has none.
// Returns {count, remaining_ms}.
var incrWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Limit is a fixed-window budget.
type Limit struct {
	Requests int
	Window   time.Duration
}

// PerMinute returns a budget of n requests per minute.
func PerMinute(n int) Limit { return Limit{Requests: n, Window: time.Minute} }

func (l Limit) disabled() bool { return l.Requests <= 0 || l.Window <= 0 }

// RateDecision is the result of one limiter call.
type RateDecision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (d RateDecision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// RateLimiter decides whether subject may make another call within scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit Limit) (RateDecision, error)
}

// RedisRateLimiter shares fixed-window counters across instances through Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) key(scope, subject string) string {
	return r.prefix + ":" + scope + ":" + subject
}

// Allow counts the call. A nil client, a disabled limit or an empty subject always
// allows.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, limit Limit) (RateDecision, error) {
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit.disabled() || scope == "" || subject == "" {
		return RateDecision{Allowed: true}, nil
	}

	window := limit.Window
	if window < time.Second {
		window = time.Second
	}

	res, err := incrWindowScript.Run(ctx, r.client, []string{r.key(scope, subject)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	if len(res) != 2 {
		return RateDecision{}, fmt.Errorf("rate limit %s: unexpected reply length %d", scope, len(res))
	}

	count := int(res[0])
	return RateDecision{
		Allowed:    count <= limit.Requests,
		Count:      count,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}

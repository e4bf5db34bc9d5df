package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisRateLimitPrefix  = "shipyard:ratelimit:"
	redisRateLimitTimeout = 250 * time.Millisecond
)

// windowScript counts a hit and opens the window on the first one, in a single
// atomic step. It returns the count and the window's remaining milliseconds.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

type redisRateLimiter struct {
	client redis.UniversalClient
	log    *slog.Logger
}

// NewRedisRateLimiter shares window counters across API replicas through Redis.
// The client stays owned by the caller. Redis errors let the request through.
func NewRedisRateLimiter(client redis.UniversalClient, logger *slog.Logger) RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{client: client, log: logger.With("component", "rate_limiter")}
}

func (rl *redisRateLimiter) Allow(ctx context.Context, key string, rule rateRule) rateDecision {
	if rule.limit <= 0 {
		return rateDecision{allowed: true}
	}
	window := rule.windowOrDefault()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisRateLimitTimeout)
	defer cancel()

	res, err := windowScript.Run(ctx, rl.client, []string{redisRateLimitPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		rl.log.Error("rate limit check failed, allowing request", "route", rule.route, "error", err)
		return rateDecision{allowed: true}
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl <= 0 {
		ttl = window
	}
	return rateDecision{
		allowed: count <= rule.limit,
		count:   count,
		reset:   time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {}

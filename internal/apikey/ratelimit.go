package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// rateLimitPrefix namespaces the Redis counters used for the global
// ttl/limit throttle applied after authentication.
const rateLimitPrefix = "gateway:ratelimit"

// RateLimiter enforces a "limit requests per ttl seconds" policy keyed by
// API key ID, backed by a Redis INCR/EXPIRE fixed-window counter.
type RateLimiter struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

// NewRateLimiter constructs a RateLimiter allowing limit requests per ttl
// window per key.
func NewRateLimiter(client *redis.Client, limit int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, ttl: ttl}
}

// Result reports the outcome of a rate-limit check.
type Result struct {
	Allowed   bool
	Remaining int
	RetryIn   time.Duration
}

// Allow increments the counter for keyID and reports whether the request is
// within the configured limit. The TTL is set only on the first increment
// in a window so the window is fixed, not sliding.
func (l *RateLimiter) Allow(ctx context.Context, keyID uuid.UUID) (Result, error) {
	redisKey := fmt.Sprintf("%s:%s", rateLimitPrefix, keyID)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("incr rate limit counter: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.ttl).Err(); err != nil {
			return Result{}, fmt.Errorf("set rate limit expiry: %w", err)
		}
	}

	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("read rate limit ttl: %w", err)
	}
	if ttl < 0 {
		ttl = l.ttl
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   int(count) <= l.limit,
		Remaining: remaining,
		RetryIn:   ttl,
	}, nil
}

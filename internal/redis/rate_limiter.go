package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter allows or denies manual pipeline triggers using a sliding-window
// count in Redis. RetryAfter is only meaningful when allowed is false.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
	Limit() int
}

type slidingWindowLimiter struct {
	client    *redis.Client
	namespace string
	limit     int
	window    time.Duration
	now       func() time.Time
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter.
// limit is the maximum number of triggers allowed per window for a given key.
func NewRateLimiter(client *redis.Client, namespace string, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{
		client:    client,
		namespace: namespace,
		limit:     limit,
		window:    window,
		now:       time.Now,
	}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow records the attempt and reports whether it fits in the window.
// Rejected attempts are removed again so they do not extend the lockout.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := r.namespace + "ratelimit:" + key
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()[:8]

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, rkey)
	oldestCmd := pipe.ZRangeWithScores(ctx, rkey, 0, 0)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}

	if countCmd.Val() <= int64(r.limit) {
		return true, 0, nil
	}

	if err := r.client.ZRem(ctx, rkey, member).Err(); err != nil {
		return false, 0, fmt.Errorf("rate limiter rollback for %q: %w", key, err)
	}

	retryAfter := r.window
	if oldest := oldestCmd.Val(); len(oldest) == 1 {
		retryAfter = time.Duration(int64(oldest[0].Score) + r.window.Nanoseconds() - now)
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}

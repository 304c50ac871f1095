// Package ratelimit implements a Redis sliding-window limiter used for
// unauthenticated traffic on public paths.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aimerfeng/APIGate/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimiter implements sliding window rate limiting using Redis
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// New creates a limiter. A non-positive window defaults to 60 seconds.
func New(rdb *redis.Client, cfg *config.RateLimitConfig) *RateLimiter {
	windowSeconds := cfg.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &RateLimiter{
		redis:  rdb,
		limit:  cfg.PublicLimit,
		window: time.Duration(windowSeconds) * time.Second,
		now:    time.Now,
	}
}

// Enabled reports whether a limit is configured
func (r *RateLimiter) Enabled() bool {
	return r != nil && r.redis != nil && r.limit > 0
}

func key(subject string) string {
	return "ratelimit:sliding:" + subject
}

// Check records one request for subject if it fits the window.
// Redis failures fail open.
func (r *RateLimiter) Check(ctx context.Context, subject string) (*Result, error) {
	now := r.now()
	windowStart := now.Add(-r.window)
	k := key(subject)

	pipe := r.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to check rate limit")
		return &Result{Allowed: true, Remaining: int64(r.limit), Limit: r.limit}, nil
	}

	currentCount := countCmd.Val()
	result := &Result{
		Limit:   r.limit,
		ResetAt: now.Add(r.window),
	}

	if currentCount >= int64(r.limit) {
		result.Remaining = 0

		oldest, err := r.redis.ZRangeWithScores(ctx, k, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			oldestTime := time.Unix(0, int64(oldest[0].Score))
			result.RetryAfter = oldestTime.Add(r.window).Sub(now)
			if result.RetryAfter <= 0 {
				result.RetryAfter = time.Second
			}
		} else {
			result.RetryAfter = r.window
		}
		return result, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	pipe = r.redis.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, k, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to add rate limit entry")
	}

	result.Allowed = true
	result.Remaining = int64(r.limit) - currentCount - 1
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// Reset clears the window of a subject
func (r *RateLimiter) Reset(ctx context.Context, subject string) error {
	return r.redis.Del(ctx, key(subject)).Err()
}

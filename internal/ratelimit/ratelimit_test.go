package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/aimerfeng/APIGate/internal/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, limit int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, &config.RateLimitConfig{PublicLimit: limit, WindowSeconds: 60}), mr
}

func TestSlidingWindow(t *testing.T) {
	rl, _ := setup(t, 3)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		res, err := rl.Check(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(2-i), res.Remaining)
		now = now.Add(time.Second)
	}

	res, err := rl.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 57*time.Second, res.RetryAfter)

	// other subjects have their own window
	res, err = rl.Check(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// the first entry leaves the window
	now = now.Add(58 * time.Second)
	res, err = rl.Check(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestFailOpen(t *testing.T) {
	rl, mr := setup(t, 1)
	mr.Close()

	res, err := rl.Check(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestReset(t *testing.T) {
	rl, _ := setup(t, 1)
	ctx := context.Background()

	_, _ = rl.Check(ctx, "a")
	res, _ := rl.Check(ctx, "a")
	require.False(t, res.Allowed)

	require.NoError(t, rl.Reset(ctx, "a"))
	res, _ = rl.Check(ctx, "a")
	assert.True(t, res.Allowed)
}

func TestEnabled(t *testing.T) {
	rl, _ := setup(t, 0)
	assert.False(t, rl.Enabled())
	var nilLimiter *RateLimiter
	assert.False(t, nilLimiter.Enabled())
}

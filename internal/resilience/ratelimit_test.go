package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_ShortWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(RateLimitConfig{
		ShortWindow: time.Minute,
		ShortLimit:  3,
	}, WithLimiterClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		release, err := l.Admit(ctx, "u1")
		require.NoError(t, err)
		release()
		clock.Advance(time.Second)
	}

	_, err := l.Admit(ctx, "u1")
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, BoundShortWindow, rle.Bound)
	assert.Equal(t, 3, rle.Limit)
	// Oldest event at t0 leaves the window at t0+60s; now is t0+3s.
	assert.Equal(t, 57*time.Second, rle.RetryAfter)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other users are unaffected.
	release, err := l.Admit(ctx, "u2")
	require.NoError(t, err)
	release()

	// After the window rolls over the user is admitted again.
	clock.Advance(57 * time.Second)
	release, err = l.Admit(ctx, "u1")
	require.NoError(t, err)
	release()
}

func TestRateLimiter_RejectedRequestsAreNotCounted(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(RateLimitConfig{ShortWindow: time.Minute, ShortLimit: 1}, WithLimiterClock(clock.Now))
	ctx := context.Background()

	release, err := l.Admit(ctx, "u")
	require.NoError(t, err)
	release()

	for i := 0; i < 5; i++ {
		_, err = l.Admit(ctx, "u")
		require.Error(t, err)
	}

	clock.Advance(time.Minute)
	_, err = l.Admit(ctx, "u")
	assert.NoError(t, err)
}

func TestRateLimiter_LongWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(RateLimitConfig{
		ShortWindow: time.Minute,
		ShortLimit:  10,
		LongWindow:  time.Hour,
		LongLimit:   12,
	}, WithLimiterClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		release, err := l.Admit(ctx, "u")
		require.NoError(t, err, "request %d", i)
		release()
		clock.Advance(10 * time.Second)
	}

	_, err := l.Admit(ctx, "u")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, BoundLongWindow, rle.Bound)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
}

func TestRateLimiter_ConcurrencyGauge(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{MaxConcurrent: 2})
	ctx := context.Background()

	r1, err := l.Admit(ctx, "u")
	require.NoError(t, err)
	r2, err := l.Admit(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 2, l.InFlight("u"))

	_, err = l.Admit(ctx, "u")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, BoundConcurrency, rle.Bound)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))

	r1()
	r1() // idempotent
	assert.Equal(t, 1, l.InFlight("u"))

	r3, err := l.Admit(ctx, "u")
	require.NoError(t, err)
	r2()
	r3()
	assert.Equal(t, 0, l.InFlight("u"))
}

func TestRateLimiter_WindowRejectionReleasesSlot(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{ShortWindow: time.Minute, ShortLimit: 1, MaxConcurrent: 5})
	ctx := context.Background()

	release, err := l.Admit(ctx, "u")
	require.NoError(t, err)
	_, err = l.Admit(ctx, "u")
	require.Error(t, err)
	assert.Equal(t, 1, l.InFlight("u"))
	release()
	assert.Equal(t, 0, l.InFlight("u"))
}

func TestRateLimiter_Sweep(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(RateLimitConfig{ShortWindow: time.Minute, ShortLimit: 5}, WithLimiterClock(clock.Now))
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		release, err := l.Admit(ctx, u)
		require.NoError(t, err)
		release()
	}
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 3, l.Sweep())
}

func TestRedisWindowStore(t *testing.T) {
	rdb, err := NewRedisClient(RedisConfig{Addr: "127.0.0.1:6379"})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer rdb.Close()

	ctx := context.Background()
	prefix := "recall:test:" + time.Now().Format("150405.000000") + ":"
	store := NewRedisWindowStore(rdb, prefix)
	windows := []Window{{Bound: BoundShortWindow, Size: time.Minute, Limit: 2}}
	now := time.Now()

	for i := 0; i < 2; i++ {
		res, err := store.Reserve(ctx, "u", now.Add(time.Duration(i)*time.Second), windows)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := store.Reserve(ctx, "u", now.Add(2*time.Second), windows)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, BoundShortWindow, res.Violated.Bound)
	assert.InDelta(t, float64(58*time.Second), float64(res.RetryAfter), float64(5*time.Millisecond))

	_ = rdb.Del(ctx, prefix+"u").Err()
}

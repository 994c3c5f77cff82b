package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0,
	}
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetrier(fastPolicy(3), nil)
	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	r := NewRetrier(fastPolicy(4), nil)
	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, attempts)
}

func TestRetrier_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("bad request")
	r := NewRetrier(fastPolicy(5), func(err error) bool { return !errors.Is(err, permanent) })

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanent
	})
	assert.Same(t, permanent, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_PermanentWrapper(t *testing.T) {
	r := NewRetrier(fastPolicy(5), nil)
	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Permanent(errTransient)
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_ContextCancellationStopsRetrying(t *testing.T) {
	policy := fastPolicy(10)
	policy.BaseDelay = 50 * time.Millisecond
	policy.MaxDelay = 50 * time.Millisecond
	r := NewRetrier(policy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	err := r.Do(ctx, func(ctx context.Context) error {
		attempts++
		return errTransient
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_OnRetryHook(t *testing.T) {
	var delays []time.Duration
	r := NewRetrier(fastPolicy(3), nil).OnRetry(func(err error, d time.Duration) {
		delays = append(delays, d)
	})
	_ = r.Do(context.Background(), func(ctx context.Context) error { return errTransient })
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestRetrier_SingleAttempt(t *testing.T) {
	r := NewRetrier(RetryPolicy{MaxAttempts: 0}, nil)
	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, attempts)
}

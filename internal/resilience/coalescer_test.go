package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConcurrent starts n callers for the same key against a function that
// blocks until all of them have had time to join the flight.
func runConcurrent[T any](t *testing.T, c *Coalescer, n int, fn func(context.Context) (T, error)) ([]T, []error, []bool) {
	t.Helper()

	values := make([]T, n)
	errs := make([]error, n)
	shared := make([]bool, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], shared[i], errs[i] = Coalesce(context.Background(), c, "same-key", fn)
		}(i)
	}
	wg.Wait()
	return values, errs, shared
}

func TestCoalesce_SingleInvocation(t *testing.T) {
	c := NewCoalescer(true)
	var calls atomic.Int32
	gate := make(chan struct{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()

	values, errs, shared := runConcurrent(t, c, 20, func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-gate
		return "answer", nil
	})

	assert.Equal(t, int32(1), calls.Load())
	for i := range values {
		require.NoError(t, errs[i])
		assert.Equal(t, "answer", values[i])
		assert.True(t, shared[i])
	}
	assert.Equal(t, int64(1), c.Stats().Flights)
	assert.Equal(t, int64(19), c.Stats().Joined)
}

func TestCoalesce_IdenticalErrors(t *testing.T) {
	c := NewCoalescer(true)
	boom := errors.New("provider down")
	gate := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()

	_, errs, _ := runConcurrent(t, c, 10, func(ctx context.Context) (int, error) {
		<-gate
		return 0, boom
	})

	for _, err := range errs {
		assert.Same(t, boom, err)
	}
}

func TestCoalesce_PanicBecomesSharedError(t *testing.T) {
	c := NewCoalescer(true)
	gate := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()

	_, errs, _ := runConcurrent(t, c, 5, func(ctx context.Context) (int, error) {
		<-gate
		panic("decoder exploded")
	})

	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPanicked)
		assert.Equal(t, errs[0], err)
	}

	// The key was released: a new call runs fn again.
	v, _, err := Coalesce(context.Background(), c, "same-key", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCoalesce_WaiterCancellationDoesNotFailFlight(t *testing.T) {
	c := NewCoalescer(true)
	release := make(chan struct{})
	started := make(chan struct{})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := Coalesce(leaderCtx, c, "k", func(ctx context.Context) (string, error) {
			close(started)
			select {
			case <-release:
				return "ok", ctx.Err()
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
		leaderErr <- err
	}()
	<-started

	followerResult := make(chan string, 1)
	go func() {
		v, _, _ := Coalesce(context.Background(), c, "k", func(ctx context.Context) (string, error) {
			return "second-flight", nil
		})
		followerResult <- v
	}()

	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	assert.Equal(t, "ok", <-followerResult)
}

func TestCoalesceWithGrace_DeliversResultProducedAtDeadline(t *testing.T) {
	c := NewCoalescer(true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	v, _, err := CoalesceWithGrace(ctx, c, "k", time.Second, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond) // wrap-up after the deadline
		return "best-so-far", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "best-so-far", v)
}

func TestCoalesceWithGrace_GiveUpAfterGrace(t *testing.T) {
	c := NewCoalescer(true)
	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := CoalesceWithGrace(ctx, c, "k", 20*time.Millisecond, func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoalesceWithGrace_CancellationStopsAtOnce(t *testing.T) {
	c := NewCoalescer(true)
	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	_, _, err := CoalesceWithGrace(ctx, c, "k", time.Hour, func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoalesce_Disabled(t *testing.T) {
	c := NewCoalescer(false)
	var calls atomic.Int32
	_, errs, _ := runConcurrent(t, c, 5, func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	})
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(5), calls.Load())
}

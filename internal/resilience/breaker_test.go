package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failed")

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errUpstream
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("fp", BreakerConfig{FailureThreshold: 3, CoolDown: time.Minute, Now: clock.Now})
	ctx := context.Background()
	calls := 0

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(ctx, failing(&calls)), errUpstream)
		assert.Equal(t, CircuitClosed, b.State())
	}
	assert.ErrorIs(t, b.Execute(ctx, failing(&calls)), errUpstream)
	assert.Equal(t, CircuitOpen, b.State())
	assert.Equal(t, 3, calls)

	// No call reaches the dependency while open.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(ctx, failing(&calls)), ErrCircuitOpen)
	}
	assert.Equal(t, 3, calls)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker("fp", BreakerConfig{FailureThreshold: 3, CoolDown: time.Minute})
	ctx := context.Background()
	calls := 0

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("fp", BreakerConfig{FailureThreshold: 1, CoolDown: 10 * time.Second, Now: clock.Now})
	ctx := context.Background()
	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	require.Equal(t, CircuitOpen, b.State())

	clock.Advance(10 * time.Second)

	probeStarted := make(chan struct{})
	releaseProbe := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(ctx, func(context.Context) error {
			close(probeStarted)
			<-releaseProbe
			return nil
		})
	}()
	<-probeStarted
	assert.Equal(t, CircuitHalfOpen, b.State())

	// Concurrent callers fail fast while the probe is in flight.
	var wg sync.WaitGroup
	rejected := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rejected <- b.Execute(ctx, func(context.Context) error {
				t.Error("dependency must not be called during probe")
				return nil
			})
		}()
	}
	wg.Wait()
	close(rejected)
	for err := range rejected {
		assert.ErrorIs(t, err, ErrCircuitOpen)
	}

	close(releaseProbe)
	require.NoError(t, <-probeDone)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("fp", BreakerConfig{FailureThreshold: 2, CoolDown: time.Second, Now: clock.Now})
	ctx := context.Background()
	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	require.Equal(t, CircuitOpen, b.State())

	clock.Advance(time.Second)
	assert.ErrorIs(t, b.Execute(ctx, failing(&calls)), errUpstream)
	assert.Equal(t, CircuitOpen, b.State())
	assert.Equal(t, 3, calls)

	// Cool-down restarts from the failed probe.
	clock.Advance(500 * time.Millisecond)
	assert.ErrorIs(t, b.Execute(ctx, failing(&calls)), ErrCircuitOpen)
}

func TestBreaker_PanicDuringHalfOpenReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("fp", BreakerConfig{FailureThreshold: 1, CoolDown: time.Second, Now: clock.Now})
	ctx := context.Background()
	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	require.Equal(t, CircuitOpen, b.State())

	clock.Advance(time.Second)
	assert.PanicsWithValue(t, "decoder exploded", func() {
		_ = b.Execute(ctx, func(context.Context) error { panic("decoder exploded") })
	})
	assert.Equal(t, CircuitOpen, b.State())

	// The next cool-down admits a fresh probe.
	clock.Advance(time.Hour)
	err := b.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_PanicCountsTowardThreshold(t *testing.T) {
	b := NewBreaker("fp", BreakerConfig{FailureThreshold: 2, CoolDown: time.Minute})
	boom := func(context.Context) error { panic("boom") }

	assert.Panics(t, func() { _ = b.Execute(context.Background(), boom) })
	assert.Equal(t, CircuitClosed, b.State())
	assert.Panics(t, func() { _ = b.Execute(context.Background(), boom) })
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreaker_IgnoredErrorsAndCancellation(t *testing.T) {
	permanent := errors.New("invalid input")
	b := NewBreaker("fp", BreakerConfig{
		FailureThreshold: 1,
		CoolDown:         time.Minute,
		IsFailure:        func(err error) bool { return !errors.Is(err, permanent) },
	})
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, func(context.Context) error { return permanent }), permanent)
	assert.ErrorIs(t, b.Execute(ctx, func(context.Context) error { return context.Canceled }), context.Canceled)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := NewBreaker("fp", BreakerConfig{
		FailureThreshold: 1,
		CoolDown:         time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()
	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	clock.Advance(time.Second)
	_ = b.Execute(ctx, func(context.Context) error { return nil })

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, CoolDown: time.Second})
	a := r.Get("humming")
	assert.Same(t, a, r.Get("humming"))
	r.Get("fingerprint")

	stats := r.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "fingerprint", stats[0].Name)
	assert.Equal(t, "closed", stats[1].State)
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrPanicked wraps a panic recovered from a coalesced function.
var ErrPanicked = errors.New("coalesced call panicked")

// Coalescer merges concurrent calls that share a key into one execution.
// All callers joined to a flight receive the same value and the same error.
type Coalescer struct {
	group   singleflight.Group
	enabled bool

	flights atomic.Int64
	joined  atomic.Int64
}

// NewCoalescer creates a coalescer. When enabled is false every call runs fn directly.
func NewCoalescer(enabled bool) *Coalescer {
	return &Coalescer{enabled: enabled}
}

// CoalescerStats counts executions and callers that piggybacked on another caller's flight.
type CoalescerStats struct {
	Flights int64 `json:"flights"`
	Joined  int64 `json:"joined"`
}

// Stats returns coalescing counters.
func (c *Coalescer) Stats() CoalescerStats {
	return CoalescerStats{Flights: c.flights.Load(), Joined: c.joined.Load()}
}

// Coalesce runs fn at most once per in-flight key and hands the result to every
// waiter. shared reports whether the result was delivered to more than one caller.
//
// The flight runs on a context that keeps the leader's values and deadline but
// not its cancellation, so one caller giving up does not fail the others. A
// waiter whose own ctx ends stops waiting and gets ctx.Err().
func Coalesce[T any](ctx context.Context, c *Coalescer, key string, fn func(context.Context) (T, error)) (value T, shared bool, err error) {
	return CoalesceWithGrace(ctx, c, key, 0, fn)
}

// CoalesceWithGrace is Coalesce for callers whose fn returns a useful result
// when its deadline fires. Once ctx's deadline passes the waiter keeps waiting
// up to grace for the flight to hand that result back. Cancellation of ctx
// still stops the wait at once.
func CoalesceWithGrace[T any](ctx context.Context, c *Coalescer, key string, grace time.Duration, fn func(context.Context) (T, error)) (value T, shared bool, err error) {
	if c == nil || !c.enabled {
		value, err = protect(ctx, fn)
		return value, false, err
	}

	leader := false
	ch := c.group.DoChan(key, func() (any, error) {
		leader = true
		c.flights.Add(1)

		flightCtx := context.WithoutCancel(ctx)
		if dl, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			flightCtx, cancel = context.WithDeadline(flightCtx, dl)
			defer cancel()
		}
		return protect(flightCtx, fn)
	})

	deliver := func(res singleflight.Result) (T, bool, error) {
		if !leader {
			c.joined.Add(1)
		}
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	}

	select {
	case res := <-ch:
		return deliver(res)
	case <-ctx.Done():
	}

	if grace > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case res := <-ch:
			return deliver(res)
		case <-timer.C:
		}
	}
	var zero T
	return zero, false, ctx.Err()
}

// protect converts a panic in fn into an error so the flight key is always released.
func protect[T any](ctx context.Context, fn func(context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return fn(ctx)
}

package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls attempts and backoff between them.
// Delay for attempt n is min(MaxDelay, BaseDelay*Multiplier^n), spread by ±Jitter.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter      float64       `mapstructure:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    time.Second,
		Jitter:      0.2,
	}
}

// Retrier re-runs failed operations whose errors are classified as retryable.
type Retrier struct {
	policy    RetryPolicy
	retryable func(error) bool
	onRetry   func(err error, delay time.Duration)
}

// NewRetrier creates a retrier. A nil classifier retries every error.
func NewRetrier(policy RetryPolicy, retryable func(error) bool) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Retrier{policy: policy, retryable: retryable}
}

// OnRetry registers a hook invoked before each backoff sleep.
func (r *Retrier) OnRetry(fn func(err error, delay time.Duration)) *Retrier {
	r.onRetry = fn
	return r
}

// Permanent marks err as not retryable regardless of the classifier.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts, or ctx ends. The last error from fn is returned unwrapped;
// when ctx ends between attempts ctx.Err() is returned.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	if r.policy.MaxAttempts == 1 {
		return fn(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseDelay
	b.Multiplier = r.policy.Multiplier
	b.MaxInterval = r.policy.MaxDelay
	b.RandomizationFactor = r.policy.Jitter
	b.MaxElapsedTime = 0 // bounded by attempts and ctx instead
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx)

	op := func() error {
		err := fn(ctx)
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		if err != nil && !r.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if r.onRetry != nil {
		notify = r.onRetry
	}
	return backoff.RetryNotify(op, policy, notify)
}

package provider

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/normanking/recall/internal/resilience"
	"github.com/normanking/recall/pkg/types"
)

// Observer receives per-call telemetry. kind is empty on success.
type Observer interface {
	ObserveProviderCall(provider string, kind types.ErrorKind, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveProviderCall(string, types.ErrorKind, time.Duration) {}

// GuardConfig configures one adapter's protection.
type GuardConfig struct {
	Name    string
	Timeout time.Duration
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	Retry             resilience.RetryPolicy
}

// Guard composes breaker(retrier(raw call)) under a fixed timeout budget.
type Guard struct {
	name     string
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
	retrier  *resilience.Retrier
	observer Observer
	log      zerolog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithObserver attaches call telemetry.
func WithObserver(o Observer) GuardOption {
	return func(g *Guard) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) GuardOption {
	return func(g *Guard) { g.log = l.With().Str("provider", g.name).Logger() }
}

// NewGuard builds a guard around breaker. The breaker's failure classifier should
// be BreakerFailure so only unavailability and timeouts trip it.
func NewGuard(cfg GuardConfig, breaker *resilience.Breaker, opts ...GuardOption) *Guard {
	g := &Guard{
		name:     cfg.Name,
		timeout:  cfg.Timeout,
		breaker:  breaker,
		observer: nopObserver{},
		log:      zerolog.Nop(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	g.retrier = resilience.NewRetrier(cfg.Retry, IsRetryable).OnRetry(func(err error, delay time.Duration) {
		g.log.Debug().Err(err).Dur("delay", delay).Msg("[Provider] retrying")
	})
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BreakerFailure is the breaker classifier for provider calls.
func BreakerFailure(err error) bool {
	return countsAsFailure(err)
}

// Name returns the adapter name.
func (g *Guard) Name() string { return g.name }

// Timeout returns the adapter's budget.
func (g *Guard) Timeout() time.Duration { return g.timeout }

// Breaker exposes the adapter's breaker for health reporting.
func (g *Guard) Breaker() *resilience.Breaker { return g.breaker }

// Do runs fn under the guard. fn should return errors already classified with
// the adapter's name; unclassified errors are classified here.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var err error
	if g.limiter != nil {
		if werr := g.limiter.Wait(ctx); werr != nil {
			err = newError(g.name, types.ErrKindTimeout, werr)
		}
	}

	if err == nil {
		err = g.breaker.Execute(ctx, func(ctx context.Context) error {
			return g.retrier.Do(ctx, func(ctx context.Context) error {
				return classifyTransport(g.name, fn(ctx))
			})
		})
		err = g.classify(err)
	}

	kind := KindOf(err)
	g.observer.ObserveProviderCall(g.name, kind, time.Since(start))
	if err != nil {
		g.log.Debug().Err(err).Str("kind", string(kind)).Dur("elapsed", time.Since(start)).Msg("[Provider] call failed")
	}
	return err
}

func (g *Guard) classify(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == types.ErrKindCircuitOpen {
		return newError(g.name, types.ErrKindCircuitOpen, err)
	}
	return classifyTransport(g.name, err)
}

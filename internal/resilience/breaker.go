package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the protected call while a breaker rejects traffic.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit has tripped - requests are rejected.
	CircuitOpen
	// CircuitHalfOpen admits exactly one probe to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`

	// CoolDown is how long the circuit stays open before admitting a probe.
	CoolDown time.Duration `mapstructure:"cool_down" yaml:"cool_down"`

	// IsFailure decides which errors count toward the threshold. Defaults to every
	// non-nil error. Caller cancellation never counts.
	IsFailure func(error) bool `mapstructure:"-" yaml:"-"`

	// OnStateChange is called after the state changes, outside the breaker lock.
	OnStateChange func(name string, from, to CircuitState) `mapstructure:"-" yaml:"-"`

	// Now overrides the clock for tests.
	Now func() time.Time `mapstructure:"-" yaml:"-"`
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// Breaker is a per-dependency circuit breaker.
//
// closed -> open after FailureThreshold consecutive failures; open -> half-open
// once CoolDown has elapsed; half-open -> closed on one successful probe and
// half-open -> open on a failed probe. While the probe is in flight, other
// callers fail fast with ErrCircuitOpen.
type Breaker struct {
	name   string
	config BreakerConfig
	mu     sync.Mutex

	state           CircuitState
	failures        int
	generation      uint64
	probeInFlight   bool
	openedAt        time.Time
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewBreaker creates a breaker for a named dependency.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CoolDown <= 0 {
		config.CoolDown = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: config.Now(),
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn if the breaker admits the call and records its outcome.
// A panic in fn is recorded as a failure and then re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, probe, err := b.admit()
	if err != nil {
		return err
	}
	returned := false
	defer func() {
		if !returned {
			b.settle(gen, probe, false, true)
		}
	}()
	err = fn(ctx)
	returned = true
	b.record(gen, probe, err)
	return err
}

type transition struct {
	from, to CircuitState
}

func (b *Breaker) admit() (uint64, bool, error) {
	b.mu.Lock()
	var changed *transition
	defer func() {
		b.mu.Unlock()
		b.notify(changed)
	}()

	switch b.state {
	case CircuitClosed:
		return b.generation, false, nil
	case CircuitOpen:
		if b.config.Now().Sub(b.openedAt) < b.config.CoolDown {
			return 0, false, ErrCircuitOpen
		}
		changed = b.transitionTo(CircuitHalfOpen)
		b.probeInFlight = true
		return b.generation, true, nil
	case CircuitHalfOpen:
		if b.probeInFlight {
			return 0, false, ErrCircuitOpen
		}
		b.probeInFlight = true
		return b.generation, true, nil
	}
	return 0, false, ErrCircuitOpen
}

func (b *Breaker) record(gen uint64, probe bool, err error) {
	neutral := errors.Is(err, context.Canceled)
	failed := err != nil && !neutral && b.config.IsFailure(err)
	b.settle(gen, probe, neutral, failed)
}

// settle applies a call outcome admitted under generation gen.
func (b *Breaker) settle(gen uint64, probe, neutral, failed bool) {
	b.mu.Lock()
	var changed *transition
	defer func() {
		b.mu.Unlock()
		b.notify(changed)
	}()

	// Outcome of a call admitted under an older state is stale.
	if gen != b.generation {
		return
	}

	if probe {
		b.probeInFlight = false
		switch {
		case neutral:
			// probe abandoned; next caller probes instead
		case failed:
			b.lastFailureTime = b.config.Now()
			changed = b.transitionTo(CircuitOpen)
		default:
			changed = b.transitionTo(CircuitClosed)
		}
		return
	}

	if b.state != CircuitClosed || neutral {
		return
	}
	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	b.lastFailureTime = b.config.Now()
	if b.failures >= b.config.FailureThreshold {
		changed = b.transitionTo(CircuitOpen)
	}
}

// transitionTo changes the circuit state (must hold lock).
func (b *Breaker) transitionTo(newState CircuitState) *transition {
	if b.state == newState {
		return nil
	}
	old := b.state
	b.state = newState
	b.generation++
	b.lastStateChange = b.config.Now()

	switch newState {
	case CircuitOpen:
		b.openedAt = b.lastStateChange
		b.probeInFlight = false
	case CircuitClosed:
		b.failures = 0
		b.probeInFlight = false
	}
	return &transition{from: old, to: newState}
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, t.from, t.to)
	}
}

// State returns the current circuit state. An open breaker whose cool-down has
// elapsed still reports open until the next call probes it.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the circuit to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := b.transitionTo(CircuitClosed)
	b.mu.Unlock()
	b.notify(changed)
}

// BreakerStats contains circuit breaker statistics.
type BreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Stats returns circuit breaker statistics.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:            b.name,
		State:           b.state.String(),
		Failures:        b.failures,
		LastFailure:     b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BREAKER REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════

// BreakerRegistry hands out one breaker per dependency name, sharing a config.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns the breaker for name, creating one if needed.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.config)
	r.breakers[name] = b
	return b
}

// AllStats returns statistics for all breakers, sorted by name.
func (r *BreakerRegistry) AllStats() []BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

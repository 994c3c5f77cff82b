// Package voice coordinates the client's single audio device between capturing
// the user and playing answers back.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mode is the exclusive use an Arbiter grants.
type Mode string

const (
	// ModeRecord grants the microphone.
	ModeRecord Mode = "exclusive-record"
	// ModePlayback grants the speaker.
	ModePlayback Mode = "exclusive-playback"
)

// ErrInvalidMode is returned for a mode other than ModeRecord or ModePlayback.
var ErrInvalidMode = errors.New("voice: invalid arbiter mode")

// DefaultSettleDelay is the pause between releasing one mode and granting the other.
const DefaultSettleDelay = 250 * time.Millisecond

// ArbiterConfig configures an Arbiter.
type ArbiterConfig struct {
	// SettleDelay must elapse after a release before the other mode is granted.
	// Re-acquiring the mode that was just released does not wait.
	SettleDelay time.Duration
	// OnTransition is called when a grant switches mode.
	OnTransition func(from, to Mode)
}

// ArbiterStats reports arbiter activity.
type ArbiterStats struct {
	Held        bool  `json:"held"`
	Mode        Mode  `json:"mode,omitempty"`
	Grants      int64 `json:"grants"`
	Transitions int64 `json:"transitions"`
	Settles     int64 `json:"settles"`
}

// Arbiter grants the audio device to one mode at a time.
type Arbiter struct {
	mu         sync.Mutex
	held       bool
	mode       Mode // current holder, or last holder when !held
	releasedAt time.Time
	wake       chan struct{}

	config ArbiterConfig
	now    func() time.Time
	log    zerolog.Logger

	grants      int64
	transitions int64
	settles     int64
}

// ArbiterOption configures an Arbiter.
type ArbiterOption func(*Arbiter)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ArbiterOption {
	return func(a *Arbiter) { a.log = l }
}

// NewArbiter creates an idle arbiter.
func NewArbiter(cfg ArbiterConfig, opts ...ArbiterOption) *Arbiter {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	a := &Arbiter{
		wake:   make(chan struct{}),
		config: cfg,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire blocks until the device is free and, when switching modes, the
// settle delay since the last release has elapsed. The returned release
// function must be called exactly once; extra calls are ignored.
func (a *Arbiter) Acquire(ctx context.Context, mode Mode) (release func(), err error) {
	if mode != ModeRecord && mode != ModePlayback {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	for {
		a.mu.Lock()
		if !a.held {
			wait := a.settleRemaining(mode)
			if wait <= 0 {
				return a.grantLocked(mode), nil
			}
			a.settles++
			a.mu.Unlock()

			a.log.Debug().Str("mode", string(mode)).Dur("wait", wait).Msg("[Arbiter] settling")
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			continue
		}
		wake := a.wake
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// With runs fn while holding mode.
func (a *Arbiter) With(ctx context.Context, mode Mode, fn func(context.Context) error) error {
	release, err := a.Acquire(ctx, mode)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Stats returns a snapshot of arbiter activity.
func (a *Arbiter) Stats() ArbiterStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := ArbiterStats{
		Held:        a.held,
		Grants:      a.grants,
		Transitions: a.transitions,
		Settles:     a.settles,
	}
	if a.held {
		s.Mode = a.mode
	}
	return s
}

// settleRemaining returns how long mode must still wait (must hold lock).
func (a *Arbiter) settleRemaining(mode Mode) time.Duration {
	if a.mode == "" || a.mode == mode {
		return 0
	}
	return a.config.SettleDelay - a.now().Sub(a.releasedAt)
}

// grantLocked hands the device to mode and unlocks.
func (a *Arbiter) grantLocked(mode Mode) func() {
	from := a.mode
	a.held = true
	a.mode = mode
	a.grants++
	switched := from != "" && from != mode
	if switched {
		a.transitions++
	}
	a.mu.Unlock()

	if switched && a.config.OnTransition != nil {
		a.config.OnTransition(from, mode)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.held = false
			a.releasedAt = a.now()
			close(a.wake)
			a.wake = make(chan struct{})
			a.mu.Unlock()
		})
	}
}

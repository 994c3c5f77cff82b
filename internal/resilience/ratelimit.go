package resilience

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// ErrRateLimited matches every *RateLimitError via errors.Is.
var ErrRateLimited = errors.New("rate limited")

// Bound names the admission limit a request violated.
type Bound string

const (
	BoundShortWindow Bound = "short_window"
	BoundLongWindow  Bound = "long_window"
	BoundConcurrency Bound = "concurrency"
)

// RateLimitError is returned when a user exceeds an admission bound.
type RateLimitError struct {
	UserID     string
	Bound      Bound
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: user %s exceeded %s (limit %d), retry after %s",
		e.UserID, e.Bound, e.Limit, e.RetryAfter.Round(time.Millisecond))
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Window is one sliding-window bound.
type Window struct {
	Bound Bound
	Size  time.Duration
	Limit int
}

// Reservation is the result of asking a WindowStore to record one request.
type Reservation struct {
	Allowed    bool
	Violated   Window
	RetryAfter time.Duration
}

// WindowStore records request timestamps per user and enforces sliding windows.
// Reserve must check all windows and record the request only when every window has room.
type WindowStore interface {
	Reserve(ctx context.Context, userID string, now time.Time, windows []Window) (Reservation, error)
}

// RateLimitConfig configures per-user admission.
type RateLimitConfig struct {
	ShortWindow   time.Duration `mapstructure:"short_window" yaml:"short_window"`
	ShortLimit    int           `mapstructure:"short_limit" yaml:"short_limit"`
	LongWindow    time.Duration `mapstructure:"long_window" yaml:"long_window"`
	LongLimit     int           `mapstructure:"long_limit" yaml:"long_limit"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// DefaultRateLimitConfig returns production defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		ShortWindow:   time.Minute,
		ShortLimit:    10,
		LongWindow:    time.Hour,
		LongLimit:     200,
		MaxConcurrent: 3,
	}
}

// concurrencyRetryHint is returned when a user has too many turns in flight.
const concurrencyRetryHint = time.Second

const limiterShards = 32

type gaugeShard struct {
	mu     sync.Mutex
	active map[string]int
}

// RateLimiter admits or rejects requests per user. It combines sliding-window
// counters from a WindowStore with an in-process concurrency gauge.
type RateLimiter struct {
	config  RateLimitConfig
	windows []Window
	store   WindowStore
	now     func() time.Time
	gauges  [limiterShards]gaugeShard
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithWindowStore replaces the in-memory window store.
func WithWindowStore(s WindowStore) RateLimiterOption {
	return func(l *RateLimiter) { l.store = s }
}

// WithLimiterClock overrides the time source.
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter creates a limiter. Windows with a non-positive size or limit are disabled.
func NewRateLimiter(cfg RateLimitConfig, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{config: cfg, now: time.Now}
	if cfg.ShortWindow > 0 && cfg.ShortLimit > 0 {
		l.windows = append(l.windows, Window{Bound: BoundShortWindow, Size: cfg.ShortWindow, Limit: cfg.ShortLimit})
	}
	if cfg.LongWindow > 0 && cfg.LongLimit > 0 {
		l.windows = append(l.windows, Window{Bound: BoundLongWindow, Size: cfg.LongWindow, Limit: cfg.LongLimit})
	}
	for i := range l.gauges {
		l.gauges[i].active = make(map[string]int)
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryWindowStore()
	}
	return l
}

// Admit checks every bound for userID. On success the returned release must be
// called exactly when the request finishes; calling it more than once is safe.
// Rejections are *RateLimitError with a positive RetryAfter.
func (l *RateLimiter) Admit(ctx context.Context, userID string) (release func(), err error) {
	if !l.acquireSlot(userID) {
		return nil, &RateLimitError{
			UserID:     userID,
			Bound:      BoundConcurrency,
			Limit:      l.config.MaxConcurrent,
			RetryAfter: concurrencyRetryHint,
		}
	}

	if len(l.windows) > 0 {
		res, err := l.store.Reserve(ctx, userID, l.now(), l.windows)
		if err != nil {
			l.releaseSlot(userID)
			return nil, fmt.Errorf("reserve rate window: %w", err)
		}
		if !res.Allowed {
			l.releaseSlot(userID)
			retry := res.RetryAfter
			if retry <= 0 {
				retry = time.Millisecond
			}
			return nil, &RateLimitError{
				UserID:     userID,
				Bound:      res.Violated.Bound,
				Limit:      res.Violated.Limit,
				RetryAfter: retry,
			}
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.releaseSlot(userID) })
	}, nil
}

// InFlight returns the number of admitted, unreleased requests for userID.
func (l *RateLimiter) InFlight(userID string) int {
	g := l.gauge(userID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[userID]
}

func (l *RateLimiter) gauge(userID string) *gaugeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l.gauges[h.Sum32()%limiterShards]
}

func (l *RateLimiter) acquireSlot(userID string) bool {
	g := l.gauge(userID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if l.config.MaxConcurrent > 0 && g.active[userID] >= l.config.MaxConcurrent {
		return false
	}
	g.active[userID]++
	return true
}

func (l *RateLimiter) releaseSlot(userID string) {
	g := l.gauge(userID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[userID] <= 1 {
		delete(g.active, userID)
		return
	}
	g.active[userID]--
}

type sweeper interface {
	Sweep(now time.Time, horizon time.Duration) int
}

// Sweep forgets users with no requests inside any window. Only meaningful for
// stores that keep state in process.
func (l *RateLimiter) Sweep() int {
	if s, ok := l.store.(sweeper); ok {
		var longest time.Duration
		for _, w := range l.windows {
			if w.Size > longest {
				longest = w.Size
			}
		}
		return s.Sweep(l.now(), longest)
	}
	return 0
}

// ═══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY SLIDING LOG
// ═══════════════════════════════════════════════════════════════════════════════

type logShard struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// MemoryWindowStore keeps a sliding log of request times per user in process.
type MemoryWindowStore struct {
	shards [limiterShards]logShard
}

// NewMemoryWindowStore creates an empty store.
func NewMemoryWindowStore() *MemoryWindowStore {
	s := &MemoryWindowStore{}
	for i := range s.shards {
		s.shards[i].events = make(map[string][]time.Time)
	}
	return s
}

func (s *MemoryWindowStore) shard(userID string) *logShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.shards[h.Sum32()%limiterShards]
}

// Reserve implements WindowStore. An event at time t counts toward a window
// of size d while now-t < d.
func (s *MemoryWindowStore) Reserve(_ context.Context, userID string, now time.Time, windows []Window) (Reservation, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var longest time.Duration
	for _, w := range windows {
		if w.Size > longest {
			longest = w.Size
		}
	}

	events := prune(sh.events[userID], now, longest)

	for _, w := range windows {
		start := firstInside(events, now, w.Size)
		if len(events)-start >= w.Limit {
			sh.events[userID] = events
			return Reservation{
				Violated:   w,
				RetryAfter: events[start].Add(w.Size).Sub(now),
			}, nil
		}
	}

	sh.events[userID] = append(events, now)
	return Reservation{Allowed: true}, nil
}

// Sweep drops users whose newest event is older than horizon.
func (s *MemoryWindowStore) Sweep(now time.Time, horizon time.Duration) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for user, events := range sh.events {
			events = prune(events, now, horizon)
			if len(events) == 0 {
				delete(sh.events, user)
				removed++
				continue
			}
			sh.events[user] = events
		}
		sh.mu.Unlock()
	}
	return removed
}

// prune drops events that are outside the longest window. events is sorted ascending.
func prune(events []time.Time, now time.Time, longest time.Duration) []time.Time {
	i := firstInside(events, now, longest)
	if i == 0 {
		return events
	}
	return append(events[:0:0], events[i:]...)
}

func firstInside(events []time.Time, now time.Time, size time.Duration) int {
	for i, t := range events {
		if now.Sub(t) < size {
			return i
		}
	}
	return len(events)
}

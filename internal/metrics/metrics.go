// Package metrics exposes the resolution pipeline's Prometheus collectors.
//
// Collectors are registered on an injected prometheus.Registerer so tests and
// embedders can use their own registry instead of the global default.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/normanking/recall/internal/conversation"
	"github.com/normanking/recall/internal/resilience"
	"github.com/normanking/recall/pkg/types"
)

const namespace = "recall"

// Metrics holds every collector. It implements the observer interfaces of the
// provider, orchestrator and resolver packages.
type Metrics struct {
	TurnCount        *prometheus.CounterVec
	TurnErrors       *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	CacheEntries     *prometheus.GaugeVec
	Coalesced        *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec
	StateTransitions *prometheus.CounterVec
	Conversations    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnCount: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of resolved turns by outcome",
			},
			[]string{"outcome", "intent", "cached"},
		),
		TurnErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turn_errors_total",
				Help:      "Turns that ended in an error outcome, by error kind",
			},
			[]string{"kind"},
		),
		TurnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end turn latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
			},
			[]string{"outcome"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by namespace and result",
			},
			[]string{"namespace", "result"},
		),
		CacheEntries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Live cache entries by namespace",
			},
			[]string{"namespace"},
		),
		Coalesced: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_calls_total",
				Help:      "Coalescer calls by namespace and whether the result was shared",
			},
			[]string{"namespace", "shared"},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter, by violated bound",
			},
			[]string{"bound"},
		),
		ProviderCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider adapter calls by provider and result",
			},
			[]string{"provider", "result"},
		),
		ProviderLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_latency_seconds",
				Help:      "Provider adapter call latency in seconds",
			},
			[]string{"provider"},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"breaker"},
		),
		StateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversation_transitions_total",
				Help:      "Conversation state transitions by target state",
			},
			[]string{"to"},
		),
		Conversations: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "conversations_active",
				Help:      "Conversations currently tracked",
			},
		),
	}
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(r *types.TurnResult) {
	if r == nil {
		return
	}
	m.TurnCount.WithLabelValues(string(r.Outcome), string(r.Intent), strconv.FormatBool(r.Cached)).Inc()
	m.TurnDuration.WithLabelValues(string(r.Outcome)).Observe(r.Duration.Seconds())
	if r.Error != nil {
		m.TurnErrors.WithLabelValues(string(r.Error.Kind)).Inc()
	}
}

// ObserveRateLimited records an admission rejection.
func (m *Metrics) ObserveRateLimited(bound resilience.Bound) {
	m.RateLimited.WithLabelValues(string(bound)).Inc()
}

// ObserveCacheLookup records a cache hit or miss.
func (m *Metrics) ObserveCacheLookup(ns string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(ns, result).Inc()
}

// ObserveCoalesced records whether a coalesced result was shared.
func (m *Metrics) ObserveCoalesced(ns string, shared bool) {
	m.Coalesced.WithLabelValues(ns, strconv.FormatBool(shared)).Inc()
}

// ObserveProviderCall records one adapter call. kind is empty on success.
func (m *Metrics) ObserveProviderCall(provider string, kind types.ErrorKind, elapsed time.Duration) {
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	m.ProviderCalls.WithLabelValues(provider, result).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveBreaker records a breaker state change. It matches
// resilience.BreakerConfig.OnStateChange.
func (m *Metrics) ObserveBreaker(name string, _, to resilience.CircuitState) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}

// ObserveConversation records a conversation state change. It matches
// conversation.RegistryConfig.OnStateChange.
func (m *Metrics) ObserveConversation(_ string, _, to conversation.State) {
	m.StateTransitions.WithLabelValues(string(to)).Inc()
}

// SetConversations sets the active conversation gauge.
func (m *Metrics) SetConversations(n int) {
	m.Conversations.Set(float64(n))
}

// SetCacheEntries sets the live entry gauge for a cache namespace.
func (m *Metrics) SetCacheEntries(ns string, n int) {
	m.CacheEntries.WithLabelValues(ns).Set(float64(n))
}

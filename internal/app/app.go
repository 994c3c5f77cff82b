// Package app assembles the resolution pipeline from configuration: provider
// adapters behind guards, shared caches, the admission limiter, the
// conversation registry, the turn journal and the background janitor.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/normanking/recall/internal/config"
	"github.com/normanking/recall/internal/conversation"
	"github.com/normanking/recall/internal/intent"
	"github.com/normanking/recall/internal/metrics"
	"github.com/normanking/recall/internal/orchestrator"
	"github.com/normanking/recall/internal/provider"
	"github.com/normanking/recall/internal/resilience"
	"github.com/normanking/recall/internal/resolver"
	"github.com/normanking/recall/internal/store"
	"github.com/normanking/recall/pkg/types"
)

// App owns every long-lived component of the service.
type App struct {
	Config        *config.Config
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Breakers      *resilience.BreakerRegistry
	Limiter       *resilience.RateLimiter
	Conversations *conversation.Registry
	Classifier    *intent.Classifier
	Orchestrator  *orchestrator.Orchestrator
	Resolver      *resolver.Resolver
	// Store is nil when the journal is disabled.
	Store *store.Store

	turns        *resilience.Cache[resolver.CachedTurn]
	transcripts  *resilience.Cache[provider.Transcript]
	fingerprints *resilience.Cache[orchestrator.FingerprintEntry]
	coalescer    *resilience.Coalescer
	redis        *redis.Client
	cron         *cron.Cron
	now          func() time.Time
	log          zerolog.Logger
}

// Option configures an App.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	registry *prometheus.Registry
	now      func() time.Time
	adapters *Adapters
	windows  resilience.WindowStore
}

// WithLogger sets the root logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPrometheusRegistry registers collectors on reg instead of a fresh registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock overrides the time source for the limiter, registry, caches and resolver.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAdapters replaces the configured provider adapters.
func WithAdapters(a Adapters) Option {
	return func(o *options) { o.adapters = &a }
}

// WithWindowStore replaces the rate limiter's window backend.
func WithWindowStore(s resilience.WindowStore) Option {
	return func(o *options) { o.windows = s }
}

// Adapters are the provider implementations. Nil fields are not configured.
type Adapters struct {
	Transcriber provider.Transcriber
	IntentModel provider.IntentModel
	Reasoner    provider.Reasoner
	Humming     provider.Fingerprinter
	Fingerprint provider.Fingerprinter
}

// New validates cfg and builds the application. Call Start to run the
// janitor and Close to release resources.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config: cfg,
		now:    o.now,
		log:    o.logger,
	}

	// ═══════════════════════════════════════════════════════════════════════════
	// METRICS
	// ═══════════════════════════════════════════════════════════════════════════
	a.Registry = o.registry
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	a.Metrics = metrics.New(a.Registry)

	// ═══════════════════════════════════════════════════════════════════════════
	// BREAKERS AND ADAPTERS
	// ═══════════════════════════════════════════════════════════════════════════
	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = provider.BreakerFailure
	breakerCfg.Now = o.now
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		a.Metrics.ObserveBreaker(name, from, to)
		a.log.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("[App] circuit breaker state changed")
	}
	a.Breakers = resilience.NewBreakerRegistry(breakerCfg)

	adapters := o.adapters
	if adapters == nil {
		built, err := a.buildAdapters()
		if err != nil {
			return nil, err
		}
		adapters = &built
	}

	// ═══════════════════════════════════════════════════════════════════════════
	// SHARED STATE
	// ═══════════════════════════════════════════════════════════════════════════
	cacheCfg := resilience.CacheConfig{Capacity: cfg.Cache.Capacity, MaxBytes: cfg.Cache.MaxBytes}
	a.turns = resilience.NewCache[resolver.CachedTurn](cacheCfg,
		resilience.WithSizer(sizeCachedTurn), resilience.WithCacheClock[resolver.CachedTurn](o.now))
	a.transcripts = resilience.NewCache[provider.Transcript](cacheCfg,
		resilience.WithSizer(sizeTranscript), resilience.WithCacheClock[provider.Transcript](o.now))
	a.fingerprints = resilience.NewCache[orchestrator.FingerprintEntry](cacheCfg,
		resilience.WithSizer(sizeFingerprint), resilience.WithCacheClock[orchestrator.FingerprintEntry](o.now))
	a.coalescer = resilience.NewCoalescer(cfg.Resolver.CoalescingEnabled)

	windows := o.windows
	if windows == nil {
		var err error
		if windows, err = a.buildWindowStore(); err != nil {
			return nil, err
		}
	}
	a.Limiter = resilience.NewRateLimiter(cfg.RateLimit.RateLimitConfig,
		resilience.WithWindowStore(windows), resilience.WithLimiterClock(o.now))

	a.Conversations = conversation.NewRegistry(conversation.RegistryConfig{
		IdleTimeout:   cfg.Conversation.IdleTimeout,
		OnStateChange: a.Metrics.ObserveConversation,
		Now:           o.now,
	})

	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			_ = a.closeRedis()
			return nil, fmt.Errorf("open turn journal: %w", err)
		}
		a.Store = st
	}

	// ═══════════════════════════════════════════════════════════════════════════
	// PIPELINE
	// ═══════════════════════════════════════════════════════════════════════════
	a.Classifier = intent.NewClassifier(adapters.IntentModel, intent.WithLogger(a.log))

	a.Orchestrator = orchestrator.New(
		orchestrator.Providers{
			Reasoner:    adapters.Reasoner,
			Humming:     adapters.Humming,
			Fingerprint: adapters.Fingerprint,
		},
		orchestrator.Config{
			ConfidenceFloor: cfg.Resolver.ConfidenceFloor,
			TieWindow:       cfg.Resolver.UnclearTieWindow,
			FingerprintTTL:  cfg.Cache.FingerprintTTL,
			NoMatchTTL:      cfg.Cache.NoMatchTTL,
		},
		orchestrator.WithLogger(a.log),
		orchestrator.WithObserver(a.Metrics),
		orchestrator.WithFingerprintCache(a.fingerprints),
		orchestrator.WithCoalescer(a.coalescer),
	)

	resolverOpts := []resolver.Option{
		resolver.WithMetrics(a.Metrics),
		resolver.WithLogger(a.log),
		resolver.WithTurnCache(a.turns),
		resolver.WithTranscriptCache(a.transcripts),
		resolver.WithCoalescer(a.coalescer),
		resolver.WithClock(o.now),
	}
	if adapters.Transcriber != nil {
		resolverOpts = append(resolverOpts, resolver.WithTranscriber(adapters.Transcriber))
	}
	if a.Store != nil {
		resolverOpts = append(resolverOpts, resolver.WithJournal(a.Store))
	}
	a.Resolver = resolver.New(
		resolver.Config{
			TurnDeadline:    cfg.Resolver.TurnDeadline,
			WrapUpGrace:     cfg.Resolver.WrapUpGrace,
			ConversationTTL: cfg.Cache.ConversationTTL,
			TranscriptTTL:   cfg.Cache.TranscriptTTL,
		},
		a.Limiter, a.Conversations, a.Classifier, a.Orchestrator,
		resolverOpts...,
	)

	a.cron = cron.New()
	if _, err := a.cron.AddFunc("@every "+cfg.Conversation.SweepInterval.String(), func() { a.Sweep() }); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("schedule janitor: %w", err)
	}

	a.log.Info().
		Str("rate_limit_backend", cfg.RateLimit.Backend).
		Bool("journal", a.Store != nil).
		Bool("coalescing", cfg.Resolver.CoalescingEnabled).
		Msg("[App] pipeline assembled")
	return a, nil
}

// guard builds the protection stack for one adapter.
func (a *App) guard(name string, pc config.ProviderConfig) *provider.Guard {
	return provider.NewGuard(
		provider.GuardConfig{
			Name:              name,
			Timeout:           pc.Timeout,
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
			Retry:             a.Config.Retry,
		},
		a.Breakers.Get(name),
		provider.WithObserver(a.Metrics),
		provider.WithLogger(a.log),
	)
}

func (a *App) buildAdapters() (Adapters, error) {
	p := a.Config.Providers
	out := Adapters{
		Transcriber: provider.NewStreamingTranscriber(provider.TranscriberConfig{
			Endpoint: p.Transcriber.Endpoint,
			APIKey:   p.Transcriber.APIKey,
		}, a.guard(provider.NameTranscriber, p.Transcriber)),
		Humming: provider.NewHTTPFingerprinter(provider.FingerprintConfig{
			Name:     provider.NameHumming,
			Endpoint: p.Humming.Endpoint,
			APIKey:   p.Humming.APIKey,
			Mode:     provider.ModePartial,
		}, a.guard(provider.NameHumming, p.Humming)),
		Fingerprint: provider.NewHTTPFingerprinter(provider.FingerprintConfig{
			Name:     provider.NameFingerprint,
			Endpoint: p.Fingerprint.Endpoint,
			APIKey:   p.Fingerprint.APIKey,
			Mode:     provider.ModeFull,
		}, a.guard(provider.NameFingerprint, p.Fingerprint)),
	}

	short, err := a.model(provider.NameShortReasoner, p.ShortReasoner)
	if err != nil {
		return Adapters{}, err
	}
	if short != nil {
		out.IntentModel = provider.NewLLMIntentModel(short, a.guard(provider.NameShortReasoner, p.ShortReasoner))
	}

	full, err := a.model(provider.NameReasoner, p.Reasoner)
	if err != nil {
		return Adapters{}, err
	}
	if full != nil {
		out.Reasoner = provider.NewLLMReasoner(full, a.guard(provider.NameReasoner, p.Reasoner))
	}
	return out, nil
}

// model returns nil without error when the backend has no credentials.
func (a *App) model(name string, pc config.ProviderConfig) (llms.Model, error) {
	m, err := provider.NewModel(provider.ModelConfig{
		Backend:  pc.Backend,
		Model:    pc.Model,
		Endpoint: pc.Endpoint,
		APIKey:   pc.APIKey,
	})
	if errors.Is(err, provider.ErrNotConfigured) {
		a.log.Warn().Str("provider", name).Msg("[App] reasoning backend not configured, adapter disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

func (a *App) buildWindowStore() (resilience.WindowStore, error) {
	if a.Config.RateLimit.Backend != "redis" {
		return resilience.NewMemoryWindowStore(), nil
	}
	rdb, err := resilience.NewRedisClient(a.Config.RateLimit.RedisConfig)
	if err != nil {
		return nil, fmt.Errorf("rate limit backend: %w", err)
	}
	a.redis = rdb
	return resilience.NewRedisWindowStore(rdb, "recall:ratelimit:"), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Start runs the periodic janitor.
func (a *App) Start() {
	a.cron.Start()
	a.log.Debug().Dur("interval", a.Config.Conversation.SweepInterval).Msg("[App] janitor started")
}

// SweepReport summarizes one janitor pass.
type SweepReport struct {
	Conversations int `json:"conversations"`
	Turns         int `json:"turns"`
	Transcripts   int `json:"transcripts"`
	Fingerprints  int `json:"fingerprints"`
	Users         int `json:"users"`
}

// Sweep drops idle conversations, expired cache entries and stale rate-limit
// state, then refreshes the gauges.
func (a *App) Sweep() SweepReport {
	r := SweepReport{
		Conversations: a.Conversations.Sweep(a.now()),
		Turns:         a.turns.Sweep(),
		Transcripts:   a.transcripts.Sweep(),
		Fingerprints:  a.fingerprints.Sweep(),
		Users:         a.Limiter.Sweep(),
	}

	a.Metrics.SetConversations(a.Conversations.Len())
	a.Metrics.SetCacheEntries(resolver.NamespaceTurn, a.turns.Len())
	a.Metrics.SetCacheEntries(resolver.NamespaceTranscript, a.transcripts.Len())
	a.Metrics.SetCacheEntries(orchestrator.CacheNamespace, a.fingerprints.Len())

	a.log.Debug().
		Int("conversations", r.Conversations).
		Int("turns", r.Turns).
		Int("transcripts", r.Transcripts).
		Int("fingerprints", r.Fingerprints).
		Int("users", r.Users).
		Msg("[App] janitor pass")
	return r
}

// Health is a point-in-time view of the pipeline's dependencies.
type Health struct {
	Status        string                           `json:"status"`
	Breakers      []resilience.BreakerStats        `json:"breakers"`
	Caches        map[string]resilience.CacheStats `json:"caches"`
	Coalescer     resilience.CoalescerStats        `json:"coalescer"`
	Classifier    intent.Stats                     `json:"classifier"`
	Conversations int                              `json:"conversations"`
	Journal       string                           `json:"journal"`
}

// Health reports dependency state. Status is "degraded" when any breaker is
// not closed or the journal is unreachable.
func (a *App) Health(ctx context.Context) Health {
	h := Health{
		Status:   "ok",
		Breakers: a.Breakers.AllStats(),
		Caches: map[string]resilience.CacheStats{
			resolver.NamespaceTurn:       a.turns.Stats(),
			resolver.NamespaceTranscript: a.transcripts.Stats(),
			orchestrator.CacheNamespace:  a.fingerprints.Stats(),
		},
		Coalescer:     a.coalescer.Stats(),
		Classifier:    a.Classifier.Stats(),
		Conversations: a.Conversations.Len(),
		Journal:       "disabled",
	}
	for _, b := range h.Breakers {
		if b.State != resilience.CircuitClosed.String() {
			h.Status = "degraded"
		}
	}
	if a.Store != nil {
		h.Journal = "ok"
		if err := a.Store.Health(ctx); err != nil {
			h.Journal = err.Error()
			h.Status = "degraded"
		}
	}
	return h
}

// Close stops the janitor and releases the journal and Redis connections.
func (a *App) Close() error {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if err := a.closeRedis(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info().Msg("[App] shut down")
	return errors.Join(errs...)
}

func (a *App) closeRedis() error {
	if a.redis == nil {
		return nil
	}
	err := a.redis.Close()
	a.redis = nil
	if err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CACHE SIZERS
// ═══════════════════════════════════════════════════════════════════════════════

func sizeCandidate(c types.Candidate) int {
	n := len(c.Label) + len(c.Provider) + 16
	for _, e := range c.Evidence {
		n += len(e.Snippet) + len(e.Source)
	}
	return n
}

func sizeCachedTurn(t resolver.CachedTurn) int {
	return sizeCandidate(t.Candidate) + len(t.Query) + len(t.Transcript) + len(t.Intent)
}

func sizeTranscript(t provider.Transcript) int {
	return len(t.Text) + len(t.Language) + 8
}

func sizeFingerprint(e orchestrator.FingerprintEntry) int {
	n := 1
	for _, c := range e.Candidates {
		n += sizeCandidate(c)
	}
	return n
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/recall/internal/provider"
	"github.com/normanking/recall/internal/resilience"
)

// Config holds all configuration for the recall service.
// It is loaded from ~/.recall/config.yaml and can be overridden by environment variables.
type Config struct {
	Resolver     ResolverConfig           `mapstructure:"resolver" yaml:"resolver"`
	Providers    ProvidersConfig          `mapstructure:"providers" yaml:"providers"`
	Breaker      resilience.BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
	Retry        resilience.RetryPolicy   `mapstructure:"retry" yaml:"retry"`
	RateLimit    RateLimitConfig          `mapstructure:"rate_limit" yaml:"rate_limit"`
	Cache        CacheConfig              `mapstructure:"cache" yaml:"cache"`
	Conversation ConversationConfig       `mapstructure:"conversation" yaml:"conversation"`
	Voice        VoiceConfig              `mapstructure:"voice" yaml:"voice"`
	Store        StoreConfig              `mapstructure:"store" yaml:"store"`
	Server       ServerConfig             `mapstructure:"server" yaml:"server"`
	Logging      LoggingConfig            `mapstructure:"logging" yaml:"logging"`
}

// ResolverConfig contains the per-turn policy.
type ResolverConfig struct {
	// ConfidenceFloor is the minimum confidence surfaced as a direct answer (default 0.7)
	ConfidenceFloor float64 `mapstructure:"confidence_floor" yaml:"confidence_floor"`
	// TurnDeadline is the overall budget for one turn
	TurnDeadline time.Duration `mapstructure:"turn_deadline" yaml:"turn_deadline"`
	// UnclearTieWindow is how long a reasoning answer waits for a fingerprint answer (0 disables)
	UnclearTieWindow time.Duration `mapstructure:"unclear_tie_window" yaml:"unclear_tie_window"`
	// WrapUpGrace is how long a turn waits past its deadline for the best-effort result
	WrapUpGrace time.Duration `mapstructure:"wrap_up_grace" yaml:"wrap_up_grace"`
	// CoalescingEnabled merges concurrent identical requests
	CoalescingEnabled bool `mapstructure:"coalescing_enabled" yaml:"coalescing_enabled"`
}

// ProviderConfig configures one external adapter.
type ProviderConfig struct {
	// Endpoint is the service URL; empty leaves the adapter unconfigured
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// APIKey authenticates requests
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	// Model names the model for reasoning backends
	Model string `mapstructure:"model" yaml:"model"`
	// Backend selects the reasoning backend ("openai", "anthropic", "ollama")
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Timeout is the fixed budget for one call, retries included
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RequestsPerSecond throttles outbound calls (0 disables)
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	// Burst is the throttle's burst size
	Burst int `mapstructure:"burst" yaml:"burst"`
}

// ProvidersConfig lists every adapter.
type ProvidersConfig struct {
	Transcriber   ProviderConfig `mapstructure:"transcriber" yaml:"transcriber"`
	ShortReasoner ProviderConfig `mapstructure:"short_reasoner" yaml:"short_reasoner"`
	Reasoner      ProviderConfig `mapstructure:"reasoner" yaml:"reasoner"`
	Humming       ProviderConfig `mapstructure:"humming" yaml:"humming"`
	Fingerprint   ProviderConfig `mapstructure:"fingerprint" yaml:"fingerprint"`
}

// All returns the adapters keyed by adapter name.
func (p ProvidersConfig) All() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		provider.NameTranscriber:   p.Transcriber,
		provider.NameShortReasoner: p.ShortReasoner,
		provider.NameReasoner:      p.Reasoner,
		provider.NameHumming:       p.Humming,
		provider.NameFingerprint:   p.Fingerprint,
	}
}

// RateLimitConfig contains per-user admission bounds and the window backend.
type RateLimitConfig struct {
	resilience.RateLimitConfig `mapstructure:",squash" yaml:",inline"`
	// Backend is "memory" (single process) or "redis" (shared across processes)
	Backend                string `mapstructure:"backend" yaml:"backend"`
	resilience.RedisConfig `mapstructure:",squash" yaml:",inline"`
}

// CacheConfig bounds the shared caches.
type CacheConfig struct {
	Capacity        int           `mapstructure:"capacity" yaml:"capacity"`
	MaxBytes        int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	ConversationTTL time.Duration `mapstructure:"conversation_ttl" yaml:"conversation_ttl"`
	TranscriptTTL   time.Duration `mapstructure:"transcript_ttl" yaml:"transcript_ttl"`
	FingerprintTTL  time.Duration `mapstructure:"fingerprint_ttl" yaml:"fingerprint_ttl"`
	NoMatchTTL      time.Duration `mapstructure:"no_match_ttl" yaml:"no_match_ttl"`
}

// ConversationConfig controls conversation garbage collection.
type ConversationConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// VoiceConfig configures the audio session arbiter.
type VoiceConfig struct {
	// SettleDelay is the pause enforced between recording and playback
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// StoreConfig configures the turn journal.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file (empty disables file logging)
	File string `mapstructure:"file" yaml:"file"`
	// Console enables human-readable output on stderr
	Console bool `mapstructure:"console" yaml:"console"`
}

// Default returns a configuration with production defaults. Adapters are left
// unconfigured until an endpoint or key is supplied.
func Default() *Config {
	return &Config{
		Resolver: ResolverConfig{
			ConfidenceFloor:   0.7,
			TurnDeadline:      8 * time.Second,
			UnclearTieWindow:  150 * time.Millisecond,
			WrapUpGrace:       250 * time.Millisecond,
			CoalescingEnabled: true,
		},
		Providers: ProvidersConfig{
			Transcriber:   ProviderConfig{Timeout: 1500 * time.Millisecond, RequestsPerSecond: 50, Burst: 20},
			ShortReasoner: ProviderConfig{Backend: provider.BackendOpenAI, Model: "gpt-4o-mini", Timeout: 500 * time.Millisecond, RequestsPerSecond: 50, Burst: 20},
			Reasoner:      ProviderConfig{Backend: provider.BackendOpenAI, Model: "gpt-4o", Timeout: 1200 * time.Millisecond, RequestsPerSecond: 20, Burst: 10},
			Humming:       ProviderConfig{Timeout: 1500 * time.Millisecond, RequestsPerSecond: 20, Burst: 10},
			Fingerprint:   ProviderConfig{Timeout: 1500 * time.Millisecond, RequestsPerSecond: 20, Burst: 10},
		},
		Breaker: resilience.DefaultBreakerConfig(),
		Retry:   resilience.DefaultRetryPolicy(),
		RateLimit: RateLimitConfig{
			RateLimitConfig: resilience.DefaultRateLimitConfig(),
			Backend:         "memory",
			RedisConfig:     resilience.RedisConfig{Addr: "localhost:6379"},
		},
		Cache: CacheConfig{
			Capacity:        50000,
			MaxBytes:        64 << 20,
			ConversationTTL: 2 * time.Minute,
			TranscriptTTL:   10 * time.Minute,
			FingerprintTTL:  24 * time.Hour,
			NoMatchTTL:      10 * time.Minute,
		},
		Conversation: ConversationConfig{
			IdleTimeout:   15 * time.Minute,
			SweepInterval: time.Minute,
		},
		Voice: VoiceConfig{SettleDelay: 250 * time.Millisecond},
		Store: StoreConfig{
			Enabled: true,
			Path:    "~/.recall/turns.db",
		},
		Server: ServerConfig{Addr: ":8088"},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "~/.recall/logs/recall.log",
			Console: true,
		},
	}
}

// Load reads configuration from the default location (~/.recall/config.yaml).
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".recall", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
// Keys missing from the file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Enable environment variable overrides
	// Example: RECALL_RESOLVER_CONFIDENCE_FLOOR=0.8
	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.Path = expandPath(cfg.Store.Path)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	return &cfg, nil
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// GetDataDir returns the recall data directory path (~/.recall).
func (c *Config) GetDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".recall")
}

// WorstCaseTurn returns the longest sequential provider call graph of one
// turn: transcription, classification, the longest fallback chain, and a
// follow-up question.
func (c *Config) WorstCaseTurn() time.Duration {
	p := c.Providers
	chain := p.Humming.Timeout + p.Fingerprint.Timeout + p.Reasoner.Timeout
	return p.Transcriber.Timeout + p.ShortReasoner.Timeout + chain + p.Reasoner.Timeout
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	var errs []error

	if c.Resolver.ConfidenceFloor < 0 || c.Resolver.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("resolver.confidence_floor must be within [0,1], got %v", c.Resolver.ConfidenceFloor))
	}
	if c.Resolver.TurnDeadline <= 0 {
		errs = append(errs, errors.New("resolver.turn_deadline must be positive"))
	}
	if c.Resolver.UnclearTieWindow < 0 {
		errs = append(errs, errors.New("resolver.unclear_tie_window cannot be negative"))
	}
	if c.Resolver.WrapUpGrace < 0 {
		errs = append(errs, errors.New("resolver.wrap_up_grace cannot be negative"))
	}

	for name, p := range c.Providers.All() {
		if p.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("providers.%s.timeout must be positive", name))
		}
		if p.RequestsPerSecond < 0 || p.Burst < 0 {
			errs = append(errs, fmt.Errorf("providers.%s throttle cannot be negative", name))
		}
	}
	validBackends := map[string]bool{provider.BackendOpenAI: true, provider.BackendAnthropic: true, provider.BackendOllama: true}
	for name, p := range map[string]ProviderConfig{
		provider.NameShortReasoner: c.Providers.ShortReasoner,
		provider.NameReasoner:      c.Providers.Reasoner,
	} {
		if !validBackends[p.Backend] {
			errs = append(errs, fmt.Errorf("invalid providers.%s.backend '%s', must be one of: openai, anthropic, ollama", name, p.Backend))
		}
	}
	if worst := c.WorstCaseTurn(); c.Resolver.TurnDeadline > 0 && worst >= c.Resolver.TurnDeadline {
		errs = append(errs, fmt.Errorf("provider timeouts sum to %s, which must be below resolver.turn_deadline %s",
			worst, c.Resolver.TurnDeadline))
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	if c.Breaker.CoolDown <= 0 {
		errs = append(errs, errors.New("breaker.cool_down must be positive"))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within [0,1]"))
	}

	rl := c.RateLimit
	if rl.ShortLimit < 1 || rl.LongLimit < 1 || rl.MaxConcurrent < 1 {
		errs = append(errs, errors.New("rate_limit limits must be at least 1"))
	}
	if rl.ShortWindow <= 0 || rl.LongWindow <= 0 {
		errs = append(errs, errors.New("rate_limit windows must be positive"))
	}
	switch rl.Backend {
	case "memory":
	case "redis":
		if rl.Addr == "" {
			errs = append(errs, errors.New("rate_limit.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid rate_limit.backend '%s', must be 'memory' or 'redis'", rl.Backend))
	}

	if c.Cache.Capacity < 1 {
		errs = append(errs, errors.New("cache.capacity must be at least 1"))
	}
	if c.Cache.MaxBytes < 0 {
		errs = append(errs, errors.New("cache.max_bytes cannot be negative"))
	}
	for name, ttl := range map[string]time.Duration{
		"conversation_ttl": c.Cache.ConversationTTL,
		"transcript_ttl":   c.Cache.TranscriptTTL,
		"fingerprint_ttl":  c.Cache.FingerprintTTL,
		"no_match_ttl":     c.Cache.NoMatchTTL,
	} {
		if ttl <= 0 {
			errs = append(errs, fmt.Errorf("cache.%s must be positive", name))
		}
	}

	if c.Conversation.IdleTimeout <= 0 || c.Conversation.SweepInterval <= 0 {
		errs = append(errs, errors.New("conversation.idle_timeout and sweep_interval must be positive"))
	}
	if c.Voice.SettleDelay < 0 {
		errs = append(errs, errors.New("voice.settle_delay cannot be negative"))
	}
	if c.Store.Enabled && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required when the journal is enabled"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// API keys may be written here later, keep the file private.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/recall/internal/app"
	"github.com/normanking/recall/internal/conversation"
	"github.com/normanking/recall/internal/resilience"
	"github.com/normanking/recall/internal/resolver"
	"github.com/normanking/recall/internal/store"
	"github.com/normanking/recall/pkg/types"
)

// Resolver is the pipeline surface the server drives.
type Resolver interface {
	ResolveTurn(ctx context.Context, req resolver.TurnRequest) (*types.TurnResult, error)
	StartFresh(ctx context.Context, userID, convID string) error
	Reject(ctx context.Context, userID, convID, label string) error
	BeginListening(ctx context.Context, userID, convID string) error
	State(convID string) (conversation.Snapshot, bool)
}

// HealthChecker reports dependency state for GET /v1/health.
type HealthChecker interface {
	Health(ctx context.Context) app.Health
}

// History reads journaled turns.
type History interface {
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]store.Record, error)
}

// Server is the HTTP boundary.
type Server struct {
	config   *Config
	resolver Resolver
	health   HealthChecker
	history  History
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHealth enables GET /v1/health.
func WithHealth(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithHistory enables GET /v1/conversations/{id}/turns.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithGatherer serves GET /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a server. A nil cfg uses DefaultConfig.
func New(cfg *Config, res Resolver, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	s := &Server{
		config:   cfg,
		resolver: res,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/turns", s.handleHistory)
	mux.HandleFunc("POST /v1/conversations/{id}/listen", s.handleListen)
	mux.HandleFunc("POST /v1/conversations/{id}/reset", s.handleReset)
	mux.HandleFunc("POST /v1/conversations/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.instrument(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("[Server] listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.log.Info().Msg("[Server] shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ═══════════════════════════════════════════════════════════════════════════════

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				s.log.Error().Interface("panic", p).Str("path", r.URL.Path).Msg("[Server] handler panicked")
				writeAPIError(rec, http.StatusInternalServerError, types.ErrKindInternal, 0)
			}
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("elapsed", time.Since(start)).
				Msg("[Server] request")
		}()

		next.ServeHTTP(rec, r)
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESPONSES
// ═══════════════════════════════════════════════════════════════════════════════

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, kind types.ErrorKind, retryAfter time.Duration) {
	body := ErrorBody{
		Kind:              kind,
		Message:           types.UserMessage(kind, retryAfter),
		RetryAfterSeconds: retryAfterSeconds(retryAfter),
	}
	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	writeJSON(w, status, APIError{Code: status, Error: body})
}

// writeError maps a pipeline rejection to a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rl *resilience.RateLimitError
	switch {
	case errors.As(err, &rl):
		writeAPIError(w, http.StatusTooManyRequests, types.ErrKindRateLimited, rl.RetryAfter)
	case errors.Is(err, resolver.ErrUnauthenticated):
		writeAPIError(w, http.StatusUnauthorized, types.ErrKindUnauthenticated, 0)
	case errors.Is(err, resolver.ErrInvalidInput):
		writeAPIError(w, http.StatusBadRequest, types.ErrKindInvalidInput, 0)
	case errors.Is(err, conversation.ErrConversationOwner):
		writeAPIError(w, http.StatusForbidden, types.ErrKindUnauthenticated, 0)
	case errors.Is(err, conversation.ErrConversationBusy),
		errors.Is(err, conversation.ErrInvalidTransition):
		writeAPIError(w, http.StatusConflict, types.ErrKindConversationBusy, 0)
	default:
		s.log.Error().Err(err).Msg("[Server] request failed")
		writeAPIError(w, http.StatusInternalServerError, types.ErrKindInternal, 0)
	}
}

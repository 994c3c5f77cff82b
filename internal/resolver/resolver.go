// Package resolver is the entry point for a single conversational turn. It
// admits the request, serializes it within its conversation, computes (or
// reuses) the answer, advances the conversation state machine, and journals
// the finished turn.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/recall/internal/conversation"
	"github.com/normanking/recall/internal/intent"
	"github.com/normanking/recall/internal/logging"
	"github.com/normanking/recall/internal/orchestrator"
	"github.com/normanking/recall/internal/provider"
	"github.com/normanking/recall/internal/resilience"
	"github.com/normanking/recall/internal/store"
	"github.com/normanking/recall/pkg/types"
)

var (
	// ErrInvalidInput is returned for malformed requests before a turn is created.
	ErrInvalidInput = errors.New("resolver: invalid input")
	// ErrUnauthenticated is returned when the request carries no user.
	ErrUnauthenticated = errors.New("resolver: unauthenticated")
)

// Cache namespaces, used in keys and metric labels.
const (
	NamespaceTurn       = "turn"
	NamespaceTranscript = "transcript"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config bounds a turn.
type Config struct {
	// TurnDeadline is the overall budget for one turn. A shorter client hint wins.
	TurnDeadline time.Duration
	// ConversationTTL applies to cached conversational answers.
	ConversationTTL time.Duration
	// TranscriptTTL applies to cached transcripts.
	TranscriptTTL time.Duration
	// WrapUpGrace is how long a turn waits past its deadline for the
	// computation to hand back the best result it had.
	WrapUpGrace time.Duration
	// JournalTimeout bounds the journal write, which outlives the turn deadline.
	JournalTimeout time.Duration
	// MaxPayloadBytes rejects oversized audio or image payloads.
	MaxPayloadBytes int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TurnDeadline:    8 * time.Second,
		ConversationTTL: 2 * time.Minute,
		TranscriptTTL:   10 * time.Minute,
		WrapUpGrace:     250 * time.Millisecond,
		JournalTimeout:  5 * time.Second,
		MaxPayloadBytes: 10 << 20,
	}
}

// TurnRequest is one user input.
type TurnRequest struct {
	UserID         string
	ConversationID string
	Modality       types.Modality
	Text           string
	Audio          []byte
	// DeadlineHint is the client's own budget; zero means none.
	DeadlineHint time.Duration
}

// CachedTurn is a reusable resolved answer.
type CachedTurn struct {
	Candidate  types.Candidate
	Intent     types.IntentCategory
	Query      string
	Transcript string
}

// Journal persists finished turns.
type Journal interface {
	Append(ctx context.Context, r store.Record) error
}

// Metrics receives turn-level events.
type Metrics interface {
	orchestrator.Observer
	ObserveTurn(result *types.TurnResult)
	ObserveRateLimited(bound resilience.Bound)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCacheLookup(string, bool)     {}
func (nopMetrics) ObserveCoalesced(string, bool)       {}
func (nopMetrics) ObserveTurn(*types.TurnResult)       {}
func (nopMetrics) ObserveRateLimited(resilience.Bound) {}

// Resolver resolves turns. It is safe for concurrent use.
type Resolver struct {
	config       Config
	limiter      *resilience.RateLimiter
	registry     *conversation.Registry
	classifier   *intent.Classifier
	orchestrator *orchestrator.Orchestrator

	transcriber provider.Transcriber
	journal     Journal
	metrics     Metrics
	turns       *resilience.Cache[CachedTurn]
	transcripts *resilience.Cache[provider.Transcript]
	coalescer   *resilience.Coalescer
	now         func() time.Time
	log         zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTranscriber sets the speech-to-text adapter. Without one, audio turns
// proceed with an empty transcript.
func WithTranscriber(t provider.Transcriber) Option {
	return func(r *Resolver) { r.transcriber = t }
}

// WithJournal sets where finished turns are recorded.
func WithJournal(j Journal) Option {
	return func(r *Resolver) { r.journal = j }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithTurnCache shares the conversational answer cache.
func WithTurnCache(c *resilience.Cache[CachedTurn]) Option {
	return func(r *Resolver) { r.turns = c }
}

// WithTranscriptCache shares the transcript cache.
func WithTranscriptCache(c *resilience.Cache[provider.Transcript]) Option {
	return func(r *Resolver) { r.transcripts = c }
}

// WithCoalescer shares a coalescer.
func WithCoalescer(c *resilience.Coalescer) Option {
	return func(r *Resolver) { r.coalescer = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a resolver.
func New(cfg Config, limiter *resilience.RateLimiter, registry *conversation.Registry,
	classifier *intent.Classifier, orch *orchestrator.Orchestrator, opts ...Option) *Resolver {
	def := DefaultConfig()
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = def.TurnDeadline
	}
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = def.ConversationTTL
	}
	if cfg.TranscriptTTL <= 0 {
		cfg.TranscriptTTL = def.TranscriptTTL
	}
	if cfg.WrapUpGrace <= 0 {
		cfg.WrapUpGrace = def.WrapUpGrace
	}
	if cfg.JournalTimeout <= 0 {
		cfg.JournalTimeout = def.JournalTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}

	r := &Resolver{
		config:       cfg,
		limiter:      limiter,
		registry:     registry,
		classifier:   classifier,
		orchestrator: orch,
		metrics:      nopMetrics{},
		now:          time.Now,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.turns == nil {
		r.turns = resilience.NewCache[CachedTurn](resilience.CacheConfig{Capacity: 4096})
	}
	if r.transcripts == nil {
		r.transcripts = resilience.NewCache[provider.Transcript](resilience.CacheConfig{Capacity: 1024})
	}
	if r.coalescer == nil {
		r.coalescer = resilience.NewCoalescer(true)
	}
	return r
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESOLVE TURN
// ═══════════════════════════════════════════════════════════════════════════════

// computed is what a cache miss produces.
type computed struct {
	transcript string
	query      string
	decision   types.IntentDecision
	result     orchestrator.Result
	cached     bool
}

// ResolveTurn handles one user input end to end.
//
// The returned error is non-nil only when the request was rejected before a
// turn existed: *resilience.RateLimitError, ErrInvalidInput,
// ErrUnauthenticated, conversation.ErrConversationBusy or
// conversation.ErrConversationOwner. Every admitted turn yields a TurnResult,
// failures included.
func (r *Resolver) ResolveTurn(ctx context.Context, req TurnRequest) (*types.TurnResult, error) {
	start := r.now()
	if err := r.validate(req); err != nil {
		return nil, err
	}

	release, err := r.limiter.Admit(ctx, req.UserID)
	if err != nil {
		var rl *resilience.RateLimitError
		if errors.As(err, &rl) {
			r.metrics.ObserveRateLimited(rl.Bound)
			r.log.Debug().Str("user", req.UserID).Str("bound", string(rl.Bound)).Msg("[Resolver] rate limited")
			return nil, err
		}
		return nil, fmt.Errorf("admission: %w", err)
	}
	defer release()

	conv, releaseConv, err := r.registry.Acquire(req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}
	defer releaseConv()

	turn := &types.Turn{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Modality:       req.Modality,
		Text:           req.Text,
		Audio:          req.Audio,
		PayloadHash:    types.PayloadHash(req.Text, req.Audio),
		SubmittedAt:    start,
		Status:         types.TurnPending,
	}
	if err := conv.Submit(turn); err != nil {
		if errors.Is(err, conversation.ErrTurnInProgress) {
			return nil, fmt.Errorf("%w: %v", conversation.ErrConversationBusy, err)
		}
		return nil, err
	}
	// A panic below must not leave the conversation stuck in thinking.
	defer func() {
		if turn.Status == types.TurnPending {
			_ = conv.Fail(turn, types.ErrKindInternal, conversation.Note{})
		}
	}()

	deadline := r.config.TurnDeadline
	if req.DeadlineHint > 0 && req.DeadlineHint < deadline {
		deadline = req.DeadlineHint
	}
	turnCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	snap := conv.Snapshot()
	key := resilience.Key(NamespaceTurn, req.ConversationID, strconv.FormatUint(snap.Epoch, 10),
		string(req.Modality), turn.PayloadHash)

	c := r.lookupOrCompute(turnCtx, key, req, snap)
	result := r.apply(conv, turn, c)

	if res, ok := c.result.Outcome.(orchestrator.Resolved); ok && result.Outcome == types.OutcomeResolved &&
		!c.cached && !res.BestEffort && c.decision.Category != types.IntentGenerate {
		r.turns.Put(key, CachedTurn{
			Candidate:  res.Candidate,
			Intent:     c.decision.Category,
			Query:      c.query,
			Transcript: c.transcript,
		}, r.config.ConversationTTL)
	}

	result.Duration = r.now().Sub(start)
	r.record(ctx, turn, c, result)
	r.metrics.ObserveTurn(result)

	r.log.Info().
		Str("turn", turn.ID).
		Str("conversation", turn.ConversationID).
		Str("intent", string(result.Intent)).
		Str("outcome", string(result.Outcome)).
		Bool("cached", result.Cached).
		Dur("duration", result.Duration).
		Msg("[Resolver] turn finished")
	return result, nil
}

func (r *Resolver) validate(req TurnRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return ErrUnauthenticated
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	if !req.Modality.IsValid() {
		return fmt.Errorf("%w: unknown modality %q", ErrInvalidInput, req.Modality)
	}
	if len(req.Audio) > r.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidInput, len(req.Audio), r.config.MaxPayloadBytes)
	}
	switch {
	case req.Modality.IsAudio():
		if len(req.Audio) == 0 {
			return fmt.Errorf("%w: %s turn without audio", ErrInvalidInput, req.Modality)
		}
	case req.Modality == types.ModalityImage:
		if strings.TrimSpace(req.Text) == "" && len(req.Audio) == 0 {
			return fmt.Errorf("%w: image turn without payload", ErrInvalidInput)
		}
	default:
		if strings.TrimSpace(req.Text) == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidInput)
		}
	}
	return nil
}

// lookupOrCompute serves a reusable answer from the turn cache or computes a
// fresh one under the coalescer.
func (r *Resolver) lookupOrCompute(ctx context.Context, key string, req TurnRequest, snap conversation.Snapshot) computed {
	if hit, ok := r.turns.Get(key); ok && !snap.IsRejected(hit.Candidate.Label) {
		r.metrics.ObserveCacheLookup(NamespaceTurn, true)
		return computed{
			transcript: hit.Transcript,
			query:      hit.Query,
			decision:   types.IntentDecision{Category: hit.Intent, Confidence: 1},
			result:     orchestrator.Result{Outcome: orchestrator.Resolved{Candidate: hit.Candidate}},
			cached:     true,
		}
	}
	r.metrics.ObserveCacheLookup(NamespaceTurn, false)

	// heard keeps the transcript when the computation is abandoned.
	var heard atomic.Pointer[string]
	c, shared, err := resilience.CoalesceWithGrace(ctx, r.coalescer, key, r.config.WrapUpGrace,
		func(ctx context.Context) (computed, error) {
			return r.compute(ctx, req, snap, &heard), nil
		})
	r.metrics.ObserveCoalesced(NamespaceTurn, shared)
	if err != nil {
		kind := types.ErrKindTimeout
		switch {
		case errors.Is(err, resilience.ErrPanicked):
			kind = types.ErrKindInternal
		case errors.Is(err, context.Canceled):
			kind = types.ErrKindCanceled
		}
		r.log.Error().Err(err).Str("kind", string(kind)).Msg("[Resolver] turn computation aborted")
		return computed{
			transcript: r.heardTranscript(&heard, req),
			result:     orchestrator.Result{Outcome: orchestrator.Failed{Kind: kind}},
		}
	}
	return c
}

// heardTranscript returns the transcript produced for an abandoned turn: from
// this caller's own computation, or from the transcript cache when another
// caller's flight transcribed the same audio.
func (r *Resolver) heardTranscript(heard *atomic.Pointer[string], req TurnRequest) string {
	if !req.Modality.IsAudio() {
		return ""
	}
	if t := heard.Load(); t != nil {
		return *t
	}
	if t, ok := r.transcripts.Get(resilience.Key(NamespaceTranscript, types.PayloadHash("", req.Audio))); ok {
		return t.Text
	}
	return ""
}

// compute transcribes, classifies and orchestrates one turn.
func (r *Resolver) compute(ctx context.Context, req TurnRequest, snap conversation.Snapshot, heard *atomic.Pointer[string]) computed {
	var c computed
	text := req.Text

	if req.Modality.IsAudio() {
		t, err := r.transcribe(ctx, req.Audio)
		switch {
		case err == nil:
			c.transcript = t.Text
			heard.Store(&t.Text)
		case provider.KindOf(err) == types.ErrKindInvalidInput:
			c.result = orchestrator.Result{
				Outcome:   orchestrator.Failed{Kind: types.ErrKindInvalidInput},
				Providers: []string{provider.NameTranscriber},
			}
			return c
		case !provider.IsSkippable(err):
			r.log.Warn().Err(err).Msg("[Resolver] transcription failed, continuing without transcript")
		}
		if c.transcript != "" {
			text = strings.TrimSpace(strings.Join([]string{req.Text, c.transcript}, " "))
		}
	}
	c.query = text

	c.decision = r.classifier.Classify(ctx, text, req.Modality)
	c.result = r.orchestrator.Run(ctx, orchestrator.Request{
		Decision:    c.decision,
		Modality:    req.Modality,
		Transcript:  text,
		Audio:       req.Audio,
		PayloadHash: types.PayloadHash("", req.Audio),
		Context:     snap,
	})
	return c
}

// transcribe runs speech-to-text through the content-addressed transcript cache.
func (r *Resolver) transcribe(ctx context.Context, audio []byte) (provider.Transcript, error) {
	if r.transcriber == nil {
		return provider.Transcript{}, provider.ErrNotConfigured
	}
	key := resilience.Key(NamespaceTranscript, types.PayloadHash("", audio))
	if t, ok := r.transcripts.Get(key); ok {
		r.metrics.ObserveCacheLookup(NamespaceTranscript, true)
		return t, nil
	}
	r.metrics.ObserveCacheLookup(NamespaceTranscript, false)

	t, shared, err := resilience.Coalesce(ctx, r.coalescer, key, func(ctx context.Context) (provider.Transcript, error) {
		t, err := r.transcriber.Transcribe(ctx, audio)
		if err != nil {
			return provider.Transcript{}, err
		}
		r.transcripts.Put(key, t, r.config.TranscriptTTL)
		return t, nil
	})
	r.metrics.ObserveCoalesced(NamespaceTranscript, shared)
	return t, err
}

// apply advances the state machine with the computed outcome and builds the
// caller's result.
func (r *Resolver) apply(conv *conversation.Conversation, turn *types.Turn, c computed) *types.TurnResult {
	result := &types.TurnResult{
		TurnID:         turn.ID,
		ConversationID: turn.ConversationID,
		Intent:         c.decision.Category,
		Transcript:     c.transcript,
		Cached:         c.cached,
	}
	note := conversation.Note{Query: c.query, Intent: c.decision.Category}

	var err error
	switch o := c.result.Outcome.(type) {
	case orchestrator.Resolved:
		cand := o.Candidate
		if err = conv.Resolve(turn, cand, note); err == nil {
			result.Outcome = types.OutcomeResolved
			result.Candidate = &cand
		}
	case orchestrator.FollowUp:
		var q string
		if q, err = conv.AskFollowUp(turn, o.Question, note); err == nil {
			result.Outcome = types.OutcomeFollowUp
			result.Question = q
		}
	case orchestrator.Failed:
		if err = conv.Fail(turn, o.Kind, note); err == nil {
			result.Outcome = types.OutcomeError
			result.Error = types.NewTurnError(o.Kind, 0)
		}
	default:
		err = fmt.Errorf("unknown outcome %T", c.result.Outcome)
	}

	if err != nil {
		// The conversation moved on (StartFresh) while this turn was thinking.
		r.log.Warn().Err(err).Str("turn", turn.ID).Msg("[Resolver] turn superseded")
		_ = turn.SetStatus(types.TurnFailed)
		result.Outcome = types.OutcomeError
		result.Candidate = nil
		result.Question = ""
		result.Error = types.NewTurnError(types.ErrKindInternal, 0)
	}
	return result
}

// record appends the finished turn to the journal on a detached context so a
// fired turn deadline does not lose the write.
func (r *Resolver) record(ctx context.Context, turn *types.Turn, c computed, result *types.TurnResult) {
	if r.journal == nil {
		return
	}
	rec := store.Record{
		TurnID:         turn.ID,
		ConversationID: turn.ConversationID,
		UserID:         turn.UserID,
		Modality:       string(turn.Modality),
		PayloadHash:    turn.PayloadHash,
		Intent:         string(result.Intent),
		IntentPath:     string(c.decision.Path),
		Outcome:        string(result.Outcome),
		Question:       result.Question,
		Transcript:     result.Transcript,
		Providers:      c.result.Providers,
		Cached:         result.Cached,
		Duration:       result.Duration,
		SubmittedAt:    turn.SubmittedAt,
	}
	if result.Candidate != nil {
		rec.Label = result.Candidate.Label
		rec.Confidence = result.Candidate.Confidence
		rec.BestEffort = result.Candidate.LowConfidence
	}
	if result.Error != nil {
		rec.ErrorKind = string(result.Error.Kind)
	}

	jctx, cancel := logging.DetachContextWithTimeout(ctx, r.config.JournalTimeout)
	defer cancel()
	if err := r.journal.Append(jctx, rec); err != nil {
		r.log.Warn().Err(err).Str("turn", turn.ID).Msg("[Resolver] journal append failed")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSATION CONTROLS
// ═══════════════════════════════════════════════════════════════════════════════

func (r *Resolver) open(userID, convID string) (*conversation.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthenticated
	}
	if strings.TrimSpace(convID) == "" {
		return nil, fmt.Errorf("%w: missing conversation id", ErrInvalidInput)
	}
	return r.registry.Open(convID, userID)
}

// StartFresh resets a conversation to idle and discards its context. Answers
// cached for the old context are no longer reachable.
func (r *Resolver) StartFresh(_ context.Context, userID, convID string) error {
	conv, err := r.open(userID, convID)
	if err != nil {
		return err
	}
	conv.StartFresh()
	r.log.Debug().Str("conversation", convID).Msg("[Resolver] conversation reset")
	return nil
}

// Reject records that label was the wrong answer. It is never surfaced again
// in this conversation.
func (r *Resolver) Reject(_ context.Context, userID, convID, label string) error {
	if strings.TrimSpace(label) == "" {
		return fmt.Errorf("%w: empty label", ErrInvalidInput)
	}
	conv, err := r.open(userID, convID)
	if err != nil {
		return err
	}
	conv.Reject(label)
	return nil
}

// BeginListening marks that the client started capturing audio.
func (r *Resolver) BeginListening(_ context.Context, userID, convID string) error {
	conv, err := r.open(userID, convID)
	if err != nil {
		return err
	}
	return conv.BeginListening()
}

// State returns a snapshot of a conversation.
func (r *Resolver) State(convID string) (conversation.Snapshot, bool) {
	conv, ok := r.registry.Get(convID)
	if !ok {
		return conversation.Snapshot{}, false
	}
	return conv.Snapshot(), true
}

// Package orchestrator executes the recognition path chosen for a turn's
// intent, merges provider results, and decides between answering, asking a
// clarifying follow-up, or failing.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/recall/internal/conversation"
	"github.com/normanking/recall/internal/provider"
	"github.com/normanking/recall/internal/resilience"
	"github.com/normanking/recall/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOMES
// ═══════════════════════════════════════════════════════════════════════════════

// Outcome is one of Resolved, FollowUp or Failed.
type Outcome interface {
	isOutcome()
}

// Resolved surfaces a single candidate. BestEffort is set when the turn
// deadline expired before the candidate cleared the confidence floor.
type Resolved struct {
	Candidate  types.Candidate
	BestEffort bool
}

// FollowUp asks the user a clarifying question. An empty Question means the
// reasoning provider could not write one and the conversation's bank must.
type FollowUp struct {
	Question string
	Best     *types.Candidate
}

// Failed means every provider on the path failed.
type Failed struct {
	Kind types.ErrorKind
}

func (Resolved) isOutcome() {}
func (FollowUp) isOutcome() {}
func (Failed) isOutcome()   {}

// Result is what Run returns: the outcome and the providers that contributed.
type Result struct {
	Outcome   Outcome
	Providers []string
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Providers are the adapters the orchestrator may call. A nil adapter is
// treated as not configured.
type Providers struct {
	Reasoner    provider.Reasoner
	Humming     provider.Fingerprinter
	Fingerprint provider.Fingerprinter
}

// Config holds the resolution policy.
type Config struct {
	// ConfidenceFloor is the minimum confidence surfaced as a direct answer.
	ConfidenceFloor float64
	// TieWindow is how long a floor-clearing reasoning result waits for a
	// floor-clearing fingerprint result on the unclear path. Zero disables it.
	TieWindow time.Duration
	// FingerprintTTL applies to cached fingerprint matches.
	FingerprintTTL time.Duration
	// NoMatchTTL applies to cached "no match" markers.
	NoMatchTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor: 0.7,
		TieWindow:       150 * time.Millisecond,
		FingerprintTTL:  24 * time.Hour,
		NoMatchTTL:      10 * time.Minute,
	}
}

// FingerprintEntry is the cached result of one fingerprint lookup.
type FingerprintEntry struct {
	Candidates []types.Candidate
	NoMatch    bool
}

// CacheNamespace labels fingerprint lookups in keys and metrics.
const CacheNamespace = "fingerprint"

// Observer receives cache and coalescing events.
type Observer interface {
	ObserveCacheLookup(namespace string, hit bool)
	ObserveCoalesced(namespace string, shared bool)
}

type nopObserver struct{}

func (nopObserver) ObserveCacheLookup(string, bool) {}
func (nopObserver) ObserveCoalesced(string, bool)   {}

// Orchestrator runs recognition paths. It is safe for concurrent use.
type Orchestrator struct {
	providers Providers
	config    Config
	cache     *resilience.Cache[FingerprintEntry]
	coalescer *resilience.Coalescer
	observer  Observer
	log       zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithObserver sets the cache/coalescing observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithFingerprintCache shares a fingerprint cache with other components.
func WithFingerprintCache(c *resilience.Cache[FingerprintEntry]) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithCoalescer shares a coalescer with other components.
func WithCoalescer(c *resilience.Coalescer) Option {
	return func(o *Orchestrator) { o.coalescer = c }
}

// New creates an orchestrator.
func New(p Providers, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers: p,
		config:    cfg,
		observer:  nopObserver{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cache == nil {
		o.cache = resilience.NewCache[FingerprintEntry](resilience.CacheConfig{Capacity: 4096})
	}
	if o.coalescer == nil {
		o.coalescer = resilience.NewCoalescer(true)
	}
	return o
}

// Request is everything the orchestrator needs for one turn.
type Request struct {
	Decision    types.IntentDecision
	Modality    types.Modality
	Transcript  string
	Audio       []byte
	PayloadHash string
	// Context is a read-only snapshot of the conversation.
	Context conversation.Snapshot
}

// Run resolves one turn. It never returns an error: failures are a Failed outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	run := &turnRun{o: o, req: req, tally: &tally{}}
	steps, concurrent := run.plan()

	if concurrent {
		run.race(ctx, steps)
	} else {
		run.sequence(ctx, steps)
	}
	return run.finish(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PATH SELECTION
// ═══════════════════════════════════════════════════════════════════════════════

type step struct {
	name        string
	fingerprint bool
	run         func(ctx context.Context, hints []string) stepResult
}

type stepResult struct {
	name        string
	fingerprint bool
	candidates  []types.Candidate // rejected candidates removed, best first
	answered    bool              // provider returned a definitive result, possibly empty
	skipped     bool
	err         error
}

func (r stepResult) best() *types.Candidate {
	if len(r.candidates) == 0 {
		return nil
	}
	return &r.candidates[0]
}

type turnRun struct {
	o     *Orchestrator
	req   Request
	tally *tally
}

// plan returns the steps for the intent and whether they run concurrently.
func (r *turnRun) plan() ([]step, bool) {
	hasAudio := r.req.Modality.IsAudio() && len(r.req.Audio) > 0
	p := r.o.providers

	fingerprints := func(order ...provider.Fingerprinter) []step {
		if !hasAudio {
			return nil
		}
		var out []step
		for _, fp := range order {
			if fp != nil {
				out = append(out, r.fingerprintStep(fp))
			}
		}
		return out
	}

	switch r.req.Decision.Category {
	case types.IntentInformation:
		return []step{r.reasonStep(provider.FrameInformation)}, false
	case types.IntentFindTarget:
		return []step{r.reasonStep(provider.FrameFindTarget)}, false
	case types.IntentGenerate:
		return []step{r.reasonStep(provider.FrameGenerate)}, false
	case types.IntentHumming:
		return append(fingerprints(p.Humming, p.Fingerprint), r.reasonStep(provider.FrameIdentify)), false
	case types.IntentBackgroundAudio:
		return append(fingerprints(p.Fingerprint, p.Humming), r.reasonStep(provider.FrameIdentify)), false
	case types.IntentUnclear:
		frame := provider.FrameConversation
		if hasAudio {
			frame = provider.FrameIdentify
		}
		return append(fingerprints(p.Humming, p.Fingerprint), r.reasonStep(frame)), true
	default:
		return []step{r.reasonStep(provider.FrameConversation)}, false
	}
}

// query is the text sent to the reasoning provider.
func (r *turnRun) query() string {
	if r.req.Transcript != "" {
		return r.req.Transcript
	}
	switch r.req.Modality {
	case types.ModalityHummedAudio:
		return "(the user hummed a melody; no words were recognized)"
	case types.ModalityBackgroundAudio:
		return "(music playing in the background; no words were recognized)"
	case types.ModalityVoice:
		return "(the user spoke but no words were recognized)"
	}
	return ""
}

func (r *turnRun) filter(in []types.Candidate) []types.Candidate {
	out := make([]types.Candidate, 0, len(in))
	for _, c := range in {
		if r.req.Context.IsRejected(c.Label) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func (r *turnRun) reasonStep(frame provider.PromptFrame) step {
	return step{
		name: provider.NameReasoner,
		run: func(ctx context.Context, hints []string) stepResult {
			res := stepResult{name: provider.NameReasoner}
			if r.o.providers.Reasoner == nil {
				res.skipped = true
				return res
			}
			out, err := r.o.providers.Reasoner.Answer(ctx, provider.AnswerRequest{
				Frame:          frame,
				Query:          r.query(),
				History:        r.req.Context.Queries(),
				Clarifications: r.req.Context.Clarifications,
				Rejected:       r.req.Context.Rejected,
				Hints:          hints,
			})
			if err != nil {
				if provider.IsSkippable(err) {
					res.skipped = true
					return res
				}
				res.err = err
				return res
			}
			res.answered = true
			if ans, ok := out.(provider.Answer); ok {
				res.candidates = r.filter([]types.Candidate{ans.Candidate})
			}
			return res
		},
	}
}

func (r *turnRun) fingerprintStep(fp provider.Fingerprinter) step {
	name := fp.Name()
	return step{
		name:        name,
		fingerprint: true,
		run: func(ctx context.Context, _ []string) stepResult {
			res := stepResult{name: name, fingerprint: true}
			entry, err := r.o.identify(ctx, fp, r.req)
			if err != nil {
				if provider.IsSkippable(err) {
					res.skipped = true
					return res
				}
				res.err = err
				return res
			}
			res.answered = true
			res.candidates = r.filter(entry.Candidates)
			return res
		},
	}
}

// identify looks up a fingerprint result by content. Lookups are shared across
// users: the key holds only the provider, modality and payload hash.
func (o *Orchestrator) identify(ctx context.Context, fp provider.Fingerprinter, req Request) (FingerprintEntry, error) {
	key := resilience.Key(CacheNamespace, fp.Name(), string(req.Modality), req.PayloadHash)
	if entry, ok := o.cache.Get(key); ok {
		o.observer.ObserveCacheLookup(CacheNamespace, true)
		return entry, nil
	}
	o.observer.ObserveCacheLookup(CacheNamespace, false)

	entry, shared, err := resilience.Coalesce(ctx, o.coalescer, key, func(ctx context.Context) (FingerprintEntry, error) {
		out, err := fp.Identify(ctx, req.Audio)
		if err != nil {
			return FingerprintEntry{}, err
		}
		var e FingerprintEntry
		switch v := out.(type) {
		case provider.Match:
			e.Candidates = v.Candidates
		default:
			e.NoMatch = true
		}
		ttl := o.config.FingerprintTTL
		if e.NoMatch {
			ttl = o.config.NoMatchTTL
		}
		o.cache.Put(key, e, ttl)
		return e, nil
	})
	o.observer.ObserveCoalesced(CacheNamespace, shared)
	return entry, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

// sequence runs steps in order until one clears the floor or the deadline fires.
func (r *turnRun) sequence(ctx context.Context, steps []step) {
	floor := r.o.config.ConfidenceFloor
	for _, s := range steps {
		if ctx.Err() != nil {
			return
		}
		res := s.run(ctx, r.tally.hints())
		r.record(res)
		if best, ok := r.tally.best(); ok && best.Confidence >= floor {
			return
		}
	}
}

// race runs steps concurrently. The first floor-clearing result wins, except
// that a reasoning result waits up to TieWindow for a floor-clearing
// fingerprint result, which is preferred.
func (r *turnRun) race(ctx context.Context, steps []step) {
	floor := r.o.config.ConfidenceFloor

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(raceCtx)

	results := make(chan stepResult, len(steps))
	fingerprintsLeft := 0
	for _, s := range steps {
		if s.fingerprint {
			fingerprintsLeft++
		}
		g.Go(func() error {
			results <- s.run(gctx, nil)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	var held *types.Candidate
	var tie <-chan time.Time
	for {
		select {
		case res, ok := <-results:
			if !ok {
				if held != nil {
					r.tally.winner = held
				}
				return
			}
			r.record(res)
			if res.fingerprint {
				fingerprintsLeft--
			}
			if c := res.best(); c != nil && c.Confidence >= floor {
				if res.fingerprint {
					r.tally.winner = c
					return
				}
				held = c
				if fingerprintsLeft == 0 || r.o.config.TieWindow <= 0 {
					r.tally.winner = held
					return
				}
				if tie == nil {
					timer := time.NewTimer(r.o.config.TieWindow)
					defer timer.Stop()
					tie = timer.C
				}
				continue
			}
			if held != nil && fingerprintsLeft == 0 {
				r.tally.winner = held
				return
			}
		case <-tie:
			r.tally.winner = held
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *turnRun) record(res stepResult) {
	r.tally.add(res)
	ev := r.o.log.Debug().
		Str("provider", res.name).
		Int("candidates", len(res.candidates)).
		Bool("answered", res.answered).
		Bool("skipped", res.skipped)
	if res.err != nil {
		ev = ev.Str("kind", string(provider.KindOf(res.err)))
	}
	ev.Msg("[Orchestrator] step finished")
}

// finish turns the tally into an outcome.
func (r *turnRun) finish(ctx context.Context) Result {
	t := r.tally
	floor := r.o.config.ConfidenceFloor

	winner := t.winner
	if winner == nil {
		if b, ok := t.best(); ok && b.Confidence >= floor {
			winner = &b
		}
	}
	if winner != nil {
		return Result{Outcome: Resolved{Candidate: *winner}, Providers: t.used}
	}

	best, hasBest := t.best()
	if hasBest {
		best.LowConfidence = true
	}

	if ctx.Err() != nil {
		switch {
		case hasBest:
			return Result{Outcome: Resolved{Candidate: best, BestEffort: true}, Providers: t.used}
		case t.answered:
			return Result{Outcome: FollowUp{}, Providers: t.used}
		case errors.Is(ctx.Err(), context.Canceled):
			return Result{Outcome: Failed{Kind: types.ErrKindCanceled}, Providers: t.used}
		default:
			return Result{Outcome: Failed{Kind: types.ErrKindTimeout}, Providers: t.used}
		}
	}

	if !hasBest && !t.answered {
		return Result{Outcome: Failed{Kind: t.failureKind()}, Providers: t.used}
	}

	var bestPtr *types.Candidate
	if hasBest {
		bestPtr = &best
	}
	question := r.followUp(ctx, bestPtr)
	return Result{Outcome: FollowUp{Question: question, Best: bestPtr}, Providers: t.used}
}

// followUp asks the reasoning provider for a clarifying question. It returns ""
// when none could be produced.
func (r *turnRun) followUp(ctx context.Context, best *types.Candidate) string {
	if r.o.providers.Reasoner == nil {
		return ""
	}
	q, err := r.o.providers.Reasoner.FollowUp(ctx, provider.FollowUpRequest{
		Query:    r.query(),
		Best:     best,
		Asked:    r.req.Context.Asked,
		Rejected: r.req.Context.Rejected,
	})
	if err != nil {
		if !provider.IsSkippable(err) {
			r.tally.markUsed(provider.NameReasoner)
			r.o.log.Warn().Err(err).Msg("[Orchestrator] follow-up question failed, falling back to bank")
		}
		return ""
	}
	r.tally.markUsed(provider.NameReasoner)
	return q
}

// ═══════════════════════════════════════════════════════════════════════════════
// TALLY
// ═══════════════════════════════════════════════════════════════════════════════

type tally struct {
	candidates []types.Candidate
	answered   bool
	failures   []types.ErrorKind
	used       []string
	winner     *types.Candidate
}

func (t *tally) add(res stepResult) {
	if res.skipped {
		return
	}
	t.markUsed(res.name)
	if res.err != nil {
		t.failures = append(t.failures, provider.KindOf(res.err))
		return
	}
	if res.answered {
		t.answered = true
	}
	t.candidates = append(t.candidates, res.candidates...)
}

func (t *tally) markUsed(name string) {
	for _, u := range t.used {
		if u == name {
			return
		}
	}
	t.used = append(t.used, name)
}

// best returns the highest-confidence candidate; fingerprint results win ties.
func (t *tally) best() (types.Candidate, bool) {
	if len(t.candidates) == 0 {
		return types.Candidate{}, false
	}
	best := t.candidates[0]
	for _, c := range t.candidates[1:] {
		switch {
		case c.Confidence > best.Confidence:
			best = c
		case c.Confidence == best.Confidence && isFingerprint(c.Provider) && !isFingerprint(best.Provider):
			best = c
		}
	}
	return best, true
}

// hints lists below-floor candidates gathered so far, for transcript-grounded reasoning.
func (t *tally) hints() []string {
	if len(t.candidates) == 0 {
		return nil
	}
	out := make([]string, 0, len(t.candidates))
	for _, c := range t.candidates {
		out = append(out, c.Label)
	}
	return out
}

// failureKind summarizes why every provider failed.
func (t *tally) failureKind() types.ErrorKind {
	if len(t.failures) == 0 {
		return types.ErrKindProviderUnavailable
	}
	allTimeout := true
	for _, k := range t.failures {
		if k == types.ErrKindInvalidInput {
			return types.ErrKindInvalidInput
		}
		if k != types.ErrKindTimeout {
			allTimeout = false
		}
	}
	if allTimeout {
		return types.ErrKindTimeout
	}
	return types.ErrKindProviderUnavailable
}

func isFingerprint(name string) bool {
	return name == provider.NameHumming || name == provider.NameFingerprint
}

// Package intent decides which recognition path a turn should take.
//
// Classification has three paths, tried in order:
//
//  1. Modality: a declared hum or background capture decides the category outright.
//  2. Model: a short, low-cost reasoning call classifies the transcript.
//  3. Heuristic: if the model path fails for any reason, a modality-based default
//     is returned. Classification never fails a turn.
package intent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/recall/internal/provider"
	"github.com/normanking/recall/pkg/types"
)

// Classifier produces an IntentDecision for a transcript and modality.
type Classifier struct {
	model  provider.IntentModel
	log    zerolog.Logger
	minLen int

	stats Stats
	mu    sync.Mutex
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the classifier's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Classifier) { c.log = l }
}

// WithMinTextLength sets how many non-space characters a transcript needs
// before the model path is tried. Shorter input goes straight to the heuristic.
func WithMinTextLength(n int) Option {
	return func(c *Classifier) { c.minLen = n }
}

// NewClassifier creates a classifier. A nil model disables the model path.
func NewClassifier(model provider.IntentModel, opts ...Option) *Classifier {
	c := &Classifier{
		model:  model,
		log:    zerolog.Nop(),
		minLen: 1,
		stats: Stats{
			Distribution: make(map[types.IntentCategory]int64),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify decides the intent of one turn. It never returns an error; provider
// failures degrade to the heuristic path.
func (c *Classifier) Classify(ctx context.Context, text string, modality types.Modality) types.IntentDecision {
	start := time.Now()

	switch modality {
	case types.ModalityHummedAudio:
		return c.record(types.IntentDecision{
			Category:   types.IntentHumming,
			Confidence: 1.0,
			Rationale:  "client declared a hummed capture",
			Path:       types.PathModality,
		}, start, "")
	case types.ModalityBackgroundAudio:
		return c.record(types.IntentDecision{
			Category:   types.IntentBackgroundAudio,
			Confidence: 1.0,
			Rationale:  "client declared a background capture",
			Path:       types.PathModality,
		}, start, "")
	}

	if c.model == nil {
		return c.record(heuristic(modality, "no intent model"), start, "")
	}
	if len(strings.TrimSpace(text)) < c.minLen {
		return c.record(heuristic(modality, "empty transcript"), start, "")
	}

	verdict, err := c.model.Classify(ctx, text, modality)
	if err != nil {
		kind := provider.KindOf(err)
		if !provider.IsSkippable(err) {
			c.log.Warn().Err(err).Str("kind", string(kind)).Msg("[Intent] model classification failed, using heuristic")
		}
		return c.record(heuristic(modality, "classification unavailable: "+string(kind)), start, kind)
	}

	return c.record(types.IntentDecision{
		Category:   verdict.Category,
		Confidence: types.ClampConfidence(verdict.Confidence),
		Rationale:  verdict.Rationale,
		Path:       types.PathModel,
	}, start, "")
}

// heuristic is the degraded default: audio that could not be classified is
// unclear, everything else is treated as conversation.
func heuristic(modality types.Modality, why string) types.IntentDecision {
	category := types.IntentConversation
	if modality.IsAudio() {
		category = types.IntentUnclear
	}
	return types.IntentDecision{
		Category:   category,
		Confidence: 0,
		Rationale:  why,
		Path:       types.PathHeuristic,
	}
}

func (c *Classifier) record(d types.IntentDecision, start time.Time, failure types.ErrorKind) types.IntentDecision {
	elapsed := time.Since(start)

	c.mu.Lock()
	c.stats.Total++
	switch d.Path {
	case types.PathModality:
		c.stats.ModalityHits++
	case types.PathModel:
		c.stats.ModelHits++
	case types.PathHeuristic:
		c.stats.HeuristicHits++
	}
	if failure != "" {
		c.stats.ModelFailures++
	}
	c.stats.Distribution[d.Category]++
	total := float64(c.stats.Total)
	c.stats.AverageLatencyMs = (c.stats.AverageLatencyMs*(total-1) + float64(elapsed.Microseconds())/1000) / total
	c.mu.Unlock()

	c.log.Debug().
		Str("category", string(d.Category)).
		Str("path", string(d.Path)).
		Float64("confidence", d.Confidence).
		Dur("elapsed", elapsed).
		Msg("[Intent] classified")
	return d
}

// Stats returns a copy of the classifier statistics.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Distribution = make(map[types.IntentCategory]int64, len(c.stats.Distribution))
	for k, v := range c.stats.Distribution {
		out.Distribution[k] = v
	}
	return out
}

// Stats tracks classification counts for monitoring and tuning.
type Stats struct {
	Total         int64 `json:"total"`
	ModalityHits  int64 `json:"modality_hits"`
	ModelHits     int64 `json:"model_hits"`
	HeuristicHits int64 `json:"heuristic_hits"`

	// ModelFailures counts model calls that returned an error.
	ModelFailures int64 `json:"model_failures"`

	Distribution     map[types.IntentCategory]int64 `json:"distribution"`
	AverageLatencyMs float64                        `json:"average_latency_ms"`
}

// ModelRatio returns the percentage of decisions reached on the model path.
func (s Stats) ModelRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.ModelHits) / float64(s.Total) * 100
}

package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/normanking/recall/internal/provider"
	"github.com/normanking/recall/pkg/types"
)

type stubModel struct {
	verdict provider.IntentVerdict
	err     error
	calls   int
}

func (m *stubModel) Classify(ctx context.Context, text string, modality types.Modality) (provider.IntentVerdict, error) {
	m.calls++
	return m.verdict, m.err
}

func TestClassify_ModalityPath(t *testing.T) {
	model := &stubModel{}
	c := NewClassifier(model)

	d := c.Classify(context.Background(), "", types.ModalityHummedAudio)
	assert.Equal(t, types.IntentHumming, d.Category)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, types.PathModality, d.Path)

	d = c.Classify(context.Background(), "some lyrics maybe", types.ModalityBackgroundAudio)
	assert.Equal(t, types.IntentBackgroundAudio, d.Category)
	assert.Equal(t, types.PathModality, d.Path)

	assert.Equal(t, 0, model.calls, "declared captures never call the model")
}

func TestClassify_ModelPath(t *testing.T) {
	model := &stubModel{verdict: provider.IntentVerdict{
		Category:   types.IntentConversation,
		Confidence: 0.95,
		Rationale:  "asks about a band",
	}}
	c := NewClassifier(model)

	d := c.Classify(context.Background(), "tell me about The Beatles", types.ModalityText)
	assert.Equal(t, types.IntentConversation, d.Category)
	assert.Equal(t, 0.95, d.Confidence)
	assert.Equal(t, types.PathModel, d.Path)
	assert.Equal(t, 1, model.calls)
}

func TestClassify_HeuristicDegradation(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		modality types.Modality
		want     types.IntentCategory
	}{
		{"voice unavailable", &provider.Error{Provider: "short_reasoner", Kind: types.ErrKindProviderUnavailable}, types.ModalityVoice, types.IntentUnclear},
		{"text timeout", context.DeadlineExceeded, types.ModalityText, types.IntentConversation},
		{"image circuit open", &provider.Error{Provider: "short_reasoner", Kind: types.ErrKindCircuitOpen}, types.ModalityImage, types.IntentConversation},
		{"voice not configured", provider.ErrNotConfigured, types.ModalityVoice, types.IntentUnclear},
		{"text unknown error", errors.New("boom"), types.ModalityText, types.IntentConversation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(&stubModel{err: tt.err})
			d := c.Classify(context.Background(), "hello there", tt.modality)
			assert.Equal(t, tt.want, d.Category)
			assert.Equal(t, types.PathHeuristic, d.Path)
			assert.Equal(t, 0.0, d.Confidence)
		})
	}
}

func TestClassify_NilModelAndEmptyText(t *testing.T) {
	c := NewClassifier(nil)
	d := c.Classify(context.Background(), "what's that song", types.ModalityVoice)
	assert.Equal(t, types.IntentUnclear, d.Category)
	assert.Equal(t, types.PathHeuristic, d.Path)

	model := &stubModel{verdict: provider.IntentVerdict{Category: types.IntentGenerate, Confidence: 1}}
	c = NewClassifier(model, WithMinTextLength(3))
	d = c.Classify(context.Background(), "  a ", types.ModalityText)
	assert.Equal(t, types.IntentConversation, d.Category)
	assert.Equal(t, 0, model.calls)
}

func TestClassify_Stats(t *testing.T) {
	model := &stubModel{verdict: provider.IntentVerdict{Category: types.IntentFindTarget, Confidence: 0.8}}
	c := NewClassifier(model)

	c.Classify(context.Background(), "find that song", types.ModalityText)
	c.Classify(context.Background(), "", types.ModalityHummedAudio)
	model.err = errors.New("down")
	c.Classify(context.Background(), "again", types.ModalityVoice)

	s := c.Stats()
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(1), s.ModelHits)
	assert.Equal(t, int64(1), s.ModalityHits)
	assert.Equal(t, int64(1), s.HeuristicHits)
	assert.Equal(t, int64(1), s.ModelFailures)
	assert.Equal(t, int64(1), s.Distribution[types.IntentFindTarget])
	assert.Equal(t, int64(1), s.Distribution[types.IntentHumming])
	assert.Equal(t, int64(1), s.Distribution[types.IntentUnclear])
	assert.InDelta(t, 33.33, s.ModelRatio(), 0.01)

	// Returned stats are a copy.
	s.Distribution[types.IntentHumming] = 99
	assert.Equal(t, int64(1), c.Stats().Distribution[types.IntentHumming])
}

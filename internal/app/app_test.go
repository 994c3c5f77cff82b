package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/recall/internal/config"
	"github.com/normanking/recall/internal/provider"
	"github.com/normanking/recall/internal/resolver"
	"github.com/normanking/recall/pkg/types"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubIntent struct{}

func (stubIntent) Classify(context.Context, string, types.Modality) (provider.IntentVerdict, error) {
	return provider.IntentVerdict{Category: types.IntentConversation, Confidence: 0.9}, nil
}

type stubReasoner struct{}

func (stubReasoner) Answer(context.Context, provider.AnswerRequest) (provider.ReasoningOutcome, error) {
	return provider.Answer{Candidate: types.Candidate{Label: "Bohemian Rhapsody", Confidence: 0.92, Provider: provider.NameReasoner}}, nil
}

func (stubReasoner) FollowUp(context.Context, provider.FollowUpRequest) (string, error) {
	return "Do you remember any lyrics?", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "turns.db")
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, clock *testClock) *App {
	t.Helper()
	a, err := New(cfg,
		WithClock(clock.Now),
		WithAdapters(Adapters{IntentModel: stubIntent{}, Reasoner: stubReasoner{}}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resolver.ConfidenceFloor = 2

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence_floor")
}

func TestNew_UnconfiguredProviders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Enabled = false

	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Store)
	h := a.Health(context.Background())
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "disabled", h.Journal)
	for _, b := range h.Breakers {
		assert.Equal(t, "closed", b.State)
	}

	// Without any adapters a text turn still completes, as an error outcome.
	res, err := a.Resolver.ResolveTurn(context.Background(), resolver.TurnRequest{
		UserID: "u1", ConversationID: "c1", Modality: types.ModalityText, Text: "what was that song from the ad",
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeError, res.Outcome)
}

func TestApp_ResolvesAndJournals(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestApp(t, testConfig(t), clock)
	ctx := context.Background()

	res, err := a.Resolver.ResolveTurn(ctx, resolver.TurnRequest{
		UserID: "u1", ConversationID: "c1", Modality: types.ModalityText, Text: "tell me about that Queen song",
	})
	require.NoError(t, err)
	require.Equal(t, types.OutcomeResolved, res.Outcome)
	assert.Equal(t, "Bohemian Rhapsody", res.Candidate.Label)

	records, err := a.Store.ListByConversation(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.TurnID, records[0].TurnID)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.TurnCount.WithLabelValues("resolved", "conversation", "false")))

	h := a.Health(ctx)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Journal)
	assert.Equal(t, 1, h.Conversations)
	assert.Equal(t, 1, h.Caches[resolver.NamespaceTurn].Entries)
}

func TestApp_SweepDropsIdleState(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestApp(t, testConfig(t), clock)

	_, err := a.Resolver.ResolveTurn(context.Background(), resolver.TurnRequest{
		UserID: "u1", ConversationID: "c1", Modality: types.ModalityText, Text: "tell me about that Queen song",
	})
	require.NoError(t, err)

	r := a.Sweep()
	assert.Zero(t, r.Conversations)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.Conversations))

	clock.Advance(2 * time.Hour)
	r = a.Sweep()
	assert.Equal(t, 1, r.Conversations)
	assert.Equal(t, 1, r.Turns, "conversational answers expire after their TTL")
	assert.Equal(t, 1, r.Users)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.Metrics.Conversations))
	assert.Zero(t, a.Conversations.Len())
}

func TestApp_BreakerStateIsObserved(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestApp(t, testConfig(t), clock)

	down := &provider.Error{Provider: provider.NameHumming, Kind: types.ErrKindProviderUnavailable, Err: errors.New("503")}
	b := a.Breakers.Get(provider.NameHumming)
	for i := 0; i < a.Config.Breaker.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return down })
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.BreakerState.WithLabelValues(provider.NameHumming)))
	assert.Equal(t, "degraded", a.Health(context.Background()).Status)
}

func TestApp_StartAndClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.Conversation.SweepInterval = 10 * time.Millisecond

	a, err := New(cfg, WithAdapters(Adapters{}))
	require.NoError(t, err)

	a.Start()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, a.Close())
}

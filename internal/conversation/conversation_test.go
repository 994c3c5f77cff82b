package conversation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/recall/pkg/types"
)

func newTurn(id string) *types.Turn {
	return &types.Turn{ID: id, ConversationID: "c1", UserID: "u1", Status: types.TurnPending}
}

func newTestConversation() *Conversation {
	return newConversation("c1", "u1", DefaultQuestionBank(), time.Now, nil)
}

func TestConversation_HappyPath(t *testing.T) {
	c := newTestConversation()
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.BeginListening())
	assert.Equal(t, StateListening, c.State())

	turn := newTurn("t1")
	require.NoError(t, c.Submit(turn))
	assert.Equal(t, StateThinking, c.State())

	cand := types.Candidate{Label: "Africa - Toto", Confidence: 0.9}
	require.NoError(t, c.Resolve(turn, cand, Note{Query: "rains down in africa", Intent: types.IntentFindTarget}))
	assert.Equal(t, StateResolved, c.State())
	assert.Equal(t, types.TurnResolved, turn.Status)

	snap := c.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, "t1", snap.History[0].TurnID)
	assert.Equal(t, "Africa - Toto", snap.History[0].Label)
	assert.Equal(t, []string{"rains down in africa"}, snap.Queries())
}

func TestConversation_SubmitWhileThinking(t *testing.T) {
	c := newTestConversation()
	require.NoError(t, c.Submit(newTurn("t1")))
	assert.ErrorIs(t, c.Submit(newTurn("t2")), ErrTurnInProgress)
}

func TestConversation_InvalidTransitions(t *testing.T) {
	c := newTestConversation()

	// Completing without a thinking turn.
	assert.ErrorIs(t, c.Resolve(newTurn("t1"), types.Candidate{}, Note{}), ErrInvalidTransition)
	assert.ErrorIs(t, c.Fail(newTurn("t1"), types.ErrKindTimeout, Note{}), ErrInvalidTransition)

	// Completing a different turn than the one thinking.
	require.NoError(t, c.Submit(newTurn("t1")))
	_, err := c.AskFollowUp(newTurn("other"), "Which decade?", Note{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Listening while thinking.
	assert.ErrorIs(t, c.BeginListening(), ErrInvalidTransition)
}

func TestConversation_TerminalTurnIsImmutable(t *testing.T) {
	c := newTestConversation()
	turn := newTurn("t1")
	require.NoError(t, c.Submit(turn))
	require.NoError(t, c.Fail(turn, types.ErrKindProviderUnavailable, Note{}))
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, types.TurnFailed, turn.Status)

	// Resubmitting the finalized turn is accepted by the state machine but the
	// turn itself refuses a new terminal status.
	require.NoError(t, c.Submit(turn))
	assert.ErrorIs(t, c.Resolve(turn, types.Candidate{Label: "x"}, Note{}), types.ErrTurnFinalized)
}

func TestConversation_FollowUpsNeverRepeat(t *testing.T) {
	c := newTestConversation()
	seen := make(map[string]bool)
	bank := DefaultQuestionBank()

	// The provider keeps proposing the same question.
	for i := 0; i < len(bank)+4; i++ {
		turn := newTurn(string(rune('a' + i)))
		require.NoError(t, c.Submit(turn))
		q, err := c.AskFollowUp(turn, "Which decade was it from?", Note{Query: "hmm"})
		require.NoError(t, err)
		key := types.NormalizeText(q)
		assert.False(t, seen[key], "question repeated: %q", q)
		seen[key] = true
		assert.Equal(t, StateFollowUpPending, c.State())
	}

	snap := c.Snapshot()
	assert.Equal(t, "Which decade was it from?", snap.Asked[0])
	assert.Equal(t, bank[0], snap.Asked[1], "repeat replaced by the first unused bank question")
	assert.Equal(t, "Which decade was it from? (2)", snap.Asked[len(bank)+1], "numbered variant once the bank is used up")
}

func TestConversation_FollowUpNormalizedComparison(t *testing.T) {
	c := newTestConversation()
	t1 := newTurn("t1")
	require.NoError(t, c.Submit(t1))
	_, err := c.AskFollowUp(t1, "Do you remember the lyrics?", Note{})
	require.NoError(t, err)

	t2 := newTurn("t2")
	require.NoError(t, c.Submit(t2))
	q, err := c.AskFollowUp(t2, "  do you REMEMBER the lyrics ", Note{})
	require.NoError(t, err)
	assert.Equal(t, DefaultQuestionBank()[0], q)
}

func TestConversation_ClarificationsFromFollowUpAnswers(t *testing.T) {
	c := newTestConversation()
	t1 := newTurn("t1")
	require.NoError(t, c.Submit(t1))
	_, err := c.AskFollowUp(t1, "When did you hear it?", Note{Query: "song with whistling"})
	require.NoError(t, err)

	t2 := newTurn("t2")
	require.NoError(t, c.Submit(t2))
	require.NoError(t, c.Resolve(t2, types.Candidate{Label: "Young Folks"}, Note{Query: "around 2006"}))

	snap := c.Snapshot()
	assert.Equal(t, []string{"around 2006"}, snap.Clarifications)
	assert.Equal(t, types.TurnFollowUpRequested, t1.Status)
}

func TestConversation_RejectAndStartFresh(t *testing.T) {
	c := newTestConversation()
	c.Reject("Africa - Toto")
	c.Reject("africa - toto.")
	c.Reject("  ")

	snap := c.Snapshot()
	assert.Equal(t, []string{"Africa - Toto"}, snap.Rejected)
	assert.True(t, snap.IsRejected("AFRICA - TOTO"))
	assert.False(t, snap.IsRejected("Rosanna - Toto"))

	turn := newTurn("t1")
	require.NoError(t, c.Submit(turn))
	c.StartFresh()
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.Snapshot().Rejected)
	assert.Equal(t, uint64(1), c.Snapshot().Epoch)

	// The abandoned turn can no longer complete here.
	assert.ErrorIs(t, c.Resolve(turn, types.Candidate{Label: "x"}, Note{}), ErrInvalidTransition)
}

func TestConversation_StateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var changes []State
	c := newConversation("c1", "u1", nil, time.Now, func(id string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, to)
	})

	turn := newTurn("t1")
	require.NoError(t, c.Submit(turn))
	require.NoError(t, c.Fail(turn, types.ErrKindTimeout, Note{}))
	c.StartFresh()

	assert.Equal(t, []State{StateThinking, StateError, StateIdle}, changes)
}

func TestConversation_HistoryIsBounded(t *testing.T) {
	c := newTestConversation()
	for i := 0; i < maxHistory+10; i++ {
		turn := &types.Turn{ID: time.Duration(i).String(), Status: types.TurnPending}
		require.NoError(t, c.Submit(turn))
		require.NoError(t, c.Resolve(turn, types.Candidate{Label: "x"}, Note{}))
	}
	assert.Len(t, c.Snapshot().History, maxHistory)
}

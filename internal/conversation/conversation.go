// Package conversation owns the lifecycle of multi-turn recall conversations.
//
// A Conversation is the sole writer of its context (history, rejected
// candidates, asked follow-up questions, clarifications). Other packages read
// it through immutable Snapshots.
package conversation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/normanking/recall/pkg/types"
)

// State is the conversation's position in the turn lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateListening       State = "listening"
	StateThinking        State = "thinking"
	StateResolved        State = "resolved"
	StateFollowUpPending State = "follow-up-pending"
	StateError           State = "error"
)

var (
	// ErrTurnInProgress is returned when a turn is submitted while another is thinking.
	ErrTurnInProgress = errors.New("conversation: turn in progress")
	// ErrInvalidTransition is returned for any transition the current state does not allow.
	ErrInvalidTransition = errors.New("conversation: invalid transition")
)

// maxHistory bounds the number of turn summaries kept per conversation.
const maxHistory = 50

// Summary records one finished (or abandoned) turn.
type Summary struct {
	TurnID    string               `json:"turn_id"`
	Query     string               `json:"query,omitempty"`
	Intent    types.IntentCategory `json:"intent,omitempty"`
	Outcome   types.Outcome        `json:"outcome"`
	Label     string               `json:"label,omitempty"`
	Question  string               `json:"question,omitempty"`
	ErrorKind types.ErrorKind      `json:"error_kind,omitempty"`
	At        time.Time            `json:"at"`
}

// Note carries what the resolver learned about a turn while it was thinking.
type Note struct {
	Query  string
	Intent types.IntentCategory
}

// Conversation is one ongoing multi-turn exchange.
type Conversation struct {
	mu sync.Mutex

	id     string
	userID string
	state  State
	// epoch increments on every StartFresh.
	epoch uint64

	history        []Summary
	rejected       map[string]string // normalized key -> label as first rejected
	rejectedOrder  []string
	asked          map[string]struct{}
	askedOrder     []string
	clarifications []string

	current       *types.Turn
	answeringAsk  bool
	lastActivity  time.Time
	bank          []string
	now           func() time.Time
	onStateChange func(id string, from, to State)
}

func newConversation(id, userID string, bank []string, now func() time.Time, onChange func(string, State, State)) *Conversation {
	c := &Conversation{
		id:            id,
		userID:        userID,
		state:         StateIdle,
		bank:          bank,
		now:           now,
		onStateChange: onChange,
	}
	c.resetContext()
	c.lastActivity = now()
	return c
}

// resetContext clears accumulated context (must hold lock).
func (c *Conversation) resetContext() {
	c.history = nil
	c.rejected = make(map[string]string)
	c.rejectedOrder = nil
	c.asked = make(map[string]struct{})
	c.askedOrder = nil
	c.clarifications = nil
	c.current = nil
	c.answeringAsk = false
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// UserID returns the owning user.
func (c *Conversation) UserID() string { return c.userID }

// State returns the current state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity returns when the conversation last changed.
func (c *Conversation) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRANSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// BeginListening marks that the client started capturing audio.
func (c *Conversation) BeginListening() error {
	return c.transition(func() error {
		switch c.state {
		case StateIdle, StateFollowUpPending, StateResolved, StateError:
			c.setState(StateListening)
			return nil
		case StateListening:
			return nil
		}
		return fmt.Errorf("%w: begin listening from %s", ErrInvalidTransition, c.state)
	})
}

// Submit moves the conversation to thinking for turn.
func (c *Conversation) Submit(turn *types.Turn) error {
	if turn == nil {
		return fmt.Errorf("%w: nil turn", ErrInvalidTransition)
	}
	return c.transition(func() error {
		if c.state == StateThinking {
			return ErrTurnInProgress
		}
		c.answeringAsk = c.state == StateFollowUpPending
		c.current = turn
		c.setState(StateThinking)
		return nil
	})
}

// Resolve completes the current turn with a surfaced candidate.
func (c *Conversation) Resolve(turn *types.Turn, candidate types.Candidate, note Note) error {
	return c.transition(func() error {
		if err := c.finishTurn(turn, types.TurnResolved); err != nil {
			return err
		}
		c.appendSummary(turn, note, Summary{Outcome: types.OutcomeResolved, Label: candidate.Label})
		c.setState(StateResolved)
		return nil
	})
}

// AskFollowUp completes the current turn with a clarifying question. The
// returned question is the one actually emitted: proposed when it was never
// asked before in this conversation, otherwise a substitute.
func (c *Conversation) AskFollowUp(turn *types.Turn, proposed string, note Note) (string, error) {
	var question string
	err := c.transition(func() error {
		if err := c.finishTurn(turn, types.TurnFollowUpRequested); err != nil {
			return err
		}
		question = c.distinctQuestion(proposed)
		key := types.NormalizeText(question)
		c.asked[key] = struct{}{}
		c.askedOrder = append(c.askedOrder, question)
		c.appendSummary(turn, note, Summary{Outcome: types.OutcomeFollowUp, Question: question})
		c.setState(StateFollowUpPending)
		return nil
	})
	return question, err
}

// Fail completes the current turn after every fallback was exhausted.
func (c *Conversation) Fail(turn *types.Turn, kind types.ErrorKind, note Note) error {
	return c.transition(func() error {
		if err := c.finishTurn(turn, types.TurnFailed); err != nil {
			return err
		}
		c.appendSummary(turn, note, Summary{Outcome: types.OutcomeError, ErrorKind: kind})
		c.setState(StateError)
		return nil
	})
}

// StartFresh resets the conversation to idle and clears its context. A turn
// still thinking can no longer complete against this conversation.
func (c *Conversation) StartFresh() {
	_ = c.transition(func() error {
		c.resetContext()
		c.epoch++
		c.setState(StateIdle)
		return nil
	})
}

// Reject records a candidate the user said was wrong. It is never surfaced
// again in this conversation.
func (c *Conversation) Reject(label string) {
	key := types.NormalizeText(label)
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rejected[key]; ok {
		return
	}
	c.rejected[key] = label
	c.rejectedOrder = append(c.rejectedOrder, label)
	c.lastActivity = c.now()
}

// transition runs fn under the lock and fires the state-change hook after unlock.
func (c *Conversation) transition(fn func() error) error {
	c.mu.Lock()
	from := c.state
	err := fn()
	to := c.state
	hook := c.onStateChange
	c.mu.Unlock()

	if err == nil && from != to && hook != nil {
		hook(c.id, from, to)
	}
	return err
}

// setState updates state and activity (must hold lock).
func (c *Conversation) setState(s State) {
	c.state = s
	c.lastActivity = c.now()
}

// finishTurn validates that turn is the one thinking and finalizes its status (must hold lock).
func (c *Conversation) finishTurn(turn *types.Turn, status types.TurnStatus) error {
	if c.state != StateThinking || c.current == nil || turn == nil || c.current.ID != turn.ID {
		return fmt.Errorf("%w: complete turn from %s", ErrInvalidTransition, c.state)
	}
	if err := turn.SetStatus(status); err != nil {
		return err
	}
	c.current = nil
	return nil
}

// appendSummary adds a history entry and, when the turn answered a follow-up,
// keeps its query as a clarification (must hold lock).
func (c *Conversation) appendSummary(turn *types.Turn, note Note, s Summary) {
	s.TurnID = turn.ID
	s.Query = note.Query
	s.Intent = note.Intent
	s.At = c.now()
	c.history = append(c.history, s)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	if c.answeringAsk && note.Query != "" {
		c.clarifications = append(c.clarifications, note.Query)
	}
	c.answeringAsk = false
}

// distinctQuestion returns proposed if it is new, else the first unused bank
// question, else a numbered variant (must hold lock).
func (c *Conversation) distinctQuestion(proposed string) string {
	if q := normalizeQuestion(proposed); q != "" && !c.wasAsked(q) {
		return q
	}
	for _, q := range c.bank {
		if !c.wasAsked(q) {
			return q
		}
	}
	base := normalizeQuestion(proposed)
	if base == "" && len(c.bank) > 0 {
		base = c.bank[0]
	}
	if base == "" {
		base = fallbackQuestion
	}
	for n := 2; ; n++ {
		q := fmt.Sprintf("%s (%d)", base, n)
		if !c.wasAsked(q) {
			return q
		}
	}
}

func (c *Conversation) wasAsked(q string) bool {
	_, ok := c.asked[types.NormalizeText(q)]
	return ok
}

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOTS
// ═══════════════════════════════════════════════════════════════════════════════

// Snapshot is a read-only copy of a conversation's context.
type Snapshot struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	State          State     `json:"state"`
	Epoch          uint64    `json:"epoch"`
	History        []Summary `json:"history,omitempty"`
	Rejected       []string  `json:"rejected,omitempty"`
	Asked          []string  `json:"asked,omitempty"`
	Clarifications []string  `json:"clarifications,omitempty"`
	LastActivity   time.Time `json:"last_activity"`
}

// Snapshot copies the current context.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:             c.id,
		UserID:         c.userID,
		State:          c.state,
		Epoch:          c.epoch,
		History:        append([]Summary(nil), c.history...),
		Rejected:       append([]string(nil), c.rejectedOrder...),
		Asked:          append([]string(nil), c.askedOrder...),
		Clarifications: append([]string(nil), c.clarifications...),
		LastActivity:   c.lastActivity,
	}
}

// IsRejected reports whether a candidate label was rejected in this snapshot.
func (s Snapshot) IsRejected(label string) bool {
	key := types.NormalizeText(label)
	for _, r := range s.Rejected {
		if types.NormalizeText(r) == key {
			return true
		}
	}
	return false
}

// Queries returns the queries of prior turns, oldest first, skipping empty ones.
func (s Snapshot) Queries() []string {
	out := make([]string, 0, len(s.History))
	for _, h := range s.History {
		if h.Query != "" {
			out = append(out, h.Query)
		}
	}
	return out
}

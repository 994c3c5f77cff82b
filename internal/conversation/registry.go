package conversation

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrConversationBusy is returned when a turn overlaps another turn of the same conversation.
	ErrConversationBusy = errors.New("conversation: another turn is in progress")
	// ErrConversationOwner is returned when a conversation id is used by a user who does not own it.
	ErrConversationOwner = errors.New("conversation: owned by another user")
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// IdleTimeout is how long a conversation may go without activity before Sweep drops it.
	IdleTimeout time.Duration
	// QuestionBank overrides DefaultQuestionBank.
	QuestionBank []string
	// OnStateChange is called synchronously after every state change.
	OnStateChange func(id string, from, to State)
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// DefaultIdleTimeout is used when RegistryConfig.IdleTimeout is zero.
const DefaultIdleTimeout = 15 * time.Minute

type entry struct {
	conv *Conversation
	busy bool
}

// Registry holds every active conversation and serializes turns per conversation.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	config  RegistryConfig
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if len(cfg.QuestionBank) == 0 {
		cfg.QuestionBank = DefaultQuestionBank()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		entries: make(map[string]*entry),
		config:  cfg,
	}
}

// lookup returns the entry for id, creating it for userID when absent (must hold lock).
func (r *Registry) lookup(id, userID string) (*entry, error) {
	e, ok := r.entries[id]
	if !ok {
		e = &entry{conv: newConversation(id, userID, r.config.QuestionBank, r.config.Now, r.config.OnStateChange)}
		r.entries[id] = e
		return e, nil
	}
	if e.conv.userID != userID {
		return nil, ErrConversationOwner
	}
	return e, nil
}

// Acquire claims the conversation for one turn. The release function must be
// called when the turn ends; calling it more than once is harmless.
func (r *Registry) Acquire(id, userID string) (*Conversation, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(id, userID)
	if err != nil {
		return nil, nil, err
	}
	if e.busy {
		return nil, nil, ErrConversationBusy
	}
	e.busy = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			e.busy = false
			r.mu.Unlock()
		})
	}
	return e.conv, release, nil
}

// Open returns the conversation for an out-of-turn action (listen, reset,
// reject), creating it when absent. It does not claim the conversation.
func (r *Registry) Open(id, userID string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id, userID)
	if err != nil {
		return nil, err
	}
	return e.conv, nil
}

// Get returns an existing conversation.
func (r *Registry) Get(id string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.conv, true
}

// Len returns the number of tracked conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep drops conversations idle for longer than the idle timeout. A claimed
// conversation is never dropped. It returns the number removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if e.busy {
			continue
		}
		if e.conv.State() == StateThinking {
			continue
		}
		if now.Sub(e.conv.LastActivity()) > r.config.IdleTimeout {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

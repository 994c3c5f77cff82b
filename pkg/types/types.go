// Package types defines shared types used across all recall modules.
package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INPUT MODALITY
// ═══════════════════════════════════════════════════════════════════════════════

// Modality is the kind of payload a user submitted.
type Modality string

const (
	ModalityText            Modality = "text"
	ModalityVoice           Modality = "voice"            // Spoken request
	ModalityHummedAudio     Modality = "hummed-audio"     // User hummed or sang a melody
	ModalityBackgroundAudio Modality = "background-audio" // Ambient capture of music playing nearby
	ModalityImage           Modality = "image"
)

// AllModalities returns all valid modalities for validation.
func AllModalities() []Modality {
	return []Modality{ModalityText, ModalityVoice, ModalityHummedAudio, ModalityBackgroundAudio, ModalityImage}
}

// IsValid checks if a Modality is known.
func (m Modality) IsValid() bool {
	for _, valid := range AllModalities() {
		if m == valid {
			return true
		}
	}
	return false
}

// IsAudio reports whether the payload is an audio capture that needs transcription.
func (m Modality) IsAudio() bool {
	return m == ModalityVoice || m == ModalityHummedAudio || m == ModalityBackgroundAudio
}

// ═══════════════════════════════════════════════════════════════════════════════
// TURNS
// ═══════════════════════════════════════════════════════════════════════════════

// TurnStatus is the lifecycle position of a single turn.
type TurnStatus string

const (
	TurnPending           TurnStatus = "pending"
	TurnResolved          TurnStatus = "resolved"
	TurnFollowUpRequested TurnStatus = "follow-up-requested"
	TurnFailed            TurnStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TurnStatus) Terminal() bool {
	return s == TurnResolved || s == TurnFailed
}

// ErrTurnFinalized is returned when mutating a turn that already reached a terminal status.
var ErrTurnFinalized = errors.New("turn already finalized")

// Turn is one user input event and its processing lifecycle.
type Turn struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Modality       Modality   `json:"modality"`
	Text           string     `json:"text,omitempty"`
	Audio          []byte     `json:"-"`
	PayloadHash    string     `json:"payload_hash"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	Status         TurnStatus `json:"status"`
}

// SetStatus moves the turn to a new status. Terminal turns are immutable.
func (t *Turn) SetStatus(status TurnStatus) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTurnFinalized, t.ID, t.Status)
	}
	t.Status = status
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// INTENT
// ═══════════════════════════════════════════════════════════════════════════════

// IntentCategory is what the user wants from a turn.
type IntentCategory string

const (
	IntentConversation    IntentCategory = "conversation"
	IntentInformation     IntentCategory = "information"
	IntentFindTarget      IntentCategory = "find-target"
	IntentGenerate        IntentCategory = "generate"
	IntentHumming         IntentCategory = "humming"
	IntentBackgroundAudio IntentCategory = "background-audio"
	IntentUnclear         IntentCategory = "unclear"
)

// AllIntentCategories returns every category the classifier may emit.
func AllIntentCategories() []IntentCategory {
	return []IntentCategory{
		IntentConversation,
		IntentInformation,
		IntentFindTarget,
		IntentGenerate,
		IntentHumming,
		IntentBackgroundAudio,
		IntentUnclear,
	}
}

// ParseIntentCategory maps free-form model output onto a category, defaulting to unclear.
func ParseIntentCategory(s string) IntentCategory {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, c := range AllIntentCategories() {
		if string(c) == norm {
			return c
		}
	}
	return IntentUnclear
}

// IntentPath indicates how a decision was reached.
type IntentPath string

const (
	// PathModality means the declared capture mode decided the category.
	PathModality IntentPath = "modality"
	// PathModel means the short reasoning provider classified the text.
	PathModel IntentPath = "model"
	// PathHeuristic means classification failed and a safe default was used.
	PathHeuristic IntentPath = "heuristic"
)

// IntentDecision is the classifier's verdict for one turn. It is never persisted.
type IntentDecision struct {
	Category   IntentCategory `json:"category"`
	Confidence float64        `json:"confidence"`
	Rationale  string         `json:"rationale,omitempty"`
	Path       IntentPath     `json:"path"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// CANDIDATES
// ═══════════════════════════════════════════════════════════════════════════════

// Evidence supports a candidate answer.
type Evidence struct {
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Candidate is one possible answer produced by a provider.
type Candidate struct {
	Label         string     `json:"label"`
	Confidence    float64    `json:"confidence"`
	Evidence      []Evidence `json:"evidence,omitempty"`
	Provider      string     `json:"provider"`
	LowConfidence bool       `json:"low_confidence,omitempty"`
}

// Key returns the identity used when matching rejected candidates.
func (c Candidate) Key() string {
	return NormalizeText(c.Label)
}

// ClampConfidence bounds a provider-reported confidence to [0,1].
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// NormalizeText lowercases, trims trailing punctuation and collapses whitespace.
func NormalizeText(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r)
	})
	out := strings.Join(fields, " ")
	return strings.TrimRightFunc(out, func(r rune) bool {
		return unicode.IsPunct(r)
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS & OUTCOMES
// ═══════════════════════════════════════════════════════════════════════════════

// ErrorKind classifies every failure the pipeline can surface.
type ErrorKind string

const (
	ErrKindRateLimited         ErrorKind = "rate_limited"
	ErrKindUnauthenticated     ErrorKind = "unauthenticated"
	ErrKindInvalidInput        ErrorKind = "invalid_input"
	ErrKindProviderUnavailable ErrorKind = "provider_unavailable"
	ErrKindCircuitOpen         ErrorKind = "circuit_open"
	ErrKindTimeout             ErrorKind = "timeout"
	ErrKindNotConfigured       ErrorKind = "not_configured"
	ErrKindConversationBusy    ErrorKind = "conversation_busy"
	ErrKindCanceled            ErrorKind = "canceled" // caller went away
	ErrKindInternal            ErrorKind = "internal"
)

// Outcome is the user-facing result category of a turn.
type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeFollowUp Outcome = "follow-up"
	OutcomeError    Outcome = "error"
)

// TurnError describes a failed turn for the caller.
type TurnError struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// NewTurnError builds a TurnError with the user-visible message for kind.
func NewTurnError(kind ErrorKind, retryAfter time.Duration) *TurnError {
	return &TurnError{Kind: kind, Message: UserMessage(kind, retryAfter), RetryAfter: retryAfter}
}

// UserMessage returns the text shown to the user. Provider names never appear here.
func UserMessage(kind ErrorKind, retryAfter time.Duration) string {
	switch kind {
	case ErrKindRateLimited:
		secs := int(retryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("You're going a little fast. Try again in %d seconds.", secs)
	case ErrKindInvalidInput:
		return "That request couldn't be understood. Try rephrasing or recording again."
	case ErrKindUnauthenticated:
		return "Please sign in again to continue."
	case ErrKindConversationBusy:
		return "Still working on your last request."
	case ErrKindCanceled:
		return "The request was cancelled before it finished."
	default:
		return "Could not process this turn, please try again."
	}
}

// TurnResult is returned for every turn that was admitted.
type TurnResult struct {
	TurnID         string         `json:"turn_id"`
	ConversationID string         `json:"conversation_id"`
	Outcome        Outcome        `json:"outcome"`
	Candidate      *Candidate     `json:"candidate,omitempty"`
	Question       string         `json:"question,omitempty"`
	Transcript     string         `json:"transcript"`
	Intent         IntentCategory `json:"intent,omitempty"`
	Error          *TurnError     `json:"error,omitempty"`
	Cached         bool           `json:"cached,omitempty"`
	Duration       time.Duration  `json:"duration"`
}

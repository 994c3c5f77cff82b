// Package provider implements the adapters for the external recognition and
// reasoning services. Every adapter runs its raw call behind a Guard
// (timeout budget, outbound throttle, circuit breaker, retrier) and returns
// either a tagged result variant or a classified *Error.
package provider

import (
	"context"

	"github.com/normanking/recall/pkg/types"
)

// Adapter names, also used as breaker names and metric labels.
const (
	NameTranscriber   = "transcriber"
	NameShortReasoner = "short_reasoner"
	NameReasoner      = "reasoner"
	NameHumming       = "humming"
	NameFingerprint   = "fingerprint"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESULT VARIANTS
// ═══════════════════════════════════════════════════════════════════════════════

// Transcript is the speech-to-text result.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// IntentVerdict is the short reasoning provider's classification.
type IntentVerdict struct {
	Category   types.IntentCategory
	Confidence float64
	Rationale  string
}

// ReasoningOutcome is either Answer or NoAnswer.
type ReasoningOutcome interface {
	isReasoningOutcome()
}

// Answer carries the reasoning provider's best candidate.
type Answer struct {
	Candidate types.Candidate
}

// NoAnswer means the reasoning provider could not name anything.
type NoAnswer struct {
	Reason string
}

func (Answer) isReasoningOutcome()   {}
func (NoAnswer) isReasoningOutcome() {}

// FingerprintOutcome is either Match or NoMatch.
type FingerprintOutcome interface {
	isFingerprintOutcome()
}

// Match lists corpus matches, best first.
type Match struct {
	Candidates []types.Candidate
}

// NoMatch means the audio matched nothing in the reference corpus.
type NoMatch struct{}

func (Match) isFingerprintOutcome()   {}
func (NoMatch) isFingerprintOutcome() {}

// ═══════════════════════════════════════════════════════════════════════════════
// REQUESTS
// ═══════════════════════════════════════════════════════════════════════════════

// PromptFrame selects the task framing for a full reasoning call.
type PromptFrame string

const (
	FrameConversation PromptFrame = "conversation"
	FrameInformation  PromptFrame = "information"
	FrameFindTarget   PromptFrame = "find-target"
	FrameGenerate     PromptFrame = "generate"
	// FrameIdentify asks the model to name a piece of music from a transcript or description.
	FrameIdentify PromptFrame = "identify"
)

// AnswerRequest is the input for a full reasoning answer.
type AnswerRequest struct {
	Frame          PromptFrame
	Query          string
	History        []string
	Clarifications []string
	Rejected       []string
	// Hints are near-miss matches from fingerprint providers.
	Hints []string
}

// FollowUpRequest is the input for a clarifying question.
type FollowUpRequest struct {
	Query    string
	Best     *types.Candidate
	Asked    []string
	Rejected []string
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADAPTER INTERFACES
// ═══════════════════════════════════════════════════════════════════════════════

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// IntentModel classifies transcript text.
type IntentModel interface {
	Classify(ctx context.Context, text string, modality types.Modality) (IntentVerdict, error)
}

// Reasoner answers questions and writes clarifying follow-ups.
type Reasoner interface {
	Answer(ctx context.Context, req AnswerRequest) (ReasoningOutcome, error)
	FollowUp(ctx context.Context, req FollowUpRequest) (string, error)
}

// Fingerprinter matches audio against a reference corpus.
type Fingerprinter interface {
	Name() string
	Identify(ctx context.Context, audio []byte) (FingerprintOutcome, error)
}

// Package server exposes the resolution pipeline over HTTP.
package server

import (
	"time"

	"github.com/normanking/recall/internal/conversation"
	"github.com/normanking/recall/internal/store"
	"github.com/normanking/recall/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds HTTP server configuration.
type Config struct {
	// Addr is the listen address (default: ":8088")
	Addr string

	// MaxBodyBytes bounds request bodies; base64 audio is about 4/3 of the raw size
	MaxBodyBytes int64

	// ReadTimeout bounds reading a request, body included
	ReadTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout (default: 10s)
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults for the HTTP server.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8088",
		MaxBodyBytes:    16 << 20,
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// UserHeader carries the authenticated user id, set by the fronting gateway.
const UserHeader = "X-User-ID"

// ═══════════════════════════════════════════════════════════════════════════════
// API REQUEST/RESPONSE TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// TurnRequest is the request body for POST /v1/turns.
type TurnRequest struct {
	ConversationID string         `json:"conversation_id"`
	Modality       types.Modality `json:"modality"`
	Text           string         `json:"text,omitempty"`
	// Audio is base64-encoded (standard encoding).
	Audio string `json:"audio,omitempty"`
	// DeadlineMs is the client's own budget in milliseconds.
	DeadlineMs int64 `json:"deadline_ms,omitempty"`
}

// TurnResponse is returned by POST /v1/turns.
type TurnResponse struct {
	TurnID         string           `json:"turn_id"`
	ConversationID string           `json:"conversation_id"`
	Outcome        types.Outcome    `json:"outcome"`
	Candidate      *types.Candidate `json:"candidate,omitempty"`
	Question       string           `json:"question,omitempty"`
	Transcript     string           `json:"transcript"`
	Intent         string           `json:"intent,omitempty"`
	Cached         bool             `json:"cached,omitempty"`
	DurationMs     int64            `json:"duration_ms"`
	Error          *ErrorBody       `json:"error,omitempty"`
}

func newTurnResponse(r *types.TurnResult) TurnResponse {
	resp := TurnResponse{
		TurnID:         r.TurnID,
		ConversationID: r.ConversationID,
		Outcome:        r.Outcome,
		Candidate:      r.Candidate,
		Question:       r.Question,
		Transcript:     r.Transcript,
		Intent:         string(r.Intent),
		Cached:         r.Cached,
		DurationMs:     r.Duration.Milliseconds(),
	}
	if r.Error != nil {
		resp.Error = &ErrorBody{
			Kind:              r.Error.Kind,
			Message:           r.Error.Message,
			RetryAfterSeconds: retryAfterSeconds(r.Error.RetryAfter),
		}
	}
	return resp
}

// RejectRequest is the request body for POST /v1/conversations/{id}/reject.
type RejectRequest struct {
	Label string `json:"label"`
}

// ConversationResponse is returned by GET /v1/conversations/{id}.
type ConversationResponse struct {
	conversation.Snapshot
}

// HistoryResponse is returned by GET /v1/conversations/{id}/turns.
type HistoryResponse struct {
	ConversationID string         `json:"conversation_id"`
	Turns          []store.Record `json:"turns"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// API ERROR TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// ErrorBody is the user-visible error classification.
type ErrorBody struct {
	Kind              types.ErrorKind `json:"kind"`
	Message           string          `json:"message"`
	RetryAfterSeconds int             `json:"retry_after_seconds,omitempty"`
}

// APIError represents a structured API error response.
type APIError struct {
	Code  int       `json:"code"`
	Error ErrorBody `json:"error"`
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

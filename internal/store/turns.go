package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRecord is returned by Append for records missing their identity.
var ErrInvalidRecord = errors.New("store: invalid turn record")

// Record is one journaled turn.
type Record struct {
	TurnID         string        `json:"turn_id"`
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Modality       string        `json:"modality"`
	PayloadHash    string        `json:"payload_hash"`
	Intent         string        `json:"intent,omitempty"`
	IntentPath     string        `json:"intent_path,omitempty"`
	Outcome        string        `json:"outcome"`
	Label          string        `json:"label,omitempty"`
	Confidence     float64       `json:"confidence,omitempty"`
	BestEffort     bool          `json:"best_effort,omitempty"`
	Question       string        `json:"question,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Transcript     string        `json:"transcript,omitempty"`
	Providers      []string      `json:"providers,omitempty"`
	Cached         bool          `json:"cached,omitempty"`
	Duration       time.Duration `json:"duration"`
	SubmittedAt    time.Time     `json:"submitted_at"`
}

// Append writes one record. Writing the same turn id twice is an error.
func (s *Store) Append(ctx context.Context, r Record) error {
	if r.TurnID == "" || r.ConversationID == "" {
		return ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (
			id, conversation_id, user_id, modality, payload_hash,
			intent, intent_path, outcome, label, confidence, best_effort,
			question, error_kind, transcript, providers, cached, duration_ms, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TurnID, r.ConversationID, r.UserID, r.Modality, r.PayloadHash,
		r.Intent, r.IntentPath, r.Outcome, r.Label, r.Confidence, boolToInt(r.BestEffort),
		r.Question, r.ErrorKind, r.Transcript, strings.Join(r.Providers, ","), boolToInt(r.Cached),
		r.Duration.Milliseconds(), r.SubmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert turn %s: %w", r.TurnID, err)
	}
	return nil
}

// ListByConversation returns a conversation's turns, oldest first. A limit of
// zero or less returns every turn.
func (s *Store) ListByConversation(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	query := `
		SELECT id, conversation_id, user_id, modality, payload_hash,
			intent, intent_path, outcome, label, confidence, best_effort,
			question, error_kind, transcript, providers, cached, duration_ms, submitted_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY submitted_at ASC, created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                  Record
			bestEffort, cached int
			providers          string
			durationMs         int64
		)
		if err := rows.Scan(
			&r.TurnID, &r.ConversationID, &r.UserID, &r.Modality, &r.PayloadHash,
			&r.Intent, &r.IntentPath, &r.Outcome, &r.Label, &r.Confidence, &bestEffort,
			&r.Question, &r.ErrorKind, &r.Transcript, &providers, &cached, &durationMs, &r.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		r.BestEffort = bestEffort != 0
		r.Cached = cached != 0
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if providers != "" {
			r.Providers = strings.Split(providers, ",")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

// CountByOutcome returns how many journaled turns ended in each outcome.
func (s *Store) CountByOutcome(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM turns GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count turns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/normanking/recall/internal/resolver"
	"github.com/normanking/recall/pkg/types"
)

// decodeBody reads a bounded JSON body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if !errors.Is(err, io.EOF) {
			writeAPIError(w, http.StatusBadRequest, types.ErrKindInvalidInput, 0)
			return false
		}
	}
	return true
}

// handleTurn resolves one turn.
// POST /v1/turns
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	var audio []byte
	if req.Audio != "" {
		var err error
		if audio, err = base64.StdEncoding.DecodeString(req.Audio); err != nil {
			writeAPIError(w, http.StatusBadRequest, types.ErrKindInvalidInput, 0)
			return
		}
	}

	result, err := s.resolver.ResolveTurn(r.Context(), resolver.TurnRequest{
		UserID:         r.Header.Get(UserHeader),
		ConversationID: req.ConversationID,
		Modality:       req.Modality,
		Text:           req.Text,
		Audio:          audio,
		DeadlineHint:   time.Duration(req.DeadlineMs) * time.Millisecond,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTurnResponse(result))
}

// handleConversation returns the conversation's current context.
// GET /v1/conversations/{id}
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeAPIError(w, http.StatusUnauthorized, types.ErrKindUnauthenticated, 0)
		return
	}
	snap, ok := s.resolver.State(r.PathValue("id"))
	if !ok || snap.UserID != userID {
		writeJSON(w, http.StatusNotFound, APIError{Code: http.StatusNotFound, Error: ErrorBody{Message: "conversation not found"}})
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{Snapshot: snap})
}

// handleHistory lists journaled turns, oldest first.
// GET /v1/conversations/{id}/turns?limit=N
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeAPIError(w, http.StatusUnauthorized, types.ErrKindUnauthenticated, 0)
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, APIError{Code: http.StatusNotFound, Error: ErrorBody{Message: "turn journal is disabled"}})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeAPIError(w, http.StatusBadRequest, types.ErrKindInvalidInput, 0)
			return
		}
		limit = n
	}

	id := r.PathValue("id")
	records, err := s.history.ListByConversation(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Only the owner sees the journal.
	owned := records[:0]
	for _, rec := range records {
		if rec.UserID == userID {
			owned = append(owned, rec)
		}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ConversationID: id, Turns: owned})
}

// handleListen marks that the client started capturing audio.
// POST /v1/conversations/{id}/listen
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	if err := s.resolver.BeginListening(r.Context(), r.Header.Get(UserHeader), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReset starts the conversation fresh.
// POST /v1/conversations/{id}/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.resolver.StartFresh(r.Context(), r.Header.Get(UserHeader), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReject marks a candidate as wrong for the rest of the conversation.
// POST /v1/conversations/{id}/reject
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.resolver.Reject(r.Context(), r.Header.Get(UserHeader), r.PathValue("id"), req.Label); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports breaker states and cache statistics.
// GET /v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, s.health.Health(r.Context()))
}

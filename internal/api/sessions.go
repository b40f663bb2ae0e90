package api

import (
	"net/http"
	"strconv"

	"github.com/skaldhq/skald/internal/convo"
)

// SessionDetail is a session with its turns in chronological order.
type SessionDetail struct {
	Session *convo.Session `json:"session"`
	Turns   []convo.Turn   `json:"turns"`
}

// handleSessionList returns sessions, optionally filtered by user.
// GET /v1/sessions?user=<id>&limit=<n>
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.convo.ListSessions(r.Context(), r.URL.Query().Get("user"), limit)
	if err != nil {
		s.logger.Error("session list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

// handleSessionGet returns one session and its turns.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.convo.GetSession(r.Context(), id)
	if err != nil {
		s.logger.Error("session load failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	if session == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	turns, err := s.convo.ListTurns(r.Context(), id, 0)
	if err != nil {
		s.logger.Error("turn list failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, SessionDetail{Session: session, Turns: turns}, s.logger)
}

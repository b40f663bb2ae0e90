package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/skaldhq/skald/internal/credits"
)

// TopupRequest is the body of POST /v1/credits/{user}/topup.
type TopupRequest struct {
	Credits int64  `json:"credits"`
	Reason  string `json:"reason,omitempty"`
}

// CreditsView is the response of GET /v1/credits/{user}: the summary
// plus recent ledger entries.
type CreditsView struct {
	Summary *credits.BalanceSummary `json:"summary"`
	History []credits.Entry         `json:"history"`
}

// handleCreditsGet returns a user's balance summary and recent ledger.
// GET /v1/credits/{user}?limit=<n>
func (s *Server) handleCreditsGet(w http.ResponseWriter, r *http.Request) {
	if s.credits == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "credits not configured")
		return
	}
	user := r.PathValue("user")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	summary, err := s.credits.Summary(r.Context(), user)
	if err != nil {
		s.logger.Error("credit summary failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	history, err := s.credits.History(r.Context(), user, limit)
	if err != nil {
		s.logger.Error("credit history failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, CreditsView{Summary: summary, History: history}, s.logger)
}

// handleCreditsTopup grants credits to a user.
func (s *Server) handleCreditsTopup(w http.ResponseWriter, r *http.Request) {
	if s.credits == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "credits not configured")
		return
	}
	user := r.PathValue("user")

	var req TopupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Credits <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "credits must be positive")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "topup"
	}

	opID, err := s.credits.Grant(r.Context(), user, req.Credits, reason)
	if err != nil {
		s.logger.Error("credit grant failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	balance, err := s.credits.Balance(r.Context(), user)
	if err != nil {
		s.logger.Error("balance read failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"operation_id": opID,
		"user_id":      user,
		"balance":      balance,
	}, s.logger)
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/stream"
)

// StartTurnRequest is the body of POST /v1/turns. A missing session_id
// opens a fresh session; a missing user_id falls back to "default".
type StartTurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message"`
	Stream    bool   `json:"stream,omitempty"`
}

// ResumeTurnRequest is the body of POST /v1/turns/{id}/resume. The
// request ID must match the turn's open human request.
type ResumeTurnRequest struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

// TurnDetail is a turn with its full step log.
type TurnDetail struct {
	Turn  *convo.Turn  `json:"turn"`
	Steps []convo.Step `json:"steps"`
}

// handleTurnStart begins a turn. With stream=true (or an SSE Accept
// header) the response is the turn's live event stream; otherwise the
// turn runs in the background and the response is the turn record.
func (s *Server) handleTurnStart(w http.ResponseWriter, r *http.Request) {
	var req StartTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "internal error")
			return
		}
		sessionID = id.String()
	}
	userID := req.UserID
	if userID == "" {
		userID = "default"
	}

	wantStream := req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream")

	turn, err := s.orch.Start(r.Context(), sessionID, userID, req.Message)
	if err != nil {
		s.turnError(w, err)
		return
	}

	if !wantStream {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, turn, s.logger)
		return
	}
	s.streamTurn(w, r, turn.ID, 0)
}

// handleTurnGet returns a turn and its step log.
func (s *Server) handleTurnGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turn, err := s.convo.GetTurn(r.Context(), id)
	if err != nil {
		s.logger.Error("turn load failed", "turn", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	if turn == nil {
		s.errorResponse(w, http.StatusNotFound, "turn not found")
		return
	}
	steps, err := s.convo.GetSteps(r.Context(), id)
	if err != nil {
		s.logger.Error("step load failed", "turn", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, TurnDetail{Turn: turn, Steps: steps}, s.logger)
}

// handleTurnResume feeds a human answer into a suspended turn.
func (s *Server) handleTurnResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		s.errorResponse(w, http.StatusBadRequest, "request_id is required")
		return
	}

	turn, err := s.orch.Resume(r.Context(), r.PathValue("id"), req.RequestID, req.Answer)
	if err != nil {
		s.turnError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, turn, s.logger)
}

// handleTurnCancel requests cooperative cancellation. Cancellation is
// asynchronous for running turns: dispatched work completes first.
func (s *Server) handleTurnCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		s.turnError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"turn_id": id, "status": "cancelling"}, s.logger)
}

// handleTurnEvents streams a turn's events from a given step index.
// Clients resume after a disconnect with ?from=N or the standard
// Last-Event-ID header (the SSE id is the step index).
func (s *Server) handleTurnEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turn, err := s.convo.GetTurn(r.Context(), id)
	if err != nil {
		s.logger.Error("turn load failed", "turn", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	if turn == nil {
		s.errorResponse(w, http.StatusNotFound, "turn not found")
		return
	}

	from := 0
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		from = n
	} else if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			from = n + 1
		}
	}

	s.streamTurn(w, r, id, from)
}

// streamTurn writes a turn's events as SSE until its active span ends.
// Steps already durable are replayed from the store first; the live
// journal covers the rest. The two sources can overlap, so step events
// the store already delivered are dropped from the live feed
// (delivery stays at-least-once across reconnects).
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, turnID string, from int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Attach to the live feed before reading the store so nothing can
	// land between the two.
	var (
		live     <-chan stream.Event
		cancel   func()
		attached bool
	)
	if s.journal != nil {
		live, cancel, attached = s.journal.Subscribe(turnID, from)
		if attached {
			defer cancel()
		}
	}

	rc := http.NewResponseController(w)

	steps, err := s.convo.GetStepsFrom(r.Context(), turnID, from)
	if err != nil {
		s.logger.Error("step replay failed", "turn", turnID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}
	events, err := stream.EventsFromSteps(steps)
	if err != nil {
		s.logger.Error("step decode failed", "turn", turnID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
		return
	}

	next := from
	for _, ev := range events {
		s.writeEvent(w, ev)
		next = ev.StepIndex + 1
	}
	flusher.Flush()

	if !attached {
		// Out of the active span; the durable log is the whole story.
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			// Client gone. The turn keeps running; a reconnect replays.
			return
		case ev, open := <-live:
			if !open {
				// Feed closed: the turn suspended or finished. The last
				// step event says which.
				fmt.Fprintf(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			if ev.StepIndex >= 0 && ev.StepIndex < next {
				continue
			}
			s.writeEvent(w, ev)
			flusher.Flush()

			// Push the write deadline out after every event so long tool
			// runs don't kill the stream.
			if err := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.logger.Debug("failed to reset write deadline", "error", err)
			}
		}
	}
}

// writeEvent writes one SSE frame. Step events carry their index as the
// SSE id so Last-Event-ID reconnects line up; thinking deltas have no id.
func (s *Server) writeEvent(w http.ResponseWriter, ev stream.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if ev.StepIndex >= 0 {
		fmt.Fprintf(w, "id: %d\n", ev.StepIndex)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

package web

import (
	"net/http"

	"github.com/skaldhq/skald/internal/convo"
)

// SessionsData is the template context for the sessions list page.
type SessionsData struct {
	PageData
	Sessions []*sessionRow
	UserID   string
}

// sessionRow is a display-friendly wrapper around a session for list views.
type sessionRow struct {
	ID        string
	ShortID   string
	UserID    string
	Title     string
	CreatedAt string
	UpdatedAt string
}

// SessionDetailData is the template context for the session detail page.
type SessionDetailData struct {
	PageData
	Session *sessionDetailView
	Turns   []*turnRow
}

// sessionDetailView holds session fields formatted for the detail page.
type sessionDetailView struct {
	ID        string
	ShortID   string
	UserID    string
	Title     string
	CreatedAt string
	UpdatedAt string
	TurnCount int
}

// turnRow is a display-friendly wrapper around a turn for list views.
type turnRow struct {
	ID        string
	ShortID   string
	Status    string
	Message   string
	CreatedAt string
}

// handleSessions renders the sessions list page.
func (s *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.convo == nil {
		http.Error(w, "conversation store not configured", http.StatusServiceUnavailable)
		return
	}

	userID := r.URL.Query().Get("user")

	sessions, err := s.convo.ListSessions(r.Context(), userID, 100)
	if err != nil {
		s.logger.Error("session list failed", "error", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}

	data := SessionsData{
		PageData: PageData{ActiveNav: "sessions"},
		UserID:   userID,
		Sessions: sessionsToRows(sessions),
	}

	if r.Header.Get("HX-Request") == "true" && r.Header.Get("HX-Target") == "sessions-tbody" {
		if s.renderBlock(w, "sessions.html", "sessions-tbody", data) {
			return
		}
	}

	s.render(w, r, "sessions.html", data)
}

// handleSessionDetail renders the detail view for a single session.
func (s *WebServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if s.convo == nil {
		http.Error(w, "conversation store not configured", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	sess, err := s.convo.GetSession(r.Context(), id)
	if err != nil {
		s.logger.Error("session detail failed", "id", id, "error", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.NotFound(w, r)
		return
	}

	turns, err := s.convo.ListTurns(r.Context(), id, 0)
	if err != nil {
		s.logger.Error("session turns failed", "id", id, "error", err)
	}

	data := SessionDetailData{
		PageData: PageData{ActiveNav: "sessions"},
		Session: &sessionDetailView{
			ID:        sess.ID,
			ShortID:   shortID(sess.ID),
			UserID:    sess.UserID,
			Title:     sess.Title,
			CreatedAt: formatTime(sess.CreatedAt),
			UpdatedAt: timeAgo(sess.UpdatedAt),
			TurnCount: len(turns),
		},
		Turns: turnsToRows(turns),
	}

	s.render(w, r, "session.html", data)
}

func sessionsToRows(sessions []convo.Session) []*sessionRow {
	rows := make([]*sessionRow, 0, len(sessions))
	for _, sess := range sessions {
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		rows = append(rows, &sessionRow{
			ID:        sess.ID,
			ShortID:   shortID(sess.ID),
			UserID:    sess.UserID,
			Title:     title,
			CreatedAt: formatTime(sess.CreatedAt),
			UpdatedAt: timeAgo(sess.UpdatedAt),
		})
	}
	return rows
}

func turnsToRows(turns []convo.Turn) []*turnRow {
	rows := make([]*turnRow, 0, len(turns))
	for _, turn := range turns {
		rows = append(rows, &turnRow{
			ID:        turn.ID,
			ShortID:   shortID(turn.ID),
			Status:    turn.Status,
			Message:   truncate(turn.UserMessage, 100),
			CreatedAt: timeAgo(turn.CreatedAt),
		})
	}
	return rows
}

package web

import (
	"net/http"

	"github.com/skaldhq/skald/internal/credits"
)

// CreditsData is the template context for the credit ledger page.
type CreditsData struct {
	PageData
	UserID  string
	Balance int64
	Granted int64
	Used    int64
	Entries []*entryRow
}

// entryRow is a display-friendly wrapper around a ledger entry.
type entryRow struct {
	OperationID string
	ShortOp     string
	Kind        string
	Credits     int64
	Reason      string
	CreatedAt   string
	Debit       bool
}

// handleCredits renders the credit ledger for one user. The user is
// selected with ?user= and defaults to "default".
func (s *WebServer) handleCredits(w http.ResponseWriter, r *http.Request) {
	if s.credits == nil {
		http.Error(w, "credit ledger not configured", http.StatusServiceUnavailable)
		return
	}

	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = "default"
	}

	summary, err := s.credits.Summary(r.Context(), userID)
	if err != nil {
		s.logger.Error("credit summary failed", "user", userID, "error", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}

	history, err := s.credits.History(r.Context(), userID, 100)
	if err != nil {
		s.logger.Error("credit history failed", "user", userID, "error", err)
	}

	data := CreditsData{
		PageData: PageData{ActiveNav: "credits"},
		UserID:   userID,
		Balance:  summary.Balance,
		Granted:  summary.Granted,
		Used:     summary.Deducted - summary.Refunded,
		Entries:  entriesToRows(history),
	}

	s.render(w, r, "credits.html", data)
}

func entriesToRows(entries []credits.Entry) []*entryRow {
	rows := make([]*entryRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, &entryRow{
			OperationID: e.OperationID,
			ShortOp:     shortID(e.OperationID),
			Kind:        e.Kind,
			Credits:     e.Credits,
			Reason:      e.Reason,
			CreatedAt:   formatTime(e.CreatedAt),
			Debit:       e.Kind == credits.KindDeduct,
		})
	}
	return rows
}

package web

import (
	"net/http"
	"time"

	"github.com/skaldhq/skald/internal/buildinfo"
	"github.com/skaldhq/skald/internal/hitl"
)

// DashboardData is the template context for the runtime overview page.
type DashboardData struct {
	PageData
	Build          map[string]string
	Uptime         time.Duration
	Usage          UsageSnapshot
	OpenRequests   []*requestRow
	RecentSessions []*sessionRow
}

// UsageSnapshot is the last-24h token usage block on the overview page.
type UsageSnapshot struct {
	Requests     int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// requestRow is a display-friendly wrapper around an open human request.
type requestRow struct {
	ID        string
	ShortID   string
	TurnID    string
	ShortTurn string
	UserID    string
	Kind      string
	Question  string
	Options   int
	Expires   string
}

// handleDashboard renders the runtime overview page at "/". Only exact
// "/" requests get the dashboard; all other paths return 404.
func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := DashboardData{
		PageData: PageData{ActiveNav: "overview"},
		Build:    buildinfo.Info(),
		Uptime:   buildinfo.Uptime(),
	}

	if s.usage != nil {
		now := time.Now()
		if sum, err := s.usage.Summary(now.Add(-24*time.Hour), now); err != nil {
			s.logger.Error("usage summary failed", "error", err)
		} else {
			data.Usage = UsageSnapshot{
				Requests:     sum.TotalRecords,
				InputTokens:  sum.TotalInputTokens,
				OutputTokens: sum.TotalOutputTokens,
				CostUSD:      sum.TotalCostUSD,
			}
		}
	}

	if s.broker != nil {
		data.OpenRequests = requestsToRows(s.broker.List())
	}

	if s.convo != nil {
		sessions, err := s.convo.ListSessions(r.Context(), "", 10)
		if err != nil {
			s.logger.Error("session list failed", "error", err)
		} else {
			data.RecentSessions = sessionsToRows(sessions)
		}
	}

	s.render(w, r, "dashboard.html", data)
}

func requestsToRows(requests []hitl.Request) []*requestRow {
	rows := make([]*requestRow, 0, len(requests))
	for _, req := range requests {
		rows = append(rows, &requestRow{
			ID:        req.ID,
			ShortID:   shortID(req.ID),
			TurnID:    req.TurnID,
			ShortTurn: shortID(req.TurnID),
			UserID:    req.UserID,
			Kind:      req.Kind,
			Question:  truncate(req.Question, 120),
			Options:   len(req.Options),
			Expires:   timeUntil(req.ExpiresAt),
		})
	}
	return rows
}

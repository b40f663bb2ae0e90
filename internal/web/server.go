// Package web provides the operations dashboard: runtime overview,
// session browser, turn transcripts, credit ledgers, and playbooks,
// with a WebSocket feed of live agent events. Pages are server-rendered
// html/template with htmx partial refreshes; no frontend build step.
package web

import (
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/credits"
	"github.com/skaldhq/skald/internal/events"
	"github.com/skaldhq/skald/internal/hitl"
	"github.com/skaldhq/skald/internal/playbook"
	"github.com/skaldhq/skald/internal/usage"
)

//go:embed static/*
var staticFiles embed.FS

// Config wires the dashboard to its data sources. Nil stores disable
// their pages with a 503 rather than failing startup; the dashboard is
// never the reason the agent cannot run.
type Config struct {
	Convo     *convo.Store
	Credits   *credits.Ledger
	Usage     *usage.Store
	Broker    *hitl.Broker
	Playbooks *playbook.Library
	Bus       *events.Bus
	Logger    *slog.Logger
}

// WebServer renders the dashboard pages.
type WebServer struct {
	convo     *convo.Store
	credits   *credits.Ledger
	usage     *usage.Store
	broker    *hitl.Broker
	playbooks *playbook.Library
	bus       *events.Bus

	templates map[string]*template.Template
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewWebServer creates the dashboard. Panics on template syntax errors
// so a broken build fails at startup, not on first page load.
func NewWebServer(cfg Config) *WebServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebServer{
		convo:     cfg.Convo,
		credits:   cfg.Credits,
		usage:     cfg.Usage,
		broker:    cfg.Broker,
		playbooks: cfg.Playbooks,
		bus:       cfg.Bus,
		templates: loadTemplates(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "web"),
	}
}

// RegisterRoutes adds the dashboard routes to a mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleDashboard)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionDetail)
	mux.HandleFunc("GET /turns/{id}", s.handleTranscript)
	mux.HandleFunc("GET /credits", s.handleCredits)
	mux.HandleFunc("GET /playbooks", s.handlePlaybooks)
	mux.HandleFunc("GET /playbooks/{name}", s.handlePlaybookDetail)
	mux.HandleFunc("GET /ws/events", s.handleEventsWS)

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(static))))
}

// PageData carries the fields every page template needs.
type PageData struct {
	ActiveNav string
}

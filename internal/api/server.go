// Package api implements the HTTP API: turn lifecycle, SSE streaming,
// sessions, credits, and uploads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skaldhq/skald/internal/agent"
	"github.com/skaldhq/skald/internal/blob"
	"github.com/skaldhq/skald/internal/buildinfo"
	"github.com/skaldhq/skald/internal/convo"
	"github.com/skaldhq/skald/internal/credits"
	"github.com/skaldhq/skald/internal/stream"
	"github.com/skaldhq/skald/internal/web"
)

// writeTimeout bounds a single response write. Streaming handlers push
// the deadline forward after every event, so it only has to cover the
// gap between two events, not a whole turn.
const writeTimeout = 120 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps are the collaborators the server exposes over HTTP. Orchestrator
// and Convo are required; the rest disable their endpoints when nil.
type Deps struct {
	Orchestrator *agent.Orchestrator
	Convo        *convo.Store
	Credits      *credits.Ledger
	Journal      *stream.Journal
	Blobs        *blob.Store
	Logger       *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int

	orch    *agent.Orchestrator
	convo   *convo.Store
	credits *credits.Ledger
	journal *stream.Journal
	blobs   *blob.Store

	dashboard *web.WebServer

	logger *slog.Logger
	server *http.Server
}

// NewServer creates the API server. Call Start to begin serving.
func NewServer(address string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		orch:    deps.Orchestrator,
		convo:   deps.Convo,
		credits: deps.Credits,
		journal: deps.Journal,
		blobs:   deps.Blobs,
		logger:  logger.With("component", "api"),
	}
}

// SetDashboard mounts the web dashboard on the server's mux. Must be
// called before Start.
func (s *Server) SetDashboard(ws *web.WebServer) {
	s.dashboard = ws
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive the mux through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Turn lifecycle
	mux.HandleFunc("POST /v1/turns", s.handleTurnStart)
	mux.HandleFunc("GET /v1/turns/{id}", s.handleTurnGet)
	mux.HandleFunc("POST /v1/turns/{id}/resume", s.handleTurnResume)
	mux.HandleFunc("POST /v1/turns/{id}/cancel", s.handleTurnCancel)
	mux.HandleFunc("GET /v1/turns/{id}/events", s.handleTurnEvents)

	// Sessions
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)

	// Credits
	mux.HandleFunc("GET /v1/credits/{user}", s.handleCreditsGet)
	mux.HandleFunc("POST /v1/credits/{user}/topup", s.handleCreditsTopup)

	// Uploads and served blobs
	mux.HandleFunc("POST /v1/uploads", s.handleUploadCreate)
	mux.HandleFunc("PUT /v1/uploads/{id}", s.handleUploadPut)
	mux.HandleFunc("GET /v1/uploads/{key...}", s.handleUploadGet)

	// Health endpoints
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	if s.dashboard != nil {
		s.dashboard.RegisterRoutes(mux)
	} else {
		mux.HandleFunc("GET /", s.handleRoot)
	}

	return s.withLogging(mux)
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// turnError maps orchestrator errors onto status codes: unknown turns
// are 404, lifecycle conflicts (session busy, stale request, wrong
// state) are 409, everything else is a 500.
func (s *Server) turnError(w http.ResponseWriter, err error) {
	var busy *agent.ConcurrentTurnError
	var stale *agent.StaleRequestError
	var state *agent.TurnNotSuspendedError
	switch {
	case errors.Is(err, agent.ErrTurnNotFound):
		s.errorResponse(w, http.StatusNotFound, "turn not found")
	case errors.As(err, &busy), errors.As(err, &stale), errors.As(err, &state):
		s.errorResponse(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("turn operation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Skald",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

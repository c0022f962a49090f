// Package web exposes the JSON HTTP API and the SSE event stream.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/opencode-mem/opencode-mem/api"
	"github.com/opencode-mem/opencode-mem/internal/config"
	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/embedder"
	"github.com/opencode-mem/opencode-mem/internal/hub"
	"github.com/opencode-mem/opencode-mem/internal/ingest"
	"github.com/opencode-mem/opencode-mem/internal/replicator"
	"github.com/opencode-mem/opencode-mem/internal/search"
	"github.com/opencode-mem/opencode-mem/internal/session"
)

// Deps are the constructor-injected services the API surfaces. Optional
// members (replicator without a URL) still arrive non-nil and no-op.
type Deps struct {
	Store      *db.DB
	Ingest     *ingest.Processor
	Search     *search.Service
	Sessions   *session.Service
	Replicator *replicator.Replicator
	Events     *hub.Hub
	Embed      *embedder.Worker
}

// Server is the HTTP front end.
type Server struct {
	cfg      *config.Config
	deps     Deps
	settings *settingsRegistry
	latency  *latencyTracker
	limiter  *rateLimiter
	mux      *http.ServeMux
	server   *http.Server
	started  time.Time
}

// New creates the server and registers all routes.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		settings: newSettingsRegistry(cfg),
		latency:  newLatencyTracker(),
		limiter:  newRateLimiter(60, 30),
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.mux,
		ReadTimeout: 15 * time.Second,
		// SSE streams disallow a write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving. It blocks until shutdown.
func (s *Server) Start() error {
	log.Printf("[web] listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.handle("GET /api/health", s.handleHealth)
	s.handle("GET /api/stats", s.handleStats)

	s.handleWrite("POST /api/sessions/init", s.handleSessionInit)
	s.handleWrite("POST /api/sessions/complete", s.handleSessionComplete)
	s.handleWrite("POST /api/events/ingest", s.handleEventsIngest)

	s.handle("GET /api/search", s.handleSearch)
	s.handle("GET /api/timeline", s.handleTimeline)
	s.handle("POST /api/observations/batch", s.handleObservationsBatch)

	s.handle("GET /api/memory/list", s.handleMemoryList)
	s.handleWrite("POST /api/memory/save", s.handleMemorySave)
	s.handleWrite("DELETE /api/memory/{id}", s.handleMemoryDelete)
	s.handle("GET /api/memory/by-session", s.handleMemoryBySession)

	s.handle("GET /api/context/inject", s.handleContextInject)
	s.handle("GET /api/context/preview", s.handleContextPreview)

	s.handle("GET /api/diagnostics/queue", s.handleDiagnosticsQueue)
	s.handle("GET /api/diagnostics/search", s.handleDiagnosticsSearch)
	s.handle("GET /api/diagnostics/sync", s.handleDiagnosticsSync)
	s.handleWrite("POST /api/diagnostics/sync/replay", s.handleSyncReplay)

	s.handle("GET /api/stream", s.handleStream)

	s.handle("GET /api/settings", s.handleSettingsGet)
	s.handleWrite("POST /api/settings", s.handleSettingsPost)

	s.handleWrite("POST /api/cleanup/run", s.handleCleanupRun)
	s.handleWrite("POST /api/cleanup/purge", s.handleCleanupPurge)

	s.handleWrite("POST /api/embeddings/backfill", s.handleEmbeddingsBackfill)

	s.mux.HandleFunc("GET /api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(api.OpenAPISpec) //nolint:errcheck
	})

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", "")
	})
}

// handle wraps a handler with latency tracking.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		s.latency.record(pattern, time.Since(start), rec.status)
	})
}

// handleWrite additionally applies the write-endpoint rate limit.
func (s *Server) handleWrite(pattern string, h http.HandlerFunc) {
	s.handle(pattern, func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
			return
		}
		h(w, r)
	})
}

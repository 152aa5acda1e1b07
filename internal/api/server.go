// Package api exposes the bridge's HTTP surface: the JSON-RPC bridging
// endpoints, health, OpenAPI synthesis, and the job-directory download
// handler.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/mcpobridge/mcpobridge/internal/config"
	"github.com/mcpobridge/mcpobridge/internal/engine"
	"github.com/mcpobridge/mcpobridge/internal/jobindex"
	"github.com/mcpobridge/mcpobridge/internal/jobstore"
	"github.com/mcpobridge/mcpobridge/internal/pool"
	"github.com/mcpobridge/mcpobridge/internal/version"
)

// Server is the HTTP front end for the bridge.
type Server struct {
	settings config.Settings
	registry *config.Registry
	engine   *engine.Engine
	jobs     *jobstore.Store
	pooled   *pool.Pool // nil when stateful mode is disabled
	index    *jobindex.DB
	log      *slog.Logger

	mux     *http.ServeMux
	server  *http.Server
	started time.Time
}

// New builds a Server and registers its routes.
func New(settings config.Settings, registry *config.Registry, eng *engine.Engine, jobs *jobstore.Store, pooled *pool.Pool, index *jobindex.DB, log *slog.Logger) *Server {
	s := &Server{
		settings: settings,
		registry: registry,
		engine:   eng,
		jobs:     jobs,
		pooled:   pooled,
		index:    index,
		log:      log,
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         settings.Addr,
		Handler:      withCORS(gzhttp.GzipHandler(s.mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: settings.Timeout + 30*time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /mcp/{tag}", s.handleRawRPC)
	s.mux.HandleFunc("POST /mcpo/{tag}", s.handleRawRPC)
	s.mux.HandleFunc("POST /mcpo/{tag}/{tool}", s.handleToolCall)
	s.mux.HandleFunc("GET /mcpo/{tag}", s.handleOpenAPI)
	s.mux.HandleFunc("GET /mcpo/{tag}/openapi.json", s.handleOpenAPI)
	s.mux.HandleFunc("GET /files/{job_id}/{name}", s.handleDownload)
}

// Start begins serving. It blocks until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	if s.log != nil {
		s.log.Info("http server listening", "addr", s.settings.Addr)
	}
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-OpenWebUI-User-Id, X-OpenWebUI-Chat-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "mcpo-bridge",
		"version": version.Version(),
	})
}

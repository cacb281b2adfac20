// SPDX-License-Identifier: MIT

// Package api is the HTTP/WebSocket boundary of the daemon: the control
// plane for clients, the stream channel for subscribers and the ingest
// channel for workers.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kilocode/cloudagent/internal/api/middleware"
	"github.com/kilocode/cloudagent/internal/config"
	"github.com/kilocode/cloudagent/internal/ingest"
	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/session"
	"github.com/kilocode/cloudagent/internal/stream"
)

// Deps holds the collaborators injected into the server.
type Deps struct {
	Config   config.Config
	Registry *session.Registry
	Hub      *stream.Hub
	Ingest   *ingest.Manager
	Logger   zerolog.Logger
}

// Server routes HTTP and WebSocket traffic to the session layer.
type Server struct {
	cfg      config.Config
	registry *session.Registry
	hub      *stream.Hub
	ingest   *ingest.Manager
	logger   zerolog.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:      deps.Config,
		registry: deps.Registry,
		hub:      deps.Hub,
		ingest:   deps.Ingest,
		logger:   deps.Logger.With().Str(log.FieldComponent, "api").Logger(),
	}
}

// Router builds the full route tree. WebSocket routes only get the base
// middlewares; the observability wrappers do not implement http.Hijacker
// and would break the upgrade.
func (s *Server) Router() http.Handler {
	r := middleware.NewRouter()

	obs := middleware.StackConfig{
		EnableMetrics:   true,
		TracingService:  "cloudagent-api",
		EnableLogging:   true,
		RateLimitPerMin: s.cfg.RateLimitPerMin,
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Control plane (JSON).
		r.Group(func(r chi.Router) {
			middleware.ApplyObservability(r, obs)
			r.Use(s.authMiddleware(s.cfg.APIToken, false))
			r.Post("/sessions/{sessionID}/executions", s.handleStartExecution)
			r.Get("/sessions/{sessionID}", s.handleGetSession)
			r.Post("/executions/{executionID}/interrupt", s.handleInterrupt)
		})

		// Subscriber stream (WebSocket).
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware(s.cfg.APIToken, true))
			r.Get("/sessions/{sessionID}/stream", s.handleStream)
		})

		// Worker ingest (WebSocket, worker token).
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware(s.cfg.WorkerToken, true))
			r.Get("/executions/{executionID}/ingest", s.handleIngest)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

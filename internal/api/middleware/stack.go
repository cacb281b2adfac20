// SPDX-License-Identifier: MIT

// Package middleware provides the HTTP ingress middleware for the API
// server. ApplyStack is the single place ordering is decided so the
// cross-cutting concerns cannot drift between routers.
package middleware

import (
	"github.com/go-chi/chi/v5"

	"github.com/kilocode/cloudagent/internal/log"
)

// StackConfig configures the canonical ingress middleware stack.
type StackConfig struct {
	// Observability
	EnableMetrics  bool
	TracingService string // empty disables tracing
	EnableLogging  bool

	// Rate limiting
	RateLimitPerMin int // <= 0 disables
}

// NewRouter constructs a chi router with the base stack applied.
func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	ApplyBase(r)
	return r
}

// ApplyBase applies the middlewares every route gets, WebSocket upgrades
// included. None of them wrap the ResponseWriter, so connection hijacking
// stays possible downstream.
func ApplyBase(r chi.Router) {
	// 1. Recoverer (outermost safety net)
	r.Use(Recoverer)
	// 2. RequestID (correlation early)
	r.Use(RequestID)
	// 3. Security headers
	r.Use(SecurityHeaders)
}

// ApplyObservability applies the ResponseWriter-wrapping middlewares.
// Never use on WebSocket routes; the wrappers do not implement
// http.Hijacker and would break the upgrade.
func ApplyObservability(r chi.Router, cfg StackConfig) {
	// 4. Metrics (track all requests)
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	// 5. Tracing
	if cfg.TracingService != "" {
		r.Use(Tracing(cfg.TracingService))
	}
	// 6. Logging (wraps handlers, captures full latency)
	if cfg.EnableLogging {
		r.Use(log.Middleware())
	}
	// 7. Rate limit
	if cfg.RateLimitPerMin > 0 {
		r.Use(RateLimit(cfg.RateLimitPerMin))
	}
}

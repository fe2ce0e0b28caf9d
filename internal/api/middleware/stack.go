// SPDX-License-Identifier: MIT

// Package middleware is the canonical HTTP ingress stack shared by every
// route the relay serves, socket upgrades included.
package middleware

import (
	"github.com/go-chi/chi/v5"
)

// StackConfig configures the canonical middleware stack. One config feeds
// both the REST surface and the socket mount points so cross-cutting
// behavior cannot drift between them.
type StackConfig struct {
	EnableCORS     bool
	AllowedOrigins []string

	EnableMetrics  bool
	TracingService string // empty disables tracing
	EnableLogging  bool

	// Rate limiting applies per client IP across all routes.
	EnableRateLimit  bool
	RateLimitPerMin  int
	RateLimitExclude []string
}

// NewRouter constructs a chi router with the canonical stack applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack applies the canonical stack to r. Order matters: the recoverer
// wraps everything, correlation ids come before anything that logs, and the
// rate limiter sits innermost so rejected requests still carry an id.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer)
	r.Use(RequestID)
	if cfg.EnableCORS {
		r.Use(CORS(cfg.AllowedOrigins))
	}
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	if cfg.TracingService != "" {
		r.Use(OTelHTTP(cfg.TracingService))
	}
	if cfg.EnableLogging {
		r.Use(Logging())
	}
	if cfg.EnableRateLimit {
		r.Use(RateLimit(RateLimitConfig{
			RequestLimit: cfg.RateLimitPerMin,
			Exclude:      cfg.RateLimitExclude,
		}))
	}
}

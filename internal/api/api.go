// SPDX-License-Identifier: MIT

// Package api is the relay's HTTP surface: probes, metrics, the REST
// endpoints behind the web UI and the CLI spawn extension, and the socket
// namespace mount points.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pizzapi/relay/internal/api/middleware"
	"github.com/pizzapi/relay/internal/attachments"
	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/config"
	"github.com/pizzapi/relay/internal/health"
	"github.com/pizzapi/relay/internal/log"
	"github.com/pizzapi/relay/internal/relay"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
)

// Deps carries everything the HTTP surface serves or guards.
type Deps struct {
	Config      config.Config
	State       state.Store
	Store       *store.Store
	Relay       *relay.Server
	Gate        *auth.Gate
	Health      *health.Manager
	Attachments *attachments.Store // nil disables the attachment routes
}

// Server holds the handler set. Routes() produces the single http.Handler
// the daemon binds.
type Server struct {
	cfg         config.Config
	state       state.Store
	store       *store.Store
	relay       *relay.Server
	gate        *auth.Gate
	health      *health.Manager
	attachments *attachments.Store
	logger      zerolog.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:         d.Config,
		state:       d.State,
		store:       d.Store,
		relay:       d.Relay,
		gate:        d.Gate,
		health:      d.Health,
		attachments: d.Attachments,
		logger:      log.WithComponent("api"),
	}
}

// Routes assembles the full router: canonical middleware stack, probe and
// scrape endpoints, socket namespaces, and the guarded REST tree.
func (s *Server) Routes() http.Handler {
	tracing := ""
	if s.cfg.TelemetryEnabled {
		tracing = "pizzapi-relay"
	}

	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:      true,
		AllowedOrigins:  s.cfg.TrustedOrigins,
		EnableMetrics:   true,
		TracingService:  tracing,
		EnableLogging:   true,
		EnableRateLimit: true,
		RateLimitPerMin: 600,
		// One upgrade per connection; frames never pass the limiter.
		RateLimitExclude: []string{"/socket", "/health", "/readyz", "/metrics"},
	})

	r.Get("/health", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/socket", func(r chi.Router) {
		r.Use(middleware.HandshakeLimit(middleware.DefaultHandshakeLimit()))
		r.With(s.gate.RequireRunner).Get("/runner", s.relay.ServeRunner)
		r.With(s.gate.RequireAPIKey).Get("/relay", s.relay.ServeRelay)
		r.With(s.gate.RequireCookie).Get("/viewer", s.relay.ServeViewer)
		r.With(s.gate.RequireCookie).Get("/terminal", s.relay.ServeTerminal)
		r.With(s.gate.RequireCookie).Get("/hub", s.relay.ServeHub)
	})

	r.Route("/api", func(r chi.Router) {
		// Caddy's on-demand TLS probe and the VAPID key are credential-free.
		r.Get("/caddy/validate", s.handleCaddyValidate)
		r.Get("/push/vapid-public-key", s.handleVAPIDPublicKey)

		r.Group(func(r chi.Router) {
			r.Use(s.userGate())

			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions/spawn", s.handleSpawnSession)
			r.Get("/sessions/{id}/snapshot", s.handleSessionSnapshot)
			r.Delete("/sessions/{id}", s.handleKillSession)

			r.Get("/runners", s.handleListRunners)
			r.Get("/folders/recent", s.handleRecentFolders)

			r.Post("/push/subscribe", s.handlePushSubscribe)
			r.Post("/push/unsubscribe", s.handlePushUnsubscribe)

			if s.attachments != nil {
				r.Post("/attachments", s.handleAttachmentUpload)
				r.Get("/attachments/{id}", s.handleAttachmentDownload)
			}
		})
	})

	return r
}

// userGate picks the REST guard: org-scoped tokens in multi-tenant mode,
// API-key-or-cookie otherwise.
func (s *Server) userGate() func(http.Handler) http.Handler {
	if s.cfg.MultiTenant() {
		return s.gate.RequireOrgContext
	}
	return s.gate.RequireUser
}

// identity pulls the authenticated user off the request context. The guards
// always set it; a miss means a route escaped them.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return auth.Identity{}, false
	}
	return id, true
}

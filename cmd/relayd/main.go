// SPDX-License-Identifier: MIT

// Command relayd runs one relay node: the socket namespaces, the REST
// surface, the sweeper and the cross-node bus consumer.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pizzapi/relay/internal/api"
	"github.com/pizzapi/relay/internal/attachments"
	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/bus"
	"github.com/pizzapi/relay/internal/config"
	"github.com/pizzapi/relay/internal/daemon"
	"github.com/pizzapi/relay/internal/eventcache"
	"github.com/pizzapi/relay/internal/health"
	"github.com/pizzapi/relay/internal/log"
	"github.com/pizzapi/relay/internal/push"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/relay"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
	"github.com/pizzapi/relay/internal/sweeper"
	"github.com/pizzapi/relay/internal/telemetry"
	"github.com/pizzapi/relay/internal/ws"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// maskURL strips credentials from a URL string for safe logging.
func maskURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func main() {
	// A .env beside the binary is a convenience for self-hosted installs;
	// real environments set the variables directly.
	_ = godotenv.Load()

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "pizzapi-relay",
	})
	logger := log.WithComponent("relayd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("configuration rejected")
	}

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
	}

	environment := "self-hosted"
	if cfg.MultiTenant() {
		environment = "multi-tenant"
	}
	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    "pizzapi-relay",
		ServiceVersion: version,
		Environment:    environment,
		ExporterType:   cfg.TelemetryExporter,
		Endpoint:       cfg.OTLPEndpoint,
		SamplingRate:   cfg.SamplingRate,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "telemetry.init_failed").
			Msg("failed to install tracer provider")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.ListenAddr).
		Msg("starting pizzapi relay")

	// Every node gets a fresh identity; the bus uses it to suppress a
	// node's own publishes.
	nodeID := uuid.NewString()

	var (
		st          state.Store
		cache       eventcache.Cache
		fabric      bus.Bus
		redisClient *redis.Client
	)
	if cfg.RedisDisabled() {
		logger.Warn().
			Str("event", "redis.disabled").
			Msg("→ Redis: disabled; single-node mode, no replay cache")
		st = state.NewMemoryStore()
		cache = eventcache.Nop{}
		fabric = bus.NewMemory(nodeID)
	} else {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "redis.url_invalid").
				Msg("cannot parse PIZZAPI_REDIS_URL")
		}
		redisClient = redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			// Degraded start: the store components log once and no-op
			// until the backend returns.
			logger.Warn().
				Err(err).
				Str("event", "redis.unreachable").
				Msg("Redis not reachable at startup, continuing degraded")
		}
		cancel()

		logger.Info().Msgf("→ Redis: %s (prefix: %q)", maskURL(cfg.RedisURL), cfg.RedisPrefix)
		st = state.NewRedisStore(redisClient, cfg.RedisPrefix, log.WithComponent("state"))
		cache = eventcache.NewRedis(redisClient, cfg.RedisPrefix, eventcache.Config{
			BufferSize:   cfg.EventBufferSize,
			TTL:          cfg.EventTTL,
			EphemeralTTL: cfg.EphemeralTTL,
		}, log.WithComponent("eventcache"))
		fabric = bus.NewRedis(redisClient, nodeID)
	}
	topics := bus.NewTopics(cfg.RedisPrefix)

	sessions, err := store.New(cfg.SQLitePath, cfg.EphemeralTTL)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "store.open_failed").
			Str("path", cfg.SQLitePath).
			Msg("cannot open session database")
	}
	logger.Info().Msgf("→ Sessions: %s", cfg.SQLitePath)

	staging, err := attachments.Open(attachments.Config{
		Dir:         cfg.AttachmentDir,
		TTL:         cfg.AttachmentTTL,
		MaxFileSize: cfg.AttachmentMaxFileSize,
	})
	if err != nil {
		// Attachments are a convenience; the relay runs without them.
		logger.Warn().
			Err(err).
			Str("event", "attachments.open_failed").
			Str("dir", cfg.AttachmentDir).
			Msg("attachment staging disabled")
		staging = nil
	} else {
		logger.Info().Msgf("→ Attachments: %s (ttl: %s, max: %d bytes)",
			cfg.AttachmentDir, cfg.AttachmentTTL, cfg.AttachmentMaxFileSize)
	}

	var provider auth.Provider
	if cfg.AuthURL != "" {
		logger.Info().Msgf("→ Auth: %s", maskURL(cfg.AuthURL))
		provider = auth.NewHTTPProvider(cfg.AuthURL, log.WithComponent("auth"))
	} else {
		if cfg.APIKey == "" {
			logger.Warn().
				Str("security", "weak").
				Msg("→ Auth: no API key configured, every handshake will be rejected")
		} else {
			logger.Info().Msg("→ Auth: static API key")
		}
		provider = auth.NewStaticProvider(cfg.APIKey, cfg.UserID, cfg.UserName)
	}

	origins, err := auth.NewOrigins(cfg.TrustedOrigins, cfg.TrustedOriginsFile, log.WithComponent("origins"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "origins.invalid").
			Msg("malformed trusted-origins configuration")
	}

	var verifier *auth.TokenVerifier
	if cfg.MultiTenant() {
		logger.Info().Msgf("→ Org: %s (jwks: %s)", cfg.OrgID, maskURL(cfg.JWKSURL))
		verifier = auth.NewTokenVerifier(cfg.JWKSURL, cfg.OrgID, log.WithComponent("jwks"))
	}

	gate := auth.NewGate(provider, origins, verifier, log.WithComponent("gate"))

	var notifier push.Notifier = push.Disabled{}
	if cfg.PushEnabled() {
		svc, err := push.New(push.Config{
			Subject:    cfg.VAPIDSubject,
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
		}, sessions)
		if err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "push.init_failed").
				Msg("cannot start push service")
		}
		notifier = svc
		logger.Info().Msg("→ Push: enabled")
	}

	reg := registry.New(st)
	upgrader := ws.NewUpgrader(ws.Config{
		SendBuffer: cfg.WSSendBuffer,
		ResumeTTL:  cfg.WSResumeTTL,
	})

	relaySrv := relay.NewServer(relay.Deps{
		State:        st,
		Cache:        cache,
		Store:        sessions,
		Registry:     reg,
		Bus:          fabric,
		Topics:       topics,
		Push:         notifier,
		Upgrader:     upgrader,
		EphemeralTTL: cfg.EphemeralTTL,
	})

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewDatabaseChecker("sqlite", sessions.DB))
	if redisClient != nil {
		hm.RegisterChecker(health.NewPingChecker("redis", st.Ping))
	}

	apiSrv := api.NewServer(api.Deps{
		Config:      cfg,
		State:       st,
		Store:       sessions,
		Relay:       relaySrv,
		Gate:        gate,
		Health:      hm,
		Attachments: staging,
	})

	sw := sweeper.New(sweeper.Deps{
		State:       st,
		Cache:       cache,
		Store:       sessions,
		Attachments: staging,
		Interval:    cfg.SweepInterval,
		StaleEvery:  cfg.StaleSweepEvery,
	})

	deps := daemon.Deps{
		Logger:     logger,
		Config:     cfg,
		APIHandler: apiSrv.Routes(),
		Relay:      relaySrv,
		Sweeper:    sw,
		Origins:    origins,
	}

	mgr, err := daemon.NewManager(deps)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.creation_failed").
			Msg("failed to create daemon manager")
	}

	mgr.RegisterShutdownHook("push", func(context.Context) error {
		notifier.Close()
		return nil
	})
	if staging != nil {
		mgr.RegisterShutdownHook("attachments", func(context.Context) error {
			return staging.Close()
		})
	}
	mgr.RegisterShutdownHook("sessions", func(context.Context) error {
		return sessions.Close()
	})
	mgr.RegisterShutdownHook("bus", func(context.Context) error {
		return fabric.Close()
	})
	if redisClient != nil {
		mgr.RegisterShutdownHook("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	mgr.RegisterShutdownHook("telemetry", func(ctx context.Context) error {
		return tracing.Shutdown(ctx)
	})

	app := daemon.NewApp(mgr, deps)
	if err := app.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("relay daemon failed")
	}

	logger.Info().Msg("relay exiting")
}

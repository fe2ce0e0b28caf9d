// SPDX-License-Identifier: MIT

// Package config loads the relay configuration from the process environment.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Defaults for tunables that are not usually overridden.
const (
	DefaultPort            = 8787
	DefaultEphemeralTTL    = 10 * time.Minute
	DefaultSweepInterval   = 60 * time.Second
	DefaultEventBufferSize = 1000
	DefaultEventTTL        = 24 * time.Hour
	DefaultAttachmentTTL   = 15 * time.Minute
	DefaultMaxFileSize     = 20 << 20 // 20 MiB
	DefaultWSSendBuffer    = 256
	DefaultWSResumeTTL     = 120 * time.Second
	DefaultDataDir         = "/var/lib/pizzapi"
	DefaultStaleSweepEvery = 10
)

// Config holds the full runtime configuration of the relay daemon.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8787".
	ListenAddr string

	// RedisURL selects the shared state backend. The values "off",
	// "disabled" and "none" (or an empty string) select the in-process
	// fallback store.
	RedisURL    string
	RedisPrefix string

	// Multi-tenant runner gate. When OrgID and JWKSURL are both set,
	// runner connections must present a token issued for this org.
	OrgID   string
	OrgSlug string
	JWKSURL string

	// Self-hosted auth fallback.
	APIKey   string
	UserID   string
	UserName string
	// AuthURL points at the external auth service used for cookie
	// verification. Empty means self-hosted mode.
	AuthURL string

	TrustedOrigins     []string
	TrustedOriginsFile string

	// Ephemeral session lifecycle.
	EphemeralTTL    time.Duration
	SweepInterval   time.Duration
	StaleSweepEvery int

	// Event cache.
	EventBufferSize int
	EventTTL        time.Duration

	// Attachment staging.
	AttachmentTTL         time.Duration
	AttachmentMaxFileSize int64
	AttachmentDir         string

	// Persistence.
	DataDir    string
	SQLitePath string

	// Web push (VAPID). All three must be set for push to be enabled.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// WebSocket transport.
	WSSendBuffer int
	WSResumeTTL  time.Duration

	// Telemetry.
	TelemetryEnabled  bool
	OTLPEndpoint      string
	TelemetryExporter string
	SamplingRate      float64

	LogLevel string
}

// FromEnv builds a Config from the process environment, applying defaults.
func FromEnv() Config {
	dataDir := ParseString("PIZZAPI_DATA", DefaultDataDir)

	cfg := Config{
		ListenAddr: fmt.Sprintf(":%d", ParseInt("PORT", DefaultPort)),

		RedisURL:    ParseString("PIZZAPI_REDIS_URL", ""),
		RedisPrefix: ParseString("REDIS_PREFIX", ""),

		OrgID:   ParseString("ORG_ID", ""),
		OrgSlug: ParseString("ORG_SLUG", ""),
		JWKSURL: ParseString("JWT_JWKS_URL", ""),

		APIKey:   ParseString("PIZZAPI_API_KEY", ""),
		UserID:   ParseString("PIZZAPI_USER_ID", "user"),
		UserName: ParseString("PIZZAPI_USER_NAME", "User"),
		AuthURL:  ParseString("PIZZAPI_AUTH_URL", ""),

		TrustedOrigins:     ParseStringSlice("PIZZAPI_TRUSTED_ORIGINS", nil),
		TrustedOriginsFile: ParseString("PIZZAPI_TRUSTED_ORIGINS_FILE", ""),

		EphemeralTTL:    ParseMillis("PIZZAPI_EPHEMERAL_TTL_MS", DefaultEphemeralTTL),
		SweepInterval:   ParseMillis("PIZZAPI_EPHEMERAL_SWEEP_MS", DefaultSweepInterval),
		StaleSweepEvery: ParseInt("PIZZAPI_STALE_INDEX_SWEEP_EVERY", DefaultStaleSweepEvery),

		EventBufferSize: ParseInt("PIZZAPI_RELAY_EVENT_BUFFER_SIZE", DefaultEventBufferSize),
		EventTTL:        ParseMillis("PIZZAPI_RELAY_EVENT_TTL_MS", DefaultEventTTL),

		AttachmentTTL:         ParseMillis("PIZZAPI_ATTACHMENT_TTL_MS", DefaultAttachmentTTL),
		AttachmentMaxFileSize: ParseInt64("PIZZAPI_ATTACHMENT_MAX_FILE_SIZE_BYTES", DefaultMaxFileSize),
		AttachmentDir:         ParseString("PIZZAPI_ATTACHMENT_DIR", filepath.Join(dataDir, "attachments")),

		DataDir:    dataDir,
		SQLitePath: ParseString("PIZZAPI_SQLITE_PATH", filepath.Join(dataDir, "relay.db")),

		VAPIDPublicKey:  ParseString("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: ParseString("VAPID_PRIVATE_KEY", ""),
		VAPIDSubject:    ParseString("VAPID_SUBJECT", ""),

		WSSendBuffer: ParseInt("PIZZAPI_WS_SEND_BUFFER", DefaultWSSendBuffer),
		WSResumeTTL:  ParseMillis("PIZZAPI_WS_RESUME_TTL_MS", DefaultWSResumeTTL),

		TelemetryEnabled:  ParseBool("PIZZAPI_TELEMETRY_ENABLED", false),
		OTLPEndpoint:      ParseString("PIZZAPI_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryExporter: ParseString("PIZZAPI_TELEMETRY_EXPORTER", "grpc"),
		SamplingRate:      ParseFloat("PIZZAPI_SAMPLING_RATE", 1.0),

		LogLevel: ParseString("LOG_LEVEL", "info"),
	}
	return cfg
}

// RedisDisabled reports whether the configuration selects the in-process
// fallback store instead of Redis.
func (c Config) RedisDisabled() bool {
	switch strings.ToLower(strings.TrimSpace(c.RedisURL)) {
	case "", "off", "disabled", "none":
		return true
	}
	return false
}

// MultiTenant reports whether the runner gate requires org-scoped tokens.
func (c Config) MultiTenant() bool {
	return c.OrgID != "" && c.JWKSURL != ""
}

// PushEnabled reports whether web push delivery is configured.
func (c Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != "" && c.VAPIDSubject != ""
}

// Validate checks the configuration for values that cannot work at runtime.
func (c Config) Validate() error {
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.EventBufferSize)
	}
	if c.EphemeralTTL <= 0 {
		return fmt.Errorf("ephemeral TTL must be positive, got %s", c.EphemeralTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("websocket send buffer must be positive, got %d", c.WSSendBuffer)
	}
	if c.AttachmentMaxFileSize <= 0 {
		return fmt.Errorf("attachment max file size must be positive, got %d", c.AttachmentMaxFileSize)
	}
	if c.OrgID != "" && c.JWKSURL == "" {
		return fmt.Errorf("ORG_ID is set but JWT_JWKS_URL is missing")
	}
	if c.JWKSURL != "" && c.OrgID == "" {
		return fmt.Errorf("JWT_JWKS_URL is set but ORG_ID is missing")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be within [0,1], got %f", c.SamplingRate)
	}
	return nil
}

// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pizzapi/relay/internal/config"
	"github.com/pizzapi/relay/internal/store"
)

type mockChecker struct {
	name   string
	status Status
	err    string
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: m.status, Error: m.err}
}

func TestReadyNoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.Nil(t, resp.Checks)
}

func TestReadyDegradedStaysInRotation(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "redis", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "sqlite", status: StatusDegraded})

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestReadyUnhealthyFlips503(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "redis", status: StatusUnhealthy, err: "connection refused"})

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
	assert.Equal(t, "connection refused", resp.Checks["redis"].Error)
}

func TestServeHealthPinnedBody(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "redis", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// Liveness stays 200 with the fixed body even when backends are down.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServeHealthVerbose(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "redis", status: StatusHealthy})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/health?verbose=true", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Checks, 1)
}

func TestPingCheckerTimeoutAndError(t *testing.T) {
	ok := NewPingChecker("redis", func(context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	bad := NewPingChecker("redis", func(context.Context) error { return errors.New("down") })
	res := bad.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "down", res.Error)

	slow := NewPingChecker("redis", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	})
	start := time.Now()
	res = slow.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDatabaseChecker(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "relay.db"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := NewDatabaseChecker("sqlite", st.DB)
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	nilc := NewDatabaseChecker("sqlite", nil)
	assert.Equal(t, StatusUnhealthy, nilc.Check(context.Background()).Status)
}

func TestStartupChecksPassOnWritableDirs(t *testing.T) {
	cfg := config.FromEnv()
	cfg.DataDir = t.TempDir()
	cfg.AttachmentDir = filepath.Join(cfg.DataDir, "attachments")
	cfg.ListenAddr = ":0"
	cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey = "", ""

	require.NoError(t, PerformStartupChecks(context.Background(), cfg))
}

func TestStartupChecksRejectLoneVAPIDKey(t *testing.T) {
	cfg := config.FromEnv()
	cfg.DataDir = t.TempDir()
	cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey = "pub-only", ""

	err := PerformStartupChecks(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAPID_PRIVATE_KEY")
}

func TestStartupChecksRejectBadListenAddr(t *testing.T) {
	cfg := config.FromEnv()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "not-an-addr"
	cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey = "", ""

	require.Error(t, PerformStartupChecks(context.Background(), cfg))
}

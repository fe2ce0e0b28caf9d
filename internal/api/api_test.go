// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pizzapi/relay/internal/attachments"
	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/bus"
	"github.com/pizzapi/relay/internal/config"
	"github.com/pizzapi/relay/internal/eventcache"
	"github.com/pizzapi/relay/internal/health"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/push"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/relay"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
	"github.com/pizzapi/relay/internal/ws"
)

const testKey = "test-key"

type fixture struct {
	handler http.Handler
	state   *state.MemoryStore
	store   *store.Store
	attach  *attachments.Store
}

// newFixture wires a full REST surface over in-memory state, a temp SQLite
// store and a relay server with no runners connected. attach may be nil.
func newFixture(t *testing.T, mutate func(*config.Config), attach *attachments.Store) *fixture {
	t.Helper()

	cfg := config.FromEnv()
	cfg.APIKey = testKey
	cfg.OrgID, cfg.OrgSlug, cfg.JWKSURL = "", "", ""
	cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject = "", "", ""
	cfg.TelemetryEnabled = false
	cfg.TrustedOrigins = nil
	if mutate != nil {
		mutate(&cfg)
	}

	st := state.NewMemoryStore()
	sqlStore, err := store.New(filepath.Join(t.TempDir(), "relay.db"), 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	relaySrv := relay.NewServer(relay.Deps{
		State:        st,
		Cache:        eventcache.Nop{},
		Store:        sqlStore,
		Registry:     registry.New(st),
		Bus:          bus.NewMemory("n1"),
		Topics:       bus.NewTopics(""),
		Push:         push.Disabled{},
		Upgrader:     ws.NewUpgrader(ws.Config{}),
		EphemeralTTL: time.Minute,
	})

	origins, err := auth.NewOrigins(nil, "", zerolog.Nop())
	require.NoError(t, err)
	gate := auth.NewGate(auth.NewStaticProvider(testKey, "u1", "max"), origins, nil, zerolog.Nop())

	srv := NewServer(Deps{
		Config:      cfg,
		State:       st,
		Store:       sqlStore,
		Relay:       relaySrv,
		Gate:        gate,
		Health:      health.NewManager("test"),
		Attachments: attach,
	})
	return &fixture{handler: srv.Routes(), state: st, store: sqlStore, attach: attach}
}

func openAttachments(t *testing.T, maxSize int64) *attachments.Store {
	t.Helper()
	a, err := attachments.Open(attachments.Config{Dir: t.TempDir(), TTL: time.Minute, MaxFileSize: maxSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// do issues one request against the router. body == "" sends no body,
// authed toggles the API key header.
func (f *fixture) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-Api-Key", testKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestProbesNeedNoCredentials(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/readyz", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRESTRequiresCredentials(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/api/sessions", "", false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("X-Api-Key", "wrong")
	wrong := httptest.NewRecorder()
	f.handler.ServeHTTP(wrong, req)
	require.Equal(t, http.StatusUnauthorized, wrong.Code)

	rec = f.do(t, http.MethodGet, "/api/sessions", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListSessionsMergesLiveAndHistory(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	// Live and persisted at once, like a running session.
	require.NoError(t, f.state.PutSession(ctx, &state.SessionData{
		SessionID: "live-1", UserID: "u1", SessionName: "work",
		IsActive: true, StartedAt: time.Now().UnixMilli(),
	}))
	require.NoError(t, f.store.RecordStart(ctx, store.SessionStart{
		SessionID: "live-1", UserID: "u1", SessionName: "work", Cwd: "/w",
	}))
	// Ended earlier, known only to SQLite.
	require.NoError(t, f.store.RecordStart(ctx, store.SessionStart{
		SessionID: "old-1", UserID: "u1", Cwd: "/w",
	}))
	require.NoError(t, f.store.RecordEnd(ctx, "old-1"))
	// Someone else's history must not surface.
	require.NoError(t, f.store.RecordStart(ctx, store.SessionStart{
		SessionID: "other-1", UserID: "u2", Cwd: "/x",
	}))

	rec := f.do(t, http.MethodGet, "/api/sessions", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got protocol.SessionsUpdated
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Sessions, 2)

	byID := map[string]protocol.SessionInfo{}
	for _, s := range got.Sessions {
		byID[s.SessionID] = s
	}
	require.Contains(t, byID, "live-1")
	require.Contains(t, byID, "old-1")
	assert.True(t, byID["live-1"].IsActive, "live entry wins over its persisted row")
	assert.False(t, byID["old-1"].IsActive)
}

func TestSpawnSessionValidation(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodPost, "/api/sessions/spawn", `{}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "cwd")

	rec = f.do(t, http.MethodPost, "/api/sessions/spawn", `{"cwd":"/w"}`, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "no runner")
}

func TestSessionSnapshotPrefersLiveState(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.state.PutSession(ctx, &state.SessionData{
		SessionID: "live-1", UserID: "u1", IsActive: true,
		LastHeartbeatAt: 123, LastState: json.RawMessage(`{"x":1}`),
	}))
	require.NoError(t, f.store.RecordStart(ctx, store.SessionStart{SessionID: "old-1", UserID: "u1", Cwd: "/w"}))
	require.NoError(t, f.store.RecordState(ctx, "old-1", json.RawMessage(`{"y":2}`)))
	require.NoError(t, f.state.PutSession(ctx, &state.SessionData{SessionID: "foreign-1", UserID: "u2"}))

	rec := f.do(t, http.MethodGet, "/api/sessions/live-1/snapshot", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap snapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.IsActive)
	assert.JSONEq(t, `{"x":1}`, string(snap.State))
	assert.Equal(t, int64(123), snap.UpdatedAt)

	rec = f.do(t, http.MethodGet, "/api/sessions/old-1/snapshot", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = snapshotResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.False(t, snap.IsActive)
	assert.JSONEq(t, `{"y":2}`, string(snap.State))

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/foreign-1/snapshot", "", true).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/nope/snapshot", "", true).Code)
}

func TestKillSessionOwnership(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.state.PutSession(ctx, &state.SessionData{SessionID: "mine", UserID: "u1"}))
	require.NoError(t, f.state.PutSession(ctx, &state.SessionData{SessionID: "theirs", UserID: "u2"}))

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/sessions/mine", "", true).Code)
	_, err := f.state.GetSession(ctx, "mine")
	require.ErrorIs(t, err, state.ErrNotFound)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/sessions/theirs", "", true).Code)
	_, err = f.state.GetSession(ctx, "theirs")
	require.NoError(t, err, "foreign session survives")

	// Unknown ids are a successful no-op.
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/sessions/ghost", "", true).Code)
}

func TestListRunnersFiltersByUser(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.state.PutRunner(ctx, &state.RunnerData{
		RunnerID: "r1", UserID: "u1", Name: "laptop", Roots: []string{"/w"},
	}))
	require.NoError(t, f.state.PutRunner(ctx, &state.RunnerData{RunnerID: "r2", UserID: "u2"}))

	rec := f.do(t, http.MethodGet, "/api/runners", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got protocol.RunnersUpdated
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Runners, 1)
	assert.Equal(t, "r1", got.Runners[0].RunnerID)
	assert.Equal(t, []string{"/w"}, got.Runners[0].Roots)
}

func TestRecentFolders(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.store.RecordFolder(ctx, "u1", "/home/max/projects/a"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.store.RecordFolder(ctx, "u1", "/home/max/projects/b"))
	require.NoError(t, f.store.RecordFolder(ctx, "u2", "/elsewhere"))

	rec := f.do(t, http.MethodGet, "/api/folders/recent", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got foldersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"/home/max/projects/b", "/home/max/projects/a"}, got.Folders)
}

func TestRecentFoldersEmptyIsArray(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(t, http.MethodGet, "/api/folders/recent", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"folders":[]}`, rec.Body.String())
}

func TestPushSubscribeLifecycle(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	body := `{"endpoint":"https://push.example/ep1","keys":{"p256dh":"pk","auth":"as"},"enabledEvents":["permission_request"]}`
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/push/subscribe", body, true).Code)

	subs, err := f.store.SubscriptionsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/ep1", subs[0].Endpoint)
	assert.Equal(t, []string{"permission_request"}, subs[0].EnabledEvents)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/push/subscribe", `{"endpoint":"x"}`, true).Code)

	require.Equal(t, http.StatusNoContent,
		f.do(t, http.MethodPost, "/api/push/unsubscribe", `{"endpoint":"https://push.example/ep1"}`, true).Code)
	subs, err = f.store.SubscriptionsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestVAPIDPublicKey(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/push/vapid-public-key", "", false).Code)

	f = newFixture(t, func(c *config.Config) { c.VAPIDPublicKey = "BTestKey" }, nil)
	rec := f.do(t, http.MethodGet, "/api/push/vapid-public-key", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"publicKey":"BTestKey"}`, rec.Body.String())
}

func TestCaddyValidate(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.OrgSlug = "acme" }, nil)

	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodGet, "/api/caddy/validate?domain=acme.pizzapi.dev", "", false).Code)
	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodGet, "/api/caddy/validate?domain=ACME.pizzapi.dev.", "", false).Code)
	require.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodGet, "/api/caddy/validate?domain=evil.pizzapi.dev", "", false).Code)
	require.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodGet, "/api/caddy/validate?domain=acme", "", false).Code)
	require.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodGet, "/api/caddy/validate", "", false).Code)

	// Single-tenant deployments never authorize issuance.
	f = newFixture(t, nil, nil)
	require.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodGet, "/api/caddy/validate?domain=acme.pizzapi.dev", "", false).Code)
}

func multipartUpload(t *testing.T, field, filename, content string) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), &buf
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	attach := openAttachments(t, 1<<20)
	f := newFixture(t, nil, attach)

	ctype, body := multipartUpload(t, "file", "notes.txt", "stage me")
	req := httptest.NewRequest(http.MethodPost, "/api/attachments", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("X-Api-Key", testKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var meta attachments.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	require.NotEmpty(t, meta.ID)
	assert.Equal(t, "notes.txt", meta.Filename)
	assert.Equal(t, int64(len("stage me")), meta.Size)

	dl := f.do(t, http.MethodGet, "/api/attachments/"+meta.ID, "", true)
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "stage me", dl.Body.String())
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "notes.txt")
}

func TestAttachmentHiddenFromOtherUsers(t *testing.T) {
	attach := openAttachments(t, 1<<20)
	f := newFixture(t, nil, attach)

	meta, err := attach.Save(context.Background(), "u2", "secret.txt", "text/plain", strings.NewReader("theirs"))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/attachments/"+meta.ID, "", true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAttachmentTooLargeRejected(t *testing.T) {
	attach := openAttachments(t, 8)
	f := newFixture(t, func(c *config.Config) { c.AttachmentMaxFileSize = 8 }, attach)

	ctype, body := multipartUpload(t, "file", "big.bin", "way more than eight bytes")
	req := httptest.NewRequest(http.MethodPost, "/api/attachments", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("X-Api-Key", testKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAttachmentRoutesAbsentWhenDisabled(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(t, http.MethodPost, "/api/attachments", "", true)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingIdentityAfterGuardIs401(t *testing.T) {
	// Routes mounted without a guard must fail closed, not panic.
	srv := &Server{logger: zerolog.Nop()}
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	http.HandlerFunc(srv.handleListSessions).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

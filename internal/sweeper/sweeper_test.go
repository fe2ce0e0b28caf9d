// SPDX-License-Identifier: MIT

package sweeper

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pizzapi/relay/internal/attachments"
	"github.com/pizzapi/relay/internal/eventcache"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
)

func newTestStore(t *testing.T, ttl time.Duration) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "relay.db"), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestCache(t *testing.T) eventcache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return eventcache.NewRedis(client, "", eventcache.Config{
		BufferSize:   100,
		TTL:          time.Hour,
		EphemeralTTL: time.Hour,
	}, zerolog.Nop())
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	live := state.NewMemoryStore()
	cache := newTestCache(t)
	persisted := newTestStore(t, time.Millisecond)

	require.NoError(t, live.PutSession(ctx, &state.SessionData{
		SessionID:   "sess-old",
		UserID:      "u1",
		IsEphemeral: true,
		ExpiresAt:   time.Now().Add(-time.Minute).UnixMilli(),
	}))
	require.NoError(t, live.PutSession(ctx, &state.SessionData{
		SessionID:   "sess-new",
		UserID:      "u1",
		IsActive:    true,
		IsEphemeral: true,
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}))

	cache.Append(ctx, "sess-old", json.RawMessage(`{"type":"agent_end"}`), true)
	cache.Append(ctx, "sess-new", json.RawMessage(`{"type":"text","delta":"hi"}`), true)

	require.NoError(t, persisted.RecordStart(ctx, store.SessionStart{
		SessionID:   "sess-old",
		UserID:      "u1",
		IsEphemeral: true,
	}))
	time.Sleep(5 * time.Millisecond)

	s := New(Deps{State: live, Cache: cache, Store: persisted, Interval: time.Minute})
	s.sweepOnce(ctx, false)

	_, err := live.GetSession(ctx, "sess-old")
	require.ErrorIs(t, err, state.ErrNotFound)
	_, err = live.GetSession(ctx, "sess-new")
	require.NoError(t, err)

	assert.Empty(t, cache.GetAll(ctx, "sess-old"))
	assert.Len(t, cache.GetAll(ctx, "sess-new"), 1)

	_, err = persisted.GetSnapshot(ctx, "sess-old")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepHandlesSessionKnownOnlyToOneBackend(t *testing.T) {
	ctx := context.Background()
	live := state.NewMemoryStore()
	cache := newTestCache(t)
	persisted := newTestStore(t, time.Millisecond)

	// Expired in SQLite but already gone from the live store, as happens
	// after a crash wiped the in-memory side.
	require.NoError(t, persisted.RecordStart(ctx, store.SessionStart{
		SessionID:   "sess-ghost",
		UserID:      "u1",
		IsEphemeral: true,
	}))
	cache.Append(ctx, "sess-ghost", json.RawMessage(`{"type":"text","delta":"x"}`), true)
	time.Sleep(5 * time.Millisecond)

	s := New(Deps{State: live, Cache: cache, Store: persisted, Interval: time.Minute})
	s.sweepOnce(ctx, false)

	assert.Empty(t, cache.GetAll(ctx, "sess-ghost"))
	_, err := persisted.GetSnapshot(ctx, "sess-ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepEvictsExpiredAttachments(t *testing.T) {
	ctx := context.Background()
	att, err := attachments.Open(attachments.Config{
		Dir:         t.TempDir(),
		TTL:         150 * time.Millisecond,
		MaxFileSize: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = att.Close() })

	meta, err := att.Save(ctx, "u1", "notes.txt", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)

	s := New(Deps{
		State:       state.NewMemoryStore(),
		Cache:       eventcache.Nop{},
		Store:       newTestStore(t, time.Minute),
		Attachments: att,
		Interval:    time.Minute,
	})

	s.sweepOnce(ctx, false)
	_, err = att.Get(ctx, meta.ID)
	require.NoError(t, err, "fresh attachment must survive a pass")

	time.Sleep(200 * time.Millisecond)
	s.sweepOnce(ctx, false)

	_, err = att.Get(ctx, meta.ID)
	assert.ErrorIs(t, err, attachments.ErrNotFound)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := New(Deps{
		State:    state.NewMemoryStore(),
		Cache:    eventcache.Nop{},
		Store:    newTestStore(t, time.Minute),
		Interval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

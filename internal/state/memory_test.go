// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.PutSession(ctx, testSession("sess-1")))

	out, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", out.SessionID)

	// Returned value is a copy; mutating it must not leak into the store.
	out.SessionName = "mutated"
	again, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "fix-ci", again.SessionName)

	inactive := false
	require.NoError(t, store.UpdateSession(ctx, "sess-1", SessionPatch{IsActive: &inactive}))
	again, err = store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, again.IsActive)

	require.NoError(t, store.DeleteSession(ctx, "sess-1"))
	_, err = store.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateAbsent(t *testing.T) {
	store := NewMemoryStore()
	active := true
	err := store.UpdateSession(context.Background(), "ghost", SessionPatch{IsActive: &active})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SeqConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 8
	const perWorker = 50

	var mu sync.Mutex
	seqs := make([]int64, 0, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				seq, err := store.IncrementSeq(ctx, "sess-1")
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seqs = append(seqs, seq)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	require.Len(t, seqs, workers*perWorker)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestMemoryStore_ScanExpiredSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	past := testSession("sess-past")
	past.ExpiresAt = now.Add(-time.Second).UnixMilli()
	future := testSession("sess-future")
	future.ExpiresAt = now.Add(time.Hour).UnixMilli()

	require.NoError(t, store.PutSession(ctx, past))
	require.NoError(t, store.PutSession(ctx, future))

	expired, err := store.ScanExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-past"}, expired)
}

func TestMemoryStore_RunnerLink(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.PutRunnerLink(ctx, "sess-1", "runner-1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.PutRunnerLink(ctx, "sess-1", "runner-2")
	require.NoError(t, err)
	assert.False(t, created)

	runnerID, err := store.TakeRunnerLink(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "runner-1", runnerID)

	_, err = store.TakeRunnerLink(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteRunnerDropsTerminals(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.PutRunner(ctx, &RunnerData{RunnerID: "runner-1", UserID: "user-1"}))
	require.NoError(t, store.PutTerminal(ctx, &TerminalData{TerminalID: "term-1", RunnerID: "runner-1"}))
	require.NoError(t, store.PutTerminal(ctx, &TerminalData{TerminalID: "term-2", RunnerID: "runner-2"}))

	require.NoError(t, store.DeleteRunner(ctx, "runner-1"))

	_, err := store.GetTerminal(ctx, "term-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetTerminal(ctx, "term-2")
	assert.NoError(t, err)
}

func TestMemoryStore_EntityDeadline(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	require.NoError(t, store.PutRunner(ctx, &RunnerData{RunnerID: "runner-1"}))

	// Idle past the runner TTL.
	store.now = func() time.Time { return base.Add(RunnerTTL + time.Minute) }
	_, err := store.GetRunner(ctx, "runner-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// SPDX-License-Identifier: MIT

package attachments

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration, maxSize int64) *Store {
	t.Helper()
	st, err := Open(Config{Dir: t.TempDir(), TTL: ttl, MaxFileSize: maxSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	st := newTestStore(t, time.Hour, 1<<20)
	ctx := context.Background()

	meta, err := st.Save(ctx, "u1", "trace.png", "image/png", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, "u1", meta.UserID)
	assert.Equal(t, "trace.png", meta.Filename)
	assert.Equal(t, int64(11), meta.Size)
	assert.Greater(t, meta.ExpiresAt, meta.CreatedAt)

	got, err := st.Get(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	f, err := st.Open(meta.ID)
	require.NoError(t, err)
	defer f.Close()
	blob, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(blob))
}

func TestSaveRejectsOversizedUpload(t *testing.T) {
	st := newTestStore(t, time.Hour, 8)
	ctx := context.Background()

	meta, err := st.Save(ctx, "u1", "big.bin", "application/octet-stream", strings.NewReader("123456789"))
	require.ErrorIs(t, err, ErrTooLarge)
	require.Nil(t, meta)

	// Nothing staged: the sweep finds no strays either.
	n, err := st.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetRejectsUnknownAndHostileIDs(t *testing.T) {
	st := newTestStore(t, time.Hour, 1<<20)
	ctx := context.Background()

	_, err := st.Get(ctx, "2f1f9d7e-0000-4000-8000-000000000000")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = st.Get(ctx, "../../etc/passwd")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.Open("../../etc/passwd")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepExpiredEvictsLapsedBlobs(t *testing.T) {
	st := newTestStore(t, 150*time.Millisecond, 1<<20)
	ctx := context.Background()

	meta, err := st.Save(ctx, "u1", "note.txt", "text/plain", strings.NewReader("soon gone"))
	require.NoError(t, err)

	n, err := st.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(200 * time.Millisecond)

	_, err = st.Get(ctx, meta.ID)
	require.ErrorIs(t, err, ErrNotFound)

	n, err = st.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.Open(meta.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	st := newTestStore(t, time.Hour, 1<<20)
	ctx := context.Background()

	meta, err := st.Save(ctx, "u1", "tmp.txt", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, meta.ID))
	require.NoError(t, st.Delete(ctx, meta.ID))
	require.NoError(t, st.Delete(ctx, "not-a-uuid"))

	_, err = st.Get(ctx, meta.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"trace.png":             "trace.png",
		"../../etc/passwd":      "passwd",
		"":                      "attachment",
		"..":                    "attachment",
		"bad\x00name.txt":       "badname.txt",
		"  padded.txt  ":        "padded.txt",
		"café.png":        "café.png",
		strings.Repeat("a", 300): strings.Repeat("a", maxFilenameBytes),
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFilename(in), "input %q", in)
	}
}

// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "relay.db"), 10*time.Minute)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew_RejectsZeroTTL(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "relay.db"), 0); err == nil {
		t.Fatal("expected error for zero ephemeral TTL")
	}
}

func TestMigrate_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s1, err := New(dbPath, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.RecordStart(ctx, SessionStart{SessionID: "sess-1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := New(dbPath, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	var version int
	if err := s2.DB.QueryRow("PRAGMA user_version").Scan(&version); err != nil || version != schemaVersion {
		t.Errorf("expected user_version=%d, got %d (err: %v)", schemaVersion, version, err)
	}

	snap, err := s2.GetSnapshot(ctx, "sess-1")
	if err != nil {
		t.Fatalf("session lost across reopen: %v", err)
	}
	if snap.Session.UserID != "u1" {
		t.Errorf("expected user u1, got %q", snap.Session.UserID)
	}
}

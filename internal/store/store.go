// SPDX-License-Identifier: MIT

// Package store persists session metadata, final snapshot state, push
// subscriptions and the recent-folders index in SQLite. The shared Redis
// state (internal/state) holds the live working set; this package is what
// survives a relay restart.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pizzapi/relay/internal/persistence/sqlite"
)

const schemaVersion = 1

// ErrNotFound is returned when the requested row does not exist or expired.
var ErrNotFound = errors.New("store: not found")

// Store implements the persisted session store over SQLite.
type Store struct {
	DB *sql.DB

	// ephemeralTTL is the idle deadline pushed forward on every touch of an
	// ephemeral session.
	ephemeralTTL time.Duration
}

// New opens (or creates) the relay database at dbPath and migrates it to the
// current schema. ephemeralTTL must be positive.
func New(dbPath string, ephemeralTTL time.Duration) (*Store, error) {
	if ephemeralTTL <= 0 {
		return nil, fmt.Errorf("store: ephemeral TTL must be positive, got %v", ephemeralTTL)
	}

	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db, ephemeralTTL: ephemeralTTL}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS relay_session (
		session_id        TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		user_name         TEXT NOT NULL DEFAULT '',
		session_name      TEXT NOT NULL DEFAULT '',
		cwd               TEXT NOT NULL DEFAULT '',
		share_url         TEXT NOT NULL DEFAULT '',
		runner_id         TEXT NOT NULL DEFAULT '',
		runner_name       TEXT NOT NULL DEFAULT '',
		is_ephemeral      INTEGER NOT NULL DEFAULT 1,
		started_at_ms     INTEGER NOT NULL,
		last_active_at_ms INTEGER NOT NULL,
		ended_at_ms       INTEGER,
		expires_at_ms     INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_relay_session_user ON relay_session(user_id, last_active_at_ms);
	CREATE INDEX IF NOT EXISTS idx_relay_session_expires ON relay_session(expires_at_ms);

	CREATE TABLE IF NOT EXISTS relay_session_state (
		session_id    TEXT PRIMARY KEY REFERENCES relay_session(session_id),
		state_json    TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS push_subscription (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id        TEXT NOT NULL,
		endpoint       TEXT NOT NULL,
		p256dh         TEXT NOT NULL,
		auth           TEXT NOT NULL,
		enabled_events TEXT NOT NULL DEFAULT '',
		created_at_ms  INTEGER NOT NULL,
		UNIQUE(user_id, endpoint)
	);

	CREATE INDEX IF NOT EXISTS idx_push_subscription_user ON push_subscription(user_id);

	CREATE TABLE IF NOT EXISTS recent_folder (
		user_id         TEXT NOT NULL,
		path            TEXT NOT NULL,
		last_used_at_ms INTEGER NOT NULL,
		PRIMARY KEY (user_id, path)
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// SessionStart is the metadata captured when a session first appears.
type SessionStart struct {
	SessionID   string
	UserID      string
	UserName    string
	SessionName string
	Cwd         string
	ShareURL    string
	RunnerID    string
	RunnerName  string
	IsEphemeral bool
}

// SessionRow is one persisted session.
type SessionRow struct {
	SessionID    string
	UserID       string
	UserName     string
	SessionName  string
	Cwd          string
	ShareURL     string
	RunnerID     string
	RunnerName   string
	IsEphemeral  bool
	StartedAt    int64 // unix ms
	LastActiveAt int64 // unix ms
	EndedAt      int64 // unix ms, 0 = still running
	ExpiresAt    int64 // unix ms, 0 = never
}

// Snapshot pairs a session row with the last state document pushed by its
// producer. State is nil when no state was ever recorded or when the stored
// document is not valid JSON.
type Snapshot struct {
	Session        SessionRow
	State          json.RawMessage
	StateUpdatedAt int64 // unix ms, 0 = no state row
}

const sessionColumns = `session_id, user_id, user_name, session_name, cwd, share_url,
	runner_id, runner_name, is_ephemeral, started_at_ms, last_active_at_ms, ended_at_ms, expires_at_ms`

// RecordStart inserts the session if absent. Re-registering a known id leaves
// the existing row untouched. Ephemeral sessions get an idle deadline now+TTL;
// non-ephemeral rows never expire.
func (s *Store) RecordStart(ctx context.Context, start SessionStart) error {
	now := time.Now().UnixMilli()
	var expiresAt sql.NullInt64
	if start.IsEphemeral {
		expiresAt = sql.NullInt64{Int64: now + s.ephemeralTTL.Milliseconds(), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO relay_session (
		session_id, user_id, user_name, session_name, cwd, share_url,
		runner_id, runner_name, is_ephemeral, started_at_ms, last_active_at_ms, expires_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO NOTHING`,
		start.SessionID, start.UserID, start.UserName, start.SessionName, start.Cwd, start.ShareURL,
		start.RunnerID, start.RunnerName, boolToInt(start.IsEphemeral), now, now, expiresAt,
	)
	return err
}

// Touch advances lastActiveAt and, via the CASE expression, pushes the idle
// deadline forward for ephemeral rows only. Unknown ids are a no-op.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
	UPDATE relay_session SET
		last_active_at_ms = ?,
		expires_at_ms = CASE WHEN is_ephemeral = 1 THEN ? ELSE expires_at_ms END
	WHERE session_id = ?`,
		now, now+s.ephemeralTTL.Milliseconds(), sessionID)
	return err
}

// RecordState upserts the latest state document and touches the metadata row
// in the same transaction.
func (s *Store) RecordState(ctx context.Context, sessionID string, state json.RawMessage) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
	INSERT INTO relay_session_state (session_id, state_json, updated_at_ms)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		state_json = excluded.state_json,
		updated_at_ms = excluded.updated_at_ms`,
		sessionID, string(state), now)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE relay_session SET
		last_active_at_ms = ?,
		expires_at_ms = CASE WHEN is_ephemeral = 1 THEN ? ELSE expires_at_ms END
	WHERE session_id = ?`,
		now, now+s.ephemeralTTL.Milliseconds(), sessionID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// RecordEnd stamps endedAt and applies the same idle push-forward as Touch so
// an ended ephemeral session stays visible for one more TTL window.
func (s *Store) RecordEnd(ctx context.Context, sessionID string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
	UPDATE relay_session SET
		ended_at_ms = ?,
		last_active_at_ms = ?,
		expires_at_ms = CASE WHEN is_ephemeral = 1 THEN ? ELSE expires_at_ms END
	WHERE session_id = ?`,
		now, now, now+s.ephemeralTTL.Milliseconds(), sessionID)
	return err
}

// GetSnapshot returns the session joined with its last persisted state.
// Expired rows are invisible. A malformed state document surfaces as nil
// state, never as an error.
func (s *Store) GetSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	row := s.DB.QueryRowContext(ctx, `
	SELECT `+prefixColumns("s")+`, st.state_json, st.updated_at_ms
	FROM relay_session s
	LEFT JOIN relay_session_state st ON st.session_id = s.session_id
	WHERE s.session_id = ? AND (s.expires_at_ms IS NULL OR s.expires_at_ms > ?)`,
		sessionID, time.Now().UnixMilli())

	var rec SessionRow
	var stateJSON sql.NullString
	var stateUpdated sql.NullInt64
	if err := scanSessionRow(row, &rec, &stateJSON, &stateUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	snap := &Snapshot{Session: rec}
	if stateJSON.Valid && json.Valid([]byte(stateJSON.String)) {
		snap.State = json.RawMessage(stateJSON.String)
		snap.StateUpdatedAt = stateUpdated.Int64
	}
	return snap, nil
}

// ListForUser returns the user's sessions ordered by most recent activity.
// Expired rows are excluded. limit <= 0 means no limit.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]*SessionRow, error) {
	query := `
	SELECT ` + sessionColumns + `
	FROM relay_session
	WHERE user_id = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)
	ORDER BY last_active_at_ms DESC`
	args := []interface{}{userID, time.Now().UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*SessionRow
	for rows.Next() {
		var rec SessionRow
		if err := scanSessionRow(rows, &rec, nil, nil); err != nil {
			return nil, err
		}
		results = append(results, &rec)
	}
	return results, rows.Err()
}

// PruneExpired removes every session whose idle deadline has passed, state
// rows included, in a single transaction, and returns the pruned ids exactly
// once. Deletes run against the expiry predicate, not a collected id list.
func (s *Store) PruneExpired(ctx context.Context) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()

	rows, err := tx.QueryContext(ctx,
		`SELECT session_id FROM relay_session WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?`, now)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		pruned = append(pruned, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(pruned) == 0 {
		return nil, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
	DELETE FROM relay_session_state WHERE session_id IN (
		SELECT session_id FROM relay_session WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?
	)`, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM relay_session WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?`, now)
	if err != nil {
		return nil, err
	}

	return pruned, tx.Commit()
}

// --- Helpers ---

func scanSessionRow(scanner interface {
	Scan(dest ...interface{}) error
}, rec *SessionRow, stateJSON *sql.NullString, stateUpdated *sql.NullInt64) error {
	var isEphemeral int
	var endedAt, expiresAt sql.NullInt64

	dest := []interface{}{
		&rec.SessionID, &rec.UserID, &rec.UserName, &rec.SessionName, &rec.Cwd, &rec.ShareURL,
		&rec.RunnerID, &rec.RunnerName, &isEphemeral, &rec.StartedAt, &rec.LastActiveAt,
		&endedAt, &expiresAt,
	}
	if stateJSON != nil {
		dest = append(dest, stateJSON, stateUpdated)
	}

	if err := scanner.Scan(dest...); err != nil {
		return err
	}

	rec.IsEphemeral = isEphemeral != 0
	rec.EndedAt = endedAt.Int64
	rec.ExpiresAt = expiresAt.Int64
	return nil
}

func prefixColumns(alias string) string {
	return alias + `.session_id, ` + alias + `.user_id, ` + alias + `.user_name, ` +
		alias + `.session_name, ` + alias + `.cwd, ` + alias + `.share_url, ` +
		alias + `.runner_id, ` + alias + `.runner_name, ` + alias + `.is_ephemeral, ` +
		alias + `.started_at_ms, ` + alias + `.last_active_at_ms, ` +
		alias + `.ended_at_ms, ` + alias + `.expires_at_ms`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

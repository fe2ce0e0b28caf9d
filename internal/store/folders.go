// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"
)

// RecordFolder marks a working directory as recently used by the user. The
// spawn UI reads this list back as suggestions.
func (s *Store) RecordFolder(ctx context.Context, userID, path string) error {
	if path == "" {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO recent_folder (user_id, path, last_used_at_ms)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id, path) DO UPDATE SET
		last_used_at_ms = excluded.last_used_at_ms`,
		userID, path, time.Now().UnixMilli())
	return err
}

// RecentFolders returns the user's folders, most recently used first.
// limit <= 0 means no limit.
func (s *Store) RecentFolders(ctx context.Context, userID string, limit int) ([]string, error) {
	query := `SELECT path FROM recent_folder WHERE user_id = ? ORDER BY last_used_at_ms DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

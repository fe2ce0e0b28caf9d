// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"strings"
	"time"
)

// PushSubscription is one browser push endpoint registered by a user. An
// empty EnabledEvents list means every push kind is delivered.
type PushSubscription struct {
	ID            int64
	UserID        string
	Endpoint      string
	P256dh        string
	Auth          string
	EnabledEvents []string
	CreatedAt     int64 // unix ms
}

// EventEnabled reports whether the subscription wants the given push kind.
func (p *PushSubscription) EventEnabled(kind string) bool {
	if len(p.EnabledEvents) == 0 {
		return true
	}
	for _, e := range p.EnabledEvents {
		if e == kind {
			return true
		}
	}
	return false
}

// UpsertSubscription registers a push endpoint for a user. Re-subscribing the
// same endpoint refreshes the keys and the enabled-events filter in place.
func (s *Store) UpsertSubscription(ctx context.Context, sub *PushSubscription) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO push_subscription (user_id, endpoint, p256dh, auth, enabled_events, created_at_ms)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, endpoint) DO UPDATE SET
		p256dh = excluded.p256dh,
		auth = excluded.auth,
		enabled_events = excluded.enabled_events`,
		sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth,
		strings.Join(sub.EnabledEvents, ","), time.Now().UnixMilli())
	return err
}

// RemoveSubscription drops a user's endpoint. Removing an unknown endpoint is
// a no-op.
func (s *Store) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM push_subscription WHERE user_id = ? AND endpoint = ?`, userID, endpoint)
	return err
}

// SubscriptionsForUser returns every push endpoint the user registered.
func (s *Store) SubscriptionsForUser(ctx context.Context, userID string) ([]*PushSubscription, error) {
	rows, err := s.DB.QueryContext(ctx, `
	SELECT id, user_id, endpoint, p256dh, auth, enabled_events, created_at_ms
	FROM push_subscription WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*PushSubscription
	for rows.Next() {
		var sub PushSubscription
		var enabled string
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &enabled, &sub.CreatedAt); err != nil {
			return nil, err
		}
		if enabled != "" {
			sub.EnabledEvents = strings.Split(enabled, ",")
		}
		results = append(results, &sub)
	}
	return results, rows.Err()
}

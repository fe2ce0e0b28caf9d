// SPDX-License-Identifier: MIT

// Package eventcache keeps a bounded per-session ring of recent agent events
// for late-join replay. The cache is best-effort: when the backend is
// unreachable it logs once and degrades to a no-op, and the relay keeps
// serving live traffic.
package eventcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pizzapi/relay/internal/protocol"
)

// Entry is one cached event with its arrival timestamp (unix ms).
type Entry struct {
	TS    int64           `json:"ts"`
	Event json.RawMessage `json:"event"`
}

// Cache is the per-session event ring. Errors never propagate; a broken
// backend turns every method into a no-op.
type Cache interface {
	// Append pushes one event, trims the ring to its capacity and resets the
	// TTL, all in one transactional batch.
	Append(ctx context.Context, sessionID string, event json.RawMessage, isEphemeral bool)
	// GetAll returns the ring oldest-to-newest.
	GetAll(ctx context.Context, sessionID string) []Entry
	Delete(ctx context.Context, sessionID string)
	// DeleteBatch removes all given rings with a single backend command.
	DeleteBatch(ctx context.Context, sessionIDs []string)
}

// Config tunes ring capacity and retention.
type Config struct {
	// BufferSize caps how many events one session retains.
	BufferSize int
	// TTL applies to non-ephemeral sessions.
	TTL time.Duration
	// EphemeralTTL applies to ephemeral sessions and matches their idle
	// deadline.
	EphemeralTTL time.Duration
}

// FindLatestSnapshot walks the entries newest-to-oldest and returns the first
// snapshot-worthy event, or false when none qualifies.
func FindLatestSnapshot(entries []Entry) (json.RawMessage, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if protocol.IsSnapshot(entries[i].Event) {
			return entries[i].Event, true
		}
	}
	return nil, false
}

// Nop is the disabled cache used when Redis is off.
type Nop struct{}

func (Nop) Append(context.Context, string, json.RawMessage, bool) {}
func (Nop) GetAll(context.Context, string) []Entry                { return nil }
func (Nop) Delete(context.Context, string)                        {}
func (Nop) DeleteBatch(context.Context, []string)                 {}

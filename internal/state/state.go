// SPDX-License-Identifier: MIT

// Package state implements the shared session/runner/terminal registry backing
// all relay nodes. The Redis implementation is authoritative across nodes; a
// process-local fallback serves single-node deployments without Redis.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pizzapi/relay/internal/protocol"
)

// ErrNotFound is returned when the requested entity does not exist or expired.
var ErrNotFound = errors.New("state: not found")

// Entity TTLs. Indexes outlive their entities so stale members can be swept
// instead of silently vanishing mid-scan.
const (
	SessionTTL    = 24 * time.Hour
	RunnerTTL     = 2 * time.Hour
	TerminalTTL   = time.Hour
	LinkTTL       = 10 * time.Minute
	indexTTLSlack = time.Hour
)

// SessionData mirrors the producer-owned session hash. Seq lives in its own
// counter key and is never written through this struct.
type SessionData struct {
	SessionID       string
	Token           string
	Cwd             string
	ShareURL        string
	StartedAt       int64 // unix ms
	UserID          string
	UserName        string
	SessionName     string
	CollabMode      bool
	IsActive        bool
	LastHeartbeatAt int64           // unix ms, 0 = never
	LastHeartbeat   json.RawMessage // opaque producer payload
	LastState       json.RawMessage // opaque snapshot
	RunnerID        string
	RunnerName      string
	IsEphemeral     bool
	ExpiresAt       int64 // unix ms, 0 = never
}

// Expired reports whether the session's idle deadline has passed.
func (s *SessionData) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && s.ExpiresAt <= now.UnixMilli()
}

// RunnerData mirrors the runner hash.
type RunnerData struct {
	RunnerID string
	UserID   string
	UserName string
	Name     string
	Roots    []string
	Skills   []protocol.RunnerSkill
}

// TerminalData mirrors the terminal hash.
type TerminalData struct {
	TerminalID string
	RunnerID   string
	UserID     string
	Spawned    bool
	Exited     bool
	SpawnOpts  json.RawMessage
}

// SessionPatch is a field-level partial update. Nil members are left
// untouched; applying a patch always refreshes the session TTL.
type SessionPatch struct {
	SessionName     *string
	CollabMode      *bool
	IsActive        *bool
	LastHeartbeatAt *int64
	LastHeartbeat   json.RawMessage
	LastState       json.RawMessage
	RunnerID        *string
	RunnerName      *string
	ExpiresAt       *int64
}

// Empty reports whether the patch carries no field updates.
func (p *SessionPatch) Empty() bool {
	return p.SessionName == nil && p.CollabMode == nil && p.IsActive == nil &&
		p.LastHeartbeatAt == nil && p.LastHeartbeat == nil && p.LastState == nil &&
		p.RunnerID == nil && p.RunnerName == nil && p.ExpiresAt == nil
}

// Store is the typed facade over the shared key/value state.
type Store interface {
	// Sessions.
	PutSession(ctx context.Context, s *SessionData) error
	GetSession(ctx context.Context, sessionID string) (*SessionData, error)
	// UpdateSession applies a partial update and refreshes the TTL. It is a
	// no-op returning ErrNotFound when the session hash is absent.
	UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, filterUserID string) ([]*SessionData, error)
	// IncrementSeq atomically advances the per-session event sequence.
	IncrementSeq(ctx context.Context, sessionID string) (int64, error)
	CurrentSeq(ctx context.Context, sessionID string) (int64, error)
	RefreshSessionTTL(ctx context.Context, sessionID string) error
	// ScanExpiredSessions returns ids whose expiresAt field (not the backend
	// TTL) lies at or before now.
	ScanExpiredSessions(ctx context.Context, now time.Time) ([]string, error)
	// CleanStaleIndexEntries drops index members whose hash no longer exists
	// and returns how many were removed.
	CleanStaleIndexEntries(ctx context.Context) (int, error)

	// Runners.
	PutRunner(ctx context.Context, r *RunnerData) error
	GetRunner(ctx context.Context, runnerID string) (*RunnerData, error)
	DeleteRunner(ctx context.Context, runnerID string) error
	ListRunners(ctx context.Context, filterUserID string) ([]*RunnerData, error)
	TouchRunner(ctx context.Context, runnerID string) error

	// Terminals.
	PutTerminal(ctx context.Context, t *TerminalData) error
	GetTerminal(ctx context.Context, terminalID string) (*TerminalData, error)
	DeleteTerminal(ctx context.Context, terminalID string) error
	ListRunnerTerminals(ctx context.Context, runnerID string) ([]*TerminalData, error)

	// Pending runner links. PutRunnerLink uses set-if-absent semantics and
	// reports whether the link was newly created.
	PutRunnerLink(ctx context.Context, sessionID, runnerID string) (bool, error)
	// TakeRunnerLink atomically reads and removes the link, returning
	// ErrNotFound when no link is pending.
	TakeRunnerLink(ctx context.Context, sessionID string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-node fallback used when Redis is disabled. It
// mirrors the Redis semantics including per-entity idle deadlines, but shares
// nothing across processes.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*memEntry[*SessionData]
	runners   map[string]*memEntry[*RunnerData]
	terminals map[string]*memEntry[*TerminalData]
	seqs      map[string]int64
	links     map[string]*memEntry[string]
	now       func() time.Time
}

type memEntry[T any] struct {
	value    T
	deadline time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*memEntry[*SessionData]),
		runners:   make(map[string]*memEntry[*RunnerData]),
		terminals: make(map[string]*memEntry[*TerminalData]),
		seqs:      make(map[string]int64),
		links:     make(map[string]*memEntry[string]),
		now:       time.Now,
	}
}

func alive[T any](e *memEntry[T], now time.Time) bool {
	return e != nil && now.Before(e.deadline)
}

func (s *MemoryStore) PutSession(_ context.Context, data *SessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *data
	s.sessions[data.SessionID] = &memEntry[*SessionData]{value: &copied, deadline: s.now().Add(SessionTTL)}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.sessions[sessionID]
	if !alive(e, s.now()) {
		return nil, ErrNotFound
	}
	copied := *e.value
	return &copied, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sessionID string, patch SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.sessions[sessionID]
	if !alive(e, s.now()) {
		return ErrNotFound
	}
	data := e.value
	if patch.SessionName != nil {
		data.SessionName = *patch.SessionName
	}
	if patch.CollabMode != nil {
		data.CollabMode = *patch.CollabMode
	}
	if patch.IsActive != nil {
		data.IsActive = *patch.IsActive
	}
	if patch.LastHeartbeatAt != nil {
		data.LastHeartbeatAt = *patch.LastHeartbeatAt
	}
	if patch.LastHeartbeat != nil {
		data.LastHeartbeat = patch.LastHeartbeat
	}
	if patch.LastState != nil {
		data.LastState = patch.LastState
	}
	if patch.RunnerID != nil {
		data.RunnerID = *patch.RunnerID
	}
	if patch.RunnerName != nil {
		data.RunnerName = *patch.RunnerName
	}
	if patch.ExpiresAt != nil {
		data.ExpiresAt = *patch.ExpiresAt
	}
	e.deadline = s.now().Add(SessionTTL)
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.seqs, sessionID)
	delete(s.links, sessionID)
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context, filterUserID string) ([]*SessionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*SessionData
	for _, e := range s.sessions {
		if !alive(e, now) {
			continue
		}
		if filterUserID != "" && e.value.UserID != filterUserID {
			continue
		}
		copied := *e.value
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) IncrementSeq(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[sessionID]++
	return s.seqs[sessionID], nil
}

func (s *MemoryStore) CurrentSeq(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seqs[sessionID], nil
}

func (s *MemoryStore) RefreshSessionTTL(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.sessions[sessionID]; alive(e, s.now()) {
		e.deadline = s.now().Add(SessionTTL)
	}
	return nil
}

func (s *MemoryStore) ScanExpiredSessions(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []string
	for id, e := range s.sessions {
		if !alive(e, s.now()) {
			continue
		}
		if e.value.Expired(now) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// CleanStaleIndexEntries is a no-op for the in-process store: map and index
// consistency holds by construction.
func (s *MemoryStore) CleanStaleIndexEntries(context.Context) (int, error) {
	return 0, nil
}

func (s *MemoryStore) PutRunner(_ context.Context, r *RunnerData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *r
	s.runners[r.RunnerID] = &memEntry[*RunnerData]{value: &copied, deadline: s.now().Add(RunnerTTL)}
	return nil
}

func (s *MemoryStore) GetRunner(_ context.Context, runnerID string) (*RunnerData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.runners[runnerID]
	if !alive(e, s.now()) {
		return nil, ErrNotFound
	}
	copied := *e.value
	return &copied, nil
}

func (s *MemoryStore) DeleteRunner(_ context.Context, runnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, runnerID)
	for id, e := range s.terminals {
		if e.value.RunnerID == runnerID {
			delete(s.terminals, id)
		}
	}
	return nil
}

func (s *MemoryStore) ListRunners(_ context.Context, filterUserID string) ([]*RunnerData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*RunnerData
	for _, e := range s.runners {
		if !alive(e, now) {
			continue
		}
		if filterUserID != "" && e.value.UserID != filterUserID {
			continue
		}
		copied := *e.value
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) TouchRunner(_ context.Context, runnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.runners[runnerID]; alive(e, s.now()) {
		e.deadline = s.now().Add(RunnerTTL)
	}
	return nil
}

func (s *MemoryStore) PutTerminal(_ context.Context, t *TerminalData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *t
	s.terminals[t.TerminalID] = &memEntry[*TerminalData]{value: &copied, deadline: s.now().Add(TerminalTTL)}
	return nil
}

func (s *MemoryStore) GetTerminal(_ context.Context, terminalID string) (*TerminalData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.terminals[terminalID]
	if !alive(e, s.now()) {
		return nil, ErrNotFound
	}
	copied := *e.value
	return &copied, nil
}

func (s *MemoryStore) DeleteTerminal(_ context.Context, terminalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.terminals, terminalID)
	return nil
}

func (s *MemoryStore) ListRunnerTerminals(_ context.Context, runnerID string) ([]*TerminalData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*TerminalData
	for _, e := range s.terminals {
		if !alive(e, now) || e.value.RunnerID != runnerID {
			continue
		}
		copied := *e.value
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) PutRunnerLink(_ context.Context, sessionID, runnerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.links[sessionID]; alive(e, s.now()) {
		return false, nil
	}
	s.links[sessionID] = &memEntry[string]{value: runnerID, deadline: s.now().Add(LinkTTL)}
	return true, nil
}

func (s *MemoryStore) TakeRunnerLink(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.links[sessionID]
	if !alive(e, s.now()) {
		return "", ErrNotFound
	}
	delete(s.links, sessionID)
	return e.value, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

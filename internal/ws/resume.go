// SPDX-License-Identifier: MIT

package ws

import (
	"crypto/subtle"
	"sync"
	"time"
)

// parked holds the outbound buffer of a dropped connection until its owner
// reconnects or the resume window lapses.
type parked struct {
	token   string
	frames  []frame
	nextSeq uint64
	expires time.Time
}

// ResumeStore keeps the outbound buffers of recently dropped connections,
// keyed by connection id, for the configured TTL.
type ResumeStore struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	byID map[string]parked
}

// NewResumeStore returns an empty store whose entries expire after ttl.
func NewResumeStore(ttl time.Duration) *ResumeStore {
	return &ResumeStore{
		ttl:  ttl,
		now:  time.Now,
		byID: make(map[string]parked),
	}
}

// Park retains a dropped connection's buffer for later resume. Parking under
// an id that is already present replaces the earlier entry.
func (s *ResumeStore) Park(id, token string, frames []frame, nextSeq uint64) {
	if s == nil || id == "" {
		return
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)
	s.byID[id] = parked{
		token:   token,
		frames:  frames,
		nextSeq: nextSeq,
		expires: now.Add(s.ttl),
	}
}

// Take hands a parked buffer to a reconnecting client. offset is the number
// of frames the client has already received; the returned slice holds every
// retained frame from that position on, and nextSeq numbers the frame the
// revived connection will send next. ok is false when the id is unknown, the
// token does not match, the entry lapsed, or the buffer no longer reaches
// back to offset. A matching take consumes the entry even if the offset
// check fails, since the caller falls back to a fresh handshake.
func (s *ResumeStore) Take(id, token string, offset uint64) ([]frame, uint64, bool) {
	if s == nil || id == "" || token == "" {
		return nil, 0, false
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)
	p, ok := s.byID[id]
	if !ok {
		return nil, 0, false
	}
	if subtle.ConstantTimeCompare([]byte(p.token), []byte(token)) != 1 {
		return nil, 0, false
	}
	delete(s.byID, id)
	firstRetained := p.nextSeq - uint64(len(p.frames))
	if offset < firstRetained || offset > p.nextSeq {
		return nil, 0, false
	}
	return p.frames[offset-firstRetained:], p.nextSeq, true
}

// Parked reports how many dropped connections are waiting for resume.
func (s *ResumeStore) Parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(s.now())
	return len(s.byID)
}

// prune drops lapsed entries. Callers hold s.mu.
func (s *ResumeStore) prune(now time.Time) {
	for id, p := range s.byID {
		if !p.expires.After(now) {
			delete(s.byID, id)
		}
	}
}

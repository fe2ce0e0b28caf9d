// SPDX-License-Identifier: MIT

// Package registry tracks the sockets attached to this process. It is a soft
// cache beside the shared state store: entries appear on connect, vanish on
// disconnect, and any decision that spans nodes consults the store instead.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/ws"
)

// Registry maps entity ids to live local sockets. All methods are safe for
// concurrent use. The registry never owns an entity's lifecycle; callers
// remove exactly what they added when their socket goes away.
type Registry struct {
	state state.Store

	mu          sync.RWMutex
	tui         map[string]*ws.Conn
	runners     map[string]*ws.Conn
	viewers     map[string]map[*ws.Conn]struct{}
	terminals   map[string]*ws.Conn
	hub         map[string]map[*ws.Conn]struct{}
	execWaiters map[string]*ws.Conn
}

// New builds an empty registry over the shared state store.
func New(st state.Store) *Registry {
	return &Registry{
		state:       st,
		tui:         make(map[string]*ws.Conn),
		runners:     make(map[string]*ws.Conn),
		viewers:     make(map[string]map[*ws.Conn]struct{}),
		terminals:   make(map[string]*ws.Conn),
		hub:         make(map[string]map[*ws.Conn]struct{}),
		execWaiters: make(map[string]*ws.Conn),
	}
}

// SetTUI records the producer socket serving a session on this node.
func (r *Registry) SetTUI(sessionID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tui[sessionID] = conn
}

// TUI returns the local producer socket for a session, if attached here.
func (r *Registry) TUI(sessionID string) (*ws.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tui[sessionID]
	return c, ok
}

// RemoveTUI clears the producer mapping while conn still owns it. A
// reconnect may already have replaced the entry.
func (r *Registry) RemoveTUI(sessionID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tui[sessionID] == conn {
		delete(r.tui, sessionID)
	}
}

// SetRunner records the runner socket attached to this node.
func (r *Registry) SetRunner(runnerID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runnerID] = conn
}

// Runner returns the local socket for a runner, if attached here.
func (r *Registry) Runner(runnerID string) (*ws.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.runners[runnerID]
	return c, ok
}

// RemoveRunner clears the runner mapping while conn still owns it.
func (r *Registry) RemoveRunner(runnerID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runners[runnerID] == conn {
		delete(r.runners, runnerID)
	}
}

// SetTerminal records the browser socket driving a terminal.
func (r *Registry) SetTerminal(terminalID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals[terminalID] = conn
}

// Terminal returns the local browser socket for a terminal, if attached here.
func (r *Registry) Terminal(terminalID string) (*ws.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.terminals[terminalID]
	return c, ok
}

// RemoveTerminal clears the terminal mapping while conn still owns it.
func (r *Registry) RemoveTerminal(terminalID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminals[terminalID] == conn {
		delete(r.terminals, terminalID)
	}
}

// JoinViewer places a viewer socket into the session's room after checking
// that the session still exists. It reports false when the session is gone.
func (r *Registry) JoinViewer(ctx context.Context, sessionID string, conn *ws.Conn) (bool, error) {
	if _, err := r.state.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.viewers[sessionID]
	if !ok {
		set = make(map[*ws.Conn]struct{})
		r.viewers[sessionID] = set
	}
	set[conn] = struct{}{}
	return true, nil
}

// LeaveViewer drops a viewer socket from the session's room.
func (r *Registry) LeaveViewer(sessionID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.viewers[sessionID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.viewers, sessionID)
	}
}

// Viewers snapshots the session's local room.
func (r *Registry) Viewers(sessionID string) []*ws.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.viewers[sessionID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*ws.Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// ViewerCount reports the local room size.
func (r *Registry) ViewerCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers[sessionID])
}

// JoinHub places a hub socket into the user's room.
func (r *Registry) JoinHub(userID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.hub[userID]
	if !ok {
		set = make(map[*ws.Conn]struct{})
		r.hub[userID] = set
	}
	set[conn] = struct{}{}
}

// LeaveHub drops a hub socket from the user's room.
func (r *Registry) LeaveHub(userID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.hub[userID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.hub, userID)
	}
}

// HubConns snapshots the user's hub room.
func (r *Registry) HubConns(userID string) []*ws.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.hub[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*ws.Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// AddExecWaiter remembers which viewer issued an exec so the result can be
// routed back whichever node the producer answers through.
func (r *Registry) AddExecWaiter(execID string, conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execWaiters[execID] = conn
}

// TakeExecWaiter consumes the waiter for an exec id.
func (r *Registry) TakeExecWaiter(execID string) (*ws.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.execWaiters[execID]
	if ok {
		delete(r.execWaiters, execID)
	}
	return c, ok
}

// DropExecWaiters removes every waiter owned by conn. Called when a viewer
// socket goes away with execs still in flight.
func (r *Registry) DropExecWaiters(conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.execWaiters {
		if c == conn {
			delete(r.execWaiters, id)
		}
	}
}

// SendSnapshotToViewer greets a freshly joined viewer: the connected ack with
// the current sequence position, then the last heartbeat and a session_active
// event wrapping the last known state, so the viewer can paint without
// waiting for live traffic.
func (r *Registry) SendSnapshotToViewer(ctx context.Context, sessionID string, conn *ws.Conn) error {
	s, err := r.state.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	seq, err := r.state.CurrentSeq(ctx, sessionID)
	if err != nil {
		return err
	}
	ack := protocol.ConnectedAck{
		SessionID:       sessionID,
		LastSeq:         seq,
		IsActive:        s.IsActive,
		SessionName:     s.SessionName,
		LastHeartbeatAt: s.LastHeartbeatAt,
		ConnID:          conn.ID,
		ResumeToken:     conn.ResumeToken,
	}
	if err := conn.Send(protocol.EventConnected, ack); err != nil {
		return err
	}
	if present(s.LastHeartbeat) {
		out := protocol.EventOut{Event: s.LastHeartbeat, Replay: true}
		if err := conn.Send(protocol.EventEvent, out); err != nil {
			return err
		}
	}
	if present(s.LastState) {
		out := protocol.EventOut{Event: protocol.SessionActiveEvent(s.LastState), Replay: true}
		if err := conn.Send(protocol.EventEvent, out); err != nil {
			return err
		}
	}
	return nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// SPDX-License-Identifier: MIT

// Package relay implements the socket namespaces: runner daemons, producer
// TUIs, browser viewers, browser terminals and the per-user hub. One Server
// owns every namespace on a node; frames for clients on other nodes ride the
// cross-node bus.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/bus"
	"github.com/pizzapi/relay/internal/eventcache"
	"github.com/pizzapi/relay/internal/log"
	"github.com/pizzapi/relay/internal/metrics"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/push"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
	"github.com/pizzapi/relay/internal/ws"
)

// Fan-out path labels.
const (
	fanoutLocal = "local"
	fanoutBus   = "bus"
)

// Deps are the collaborators a Server needs. All fields are required;
// disabled subsystems pass their no-op implementations (eventcache.Nop,
// push.Disabled).
type Deps struct {
	State        state.Store
	Cache        eventcache.Cache
	Store        *store.Store
	Registry     *registry.Registry
	Bus          bus.Bus
	Topics       bus.Topics
	Push         push.Notifier
	Upgrader     *ws.Upgrader
	EphemeralTTL time.Duration
}

// Server routes frames between the namespaces of one node.
type Server struct {
	state        state.Store
	cache        eventcache.Cache
	store        *store.Store
	reg          *registry.Registry
	bus          bus.Bus
	topics       bus.Topics
	push         push.Notifier
	up           *ws.Upgrader
	ephemeralTTL time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	conns  map[*ws.Conn]struct{}
	spawns map[string]chan spawnOutcome

	busWarn sync.Once
}

// NewServer wires a Server from its dependencies.
func NewServer(d Deps) *Server {
	return &Server{
		state:        d.State,
		cache:        d.Cache,
		store:        d.Store,
		reg:          d.Registry,
		bus:          d.Bus,
		topics:       d.Topics,
		push:         d.Push,
		up:           d.Upgrader,
		ephemeralTTL: d.EphemeralTTL,
		logger:       log.WithComponent("relay"),
		conns:        map[*ws.Conn]struct{}{},
		spawns:       map[string]chan spawnOutcome{},
	}
}

// busFrame is the payload relayed between nodes. Frame holds the exact wire
// frame to forward; the optional targets narrow delivery to the node holding
// the matching waiter instead of a whole room.
type busFrame struct {
	Frame            json.RawMessage `json:"frame"`
	TargetExecID     string          `json:"targetExecId,omitempty"`
	TargetTerminalID string          `json:"targetTerminalId,omitempty"`
}

// Run consumes the cross-node bus until ctx ends. Intra-node delivery never
// passes through here; the bus suppresses a node's own publishes.
func (s *Server) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx,
		s.topics.RoomPattern(), s.topics.TUIPattern(),
		s.topics.UserPattern(), s.topics.RunnerPattern())
	if err != nil {
		return fmt.Errorf("relay: subscribe bus: %w", err)
	}
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			s.dispatch(msg)
		}
	}
}

func (s *Server) dispatch(msg bus.Message) {
	var bf busFrame
	if err := json.Unmarshal(msg.Payload, &bf); err != nil {
		s.logger.Debug().
			Str("event", "relay.malformed_bus_frame").
			Str("topic", msg.Topic).
			Msg("dropping bus frame")
		return
	}
	if sessionID, ok := s.topics.SessionFromRoom(msg.Topic); ok {
		s.dispatchRoom(sessionID, bf)
		return
	}
	if sessionID, ok := s.topics.SessionFromTUI(msg.Topic); ok {
		if tui, ok := s.reg.TUI(sessionID); ok {
			_ = tui.SendRaw(bf.Frame)
		}
		return
	}
	if userID, ok := s.topics.UserFromTopic(msg.Topic); ok {
		s.dispatchUser(userID, bf)
		return
	}
	if runnerID, ok := s.topics.RunnerFromTopic(msg.Topic); ok {
		if rc, ok := s.reg.Runner(runnerID); ok {
			_ = rc.SendRaw(bf.Frame)
		}
		return
	}
}

func (s *Server) dispatchRoom(sessionID string, bf busFrame) {
	if bf.TargetExecID != "" {
		if waiter, ok := s.reg.TakeExecWaiter(bf.TargetExecID); ok {
			_ = waiter.SendRaw(bf.Frame)
		}
		return
	}
	// Spawn lifecycle frames ride the room topic so the node holding the
	// spawn waiter sees them; they are not viewer traffic.
	if env, err := protocol.Decode(bf.Frame); err == nil {
		switch env.Event {
		case protocol.EventSessionReady, protocol.EventSessionError, protocol.EventSessionKilled:
			s.resolveSpawn(sessionID, env)
			return
		}
	}
	viewers := s.reg.Viewers(sessionID)
	for _, v := range viewers {
		_ = v.SendRaw(bf.Frame)
	}
	metrics.IncEventFanout(fanoutBus, len(viewers))
}

func (s *Server) dispatchUser(userID string, bf busFrame) {
	if bf.TargetExecID != "" {
		if waiter, ok := s.reg.TakeExecWaiter(bf.TargetExecID); ok {
			_ = waiter.SendRaw(bf.Frame)
		}
		return
	}
	if bf.TargetTerminalID != "" {
		if term, ok := s.reg.Terminal(bf.TargetTerminalID); ok {
			_ = term.SendRaw(bf.Frame)
		}
		return
	}
	for _, c := range s.reg.HubConns(userID) {
		_ = c.SendRaw(bf.Frame)
	}
}

// emitToRoom delivers a pre-encoded frame to every viewer of the session,
// local ones directly and remote ones via the bus.
func (s *Server) emitToRoom(ctx context.Context, sessionID string, frame []byte) {
	viewers := s.reg.Viewers(sessionID)
	for _, v := range viewers {
		_ = v.SendRaw(frame)
	}
	metrics.IncEventFanout(fanoutLocal, len(viewers))
	s.publish(ctx, s.topics.Room(sessionID), busFrame{Frame: frame})
}

// sendToTUI delivers a frame to the session's producer socket, wherever it
// lives. Returns true when the producer was on this node.
func (s *Server) sendToTUI(ctx context.Context, sessionID string, frame []byte) bool {
	if tui, ok := s.reg.TUI(sessionID); ok {
		_ = tui.SendRaw(frame)
		return true
	}
	s.publish(ctx, s.topics.TUI(sessionID), busFrame{Frame: frame})
	return false
}

// sendToRunner delivers a frame to the runner's socket, wherever it lives.
func (s *Server) sendToRunner(ctx context.Context, runnerID string, frame []byte) {
	if rc, ok := s.reg.Runner(runnerID); ok {
		_ = rc.SendRaw(frame)
		return
	}
	s.publish(ctx, s.topics.Runner(runnerID), busFrame{Frame: frame})
}

func (s *Server) publish(ctx context.Context, topic string, bf busFrame) {
	payload, err := json.Marshal(bf)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		s.busWarn.Do(func() {
			s.logger.Warn().
				Str("event", "relay.bus_unavailable").
				Err(err).
				Msg("cross-node fan-out suspended; delivery continues on this node")
		})
	}
}

// refreshSession applies a patch plus the ephemeral idle push-forward and
// refreshes the shared-state TTL.
func (s *Server) refreshSession(ctx context.Context, sd *state.SessionData, patch state.SessionPatch) {
	if sd.IsEphemeral {
		exp := time.Now().Add(s.ephemeralTTL).UnixMilli()
		patch.ExpiresAt = &exp
	}
	if err := s.state.UpdateSession(ctx, sd.SessionID, patch); err != nil && !errors.Is(err, state.ErrNotFound) {
		s.logger.Debug().
			Str("event", "relay.session_update_failed").
			Str("session_id", sd.SessionID).
			Err(err).
			Msg("state update dropped")
	}
}

// recordState stores a new snapshot document in shared state and persistence.
func (s *Server) recordState(ctx context.Context, sd *state.SessionData, st json.RawMessage) {
	s.refreshSession(ctx, sd, state.SessionPatch{LastState: st})
	if err := s.store.RecordState(ctx, sd.SessionID, st); err != nil {
		s.logger.Debug().
			Str("event", "relay.persist_state_failed").
			Str("session_id", sd.SessionID).
			Err(err).
			Msg("snapshot not persisted")
	}
}

// ingestEvent runs the shared publish pipeline for producer and runner
// events: assign seq, cache, persist snapshots, fan out, fire pushes.
func (s *Server) ingestEvent(ctx context.Context, sd *state.SessionData, event json.RawMessage) {
	if len(event) == 0 || !json.Valid(event) {
		s.logger.Debug().
			Str("event", "relay.malformed_event").
			Str("session_id", sd.SessionID).
			Msg("dropping event")
		return
	}
	seq, err := s.state.IncrementSeq(ctx, sd.SessionID)
	if err != nil {
		s.logger.Debug().
			Str("event", "relay.seq_unavailable").
			Str("session_id", sd.SessionID).
			Err(err).
			Msg("publishing without seq")
	}
	s.cache.Append(ctx, sd.SessionID, event, sd.IsEphemeral)
	if st, ok := protocol.SnapshotState(event); ok {
		s.recordState(ctx, sd, st)
	} else {
		s.refreshSession(ctx, sd, state.SessionPatch{})
		if err := s.store.Touch(ctx, sd.SessionID); err != nil {
			s.logger.Debug().
				Str("event", "relay.touch_failed").
				Str("session_id", sd.SessionID).
				Err(err).
				Msg("persistence touch dropped")
		}
	}

	frame, err := protocol.Encode(protocol.EventEvent, protocol.EventOut{Event: event, Seq: seq})
	if err != nil {
		return
	}
	metrics.IncEventIngested()
	s.emitToRoom(ctx, sd.SessionID, frame)

	switch protocol.EventType(event) {
	case protocol.TypeAgentEnd:
		s.push.SendToUser(ctx, sd.UserID, push.AgentFinished(sd.SessionID, sd.SessionName))
	case protocol.TypeAgentError:
		s.push.SendToUser(ctx, sd.UserID, push.AgentError(sd.SessionID, sd.SessionName))
	case protocol.TypeInputRequest:
		s.push.SendToUser(ctx, sd.UserID, push.AgentNeedsInput(sd.SessionID, sd.SessionName))
	}
}

// endSession marks a session over after its worker died: inactive in shared
// state, ended in persistence, viewers notified. Snapshot state stays for
// replay. Unknown ids are a no-op.
func (s *Server) endSession(ctx context.Context, sessionID string) {
	sd, err := s.state.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	inactive := false
	s.refreshSession(ctx, sd, state.SessionPatch{IsActive: &inactive})
	if err := s.store.RecordEnd(ctx, sessionID); err != nil {
		s.logger.Debug().
			Str("event", "relay.record_end_failed").
			Str("session_id", sessionID).
			Err(err).
			Msg("persistence update dropped")
	}
	if frame, err := protocol.Encode(protocol.EventDisconnected, protocol.Disconnected{}); err == nil {
		s.emitToRoom(ctx, sessionID, frame)
	}
	s.push.SendToUser(ctx, sd.UserID, push.SessionEnded(sessionID, sd.SessionName))
	s.emitSessionsUpdated(ctx, sd.UserID)
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}

func (s *Server) track(conn *ws.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *ws.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Shutdown closes every live socket so the HTTP server can drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*ws.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

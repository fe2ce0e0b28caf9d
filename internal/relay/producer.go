// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/metrics"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/push"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
	"github.com/pizzapi/relay/internal/ws"
)

// maxHeartbeatBytes caps the opaque heartbeat payload a producer may push
// through the room.
const maxHeartbeatBytes = 64 << 10

// ServeRelay upgrades a producer (agent worker) socket. The handshake rides
// the upgrade query so duplicates and token mismatches are rejected with a
// plain 401 before any frames flow.
func (s *Server) ServeRelay(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	p, err := registerSessionFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	existing, err := s.state.GetSession(ctx, p.SessionID)
	switch {
	case err == nil:
		if reason := producerRejection(existing, p.Token); reason != "" {
			s.logger.Debug().
				Str("event", "relay.producer_rejected").
				Str("session_id", p.SessionID).
				Str("reason", reason).
				Msg("handshake refused")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	case errors.Is(err, state.ErrNotFound):
		existing = nil
	default:
		http.Error(w, "state backend unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.up.Upgrade(w, r)
	if err != nil {
		return
	}
	metrics.SocketConnected(metrics.NamespaceRelay)
	defer metrics.SocketDisconnected(metrics.NamespaceRelay)
	s.track(conn)
	defer s.untrack(conn)

	sd, err := s.attachProducer(ctx, identity, p, existing)
	if err != nil {
		_ = conn.Send(protocol.EventError, protocol.ErrorMsg{Message: "session registration failed"})
		conn.Close(websocket.ClosePolicyViolation, "handshake failed")
		return
	}

	pc := &producerConn{s: s, conn: conn, identity: identity, session: sd}
	_ = conn.Send(protocol.EventSessionRegistered, protocol.SessionRegistered{
		SessionID: sd.SessionID,
		ShareURL:  sd.ShareURL,
	})
	s.reg.SetTUI(sd.SessionID, conn)
	defer pc.detach(ctx)
	_ = conn.ReadLoop(func(env protocol.Envelope) { pc.handle(ctx, env) })
}

// registerSessionFromQuery decodes the producer handshake from the upgrade
// query string.
func registerSessionFromQuery(q url.Values) (*protocol.RegisterSession, error) {
	p := &protocol.RegisterSession{
		SessionID:   q.Get("sessionId"),
		Token:       q.Get("sessionToken"),
		Cwd:         q.Get("cwd"),
		ShareURL:    q.Get("shareUrl"),
		SessionName: q.Get("sessionName"),
		CollabMode:  q.Get("collabMode") == "true",
		RunnerID:    q.Get("runnerId"),
		RunnerName:  q.Get("runnerName"),
	}
	if p.Token == "" {
		p.Token = q.Get("token")
	}
	if v := q.Get("isEphemeral"); v != "" {
		eph := v == "true"
		p.IsEphemeral = &eph
	}
	if p.SessionID == "" {
		return nil, errors.New("sessionId is required")
	}
	if p.Token == "" {
		return nil, errors.New("sessionToken is required")
	}
	return p, nil
}

// producerRejection reports why a handshake against an existing session must
// be refused, or "" when it may proceed. Runner-born sessions carry no token
// yet; the first producer adopts its own.
func producerRejection(sd *state.SessionData, token string) string {
	if sd.Token != "" && subtle.ConstantTimeCompare([]byte(sd.Token), []byte(token)) != 1 {
		return "token mismatch"
	}
	if sd.IsActive {
		return "duplicate producer"
	}
	return ""
}

// attachProducer writes the session record for a fresh or resumed producer.
// Between the pre-upgrade check and here another producer may have won the
// race, so the rejection test runs again on the current record.
func (s *Server) attachProducer(ctx context.Context, identity auth.Identity, p *protocol.RegisterSession, existing *state.SessionData) (*state.SessionData, error) {
	now := time.Now()

	if existing != nil {
		if reason := producerRejection(existing, p.Token); reason != "" {
			return nil, errors.New(reason)
		}
		sd := *existing
		if sd.Token == "" {
			sd.Token = p.Token
		}
		sd.IsActive = true
		sd.CollabMode = p.CollabMode
		if p.SessionName != "" {
			sd.SessionName = p.SessionName
		}
		if p.Cwd != "" {
			sd.Cwd = p.Cwd
		}
		if p.ShareURL != "" {
			sd.ShareURL = p.ShareURL
		}
		if sd.IsEphemeral {
			sd.ExpiresAt = now.Add(s.ephemeralTTL).UnixMilli()
		}
		if err := s.state.PutSession(ctx, &sd); err != nil {
			return nil, err
		}
		if err := s.store.Touch(ctx, sd.SessionID); err != nil {
			s.logger.Debug().
				Str("event", "relay.persist_touch_failed").
				Str("session_id", sd.SessionID).
				Err(err).
				Msg("persistence update dropped")
		}
		s.logger.Info().
			Str("event", "relay.producer_attached").
			Str("session_id", sd.SessionID).
			Bool("resumed", true).
			Msg("producer online")
		s.emitSessionsUpdated(ctx, sd.UserID)
		return &sd, nil
	}

	ephemeral := true
	if p.IsEphemeral != nil {
		ephemeral = *p.IsEphemeral
	}
	sd := &state.SessionData{
		SessionID:   p.SessionID,
		Token:       p.Token,
		Cwd:         p.Cwd,
		ShareURL:    p.ShareURL,
		StartedAt:   now.UnixMilli(),
		UserID:      identity.UserID,
		UserName:    identity.UserName,
		SessionName: p.SessionName,
		CollabMode:  p.CollabMode,
		IsActive:    true,
		RunnerID:    p.RunnerID,
		RunnerName:  p.RunnerName,
		IsEphemeral: ephemeral,
	}
	if ephemeral {
		sd.ExpiresAt = now.Add(s.ephemeralTTL).UnixMilli()
	}
	if err := s.state.PutSession(ctx, sd); err != nil {
		return nil, err
	}
	if err := s.store.RecordStart(ctx, store.SessionStart{
		SessionID:   sd.SessionID,
		UserID:      sd.UserID,
		UserName:    sd.UserName,
		SessionName: sd.SessionName,
		Cwd:         sd.Cwd,
		ShareURL:    sd.ShareURL,
		RunnerID:    sd.RunnerID,
		RunnerName:  sd.RunnerName,
		IsEphemeral: sd.IsEphemeral,
	}); err != nil {
		s.logger.Debug().
			Str("event", "relay.persist_start_failed").
			Str("session_id", sd.SessionID).
			Err(err).
			Msg("persistence insert dropped")
	}
	metrics.SessionsRegistered.Inc()
	s.push.SendToUser(ctx, sd.UserID, push.SessionStarted(sd.SessionID, sd.SessionName))
	s.logger.Info().
		Str("event", "relay.producer_attached").
		Str("session_id", sd.SessionID).
		Bool("resumed", false).
		Msg("producer online")
	s.emitSessionsUpdated(ctx, sd.UserID)
	return sd, nil
}

// producerConn is one live agent worker socket bound to a session.
type producerConn struct {
	s        *Server
	conn     *ws.Conn
	identity auth.Identity
	session  *state.SessionData
}

func (pc *producerConn) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventHeartbeat:
		pc.heartbeat(ctx, env)
	case protocol.EventAgentEvent:
		pc.agentEvent(ctx, env)
	case protocol.EventStateUpdate:
		pc.stateUpdate(ctx, env)
	case protocol.EventExecResult:
		pc.execResult(ctx, env)
	default:
		pc.s.logger.Debug().
			Str("event", "relay.unknown_producer_event").
			Str("name", env.Event).
			Msg("dropping frame")
	}
}

// heartbeat stores the opaque payload, freshens the idle deadline, and fans
// the frame to the room unchanged.
func (pc *producerConn) heartbeat(ctx context.Context, env protocol.Envelope) {
	if len(env.Data) > maxHeartbeatBytes {
		pc.s.logger.Debug().
			Str("event", "relay.oversize_heartbeat").
			Str("session_id", pc.session.SessionID).
			Int("bytes", len(env.Data)).
			Msg("dropping frame")
		return
	}
	now := time.Now().UnixMilli()
	pc.s.refreshSession(ctx, pc.session, state.SessionPatch{
		LastHeartbeatAt: &now,
		LastHeartbeat:   env.Data,
	})
	if err := pc.s.store.Touch(ctx, pc.session.SessionID); err != nil {
		pc.s.logger.Debug().
			Str("event", "relay.persist_touch_failed").
			Str("session_id", pc.session.SessionID).
			Err(err).
			Msg("persistence update dropped")
	}
	if frame, err := json.Marshal(env); err == nil {
		pc.s.emitToRoom(ctx, pc.session.SessionID, frame)
	}
	pc.s.emitSessionsUpdated(ctx, pc.session.UserID)
}

func (pc *producerConn) agentEvent(ctx context.Context, env protocol.Envelope) {
	var event json.RawMessage
	if err := protocol.DecodeData(env, &event); err != nil {
		pc.s.logger.Debug().
			Str("event", "relay.malformed_event").
			Str("session_id", pc.session.SessionID).
			Msg("dropping frame")
		return
	}
	pc.s.ingestEvent(ctx, pc.session, event)
}

// stateUpdate persists the full snapshot and mirrors it to viewers as a
// session_active event outside the ordered stream.
func (pc *producerConn) stateUpdate(ctx context.Context, env protocol.Envelope) {
	var p protocol.StateUpdate
	if err := protocol.DecodeData(env, &p); err != nil || len(p.State) == 0 {
		pc.s.logger.Debug().
			Str("event", "relay.malformed_payload").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	pc.s.recordState(ctx, pc.session, p.State)
	frame, err := protocol.Encode(protocol.EventEvent, protocol.EventOut{
		Event: protocol.SessionActiveEvent(p.State),
	})
	if err != nil {
		return
	}
	pc.s.emitToRoom(ctx, pc.session.SessionID, frame)
}

func (pc *producerConn) execResult(ctx context.Context, env protocol.Envelope) {
	var p protocol.ExecResult
	if err := protocol.DecodeData(env, &p); err != nil || p.ID == "" {
		pc.s.logger.Debug().
			Str("event", "relay.malformed_payload").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	if waiter, ok := pc.s.reg.TakeExecWaiter(p.ID); ok {
		_ = waiter.SendRaw(frame)
		return
	}
	pc.s.publish(ctx, pc.s.topics.Room(pc.session.SessionID), busFrame{Frame: frame, TargetExecID: p.ID})
}

// detach marks the session inactive but keeps its state for late viewers.
func (pc *producerConn) detach(ctx context.Context) {
	sessionID := pc.session.SessionID
	pc.s.reg.RemoveTUI(sessionID, pc.conn)

	inactive := false
	pc.s.refreshSession(ctx, pc.session, state.SessionPatch{IsActive: &inactive})
	if err := pc.s.store.Touch(ctx, sessionID); err != nil {
		pc.s.logger.Debug().
			Str("event", "relay.persist_touch_failed").
			Str("session_id", sessionID).
			Err(err).
			Msg("persistence update dropped")
	}
	if frame, err := protocol.Encode(protocol.EventDisconnected, protocol.Disconnected{}); err == nil {
		pc.s.emitToRoom(ctx, sessionID, frame)
	}
	pc.s.logger.Info().
		Str("event", "relay.producer_detached").
		Str("session_id", sessionID).
		Msg("producer offline")
	pc.s.emitSessionsUpdated(ctx, pc.session.UserID)
}

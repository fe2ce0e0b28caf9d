// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/metrics"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
	"github.com/pizzapi/relay/internal/ws"
)

// ServeRunner upgrades a runner daemon socket and serves it until it closes.
// The socket idles in a connecting state until register_runner arrives.
func (s *Server) ServeRunner(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	conn, err := s.up.Upgrade(w, r)
	if err != nil {
		return
	}
	metrics.SocketConnected(metrics.NamespaceRunner)
	defer metrics.SocketDisconnected(metrics.NamespaceRunner)
	s.track(conn)
	defer s.untrack(conn)

	ctx := r.Context()
	rc := &runnerConn{s: s, conn: conn, identity: identity}
	if conn.Resumed {
		rc.reattach(ctx, r.URL.Query().Get("runnerId"))
	}
	defer rc.cleanup(ctx)
	_ = conn.ReadLoop(func(env protocol.Envelope) { rc.handle(ctx, env) })
}

// runnerConn is one runner daemon socket. Fields past identity are written
// only on the read goroutine.
type runnerConn struct {
	s        *Server
	conn     *ws.Conn
	identity auth.Identity

	runnerID   string
	runnerName string
}

func (rc *runnerConn) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventRegisterRunner:
		rc.register(ctx, env)
	case protocol.EventRunnerSessionEvent:
		rc.sessionEvent(ctx, env)
	case protocol.EventSessionReady, protocol.EventSessionError, protocol.EventSessionKilled:
		rc.sessionLifecycle(ctx, env)
	case protocol.EventSkillsList, protocol.EventSkillResult, protocol.EventFileResult:
		rc.reply(ctx, env)
	case protocol.EventTerminalReady, protocol.EventTerminalData,
		protocol.EventTerminalExit, protocol.EventTerminalError:
		rc.terminalEvent(ctx, env)
	default:
		rc.s.logger.Debug().
			Str("event", "relay.unknown_runner_event").
			Str("name", env.Event).
			Msg("dropping frame")
	}
}

func (rc *runnerConn) register(ctx context.Context, env protocol.Envelope) {
	var p protocol.RegisterRunner
	if len(env.Data) > 0 {
		if err := protocol.DecodeData(env, &p); err != nil {
			rc.s.logger.Debug().
				Str("event", "relay.malformed_payload").
				Str("name", env.Event).
				Err(err).
				Msg("dropping frame")
			return
		}
	}
	runnerID := rc.s.resolveRunnerID(ctx, rc.identity, p.RunnerID)
	if err := rc.s.state.PutRunner(ctx, &state.RunnerData{
		RunnerID: runnerID,
		UserID:   rc.identity.UserID,
		UserName: rc.identity.UserName,
		Name:     p.Name,
		Roots:    p.Roots,
		Skills:   p.Skills,
	}); err != nil {
		rc.s.logger.Warn().
			Str("event", "relay.runner_store_failed").
			Str("runner_id", runnerID).
			Err(err).
			Msg("closing runner socket")
		rc.conn.Close(websocket.ClosePolicyViolation, "registration failed")
		return
	}
	rc.runnerID = runnerID
	rc.runnerName = p.Name
	rc.s.reg.SetRunner(runnerID, rc.conn)
	metrics.RunnersRegistered.Inc()

	_ = rc.conn.Send(protocol.EventRunnerRegistered, protocol.RunnerRegistered{
		RunnerID:    runnerID,
		ConnID:      rc.conn.ID,
		ResumeToken: rc.conn.ResumeToken,
	})
	rc.s.logger.Info().
		Str("event", "relay.runner_registered").
		Str("runner_id", runnerID).
		Str("user_id", rc.identity.UserID).
		Msg("runner online")
	rc.s.emitRunnersUpdated(ctx, rc.identity.UserID)
}

// resolveRunnerID honors a proposed id when it is unused or already owned by
// the same user, else mints a fresh one.
func (s *Server) resolveRunnerID(ctx context.Context, identity auth.Identity, proposed string) string {
	if proposed == "" {
		return uuid.NewString()
	}
	existing, err := s.state.GetRunner(ctx, proposed)
	if errors.Is(err, state.ErrNotFound) {
		return proposed
	}
	if err == nil && existing.UserID == identity.UserID {
		return proposed
	}
	return uuid.NewString()
}

func (rc *runnerConn) sessionEvent(ctx context.Context, env protocol.Envelope) {
	if rc.runnerID == "" {
		return
	}
	var p protocol.RunnerSessionEvent
	if err := protocol.DecodeData(env, &p); err != nil || p.SessionID == "" {
		rc.s.logger.Debug().
			Str("event", "relay.malformed_payload").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}

	sd, err := rc.s.state.GetSession(ctx, p.SessionID)
	if errors.Is(err, state.ErrNotFound) {
		sd, err = rc.adoptSession(ctx, p.SessionID)
	}
	if err != nil {
		rc.s.logger.Debug().
			Str("event", "relay.unknown_session").
			Str("session_id", p.SessionID).
			Msg("dropping event")
		return
	}
	if sd.RunnerID == "" {
		rc.bindRunner(ctx, sd)
	}
	rc.s.ingestEvent(ctx, sd, p.Event)
	_ = rc.s.state.TouchRunner(ctx, rc.runnerID)
}

// adoptSession creates the session record when the first worker event
// arrives before any producer handshake. Only a pending link authorizes
// this; without one the event targets an unknown session.
func (rc *runnerConn) adoptSession(ctx context.Context, sessionID string) (*state.SessionData, error) {
	if _, err := rc.s.state.TakeRunnerLink(ctx, sessionID); err != nil {
		return nil, err
	}
	now := time.Now()
	sd := &state.SessionData{
		SessionID:   sessionID,
		UserID:      rc.identity.UserID,
		UserName:    rc.identity.UserName,
		StartedAt:   now.UnixMilli(),
		IsActive:    true,
		RunnerID:    rc.runnerID,
		RunnerName:  rc.runnerName,
		IsEphemeral: true,
		ExpiresAt:   now.Add(rc.s.ephemeralTTL).UnixMilli(),
	}
	if err := rc.s.state.PutSession(ctx, sd); err != nil {
		return nil, err
	}
	if err := rc.s.store.RecordStart(ctx, store.SessionStart{
		SessionID:   sessionID,
		UserID:      sd.UserID,
		UserName:    sd.UserName,
		RunnerID:    sd.RunnerID,
		RunnerName:  sd.RunnerName,
		IsEphemeral: true,
	}); err != nil {
		rc.s.logger.Debug().
			Str("event", "relay.persist_start_failed").
			Str("session_id", sessionID).
			Err(err).
			Msg("persistence insert dropped")
	}
	rc.s.logger.Info().
		Str("event", "relay.session_adopted").
		Str("session_id", sessionID).
		Str("runner_id", rc.runnerID).
		Msg("session created from worker event")
	return sd, nil
}

// bindRunner consumes any pending link and stamps this runner onto the
// session.
func (rc *runnerConn) bindRunner(ctx context.Context, sd *state.SessionData) {
	if _, err := rc.s.state.TakeRunnerLink(ctx, sd.SessionID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return
	}
	rid, rname := rc.runnerID, rc.runnerName
	if err := rc.s.state.UpdateSession(ctx, sd.SessionID, state.SessionPatch{RunnerID: &rid, RunnerName: &rname}); err == nil {
		sd.RunnerID, sd.RunnerName = rid, rname
	}
}

func (rc *runnerConn) sessionLifecycle(ctx context.Context, env protocol.Envelope) {
	if rc.runnerID == "" {
		return
	}
	var p protocol.SessionLifecycle
	if err := protocol.DecodeData(env, &p); err != nil || p.SessionID == "" {
		rc.s.logger.Debug().
			Str("event", "relay.malformed_payload").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}

	switch env.Event {
	case protocol.EventSessionReady:
		if sd, err := rc.s.state.GetSession(ctx, p.SessionID); err == nil {
			if sd.RunnerID == "" {
				rc.bindRunner(ctx, sd)
			}
		} else if errors.Is(err, state.ErrNotFound) {
			if _, err := rc.adoptSession(ctx, p.SessionID); err != nil && !errors.Is(err, state.ErrNotFound) {
				rc.s.logger.Debug().
					Str("event", "relay.adopt_failed").
					Str("session_id", p.SessionID).
					Err(err).
					Msg("session not created")
			}
		}
	case protocol.EventSessionKilled:
		rc.s.endSession(ctx, p.SessionID)
	}

	if !rc.s.resolveSpawn(p.SessionID, env) {
		// The spawn waiter may live on another node.
		if frame, err := json.Marshal(env); err == nil {
			rc.s.publish(ctx, rc.s.topics.Room(p.SessionID), busFrame{Frame: frame})
		}
	}
	_ = rc.s.state.TouchRunner(ctx, rc.runnerID)
}

// reply routes an RPC answer back to whichever conn is waiting on the
// request id, on this node or another.
func (rc *runnerConn) reply(ctx context.Context, env protocol.Envelope) {
	if env.RequestID == "" {
		rc.s.logger.Debug().
			Str("event", "relay.orphan_reply").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	if waiter, ok := rc.s.reg.TakeExecWaiter(env.RequestID); ok {
		_ = waiter.SendRaw(frame)
		return
	}
	rc.s.publish(ctx, rc.s.topics.User(rc.identity.UserID), busFrame{Frame: frame, TargetExecID: env.RequestID})
}

func (rc *runnerConn) terminalEvent(ctx context.Context, env protocol.Envelope) {
	var target struct {
		TerminalID string `json:"terminalId"`
	}
	if err := protocol.DecodeData(env, &target); err != nil || target.TerminalID == "" {
		rc.s.logger.Debug().
			Str("event", "relay.malformed_payload").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}

	switch env.Event {
	case protocol.EventTerminalReady:
		if td, err := rc.s.state.GetTerminal(ctx, target.TerminalID); err == nil && !td.Spawned {
			td.Spawned = true
			_ = rc.s.state.PutTerminal(ctx, td)
		}
	case protocol.EventTerminalExit:
		if err := rc.s.state.DeleteTerminal(ctx, target.TerminalID); err != nil && !errors.Is(err, state.ErrNotFound) {
			rc.s.logger.Debug().
				Str("event", "relay.terminal_delete_failed").
				Str("terminal_id", target.TerminalID).
				Err(err).
				Msg("state delete dropped")
		}
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	if term, ok := rc.s.reg.Terminal(target.TerminalID); ok {
		_ = term.SendRaw(frame)
		return
	}
	rc.s.publish(ctx, rc.s.topics.User(rc.identity.UserID), busFrame{Frame: frame, TargetTerminalID: target.TerminalID})
}

// reattach restores registry entries after a transport resume; without a
// valid runner id the conn simply awaits a fresh register_runner.
func (rc *runnerConn) reattach(ctx context.Context, runnerID string) {
	if runnerID == "" {
		return
	}
	r, err := rc.s.state.GetRunner(ctx, runnerID)
	if err != nil || r.UserID != rc.identity.UserID {
		return
	}
	rc.runnerID = r.RunnerID
	rc.runnerName = r.Name
	rc.s.reg.SetRunner(r.RunnerID, rc.conn)
	_ = rc.s.state.TouchRunner(ctx, r.RunnerID)
}

// cleanup drops the registry entry when the socket closes. The shared-state
// record stays until its TTL lapses so a quick reconnect keeps its id.
func (rc *runnerConn) cleanup(ctx context.Context) {
	if rc.runnerID == "" {
		return
	}
	rc.s.reg.RemoveRunner(rc.runnerID, rc.conn)
	rc.s.logger.Info().
		Str("event", "relay.runner_offline").
		Str("runner_id", rc.runnerID).
		Msg("runner socket closed")
	rc.s.emitRunnersUpdated(ctx, rc.identity.UserID)
}

// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/metrics"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/ws"
)

// ServeHub upgrades a dashboard socket. Hub clients see the user's runner
// and session inventory and can drive runner RPCs without binding to a
// session.
func (s *Server) ServeHub(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	conn, err := s.up.Upgrade(w, r)
	if err != nil {
		return
	}
	metrics.SocketConnected(metrics.NamespaceHub)
	defer metrics.SocketDisconnected(metrics.NamespaceHub)
	s.track(conn)
	defer s.untrack(conn)

	ctx := r.Context()
	s.reg.JoinHub(identity.UserID, conn)
	defer func() {
		s.reg.LeaveHub(identity.UserID, conn)
		s.reg.DropExecWaiters(conn)
	}()

	hc := &hubConn{s: s, conn: conn, identity: identity}
	_ = conn.ReadLoop(func(env protocol.Envelope) { hc.handle(ctx, env) })
}

// hubConn is one dashboard socket.
type hubConn struct {
	s        *Server
	conn     *ws.Conn
	identity auth.Identity
}

func (hc *hubConn) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventListRunners:
		hc.listRunners(ctx, env)
	case protocol.EventListSessions:
		hc.listSessions(ctx, env)
	case protocol.EventListSkills, protocol.EventGetSkill, protocol.EventCreateSkill,
		protocol.EventUpdateSkill, protocol.EventDeleteSkill,
		protocol.EventListFiles, protocol.EventReadFile,
		protocol.EventGitStatus, protocol.EventGitDiff:
		hc.relayToRunner(ctx, env)
	default:
		hc.s.logger.Debug().
			Str("event", "relay.unknown_hub_event").
			Str("name", env.Event).
			Msg("dropping frame")
	}
}

func (hc *hubConn) listRunners(ctx context.Context, env protocol.Envelope) {
	out, err := hc.s.runnersSnapshot(ctx, hc.identity.UserID)
	if err != nil {
		_ = hc.conn.SendReply(protocol.EventError, env.RequestID, protocol.ErrorMsg{
			Message: "state backend unavailable",
		})
		return
	}
	_ = hc.conn.SendReply(protocol.EventRunnersUpdated, env.RequestID, out)
}

func (hc *hubConn) listSessions(ctx context.Context, env protocol.Envelope) {
	out, err := hc.s.sessionsSnapshot(ctx, hc.identity.UserID)
	if err != nil {
		_ = hc.conn.SendReply(protocol.EventError, env.RequestID, protocol.ErrorMsg{
			Message: "state backend unavailable",
		})
		return
	}
	_ = hc.conn.SendReply(protocol.EventSessionsUpdated, env.RequestID, out)
}

// relayToRunner forwards an RPC frame to a runner the caller owns and parks
// the request id so the reply finds its way back.
func (hc *hubConn) relayToRunner(ctx context.Context, env protocol.Envelope) {
	var target struct {
		RunnerID string `json:"runnerId"`
	}
	if err := protocol.DecodeData(env, &target); err != nil || target.RunnerID == "" {
		hc.s.logger.Debug().
			Str("event", "relay.malformed_payload").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	runner, err := hc.s.state.GetRunner(ctx, target.RunnerID)
	if err != nil || runner.UserID != hc.identity.UserID {
		hc.s.logger.Debug().
			Str("event", "relay.runner_denied").
			Str("runner_id", target.RunnerID).
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	if env.RequestID != "" {
		hc.s.reg.AddExecWaiter(env.RequestID, hc.conn)
	}
	hc.s.sendToRunner(ctx, target.RunnerID, frame)
}

func (s *Server) runnersSnapshot(ctx context.Context, userID string) (protocol.RunnersUpdated, error) {
	runners, err := s.state.ListRunners(ctx, userID)
	if err != nil {
		return protocol.RunnersUpdated{}, err
	}
	out := protocol.RunnersUpdated{Runners: make([]protocol.RunnerInfo, 0, len(runners))}
	for _, r := range runners {
		out.Runners = append(out.Runners, protocol.RunnerInfo{
			RunnerID: r.RunnerID,
			Name:     r.Name,
			Roots:    r.Roots,
			Skills:   r.Skills,
		})
	}
	return out, nil
}

func (s *Server) sessionsSnapshot(ctx context.Context, userID string) (protocol.SessionsUpdated, error) {
	sessions, err := s.state.ListSessions(ctx, userID)
	if err != nil {
		return protocol.SessionsUpdated{}, err
	}
	out := protocol.SessionsUpdated{Sessions: make([]protocol.SessionInfo, 0, len(sessions))}
	for _, sd := range sessions {
		out.Sessions = append(out.Sessions, protocol.SessionInfo{
			SessionID:       sd.SessionID,
			SessionName:     sd.SessionName,
			Cwd:             sd.Cwd,
			ShareURL:        sd.ShareURL,
			IsActive:        sd.IsActive,
			StartedAt:       sd.StartedAt,
			LastHeartbeatAt: sd.LastHeartbeatAt,
			RunnerID:        sd.RunnerID,
			RunnerName:      sd.RunnerName,
			IsEphemeral:     sd.IsEphemeral,
			CollabMode:      sd.CollabMode,
		})
	}
	return out, nil
}

// emitRunnersUpdated pushes the user's runner inventory to every hub socket.
func (s *Server) emitRunnersUpdated(ctx context.Context, userID string) {
	out, err := s.runnersSnapshot(ctx, userID)
	if err != nil {
		s.logger.Debug().
			Str("event", "relay.hub_broadcast_failed").
			Str("user_id", userID).
			Err(err).
			Msg("runners_updated dropped")
		return
	}
	frame, err := protocol.Encode(protocol.EventRunnersUpdated, out)
	if err != nil {
		return
	}
	s.emitToHub(ctx, userID, frame)
}

// emitSessionsUpdated pushes the user's session inventory to every hub
// socket.
func (s *Server) emitSessionsUpdated(ctx context.Context, userID string) {
	out, err := s.sessionsSnapshot(ctx, userID)
	if err != nil {
		s.logger.Debug().
			Str("event", "relay.hub_broadcast_failed").
			Str("user_id", userID).
			Err(err).
			Msg("sessions_updated dropped")
		return
	}
	frame, err := protocol.Encode(protocol.EventSessionsUpdated, out)
	if err != nil {
		return
	}
	s.emitToHub(ctx, userID, frame)
}

func (s *Server) emitToHub(ctx context.Context, userID string, frame []byte) {
	for _, c := range s.reg.HubConns(userID) {
		_ = c.SendRaw(frame)
	}
	s.publish(ctx, s.topics.User(userID), busFrame{Frame: frame})
}

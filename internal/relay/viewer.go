// SPDX-License-Identifier: MIT

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/eventcache"
	"github.com/pizzapi/relay/internal/metrics"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/ws"
)

const replayOnlyReason = "Session is no longer live (snapshot replay)."

// ServeViewer upgrades a browser viewer socket. Live sessions get a room
// membership and a snapshot; ended sessions get a one-shot replay and a
// close.
func (s *Server) ServeViewer(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}
	conn, err := s.up.Upgrade(w, r)
	if err != nil {
		return
	}
	metrics.SocketConnected(metrics.NamespaceViewer)
	defer metrics.SocketDisconnected(metrics.NamespaceViewer)
	s.track(conn)
	defer s.untrack(conn)

	ctx := r.Context()
	vc := &viewerConn{s: s, conn: conn, identity: identity, sessionID: sessionID}
	if !vc.join(ctx) {
		return
	}
	defer vc.leave()
	_ = conn.ReadLoop(func(env protocol.Envelope) { vc.handle(ctx, env) })
}

// viewerConn is one browser socket watching a session.
type viewerConn struct {
	s         *Server
	conn      *ws.Conn
	identity  auth.Identity
	sessionID string
	collab    bool
}

// join decides live versus replay. A session counts as live only while its
// producer socket is attached; everything else replays and closes.
func (vc *viewerConn) join(ctx context.Context) bool {
	sd, err := vc.s.state.GetSession(ctx, vc.sessionID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		vc.conn.Close(websocket.CloseInternalServerErr, "state backend unavailable")
		return false
	}
	if err != nil || !sd.IsActive {
		vc.replayOnly(ctx)
		return false
	}

	vc.collab = sd.CollabMode
	joined, err := vc.s.reg.JoinViewer(ctx, vc.sessionID, vc.conn)
	if err != nil {
		vc.conn.Close(websocket.CloseInternalServerErr, "state backend unavailable")
		return false
	}
	if !joined {
		vc.replayOnly(ctx)
		return false
	}
	if vc.conn.Resumed {
		return true
	}
	if err := vc.s.reg.SendSnapshotToViewer(ctx, vc.sessionID, vc.conn); err != nil {
		vc.s.logger.Debug().
			Str("event", "relay.snapshot_send_failed").
			Str("session_id", vc.sessionID).
			Err(err).
			Msg("viewer joined without snapshot")
	}
	return true
}

// replayOnly serves the best remembered snapshot for a session that is not
// live, then closes. The hot cache wins over the persisted copy.
func (vc *viewerConn) replayOnly(ctx context.Context) {
	_ = vc.conn.Send(protocol.EventConnected, protocol.ConnectedAck{
		SessionID:   vc.sessionID,
		ReplayOnly:  true,
		ConnID:      vc.conn.ID,
		ResumeToken: vc.conn.ResumeToken,
	})

	entries := vc.s.cache.GetAll(ctx, vc.sessionID)
	if snap, ok := eventcache.FindLatestSnapshot(entries); ok {
		_ = vc.conn.Send(protocol.EventEvent, protocol.EventOut{Event: snap, Replay: true})
	} else if ps, err := vc.s.store.GetSnapshot(ctx, vc.sessionID); err == nil && statePresent(ps.State) {
		_ = vc.conn.Send(protocol.EventEvent, protocol.EventOut{Event: protocol.SessionActiveEvent(ps.State)})
	} else {
		_ = vc.conn.Send(protocol.EventError, protocol.ErrorMsg{Message: "Session not found"})
		vc.conn.Close(websocket.CloseNormalClosure, "session not found")
		return
	}

	_ = vc.conn.Send(protocol.EventDisconnected, protocol.Disconnected{Reason: replayOnlyReason})
	vc.conn.Close(websocket.CloseNormalClosure, "replay complete")
}

func statePresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func (vc *viewerConn) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventConnected:
		vc.greet(ctx)
	case protocol.EventResync:
		if err := vc.s.reg.SendSnapshotToViewer(ctx, vc.sessionID, vc.conn); err != nil {
			vc.s.logger.Debug().
				Str("event", "relay.snapshot_send_failed").
				Str("session_id", vc.sessionID).
				Err(err).
				Msg("resync dropped")
		}
	case protocol.EventInput:
		vc.input(ctx, env)
	case protocol.EventModelSet:
		vc.forwardCollab(ctx, env)
	case protocol.EventExec:
		vc.exec(ctx, env)
	default:
		vc.s.logger.Debug().
			Str("event", "relay.unknown_viewer_event").
			Str("name", env.Event).
			Msg("dropping frame")
	}
}

// greet tells the producer a viewer arrived so it can surface presence.
func (vc *viewerConn) greet(ctx context.Context) {
	frame, err := protocol.Encode(protocol.EventViewerConnected, protocol.ViewerConnected{
		SessionID: vc.sessionID,
		UserID:    vc.identity.UserID,
		UserName:  vc.identity.UserName,
	})
	if err != nil {
		return
	}
	vc.s.sendToTUI(ctx, vc.sessionID, frame)
}

func (vc *viewerConn) input(ctx context.Context, env protocol.Envelope) {
	if !vc.collab {
		vc.s.logger.Debug().
			Str("event", "relay.collab_denied").
			Str("session_id", vc.sessionID).
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	var p protocol.Input
	if err := protocol.DecodeData(env, &p); err != nil {
		vc.s.logger.Debug().
			Str("event", "relay.malformed_payload").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	p.Attachments = protocol.SanitizeAttachments(p.Attachments)
	frame, err := protocol.Encode(protocol.EventInput, p)
	if err != nil {
		return
	}
	vc.s.sendToTUI(ctx, vc.sessionID, frame)
}

// forwardCollab relays a collab-gated frame to the producer verbatim.
func (vc *viewerConn) forwardCollab(ctx context.Context, env protocol.Envelope) {
	if !vc.collab {
		vc.s.logger.Debug().
			Str("event", "relay.collab_denied").
			Str("session_id", vc.sessionID).
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	vc.s.sendToTUI(ctx, vc.sessionID, frame)
}

func (vc *viewerConn) exec(ctx context.Context, env protocol.Envelope) {
	if !vc.collab {
		vc.s.logger.Debug().
			Str("event", "relay.collab_denied").
			Str("session_id", vc.sessionID).
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	var p protocol.Exec
	if err := protocol.DecodeData(env, &p); err != nil || p.ID == "" {
		vc.s.logger.Debug().
			Str("event", "relay.malformed_payload").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	vc.s.reg.AddExecWaiter(p.ID, vc.conn)
	vc.s.sendToTUI(ctx, vc.sessionID, frame)
}

func (vc *viewerConn) leave() {
	vc.s.reg.LeaveViewer(vc.sessionID, vc.conn)
	vc.s.reg.DropExecWaiters(vc.conn)
}

// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/metrics"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/ws"
)

// ServeTerminal upgrades a browser terminal socket bound to one runner.
// PTYs outlive the socket; closing the tab keeps the shell running for a
// later reattach.
func (s *Server) ServeTerminal(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	runnerID := r.URL.Query().Get("runnerId")
	if runnerID == "" {
		http.Error(w, "runnerId is required", http.StatusBadRequest)
		return
	}
	runner, err := s.state.GetRunner(r.Context(), runnerID)
	if err != nil || runner.UserID != identity.UserID {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.up.Upgrade(w, r)
	if err != nil {
		return
	}
	metrics.SocketConnected(metrics.NamespaceTerminal)
	defer metrics.SocketDisconnected(metrics.NamespaceTerminal)
	s.track(conn)
	defer s.untrack(conn)

	ctx := r.Context()
	tc := &terminalConn{
		s:        s,
		conn:     conn,
		identity: identity,
		runner:   runner,
		owned:    make(map[string]struct{}),
	}
	defer tc.cleanup()
	_ = conn.ReadLoop(func(env protocol.Envelope) { tc.handle(ctx, env) })
}

// terminalConn is one browser socket multiplexing PTYs on a single runner.
// owned is touched only on the read goroutine.
type terminalConn struct {
	s        *Server
	conn     *ws.Conn
	identity auth.Identity
	runner   *state.RunnerData
	owned    map[string]struct{}
}

func (tc *terminalConn) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventNewTerminal:
		tc.newTerminal(ctx, env)
	case protocol.EventTerminalInput, protocol.EventTerminalResize:
		tc.forward(ctx, env)
	case protocol.EventKillTerminal:
		tc.kill(ctx, env)
	case protocol.EventListTerminals:
		tc.list(ctx, env)
	default:
		tc.s.logger.Debug().
			Str("event", "relay.unknown_terminal_event").
			Str("name", env.Event).
			Msg("dropping frame")
	}
}

func (tc *terminalConn) newTerminal(ctx context.Context, env protocol.Envelope) {
	var p protocol.NewTerminal
	if len(env.Data) > 0 {
		if err := protocol.DecodeData(env, &p); err != nil {
			tc.s.logger.Debug().
				Str("event", "relay.malformed_payload").
				Str("name", env.Event).
				Msg("dropping frame")
			return
		}
	}
	if p.SpawnOpts != nil && p.SpawnOpts.Cwd != "" && !cwdAllowed(p.SpawnOpts.Cwd, tc.runner.Roots) {
		_ = tc.conn.SendReply(protocol.EventError, env.RequestID, protocol.ErrorMsg{
			Message: "cwd outside runner roots",
		})
		return
	}
	if p.TerminalID == "" {
		p.TerminalID = uuid.NewString()
	}

	td := &state.TerminalData{
		TerminalID: p.TerminalID,
		RunnerID:   tc.runner.RunnerID,
		UserID:     tc.identity.UserID,
	}
	if p.SpawnOpts != nil {
		td.SpawnOpts, _ = json.Marshal(p.SpawnOpts)
	}
	if err := tc.s.state.PutTerminal(ctx, td); err != nil {
		_ = tc.conn.SendReply(protocol.EventError, env.RequestID, protocol.ErrorMsg{
			Message: "terminal registration failed",
		})
		return
	}
	tc.s.reg.SetTerminal(p.TerminalID, tc.conn)
	tc.owned[p.TerminalID] = struct{}{}

	_ = tc.conn.SendReply(protocol.EventNewTerminal, env.RequestID, protocol.TerminalInfo{
		TerminalID: p.TerminalID,
		RunnerID:   tc.runner.RunnerID,
	})
	frame, err := protocol.Encode(protocol.EventNewTerminal, p)
	if err != nil {
		return
	}
	tc.s.sendToRunner(ctx, tc.runner.RunnerID, frame)
	tc.s.logger.Info().
		Str("event", "relay.terminal_spawn_requested").
		Str("terminal_id", p.TerminalID).
		Str("runner_id", tc.runner.RunnerID).
		Msg("pty requested")
}

// forward relays keystrokes and resizes for a terminal this socket attached.
func (tc *terminalConn) forward(ctx context.Context, env protocol.Envelope) {
	var target struct {
		TerminalID string `json:"terminalId"`
	}
	if err := protocol.DecodeData(env, &target); err != nil || target.TerminalID == "" {
		tc.s.logger.Debug().
			Str("event", "relay.malformed_payload").
			Str("name", env.Event).
			Msg("dropping frame")
		return
	}
	if !tc.attached(ctx, target.TerminalID) {
		tc.s.logger.Debug().
			Str("event", "relay.terminal_not_attached").
			Str("terminal_id", target.TerminalID).
			Msg("dropping frame")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	tc.s.sendToRunner(ctx, tc.runner.RunnerID, frame)
}

// attached reports whether this socket may drive the terminal, adopting
// terminals spawned by an earlier socket of the same user.
func (tc *terminalConn) attached(ctx context.Context, terminalID string) bool {
	if _, ok := tc.owned[terminalID]; ok {
		return true
	}
	td, err := tc.s.state.GetTerminal(ctx, terminalID)
	if err != nil || td.RunnerID != tc.runner.RunnerID || td.UserID != tc.identity.UserID {
		return false
	}
	tc.s.reg.SetTerminal(terminalID, tc.conn)
	tc.owned[terminalID] = struct{}{}
	return true
}

// kill tears a terminal down everywhere. Unknown ids are a no-op.
func (tc *terminalConn) kill(ctx context.Context, env protocol.Envelope) {
	var target struct {
		TerminalID string `json:"terminalId"`
	}
	if err := protocol.DecodeData(env, &target); err != nil || target.TerminalID == "" {
		return
	}
	if !tc.attached(ctx, target.TerminalID) {
		return
	}
	delete(tc.owned, target.TerminalID)
	tc.s.reg.RemoveTerminal(target.TerminalID, tc.conn)
	if err := tc.s.state.DeleteTerminal(ctx, target.TerminalID); err != nil && !errors.Is(err, state.ErrNotFound) {
		tc.s.logger.Debug().
			Str("event", "relay.terminal_delete_failed").
			Str("terminal_id", target.TerminalID).
			Err(err).
			Msg("state delete dropped")
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	tc.s.sendToRunner(ctx, tc.runner.RunnerID, frame)
}

func (tc *terminalConn) list(ctx context.Context, env protocol.Envelope) {
	terms, err := tc.s.state.ListRunnerTerminals(ctx, tc.runner.RunnerID)
	if err != nil {
		_ = tc.conn.SendReply(protocol.EventError, env.RequestID, protocol.ErrorMsg{
			Message: "state backend unavailable",
		})
		return
	}
	out := protocol.TerminalsUpdated{Terminals: make([]protocol.TerminalInfo, 0, len(terms))}
	for _, td := range terms {
		out.Terminals = append(out.Terminals, protocol.TerminalInfo{
			TerminalID: td.TerminalID,
			RunnerID:   td.RunnerID,
			Spawned:    td.Spawned,
			Exited:     td.Exited,
		})
	}
	_ = tc.conn.SendReply(protocol.EventListTerminals, env.RequestID, out)
}

// cleanup detaches the socket from its terminals. The PTYs and their state
// records stay so a new socket can pick them back up.
func (tc *terminalConn) cleanup() {
	for terminalID := range tc.owned {
		tc.s.reg.RemoveTerminal(terminalID, tc.conn)
	}
}

// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/push"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/telemetry"
)

var (
	// ErrNoRunner means no live runner can host the requested cwd.
	ErrNoRunner = errors.New("relay: no runner available")
	// ErrSpawnTimeout means the runner never confirmed the spawn.
	ErrSpawnTimeout = errors.New("relay: spawn timed out")
)

const spawnTimeout = 30 * time.Second

// SpawnRequest asks a runner to start a new session worker.
type SpawnRequest struct {
	RunnerID    string `json:"runnerId,omitempty"`
	Cwd         string `json:"cwd"`
	SessionName string `json:"sessionName,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	CollabMode  bool   `json:"collabMode,omitempty"`
	IsEphemeral *bool  `json:"isEphemeral,omitempty"`
}

// SpawnResult reports the spawned session.
type SpawnResult struct {
	SessionID  string `json:"sessionId"`
	RunnerID   string `json:"runnerId"`
	RunnerName string `json:"runnerName,omitempty"`
}

type spawnOutcome struct {
	err error
}

// SpawnSession reserves a session id, instructs a runner to start a worker
// for it and waits for the runner's confirmation.
func (s *Server) SpawnSession(ctx context.Context, identity auth.Identity, req SpawnRequest) (*SpawnResult, error) {
	if req.Cwd == "" {
		return nil, errors.New("relay: cwd is required")
	}
	ctx, span := telemetry.Tracer("pizzapi.relay").Start(ctx, "session.spawn")
	defer span.End()

	runner, err := s.pickRunner(ctx, identity, req.RunnerID, req.Cwd)
	if err != nil {
		if errors.Is(err, ErrNoRunner) {
			span.SetAttributes(telemetry.ErrorAttributes("no_runner")...)
		} else {
			span.SetAttributes(telemetry.ErrorAttributes("state_backend")...)
		}
		return nil, err
	}

	sessionID := uuid.NewString()
	if _, err := s.state.PutRunnerLink(ctx, sessionID, runner.RunnerID); err != nil {
		span.SetAttributes(telemetry.ErrorAttributes("state_backend")...)
		return nil, fmt.Errorf("relay: reserve runner link: %w", err)
	}

	ch := s.awaitSpawn(sessionID)
	defer s.forgetSpawn(sessionID)

	frame, err := protocol.Encode(protocol.EventNewSession, protocol.NewSession{
		SessionID:   sessionID,
		Cwd:         req.Cwd,
		SessionName: req.SessionName,
		Prompt:      req.Prompt,
		CollabMode:  req.CollabMode,
		IsEphemeral: req.IsEphemeral,
	})
	if err != nil {
		return nil, err
	}
	s.sendToRunner(ctx, runner.RunnerID, frame)
	s.logger.Info().
		Str("event", "relay.spawn_requested").
		Str("session_id", sessionID).
		Str("runner_id", runner.RunnerID).
		Str("cwd", req.Cwd).
		Msg("waiting for runner")

	timer := time.NewTimer(spawnTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		span.SetAttributes(telemetry.ErrorAttributes("spawn_timeout")...)
		return nil, ErrSpawnTimeout
	case out := <-ch:
		if out.err != nil {
			span.SetAttributes(telemetry.ErrorAttributes("runner_rejected")...)
			return nil, out.err
		}
	}

	ephemeral := true
	if req.IsEphemeral != nil {
		ephemeral = *req.IsEphemeral
	}
	span.SetAttributes(telemetry.SessionAttributes(sessionID, runner.RunnerID, ephemeral)...)

	if err := s.store.RecordFolder(ctx, identity.UserID, req.Cwd); err != nil {
		s.logger.Debug().
			Str("event", "relay.record_folder_failed").
			Err(err).
			Msg("recent-folder update dropped")
	}
	return &SpawnResult{SessionID: sessionID, RunnerID: runner.RunnerID, RunnerName: runner.Name}, nil
}

// pickRunner resolves the spawn target: the requested runner when it belongs
// to the caller and permits the cwd, else the first live runner that does.
func (s *Server) pickRunner(ctx context.Context, identity auth.Identity, runnerID, cwd string) (*state.RunnerData, error) {
	if runnerID != "" {
		r, err := s.state.GetRunner(ctx, runnerID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return nil, ErrNoRunner
			}
			return nil, err
		}
		if r.UserID != identity.UserID || !cwdAllowed(cwd, r.Roots) {
			return nil, ErrNoRunner
		}
		return r, nil
	}
	runners, err := s.state.ListRunners(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	for _, r := range runners {
		if cwdAllowed(cwd, r.Roots) {
			return r, nil
		}
	}
	return nil, ErrNoRunner
}

// cwdAllowed reports whether cwd sits under one of the runner's roots. An
// empty roots list permits everything.
func cwdAllowed(cwd string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	cwd = filepath.Clean(cwd)
	for _, root := range roots {
		root = filepath.Clean(root)
		if cwd == root || strings.HasPrefix(cwd, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// KillSession tears a session down everywhere: the runner worker, shared
// state, caches, persistence and every joined viewer. Unknown ids are a
// no-op.
func (s *Server) KillSession(ctx context.Context, identity auth.Identity, sessionID string) error {
	sd, err := s.state.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return err
	}
	if sd.UserID != identity.UserID {
		return auth.ErrUnauthorized
	}

	if sd.RunnerID != "" {
		if frame, err := protocol.Encode(protocol.EventKillSession, protocol.KillSession{SessionID: sessionID}); err == nil {
			s.sendToRunner(ctx, sd.RunnerID, frame)
		}
	}
	if frame, err := protocol.Encode(protocol.EventDisconnected, protocol.Disconnected{Reason: "Session ended."}); err == nil {
		s.emitToRoom(ctx, sessionID, frame)
	}
	if err := s.state.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	s.cache.Delete(ctx, sessionID)
	if err := s.store.RecordEnd(ctx, sessionID); err != nil {
		s.logger.Debug().
			Str("event", "relay.record_end_failed").
			Str("session_id", sessionID).
			Err(err).
			Msg("persistence update dropped")
	}
	s.push.SendToUser(ctx, sd.UserID, push.SessionEnded(sessionID, sd.SessionName))
	s.emitSessionsUpdated(ctx, sd.UserID)
	s.logger.Info().
		Str("event", "relay.session_killed").
		Str("session_id", sessionID).
		Msg("session torn down")
	return nil
}

func (s *Server) awaitSpawn(sessionID string) chan spawnOutcome {
	ch := make(chan spawnOutcome, 1)
	s.mu.Lock()
	s.spawns[sessionID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Server) forgetSpawn(sessionID string) {
	s.mu.Lock()
	delete(s.spawns, sessionID)
	s.mu.Unlock()
}

// resolveSpawn completes a pending spawn wait with the runner's lifecycle
// report. Returns false when no waiter lives on this node.
func (s *Server) resolveSpawn(sessionID string, env protocol.Envelope) bool {
	s.mu.Lock()
	ch, ok := s.spawns[sessionID]
	if ok {
		delete(s.spawns, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	var out spawnOutcome
	if env.Event != protocol.EventSessionReady {
		msg := "session spawn failed"
		var p protocol.SessionLifecycle
		if err := protocol.DecodeData(env, &p); err == nil && p.Message != "" {
			msg = p.Message
		}
		out.err = errors.New(msg)
	}
	select {
	case ch <- out:
	default:
	}
	return true
}

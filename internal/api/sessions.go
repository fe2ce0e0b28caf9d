// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/relay"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
)

const persistedListLimit = 200

// handleListSessions merges the live registry with the persisted history:
// live entries win, ended sessions fill in from SQLite so the UI can still
// open their snapshots.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	live, err := s.state.ListSessions(ctx, identity.UserID)
	if err != nil {
		s.logger.Warn().Str("event", "api.sessions_list_failed").Err(err).Msg("live session list unavailable")
		writeServiceUnavailable(w)
		return
	}

	merged := make(map[string]protocol.SessionInfo, len(live))
	for _, sd := range live {
		merged[sd.SessionID] = protocol.SessionInfo{
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
		}
	}

	rows, err := s.store.ListForUser(ctx, identity.UserID, persistedListLimit)
	if err != nil {
		s.logger.Warn().Str("event", "api.sessions_history_failed").Err(err).Msg("persisted session list unavailable")
	}
	for _, row := range rows {
		if _, exists := merged[row.SessionID]; exists {
			continue
		}
		merged[row.SessionID] = protocol.SessionInfo{
			SessionID:   row.SessionID,
			SessionName: row.SessionName,
			Cwd:         row.Cwd,
			ShareURL:    row.ShareURL,
			StartedAt:   row.StartedAt,
			RunnerID:    row.RunnerID,
			RunnerName:  row.RunnerName,
			IsEphemeral: row.IsEphemeral,
		}
	}

	out := make([]protocol.SessionInfo, 0, len(merged))
	for _, info := range merged {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt > out[j].StartedAt
		}
		return out[i].SessionID < out[j].SessionID
	})

	writeJSON(w, http.StatusOK, protocol.SessionsUpdated{Sessions: out})
}

type snapshotResponse struct {
	SessionID string          `json:"sessionId"`
	IsActive  bool            `json:"isActive"`
	State     json.RawMessage `json:"state,omitempty"`
	UpdatedAt int64           `json:"updatedAt,omitempty"` // unix ms
}

// handleSessionSnapshot serves the freshest state document: the live hash
// first, the persisted row as fallback once the session aged out of C1.
func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	sd, err := s.state.GetSession(ctx, sessionID)
	switch {
	case err == nil:
		if sd.UserID != identity.UserID {
			writeNotFound(w)
			return
		}
		if len(sd.LastState) > 0 {
			writeJSON(w, http.StatusOK, snapshotResponse{
				SessionID: sessionID,
				IsActive:  sd.IsActive,
				State:     sd.LastState,
				UpdatedAt: sd.LastHeartbeatAt,
			})
			return
		}
	case !errors.Is(err, state.ErrNotFound):
		writeServiceUnavailable(w)
		return
	}

	snap, err := s.store.GetSnapshot(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeNotFound(w)
			return
		}
		writeServiceUnavailable(w)
		return
	}
	if snap.Session.UserID != identity.UserID {
		writeNotFound(w)
		return
	}

	writeJSON(w, http.StatusOK, snapshotResponse{
		SessionID: sessionID,
		State:     snap.State,
		UpdatedAt: snap.StateUpdatedAt,
	})
}

type spawnRequest struct {
	RunnerID    string `json:"runnerId,omitempty"`
	Cwd         string `json:"cwd"`
	SessionName string `json:"sessionName,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	CollabMode  bool   `json:"collabMode,omitempty"`
	IsEphemeral *bool  `json:"isEphemeral,omitempty"`
}

// handleSpawnSession asks a connected runner to start a session and blocks
// until it reports ready or errors out.
func (s *Server) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req spawnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Cwd == "" {
		writeError(w, http.StatusBadRequest, "cwd is required")
		return
	}

	result, err := s.relay.SpawnSession(r.Context(), identity, relay.SpawnRequest{
		RunnerID:    req.RunnerID,
		Cwd:         req.Cwd,
		SessionName: req.SessionName,
		Prompt:      req.Prompt,
		CollabMode:  req.CollabMode,
		IsEphemeral: req.IsEphemeral,
	})
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrNoRunner):
			writeError(w, http.StatusConflict, "no runner available for this folder")
		case errors.Is(err, relay.ErrSpawnTimeout):
			writeError(w, http.StatusGatewayTimeout, "runner did not answer in time")
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// handleKillSession tears a session down everywhere. Unknown ids succeed;
// the caller wanted it gone and it is.
func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}

	err := s.relay.KillSession(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeNotFound(w)
			return
		}
		writeServiceUnavailable(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/pizzapi/relay/internal/protocol"
)

const recentFoldersLimit = 20

// handleListRunners reports the connected runners visible to the caller,
// same shape the hub socket pushes.
func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}

	runners, err := s.state.ListRunners(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Warn().Str("event", "api.runners_list_failed").Err(err).Msg("runner list unavailable")
		writeServiceUnavailable(w)
		return
	}

	out := protocol.RunnersUpdated{Runners: make([]protocol.RunnerInfo, 0, len(runners))}
	for _, rd := range runners {
		out.Runners = append(out.Runners, protocol.RunnerInfo{
			RunnerID: rd.RunnerID,
			Name:     rd.Name,
			Roots:    rd.Roots,
			Skills:   rd.Skills,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type foldersResponse struct {
	Folders []string `json:"folders"`
}

// handleRecentFolders lists the caller's working directories, most recent
// first, for the new-session picker.
func (s *Server) handleRecentFolders(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}

	folders, err := s.store.RecentFolders(r.Context(), identity.UserID, recentFoldersLimit)
	if err != nil {
		writeServiceUnavailable(w)
		return
	}
	if folders == nil {
		folders = []string{}
	}
	writeJSON(w, http.StatusOK, foldersResponse{Folders: folders})
}

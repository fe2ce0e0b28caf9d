// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
	"strconv"

	"github.com/pizzapi/relay/internal/protocol"
)

// Hash field names. These are shared state across relay nodes and versions;
// renaming one is a wire-format change.
const (
	fieldSessionID       = "sessionId"
	fieldToken           = "token"
	fieldCwd             = "cwd"
	fieldShareURL        = "shareUrl"
	fieldStartedAt       = "startedAt"
	fieldUserID          = "userId"
	fieldUserName        = "userName"
	fieldSessionName     = "sessionName"
	fieldCollabMode      = "collabMode"
	fieldIsActive        = "isActive"
	fieldLastHeartbeatAt = "lastHeartbeatAt"
	fieldLastHeartbeat   = "lastHeartbeat"
	fieldLastState       = "lastState"
	fieldRunnerID        = "runnerId"
	fieldRunnerName      = "runnerName"
	fieldIsEphemeral     = "isEphemeral"
	fieldExpiresAt       = "expiresAt"

	fieldName       = "name"
	fieldRoots      = "roots"
	fieldSkills     = "skills"
	fieldSpawned    = "spawned"
	fieldExited     = "exited"
	fieldSpawnOpts  = "spawnOpts"
	fieldTerminalID = "terminalId"
)

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBoolField(s string) bool { return s == "1" || s == "true" }

func intField(i int64) string { return strconv.FormatInt(i, 10) }

func parseIntField(s string) int64 {
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}

func sessionToMap(s *SessionData) map[string]any {
	m := map[string]any{
		fieldSessionID:   s.SessionID,
		fieldToken:       s.Token,
		fieldCwd:         s.Cwd,
		fieldShareURL:    s.ShareURL,
		fieldStartedAt:   intField(s.StartedAt),
		fieldUserID:      s.UserID,
		fieldUserName:    s.UserName,
		fieldSessionName: s.SessionName,
		fieldCollabMode:  boolField(s.CollabMode),
		fieldIsActive:    boolField(s.IsActive),
		fieldRunnerID:    s.RunnerID,
		fieldRunnerName:  s.RunnerName,
		fieldIsEphemeral: boolField(s.IsEphemeral),
		fieldExpiresAt:   intField(s.ExpiresAt),
	}
	if s.LastHeartbeatAt != 0 {
		m[fieldLastHeartbeatAt] = intField(s.LastHeartbeatAt)
	}
	if len(s.LastHeartbeat) > 0 {
		m[fieldLastHeartbeat] = string(s.LastHeartbeat)
	}
	if len(s.LastState) > 0 {
		m[fieldLastState] = string(s.LastState)
	}
	return m
}

func sessionFromMap(m map[string]string) *SessionData {
	s := &SessionData{
		SessionID:       m[fieldSessionID],
		Token:           m[fieldToken],
		Cwd:             m[fieldCwd],
		ShareURL:        m[fieldShareURL],
		StartedAt:       parseIntField(m[fieldStartedAt]),
		UserID:          m[fieldUserID],
		UserName:        m[fieldUserName],
		SessionName:     m[fieldSessionName],
		CollabMode:      parseBoolField(m[fieldCollabMode]),
		IsActive:        parseBoolField(m[fieldIsActive]),
		LastHeartbeatAt: parseIntField(m[fieldLastHeartbeatAt]),
		RunnerID:        m[fieldRunnerID],
		RunnerName:      m[fieldRunnerName],
		IsEphemeral:     parseBoolField(m[fieldIsEphemeral]),
		ExpiresAt:       parseIntField(m[fieldExpiresAt]),
	}
	if v, ok := m[fieldLastHeartbeat]; ok && v != "" {
		s.LastHeartbeat = json.RawMessage(v)
	}
	if v, ok := m[fieldLastState]; ok && v != "" {
		s.LastState = json.RawMessage(v)
	}
	return s
}

func (p SessionPatch) toMap() map[string]any {
	m := make(map[string]any)
	if p.SessionName != nil {
		m[fieldSessionName] = *p.SessionName
	}
	if p.CollabMode != nil {
		m[fieldCollabMode] = boolField(*p.CollabMode)
	}
	if p.IsActive != nil {
		m[fieldIsActive] = boolField(*p.IsActive)
	}
	if p.LastHeartbeatAt != nil {
		m[fieldLastHeartbeatAt] = intField(*p.LastHeartbeatAt)
	}
	if p.LastHeartbeat != nil {
		m[fieldLastHeartbeat] = string(p.LastHeartbeat)
	}
	if p.LastState != nil {
		m[fieldLastState] = string(p.LastState)
	}
	if p.RunnerID != nil {
		m[fieldRunnerID] = *p.RunnerID
	}
	if p.RunnerName != nil {
		m[fieldRunnerName] = *p.RunnerName
	}
	if p.ExpiresAt != nil {
		m[fieldExpiresAt] = intField(*p.ExpiresAt)
	}
	return m
}

func runnerToMap(r *RunnerData) map[string]any {
	roots, _ := json.Marshal(r.Roots)
	skills, _ := json.Marshal(r.Skills)
	return map[string]any{
		fieldRunnerID: r.RunnerID,
		fieldUserID:   r.UserID,
		fieldUserName: r.UserName,
		fieldName:     r.Name,
		fieldRoots:    string(roots),
		fieldSkills:   string(skills),
	}
}

func runnerFromMap(m map[string]string) *RunnerData {
	r := &RunnerData{
		RunnerID: m[fieldRunnerID],
		UserID:   m[fieldUserID],
		UserName: m[fieldUserName],
		Name:     m[fieldName],
	}
	if v := m[fieldRoots]; v != "" {
		var roots []string
		if err := json.Unmarshal([]byte(v), &roots); err == nil {
			r.Roots = roots
		}
	}
	if v := m[fieldSkills]; v != "" {
		var skills []protocol.RunnerSkill
		if err := json.Unmarshal([]byte(v), &skills); err == nil {
			r.Skills = skills
		}
	}
	return r
}

func terminalToMap(t *TerminalData) map[string]any {
	m := map[string]any{
		fieldTerminalID: t.TerminalID,
		fieldRunnerID:   t.RunnerID,
		fieldUserID:     t.UserID,
		fieldSpawned:    boolField(t.Spawned),
		fieldExited:     boolField(t.Exited),
	}
	if len(t.SpawnOpts) > 0 {
		m[fieldSpawnOpts] = string(t.SpawnOpts)
	}
	return m
}

func terminalFromMap(m map[string]string) *TerminalData {
	t := &TerminalData{
		TerminalID: m[fieldTerminalID],
		RunnerID:   m[fieldRunnerID],
		UserID:     m[fieldUserID],
		Spawned:    parseBoolField(m[fieldSpawned]),
		Exited:     parseBoolField(m[fieldExited]),
	}
	if v := m[fieldSpawnOpts]; v != "" {
		t.SpawnOpts = json.RawMessage(v)
	}
	return t
}

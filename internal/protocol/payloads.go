// SPDX-License-Identifier: MIT

package protocol

import "encoding/json"

// RunnerSkill describes one capability advertised by a runner.
type RunnerSkill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
}

// RegisterRunner is the runner's registration request. RunnerID is the id the
// runner proposes; the relay replies with the authoritative one.
type RegisterRunner struct {
	RunnerID string        `json:"runnerId,omitempty"`
	Name     string        `json:"name,omitempty"`
	Roots    []string      `json:"roots,omitempty"`
	Skills   []RunnerSkill `json:"skills,omitempty"`
}

// RunnerRegistered acknowledges a registration with the authoritative id.
// ConnID and ResumeToken let the runner resume its outbound stream after a
// short drop.
type RunnerRegistered struct {
	RunnerID    string `json:"runnerId"`
	ConnID      string `json:"connId,omitempty"`
	ResumeToken string `json:"resumeToken,omitempty"`
}

// SpawnOpts carries optional terminal/session spawn parameters.
type SpawnOpts struct {
	Cwd  string   `json:"cwd,omitempty"`
	Env  []string `json:"env,omitempty"`
	Cols int      `json:"cols,omitempty"`
	Rows int      `json:"rows,omitempty"`
}

// NewSession instructs a runner to spawn a session worker. CollabMode and
// IsEphemeral flow through the runner into the worker's own handshake.
type NewSession struct {
	SessionID   string     `json:"sessionId"`
	Cwd         string     `json:"cwd"`
	SessionName string     `json:"sessionName,omitempty"`
	Prompt      string     `json:"prompt,omitempty"`
	CollabMode  bool       `json:"collabMode,omitempty"`
	IsEphemeral *bool      `json:"isEphemeral,omitempty"`
	SpawnOpts   *SpawnOpts `json:"spawnOpts,omitempty"`
}

// KillSession targets a session by id; killing an unknown session is a no-op.
type KillSession struct {
	SessionID string `json:"sessionId"`
}

// RunnerSessionEvent is an agent event published by a runner-attached worker
// before or instead of a direct producer connection.
type RunnerSessionEvent struct {
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// SessionLifecycle reports session spawn progress from a runner.
type SessionLifecycle struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// NewTerminal instructs a runner to spawn a PTY.
type NewTerminal struct {
	TerminalID string     `json:"terminalId"`
	SpawnOpts  *SpawnOpts `json:"spawnOpts,omitempty"`
}

// TerminalData carries raw PTY bytes in either direction.
type TerminalData struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalResize adjusts a PTY's window size.
type TerminalResize struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// TerminalLifecycle reports PTY spawn/exit from a runner.
type TerminalLifecycle struct {
	TerminalID string `json:"terminalId"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

// RegisterSession is the producer handshake payload. Token is the bearer
// secret minted by the CLI at session creation.
type RegisterSession struct {
	SessionID   string `json:"sessionId"`
	Token       string `json:"token"`
	Cwd         string `json:"cwd,omitempty"`
	ShareURL    string `json:"shareUrl,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	CollabMode  bool   `json:"collabMode,omitempty"`
	IsEphemeral *bool  `json:"isEphemeral,omitempty"`
	RunnerID    string `json:"runnerId,omitempty"`
	RunnerName  string `json:"runnerName,omitempty"`
}

// SessionRegistered acknowledges a producer handshake with the canonical id.
type SessionRegistered struct {
	SessionID string `json:"sessionId"`
	ShareURL  string `json:"shareUrl,omitempty"`
}

// StateUpdate replaces the session's last known state snapshot.
type StateUpdate struct {
	State json.RawMessage `json:"state"`
}

// EventOut is the relay-to-viewer event frame. Seq is assigned at publish
// time; Replay marks frames re-sent from a snapshot or cache.
type EventOut struct {
	Event  json.RawMessage `json:"event"`
	Seq    int64           `json:"seq,omitempty"`
	Replay bool            `json:"replay,omitempty"`
}

// ConnectedAck is the relay's viewer-join acknowledgment. ConnID and
// ResumeToken let the viewer resume its outbound stream after a short drop.
type ConnectedAck struct {
	SessionID       string `json:"sessionId"`
	LastSeq         int64  `json:"lastSeq"`
	IsActive        bool   `json:"isActive"`
	SessionName     string `json:"sessionName,omitempty"`
	LastHeartbeatAt int64  `json:"lastHeartbeatAt,omitempty"`
	ReplayOnly      bool   `json:"replayOnly,omitempty"`
	ConnID          string `json:"connId,omitempty"`
	ResumeToken     string `json:"resumeToken,omitempty"`
}

// InputAttachment references an uploaded attachment or an external URL.
// An attachment with neither is invalid and is dropped during sanitizing.
type InputAttachment struct {
	AttachmentID string `json:"attachmentId,omitempty"`
	URL          string `json:"url,omitempty"`
	Filename     string `json:"filename,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
}

// Input is viewer-originated steering text for the producer.
type Input struct {
	Text        string            `json:"text"`
	Attachments []InputAttachment `json:"attachments,omitempty"`
	Client      string            `json:"client,omitempty"`
	DeliverAs   string            `json:"deliverAs,omitempty"`
}

// ModelSet switches the producer's model.
type ModelSet struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// Exec asks the producer to run a command; the result is routed back to the
// issuing viewer by ID.
type Exec struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// ExecResult is the producer's answer to an Exec.
type ExecResult struct {
	ID     string          `json:"id"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Disconnected tells a viewer why the relay is closing its subscription.
type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

// ViewerConnected tells a producer that a viewer greeted its session.
type ViewerConnected struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
}

// RunnerInfo is the hub-facing summary of a live runner.
type RunnerInfo struct {
	RunnerID string        `json:"runnerId"`
	Name     string        `json:"name,omitempty"`
	Roots    []string      `json:"roots,omitempty"`
	Skills   []RunnerSkill `json:"skills,omitempty"`
}

// RunnersUpdated carries the current runner set for a user's hub room.
type RunnersUpdated struct {
	Runners []RunnerInfo `json:"runners"`
}

// SessionInfo is the hub-facing summary of a session.
type SessionInfo struct {
	SessionID       string `json:"sessionId"`
	SessionName     string `json:"sessionName,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	ShareURL        string `json:"shareUrl,omitempty"`
	IsActive        bool   `json:"isActive"`
	StartedAt       int64  `json:"startedAt,omitempty"`
	LastHeartbeatAt int64  `json:"lastHeartbeatAt,omitempty"`
	RunnerID        string `json:"runnerId,omitempty"`
	RunnerName      string `json:"runnerName,omitempty"`
	IsEphemeral     bool   `json:"isEphemeral,omitempty"`
	CollabMode      bool   `json:"collabMode,omitempty"`
}

// SessionsUpdated carries the current session set for a user's hub room.
type SessionsUpdated struct {
	Sessions []SessionInfo `json:"sessions"`
}

// TerminalInfo is the browser-facing summary of a PTY.
type TerminalInfo struct {
	TerminalID string `json:"terminalId"`
	RunnerID   string `json:"runnerId"`
	Spawned    bool   `json:"spawned"`
	Exited     bool   `json:"exited"`
}

// TerminalsUpdated answers a list_terminals request.
type TerminalsUpdated struct {
	Terminals []TerminalInfo `json:"terminals"`
}

// ErrorMsg is sent before disconnecting a misbehaving client.
type ErrorMsg struct {
	Message string `json:"message"`
}

// SanitizeAttachments drops attachments that carry neither an attachment id
// nor a URL. The returned slice aliases the input where possible.
func SanitizeAttachments(in []InputAttachment) []InputAttachment {
	out := in[:0]
	for _, a := range in {
		if a.AttachmentID == "" && a.URL == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

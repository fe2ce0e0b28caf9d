// SPDX-License-Identifier: MIT

// Package protocol defines the wire format shared by runners, producer TUIs
// and browser viewers. Every frame is a JSON envelope with an event name and
// a payload; payload field names are part of the public protocol and must not
// change.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Socket namespaces multiplexed over the single HTTP listener.
const (
	NamespaceRunner   = "/runner"
	NamespaceRelay    = "/relay"
	NamespaceViewer   = "/viewer"
	NamespaceTerminal = "/terminal"
	NamespaceHub      = "/hub"
)

// Runner namespace events.
const (
	// Runner → Relay
	EventRegisterRunner     = "register_runner"
	EventSkillsList         = "skills_list"
	EventSkillResult        = "skill_result"
	EventFileResult         = "file_result"
	EventRunnerSessionEvent = "runner_session_event"
	EventSessionReady       = "session_ready"
	EventSessionError       = "session_error"
	EventSessionKilled      = "session_killed"
	EventTerminalReady      = "terminal_ready"
	EventTerminalData       = "terminal_data"
	EventTerminalExit       = "terminal_exit"
	EventTerminalError      = "terminal_error"

	// Relay → Runner
	EventRunnerRegistered = "runner_registered"
	EventNewSession       = "new_session"
	EventKillSession      = "kill_session"
	EventListSessions     = "list_sessions"
	EventRestart          = "restart"
	EventShutdown         = "shutdown"
	EventPing             = "ping"
	EventNewTerminal      = "new_terminal"
	EventTerminalInput    = "terminal_input"
	EventTerminalResize   = "terminal_resize"
	EventKillTerminal     = "kill_terminal"
	EventListTerminals    = "list_terminals"
	EventListSkills       = "list_skills"
	EventCreateSkill      = "create_skill"
	EventUpdateSkill      = "update_skill"
	EventDeleteSkill      = "delete_skill"
	EventGetSkill         = "get_skill"
	EventListFiles        = "list_files"
	EventReadFile         = "read_file"
	EventGitStatus        = "git_status"
	EventGitDiff          = "git_diff"
)

// Producer (TUI) namespace events.
const (
	// Producer → Relay
	EventHeartbeat   = "heartbeat"
	EventAgentEvent  = "agent_event"
	EventStateUpdate = "state_update"
	EventExecResult  = "exec_result"

	// Relay → Producer
	EventSessionRegistered = "session_registered"
	EventViewerConnected   = "viewer_connected"
)

// Viewer namespace events. EventConnected doubles as the viewer greeting
// (C→S) and the relay's join acknowledgment (S→C).
const (
	// Viewer → Relay
	EventConnected = "connected"
	EventResync    = "resync"
	EventInput     = "input"
	EventModelSet  = "model_set"
	EventExec      = "exec"

	// Relay → Viewer
	EventEvent        = "event"
	EventDisconnected = "disconnected"
)

// EventError is valid in every namespace.
const EventError = "error"

// Hub namespace events. list_runners mirrors list_sessions; both are
// C→S requests answered with the matching *_updated frame.
const (
	EventListRunners     = "list_runners"
	EventRunnersUpdated  = "runners_updated"
	EventSessionsUpdated = "sessions_updated"
)

// Agent event types the relay inspects. All other types pass through opaque.
const (
	TypeAgentEnd      = "agent_end"
	TypeAgentError    = "agent_error"
	TypeInputRequest  = "input_request"
	TypeSessionActive = "session_active"
)

// Push notification taxonomy.
const (
	PushAgentFinished   = "agent_finished"
	PushAgentError      = "agent_error"
	PushAgentNeedsInput = "agent_needs_input"
	PushSessionStarted  = "session_started"
	PushSessionEnded    = "session_ended"
)

// Envelope wraps every socket frame. RequestID correlates request/response
// pairs such as list_sessions or read_file.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ErrMissingEvent is returned when a frame has no event name.
var ErrMissingEvent = errors.New("protocol: frame is missing event name")

// Decode parses a raw frame into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Encode marshals an event with the given payload into a frame.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
		}
		env.Data = payload
	}
	return json.Marshal(env)
}

// EncodeReply marshals a response frame carrying the request id it answers.
func EncodeReply(event, requestID string, data any) ([]byte, error) {
	env := Envelope{Event: event, RequestID: requestID}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", event, err)
		}
		env.Data = payload
	}
	return json.Marshal(env)
}

// DecodeData unmarshals an envelope payload into dst.
func DecodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("protocol: %s frame has no payload", env.Event)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("protocol: malformed %s payload: %w", env.Event, err)
	}
	return nil
}

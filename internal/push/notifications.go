// SPDX-License-Identifier: MIT

package push

import "github.com/pizzapi/relay/internal/protocol"

// sessionTitle falls back to a generic title for unnamed sessions.
func sessionTitle(sessionName string) string {
	if sessionName == "" {
		return "PizzaPi"
	}
	return sessionName
}

// AgentFinished announces a completed agent run.
func AgentFinished(sessionID, sessionName string) Notification {
	return Notification{
		Type:      protocol.PushAgentFinished,
		Title:     sessionTitle(sessionName),
		Body:      "Agent finished",
		SessionID: sessionID,
	}
}

// AgentError announces a failed agent run.
func AgentError(sessionID, sessionName string) Notification {
	return Notification{
		Type:      protocol.PushAgentError,
		Title:     sessionTitle(sessionName),
		Body:      "Agent hit an error",
		SessionID: sessionID,
	}
}

// AgentNeedsInput announces the agent waiting on the user.
func AgentNeedsInput(sessionID, sessionName string) Notification {
	return Notification{
		Type:      protocol.PushAgentNeedsInput,
		Title:     sessionTitle(sessionName),
		Body:      "Agent needs your input",
		SessionID: sessionID,
	}
}

// SessionStarted announces a new session.
func SessionStarted(sessionID, sessionName string) Notification {
	return Notification{
		Type:      protocol.PushSessionStarted,
		Title:     sessionTitle(sessionName),
		Body:      "Session started",
		SessionID: sessionID,
	}
}

// SessionEnded announces a finished session.
func SessionEnded(sessionID, sessionName string) Notification {
	return Notification{
		Type:      protocol.PushSessionEnded,
		Title:     sessionTitle(sessionName),
		Body:      "Session ended",
		SessionID: sessionID,
	}
}

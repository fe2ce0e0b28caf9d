// SPDX-License-Identifier: MIT

package protocol

import (
	"bytes"
	"encoding/json"
)

var jsonNull = []byte("null")

// snapshotProbe is the subset of an agent event needed for classification.
type snapshotProbe struct {
	Type     string          `json:"type"`
	Messages json.RawMessage `json:"messages"`
	State    json.RawMessage `json:"state"`
}

// IsSnapshot reports whether an event fully describes session state: an
// agent_end carrying a messages array, or a session_active carrying state.
func IsSnapshot(event json.RawMessage) bool {
	if len(event) == 0 {
		return false
	}
	var probe snapshotProbe
	if err := json.Unmarshal(event, &probe); err != nil {
		return false
	}
	switch probe.Type {
	case TypeAgentEnd:
		return isJSONArray(probe.Messages)
	case TypeSessionActive:
		return isPresent(probe.State)
	}
	return false
}

// EventType returns the type discriminator of an opaque agent event, or
// the empty string when the event carries none.
func EventType(event json.RawMessage) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(event, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// SnapshotState extracts the state document carried by a snapshot event: the
// state member of a session_active, or the whole event for an agent_end. The
// second return is false for non-snapshot events.
func SnapshotState(event json.RawMessage) (json.RawMessage, bool) {
	if len(event) == 0 {
		return nil, false
	}
	var probe snapshotProbe
	if err := json.Unmarshal(event, &probe); err != nil {
		return nil, false
	}
	switch probe.Type {
	case TypeAgentEnd:
		if isJSONArray(probe.Messages) {
			return event, true
		}
	case TypeSessionActive:
		if isPresent(probe.State) {
			return probe.State, true
		}
	}
	return nil, false
}

// SessionActiveEvent builds a session_active event wrapping the given state.
func SessionActiveEvent(state json.RawMessage) json.RawMessage {
	payload, err := json.Marshal(struct {
		Type  string          `json:"type"`
		State json.RawMessage `json:"state"`
	}{Type: TypeSessionActive, State: state})
	if err != nil {
		return nil
	}
	return payload
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, jsonNull)
}

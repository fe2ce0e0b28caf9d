// SPDX-License-Identifier: MIT

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantEvent string
		wantErr   bool
	}{
		{
			name:      "event with payload",
			raw:       `{"event":"heartbeat","data":{"payload":{"cpu":1}}}`,
			wantEvent: "heartbeat",
		},
		{
			name:      "event without payload",
			raw:       `{"event":"resync"}`,
			wantEvent: "resync",
		},
		{
			name:      "request correlation",
			raw:       `{"event":"list_sessions","requestId":"r-1"}`,
			wantEvent: "list_sessions",
		},
		{
			name:    "missing event name",
			raw:     `{"data":{}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEvent, env.Event)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	raw, err := Encode(EventConnected, ConnectedAck{
		SessionID:   "sess-1",
		LastSeq:     41,
		IsActive:    true,
		SessionName: "fix-ci",
	})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EventConnected, env.Event)

	var ack ConnectedAck
	require.NoError(t, DecodeData(env, &ack))
	assert.Equal(t, "sess-1", ack.SessionID)
	assert.Equal(t, int64(41), ack.LastSeq)
	assert.True(t, ack.IsActive)
}

func TestEncodeReplyCarriesRequestID(t *testing.T) {
	raw, err := EncodeReply(EventSkillsList, "req-7", []RunnerSkill{{Name: "review"}})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "req-7", env.RequestID)
}

func TestWireFieldNames(t *testing.T) {
	// Field names are consumed by existing clients and must not drift.
	raw, err := json.Marshal(ConnectedAck{SessionID: "s", LastSeq: 3, IsActive: true, LastHeartbeatAt: 99})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":"s","lastSeq":3,"isActive":true,"lastHeartbeatAt":99}`, string(raw))

	raw, err = json.Marshal(EventOut{Event: json.RawMessage(`{"type":"text"}`), Seq: 5, Replay: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":{"type":"text"},"seq":5,"replay":true}`, string(raw))
}

func TestIsSnapshot(t *testing.T) {
	tests := []struct {
		name  string
		event string
		want  bool
	}{
		{
			name:  "agent_end with messages array",
			event: `{"type":"agent_end","messages":[{"role":"assistant"}]}`,
			want:  true,
		},
		{
			name:  "agent_end with empty messages array",
			event: `{"type":"agent_end","messages":[]}`,
			want:  true,
		},
		{
			name:  "agent_end without messages",
			event: `{"type":"agent_end"}`,
			want:  false,
		},
		{
			name:  "agent_end with non-array messages",
			event: `{"type":"agent_end","messages":"oops"}`,
			want:  false,
		},
		{
			name:  "session_active with state",
			event: `{"type":"session_active","state":{"model":"big"}}`,
			want:  true,
		},
		{
			name:  "session_active with null state",
			event: `{"type":"session_active","state":null}`,
			want:  false,
		},
		{
			name:  "plain text delta",
			event: `{"type":"text","delta":"hi"}`,
			want:  false,
		},
		{
			name:  "malformed",
			event: `{"type":`,
			want:  false,
		},
		{
			name:  "empty",
			event: ``,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsSnapshot(json.RawMessage(tt.event))
			if got != tt.want {
				t.Errorf("IsSnapshot(%s) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestSessionActiveEvent(t *testing.T) {
	event := SessionActiveEvent(json.RawMessage(`{"model":"big"}`))
	require.NotNil(t, event)
	assert.JSONEq(t, `{"type":"session_active","state":{"model":"big"}}`, string(event))
	assert.True(t, IsSnapshot(event))
}

func TestEventType(t *testing.T) {
	assert.Equal(t, "text", EventType(json.RawMessage(`{"type":"text","delta":"hi"}`)))
	assert.Equal(t, "", EventType(json.RawMessage(`{"delta":"hi"}`)))
	assert.Equal(t, "", EventType(json.RawMessage(`{"type":`)))
}

func TestSnapshotState(t *testing.T) {
	// session_active yields its embedded state document.
	st, ok := SnapshotState(json.RawMessage(`{"type":"session_active","state":{"model":"big"}}`))
	require.True(t, ok)
	assert.JSONEq(t, `{"model":"big"}`, string(st))

	// agent_end yields the whole event so replay keeps the messages.
	event := json.RawMessage(`{"type":"agent_end","messages":[{"role":"assistant"}]}`)
	st, ok = SnapshotState(event)
	require.True(t, ok)
	assert.JSONEq(t, string(event), string(st))

	_, ok = SnapshotState(json.RawMessage(`{"type":"text","delta":"hi"}`))
	assert.False(t, ok)
	_, ok = SnapshotState(json.RawMessage(`{"type":"session_active","state":null}`))
	assert.False(t, ok)
	_, ok = SnapshotState(nil)
	assert.False(t, ok)
}

func TestSanitizeAttachments(t *testing.T) {
	in := []InputAttachment{
		{AttachmentID: "a-1"},
		{URL: "https://cdn.example/x.png"},
		{Filename: "naked.txt"}, // neither id nor url
		{},
	}
	out := SanitizeAttachments(in)
	require.Len(t, out, 2)
	assert.Equal(t, "a-1", out[0].AttachmentID)
	assert.Equal(t, "https://cdn.example/x.png", out[1].URL)
}

// SPDX-License-Identifier: MIT

package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pizzapi/relay/internal/bus"
	"github.com/pizzapi/relay/internal/eventcache"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/state"
)

func TestHubSeesRunnerComeAndGo(t *testing.T) {
	node := newNode(t, state.NewMemoryStore(), eventcache.Nop{}, bus.NewMemory("n1"))

	hub := dialNode(t, node, "/socket/hub")
	runner := dialNode(t, node, "/socket/runner")
	writeFrame(t, runner, protocol.EventRegisterRunner, protocol.RegisterRunner{
		Name:  "macbook",
		Roots: []string{"/work"},
	})
	_ = readFrame(t, runner)

	// Registration pushes the inventory without being asked.
	env := readFrame(t, hub)
	require.Equal(t, protocol.EventRunnersUpdated, env.Event)
	ru := decodeInto[protocol.RunnersUpdated](t, env)
	require.Len(t, ru.Runners, 1)
	assert.Equal(t, "macbook", ru.Runners[0].Name)
	assert.Equal(t, []string{"/work"}, ru.Runners[0].Roots)

	// An explicit query carries the request id back on the reply.
	writeRequest(t, hub, protocol.EventListRunners, "q-1", nil)
	env = readFrame(t, hub)
	require.Equal(t, protocol.EventRunnersUpdated, env.Event)
	assert.Equal(t, "q-1", env.RequestID)
}

func TestHubSessionsBroadcastOnProducerAttach(t *testing.T) {
	node := newNode(t, state.NewMemoryStore(), eventcache.Nop{}, bus.NewMemory("n1"))

	hub := dialNode(t, node, "/socket/hub")
	producer := dialNode(t, node, "/socket/relay?sessionId=sess-1&sessionToken=tok-1&sessionName=fix-auth-bug")
	_ = readFrame(t, producer)

	env := readFrame(t, hub)
	require.Equal(t, protocol.EventSessionsUpdated, env.Event)
	su := decodeInto[protocol.SessionsUpdated](t, env)
	require.Len(t, su.Sessions, 1)
	assert.Equal(t, "sess-1", su.Sessions[0].SessionID)
	assert.Equal(t, "fix-auth-bug", su.Sessions[0].SessionName)
	assert.True(t, su.Sessions[0].IsActive)
}

func TestHubRelaysSkillQueryToRunner(t *testing.T) {
	node := newNode(t, state.NewMemoryStore(), eventcache.Nop{}, bus.NewMemory("n1"))

	runner := dialNode(t, node, "/socket/runner")
	writeFrame(t, runner, protocol.EventRegisterRunner, protocol.RegisterRunner{Name: "macbook"})
	env := readFrame(t, runner)
	ack := decodeInto[protocol.RunnerRegistered](t, env)

	hub := dialNode(t, node, "/socket/hub")
	writeRequest(t, hub, protocol.EventListSkills, "q-7", map[string]string{"runnerId": ack.RunnerID})

	env = readFrame(t, runner)
	require.Equal(t, protocol.EventListSkills, env.Event)
	require.Equal(t, "q-7", env.RequestID)

	writeRequest(t, runner, protocol.EventSkillsList, "q-7", json.RawMessage(`{"skills":[{"name":"deploy"}]}`))

	env = readFrame(t, hub)
	require.Equal(t, protocol.EventSkillsList, env.Event)
	assert.Equal(t, "q-7", env.RequestID)
	assert.JSONEq(t, `{"skills":[{"name":"deploy"}]}`, string(env.Data))
}

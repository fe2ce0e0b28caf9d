// SPDX-License-Identifier: MIT

package relay

import (
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pizzapi/relay/internal/bus"
	"github.com/pizzapi/relay/internal/eventcache"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/state"
)

// registerTestRunner attaches a runner socket and returns it with its
// authoritative id.
func registerTestRunner(t *testing.T, node *testNode, roots ...string) (*websocket.Conn, string) {
	t.Helper()
	runner := dialNode(t, node, "/socket/runner")
	writeFrame(t, runner, protocol.EventRegisterRunner, protocol.RegisterRunner{
		Name:  "macbook",
		Roots: roots,
	})
	env := readFrame(t, runner)
	require.Equal(t, protocol.EventRunnerRegistered, env.Event)
	ack := decodeInto[protocol.RunnerRegistered](t, env)
	return runner, ack.RunnerID
}

func TestTerminalSpawnAndDataFlow(t *testing.T) {
	node := newNode(t, state.NewMemoryStore(), eventcache.Nop{}, bus.NewMemory("n1"))
	runner, runnerID := registerTestRunner(t, node)

	term := dialNode(t, node, "/socket/terminal?runnerId="+runnerID)
	writeRequest(t, term, protocol.EventNewTerminal, "t-1", protocol.NewTerminal{})

	env := readFrame(t, term)
	require.Equal(t, protocol.EventNewTerminal, env.Event)
	require.Equal(t, "t-1", env.RequestID)
	info := decodeInto[protocol.TerminalInfo](t, env)
	require.NotEmpty(t, info.TerminalID)
	assert.Equal(t, runnerID, info.RunnerID)

	env = readFrame(t, runner)
	require.Equal(t, protocol.EventNewTerminal, env.Event)
	nt := decodeInto[protocol.NewTerminal](t, env)
	assert.Equal(t, info.TerminalID, nt.TerminalID)

	writeFrame(t, runner, protocol.EventTerminalReady, protocol.TerminalLifecycle{TerminalID: info.TerminalID})
	env = readFrame(t, term)
	require.Equal(t, protocol.EventTerminalReady, env.Event)

	writeFrame(t, runner, protocol.EventTerminalData, protocol.TerminalData{TerminalID: info.TerminalID, Data: "$ "})
	env = readFrame(t, term)
	require.Equal(t, protocol.EventTerminalData, env.Event)
	td := decodeInto[protocol.TerminalData](t, env)
	assert.Equal(t, "$ ", td.Data)

	writeFrame(t, term, protocol.EventTerminalInput, protocol.TerminalData{TerminalID: info.TerminalID, Data: "ls\n"})
	env = readFrame(t, runner)
	require.Equal(t, protocol.EventTerminalInput, env.Event)
	in := decodeInto[protocol.TerminalData](t, env)
	assert.Equal(t, "ls\n", in.Data)
}

func TestTerminalCwdOutsideRootsRejected(t *testing.T) {
	node := newNode(t, state.NewMemoryStore(), eventcache.Nop{}, bus.NewMemory("n1"))
	_, runnerID := registerTestRunner(t, node, "/work")

	term := dialNode(t, node, "/socket/terminal?runnerId="+runnerID)
	writeRequest(t, term, protocol.EventNewTerminal, "t-1", protocol.NewTerminal{
		SpawnOpts: &protocol.SpawnOpts{Cwd: "/etc"},
	})

	env := readFrame(t, term)
	require.Equal(t, protocol.EventError, env.Event)
	assert.Equal(t, "t-1", env.RequestID)
	msg := decodeInto[protocol.ErrorMsg](t, env)
	assert.Equal(t, "cwd outside runner roots", msg.Message)
}

func TestTerminalUnknownRunnerRejected(t *testing.T) {
	node := newNode(t, state.NewMemoryStore(), eventcache.Nop{}, bus.NewMemory("n1"))

	u := "ws" + strings.TrimPrefix(node.http.URL, "http") + "/socket/terminal?runnerId=ghost"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestTerminalListSurvivesSocketDrop(t *testing.T) {
	shared := state.NewMemoryStore()
	node := newNode(t, shared, eventcache.Nop{}, bus.NewMemory("n1"))
	_, runnerID := registerTestRunner(t, node)

	term := dialNode(t, node, "/socket/terminal?runnerId="+runnerID)
	writeRequest(t, term, protocol.EventNewTerminal, "t-1", protocol.NewTerminal{})
	env := readFrame(t, term)
	info := decodeInto[protocol.TerminalInfo](t, env)
	require.NoError(t, term.Close())

	// The PTY record outlives the browser socket so a new one can reattach.
	reattached := dialNode(t, node, "/socket/terminal?runnerId="+runnerID)
	writeRequest(t, reattached, protocol.EventListTerminals, "t-2", nil)
	env = readFrame(t, reattached)
	require.Equal(t, protocol.EventListTerminals, env.Event)
	require.Equal(t, "t-2", env.RequestID)
	list := decodeInto[protocol.TerminalsUpdated](t, env)
	require.Len(t, list.Terminals, 1)
	assert.Equal(t, info.TerminalID, list.Terminals[0].TerminalID)
}

// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/bus"
	"github.com/pizzapi/relay/internal/eventcache"
	"github.com/pizzapi/relay/internal/protocol"
	"github.com/pizzapi/relay/internal/push"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
	"github.com/pizzapi/relay/internal/ws"
)

type testNode struct {
	srv  *Server
	http *httptest.Server
}

var testIdentity = auth.Identity{UserID: "u1", UserName: "max"}

// newNode assembles one relay node over the given shared backends and exposes
// its namespaces on a test HTTP server with a fixed authenticated identity.
func newNode(t *testing.T, shared state.Store, cache eventcache.Cache, b bus.Bus) *testNode {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "relay.db"), 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := NewServer(Deps{
		State:        shared,
		Cache:        cache,
		Store:        st,
		Registry:     registry.New(shared),
		Bus:          b,
		Topics:       bus.NewTopics(""),
		Push:         push.Disabled{},
		Upgrader:     ws.NewUpgrader(ws.Config{}),
		EphemeralTTL: time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/socket/runner", srv.ServeRunner)
	mux.HandleFunc("/socket/relay", srv.ServeRelay)
	mux.HandleFunc("/socket/viewer", srv.ServeViewer)
	mux.HandleFunc("/socket/terminal", srv.ServeTerminal)
	mux.HandleFunc("/socket/hub", srv.ServeHub)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), testIdentity)))
	}))
	t.Cleanup(httpSrv.Close)
	return &testNode{srv: srv, http: httpSrv}
}

// dialNode connects a test websocket client to one of the node's namespaces.
func dialNode(t *testing.T, n *testNode, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(n.http.URL, "http") + path
	c, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func writeFrame(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := protocol.Encode(event, data)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))
}

func writeRequest(t *testing.T, c *websocket.Conn, event, requestID string, data any) {
	t.Helper()
	frame, err := protocol.EncodeReply(event, requestID, data)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, frame))
}

func decodeInto[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, protocol.DecodeData(env, &out))
	return out
}

func TestProducerViewerFanOut(t *testing.T) {
	node := newNode(t, state.NewMemoryStore(), eventcache.Nop{}, bus.NewMemory("n1"))

	producer := dialNode(t, node, "/socket/relay?sessionId=sess-1&sessionToken=tok-1&sessionName=fix-auth-bug")
	env := readFrame(t, producer)
	require.Equal(t, protocol.EventSessionRegistered, env.Event)
	reg := decodeInto[protocol.SessionRegistered](t, env)
	assert.Equal(t, "sess-1", reg.SessionID)

	viewer := dialNode(t, node, "/socket/viewer?sessionId=sess-1")
	env = readFrame(t, viewer)
	require.Equal(t, protocol.EventConnected, env.Event)
	ack := decodeInto[protocol.ConnectedAck](t, env)
	assert.Equal(t, "sess-1", ack.SessionID)
	assert.Equal(t, int64(0), ack.LastSeq)
	assert.True(t, ack.IsActive)
	assert.False(t, ack.ReplayOnly)
	assert.Equal(t, "fix-auth-bug", ack.SessionName)

	writeFrame(t, producer, protocol.EventAgentEvent, json.RawMessage(`{"type":"text","delta":"hello"}`))

	env = readFrame(t, viewer)
	require.Equal(t, protocol.EventEvent, env.Event)
	out := decodeInto[protocol.EventOut](t, env)
	assert.Equal(t, int64(1), out.Seq)
	assert.False(t, out.Replay)
	assert.JSONEq(t, `{"type":"text","delta":"hello"}`, string(out.Event))
}

func TestHeartbeatAndStateReachViewers(t *testing.T) {
	node := newNode(t, state.NewMemoryStore(), eventcache.Nop{}, bus.NewMemory("n1"))

	producer := dialNode(t, node, "/socket/relay?sessionId=sess-1&sessionToken=tok-1")
	_ = readFrame(t, producer)
	viewer := dialNode(t, node, "/socket/viewer?sessionId=sess-1")
	_ = readFrame(t, viewer)

	writeFrame(t, producer, protocol.EventHeartbeat, json.RawMessage(`{"tokens":1234}`))
	env := readFrame(t, viewer)
	require.Equal(t, protocol.EventHeartbeat, env.Event)
	assert.JSONEq(t, `{"tokens":1234}`, string(env.Data))

	writeFrame(t, producer, protocol.EventStateUpdate, protocol.StateUpdate{
		State: json.RawMessage(`{"messages":[{"role":"user","text":"hi"}]}`),
	})
	env = readFrame(t, viewer)
	require.Equal(t, protocol.EventEvent, env.Event)
	out := decodeInto[protocol.EventOut](t, env)
	assert.Zero(t, out.Seq)
	assert.Equal(t, "session_active", protocol.EventType(out.Event))
}

func TestCrossNodeFanOut(t *testing.T) {
	shared := state.NewMemoryStore()
	fabric := bus.NewMemoryFabric()
	nodeA := newNode(t, shared, eventcache.Nop{}, fabric.Node("a"))
	nodeB := newNode(t, shared, eventcache.Nop{}, fabric.Node("b"))

	producer := dialNode(t, nodeA, "/socket/relay?sessionId=sess-1&sessionToken=tok-1")
	_ = readFrame(t, producer)

	viewer := dialNode(t, nodeB, "/socket/viewer?sessionId=sess-1")
	env := readFrame(t, viewer)
	require.Equal(t, protocol.EventConnected, env.Event)

	writeFrame(t, producer, protocol.EventAgentEvent, json.RawMessage(`{"type":"text","delta":"cross"}`))
	env = readFrame(t, viewer)
	require.Equal(t, protocol.EventEvent, env.Event)
	out := decodeInto[protocol.EventOut](t, env)
	assert.Equal(t, int64(1), out.Seq)
	assert.JSONEq(t, `{"type":"text","delta":"cross"}`, string(out.Event))
}

func TestDuplicateProducerRejected(t *testing.T) {
	node := newNode(t, state.NewMemoryStore(), eventcache.Nop{}, bus.NewMemory("n1"))

	first := dialNode(t, node, "/socket/relay?sessionId=sess-1&sessionToken=tok-1")
	_ = readFrame(t, first)

	u := "ws" + strings.TrimPrefix(node.http.URL, "http") + "/socket/relay?sessionId=sess-1&sessionToken=tok-1"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// A wrong token is refused the same way, leaking nothing about which
	// check failed.
	u = "ws" + strings.TrimPrefix(node.http.URL, "http") + "/socket/relay?sessionId=sess-1&sessionToken=wrong"
	_, resp, err = websocket.DefaultDialer.Dial(u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// The original producer is untouched.
	viewer := dialNode(t, node, "/socket/viewer?sessionId=sess-1")
	env := readFrame(t, viewer)
	require.Equal(t, protocol.EventConnected, env.Event)
	ack := decodeInto[protocol.ConnectedAck](t, env)
	assert.True(t, ack.IsActive)
}

func TestProducerDisconnectKeepsSessionForReplay(t *testing.T) {
	shared := state.NewMemoryStore()
	node := newNode(t, shared, eventcache.Nop{}, bus.NewMemory("n1"))

	producer := dialNode(t, node, "/socket/relay?sessionId=sess-1&sessionToken=tok-1")
	_ = readFrame(t, producer)
	viewer := dialNode(t, node, "/socket/viewer?sessionId=sess-1")
	_ = readFrame(t, viewer)

	require.NoError(t, producer.Close())

	env := readFrame(t, viewer)
	require.Equal(t, protocol.EventDisconnected, env.Event)

	require.Eventually(t, func() bool {
		sd, err := shared.GetSession(context.Background(), "sess-1")
		return err == nil && !sd.IsActive
	}, 2*time.Second, 20*time.Millisecond)
}

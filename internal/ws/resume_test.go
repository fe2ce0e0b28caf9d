// SPDX-License-Identifier: MIT

package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pizzapi/relay/internal/protocol"
)

func TestResumeStore_TakeSemantics(t *testing.T) {
	s := NewResumeStore(time.Minute)
	frames := []frame{{seq: 3, data: []byte("f3")}, {seq: 4, data: []byte("f4")}}
	s.Park("c1", "tok", frames, 5)

	// Wrong token leaves the entry in place.
	_, _, ok := s.Take("c1", "nope", 3)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Parked())

	// Offset before the retained window consumes without replay.
	replay, next, ok := s.Take("c1", "tok", 2)
	assert.False(t, ok)
	assert.Zero(t, next)
	assert.Empty(t, replay)
	assert.Equal(t, 0, s.Parked())

	s.Park("c1", "tok", frames, 5)
	replay, next, ok = s.Take("c1", "tok", 4)
	require.True(t, ok)
	assert.Equal(t, uint64(5), next)
	require.Len(t, replay, 1)
	assert.Equal(t, []byte("f4"), replay[0].data)

	// Consumed: a second take finds nothing.
	_, _, ok = s.Take("c1", "tok", 4)
	assert.False(t, ok)
}

func TestResumeStore_OffsetAtHeadReplaysNothing(t *testing.T) {
	s := NewResumeStore(time.Minute)
	s.Park("c1", "tok", nil, 7)

	replay, next, ok := s.Take("c1", "tok", 7)
	require.True(t, ok)
	assert.Empty(t, replay)
	assert.Equal(t, uint64(7), next)
}

func TestResumeStore_EntriesLapse(t *testing.T) {
	s := NewResumeStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Park("c1", "tok", nil, 0)
	now = now.Add(61 * time.Second)

	_, _, ok := s.Take("c1", "tok", 0)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Parked())
}

// collectServer upgrades every request, hands the server-side Conn to conns
// and keeps reading until the peer drops.
func collectServer(t *testing.T, u *Upgrader, conns chan *Conn) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := u.Upgrade(w, r)
		if err != nil {
			return
		}
		conns <- conn
		_ = conn.ReadLoop(func(protocol.Envelope) {})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitConn(t *testing.T, conns chan *Conn) *Conn {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not established")
		return nil
	}
}

func TestUpgrader_ResumeReplaysUndelivered(t *testing.T) {
	u := NewUpgrader(Config{ResumeTTL: time.Minute})
	conns := make(chan *Conn, 2)
	srv := collectServer(t, u, conns)

	client := dial(t, srv, "")
	server := waitConn(t, conns)

	for i := 0; i < 3; i++ {
		require.NoError(t, server.Send("event", map[string]int{"n": i}))
	}
	// The client acknowledges two frames by reconnecting with offset=2; what
	// it actually read off the wire does not matter.
	for i := 0; i < 2; i++ {
		_, _, err := client.ReadMessage()
		require.NoError(t, err)
	}

	id, token := server.ID, server.ResumeToken
	server.Close(websocket.CloseGoingAway, "drop")
	require.Eventually(t, func() bool { return u.resume.Parked() == 1 },
		2*time.Second, 10*time.Millisecond)

	revived := dial(t, srv, "?resume="+id+"&resumeToken="+token+"&offset=2")
	server2 := waitConn(t, conns)
	assert.True(t, server2.Resumed)
	assert.Equal(t, id, server2.ID)

	_, raw, err := revived.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "event", env.Event)
	assert.JSONEq(t, `{"n":2}`, string(env.Data))

	// Numbering continues after the replayed backlog.
	require.NoError(t, server2.Send("event", map[string]int{"n": 3}))
	_, raw, err = revived.ReadMessage()
	require.NoError(t, err)
	env, err = protocol.Decode(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(env.Data))
}

func TestUpgrader_UnknownResumeFallsBackToFresh(t *testing.T) {
	u := NewUpgrader(Config{})
	conns := make(chan *Conn, 1)
	srv := collectServer(t, u, conns)

	dial(t, srv, "?resume=ghost&resumeToken=tok&offset=9")
	server := waitConn(t, conns)

	assert.False(t, server.Resumed)
	assert.NotEqual(t, "ghost", server.ID)
	assert.NotEmpty(t, server.ResumeToken)
}

// SPDX-License-Identifier: MIT

package ws

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pizzapi/relay/internal/log"
	"github.com/pizzapi/relay/internal/metrics"
)

// historySize is the number of outbound frames retained per connection for
// resume replay.
const historySize = 512

// Config tunes the socket transport.
type Config struct {
	// SendBuffer is the outbound queue depth per connection.
	SendBuffer int
	// ResumeTTL is how long a dropped connection's buffer stays claimable.
	ResumeTTL time.Duration
}

// Upgrader turns HTTP requests into relay socket connections and owns the
// resume buffers of connections that dropped.
type Upgrader struct {
	cfg      Config
	resume   *ResumeStore
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewUpgrader builds an Upgrader. Zero config fields fall back to the
// transport defaults (256 frame queue, 2 min resume window).
func NewUpgrader(cfg Config) *Upgrader {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.ResumeTTL <= 0 {
		cfg.ResumeTTL = 2 * time.Minute
	}
	return &Upgrader{
		cfg:    cfg,
		resume: NewResumeStore(cfg.ResumeTTL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin trust is enforced by the auth middleware before the
			// upgrade is attempted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("ws"),
	}
}

// Upgrade hijacks the request into a socket connection and starts its writer.
// A request carrying resume, resumeToken and offset query parameters revives
// the matching parked buffer: the connection keeps its old id, its sequence
// numbering continues, and undelivered frames are written before anything
// else. An unknown or lapsed id silently yields a fresh connection; the
// client notices via the new id in the greeting ack.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	sock, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil, err
	}

	conn := &Conn{
		ws:      sock,
		send:    make(chan frame, u.cfg.SendBuffer),
		done:    make(chan struct{}),
		histCap: historySize,
	}

	q := r.URL.Query()
	if id := q.Get("resume"); id != "" {
		token := q.Get("resumeToken")
		offset, _ := strconv.ParseUint(q.Get("offset"), 10, 64)
		if replay, next, ok := u.resume.Take(id, token, offset); ok {
			conn.ID = id
			conn.ResumeToken = token
			conn.Resumed = true
			conn.seq = next
			conn.replay = replay
			u.logger.Info().
				Str("event", "ws.resumed").
				Str("conn_id", id).
				Uint64("offset", offset).
				Int("replayed", len(replay)).
				Msg("connection resumed")
		}
		if conn.Resumed {
			metrics.IncSocketResume("resumed")
		} else {
			metrics.IncSocketResume("fresh")
		}
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
		conn.ResumeToken = uuid.NewString()
	}
	conn.logger = u.logger.With().Str("conn_id", conn.ID).Logger()
	conn.onStopped = func(c *Conn) {
		c.mu.Lock()
		hist := c.history
		next := c.seq
		c.history = nil
		c.mu.Unlock()
		u.resume.Park(c.ID, c.ResumeToken, hist, next)
	}

	go conn.writePump()
	return conn, nil
}

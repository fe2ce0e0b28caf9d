// SPDX-License-Identifier: MIT

// Package ws implements the socket plumbing shared by every relay namespace:
// a connection wrapper with a single reader and a single writer goroutine fed
// by a bounded queue, ping/pong keepalive, and an outbound frame buffer that
// lets clients resume after short network drops.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pizzapi/relay/internal/metrics"
	"github.com/pizzapi/relay/internal/protocol"
)

const (
	// writeWait bounds a single socket write, including the close handshake.
	writeWait = 10 * time.Second
	// pongWait is the read deadline; any inbound frame or pong pushes it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 25 * time.Second
	// maxFrameSize caps inbound frames. Agent events are small; attachments
	// travel over HTTP, never over the socket.
	maxFrameSize = 1 << 20
)

// ErrConnClosed is returned by Send on a connection that is shutting down.
var ErrConnClosed = errors.New("ws: connection closed")

// frame is one outbound frame with its position in the connection's stream.
type frame struct {
	seq  uint64
	data []byte
}

// Conn is one socket connection. All writes go through Send/SendRaw, which
// feed the writer goroutine; ReadLoop is the single reader. Conn methods are
// safe for concurrent use.
type Conn struct {
	// ID identifies the connection across a resume. A resumed connection
	// keeps the id issued at its first handshake.
	ID string
	// ResumeToken must accompany ID when reclaiming the outbound buffer
	// after a drop.
	ResumeToken string
	// Resumed reports whether this connection took over an earlier buffer.
	Resumed bool

	ws     *websocket.Conn
	logger zerolog.Logger

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	// replay is written before the writer starts and drained first.
	replay []frame

	mu      sync.Mutex
	history []frame
	histCap int
	seq     uint64

	onStopped func(*Conn)
}

// Send encodes an event frame and queues it for the writer.
func (c *Conn) Send(event string, data any) error {
	buf, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	return c.enqueue(buf)
}

// SendReply encodes a response frame carrying the request id it answers.
func (c *Conn) SendReply(event, requestID string, data any) error {
	buf, err := protocol.EncodeReply(event, requestID, data)
	if err != nil {
		return err
	}
	return c.enqueue(buf)
}

// SendRaw queues an already encoded frame. Fan-out paths encode once per
// room and reuse the bytes for every member.
func (c *Conn) SendRaw(buf []byte) error {
	return c.enqueue(buf)
}

// enqueue numbers the frame, records it for resume and hands it to the
// writer. A full queue closes the connection: a client that cannot drain its
// feed is dropped rather than stalling whoever is producing for it.
func (c *Conn) enqueue(buf []byte) error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrConnClosed
	default:
	}
	f := frame{seq: c.seq, data: buf}
	c.seq++
	c.history = append(c.history, f)
	if len(c.history) > c.histCap {
		c.history = c.history[len(c.history)-c.histCap:]
	}
	select {
	case c.send <- f:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.logger.Warn().
			Str("event", "ws.send_overflow").
			Uint64("seq", f.seq).
			Msg("outbound queue full, dropping connection")
		metrics.IncSlowConsumerDrop()
		c.close(websocket.ClosePolicyViolation, "slow consumer")
		return ErrConnClosed
	}
}

// Close asks the writer to deliver a close frame and tear the socket down.
func (c *Conn) Close(code int, text string) {
	c.close(code, text)
}

func (c *Conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// Done is closed once the connection begins shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// ReadLoop pumps inbound frames to handle until the connection drops. It is
// the connection's single reader. The handler runs on the read goroutine, so
// anything slow must be dispatched elsewhere. The returned error is nil when
// the peer hung up cleanly or simply went away.
func (c *Conn) ReadLoop(handle func(protocol.Envelope)) error {
	defer c.close(websocket.CloseNormalClosure, "")
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if IsUnexpectedClose(err) {
				return err
			}
			return nil
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		env, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Debug().
				Str("event", "ws.malformed_frame").
				Err(err).
				Msg("dropping malformed frame")
			continue
		}
		handle(env)
	}
}

// writePump is the connection's single writer. It drains the replay backlog
// of a resumed connection first, then serves the queue and the keepalive
// ticker until the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		if c.onStopped != nil {
			c.onStopped(c)
		}
	}()
	for _, f := range c.replay {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
			c.close(websocket.CloseAbnormalClosure, "write failed")
			return
		}
	}
	c.replay = nil
	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			// One absolute deadline bounds the whole drain.
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			for {
				select {
				case f := <-c.send:
					if c.ws.WriteMessage(websocket.TextMessage, f.data) != nil {
						return
					}
				default:
					_ = c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(c.closeCode, c.closeText))
					return
				}
			}
		}
	}
}

// IsUnexpectedClose reports whether err is a close error outside the codes a
// well-behaved or merely unlucky client produces when hanging up.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}

// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pizzapi/relay/internal/log"
	"github.com/pizzapi/relay/internal/metrics"
)

// envelope is the wire form on the pub/sub channel. Origin lets a node skip
// the publishes it sent itself.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBus is the multi-node Bus over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	nodeID string
	logger zerolog.Logger
}

// NewRedis builds a bus over the shared client. nodeID must be unique per
// process; publishes tagged with it are invisible to this node's own
// subscriptions.
func NewRedis(client *redis.Client, nodeID string) *RedisBus {
	return &RedisBus{
		client: client,
		nodeID: nodeID,
		logger: log.WithComponent("bus"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	buf, err := json.Marshal(envelope{Origin: b.nodeID, Payload: payload})
	if err != nil {
		return err
	}
	metrics.IncBusMessage("out")
	return b.client.Publish(ctx, topic, buf).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, patterns...)
	// Confirm the subscription before returning so callers cannot publish
	// into a not-yet-established channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &redisSub{
		ps:     ps,
		ch:     make(chan Message, subBuffer),
		logger: b.logger,
	}
	go s.pump(b.nodeID)
	return s, nil
}

// Close is a no-op; the shared client is owned by the daemon.
func (b *RedisBus) Close() error { return nil }

type redisSub struct {
	ps     *redis.PubSub
	ch     chan Message
	logger zerolog.Logger
	once   sync.Once
}

func (s *redisSub) pump(origin string) {
	defer close(s.ch)
	for m := range s.ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			s.logger.Warn().
				Str("event", "bus.malformed_envelope").
				Str("topic", m.Channel).
				Err(err).
				Msg("dropping malformed bus message")
			continue
		}
		if env.Origin == origin {
			continue
		}
		select {
		case s.ch <- Message{Topic: m.Channel, Payload: env.Payload}:
			metrics.IncBusMessage("in")
		default:
			s.logger.Warn().
				Str("event", "bus.subscriber_overflow").
				Str("topic", m.Channel).
				Msg("subscriber queue full, dropping message")
		}
	}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}

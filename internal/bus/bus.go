// SPDX-License-Identifier: MIT

// Package bus carries frames between relay nodes. Rooms are process-local;
// the bus makes an emit on one node reach members joined on any other. A
// node never receives its own publishes, so local fan-out stays the
// registry's job.
package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pizzapi/relay/internal/log"
	"github.com/pizzapi/relay/internal/metrics"
)

// subBuffer is the per-subscription queue depth. A subscriber that cannot
// drain loses messages rather than stalling publishers.
const subBuffer = 256

// Message is one cross-node frame with the topic it was published on.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription delivers matching messages until closed. The channel closes
// after Close (or, for backend-driven buses, when the backend goes away).
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Bus is the inter-node fabric. Publish is fire-and-forget.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, patterns ...string) (Subscription, error)
	Close() error
}

// Topics builds the topic layout. An optional org prefix namespaces every
// topic for deployments sharing one backend, mirroring the key layout of the
// state store.
type Topics struct {
	prefix string
}

// NewTopics returns the topic layout under the given prefix.
func NewTopics(prefix string) Topics {
	return Topics{prefix: prefix}
}

func (t Topics) Room(sessionID string) string   { return t.prefix + "relay:room:" + sessionID }
func (t Topics) TUI(sessionID string) string    { return t.prefix + "relay:tui:" + sessionID }
func (t Topics) User(userID string) string      { return t.prefix + "relay:user:" + userID }
func (t Topics) Runner(runnerID string) string  { return t.prefix + "relay:runner:" + runnerID }

func (t Topics) RoomPattern() string   { return t.prefix + "relay:room:*" }
func (t Topics) TUIPattern() string    { return t.prefix + "relay:tui:*" }
func (t Topics) UserPattern() string   { return t.prefix + "relay:user:*" }
func (t Topics) RunnerPattern() string { return t.prefix + "relay:runner:*" }

// SessionFromRoom extracts the session id from a room topic.
func (t Topics) SessionFromRoom(topic string) (string, bool) {
	return strings.CutPrefix(topic, t.prefix+"relay:room:")
}

// SessionFromTUI extracts the session id from a producer topic.
func (t Topics) SessionFromTUI(topic string) (string, bool) {
	return strings.CutPrefix(topic, t.prefix+"relay:tui:")
}

// UserFromTopic extracts the user id from a hub topic.
func (t Topics) UserFromTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, t.prefix+"relay:user:")
}

// RunnerFromTopic extracts the runner id from a runner topic.
func (t Topics) RunnerFromTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, t.prefix+"relay:runner:")
}

// MatchTopic implements the only glob form the relay uses: a literal topic
// or a trailing-star prefix pattern.
func MatchTopic(pattern, topic string) bool {
	if p, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, p)
	}
	return pattern == topic
}

// MemoryFabric is the in-process fabric behind MemoryBus handles. Handles
// with distinct node ids over one fabric mimic a multi-node deployment,
// which is how the relay's cross-node paths are tested without Redis.
type MemoryFabric struct {
	mu   sync.Mutex
	subs map[*memorySub]struct{}
}

// NewMemoryFabric returns an empty fabric.
func NewMemoryFabric() *MemoryFabric {
	return &MemoryFabric{subs: make(map[*memorySub]struct{})}
}

// Node returns a bus handle publishing under the given origin id.
func (f *MemoryFabric) Node(nodeID string) Bus {
	return &MemoryBus{
		fabric: f,
		nodeID: nodeID,
		logger: log.WithComponent("bus"),
	}
}

// MemoryBus is the single-process Bus used when Redis is disabled.
type MemoryBus struct {
	fabric *MemoryFabric
	nodeID string
	logger zerolog.Logger
}

// NewMemory returns a bus over its own private fabric. With no second node
// attached its publishes go nowhere, which is exactly the single-node case.
func NewMemory(nodeID string) Bus {
	return NewMemoryFabric().Node(nodeID)
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	metrics.IncBusMessage("out")
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()
	for s := range b.fabric.subs {
		if s.origin == b.nodeID || !s.matches(topic) {
			continue
		}
		select {
		case s.ch <- Message{Topic: topic, Payload: payload}:
			metrics.IncBusMessage("in")
		default:
			b.logger.Warn().
				Str("event", "bus.subscriber_overflow").
				Str("topic", topic).
				Msg("subscriber queue full, dropping message")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, patterns ...string) (Subscription, error) {
	s := &memorySub{
		fabric:   b.fabric,
		origin:   b.nodeID,
		patterns: patterns,
		ch:       make(chan Message, subBuffer),
	}
	b.fabric.mu.Lock()
	b.fabric.subs[s] = struct{}{}
	b.fabric.mu.Unlock()
	return s, nil
}

func (b *MemoryBus) Close() error { return nil }

type memorySub struct {
	fabric   *MemoryFabric
	origin   string
	patterns []string
	ch       chan Message
	once     sync.Once
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.fabric.mu.Lock()
		delete(s.fabric.subs, s)
		s.fabric.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (s *memorySub) matches(topic string) bool {
	for _, p := range s.patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

// SPDX-License-Identifier: MIT

// Package metrics holds the relay's Prometheus collectors. Collectors are
// package-level and register on the default registry at init; callers go
// through the helper functions so label sets stay consistent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SocketsActive tracks currently attached sockets per namespace.
	SocketsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pizzapi_relay_sockets_active",
		Help: "Currently connected sockets by namespace",
	}, []string{"namespace"})

	// SocketConnects counts accepted socket handshakes per namespace.
	SocketConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pizzapi_relay_socket_connects_total",
		Help: "Accepted socket handshakes by namespace",
	}, []string{"namespace"})

	// SocketResumes counts transport-level resume attempts by outcome.
	SocketResumes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pizzapi_relay_socket_resumes_total",
		Help: "Connection resume attempts by outcome",
	}, []string{"outcome"})

	// SlowConsumerDrops counts connections dropped because their outbound
	// queue overflowed.
	SlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pizzapi_relay_slow_consumer_drops_total",
		Help: "Connections dropped for not draining their outbound queue",
	})

	// EventsIngested counts producer events accepted and sequenced.
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pizzapi_relay_events_ingested_total",
		Help: "Producer agent events accepted and assigned a seq",
	})

	// EventsFannedOut counts event deliveries by path.
	EventsFannedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pizzapi_relay_events_fanout_total",
		Help: "Event deliveries by path (local room or cross-node bus)",
	}, []string{"path"})

	// BusMessages counts cross-node bus traffic by direction.
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pizzapi_relay_bus_messages_total",
		Help: "Cross-node bus messages by direction",
	}, []string{"direction"})

	// SessionsRegistered counts producer session registrations.
	SessionsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pizzapi_relay_sessions_registered_total",
		Help: "Producer sessions registered",
	})

	// RunnersRegistered counts runner registrations.
	RunnersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pizzapi_relay_runners_registered_total",
		Help: "Runners registered",
	})
)

// Socket namespace label values.
const (
	NamespaceRunner   = "runner"
	NamespaceRelay    = "relay"
	NamespaceViewer   = "viewer"
	NamespaceTerminal = "terminal"
	NamespaceHub      = "hub"
)

// SocketConnected records an accepted handshake and bumps the active gauge.
func SocketConnected(namespace string) {
	SocketConnects.WithLabelValues(namespace).Inc()
	SocketsActive.WithLabelValues(namespace).Inc()
}

// SocketDisconnected drops the active gauge for a closed socket.
func SocketDisconnected(namespace string) {
	SocketsActive.WithLabelValues(namespace).Dec()
}

// IncSocketResume records a resume attempt outcome ("resumed" or "fresh").
func IncSocketResume(outcome string) {
	SocketResumes.WithLabelValues(outcome).Inc()
}

// IncSlowConsumerDrop records a connection dropped for backpressure.
func IncSlowConsumerDrop() {
	SlowConsumerDrops.Inc()
}

// IncEventIngested records one sequenced producer event.
func IncEventIngested() {
	EventsIngested.Inc()
}

// IncEventFanout records event deliveries over a path ("local" or "bus").
func IncEventFanout(path string, n int) {
	if n <= 0 {
		return
	}
	EventsFannedOut.WithLabelValues(path).Add(float64(n))
}

// IncBusMessage records one bus message ("in" or "out").
func IncBusMessage(direction string) {
	BusMessages.WithLabelValues(direction).Inc()
}

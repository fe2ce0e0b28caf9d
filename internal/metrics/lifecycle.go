// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PushDeliveries counts web-push sends by result.
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pizzapi_relay_push_deliveries_total",
		Help: "Web push deliveries by result (ok, gone, error)",
	}, []string{"result"})

	// SweepRuns counts sweeper iterations by result.
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pizzapi_relay_sweep_runs_total",
		Help: "Sweeper iterations by result",
	}, []string{"result"})

	// SweepDuration tracks how long one sweep iteration takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pizzapi_relay_sweep_duration_seconds",
		Help:    "Duration of one sweeper iteration",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// SweptSessions counts sessions removed by the sweeper.
	SweptSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pizzapi_relay_swept_sessions_total",
		Help: "Expired sessions removed by the sweeper",
	})

	// SweptAttachments counts attachments evicted past their TTL.
	SweptAttachments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pizzapi_relay_swept_attachments_total",
		Help: "Expired attachments evicted by the sweeper",
	})

	// StaleIndexEntries counts index members removed because their hash was
	// gone.
	StaleIndexEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pizzapi_relay_stale_index_entries_total",
		Help: "Stale index members removed from the state store",
	})
)

// Push delivery result label values.
const (
	PushOK    = "ok"
	PushGone  = "gone"
	PushError = "error"
)

// IncPushDelivery records one web-push send outcome.
func IncPushDelivery(result string) {
	PushDeliveries.WithLabelValues(result).Inc()
}

// ObserveSweep records one sweeper iteration.
func ObserveSweep(result string, d time.Duration, sessions int) {
	SweepRuns.WithLabelValues(result).Inc()
	SweepDuration.Observe(d.Seconds())
	if sessions > 0 {
		SweptSessions.Add(float64(sessions))
	}
}

// AddSweptAttachments records attachments evicted in one sweep.
func AddSweptAttachments(n int) {
	if n > 0 {
		SweptAttachments.Add(float64(n))
	}
}

// AddStaleIndexEntries records removed stale index members.
func AddStaleIndexEntries(n int) {
	if n > 0 {
		StaleIndexEntries.Add(float64(n))
	}
}

// SPDX-License-Identifier: MIT

// Package sweeper evicts expired ephemeral sessions and lapsed attachments
// on a fixed cadence.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pizzapi/relay/internal/attachments"
	"github.com/pizzapi/relay/internal/eventcache"
	"github.com/pizzapi/relay/internal/log"
	"github.com/pizzapi/relay/internal/metrics"
	"github.com/pizzapi/relay/internal/state"
	"github.com/pizzapi/relay/internal/store"
)

// Deps carries the backends a Sweeper prunes.
type Deps struct {
	State state.Store
	Cache eventcache.Cache
	Store *store.Store

	// Attachments may be nil when the staging store is disabled.
	Attachments *attachments.Store

	Interval time.Duration

	// StaleEvery runs the stale-index cleanup every Nth pass. Zero disables it.
	StaleEvery int
}

// Sweeper removes sessions whose TTL lapsed while no producer was attached.
// Eviction is quiet: nobody is connected to an expired session, so no
// disconnected frame is emitted.
type Sweeper struct {
	state       state.Store
	cache       eventcache.Cache
	store       *store.Store
	attachments *attachments.Store
	interval    time.Duration
	staleEvery  int
	logger      zerolog.Logger
}

func New(d Deps) *Sweeper {
	return &Sweeper{
		state:       d.State,
		cache:       d.Cache,
		store:       d.Store,
		attachments: d.Attachments,
		interval:    d.Interval,
		staleEvery:  d.StaleEvery,
		logger:      log.WithComponent("sweeper"),
	}
}

// Run blocks until ctx is canceled, sweeping once per interval. A failed
// pass logs and waits for the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Str("event", "sweep.started").
		Dur("interval", s.interval).
		Msg("sweeper running")

	var tick int
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().
				Str("event", "sweep.stopped").
				Msg("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			tick++
			s.sweepOnce(ctx, s.staleEvery > 0 && tick%s.staleEvery == 0)
		}
	}
}

// sweepOnce prunes one batch: expired sessions from the live state store and
// the persisted index, their event rings in a single batch delete, then
// lapsed attachment blobs.
func (s *Sweeper) sweepOnce(ctx context.Context, staleSweep bool) {
	start := time.Now()
	result := "ok"

	ids := make(map[string]struct{})

	expired, err := s.state.ScanExpiredSessions(ctx, start)
	if err != nil {
		result = "error"
		s.logger.Warn().
			Str("event", "sweep.state_scan_failed").
			Err(err).
			Msg("expiry scan failed")
	}
	for _, id := range expired {
		ids[id] = struct{}{}
	}

	pruned, err := s.store.PruneExpired(ctx)
	if err != nil {
		result = "error"
		s.logger.Warn().
			Str("event", "sweep.store_prune_failed").
			Err(err).
			Msg("persisted prune failed")
	}
	for _, id := range pruned {
		ids[id] = struct{}{}
	}

	evicted := make([]string, 0, len(ids))
	for id := range ids {
		if err := s.state.DeleteSession(ctx, id); err != nil && !errors.Is(err, state.ErrNotFound) {
			result = "error"
			s.logger.Warn().
				Str("event", "sweep.session_delete_failed").
				Str("session_id", id).
				Err(err).
				Msg("session eviction failed")
			continue
		}
		evicted = append(evicted, id)
	}
	s.cache.DeleteBatch(ctx, evicted)

	if s.attachments != nil {
		n, err := s.attachments.SweepExpired(ctx)
		if err != nil {
			result = "error"
			s.logger.Warn().
				Str("event", "sweep.attachments_failed").
				Err(err).
				Msg("attachment sweep failed")
		}
		metrics.AddSweptAttachments(n)
	}

	if staleSweep {
		n, err := s.state.CleanStaleIndexEntries(ctx)
		if err != nil {
			result = "error"
			s.logger.Warn().
				Str("event", "sweep.stale_index_failed").
				Err(err).
				Msg("stale index cleanup failed")
		}
		metrics.AddStaleIndexEntries(n)
	}

	metrics.ObserveSweep(result, time.Since(start), len(evicted))

	if len(evicted) > 0 {
		s.logger.Info().
			Str("event", "sweep.sessions_evicted").
			Int("sessions", len(evicted)).
			Msg("expired sessions removed")
	}
}

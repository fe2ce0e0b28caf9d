// SPDX-License-Identifier: MIT

// Package daemon owns the node lifecycle: the HTTP server, the background
// loops and the ordered teardown of both.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"
)

// App runs the long-lived background loops and delegates server management
// to Manager. Any fatal member takes the whole group down.
type App struct {
	logger  zerolog.Logger
	manager Manager
	deps    Deps
}

// NewApp builds the orchestrator over an already-validated Manager.
func NewApp(manager Manager, deps Deps) *App {
	return &App{
		logger:  deps.Logger.With().Str("component", "app").Logger(),
		manager: manager,
		deps:    deps,
	}
}

// Run starts every subsystem and blocks until ctx is canceled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// Origins watcher is best-effort: a broken watch must not keep the
	// node from serving.
	if a.deps.Origins != nil {
		if err := a.deps.Origins.Start(ctx); err != nil {
			a.logger.Warn().
				Err(err).
				Str("event", "origins.watcher_failed").
				Msg("trusted-origins watcher not running")
		} else {
			defer a.deps.Origins.Stop()
		}
	}

	// Bus consume loop: frames published by other nodes.
	g.Go(func() error {
		if err := a.deps.Relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay worker: %w", err)
		}
		return nil
	})

	if a.deps.Sweeper != nil {
		g.Go(func() error {
			if err := a.deps.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sweeper: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			_ = a.manager.Shutdown(context.Background())
		}
		return err
	})

	return g.Wait()
}

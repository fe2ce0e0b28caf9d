// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second

	// ShutdownTimeout bounds the graceful drain of servers and hooks.
	ShutdownTimeout = 10 * time.Second
)

// ShutdownHook performs one cleanup step during graceful shutdown. Hooks
// run in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Manager owns the HTTP server lifecycle: start, drain, hook teardown.
type Manager interface {
	// Start starts the server and blocks until shutdown.
	Start(ctx context.Context) error

	// Shutdown drains the server, closes the sockets and runs the hooks.
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook appends a cleanup step.
	RegisterShutdownHook(name string, hook ShutdownHook)
}

type manager struct {
	deps Deps

	shutdownTimeout time.Duration

	apiServer *http.Server

	shutdownHooks []namedHook

	started  bool
	stopping bool
	mu       sync.Mutex

	logger zerolog.Logger
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager validates the dependencies and builds a manager.
func NewManager(deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	return &manager{
		deps:            deps,
		shutdownTimeout: ShutdownTimeout,
		logger:          deps.Logger.With().Str("component", "manager").Logger(),
		shutdownHooks:   make([]namedHook, 0),
	}, nil
}

// Start binds the listener and blocks until the context is canceled or the
// server fails.
func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("start context is nil")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("event", "daemon.starting").
		Str("listen", m.deps.Config.ListenAddr).
		Dur("shutdown_timeout", m.shutdownTimeout).
		Msg("starting daemon manager")

	// No ReadTimeout/WriteTimeout: the socket namespaces hold hijacked
	// connections open indefinitely and an armed write deadline would
	// sever them.
	m.apiServer = &http.Server{
		Addr:              m.deps.Config.ListenAddr,
		Handler:           m.deps.APIHandler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		m.logger.Info().
			Str("event", "daemon.listening").
			Str("addr", m.deps.Config.ListenAddr).
			Msg("server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Str("event", "daemon.server_failed").Msg("server error, initiating shutdown")
		// Detached but bounded, so shutdown completes even with the parent
		// already canceled.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout)
		defer cancel()
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Str("event", "daemon.signal").Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

// Shutdown drains HTTP, closes every live socket with a going-away frame and
// runs the registered hooks in LIFO order. Safe to call once; later calls
// are no-ops.
func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return errors.New("shutdown context is nil")
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	m.mu.Unlock()

	m.logger.Info().Str("event", "daemon.stopping").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout)
	defer cancel()

	var errs []error

	// Stop accepting and drain in-flight REST requests. Hijacked socket
	// connections are not covered by Shutdown; the relay closes them next.
	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if m.deps.Relay != nil {
		m.deps.Relay.Shutdown()
	}

	m.logger.Debug().Int("hooks", len(m.shutdownHooks)).Msg("executing shutdown hooks")
	for i := len(m.shutdownHooks) - 1; i >= 0; i-- {
		hook := m.shutdownHooks[i]
		start := time.Now()
		if err := hook.hook(shutdownCtx); err != nil {
			m.logger.Error().
				Err(err).
				Str("hook", hook.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", hook.name).
			Dur("duration", time.Since(start)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped cleanly")
	return nil
}

// RegisterShutdownHook appends a cleanup step, executed LIFO on shutdown.
func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

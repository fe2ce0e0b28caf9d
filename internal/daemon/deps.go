// SPDX-License-Identifier: MIT

package daemon

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/config"
	"github.com/pizzapi/relay/internal/relay"
	"github.com/pizzapi/relay/internal/sweeper"
)

// Deps carries everything the daemon runs or serves. Optional members are
// nil when their feature is disabled.
type Deps struct {
	// Logger is the structured logger for the daemon.
	Logger zerolog.Logger

	// Config is the loaded node configuration.
	Config config.Config

	// APIHandler is the assembled HTTP surface.
	APIHandler http.Handler

	// Relay consumes the bus and owns the socket namespaces.
	Relay *relay.Server

	// Sweeper evicts expired sessions; nil disables the loop.
	Sweeper *sweeper.Sweeper

	// Origins watches the trusted-origins file; nil when no file is
	// configured.
	Origins *auth.Origins
}

// Validate checks the required members.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	if d.Relay == nil {
		return ErrMissingRelay
	}
	return nil
}

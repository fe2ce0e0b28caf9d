// SPDX-License-Identifier: MIT

package auth

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/net/idna"
	"gopkg.in/yaml.v3"
)

// Origins is the trusted browser-origin set guarding viewer-class namespaces
// against cross-site WebSocket hijacking. The env-provided list is static;
// the optional file is hot-reloaded so the proxy layer can add origins
// without a relay restart.
type Origins struct {
	logger zerolog.Logger
	static map[string]struct{}

	filePath string
	watcher  *fsnotify.Watcher

	mu       sync.RWMutex
	fromFile map[string]struct{}
}

// NewOrigins normalizes the static list up front; a malformed entry is a
// configuration error.
func NewOrigins(static []string, filePath string, logger zerolog.Logger) (*Origins, error) {
	set, err := normalizeOriginSet(static)
	if err != nil {
		return nil, err
	}
	return &Origins{
		logger:   logger,
		static:   set,
		filePath: filePath,
	}, nil
}

// Contains reports whether the given Origin header value is trusted. Entries
// configured without a scheme match the host over any scheme.
func (o *Origins) Contains(origin string) bool {
	scheme, hostport, err := normalizeOrigin(origin)
	if err != nil {
		return false
	}

	keys := []string{hostport}
	if scheme != "" {
		keys = append(keys, scheme+"://"+hostport)
	}

	for _, key := range keys {
		if _, ok := o.static[key]; ok {
			return true
		}
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, key := range keys {
		if _, ok := o.fromFile[key]; ok {
			return true
		}
	}
	return false
}

// Start loads the origins file and begins watching it for changes. Without a
// configured file this is a no-op.
func (o *Origins) Start(ctx context.Context) error {
	if o.filePath == "" {
		return nil
	}

	if err := o.reload(); err != nil {
		// A missing file at boot is fine; the watcher picks it up on create.
		if !os.IsNotExist(err) {
			return err
		}
		o.logger.Info().
			Str("event", "origins.file_missing").
			Str("path", o.filePath).
			Msg("trusted origins file not present yet")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	o.watcher = watcher

	// Watch the directory: editors and deploys replace the file by rename,
	// which drops a watch placed on the file itself.
	dir := filepath.Dir(o.filePath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	o.logger.Info().
		Str("event", "origins.watcher_started").
		Str("path", o.filePath).
		Msg("watching trusted origins file")

	go o.watchLoop(ctx)
	return nil
}

// Stop closes the file watcher, if running.
func (o *Origins) Stop() {
	if o.watcher != nil {
		_ = o.watcher.Close()
	}
}

func (o *Origins) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Str("event", "origins.watcher_stopped").Msg("origins watcher stopped")
			_ = o.watcher.Close()
			return

		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if event.Name != o.filePath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := o.reload(); err != nil {
						o.logger.Error().
							Err(err).
							Str("event", "origins.reload_failed").
							Msg("trusted origins reload failed, keeping previous set")
					}
				})
			}

		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			o.logger.Error().Err(err).Str("event", "origins.watcher_error").Msg("origins watcher error")
		}
	}
}

// reload re-reads the yaml list. On any error the previous set stays active.
func (o *Origins) reload() error {
	raw, err := os.ReadFile(o.filePath)
	if err != nil {
		return err
	}

	var entries []string
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", o.filePath, err)
	}

	set, err := normalizeOriginSet(entries)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.fromFile = set
	o.mu.Unlock()

	o.logger.Info().
		Str("event", "origins.reloaded").
		Int("count", len(set)).
		Msg("trusted origins reloaded")
	return nil
}

func normalizeOriginSet(entries []string) (map[string]struct{}, error) {
	set := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		scheme, hostport, err := normalizeOrigin(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted origin %q: %w", entry, err)
		}
		key := hostport
		if scheme != "" {
			key = scheme + "://" + hostport
		}
		set[key] = struct{}{}
	}
	return set, nil
}

// normalizeOrigin splits an origin (or bare host[:port]) into a lowercase
// scheme and an IDNA-normalized host[:port] suitable for exact compare.
func normalizeOrigin(raw string) (scheme, hostport string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("empty origin")
	}

	host := raw
	port := ""
	if strings.Contains(raw, "://") {
		u, perr := url.Parse(raw)
		if perr != nil {
			return "", "", perr
		}
		if u.Host == "" {
			return "", "", fmt.Errorf("origin %q has no host", raw)
		}
		scheme = strings.ToLower(u.Scheme)
		host = u.Hostname()
		port = u.Port()
	} else if h, p, serr := net.SplitHostPort(raw); serr == nil {
		host, port = h, p
	}

	if ip := net.ParseIP(host); ip != nil {
		host = strings.ToLower(ip.String())
	} else {
		ascii, ierr := idna.Lookup.ToASCII(strings.ToLower(host))
		if ierr != nil {
			return "", "", fmt.Errorf("invalid host %q: %w", host, ierr)
		}
		host = ascii
	}

	if port != "" {
		return scheme, net.JoinHostPort(host, port), nil
	}
	return scheme, host, nil
}

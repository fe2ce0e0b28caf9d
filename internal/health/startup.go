// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/pizzapi/relay/internal/config"
	"github.com/pizzapi/relay/internal/log"
)

// PerformStartupChecks validates the environment before the daemon binds its
// listener, so misconfiguration fails fast instead of at first request.
func PerformStartupChecks(_ context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkVAPIDPair(logger, cfg); err != nil {
		return fmt.Errorf("web-push configuration check failed: %w", err)
	}
	if cfg.AttachmentDir != "" {
		if err := checkDataDir(logger, cfg.AttachmentDir); err != nil {
			return fmt.Errorf("attachment directory check failed: %w", err)
		}
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", path, err)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("✓ Data directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("✓ Listen address is valid")
	return nil
}

// checkVAPIDPair requires both halves of the key pair or neither; a lone key
// would silently disable push while looking configured.
func checkVAPIDPair(logger zerolog.Logger, cfg config.Config) error {
	if cfg.VAPIDPublicKey == "" && cfg.VAPIDPrivateKey == "" {
		logger.Warn().Msg("VAPID keys not configured; web push disabled")
		return nil
	}
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return fmt.Errorf("web push requires BOTH VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY")
	}
	logger.Info().Msg("✓ Web-push key pair present")
	return nil
}

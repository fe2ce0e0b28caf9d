// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitConfig bounds requests per client IP over a sliding window.
type RateLimitConfig struct {
	// RequestLimit per WindowSize; zero falls back to 600/min.
	RequestLimit int
	WindowSize   time.Duration
	// Exclude lists path prefixes that bypass the limiter. Socket endpoints
	// belong here: one upgrade per connection, then the limiter never sees
	// the frames anyway.
	Exclude []string
}

// RateLimit builds an httprate sliding-window limiter keyed by client IP.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = 600
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}

	limit := httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(cfg.WindowSize.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	)

	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range cfg.Exclude {
				if prefix != "" && hasPathPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// AuthRateLimit is the tighter limiter for credential-bearing endpoints.
func AuthRateLimit() func(http.Handler) http.Handler {
	return RateLimit(RateLimitConfig{RequestLimit: 30, WindowSize: time.Minute})
}

func hasPathPrefix(path, prefix string) bool {
	if len(path) < len(prefix) || path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/' || prefix[len(prefix)-1] == '/'
}

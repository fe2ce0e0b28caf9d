// SPDX-License-Identifier: MIT

package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var handshakesLimited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pizzapi_relay",
	Name:      "handshakes_limited_total",
	Help:      "Socket handshakes rejected by the per-IP limiter",
})

// HandshakeLimitConfig bounds socket upgrade attempts. The sliding-window
// HTTP limiter skips the socket endpoints, so reconnect storms need their
// own token bucket.
type HandshakeLimitConfig struct {
	// PerIPRate is upgrades per second per client IP.
	PerIPRate  rate.Limit
	PerIPBurst int
	// CleanupInterval drops idle per-IP buckets.
	CleanupInterval time.Duration
}

// DefaultHandshakeLimit allows a client to resume aggressively after a
// network blip without letting one host hold a connect loop open.
func DefaultHandshakeLimit() HandshakeLimitConfig {
	return HandshakeLimitConfig{
		PerIPRate:       2,
		PerIPBurst:      10,
		CleanupInterval: 5 * time.Minute,
	}
}

// HandshakeLimit rejects upgrade attempts beyond the per-IP budget with 429.
func HandshakeLimit(cfg HandshakeLimitConfig) func(http.Handler) http.Handler {
	if cfg.PerIPRate <= 0 {
		cfg.PerIPRate = DefaultHandshakeLimit().PerIPRate
	}
	if cfg.PerIPBurst <= 0 {
		cfg.PerIPBurst = DefaultHandshakeLimit().PerIPBurst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultHandshakeLimit().CleanupInterval
	}

	l := &handshakeLimiter{
		cfg:         cfg,
		perIP:       make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientIP(r)) {
				handshakesLimited.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handshakeLimiter struct {
	cfg HandshakeLimitConfig

	mu          sync.Mutex
	perIP       map[string]*rate.Limiter
	lastCleanup time.Time
}

func (l *handshakeLimiter) allow(ip string) bool {
	l.mu.Lock()
	if time.Since(l.lastCleanup) >= l.cfg.CleanupInterval {
		l.perIP = make(map[string]*rate.Limiter)
		l.lastCleanup = time.Now()
	}
	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.cfg.PerIPRate, l.cfg.PerIPBurst)
		l.perIP[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// clientIP prefers proxy headers so every viewer behind the reverse proxy
// does not share one bucket.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			xff = xff[:idx]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

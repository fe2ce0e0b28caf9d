// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"time"

	"github.com/pizzapi/relay/internal/log"
)

// Logging emits one structured line per completed request. Socket upgrades
// log on disconnect, which is when the wrapped handler returns.
func Logging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(sw, r)

			logger := log.WithComponentFromContext(r.Context(), "http")
			evt := logger.Info()
			if sw.statusCode >= http.StatusInternalServerError {
				evt = logger.Error()
			} else if sw.statusCode >= http.StatusBadRequest {
				evt = logger.Warn()
			}
			evt.
				Str("event", "http.request").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.statusCode).
				Int("bytes", sw.bytesWritten).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("request completed")
		})
	}
}

// Package middleware holds the HTTP middleware chain of the saga API.
package middleware

import (
	"net/http"
	"time"

	"github.com/goclaw/ordersaga/pkg/logger"
)

// Logger writes one access line per request: error level for 5xx, warn for 4xx, info
// otherwise. Handlers find the request-scoped logger, tagged with the request id, through
// logger.FromContext.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log
			if id := GetRequestID(r.Context()); id != "" {
				reqLog = log.With("request_id", id)
			}
			ctx := reqLog.WithContext(r.Context())

			sw := wrapWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			status := sw.Status()
			write := reqLog.InfoContext
			if status >= http.StatusInternalServerError {
				write = reqLog.ErrorContext
			} else if status >= http.StatusBadRequest {
				write = reqLog.WarnContext
			}
			write(ctx, "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", sw.size,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

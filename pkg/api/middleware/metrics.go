package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// ContextMetricsRecorder is implemented by recorders that attach trace exemplars.
type ContextMetricsRecorder interface {
	RecordHTTPRequestWithContext(ctx context.Context, method, path, status string, duration time.Duration)
}

// unmatchedRoute labels requests chi could not route, so 404 scans do not mint series.
const unmatchedRoute = "unmatched"

// Metrics counts and times every request except scrapes. The path label is the chi route
// pattern, so all orders share one series per route. A panicking handler is recorded as a
// 500 before the panic continues to Recovery.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	observe := func(ctx context.Context, method, path, status string, d time.Duration) {
		recorder.RecordHTTPRequest(method, path, status, d)
	}
	if cr, ok := recorder.(ContextMetricsRecorder); ok {
		observe = cr.RecordHTTPRequestWithContext
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			start := time.Now()
			sw := wrapWriter(w)
			record := func(status int) {
				observe(r.Context(), r.Method, routeLabel(r), strconv.Itoa(status), time.Since(start))
			}

			defer func() {
				if v := recover(); v != nil {
					record(http.StatusInternalServerError)
					panic(v)
				}
			}()
			next.ServeHTTP(sw, r)
			record(sw.Status())
		})
	}
}

func routeLabel(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return normalizePath(r.URL.Path)
	}
	if pattern := rc.RoutePattern(); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}

// normalizePath collapses UUID and numeric segments to ":id" for handlers mounted
// outside chi.
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if uuid.Validate(seg) == nil {
			segments[i] = ":id"
		} else if _, err := strconv.ParseUint(seg, 10, 64); err == nil {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

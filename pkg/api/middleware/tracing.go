package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "ordersaga.http"

// TracingOptions controls which requests get a server span.
type TracingOptions struct {
	SkipPaths map[string]struct{}
}

// DefaultTracingOptions skips probes and the long-lived event stream.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{
		SkipPaths: map[string]struct{}{
			"/health":           {},
			"/ready":            {},
			"/api/v1/events/ws": {},
		},
	}
}

// Tracing starts a server span per request, continuing any W3C trace context the caller
// sent. Once chi has routed the request the span is renamed to "METHOD /route/{param}" and,
// for order routes, tagged with saga.order_id so a trace can be joined with the consumer
// spans of the events it caused.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	tracer := otel.Tracer(httpTracerName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()
			if id := GetRequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			sw := wrapWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			if rc := chi.RouteContext(ctx); rc != nil {
				if pattern := rc.RoutePattern(); pattern != "" {
					span.SetName(r.Method + " " + pattern)
					span.SetAttributes(attribute.String("http.route", pattern))
				}
				if orderID := rc.URLParam("orderId"); orderID != "" {
					span.SetAttributes(attribute.String("saga.order_id", orderID))
				}
			}
			status := sw.Status()
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(status))
			}
		})
	}
}

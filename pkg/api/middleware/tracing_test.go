package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setTracingTestProvider(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing_ContinuesInboundTrace(t *testing.T) {
	recorder := setTracingTestProvider(t)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b, 0x0c, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01},
		SpanID:     trace.SpanID{0, 0, 0, 0, 0, 0, 0, 0x02},
		TraceFlags: trace.FlagsSampled,
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas", nil)
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), parent), propagation.HeaderCarrier(req.Header))

	Tracing(DefaultTracingOptions())(statusHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].Parent().TraceID(); got != parent.TraceID() {
		t.Errorf("trace id = %s, want %s", got, parent.TraceID())
	}
	if spans[0].SpanKind() != trace.SpanKindServer {
		t.Errorf("span kind = %v", spans[0].SpanKind())
	}
}

func TestTracing_RootSpanWithoutHeaders(t *testing.T) {
	recorder := setTracingTestProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deadletters", nil)
	Tracing(DefaultTracingOptions())(statusHandler(http.StatusOK)).ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Parent().IsValid() {
		t.Error("expected a root span")
	}
	if spans[0].Name() != "GET /api/v1/deadletters" {
		t.Errorf("span name = %q", spans[0].Name())
	}
}

func TestTracing_StatusMapping(t *testing.T) {
	tests := []struct {
		code int
		want otelcodes.Code
	}{
		{http.StatusAccepted, otelcodes.Unset},
		{http.StatusConflict, otelcodes.Unset},
		{http.StatusServiceUnavailable, otelcodes.Error},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			recorder := setTracingTestProvider(t)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
			Tracing(DefaultTracingOptions())(statusHandler(tt.code)).ServeHTTP(httptest.NewRecorder(), req)

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if got := spans[0].Status().Code; got != tt.want {
				t.Errorf("span status = %v, want %v", got, tt.want)
			}
			if v, ok := spanAttr(spans[0], "http.response.status_code"); !ok || v.AsInt64() != int64(tt.code) {
				t.Errorf("http.response.status_code = %v", v.AsInt64())
			}
		})
	}
}

func TestTracing_RouteAndOrderID(t *testing.T) {
	recorder := setTracingTestProvider(t)

	r := chi.NewRouter()
	r.Use(Tracing(DefaultTracingOptions()))
	r.Get("/api/v1/sagas/{orderId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/order-42", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "GET /api/v1/sagas/{orderId}" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if v, ok := spanAttr(spans[0], "saga.order_id"); !ok || v.AsString() != "order-42" {
		t.Errorf("saga.order_id = %q", v.AsString())
	}
	if v, ok := spanAttr(spans[0], "http.route"); !ok || v.AsString() != "/api/v1/sagas/{orderId}" {
		t.Errorf("http.route = %q", v.AsString())
	}
}

func TestTracing_SkipsProbes(t *testing.T) {
	recorder := setTracingTestProvider(t)

	h := Tracing(DefaultTracingOptions())(statusHandler(http.StatusOK))
	for _, path := range []string{"/health", "/ready", "/api/v1/events/ws"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if n := len(recorder.Ended()); n != 0 {
		t.Fatalf("expected no spans, got %d", n)
	}
}

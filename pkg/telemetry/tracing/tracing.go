// Package tracing installs the process-wide OpenTelemetry tracer provider.
//
// Saga transitions, publishes and consumes open their spans through otel.Tracer; this
// package only decides whether and where those spans are exported.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
)

// ShutdownFunc flushes buffered spans and stops the provider.
type ShutdownFunc func(ctx context.Context) error

const failureLogInterval = 30 * time.Second

// dialExporter is replaced in tests.
var dialExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(collectorAddr(cfg.Endpoint)),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// lossyExporter swallows export errors so a collector outage never fails a saga
// operation. Failures are counted and logged at most once per failureLogInterval.
type lossyExporter struct {
	sdktrace.SpanExporter
	endpoint string
	failed   atomic.Int64
	report   rate.Sometimes
	log      func(msg string, args ...any)
}

func newLossyExporter(exp sdktrace.SpanExporter, endpoint string) *lossyExporter {
	return &lossyExporter{
		SpanExporter: exp,
		endpoint:     endpoint,
		report:       rate.Sometimes{First: 1, Interval: failureLogInterval},
		log:          logger.Warn,
	}
}

func (e *lossyExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	err := e.SpanExporter.ExportSpans(ctx, spans)
	if err == nil {
		return nil
	}
	total := e.failed.Add(int64(len(spans)))
	e.report.Do(func() {
		e.log("Dropping spans, collector export failed",
			"error", err,
			"endpoint", e.endpoint,
			"batch", len(spans),
			"dropped_total", total,
		)
	})
	return nil
}

// Dropped returns how many spans failed to export.
func (e *lossyExporter) Dropped() int64 { return e.failed.Load() }

// Init installs the tracer provider described by cfg. The W3C propagator is installed even
// when tracing is disabled so traceparent values keep flowing through message envelopes.
func Init(ctx context.Context, cfg config.TracingConfig, app config.AppConfig) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	exp, err := dialExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create %s exporter: %w", cfg.Exporter, err)
	}
	res, err := newResource(ctx, app)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(newLossyExporter(exp, collectorAddr(cfg.Endpoint))),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		var errs []error
		if err := tp.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown: %w", err))
		}
		if len(errs) > 0 {
			return fmt.Errorf("tracing: %w", errors.Join(errs...))
		}
		return nil
	}, nil
}

func checkConfig(cfg config.TracingConfig) error {
	var errs []error
	if strings.TrimSpace(cfg.Exporter) == "" {
		errs = append(errs, errors.New("exporter is required"))
	}
	if collectorAddr(cfg.Endpoint) == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("tracing: %w", errors.Join(errs...))
	}
	return nil
}

func newResource(ctx context.Context, app config.AppConfig) (*resource.Resource, error) {
	name := app.Name
	if name == "" {
		name = "ordersaga"
	}
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(name), semconv.ServiceVersion(app.Version)),
		resource.WithHost(),
	}
	if app.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironmentName(app.Environment)))
	}
	return resource.New(ctx, attrs...)
}

// sampler honours an upstream sampling decision unless always_on or always_off is forced.
func sampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
}

// collectorAddr reduces a URL such as http://otel:4317/v1/traces to the host:port the gRPC
// exporter dials.
func collectorAddr(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

func (m *Manager) initHTTPMetrics(f promauto.Factory, cfg Config) {
	m.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "API requests by method, chi route pattern and status code",
	}, []string{"method", "path", "status"})

	m.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "API request latency by method and chi route pattern",
		Buckets: cfg.HTTPDurationBuckets,
	}, []string{"method", "path"})

	m.httpConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "http_active_connections",
		Help: "API requests currently being served",
	})
}

func (m *Manager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RecordHTTPRequestWithContext(context.Background(), method, path, status, duration)
}

// RecordHTTPRequestWithContext also links the latency sample to the request's trace, when
// the request is traced.
func (m *Manager) RecordHTTPRequestWithContext(ctx context.Context, method, path, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()

	obs := m.httpDuration.WithLabelValues(method, path)
	exemplar, traced := traceExemplarLabels(ctx)
	eo, canLink := obs.(prometheus.ExemplarObserver)
	if traced && canLink {
		eo.ObserveWithExemplar(duration.Seconds(), exemplar)
		return
	}
	obs.Observe(duration.Seconds())
}

func (m *Manager) IncActiveConnections() {
	if m.enabled {
		m.httpConnections.Inc()
	}
}

func (m *Manager) DecActiveConnections() {
	if m.enabled {
		m.httpConnections.Dec()
	}
}

func traceExemplarLabels(ctx context.Context) (prometheus.Labels, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil, false
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String(), "span_id": sc.SpanID().String()}, true
}

// Package metrics exposes saga, event bus, consumer lane and HTTP instrumentation through
// a private Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns every collector. A disabled Manager turns each Record call into a no-op, so
// callers never need a nil check.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	sagaTransitions    *prometheus.CounterVec
	sagaNoops          *prometheus.CounterVec
	sagaConflictRetry  *prometheus.CounterVec
	sagaOpDuration     *prometheus.HistogramVec
	sagaStateInstances *prometheus.GaugeVec

	publishTotal     *prometheus.CounterVec
	publishRetries   prometheus.Counter
	publishDegraded  prometheus.Gauge
	publishOutages   prometheus.Counter
	publishRecovered prometheus.Counter
	consumeTotal     *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	consumeInFlight  *prometheus.GaugeVec

	laneQueueDepth   *prometheus.GaugeVec
	laneWaitDuration *prometheus.HistogramVec
	laneThroughput   *prometheus.CounterVec

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

type Config struct {
	Enabled bool
	Port    int
	Path    string

	SagaOperationBuckets   []float64
	HandlerDurationBuckets []float64
	LaneWaitBuckets        []float64
	HTTPDurationBuckets    []float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Port:                   9091,
		Path:                   "/metrics",
		SagaOperationBuckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		HandlerDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		LaneWaitBuckets:        []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		HTTPDurationBuckets:    prometheus.DefBuckets,
	}
}

func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return NoOpManager()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Manager{registry: reg, enabled: true}
	f := promauto.With(reg)
	m.initSagaMetrics(f, cfg)
	m.initEventBusMetrics(f, cfg)
	m.initLaneMetrics(f, cfg)
	m.initHTTPMetrics(f, cfg)
	return m
}

// NoOpManager records nothing and serves 404 on its handler.
func NoOpManager() *Manager {
	return &Manager{}
}

func (m *Manager) Enabled() bool { return m.enabled }

// Registry is nil when metrics are disabled.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.InstrumentMetricHandler(m.registry,
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          m.registry,
		}))
}

// StartServer serves the handler on its own port until ctx is cancelled. It returns nil
// after a clean shutdown and when metrics are disabled.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}

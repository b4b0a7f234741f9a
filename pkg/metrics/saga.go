package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initSagaMetrics(f promauto.Factory, cfg Config) {
	m.sagaTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Total number of applied saga transitions",
		},
		[]string{"operation", "from", "to"},
	)

	m.sagaNoops = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_noop_total",
			Help: "Total number of saga operations that changed nothing, by reason",
		},
		[]string{"operation", "reason"},
	)

	m.sagaConflictRetry = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts retried",
		},
		[]string{"operation"},
	)

	m.sagaOpDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_operation_duration_seconds",
			Help:    "State machine operation duration in seconds",
			Buckets: cfg.SagaOperationBuckets,
		},
		[]string{"operation"},
	)

	m.sagaStateInstances = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "saga_state_instances",
			Help: "Number of sagas entering each state since start minus those leaving it",
		},
		[]string{"state"},
	)
}

// RecordTransition records one applied transition. An empty from marks creation.
func (m *Manager) RecordTransition(op, from, to string) {
	if !m.enabled {
		return
	}
	m.sagaTransitions.WithLabelValues(op, from, to).Inc()
	if from != "" {
		m.sagaStateInstances.WithLabelValues(from).Dec()
	}
	m.sagaStateInstances.WithLabelValues(to).Inc()
}

// RecordNoop records an operation the state machine declined.
func (m *Manager) RecordNoop(op, reason string) {
	if !m.enabled {
		return
	}
	m.sagaNoops.WithLabelValues(op, reason).Inc()
}

// RecordConflictRetry records one version conflict.
func (m *Manager) RecordConflictRetry(op string) {
	if !m.enabled {
		return
	}
	m.sagaConflictRetry.WithLabelValues(op).Inc()
}

// RecordOperationDuration records state machine operation latency.
func (m *Manager) RecordOperationDuration(op string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

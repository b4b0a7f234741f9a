package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initEventBusMetrics(f promauto.Factory, cfg Config) {
	m.publishTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_bus_publish_total",
			Help: "Total event bus publish attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	m.publishRetries = f.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_publish_retries_total",
			Help: "Total number of event-bus publish retries",
		},
	)

	m.publishDegraded = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_bus_degraded",
			Help: "Whether the publish path is currently in degraded mode (1=degraded)",
		},
	)

	m.publishOutages = f.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_outages_total",
			Help: "Total event-bus outage transitions",
		},
	)

	m.publishRecovered = f.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_recoveries_total",
			Help: "Total event-bus recovery transitions",
		},
	)

	m.consumeTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_bus_consume_total",
			Help: "Total consumed messages by channel, event type and outcome",
		},
		[]string{"channel", "event_type", "outcome"},
	)

	m.handlerDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_bus_handler_duration_seconds",
			Help:    "Handler duration per dispatch attempt in seconds",
			Buckets: cfg.HandlerDurationBuckets,
		},
		[]string{"channel", "event_type"},
	)

	m.consumeInFlight = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "event_bus_in_flight",
			Help: "Messages currently being handled per channel",
		},
		[]string{"channel"},
	)
}

// RecordPublish records event-bus publish status.
func (m *Manager) RecordPublish(channel, status string) {
	if !m.enabled {
		return
	}
	m.publishTotal.WithLabelValues(channel, status).Inc()
}

// RecordRetry records event-bus publish retry.
func (m *Manager) RecordRetry() {
	if !m.enabled {
		return
	}
	m.publishRetries.Inc()
}

// SetDegradedMode sets event-bus degraded state gauge.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if active {
		m.publishDegraded.Set(1)
		return
	}
	m.publishDegraded.Set(0)
}

// RecordOutage records a degraded-mode transition into outage state.
func (m *Manager) RecordOutage() {
	if !m.enabled {
		return
	}
	m.publishOutages.Inc()
}

// RecordRecovery records a degraded-mode recovery transition.
func (m *Manager) RecordRecovery() {
	if !m.enabled {
		return
	}
	m.publishRecovered.Inc()
}

// RecordConsume records how a consumed message was settled.
func (m *Manager) RecordConsume(channel, eventType, outcome string) {
	if !m.enabled {
		return
	}
	m.consumeTotal.WithLabelValues(channel, eventType, outcome).Inc()
}

// ObserveHandlerDuration records one dispatch attempt.
func (m *Manager) ObserveHandlerDuration(channel, eventType string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.handlerDuration.WithLabelValues(channel, eventType).Observe(duration.Seconds())
}

// IncInFlight increments the in-flight gauge for channel.
func (m *Manager) IncInFlight(channel string) {
	if !m.enabled {
		return
	}
	m.consumeInFlight.WithLabelValues(channel).Inc()
}

// DecInFlight decrements the in-flight gauge for channel.
func (m *Manager) DecInFlight(channel string) {
	if !m.enabled {
		return
	}
	m.consumeInFlight.WithLabelValues(channel).Dec()
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// initLaneMetrics registers the consumer lane collectors. Each consumer owns one lane, so the
// "lane" label carries the consumed channel name.
func (m *Manager) initLaneMetrics(f promauto.Factory, cfg Config) {
	m.laneQueueDepth = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "consumer_lane_queue_depth",
			Help: "Deliveries accepted by a consumer lane and not yet picked up by a worker",
		},
		[]string{"lane"},
	)

	m.laneWaitDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consumer_lane_wait_duration_seconds",
			Help:    "Time a delivery waits in its lane before a handler starts",
			Buckets: cfg.LaneWaitBuckets,
		},
		[]string{"lane"},
	)

	m.laneThroughput = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_lane_processed_total",
			Help: "Deliveries a consumer lane has finished handling",
		},
		[]string{"lane"},
	)
}

func (m *Manager) IncQueueDepth(laneName string) {
	if !m.enabled {
		return
	}
	m.laneQueueDepth.WithLabelValues(laneName).Inc()
}

func (m *Manager) DecQueueDepth(laneName string) {
	if !m.enabled {
		return
	}
	m.laneQueueDepth.WithLabelValues(laneName).Dec()
}

// RecordWaitDuration observes how long a delivery sat queued in laneName.
func (m *Manager) RecordWaitDuration(laneName string, wait time.Duration) {
	if !m.enabled {
		return
	}
	m.laneWaitDuration.WithLabelValues(laneName).Observe(wait.Seconds())
}

// RecordThroughput counts one handled delivery, whatever its outcome.
func (m *Manager) RecordThroughput(laneName string) {
	if !m.enabled {
		return
	}
	m.laneThroughput.WithLabelValues(laneName).Inc()
}

package engine

import (
	"github.com/redis/go-redis/v9"

	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/lane"
	"github.com/goclaw/ordersaga/pkg/orders"
	"github.com/goclaw/ordersaga/pkg/saga"
)

// MetricsRecorder is everything the runtime reports to. metrics.Manager implements it.
type MetricsRecorder interface {
	saga.MetricsRecorder
	eventbus.Telemetry
	eventbus.ConsumerTelemetry
	lane.MetricsRecorder
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithMetrics sets the metrics recorder for the engine.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithObserver registers a global saga transition observer.
func WithObserver(observer saga.Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observers.SubscribeGlobal(observer)
		}
	}
}

// WithRedisClient sets the shared Redis client used by the Redis store and broker instead of
// dialing storage.redis.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(e *Engine) {
		if client != nil {
			e.redisClient = client
		}
	}
}

// WithStore replaces the configured saga store.
func WithStore(store saga.Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithBroker replaces the configured broker. The engine closes it on Stop.
func WithBroker(broker eventbus.Broker) Option {
	return func(e *Engine) {
		if broker != nil {
			e.broker = broker
		}
	}
}

// WithDeadLetterStore replaces the configured dead-letter store.
func WithDeadLetterStore(store eventbus.DeadLetterStore) Option {
	return func(e *Engine) {
		if store != nil {
			e.deadLetters = store
		}
	}
}

// WithPaymentDecider replaces the decider built from the payment section.
func WithPaymentDecider(decider orders.PaymentDecider) Option {
	return func(e *Engine) {
		if decider != nil {
			e.decider = decider
		}
	}
}

// WithCompensator sets the side-effect compensator run on cancellation.
func WithCompensator(compensator orders.Compensator) Option {
	return func(e *Engine) {
		if compensator != nil {
			e.compensator = compensator
		}
	}
}

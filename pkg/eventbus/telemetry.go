package eventbus

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const eventbusTracerName = "ordersaga.eventbus"

func eventbusTracer() trace.Tracer {
	return otel.Tracer(eventbusTracerName)
}

// Telemetry records publish behavior and pipeline health.
type Telemetry interface {
	RecordPublish(channel, status string)
	RecordRetry()
	SetDegradedMode(active bool)
	RecordOutage()
	RecordRecovery()
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(channel, status string) {}
func (nopTelemetry) RecordRetry()                         {}
func (nopTelemetry) SetDegradedMode(active bool)          {}
func (nopTelemetry) RecordOutage()                        {}
func (nopTelemetry) RecordRecovery()                      {}

// Consume outcomes reported to ConsumerTelemetry.RecordConsume.
const (
	OutcomeAcked        = "acked"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRetried      = "retried"
)

// ConsumerTelemetry records inbound processing.
type ConsumerTelemetry interface {
	RecordConsume(channel, eventType, outcome string)
	ObserveHandlerDuration(channel, eventType string, duration time.Duration)
	IncInFlight(channel string)
	DecInFlight(channel string)
}

type nopConsumerTelemetry struct{}

func (nopConsumerTelemetry) RecordConsume(channel, eventType, outcome string)                  {}
func (nopConsumerTelemetry) ObserveHandlerDuration(channel, eventType string, d time.Duration) {}
func (nopConsumerTelemetry) IncInFlight(channel string)                                        {}
func (nopConsumerTelemetry) DecInFlight(channel string)                                        {}

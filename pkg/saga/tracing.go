package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "ordersaga.saga"

const (
	spanGetOrCreate    = "saga.machine.get_or_create"
	spanRecordPayment  = "saga.machine.record_payment"
	spanRecordShipping = "saga.machine.record_shipping"
	spanCancel         = "saga.machine.cancel"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}

package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const runtimeTracerName = "ordersaga.engine"

const (
	spanEngineStart = "engine.start"
	spanEngineStop  = "engine.stop"
	spanDemoRun     = "engine.demo"
)

func runtimeTracer() trace.Tracer {
	return otel.Tracer(runtimeTracerName)
}

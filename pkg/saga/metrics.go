package saga

import "time"

// No-op reasons reported to MetricsRecorder.RecordNoop.
const (
	NoopNotFound          = "not_found"
	NoopAlreadyProcessed  = "already_processed"
	NoopTerminal          = "terminal"
	NoopPreconditionUnmet = "precondition_unmet"
	NoopExisting          = "existing"
)

// MetricsRecorder records state machine activity.
type MetricsRecorder interface {
	RecordTransition(op, from, to string)
	RecordNoop(op, reason string)
	RecordConflictRetry(op string)
	RecordOperationDuration(op string, duration time.Duration)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordTransition(op, from, to string)                      {}
func (nopMetricsRecorder) RecordNoop(op, reason string)                              {}
func (nopMetricsRecorder) RecordConflictRetry(op string)                             {}
func (nopMetricsRecorder) RecordOperationDuration(op string, duration time.Duration) {}

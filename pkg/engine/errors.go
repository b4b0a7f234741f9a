package engine

import "fmt"

// ComponentError is returned when a runtime component cannot be built or started.
type ComponentError struct {
	Component string
	Cause     error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Component, e.Cause)
}

func (e *ComponentError) Unwrap() error { return e.Cause }

// EngineNotRunningError is returned when an operation requires the engine to be running.
type EngineNotRunningError struct {
	State string
}

func (e *EngineNotRunningError) Error() string {
	if e.State == "" {
		return "engine is not running"
	}
	return fmt.Sprintf("engine is not running (state %s)", e.State)
}

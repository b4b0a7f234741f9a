package lane

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("lane closed")
	ErrFull          = errors.New("lane full")
	ErrUnknownLane   = errors.New("unknown lane")
	ErrDuplicateLane = errors.New("lane already registered")
)

// Error ties one of the sentinels above to the lane, and task if any, it happened on.
type Error struct {
	Lane   string
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("lane %s: task %s: %v", e.Lane, e.TaskID, e.Err)
	}
	return fmt.Sprintf("lane %s: %v", e.Lane, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func laneError(lane string, err error) error {
	return &Error{Lane: lane, Err: err}
}

// PanicError is recorded as the failure of a task that panicked.
type PanicError struct {
	TaskID string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Value)
}

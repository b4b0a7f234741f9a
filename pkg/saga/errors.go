package saga

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	// ErrInvalidArgument marks malformed identifiers or amounts. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a referenced saga that does not exist.
	ErrNotFound = errors.New("saga not found")

	// ErrPreconditionFailed marks a transition the state machine declined. Callers treat it as
	// a successful no-op.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrTransient marks storage or channel unavailability.
	ErrTransient = errors.New("transient infrastructure failure")

	// ErrFollowUpFailed marks a follow-on publish that failed after its transition was stored.
	// A second run of the handler publishes nothing; the message is dead-lettered, not retried.
	ErrFollowUpFailed = errors.New("follow-up publish failed")

	// ErrVersionConflict is returned by stores when a compare-and-swap on Version loses a race.
	ErrVersionConflict = fmt.Errorf("version conflict: %w", ErrTransient)
)

// Error carries the operation and order that produced a failure.
type Error struct {
	Op      string
	OrderID string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.OrderID != "" {
		msg += " " + e.OrderID
	}
	if e.Err != nil {
		return fmt.Sprintf("saga: %s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("saga: %s: %v", msg, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, orderID string, kind, cause error) *Error {
	return &Error{Op: op, OrderID: orderID, Kind: kind, Err: cause}
}

// Transient wraps an infrastructure error so it classifies as ErrTransient.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &Error{Op: op, Kind: ErrTransient, Err: err}
}

// FollowUpFailed marks err as a publish failure that followed a stored transition.
func FollowUpFailed(op, orderID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, OrderID: orderID, Kind: ErrFollowUpFailed, Err: err}
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether an error may succeed on a later attempt.
// Caller errors and missing sagas are permanent for the message that caused them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrFollowUpFailed) {
		return false
	}
	return true
}

// Package dispatch routes inbound saga events to the handler registered for their declared type.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/saga"
)

// ErrHandlerNotFound marks an event type with no registered handler. It is a wiring defect.
var ErrHandlerNotFound = errors.New("handler not found")

// HandlerNotFoundError names the event type that could not be routed.
type HandlerNotFoundError struct {
	EventType string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type %q", e.EventType)
}

// Is makes errors.Is(err, ErrHandlerNotFound) match.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// PanicError wraps a recovered handler panic.
type PanicError struct {
	EventType string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler for %s panicked: %v", e.EventType, e.Value)
}

// Handler reacts to one event.
type Handler interface {
	Handle(ctx context.Context, env eventbus.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env eventbus.Envelope) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env eventbus.Envelope) error {
	return f(ctx, env)
}

// Dispatcher maps event types to handlers. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   logger.Logger
}

// New creates an empty dispatcher.
func New(log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Global()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   log,
	}
}

// Register binds handler to eventType. Registering a type twice panics.
func (d *Dispatcher) Register(eventType string, handler Handler) {
	if strings.TrimSpace(eventType) == "" {
		panic("dispatch: event type cannot be empty")
	}
	if handler == nil {
		panic("dispatch: handler cannot be nil for " + eventType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[eventType]; exists {
		panic("dispatch: duplicate handler for " + eventType)
	}
	d.handlers[eventType] = handler
}

// Register binds a typed handler to eventType. The envelope payload is decoded into T before fn
// runs; a payload that does not decode is an invalid argument.
func Register[T any](d *Dispatcher, eventType string, fn func(ctx context.Context, event T) error) {
	d.Register(eventType, HandlerFunc(func(ctx context.Context, env eventbus.Envelope) error {
		var event T
		if err := env.DecodePayload(&event); err != nil {
			return fmt.Errorf("%w: %v", saga.ErrInvalidArgument, err)
		}
		return fn(ctx, event)
	}))
}

// EventTypes returns the registered types, sorted.
func (d *Dispatcher) EventTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for eventType := range d.handlers {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Require checks every type has a handler. Run it at startup.
func (d *Dispatcher) Require(eventTypes ...string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var errs []error
	for _, eventType := range eventTypes {
		if _, ok := d.handlers[eventType]; !ok {
			errs = append(errs, &HandlerNotFoundError{EventType: eventType})
		}
	}
	return errors.Join(errs...)
}

// Dispatch runs the handler for env.EventType and waits for it. Declined transitions count as
// success. Panics are returned as *PanicError.
func (d *Dispatcher) Dispatch(ctx context.Context, env eventbus.Envelope) (err error) {
	d.mu.RLock()
	handler, ok := d.handlers[env.EventType]
	d.mu.RUnlock()
	if !ok {
		return &HandlerNotFoundError{EventType: env.EventType}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{EventType: env.EventType, Value: r, Stack: debug.Stack()}
			d.logger.ErrorContext(ctx, "Handler panicked",
				"event_type", env.EventType,
				"order_id", env.OrderID,
				"panic", r,
			)
		}
	}()

	err = handler.Handle(ctx, env)
	if errors.Is(err, saga.ErrPreconditionFailed) {
		d.logger.DebugContext(ctx, "Transition declined, acknowledging",
			"event_type", env.EventType,
			"order_id", env.OrderID,
			"reason", err,
		)
		return nil
	}
	return err
}

// IsRetryable reports whether a dispatch error may succeed on redelivery. Routing failures and
// caller errors never do.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrHandlerNotFound) {
		return false
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return false
	}
	return saga.IsRetryable(err)
}

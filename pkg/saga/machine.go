package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/ordersaga/pkg/logger"
)

// DefaultMaxConflictRetries bounds how often a transition is re-read and re-applied after a
// lost compare-and-swap.
const DefaultMaxConflictRetries = 5

// Transition describes one persisted state change.
type Transition struct {
	Op     string    `json:"op"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Record *Record   `json:"record"`
	At     time.Time `json:"at"`
}

// Observer is notified after every persisted transition.
type Observer interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) {
	f(ctx, t)
}

// Machine owns every saga transition. Operations on one order id are serialized by a keyed
// mutex in-process and by the store's version check across processes.
type Machine struct {
	store              Store
	locks              *KeyedMutex
	logger             logger.Logger
	metrics            MetricsRecorder
	observers          []Observer
	now                func() time.Time
	maxConflictRetries int
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(l logger.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r MetricsRecorder) MachineOption {
	return func(m *Machine) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) MachineOption {
	return func(m *Machine) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMaxConflictRetries sets how many times a conflicting write is retried.
func WithMaxConflictRetries(n int) MachineOption {
	return func(m *Machine) {
		if n >= 0 {
			m.maxConflictRetries = n
		}
	}
}

// NewMachine creates a Machine over store.
func NewMachine(store Store, opts ...MachineOption) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("saga store cannot be nil")
	}
	m := &Machine{
		store:              store,
		locks:              NewKeyedMutex(),
		logger:             logger.Global(),
		metrics:            nopMetricsRecorder{},
		now:                time.Now,
		maxConflictRetries: DefaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GetOrCreate returns the record for orderID, creating it in StateCreated when absent.
// An existing record is returned unchanged and amount is ignored.
func (m *Machine) GetOrCreate(ctx context.Context, orderID string, amount *decimal.Decimal) (rec *Record, err error) {
	const op = "get_or_create"
	ctx, finish := m.begin(ctx, spanGetOrCreate, op, orderID)
	defer func() { finish(err) }()

	if err := validateOrderID(op, orderID); err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := m.store.Get(ctx, orderID)
	if err == nil {
		m.metrics.RecordNoop(op, NoopExisting)
		return existing, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	if amount == nil {
		return nil, newError(op, orderID, ErrInvalidArgument, errors.New("amount is required to create a saga"))
	}
	if !amount.IsPositive() {
		return nil, newError(op, orderID, ErrInvalidArgument, fmt.Errorf("amount must be positive, got %s", amount.String()))
	}

	rec = NewRecord(orderID, *amount, m.now())
	if err := m.store.Upsert(ctx, rec); err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		// Another process created it first.
		m.metrics.RecordConflictRetry(op)
		existing, getErr := m.store.Get(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		m.metrics.RecordNoop(op, NoopExisting)
		return existing, nil
	}

	m.logger.InfoContext(ctx, "Saga created", "order_id", orderID, "amount", amount.String())
	m.metrics.RecordTransition(op, "", StateCreated.String())
	m.notify(ctx, op, StateCreated, rec)
	return rec.Clone(), nil
}

// CanAdvance reports whether payment or shipping may still be recorded for rec.
func (m *Machine) CanAdvance(rec *Record) bool {
	return CanAdvance(rec)
}

// CanAdvance is false once a saga reaches a terminal state.
func CanAdvance(rec *Record) bool {
	return rec != nil && !rec.State.IsTerminal()
}

// RecordPayment records the payment outcome once. It returns false without writing when the
// saga is missing, terminal, or already has a payment recorded.
func (m *Machine) RecordPayment(ctx context.Context, orderID string, succeeded bool, errMsg string) (applied bool, err error) {
	const op = "record_payment"
	ctx, finish := m.begin(ctx, spanRecordPayment, op, orderID)
	defer func() { finish(err) }()

	if err := validateOrderID(op, orderID); err != nil {
		return false, err
	}

	return m.transition(ctx, op, orderID, func(rec *Record) (bool, string) {
		if !CanAdvance(rec) {
			return false, NoopTerminal
		}
		if rec.PaymentProcessed {
			return false, NoopAlreadyProcessed
		}
		rec.PaymentProcessed = true
		if succeeded {
			rec.State = StatePaymentSucceeded
		} else {
			rec.State = StatePaymentFailed
			rec.ErrorMessage = errMsg
		}
		return true, ""
	})
}

// RecordShipping marks the saga completed. It requires a successful payment and applies once.
func (m *Machine) RecordShipping(ctx context.Context, orderID string) (applied bool, err error) {
	const op = "record_shipping"
	ctx, finish := m.begin(ctx, spanRecordShipping, op, orderID)
	defer func() { finish(err) }()

	if err := validateOrderID(op, orderID); err != nil {
		return false, err
	}

	return m.transition(ctx, op, orderID, func(rec *Record) (bool, string) {
		if !CanAdvance(rec) {
			return false, NoopTerminal
		}
		if rec.ShippingProcessed {
			return false, NoopAlreadyProcessed
		}
		if !rec.PaymentProcessed || rec.State != StatePaymentSucceeded {
			return false, NoopPreconditionUnmet
		}
		rec.ShippingProcessed = true
		rec.State = StateCompleted
		return true, ""
	})
}

// Cancel moves the saga to StateCancelled with reason as its error message. It does not consult
// CanAdvance, so a completed or failed saga is overwritten too. A missing saga is ErrNotFound.
func (m *Machine) Cancel(ctx context.Context, orderID, reason string) (rec *Record, err error) {
	const op = "cancel"
	ctx, finish := m.begin(ctx, spanCancel, op, orderID)
	defer func() { finish(err) }()

	if err := validateOrderID(op, orderID); err != nil {
		return nil, err
	}

	var (
		cancelled *Record
		previous  State
	)
	_, err = m.transition(ctx, op, orderID, func(current *Record) (bool, string) {
		previous = current.State
		current.State = StateCancelled
		current.ErrorMessage = reason
		cancelled = current
		return true, ""
	})
	if err != nil {
		return nil, err
	}
	if cancelled == nil {
		return nil, newError(op, orderID, ErrNotFound, nil)
	}
	if previous.IsTerminal() && previous != StateCancelled {
		m.logger.WarnContext(ctx, "Cancelled a finished saga", "order_id", orderID, "previous_state", previous.String())
	}
	return cancelled.Clone(), nil
}

// Get returns the stored record for orderID.
func (m *Machine) Get(ctx context.Context, orderID string) (*Record, error) {
	if err := validateOrderID("get", orderID); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, orderID)
}

// ListByState returns all records in state, oldest first.
func (m *Machine) ListByState(ctx context.Context, state State) ([]*Record, error) {
	if _, ok := stateNames[state]; !ok {
		return nil, newError("list", "", ErrInvalidArgument, fmt.Errorf("unknown state %d", int(state)))
	}
	return m.store.ListByState(ctx, state)
}

// transition applies mutate under the order lock, retrying on version conflicts. A missing record
// is a no-op. mutate reports whether it changed the record and, if not, the no-op reason.
func (m *Machine) transition(
	ctx context.Context,
	op string,
	orderID string,
	mutate func(rec *Record) (bool, string),
) (bool, error) {
	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return false, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := m.store.Get(ctx, orderID)
		if err != nil && !IsNotFound(err) {
			return false, err
		}
		if current == nil {
			m.recordNoop(ctx, op, orderID, NoopNotFound)
			return false, nil
		}

		next := current.Clone()
		changed, reason := mutate(next)
		if !changed {
			m.recordNoop(ctx, op, orderID, reason)
			return false, nil
		}
		next.UpdatedAt = m.now().UTC()

		err = m.store.Upsert(ctx, next)
		if err == nil {
			m.logger.InfoContext(ctx, "Saga transitioned",
				"order_id", orderID,
				"op", op,
				"from", current.State.String(),
				"to", next.State.String(),
			)
			m.metrics.RecordTransition(op, current.State.String(), next.State.String())
			m.notify(ctx, op, current.State, next)
			return true, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= m.maxConflictRetries {
			return false, err
		}
		m.metrics.RecordConflictRetry(op)
		m.logger.DebugContext(ctx, "Saga write conflict, retrying", "order_id", orderID, "op", op, "attempt", attempt+1)
	}
}

func (m *Machine) recordNoop(ctx context.Context, op, orderID, reason string) {
	m.metrics.RecordNoop(op, reason)
	if reason == NoopNotFound {
		m.logger.WarnContext(ctx, "Saga not found", "order_id", orderID, "op", op)
		return
	}
	m.logger.DebugContext(ctx, "Saga transition skipped", "order_id", orderID, "op", op, "reason", reason)
}

func (m *Machine) notify(ctx context.Context, op string, from State, rec *Record) {
	if len(m.observers) == 0 {
		return
	}
	t := Transition{Op: op, From: from, To: rec.State, Record: rec.Clone(), At: rec.UpdatedAt}
	for _, o := range m.observers {
		o.OnTransition(ctx, t)
	}
}

func (m *Machine) begin(ctx context.Context, spanName, op, orderID string) (context.Context, func(error)) {
	start := m.now()
	ctx, span := sagaTracer().Start(ctx, spanName,
		trace.WithAttributes(attribute.String("saga.order_id", orderID)),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.metrics.RecordOperationDuration(op, m.now().Sub(start))
	}
}

func validateOrderID(op, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return newError(op, orderID, ErrInvalidArgument, errors.New("order id is required"))
	}
	return nil
}

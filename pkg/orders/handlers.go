package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/goclaw/ordersaga/pkg/dispatch"
	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/saga"
)

// StateMachine is the part of saga.Machine the handlers drive.
type StateMachine interface {
	GetOrCreate(ctx context.Context, orderID string, amount *decimal.Decimal) (*saga.Record, error)
	CanAdvance(rec *saga.Record) bool
	RecordPayment(ctx context.Context, orderID string, succeeded bool, errMsg string) (bool, error)
	RecordShipping(ctx context.Context, orderID string) (bool, error)
	Cancel(ctx context.Context, orderID, reason string) (*saga.Record, error)
}

// EventPublisher publishes follow-on events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, channel, eventType, orderID string, payload any) (eventbus.Envelope, error)
}

// Config wires Handlers.
type Config struct {
	Machine     StateMachine
	Publisher   EventPublisher
	Decider     PaymentDecider
	Compensator Compensator
	Channels    Channels
	Logger      logger.Logger
	Now         func() time.Time
}

// Handlers reacts to saga events. Every handler is safe under redelivery: the state machine
// reports whether a transition applied and follow-on events are published only when it did.
// A follow-on publish that fails after its transition was stored returns saga.ErrFollowUpFailed.
type Handlers struct {
	machine     StateMachine
	publisher   EventPublisher
	decider     PaymentDecider
	compensator Compensator
	channels    Channels
	logger      logger.Logger
	now         func() time.Time
}

// NewHandlers validates cfg and fills defaults.
func NewHandlers(cfg Config) (*Handlers, error) {
	if cfg.Machine == nil {
		return nil, fmt.Errorf("orders: state machine is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("orders: publisher is required")
	}
	if cfg.Decider == nil {
		return nil, fmt.Errorf("orders: payment decider is required")
	}
	if cfg.Compensator == nil {
		cfg.Compensator = NopCompensator{}
	}
	defaults := DefaultChannels()
	if cfg.Channels.Orders == "" {
		cfg.Channels.Orders = defaults.Orders
	}
	if cfg.Channels.Payments == "" {
		cfg.Channels.Payments = defaults.Payments
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handlers{
		machine:     cfg.Machine,
		publisher:   cfg.Publisher,
		decider:     cfg.Decider,
		compensator: cfg.Compensator,
		channels:    cfg.Channels,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}, nil
}

// Register binds every handler to d.
func (h *Handlers) Register(d *dispatch.Dispatcher) {
	dispatch.Register(d, EventOrderCreated, h.OrderCreated)
	dispatch.Register(d, EventOrderCancelled, h.OrderCancelled)
	dispatch.Register(d, EventPaymentSucceeded, h.PaymentSucceeded)
	dispatch.Register(d, EventPaymentFailed, h.PaymentFailed)
	dispatch.Register(d, EventShippingStarted, h.ShippingStarted)
	dispatch.Register(d, EventShippingCompleted, h.ShippingCompleted)
}

// OrderCreated opens the saga and publishes the payment outcome.
func (h *Handlers) OrderCreated(ctx context.Context, event OrderCreated) error {
	if err := requireOrderID(EventOrderCreated, event.OrderID); err != nil {
		return err
	}
	log := h.logger.With("order_id", event.OrderID)
	log.InfoContext(ctx, "Processing OrderCreated", "amount", event.Amount.String())

	amount := event.Amount
	rec, err := h.machine.GetOrCreate(ctx, event.OrderID, &amount)
	if err != nil {
		return err
	}
	if !h.machine.CanAdvance(rec) {
		log.WarnContext(ctx, "Saga cannot advance, skipping payment", "state", rec.State.String())
		return nil
	}

	decision, err := h.decider.Decide(ctx, rec)
	if err != nil {
		return fmt.Errorf("decide payment for %s: %w", event.OrderID, err)
	}

	if decision.Succeeded {
		_, err = h.publisher.PublishEvent(ctx, h.channels.Payments, EventPaymentSucceeded, event.OrderID, PaymentSucceeded{
			OrderID:   event.OrderID,
			Amount:    rec.Amount,
			PaymentID: uuid.NewString(),
			CreatedAt: h.now().UTC(),
		})
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "Published PaymentSucceeded")
		return nil
	}

	_, err = h.publisher.PublishEvent(ctx, h.channels.Payments, EventPaymentFailed, event.OrderID, PaymentFailed{
		OrderID:   event.OrderID,
		Amount:    rec.Amount,
		Reason:    decision.Reason,
		CreatedAt: h.now().UTC(),
	})
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "Published PaymentFailed", "reason", decision.Reason)
	return nil
}

// OrderCancelled cancels the saga and runs compensation.
func (h *Handlers) OrderCancelled(ctx context.Context, event OrderCancelled) error {
	if err := requireOrderID(EventOrderCancelled, event.OrderID); err != nil {
		return err
	}
	log := h.logger.With("order_id", event.OrderID)
	log.InfoContext(ctx, "Processing OrderCancelled", "reason", event.Reason)

	rec, err := h.machine.Cancel(ctx, event.OrderID, event.Reason)
	if err != nil {
		return err
	}
	if err := h.compensator.Compensate(ctx, rec, event.Reason); err != nil {
		return fmt.Errorf("compensate %s: %w", event.OrderID, err)
	}
	log.InfoContext(ctx, "Order cancelled")
	return nil
}

// PaymentSucceeded records the payment and completes shipping.
func (h *Handlers) PaymentSucceeded(ctx context.Context, event PaymentSucceeded) error {
	if err := requireOrderID(EventPaymentSucceeded, event.OrderID); err != nil {
		return err
	}
	log := h.logger.With("order_id", event.OrderID)
	log.InfoContext(ctx, "Processing PaymentSucceeded", "payment_id", event.PaymentID)

	applied, err := h.machine.RecordPayment(ctx, event.OrderID, true, "")
	if err != nil {
		return err
	}
	if !applied {
		log.InfoContext(ctx, "Payment already processed or saga cannot advance")
		return nil
	}

	// Shipping is simulated as instantaneous.
	tracking := newTrackingNumber()
	_, err = h.publisher.PublishEvent(ctx, h.channels.Payments, EventShippingCompleted, event.OrderID, ShippingCompleted{
		OrderID:        event.OrderID,
		TrackingNumber: tracking,
		CreatedAt:      h.now().UTC(),
	})
	if err != nil {
		return saga.FollowUpFailed("publish "+EventShippingCompleted, event.OrderID, err)
	}
	log.InfoContext(ctx, "Published ShippingCompleted", "tracking_number", tracking)
	return nil
}

// PaymentFailed records the failure and publishes the compensating cancellation.
func (h *Handlers) PaymentFailed(ctx context.Context, event PaymentFailed) error {
	if err := requireOrderID(EventPaymentFailed, event.OrderID); err != nil {
		return err
	}
	log := h.logger.With("order_id", event.OrderID)
	log.InfoContext(ctx, "Processing PaymentFailed", "reason", event.Reason)

	applied, err := h.machine.RecordPayment(ctx, event.OrderID, false, event.Reason)
	if err != nil {
		return err
	}
	if !applied {
		log.InfoContext(ctx, "Payment failure already processed or saga cannot advance")
		return nil
	}

	_, err = h.publisher.PublishEvent(ctx, h.channels.Orders, EventOrderCancelled, event.OrderID, OrderCancelled{
		OrderID:   event.OrderID,
		Reason:    "Payment failed: " + event.Reason,
		CreatedAt: h.now().UTC(),
	})
	if err != nil {
		return saga.FollowUpFailed("publish "+EventOrderCancelled, event.OrderID, err)
	}
	log.InfoContext(ctx, "Published OrderCancelled for failed payment")
	return nil
}

// ShippingStarted is informational.
func (h *Handlers) ShippingStarted(ctx context.Context, event ShippingStarted) error {
	if err := requireOrderID(EventShippingStarted, event.OrderID); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "Shipping started", "order_id", event.OrderID, "address", event.Address)
	return nil
}

// ShippingCompleted completes the saga.
func (h *Handlers) ShippingCompleted(ctx context.Context, event ShippingCompleted) error {
	if err := requireOrderID(EventShippingCompleted, event.OrderID); err != nil {
		return err
	}
	log := h.logger.With("order_id", event.OrderID)
	log.InfoContext(ctx, "Processing ShippingCompleted", "tracking_number", event.TrackingNumber)

	applied, err := h.machine.RecordShipping(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if !applied {
		log.InfoContext(ctx, "Shipping already processed or saga cannot advance")
		return nil
	}
	log.InfoContext(ctx, "Order saga completed")
	return nil
}

func requireOrderID(eventType, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%s: %w: order id is required", eventType, saga.ErrInvalidArgument)
	}
	return nil
}

func newTrackingNumber() string {
	return "TRACK-" + strings.ToUpper(uuid.NewString()[:8])
}

package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/saga"
)

// Sender starts and cancels sagas from outside the event flow, for the HTTP API and the demo
// seeder.
type Sender struct {
	publisher EventPublisher
	channels  Channels
	logger    logger.Logger
}

// NewSender creates a Sender. Empty channel names take their defaults.
func NewSender(publisher EventPublisher, channels Channels, log logger.Logger) (*Sender, error) {
	if publisher == nil {
		return nil, fmt.Errorf("orders: publisher is required")
	}
	if channels.Orders == "" {
		channels.Orders = DefaultChannels().Orders
	}
	if log == nil {
		log = logger.Global()
	}
	return &Sender{publisher: publisher, channels: channels, logger: log}, nil
}

// SendOrderCreated publishes OrderCreated for a new order.
func (s *Sender) SendOrderCreated(ctx context.Context, orderID string, amount decimal.Decimal) (eventbus.Envelope, error) {
	if strings.TrimSpace(orderID) == "" {
		return eventbus.Envelope{}, fmt.Errorf("%w: order id is required", saga.ErrInvalidArgument)
	}
	if !amount.IsPositive() {
		return eventbus.Envelope{}, fmt.Errorf("%w: amount must be greater than zero", saga.ErrInvalidArgument)
	}

	env, err := s.publisher.PublishEvent(ctx, s.channels.Orders, EventOrderCreated, orderID, OrderCreated{
		OrderID:   orderID,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return eventbus.Envelope{}, err
	}
	s.logger.InfoContext(ctx, "Sent OrderCreated", "order_id", orderID, "amount", amount.String())
	return env, nil
}

// SendOrderCancelled publishes OrderCancelled for an existing order.
func (s *Sender) SendOrderCancelled(ctx context.Context, orderID, reason string) (eventbus.Envelope, error) {
	if strings.TrimSpace(orderID) == "" {
		return eventbus.Envelope{}, fmt.Errorf("%w: order id is required", saga.ErrInvalidArgument)
	}
	if strings.TrimSpace(reason) == "" {
		return eventbus.Envelope{}, fmt.Errorf("%w: reason is required", saga.ErrInvalidArgument)
	}

	env, err := s.publisher.PublishEvent(ctx, s.channels.Orders, EventOrderCancelled, orderID, OrderCancelled{
		OrderID:   orderID,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return eventbus.Envelope{}, err
	}
	s.logger.InfoContext(ctx, "Sent OrderCancelled", "order_id", orderID, "reason", reason)
	return env, nil
}

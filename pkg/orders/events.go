// Package orders implements the order saga's event handlers: payment after order creation,
// shipping after payment, and cancellation as the compensating step.
package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/goclaw/ordersaga/pkg/eventbus"
)

// Event types carried in Envelope.EventType.
const (
	EventOrderCreated      = "OrderCreated"
	EventOrderCancelled    = "OrderCancelled"
	EventPaymentSucceeded  = "PaymentSucceeded"
	EventPaymentFailed     = "PaymentFailed"
	EventShippingStarted   = "ShippingStarted"
	EventShippingCompleted = "ShippingCompleted"
)

// EventTypes lists every event the saga handles.
func EventTypes() []string {
	return []string{
		EventOrderCreated,
		EventOrderCancelled,
		EventPaymentSucceeded,
		EventPaymentFailed,
		EventShippingStarted,
		EventShippingCompleted,
	}
}

// OrderCreated starts a saga for a new order.
type OrderCreated struct {
	OrderID   string          `json:"orderId"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

// OrderCancelled cancels an order, from a customer or as payment compensation.
type OrderCancelled struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// PaymentSucceeded reports an approved payment.
type PaymentSucceeded struct {
	OrderID   string          `json:"orderId"`
	Amount    decimal.Decimal `json:"amount"`
	PaymentID string          `json:"paymentId"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PaymentFailed reports a declined payment and why.
type PaymentFailed struct {
	OrderID   string          `json:"orderId"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ShippingStarted is emitted by an external fulfillment process; the saga only logs it.
type ShippingStarted struct {
	OrderID   string    `json:"orderId"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

// ShippingCompleted reports a shipped order and its tracking number.
type ShippingCompleted struct {
	OrderID        string    `json:"orderId"`
	TrackingNumber string    `json:"trackingNumber"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Channels names the two logical channels.
type Channels struct {
	// Orders carries OrderCreated and OrderCancelled.
	Orders string
	// Payments carries payment and shipping events.
	Payments string
}

// DefaultChannels returns the default channel names.
func DefaultChannels() Channels {
	return Channels{Orders: eventbus.ChannelOrders, Payments: eventbus.ChannelPayments}
}

// For returns the channel an event type is published to.
func (c Channels) For(eventType string) string {
	switch eventType {
	case EventOrderCreated, EventOrderCancelled:
		return c.Orders
	default:
		return c.Payments
	}
}

// RegisterSchemas adds the required payload fields of every saga event to registry.
func RegisterSchemas(registry *eventbus.SchemaRegistry) error {
	schemas := []eventbus.PayloadSchema{
		{EventType: EventOrderCreated, Required: []string{"orderId", "amount"}},
		{EventType: EventOrderCancelled, Required: []string{"orderId", "reason"}},
		{EventType: EventPaymentSucceeded, Required: []string{"orderId", "amount", "paymentId"}},
		{EventType: EventPaymentFailed, Required: []string{"orderId", "amount", "reason"}},
		{EventType: EventShippingStarted, Required: []string{"orderId"}},
		{EventType: EventShippingCompleted, Required: []string{"orderId", "trackingNumber"}},
	}
	for _, schema := range schemas {
		if err := registry.Register(schema); err != nil {
			return err
		}
	}
	return nil
}

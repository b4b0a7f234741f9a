package eventbus

import (
	"context"
	"errors"
)

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("eventbus: broker closed")

// Transport publishes bytes to a channel.
type Transport interface {
	Publish(ctx context.Context, channel string, body []byte) error
}

// Broker is a point-to-point message transport with per-message settlement. Each message
// published to a channel is delivered to one subscriber of that channel at least once.
type Broker interface {
	Transport

	// Subscribe starts receiving from channel. Deliveries stop when the subscription is closed.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases connections held by the broker.
	Close() error
}

// Subscription is a stream of deliveries from one channel.
type Subscription interface {
	C() <-chan Delivery
	Close() error
}

// Releaser is implemented by subscriptions whose deliveries settle over the subscription's own
// connection. Close only stops new deliveries; Release frees the connection once every delivery
// has been settled.
type Releaser interface {
	Release() error
}

// Delivery is one received message. Exactly one of Ack or DeadLetter should be called.
type Delivery interface {
	Channel() string
	Body() []byte

	// Ack removes the message from the channel.
	Ack(ctx context.Context) error

	// DeadLetter moves the message, payload intact, to the channel's dead-letter queue.
	DeadLetter(ctx context.Context, reason string) error
}

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/ordersaga/pkg/lane"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/saga"
)

// Dispatcher routes a decoded envelope to its handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, env Envelope) error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Channel is the channel to consume.
	Channel string

	// Retry bounds in-process redelivery of failed handlers. MaxRetries 0 dead-letters on the
	// first failure.
	Retry RetryConfig

	// SettleTimeout bounds each Ack or DeadLetter call.
	SettleTimeout time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetterStore records every dead letter in store.
func WithDeadLetterStore(store DeadLetterStore) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetters = store
	}
}

// WithSchemaRegistry validates payloads before dispatch.
func WithSchemaRegistry(registry *SchemaRegistry) ConsumerOption {
	return func(c *Consumer) {
		c.schemas = registry
	}
}

// WithConsumerTelemetry sets consume telemetry.
func WithConsumerTelemetry(t ConsumerTelemetry) ConsumerOption {
	return func(c *Consumer) {
		if t != nil {
			c.telemetry = t
		}
	}
}

// WithLogger sets the consumer logger.
func WithLogger(l logger.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetryPolicy decides which handler errors are worth another attempt.
func WithRetryPolicy(retryable func(error) bool) ConsumerOption {
	return func(c *Consumer) {
		if retryable != nil {
			c.retryable = retryable
		}
	}
}

// Consumer pulls one channel into a Dispatcher. Deliveries run on a lane whose concurrency is
// the in-flight bound; each is acked on success or dead-lettered with its payload intact.
type Consumer struct {
	broker      Broker
	dispatcher  Dispatcher
	lane        lane.Lane
	config      ConsumerConfig
	deadLetters DeadLetterStore
	schemas     *SchemaRegistry
	telemetry   ConsumerTelemetry
	logger      logger.Logger
	retryable   func(error) bool

	mu       sync.Mutex
	running  bool
	sub      Subscription
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// NewConsumer creates a consumer for cfg.Channel. The consumer owns l and closes it on Stop.
func NewConsumer(broker Broker, dispatcher Dispatcher, l lane.Lane, cfg ConsumerConfig, opts ...ConsumerOption) (*Consumer, error) {
	if broker == nil {
		return nil, fmt.Errorf("eventbus: broker cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("eventbus: dispatcher cannot be nil")
	}
	if l == nil {
		return nil, fmt.Errorf("eventbus: lane cannot be nil")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("eventbus: consumer channel cannot be empty")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}

	c := &Consumer{
		broker:     broker,
		dispatcher: dispatcher,
		lane:       l,
		config:     cfg,
		telemetry:  nopConsumerTelemetry{},
		logger:     logger.Global(),
		retryable:  saga.IsRetryable,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("channel", cfg.Channel)
	return c, nil
}

// Channel returns the consumed channel.
func (c *Consumer) Channel() string {
	return c.config.Channel
}

// Start subscribes and begins pumping deliveries into the lane.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("eventbus: consumer for %s already started", c.config.Channel)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	sub, err := c.broker.Subscribe(pumpCtx, c.config.Channel)
	if err != nil {
		cancel()
		return fmt.Errorf("eventbus: subscribe %s: %w", c.config.Channel, err)
	}

	c.sub = sub
	c.cancel = cancel
	c.pumpDone = make(chan struct{})
	c.running = true
	go c.pump(pumpCtx, sub, c.pumpDone)

	c.logger.Info("Consumer started")
	return nil
}

// Stop stops pulling new deliveries and waits for in-flight handlers to finish or for ctx to end.
// A Releaser subscription is released after the drain.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	sub, cancel, pumpDone := c.sub, c.cancel, c.pumpDone
	c.mu.Unlock()

	subErr := sub.Close()
	cancel()
	if r, ok := sub.(Releaser); ok {
		defer func() {
			if err := r.Release(); err != nil {
				c.logger.Warn("Release subscription failed", "error", err)
			}
		}()
	}

	select {
	case <-pumpDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.lane.Close(ctx); err != nil {
		return fmt.Errorf("eventbus: drain %s: %w", c.config.Channel, err)
	}
	c.logger.Info("Consumer stopped")
	return subErr
}

func (c *Consumer) pump(ctx context.Context, sub Subscription, done chan struct{}) {
	defer close(done)
	for d := range sub.C() {
		delivery := d
		task := lane.NewTaskFunc(uuid.NewString(), c.lane.Name(), func(taskCtx context.Context) error {
			c.process(taskCtx, delivery)
			return nil
		})
		if err := c.lane.Submit(ctx, task); err != nil {
			if ctx.Err() != nil {
				return
			}
			// One rejected delivery must not stop the pump.
			c.logger.Error("Lane rejected delivery", "error", err)
			c.deadLetter(context.Background(), delivery, Envelope{}, 0, fmt.Sprintf("lane rejected delivery: %v", err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, d Delivery) {
	c.telemetry.IncInFlight(c.config.Channel)
	defer c.telemetry.DecInFlight(c.config.Channel)

	env, err := DecodeEnvelope(d.Body())
	if err != nil {
		c.logger.Warn("Dead-lettering malformed message", "error", err)
		c.deadLetter(ctx, d, env, 0, "invalid envelope: "+err.Error())
		return
	}

	ctx = extractTraceParent(ctx, env.TraceParent)
	ctx, span := eventbusTracer().Start(ctx, "eventbus.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", c.config.Channel),
			attribute.String("event.type", env.EventType),
			attribute.String("event.id", env.EventID),
			attribute.String("saga.order_id", env.OrderID),
		),
	)
	defer span.End()

	log := c.logger.With("event_type", env.EventType, "event_id", env.EventID, "order_id", env.OrderID)

	if c.schemas != nil {
		if err := c.schemas.Validate(env); err != nil {
			span.SetStatus(codes.Error, err.Error())
			log.WarnContext(ctx, "Dead-lettering invalid payload", "error", err)
			c.deadLetter(ctx, d, env, 0, "invalid payload: "+err.Error())
			return
		}
	}

	attempts, err := c.dispatchWithRetry(ctx, env, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.ErrorContext(ctx, "Handler failed, dead-lettering", "attempts", attempts, "error", err)
		c.deadLetter(ctx, d, env, attempts, err.Error())
		return
	}

	settleCtx, cancel := context.WithTimeout(ctx, c.config.SettleTimeout)
	defer cancel()
	if err := d.Ack(settleCtx); err != nil {
		log.ErrorContext(ctx, "Ack failed", "error", err)
		return
	}
	c.telemetry.RecordConsume(c.config.Channel, env.EventType, OutcomeAcked)
	log.DebugContext(ctx, "Message acknowledged", "attempts", attempts)
}

func (c *Consumer) dispatchWithRetry(ctx context.Context, env Envelope, log logger.Logger) (int, error) {
	backoff := c.config.Retry.InitialBackoff
	attempts := 0
	for {
		attempts++
		env.Attempt = attempts

		start := time.Now()
		err := c.dispatcher.Dispatch(ctx, env)
		c.telemetry.ObserveHandlerDuration(c.config.Channel, env.EventType, time.Since(start))
		if err == nil {
			return attempts, nil
		}
		if attempts > c.config.Retry.MaxRetries || !c.retryable(err) {
			return attempts, err
		}

		c.telemetry.RecordConsume(c.config.Channel, env.EventType, OutcomeRetried)
		log.WarnContext(ctx, "Handler failed, retrying", "attempt", attempts, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return attempts, errors.Join(err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.config.Retry.MaxBackoff, c.config.Retry.BackoffFactor)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, d Delivery, env Envelope, attempts int, reason string) {
	if c.deadLetters != nil {
		dl := DeadLetter{
			ID:             uuid.NewString(),
			Channel:        c.config.Channel,
			EventID:        env.EventID,
			EventType:      env.EventType,
			OrderID:        env.OrderID,
			Reason:         reason,
			Attempts:       attempts,
			Body:           string(d.Body()),
			DeadLetteredAt: time.Now().UTC(),
		}
		if err := c.deadLetters.Add(ctx, dl); err != nil {
			c.logger.Error("Failed to record dead letter", "event_id", env.EventID, "error", err)
		}
	}

	settleCtx, cancel := context.WithTimeout(ctx, c.config.SettleTimeout)
	defer cancel()
	if err := d.DeadLetter(settleCtx, reason); err != nil {
		c.logger.Error("Dead-letter failed", "event_id", env.EventID, "error", err)
		return
	}
	c.telemetry.RecordConsume(c.config.Channel, env.EventType, OutcomeDeadLettered)
}

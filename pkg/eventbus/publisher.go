package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/saga"
)

// RetryConfig controls retry/backoff behavior.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default publish retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// Validate checks the policy is usable.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("eventbus: max retries cannot be negative")
	}
	if c.MaxRetries > 0 && (c.InitialBackoff <= 0 || c.MaxBackoff <= 0 || c.BackoffFactor < 1) {
		return fmt.Errorf("eventbus: invalid retry config")
	}
	return nil
}

// BreakerConfig configures the publisher circuit breaker.
type BreakerConfig struct {
	Enabled bool
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial request.
	OpenTimeout time.Duration
	// HalfOpenRequests is how many trial requests pass while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 5,
		OpenTimeout:         10 * time.Second,
		HalfOpenRequests:    1,
	}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherTelemetry sets publish telemetry.
func WithPublisherTelemetry(t Telemetry) PublisherOption {
	return func(p *Publisher) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(l logger.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithCircuitBreaker wraps the transport in a circuit breaker.
func WithCircuitBreaker(cfg BreakerConfig) PublisherOption {
	return func(p *Publisher) {
		p.breakerConfig = cfg
	}
}

// Publisher publishes saga events. It keeps one sender per destination channel; all senders
// share the transport, retry policy and circuit breaker.
type Publisher struct {
	transport     Transport
	retry         RetryConfig
	telemetry     Telemetry
	logger        logger.Logger
	breakerConfig BreakerConfig
	breaker       *gobreaker.CircuitBreaker

	mu       sync.Mutex
	senders  map[string]*sender
	degraded bool
}

// NewPublisher creates a publisher over transport.
func NewPublisher(transport Transport, retry RetryConfig, opts ...PublisherOption) (*Publisher, error) {
	if transport == nil {
		return nil, fmt.Errorf("eventbus: transport cannot be nil")
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}

	p := &Publisher{
		transport: transport,
		retry:     retry,
		telemetry: nopTelemetry{},
		logger:    logger.Global(),
		senders:   make(map[string]*sender),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.breakerConfig.Enabled {
		cfg := p.breakerConfig
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "eventbus-publisher",
			MaxRequests: cfg.HalfOpenRequests,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				p.logger.Warn("Publisher circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}
	return p, nil
}

// Publish sends env to channel, retrying transient transport failures. Failures that outlast
// the retry budget are reported as saga.ErrTransient.
func (p *Publisher) Publish(ctx context.Context, channel string, env Envelope) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channel == "" {
		return fmt.Errorf("eventbus: channel cannot be empty")
	}

	ctx, span := eventbusTracer().Start(ctx, "eventbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", channel),
			attribute.String("event.type", env.EventType),
			attribute.String("saga.order_id", env.OrderID),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	env.TraceParent = injectTraceParent(ctx)
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	return p.senderFor(channel).send(ctx, body)
}

// PublishEvent builds an envelope for payload and publishes it.
func (p *Publisher) PublishEvent(ctx context.Context, channel, eventType, orderID string, payload any) (Envelope, error) {
	env, err := NewEnvelope(eventType, orderID, payload)
	if err != nil {
		return Envelope{}, err
	}
	if err := p.Publish(ctx, channel, env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Degraded reports whether the last publish attempt failed.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Channels returns how many messages each destination channel has accepted.
func (p *Publisher) Channels() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.senders))
	for name, s := range p.senders {
		out[name] = s.sent.Load()
	}
	return out
}

func (p *Publisher) senderFor(channel string) *sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.senders[channel]
	if !ok {
		s = &sender{publisher: p, channel: channel}
		p.senders[channel] = s
	}
	return s
}

type sender struct {
	publisher *Publisher
	channel   string
	sent      atomic.Int64
}

func (s *sender) send(ctx context.Context, body []byte) error {
	p := s.publisher
	backoff := p.retry.InitialBackoff
	var publishErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		publishErr = s.attempt(ctx, body)
		if publishErr == nil {
			s.sent.Add(1)
			p.telemetry.RecordPublish(s.channel, "success")
			p.onPublishRecovered()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		p.telemetry.RecordRetry()
		p.onPublishOutage()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}

	p.telemetry.RecordPublish(s.channel, "failed")
	p.onPublishOutage()
	p.logger.ErrorContext(ctx, "Publish failed", "channel", s.channel, "error", publishErr)
	return saga.Transient("publish "+s.channel, publishErr)
}

func (s *sender) attempt(ctx context.Context, body []byte) error {
	p := s.publisher
	if p.breaker == nil {
		return p.transport.Publish(ctx, s.channel, body)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.transport.Publish(ctx, s.channel, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("eventbus: publisher circuit open: %w", err)
	}
	return err
}

func (p *Publisher) onPublishOutage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded {
		return
	}
	p.degraded = true
	p.telemetry.SetDegradedMode(true)
	p.telemetry.RecordOutage()
}

func (p *Publisher) onPublishRecovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.degraded {
		return
	}
	p.degraded = false
	p.telemetry.SetDegradedMode(false)
	p.telemetry.RecordRecovery()
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

var traceContext = propagation.TraceContext{}

func injectTraceParent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	traceContext.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

func extractTraceParent(ctx context.Context, traceParent string) context.Context {
	if traceParent == "" {
		return ctx
	}
	return traceContext.Extract(ctx, propagation.MapCarrier{"traceparent": traceParent})
}

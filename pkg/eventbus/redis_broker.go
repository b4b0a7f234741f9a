package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/goclaw/ordersaga/pkg/logger"
)

// RedisBrokerConfig configures RedisBroker.
type RedisBrokerConfig struct {
	// KeyPrefix namespaces all broker keys.
	KeyPrefix string

	// ConsumerID names this process's processing lists. Defaults to a random id, which means
	// messages left in flight by a crashed process are only recovered by a consumer reusing
	// its id.
	ConsumerID string

	// PollTimeout bounds each blocking pop so subscriptions notice Close.
	PollTimeout time.Duration
}

// DefaultRedisBrokerConfig returns defaults for RedisBroker.
func DefaultRedisBrokerConfig() RedisBrokerConfig {
	return RedisBrokerConfig{
		KeyPrefix:   "ordersaga:",
		PollTimeout: time.Second,
	}
}

// RedisBroker implements Broker on Redis lists.
//
// Publish LPUSHes onto "{prefix}queue:{channel}". A subscriber BLMOVEs each message into its
// processing list "{prefix}processing:{channel}:{consumer}", Ack LREMs it from there, and
// DeadLetter moves it to "{prefix}dlq:{channel}" wrapped with the reason.
type RedisBroker struct {
	client redis.Cmdable
	config RedisBrokerConfig
	logger logger.Logger

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
}

// NewRedisBroker creates a Redis-backed broker.
func NewRedisBroker(client redis.Cmdable, config RedisBrokerConfig, log logger.Logger) (*RedisBroker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	defaults := DefaultRedisBrokerConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaults.PollTimeout
	}
	if config.ConsumerID == "" {
		config.ConsumerID = uuid.NewString()
	}
	if log == nil {
		log = logger.Global()
	}
	return &RedisBroker{client: client, config: config, logger: log}, nil
}

// Publish pushes body onto channel's queue.
func (b *RedisBroker) Publish(ctx context.Context, channel string, body []byte) error {
	if channel == "" {
		return fmt.Errorf("eventbus: channel cannot be empty")
	}
	if b.isClosed() {
		return ErrBrokerClosed
	}
	if err := b.client.LPush(ctx, b.queueKey(channel), body).Err(); err != nil {
		return fmt.Errorf("eventbus: redis publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe recovers this consumer's in-flight messages for channel, then starts polling.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("eventbus: channel cannot be empty")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.mu.Unlock()

	if err := b.recoverProcessing(ctx, channel); err != nil {
		return nil, err
	}

	sub := &redisSubscription{
		broker:  b,
		channel: channel,
		out:     make(chan Delivery),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.poll(ctx)
	return sub, nil
}

// Close stops all subscriptions. The client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// DeadLetters reads the broker-side dead-letter list for channel, oldest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, channel string) ([]DeadLetteredMessage, error) {
	raw, err := b.client.LRange(ctx, b.deadLetterKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: redis read dead letters: %w", err)
	}
	out := make([]DeadLetteredMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var entry redisDeadLetter
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			continue
		}
		out = append(out, DeadLetteredMessage{Body: []byte(entry.Body), Reason: entry.Reason, At: entry.At})
	}
	return out, nil
}

func (b *RedisBroker) recoverProcessing(ctx context.Context, channel string) error {
	processing := b.processingKey(channel)
	queue := b.queueKey(channel)
	for {
		// RIGHT/RIGHT puts recovered messages at the consuming end of the queue.
		_, err := b.client.LMove(ctx, processing, queue, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("eventbus: redis recover in-flight messages: %w", err)
		}
	}
}

func (b *RedisBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *RedisBroker) queueKey(channel string) string {
	return b.config.KeyPrefix + "queue:" + channel
}

func (b *RedisBroker) processingKey(channel string) string {
	return b.config.KeyPrefix + "processing:" + channel + ":" + b.config.ConsumerID
}

func (b *RedisBroker) deadLetterKey(channel string) string {
	return b.config.KeyPrefix + "dlq:" + channel
}

type redisDeadLetter struct {
	Body   string    `json:"body"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type redisSubscription struct {
	broker  *RedisBroker
	channel string
	out     chan Delivery
	done    chan struct{}
	once    sync.Once
}

func (s *redisSubscription) C() <-chan Delivery {
	return s.out
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *redisSubscription) poll(ctx context.Context) {
	defer close(s.out)
	b := s.broker
	queue := b.queueKey(s.channel)
	processing := b.processingKey(s.channel)

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		body, err := b.client.BLMove(ctx, queue, processing, "RIGHT", "LEFT", b.config.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("Redis broker poll failed", "channel", s.channel, "error", err)
			select {
			case <-time.After(b.config.PollTimeout):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		// Once moved into the processing list a message survives Close; the next Subscribe
		// with the same consumer id puts it back on the queue.
		d := &redisDelivery{broker: b, channel: s.channel, body: []byte(body)}
		select {
		case s.out <- d:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

type redisDelivery struct {
	broker  *RedisBroker
	channel string
	body    []byte
}

func (d *redisDelivery) Channel() string { return d.channel }
func (d *redisDelivery) Body() []byte    { return d.body }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.broker.client.LRem(ctx, d.broker.processingKey(d.channel), 1, d.body).Err(); err != nil {
		return fmt.Errorf("eventbus: redis ack: %w", err)
	}
	return nil
}

func (d *redisDelivery) DeadLetter(ctx context.Context, reason string) error {
	entry, err := json.Marshal(redisDeadLetter{Body: string(d.body), Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("eventbus: marshal dead letter: %w", err)
	}
	_, err = d.broker.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, d.broker.deadLetterKey(d.channel), entry)
		pipe.LRem(ctx, d.broker.processingKey(d.channel), 1, d.body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("eventbus: redis dead-letter: %w", err)
	}
	return nil
}

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMemoryQueueSize bounds each in-memory channel queue.
const DefaultMemoryQueueSize = 1024

// DeadLetteredMessage is a message the memory broker moved to a dead-letter queue.
type DeadLetteredMessage struct {
	Body   []byte
	Reason string
	At     time.Time
}

// MemoryBroker is an in-process Broker for tests and single-node deployments. Subscribers of one
// channel compete for its messages.
type MemoryBroker struct {
	mu        sync.RWMutex
	queueSize int
	queues    map[string]chan []byte
	published map[string][][]byte
	acked     map[string]int
	dead      map[string][]DeadLetteredMessage
	closed    bool
	closeCh   chan struct{}
}

// NewMemoryBroker creates an in-memory broker. queueSize <= 0 selects DefaultMemoryQueueSize.
func NewMemoryBroker(queueSize int) *MemoryBroker {
	if queueSize <= 0 {
		queueSize = DefaultMemoryQueueSize
	}
	return &MemoryBroker{
		queueSize: queueSize,
		queues:    make(map[string]chan []byte),
		published: make(map[string][][]byte),
		acked:     make(map[string]int),
		dead:      make(map[string][]DeadLetteredMessage),
		closeCh:   make(chan struct{}),
	}
}

func (b *MemoryBroker) queue(channel string) (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[channel]
	if !ok {
		q = make(chan []byte, b.queueSize)
		b.queues[channel] = q
	}
	return q, nil
}

// Publish enqueues body on channel, blocking while the queue is full.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, body []byte) error {
	if channel == "" {
		return fmt.Errorf("eventbus: channel cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q, err := b.queue(channel)
	if err != nil {
		return err
	}

	msg := append([]byte(nil), body...)

	// Record under the lock when the queue has room so Published never lags a consumer.
	b.mu.Lock()
	select {
	case q <- msg:
		b.published[channel] = append(b.published[channel], msg)
		b.mu.Unlock()
		return nil
	default:
	}
	b.mu.Unlock()

	select {
	case q <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closeCh:
		return ErrBrokerClosed
	}

	b.mu.Lock()
	b.published[channel] = append(b.published[channel], msg)
	b.mu.Unlock()
	return nil
}

// Subscribe starts a competing consumer on channel.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("eventbus: channel cannot be empty")
	}
	q, err := b.queue(channel)
	if err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		queue:   q,
		out:     make(chan Delivery),
		done:    make(chan struct{}),
	}
	go sub.pump(ctx)
	return sub, nil
}

// Close stops all subscriptions. Queued messages are discarded.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.closeCh)
	}
	return nil
}

// Published returns copies of every message published to channel, in order.
func (b *MemoryBroker) Published(channel string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][]byte, len(b.published[channel]))
	copy(out, b.published[channel])
	return out
}

// Acked returns the number of acknowledged messages on channel.
func (b *MemoryBroker) Acked(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.acked[channel]
}

// DeadLettered returns the messages dead-lettered on channel.
func (b *MemoryBroker) DeadLettered(channel string) []DeadLetteredMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]DeadLetteredMessage, len(b.dead[channel]))
	copy(out, b.dead[channel])
	return out
}

// Pending returns the number of queued, undelivered messages on channel.
func (b *MemoryBroker) Pending(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues[channel])
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	queue   chan []byte
	out     chan Delivery
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) C() <-chan Delivery {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *memorySubscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		var body []byte
		select {
		case body = <-s.queue:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.broker.closeCh:
			return
		}

		d := &memoryDelivery{broker: s.broker, channel: s.channel, body: body}
		select {
		case s.out <- d:
		case <-s.done:
			s.requeue(body)
			return
		case <-ctx.Done():
			s.requeue(body)
			return
		case <-s.broker.closeCh:
			return
		}
	}
}

// requeue returns an undelivered message so another subscriber can take it.
func (s *memorySubscription) requeue(body []byte) {
	select {
	case s.queue <- body:
	default:
	}
}

type memoryDelivery struct {
	broker  *MemoryBroker
	channel string
	body    []byte
	settled sync.Once
}

func (d *memoryDelivery) Channel() string { return d.channel }
func (d *memoryDelivery) Body() []byte    { return d.body }

func (d *memoryDelivery) Ack(ctx context.Context) error {
	d.settled.Do(func() {
		d.broker.mu.Lock()
		d.broker.acked[d.channel]++
		d.broker.mu.Unlock()
	})
	return nil
}

func (d *memoryDelivery) DeadLetter(ctx context.Context, reason string) error {
	d.settled.Do(func() {
		d.broker.mu.Lock()
		d.broker.dead[d.channel] = append(d.broker.dead[d.channel], DeadLetteredMessage{
			Body:   d.body,
			Reason: reason,
			At:     time.Now().UTC(),
		})
		d.broker.mu.Unlock()
	})
	return nil
}

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goclaw/ordersaga/pkg/lane"
	"github.com/goclaw/ordersaga/pkg/saga"
)

type dispatcherFunc func(ctx context.Context, env Envelope) error

func (f dispatcherFunc) Dispatch(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

func newTestLane(t *testing.T, name string, concurrency int) lane.Lane {
	t.Helper()
	l, err := lane.New(&lane.Config{Name: name, Capacity: 32, MaxConcurrency: concurrency})
	if err != nil {
		t.Fatalf("lane.New() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func startConsumer(t *testing.T, broker Broker, d Dispatcher, concurrency int, retry RetryConfig, opts ...ConsumerOption) *Consumer {
	t.Helper()
	c, err := NewConsumer(broker, d, newTestLane(t, ChannelOrders, concurrency), ConsumerConfig{
		Channel: ChannelOrders,
		Retry:   retry,
	}, opts...)
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func publishEnvelope(t *testing.T, broker Broker, eventType, orderID string, payload any) []byte {
	t.Helper()
	env, err := NewEnvelope(eventType, orderID, payload)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	body, _ := env.Marshal()
	if err := broker.Publish(context.Background(), ChannelOrders, body); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	return body
}

func eventually(t *testing.T, cond func() bool, msg string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(msg, args...)
}

func TestConsumerAcksHandledMessages(t *testing.T) {
	broker := NewMemoryBroker(0)
	defer broker.Close()

	var handled atomic.Int32
	startConsumer(t, broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
		if env.EventType != "OrderCreated" || env.Attempt != 1 {
			return fmt.Errorf("unexpected envelope %+v", env)
		}
		handled.Add(1)
		return nil
	}), 2, RetryConfig{})

	for i := 0; i < 5; i++ {
		publishEnvelope(t, broker, "OrderCreated", fmt.Sprintf("O%d", i), map[string]string{"amount": "1"})
	}
	eventually(t, func() bool { return broker.Acked(ChannelOrders) == 5 }, "acked %d of 5", broker.Acked(ChannelOrders))
	if handled.Load() != 5 {
		t.Fatalf("handled = %d, want 5", handled.Load())
	}
	if n := len(broker.DeadLettered(ChannelOrders)); n != 0 {
		t.Fatalf("dead-lettered %d messages", n)
	}
}

func TestConsumerNeverExceedsConcurrencyBound(t *testing.T) {
	broker := NewMemoryBroker(0)
	defer broker.Close()

	const bound = 3
	var inFlight, peak atomic.Int32
	startConsumer(t, broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	}), bound, RetryConfig{})

	for i := 0; i < 20; i++ {
		publishEnvelope(t, broker, "OrderCreated", fmt.Sprintf("O%d", i), nil)
	}
	eventually(t, func() bool { return broker.Acked(ChannelOrders) == 20 }, "acked %d of 20", broker.Acked(ChannelOrders))
	if p := peak.Load(); p > bound {
		t.Fatalf("peak in-flight = %d, bound %d", p, bound)
	}
	if p := peak.Load(); p < 2 {
		t.Fatalf("peak in-flight = %d, expected parallel handling", p)
	}
}

func TestConsumerDeadLettersFailuresWithPayload(t *testing.T) {
	broker := NewMemoryBroker(0)
	defer broker.Close()
	store := NewMemoryDeadLetterStore()

	startConsumer(t, broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
		if env.OrderID == "poison" {
			return errors.New("handler exploded")
		}
		return nil
	}), 1, RetryConfig{}, WithDeadLetterStore(store))

	body := publishEnvelope(t, broker, "OrderCreated", "poison", map[string]string{"amount": "5"})
	publishEnvelope(t, broker, "OrderCreated", "healthy", nil)

	eventually(t, func() bool {
		return broker.Acked(ChannelOrders) == 1 && len(broker.DeadLettered(ChannelOrders)) == 1
	}, "poison message stalled the pump")

	dead := broker.DeadLettered(ChannelOrders)[0]
	if string(dead.Body) != string(body) {
		t.Fatalf("dead-lettered body = %s, want original %s", dead.Body, body)
	}
	if dead.Reason != "handler exploded" {
		t.Fatalf("reason = %q", dead.Reason)
	}

	entries, _ := store.List(context.Background(), ChannelOrders)
	if len(entries) != 1 {
		t.Fatalf("dead-letter store has %d entries", len(entries))
	}
	if entries[0].Body != string(body) || entries[0].OrderID != "poison" || entries[0].Attempts != 1 || entries[0].ID == "" {
		t.Fatalf("dead letter = %+v", entries[0])
	}
}

func TestConsumerDeadLettersMalformedMessages(t *testing.T) {
	broker := NewMemoryBroker(0)
	defer broker.Close()

	var called atomic.Bool
	startConsumer(t, broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
		called.Store(true)
		return nil
	}), 1, RetryConfig{})

	_ = broker.Publish(context.Background(), ChannelOrders, []byte("garbage"))
	eventually(t, func() bool { return len(broker.DeadLettered(ChannelOrders)) == 1 }, "malformed message not dead-lettered")

	dead := broker.DeadLettered(ChannelOrders)[0]
	if !strings.HasPrefix(dead.Reason, "invalid envelope: ") || string(dead.Body) != "garbage" {
		t.Fatalf("dead letter = %+v", dead)
	}
	if called.Load() {
		t.Fatal("dispatcher should not see malformed messages")
	}
}

func TestConsumerDeadLettersSchemaViolations(t *testing.T) {
	broker := NewMemoryBroker(0)
	defer broker.Close()
	schemas := NewSchemaRegistry()
	_ = schemas.Register(PayloadSchema{EventType: "OrderCreated", Required: []string{"amount"}})

	startConsumer(t, broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
		return nil
	}), 1, RetryConfig{}, WithSchemaRegistry(schemas))

	publishEnvelope(t, broker, "OrderCreated", "O1", map[string]string{})
	eventually(t, func() bool { return len(broker.DeadLettered(ChannelOrders)) == 1 }, "schema violation not dead-lettered")
	if reason := broker.DeadLettered(ChannelOrders)[0].Reason; !strings.HasPrefix(reason, "invalid payload: ") {
		t.Fatalf("reason = %q", reason)
	}
}

func TestConsumerBoundedRetry(t *testing.T) {
	retry := RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffFactor: 2}

	t.Run("succeeds within budget", func(t *testing.T) {
		broker := NewMemoryBroker(0)
		defer broker.Close()
		var calls atomic.Int32
		startConsumer(t, broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
			if calls.Add(1) < 3 {
				return saga.Transient("store", errors.New("unavailable"))
			}
			return nil
		}), 1, retry)

		publishEnvelope(t, broker, "OrderCreated", "O1", nil)
		eventually(t, func() bool { return broker.Acked(ChannelOrders) == 1 }, "message not acked after retries")
		if calls.Load() != 3 {
			t.Fatalf("calls = %d, want 3", calls.Load())
		}
	})

	t.Run("exhausts budget", func(t *testing.T) {
		broker := NewMemoryBroker(0)
		defer broker.Close()
		store := NewMemoryDeadLetterStore()
		var calls atomic.Int32
		startConsumer(t, broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
			calls.Add(1)
			return saga.Transient("store", errors.New("unavailable"))
		}), 1, retry, WithDeadLetterStore(store))

		publishEnvelope(t, broker, "OrderCreated", "O1", nil)
		eventually(t, func() bool { return len(broker.DeadLettered(ChannelOrders)) == 1 }, "message not dead-lettered")
		if calls.Load() != 3 {
			t.Fatalf("calls = %d, want 3", calls.Load())
		}
		entries, _ := store.List(context.Background(), "")
		if len(entries) != 1 || entries[0].Attempts != 3 {
			t.Fatalf("dead letters = %+v", entries)
		}
	})

	t.Run("never retries invalid arguments", func(t *testing.T) {
		broker := NewMemoryBroker(0)
		defer broker.Close()
		var calls atomic.Int32
		startConsumer(t, broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
			calls.Add(1)
			return fmt.Errorf("blank order id: %w", saga.ErrInvalidArgument)
		}), 1, retry)

		publishEnvelope(t, broker, "OrderCreated", "", nil)
		eventually(t, func() bool { return len(broker.DeadLettered(ChannelOrders)) == 1 }, "message not dead-lettered")
		if calls.Load() != 1 {
			t.Fatalf("calls = %d, want 1", calls.Load())
		}
	})
}

func TestConsumerStopDrainsInFlight(t *testing.T) {
	broker := NewMemoryBroker(0)
	defer broker.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once

	c, err := NewConsumer(broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
		once.Do(func() { close(started) })
		<-release
		finished.Store(true)
		return nil
	}), newTestLane(t, ChannelOrders, 1), ConsumerConfig{Channel: ChannelOrders})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	publishEnvelope(t, broker, "OrderCreated", "O1", nil)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after handler finished")
	}
	if !finished.Load() || broker.Acked(ChannelOrders) != 1 {
		t.Fatalf("in-flight message not completed: finished=%v acked=%d", finished.Load(), broker.Acked(ChannelOrders))
	}
}

// releasingBroker hands out subscriptions whose deliveries cannot settle once released.
type releasingBroker struct {
	*MemoryBroker
	released    atomic.Bool
	lateSettles atomic.Int32
}

func (b *releasingBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	inner, err := b.MemoryBroker.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	sub := &releasingSubscription{Subscription: inner, broker: b, out: make(chan Delivery), done: make(chan struct{})}
	go sub.forward()
	return sub, nil
}

type releasingSubscription struct {
	Subscription
	broker *releasingBroker
	out    chan Delivery
	done   chan struct{}
	once   sync.Once
}

func (s *releasingSubscription) C() <-chan Delivery { return s.out }

func (s *releasingSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.Subscription.Close()
}

func (s *releasingSubscription) Release() error {
	s.broker.released.Store(true)
	return nil
}

func (s *releasingSubscription) forward() {
	defer close(s.out)
	for d := range s.Subscription.C() {
		select {
		case s.out <- &releasingDelivery{Delivery: d, broker: s.broker}:
		case <-s.done:
			return
		}
	}
}

type releasingDelivery struct {
	Delivery
	broker *releasingBroker
}

func (d *releasingDelivery) Ack(ctx context.Context) error {
	if d.broker.released.Load() {
		d.broker.lateSettles.Add(1)
		return errors.New("channel released")
	}
	return d.Delivery.Ack(ctx)
}

func TestConsumerReleasesSubscriptionAfterDrain(t *testing.T) {
	broker := &releasingBroker{MemoryBroker: NewMemoryBroker(0)}
	defer broker.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	c, err := NewConsumer(broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}), newTestLane(t, ChannelOrders, 1), ConsumerConfig{Channel: ChannelOrders})
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	publishEnvelope(t, broker, "OrderCreated", "O1", nil)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	if broker.released.Load() {
		t.Fatal("subscription released while a handler was in flight")
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if !broker.released.Load() {
		t.Fatal("subscription not released after Stop")
	}
	if n := broker.lateSettles.Load(); n != 0 {
		t.Fatalf("%d deliveries settled after release", n)
	}
	if broker.Acked(ChannelOrders) != 1 {
		t.Fatalf("acked = %d, want 1", broker.Acked(ChannelOrders))
	}
}

func TestConsumerStopTimeout(t *testing.T) {
	broker := NewMemoryBroker(0)
	defer broker.Close()

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)

	c := startConsumer(t, broker, dispatcherFunc(func(ctx context.Context, env Envelope) error {
		started <- struct{}{}
		<-release
		return nil
	}), 1, RetryConfig{})

	publishEnvelope(t, broker, "OrderCreated", "O1", nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() error = %v, want deadline exceeded", err)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	broker := NewMemoryBroker(0)
	defer broker.Close()
	d := dispatcherFunc(func(ctx context.Context, env Envelope) error { return nil })
	l := newTestLane(t, "v", 1)

	cases := map[string]func() error{
		"nil broker":     func() error { _, err := NewConsumer(nil, d, l, ConsumerConfig{Channel: "c"}); return err },
		"nil dispatcher": func() error { _, err := NewConsumer(broker, nil, l, ConsumerConfig{Channel: "c"}); return err },
		"nil lane":       func() error { _, err := NewConsumer(broker, d, nil, ConsumerConfig{Channel: "c"}); return err },
		"empty channel":  func() error { _, err := NewConsumer(broker, d, l, ConsumerConfig{}); return err },
		"bad retry": func() error {
			_, err := NewConsumer(broker, d, l, ConsumerConfig{Channel: "c", Retry: RetryConfig{MaxRetries: -1}})
			return err
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			if err := fn(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

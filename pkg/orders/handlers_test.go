package orders

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/saga"
)

type publishedEvent struct {
	Channel   string
	EventType string
	OrderID   string
	Payload   any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, channel, eventType, orderID string, payload any) (eventbus.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return eventbus.Envelope{}, p.err
	}
	p.events = append(p.events, publishedEvent{Channel: channel, EventType: eventType, OrderID: orderID, Payload: payload})
	return eventbus.NewEnvelope(eventType, orderID, payload)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type recordingCompensator struct {
	calls []string
}

func (c *recordingCompensator) Compensate(ctx context.Context, rec *saga.Record, reason string) error {
	c.calls = append(c.calls, rec.OrderID+":"+reason)
	return nil
}

type handlerFixture struct {
	store     *saga.MemoryStore
	machine   *saga.Machine
	publisher *recordingPublisher
	handlers  *Handlers
}

func newHandlerFixture(t *testing.T, decider PaymentDecider, compensator Compensator) *handlerFixture {
	t.Helper()
	store := saga.NewMemoryStore()
	machine, err := saga.NewMachine(store)
	require.NoError(t, err)
	publisher := &recordingPublisher{}
	handlers, err := NewHandlers(Config{
		Machine:     machine,
		Publisher:   publisher,
		Decider:     decider,
		Compensator: compensator,
	})
	require.NoError(t, err)
	return &handlerFixture{store: store, machine: machine, publisher: publisher, handlers: handlers}
}

func amount(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestNewHandlersValidation(t *testing.T) {
	machine, _ := saga.NewMachine(saga.NewMemoryStore())
	_, err := NewHandlers(Config{Publisher: &recordingPublisher{}, Decider: Approve()})
	assert.Error(t, err)
	_, err = NewHandlers(Config{Machine: machine, Decider: Approve()})
	assert.Error(t, err)
	_, err = NewHandlers(Config{Machine: machine, Publisher: &recordingPublisher{}})
	assert.Error(t, err)
}

func TestOrderCreatedPublishesPaymentSucceeded(t *testing.T) {
	f := newHandlerFixture(t, Approve(), nil)
	ctx := context.Background()

	require.NoError(t, f.handlers.OrderCreated(ctx, OrderCreated{OrderID: "O1", Amount: amount("100")}))

	rec, err := f.machine.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, saga.StateCreated, rec.State)

	require.Len(t, f.publisher.events, 1)
	event := f.publisher.events[0]
	assert.Equal(t, EventPaymentSucceeded, event.EventType)
	assert.Equal(t, "payments", event.Channel)
	payload := event.Payload.(PaymentSucceeded)
	assert.NotEmpty(t, payload.PaymentID)
	assert.True(t, payload.Amount.Equal(amount("100")))
}

func TestOrderCreatedPublishesPaymentFailed(t *testing.T) {
	f := newHandlerFixture(t, Decline("card declined"), nil)

	require.NoError(t, f.handlers.OrderCreated(context.Background(), OrderCreated{OrderID: "O1", Amount: amount("100")}))
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, EventPaymentFailed, f.publisher.events[0].EventType)
	assert.Equal(t, "card declined", f.publisher.events[0].Payload.(PaymentFailed).Reason)
}

func TestOrderCreatedStopsForTerminalSaga(t *testing.T) {
	f := newHandlerFixture(t, Approve(), nil)
	ctx := context.Background()
	amt := amount("10")
	_, err := f.machine.GetOrCreate(ctx, "O1", &amt)
	require.NoError(t, err)
	_, err = f.machine.Cancel(ctx, "O1", "customer request")
	require.NoError(t, err)

	require.NoError(t, f.handlers.OrderCreated(ctx, OrderCreated{OrderID: "O1", Amount: amt}))
	assert.Empty(t, f.publisher.events)
}

func TestOrderCreatedRejectsInvalidInput(t *testing.T) {
	f := newHandlerFixture(t, Approve(), nil)
	ctx := context.Background()

	err := f.handlers.OrderCreated(ctx, OrderCreated{OrderID: "  ", Amount: amount("1")})
	assert.ErrorIs(t, err, saga.ErrInvalidArgument)

	err = f.handlers.OrderCreated(ctx, OrderCreated{OrderID: "O1", Amount: amount("0")})
	assert.ErrorIs(t, err, saga.ErrInvalidArgument)
	assert.Empty(t, f.publisher.events)
	assert.Equal(t, 0, f.store.Writes())
}

func TestOrderCreatedPropagatesDeciderAndPublishErrors(t *testing.T) {
	boom := errors.New("gateway down")
	f := newHandlerFixture(t, DeciderFunc(func(context.Context, *saga.Record) (PaymentDecision, error) {
		return PaymentDecision{}, boom
	}), nil)
	assert.ErrorIs(t, f.handlers.OrderCreated(context.Background(), OrderCreated{OrderID: "O1", Amount: amount("1")}), boom)

	g := newHandlerFixture(t, Approve(), nil)
	g.publisher.err = saga.Transient("publish", errors.New("broker down"))
	err := g.handlers.OrderCreated(context.Background(), OrderCreated{OrderID: "O2", Amount: amount("1")})
	assert.ErrorIs(t, err, saga.ErrTransient)
}

func TestPaymentSucceededIsIdempotent(t *testing.T) {
	f := newHandlerFixture(t, Approve(), nil)
	ctx := context.Background()
	amt := amount("50")
	_, err := f.machine.GetOrCreate(ctx, "O1", &amt)
	require.NoError(t, err)

	event := PaymentSucceeded{OrderID: "O1", Amount: amt, PaymentID: "p1"}
	require.NoError(t, f.handlers.PaymentSucceeded(ctx, event))
	require.NoError(t, f.handlers.PaymentSucceeded(ctx, event))

	assert.Equal(t, []string{EventShippingCompleted}, f.publisher.types())
	tracking := f.publisher.events[0].Payload.(ShippingCompleted).TrackingNumber
	assert.Regexp(t, regexp.MustCompile(`^TRACK-[0-9A-F]{8}$`), tracking)

	rec, _ := f.machine.Get(ctx, "O1")
	assert.Equal(t, saga.StatePaymentSucceeded, rec.State)
	assert.True(t, rec.PaymentProcessed)
}

func TestFollowUpPublishFailureIsNotRetryable(t *testing.T) {
	ctx := context.Background()
	amt := amount("50")
	down := saga.Transient("publish", errors.New("broker down"))

	tests := []struct {
		name   string
		handle func(h *Handlers) error
		state  saga.State
	}{
		{
			name:   "payment succeeded",
			handle: func(h *Handlers) error { return h.PaymentSucceeded(ctx, PaymentSucceeded{OrderID: "O1", Amount: amt}) },
			state:  saga.StatePaymentSucceeded,
		},
		{
			name: "payment failed",
			handle: func(h *Handlers) error {
				return h.PaymentFailed(ctx, PaymentFailed{OrderID: "O1", Amount: amt, Reason: "declined"})
			},
			state: saga.StatePaymentFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t, Approve(), nil)
			_, err := f.machine.GetOrCreate(ctx, "O1", &amt)
			require.NoError(t, err)
			f.publisher.err = down

			err = tt.handle(f.handlers)
			require.Error(t, err)
			assert.ErrorIs(t, err, saga.ErrFollowUpFailed)
			assert.ErrorIs(t, err, saga.ErrTransient)
			assert.False(t, saga.IsRetryable(err))

			rec, err := f.machine.Get(ctx, "O1")
			require.NoError(t, err)
			assert.Equal(t, tt.state, rec.State, "transition stays stored")
		})
	}
}

func TestPaymentSucceededForMissingSagaIsNoop(t *testing.T) {
	f := newHandlerFixture(t, Approve(), nil)
	require.NoError(t, f.handlers.PaymentSucceeded(context.Background(), PaymentSucceeded{OrderID: "ghost"}))
	assert.Empty(t, f.publisher.events)
}

func TestPaymentFailedPublishesCancellation(t *testing.T) {
	f := newHandlerFixture(t, Approve(), nil)
	ctx := context.Background()
	amt := amount("50")
	_, _ = f.machine.GetOrCreate(ctx, "O1", &amt)

	event := PaymentFailed{OrderID: "O1", Amount: amt, Reason: "insufficient funds"}
	require.NoError(t, f.handlers.PaymentFailed(ctx, event))
	require.NoError(t, f.handlers.PaymentFailed(ctx, event))

	require.Len(t, f.publisher.events, 1)
	cancelled := f.publisher.events[0]
	assert.Equal(t, EventOrderCancelled, cancelled.EventType)
	assert.Equal(t, "orders", cancelled.Channel)
	assert.Equal(t, "Payment failed: insufficient funds", cancelled.Payload.(OrderCancelled).Reason)

	rec, _ := f.machine.Get(ctx, "O1")
	assert.Equal(t, saga.StatePaymentFailed, rec.State)
	assert.Equal(t, "insufficient funds", rec.ErrorMessage)
}

func TestOrderCancelledRunsCompensation(t *testing.T) {
	compensator := &recordingCompensator{}
	f := newHandlerFixture(t, Approve(), compensator)
	ctx := context.Background()
	amt := amount("50")
	_, _ = f.machine.GetOrCreate(ctx, "O1", &amt)

	require.NoError(t, f.handlers.OrderCancelled(ctx, OrderCancelled{OrderID: "O1", Reason: "changed mind"}))
	assert.Equal(t, []string{"O1:changed mind"}, compensator.calls)

	rec, _ := f.machine.Get(ctx, "O1")
	assert.Equal(t, saga.StateCancelled, rec.State)
	assert.Equal(t, "changed mind", rec.ErrorMessage)
}

func TestOrderCancelledForMissingSaga(t *testing.T) {
	f := newHandlerFixture(t, Approve(), nil)
	err := f.handlers.OrderCancelled(context.Background(), OrderCancelled{OrderID: "ghost", Reason: "x"})
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestShippingCompletedGating(t *testing.T) {
	f := newHandlerFixture(t, Approve(), nil)
	ctx := context.Background()
	amt := amount("50")
	_, _ = f.machine.GetOrCreate(ctx, "O1", &amt)

	require.NoError(t, f.handlers.ShippingCompleted(ctx, ShippingCompleted{OrderID: "O1", TrackingNumber: "T"}))
	rec, _ := f.machine.Get(ctx, "O1")
	assert.False(t, rec.ShippingProcessed)
	assert.Equal(t, saga.StateCreated, rec.State)

	_, err := f.machine.RecordPayment(ctx, "O1", true, "")
	require.NoError(t, err)
	require.NoError(t, f.handlers.ShippingCompleted(ctx, ShippingCompleted{OrderID: "O1", TrackingNumber: "T"}))
	rec, _ = f.machine.Get(ctx, "O1")
	assert.True(t, rec.ShippingProcessed)
	assert.Equal(t, saga.StateCompleted, rec.State)
}

func TestShippingStartedIsInformational(t *testing.T) {
	f := newHandlerFixture(t, Approve(), nil)
	require.NoError(t, f.handlers.ShippingStarted(context.Background(), ShippingStarted{OrderID: "O1", Address: "1 Main St"}))
	assert.ErrorIs(t, f.handlers.ShippingStarted(context.Background(), ShippingStarted{}), saga.ErrInvalidArgument)
	assert.Equal(t, 0, f.store.Writes())
}

func TestThresholdDecider(t *testing.T) {
	d := ThresholdDecider{Limit: amount("100")}
	ok, err := d.Decide(context.Background(), &saga.Record{Amount: amount("100")})
	require.NoError(t, err)
	assert.True(t, ok.Succeeded)

	declined, err := d.Decide(context.Background(), &saga.Record{Amount: amount("100.01")})
	require.NoError(t, err)
	assert.False(t, declined.Succeeded)
	assert.Contains(t, declined.Reason, "exceeds limit")
}

func TestSender(t *testing.T) {
	publisher := &recordingPublisher{}
	sender, err := NewSender(publisher, Channels{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = sender.SendOrderCreated(ctx, "O1", amount("10"))
	require.NoError(t, err)
	_, err = sender.SendOrderCancelled(ctx, "O1", "duplicate order")
	require.NoError(t, err)
	assert.Equal(t, []string{EventOrderCreated, EventOrderCancelled}, publisher.types())
	assert.Equal(t, "orders", publisher.events[0].Channel)

	_, err = sender.SendOrderCreated(ctx, "", amount("10"))
	assert.ErrorIs(t, err, saga.ErrInvalidArgument)
	_, err = sender.SendOrderCreated(ctx, "O2", amount("-1"))
	assert.ErrorIs(t, err, saga.ErrInvalidArgument)
	_, err = sender.SendOrderCancelled(ctx, "O1", " ")
	assert.ErrorIs(t, err, saga.ErrInvalidArgument)
}

func TestRunDemo(t *testing.T) {
	publisher := &recordingPublisher{}
	sender, _ := NewSender(publisher, DefaultChannels(), nil)

	sent, err := RunDemo(context.Background(), sender, DemoConfig{Orders: 3, BaseAmount: amount("10"), Step: amount("5")})
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	require.Len(t, publisher.events, 3)
	assert.True(t, publisher.events[2].Payload.(OrderCreated).Amount.Equal(amount("20")))
}

func TestChannelsFor(t *testing.T) {
	c := DefaultChannels()
	assert.Equal(t, "orders", c.For(EventOrderCancelled))
	assert.Equal(t, "payments", c.For(EventShippingCompleted))
}

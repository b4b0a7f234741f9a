package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/ordersaga/pkg/saga"
)

var _ saga.Observer = (*Broadcaster)(nil)

func TestBroadcaster_Subscribe(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(0)
	assert.Equal(t, defaultSubscriberBuffer, cap(ch))
	assert.Equal(t, 1, b.Subscribers())

	b.Broadcast(Event{Type: EventSagaTransition})
	select {
	case ev := <-ch:
		assert.Equal(t, EventSagaTransition, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	b.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Subscribers())
	b.Unsubscribe(ch)
}

func TestBroadcaster_OnTransition(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(2)

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b.OnTransition(context.Background(), saga.Transition{
		Op:   "record_payment",
		From: saga.StateCreated,
		To:   saga.StatePaymentFailed,
		Record: &saga.Record{
			OrderID:      "order-7",
			Amount:       decimal.RequireFromString("12.50"),
			State:        saga.StatePaymentFailed,
			ErrorMessage: "card declined",
			Version:      2,
			UpdatedAt:    at,
		},
		At: at,
	})
	b.OnTransition(context.Background(), saga.Transition{Op: "cancel"})

	require.Len(t, ch, 1)
	ev := <-ch
	assert.True(t, ev.Timestamp.Equal(at))
	assert.Equal(t, TransitionPayload{
		OrderID:      "order-7",
		Op:           "record_payment",
		From:         "created",
		To:           "payment-failed",
		Version:      2,
		UpdatedAt:    at,
		ErrorMessage: "card declined",
	}, ev.Payload)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"orderId":"order-7"`)
	assert.Contains(t, string(raw), `"terminal":false`)
}

func TestBroadcaster_OverflowCountsDrops(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe(1)
	fast := b.Subscribe(4)

	for _, typ := range []string{"first", "second", "third"} {
		b.Broadcast(Event{Type: typ})
	}

	assert.Equal(t, "first", (<-slow).Type)
	assert.Len(t, slow, 0)
	assert.EqualValues(t, 2, b.Dropped(slow))
	assert.Len(t, fast, 3)
	assert.Zero(t, b.Dropped(fast))
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	late := b.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
	b.Broadcast(Event{Type: "after-close"})
	assert.Zero(t, b.Subscribers())
}

func TestBroadcaster_ConcurrentUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		ch := b.Subscribe(1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Broadcast(Event{Type: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe(ch)
		}()
	}
	wg.Wait()
	assert.Zero(t, b.Subscribers())
}

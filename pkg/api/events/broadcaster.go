// Package events fans saga transitions out to in-process listeners such as the websocket
// feed.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goclaw/ordersaga/pkg/saga"
)

// EventSagaTransition is broadcast once for every persisted saga transition.
const EventSagaTransition = "saga.transition"

const defaultSubscriberBuffer = 16

type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TransitionPayload is the payload of EventSagaTransition.
type TransitionPayload struct {
	OrderID      string    `json:"orderId"`
	Op           string    `json:"op"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Terminal     bool      `json:"terminal"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// Broadcaster delivers events to subscribers without ever blocking the publisher: a
// subscriber whose buffer is full misses the event and its drop count goes up.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Event]*subscriber
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]*subscriber)}
}

// Subscribe registers a listener. After Close it returns an already closed channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = &subscriber{ch: ch}
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- event:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped reports how many events ch has missed because its buffer was full.
func (b *Broadcaster) Dropped(ch chan Event) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.subs[ch]; ok {
		return s.dropped.Load()
	}
	return 0
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// OnTransition implements saga.Observer.
func (b *Broadcaster) OnTransition(_ context.Context, t saga.Transition) {
	if t.Record == nil {
		return
	}
	b.Broadcast(Event{
		Type:      EventSagaTransition,
		Timestamp: t.At,
		Payload: TransitionPayload{
			OrderID:      t.Record.OrderID,
			Op:           t.Op,
			From:         t.From.String(),
			To:           t.To.String(),
			Terminal:     t.To.IsTerminal(),
			Version:      t.Record.Version,
			UpdatedAt:    t.Record.UpdatedAt.UTC(),
			ErrorMessage: t.Record.ErrorMessage,
		},
	})
}

// Close closes every subscriber channel. Later broadcasts are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

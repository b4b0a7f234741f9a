package engine

import (
	"context"
	"testing"

	"github.com/goclaw/ordersaga/pkg/saga"
)

func TestObserverRegistry_RoutesByOrder(t *testing.T) {
	r := NewObserverRegistry()

	var global, forA, forB int
	r.SubscribeGlobal(saga.ObserverFunc(func(context.Context, saga.Transition) { global++ }))
	r.Subscribe("a", saga.ObserverFunc(func(context.Context, saga.Transition) { forA++ }))
	r.Subscribe("b", saga.ObserverFunc(func(context.Context, saga.Transition) { forB++ }))

	r.OnTransition(context.Background(), saga.Transition{Record: &saga.Record{OrderID: "a"}})
	r.OnTransition(context.Background(), saga.Transition{Record: &saga.Record{OrderID: "a"}})
	r.OnTransition(context.Background(), saga.Transition{Record: &saga.Record{OrderID: "c"}})

	if global != 3 {
		t.Errorf("global = %d, want 3", global)
	}
	if forA != 2 {
		t.Errorf("forA = %d, want 2", forA)
	}
	if forB != 0 {
		t.Errorf("forB = %d, want 0", forB)
	}
}

func TestObserverRegistry_Unsubscribe(t *testing.T) {
	r := NewObserverRegistry()

	var calls int
	obs := saga.ObserverFunc(func(context.Context, saga.Transition) { calls++ })
	cancelOrder := r.Subscribe("a", obs)
	cancelGlobal := r.SubscribeGlobal(obs)

	if r.ObserverCount("a") != 1 || r.GlobalObserverCount() != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", r.ObserverCount("a"), r.GlobalObserverCount())
	}

	cancelOrder()
	cancelGlobal()
	cancelGlobal()

	if r.ObserverCount("a") != 0 || r.GlobalObserverCount() != 0 {
		t.Fatalf("counts = %d/%d, want 0/0", r.ObserverCount("a"), r.GlobalObserverCount())
	}

	r.OnTransition(context.Background(), saga.Transition{Record: &saga.Record{OrderID: "a"}})
	if calls != 0 {
		t.Errorf("calls = %d after unsubscribe, want 0", calls)
	}
}

func TestObserverRegistry_NilRecord(t *testing.T) {
	r := NewObserverRegistry()
	var calls int
	r.SubscribeGlobal(saga.ObserverFunc(func(context.Context, saga.Transition) { calls++ }))
	r.OnTransition(context.Background(), saga.Transition{})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

package engine

import (
	"context"
	"sync"

	"github.com/goclaw/ordersaga/pkg/saga"
)

// ObserverRegistry fans saga transitions out to observers registered for one order or for all
// orders. It implements saga.Observer and is attached to the machine once; observers can come
// and go while the engine runs.
type ObserverRegistry struct {
	mu      sync.RWMutex
	nextID  uint64
	byOrder map[string]map[uint64]saga.Observer
	global  map[uint64]saga.Observer
	orderOf map[uint64]string
}

// NewObserverRegistry creates an empty registry.
func NewObserverRegistry() *ObserverRegistry {
	return &ObserverRegistry{
		byOrder: make(map[string]map[uint64]saga.Observer),
		global:  make(map[uint64]saga.Observer),
		orderOf: make(map[uint64]string),
	}
}

// Subscribe registers observer for transitions of orderID. The returned func removes it.
func (r *ObserverRegistry) Subscribe(orderID string, observer saga.Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.byOrder[orderID] == nil {
		r.byOrder[orderID] = make(map[uint64]saga.Observer)
	}
	r.byOrder[orderID][id] = observer
	r.orderOf[id] = orderID
	return func() { r.remove(id) }
}

// SubscribeGlobal registers observer for every transition. The returned func removes it.
func (r *ObserverRegistry) SubscribeGlobal(observer saga.Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.global[id] = observer
	return func() { r.remove(id) }
}

func (r *ObserverRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.global[id]; ok {
		delete(r.global, id)
		return
	}
	orderID, ok := r.orderOf[id]
	if !ok {
		return
	}
	delete(r.orderOf, id)
	delete(r.byOrder[orderID], id)
	if len(r.byOrder[orderID]) == 0 {
		delete(r.byOrder, orderID)
	}
}

// OnTransition implements saga.Observer. Observers run synchronously on the caller's goroutine
// and must not block.
func (r *ObserverRegistry) OnTransition(ctx context.Context, t saga.Transition) {
	r.mu.RLock()
	targets := make([]saga.Observer, 0, len(r.global)+1)
	for _, o := range r.global {
		targets = append(targets, o)
	}
	if t.Record != nil {
		for _, o := range r.byOrder[t.Record.OrderID] {
			targets = append(targets, o)
		}
	}
	r.mu.RUnlock()

	for _, o := range targets {
		o.OnTransition(ctx, t)
	}
}

// ObserverCount returns the number of observers for orderID.
func (r *ObserverRegistry) ObserverCount(orderID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOrder[orderID])
}

// GlobalObserverCount returns the number of global observers.
func (r *ObserverRegistry) GlobalObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.global)
}

package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func amountPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func newTestMachine(t *testing.T, store Store, opts ...MachineOption) *Machine {
	t.Helper()
	m, err := NewMachine(store, opts...)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	return m
}

func mustCreate(t *testing.T, m *Machine, orderID string) *Record {
	t.Helper()
	rec, err := m.GetOrCreate(context.Background(), orderID, amountPtr("100"))
	if err != nil {
		t.Fatalf("GetOrCreate(%s) error = %v", orderID, err)
	}
	return rec
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	m := newTestMachine(t, store)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "order-1", amountPtr("100"))
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	second, err := m.GetOrCreate(ctx, "order-1", amountPtr("999"))
	if err != nil {
		t.Fatalf("GetOrCreate() second error = %v", err)
	}

	if store.Writes() != 1 {
		t.Fatalf("expected exactly one write, got %d", store.Writes())
	}
	if !second.Amount.Equal(first.Amount) || second.State != StateCreated {
		t.Fatalf("existing record changed: %#v", second)
	}
}

func TestGetOrCreateValidation(t *testing.T) {
	m := newTestMachine(t, NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name    string
		orderID string
		amount  *decimal.Decimal
	}{
		{name: "blank id", orderID: "  ", amount: amountPtr("1")},
		{name: "missing amount", orderID: "order-1", amount: nil},
		{name: "zero amount", orderID: "order-1", amount: amountPtr("0")},
		{name: "negative amount", orderID: "order-1", amount: amountPtr("-3")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.GetOrCreate(ctx, tt.orderID, tt.amount)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("GetOrCreate() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestBlankOrderIDRejectedBeforeStoreAccess(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	m := newTestMachine(t, store)
	ctx := context.Background()

	if _, err := m.RecordPayment(ctx, "", true, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("RecordPayment() error = %v", err)
	}
	if _, err := m.RecordShipping(ctx, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("RecordShipping() error = %v", err)
	}
	if _, err := m.Cancel(ctx, "", "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, err := m.Get(ctx, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Get() error = %v", err)
	}
	if got := store.gets.Load(); got != 0 {
		t.Fatalf("store accessed %d times", got)
	}
}

func TestRecordPaymentIsIdempotent(t *testing.T) {
	m := newTestMachine(t, NewMemoryStore())
	ctx := context.Background()
	mustCreate(t, m, "order-1")

	applied, err := m.RecordPayment(ctx, "order-1", true, "")
	if err != nil || !applied {
		t.Fatalf("first RecordPayment() = %v, %v", applied, err)
	}
	applied, err = m.RecordPayment(ctx, "order-1", false, "late failure")
	if err != nil || applied {
		t.Fatalf("second RecordPayment() = %v, %v; want false, nil", applied, err)
	}

	rec, _ := m.Get(ctx, "order-1")
	if rec.State != StatePaymentSucceeded || rec.ErrorMessage != "" {
		t.Fatalf("second payment leaked into record: %#v", rec)
	}
}

func TestRecordPaymentFailureStoresMessage(t *testing.T) {
	m := newTestMachine(t, NewMemoryStore())
	ctx := context.Background()
	mustCreate(t, m, "order-1")

	if applied, err := m.RecordPayment(ctx, "order-1", false, "insufficient funds"); err != nil || !applied {
		t.Fatalf("RecordPayment() = %v, %v", applied, err)
	}
	rec, _ := m.Get(ctx, "order-1")
	if rec.State != StatePaymentFailed || rec.ErrorMessage != "insufficient funds" || !rec.PaymentProcessed {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestRecordPaymentMissingSaga(t *testing.T) {
	store := NewMemoryStore()
	m := newTestMachine(t, store)

	applied, err := m.RecordPayment(context.Background(), "ghost", true, "")
	if err != nil || applied {
		t.Fatalf("RecordPayment() = %v, %v; want false, nil", applied, err)
	}
	if store.Writes() != 0 {
		t.Fatalf("expected no writes, got %d", store.Writes())
	}
}

func TestRecordShippingRequiresSuccessfulPayment(t *testing.T) {
	m := newTestMachine(t, NewMemoryStore())
	ctx := context.Background()
	mustCreate(t, m, "order-1")

	if applied, err := m.RecordShipping(ctx, "order-1"); err != nil || applied {
		t.Fatalf("RecordShipping() before payment = %v, %v", applied, err)
	}
	rec, _ := m.Get(ctx, "order-1")
	if rec.State != StateCreated || rec.ShippingProcessed {
		t.Fatalf("record changed: %#v", rec)
	}

	mustCreate(t, m, "order-2")
	if _, err := m.RecordPayment(ctx, "order-2", false, "declined"); err != nil {
		t.Fatalf("RecordPayment() error = %v", err)
	}
	if applied, err := m.RecordShipping(ctx, "order-2"); err != nil || applied {
		t.Fatalf("RecordShipping() after failed payment = %v, %v", applied, err)
	}

	if _, err := m.RecordPayment(ctx, "order-1", true, ""); err != nil {
		t.Fatalf("RecordPayment() error = %v", err)
	}
	if applied, err := m.RecordShipping(ctx, "order-1"); err != nil || !applied {
		t.Fatalf("RecordShipping() = %v, %v", applied, err)
	}
	if applied, err := m.RecordShipping(ctx, "order-1"); err != nil || applied {
		t.Fatalf("duplicate RecordShipping() = %v, %v", applied, err)
	}
	rec, _ = m.Get(ctx, "order-1")
	if rec.State != StateCompleted || !rec.ShippingProcessed {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	for _, terminal := range []State{StateCompleted, StateFailed, StateCancelled} {
		t.Run(terminal.String(), func(t *testing.T) {
			store := NewMemoryStore()
			rec := NewRecord("order-1", decimal.RequireFromString("1"), time.Now())
			rec.State = terminal
			if err := store.Upsert(context.Background(), rec); err != nil {
				t.Fatalf("seed: %v", err)
			}
			m := newTestMachine(t, store)

			if applied, _ := m.RecordPayment(context.Background(), "order-1", true, ""); applied {
				t.Fatal("RecordPayment applied on terminal saga")
			}
			if applied, _ := m.RecordShipping(context.Background(), "order-1"); applied {
				t.Fatal("RecordShipping applied on terminal saga")
			}
			if m.CanAdvance(rec) {
				t.Fatal("CanAdvance() = true for terminal saga")
			}
			if store.Writes() != 1 {
				t.Fatalf("expected only the seed write, got %d", store.Writes())
			}
		})
	}
}

func TestCanAdvance(t *testing.T) {
	if CanAdvance(nil) {
		t.Fatal("CanAdvance(nil) = true")
	}
	for _, state := range []State{StateCreated, StatePaymentSucceeded, StatePaymentFailed} {
		if !CanAdvance(&Record{State: state}) {
			t.Fatalf("CanAdvance(%s) = false", state)
		}
	}
}

func TestCancelTransitionsFromAnyState(t *testing.T) {
	for _, state := range AllStates() {
		t.Run(state.String(), func(t *testing.T) {
			store := NewMemoryStore()
			rec := NewRecord("order-1", decimal.RequireFromString("1"), time.Now())
			rec.State = state
			if err := store.Upsert(context.Background(), rec); err != nil {
				t.Fatalf("seed: %v", err)
			}
			m := newTestMachine(t, store)

			cancelled, err := m.Cancel(context.Background(), "order-1", "reason")
			if err != nil {
				t.Fatalf("Cancel() error = %v", err)
			}
			if cancelled.State != StateCancelled || cancelled.ErrorMessage != "reason" {
				t.Fatalf("unexpected record: %#v", cancelled)
			}
		})
	}
}

// Cancel ignores CanAdvance; a completed order can still be force-cancelled.
func TestCancelOverwritesCompletedSaga(t *testing.T) {
	m := newTestMachine(t, NewMemoryStore())
	ctx := context.Background()
	mustCreate(t, m, "order-1")
	if _, err := m.RecordPayment(ctx, "order-1", true, ""); err != nil {
		t.Fatalf("RecordPayment() error = %v", err)
	}
	if _, err := m.RecordShipping(ctx, "order-1"); err != nil {
		t.Fatalf("RecordShipping() error = %v", err)
	}

	rec, err := m.Cancel(ctx, "order-1", "operator override")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if rec.State != StateCancelled || !rec.ShippingProcessed {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestCancelMissingSaga(t *testing.T) {
	m := newTestMachine(t, NewMemoryStore())
	if _, err := m.Cancel(context.Background(), "ghost", "x"); !IsNotFound(err) {
		t.Fatalf("Cancel() error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentRecordPaymentAppliesOnce(t *testing.T) {
	store := NewMemoryStore()
	// Two machines over one store stand in for two processes.
	machines := []*Machine{newTestMachine(t, store), newTestMachine(t, store)}
	mustCreate(t, machines[0], "order-1")

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := machines[i%2].RecordPayment(context.Background(), "order-1", i%3 != 0, "declined")
			if err != nil {
				t.Errorf("RecordPayment() error = %v", err)
				return
			}
			if ok {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Fatalf("expected exactly one applied payment, got %d", applied.Load())
	}
	if store.Writes() != 2 {
		t.Fatalf("expected create + one payment write, got %d", store.Writes())
	}
}

func TestConflictRetry(t *testing.T) {
	store := &conflictingStore{Store: NewMemoryStore()}
	recorder := &recordingMetrics{}
	m := newTestMachine(t, store, WithMetrics(recorder), WithMaxConflictRetries(2))
	mustCreate(t, m, "order-1")

	store.failNext.Store(2)
	applied, err := m.RecordPayment(context.Background(), "order-1", true, "")
	if err != nil || !applied {
		t.Fatalf("RecordPayment() = %v, %v", applied, err)
	}
	if recorder.conflicts.Load() != 2 {
		t.Fatalf("expected 2 conflict retries, got %d", recorder.conflicts.Load())
	}

	mustCreate(t, m, "order-2")
	store.failNext.Store(3)
	_, err = m.RecordPayment(context.Background(), "order-2", true, "")
	if !errors.Is(err, ErrVersionConflict) || !IsRetryable(err) {
		t.Fatalf("RecordPayment() error = %v, want retryable ErrVersionConflict", err)
	}
}

func TestObserverReceivesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []Transition
	observer := ObserverFunc(func(_ context.Context, tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr)
	})
	m := newTestMachine(t, NewMemoryStore(), WithObserver(observer))
	ctx := context.Background()

	mustCreate(t, m, "order-1")
	_, _ = m.RecordPayment(ctx, "order-1", true, "")
	_, _ = m.RecordPayment(ctx, "order-1", true, "")
	_, _ = m.RecordShipping(ctx, "order-1")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(seen))
	}
	if seen[1].From != StateCreated || seen[1].To != StatePaymentSucceeded {
		t.Fatalf("unexpected transition: %+v", seen[1])
	}
	if seen[2].To != StateCompleted || seen[2].Record.OrderID != "order-1" {
		t.Fatalf("unexpected transition: %+v", seen[2])
	}
}

func TestListByStateRejectsUnknownState(t *testing.T) {
	m := newTestMachine(t, NewMemoryStore())
	if _, err := m.ListByState(context.Background(), State(42)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ListByState() error = %v", err)
	}
}

type countingStore struct {
	Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, orderID string) (*Record, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, orderID)
}

type conflictingStore struct {
	Store
	failNext atomic.Int32
}

func (s *conflictingStore) Upsert(ctx context.Context, rec *Record) error {
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return newError("upsert", rec.OrderID, ErrVersionConflict, nil)
	}
	return s.Store.Upsert(ctx, rec)
}

type recordingMetrics struct {
	nopMetricsRecorder
	conflicts atomic.Int32
}

func (r *recordingMetrics) RecordConflictRetry(string) {
	r.conflicts.Add(1)
}

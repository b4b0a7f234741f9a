package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists saga records keyed by order id. It holds no business rules.
//
// Upsert is a compare-and-swap on Version: the write succeeds only when the stored version equals
// rec.Version (zero for a record that does not exist yet). On success the store increments
// rec.Version in place. A lost race returns ErrVersionConflict.
type Store interface {
	Get(ctx context.Context, orderID string) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
	ListByState(ctx context.Context, state State) ([]*Record, error)
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	writes  int
}

// NewMemoryStore creates an in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Get returns a copy of the record for orderID.
func (s *MemoryStore) Get(ctx context.Context, orderID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, newError("get", orderID, ErrNotFound, nil)
	}
	return rec.Clone(), nil
}

// Upsert stores rec if its version matches.
func (s *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.records[rec.OrderID]; ok {
		current = existing.Version
	}
	if current != rec.Version {
		return newError("upsert", rec.OrderID, ErrVersionConflict, nil)
	}

	stored := rec.Clone()
	stored.Version = current + 1
	s.records[rec.OrderID] = stored
	s.writes++
	rec.Version = stored.Version
	return nil
}

// ListByState returns records in state, oldest first.
func (s *MemoryStore) ListByState(ctx context.Context, state State) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.State == state {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreation(out)
	return out, nil
}

// Writes returns the number of successful upserts.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func sortByCreation(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].OrderID < records[j].OrderID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

package eventbus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDeadLetterNotFound is returned when no dead letter has the requested id.
var ErrDeadLetterNotFound = errors.New("eventbus: dead letter not found")

// DeadLetter is the operator-facing record of a message that could not be processed.
type DeadLetter struct {
	ID             string    `json:"id"`
	Channel        string    `json:"channel"`
	EventID        string    `json:"eventId,omitempty"`
	EventType      string    `json:"eventType,omitempty"`
	OrderID        string    `json:"orderId,omitempty"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	Body           string    `json:"body"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// DeadLetterStore keeps dead letters for inspection.
type DeadLetterStore interface {
	Add(ctx context.Context, dl DeadLetter) error
	// List returns dead letters for channel, oldest first. An empty channel lists all.
	List(ctx context.Context, channel string) ([]DeadLetter, error)
	Get(ctx context.Context, id string) (DeadLetter, error)
}

// MemoryDeadLetterStore keeps dead letters in memory.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	entries []DeadLetter
	byID    map[string]int
}

// NewMemoryDeadLetterStore creates an empty store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{byID: make(map[string]int)}
}

func (s *MemoryDeadLetterStore) Add(ctx context.Context, dl DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[dl.ID] = len(s.entries)
	s.entries = append(s.entries, dl)
	return nil
}

func (s *MemoryDeadLetterStore) List(ctx context.Context, channel string) ([]DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, 0, len(s.entries))
	for _, dl := range s.entries {
		if channel == "" || dl.Channel == channel {
			out = append(out, dl)
		}
	}
	sortDeadLetters(out)
	return out, nil
}

func (s *MemoryDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return DeadLetter{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return s.entries[idx], nil
}

func sortDeadLetters(entries []DeadLetter) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DeadLetteredAt.Before(entries[j].DeadLetteredAt)
	})
}

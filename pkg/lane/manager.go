package lane

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Manager owns the lanes of one process, one per consumed channel.
type Manager struct {
	mu      sync.RWMutex
	lanes   map[string]Lane
	metrics MetricsRecorder
}

func NewManager() *Manager {
	return &Manager{lanes: make(map[string]Lane)}
}

// SetMetrics sets the recorder for lanes created by later Register calls.
func (m *Manager) SetMetrics(r MetricsRecorder) {
	m.mu.Lock()
	m.metrics = r
	m.mu.Unlock()
}

// Register creates a ChannelLane from cfg. Names are unique per manager.
func (m *Manager) Register(cfg *Config) (Lane, error) {
	if cfg == nil {
		return nil, errors.New("lane: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lane %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lanes[cfg.Name]; ok {
		return nil, laneError(cfg.Name, ErrDuplicateLane)
	}
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		l.SetMetrics(m.metrics)
	}
	m.lanes[cfg.Name] = l
	return l, nil
}

// Get returns the named lane or an error wrapping ErrUnknownLane.
func (m *Manager) Get(name string) (Lane, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lanes[name]
	if !ok {
		return nil, laneError(name, ErrUnknownLane)
	}
	return l, nil
}

// Submit routes task to the lane named by task.Lane().
func (m *Manager) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("lane: nil task")
	}
	l, err := m.Get(task.Lane())
	if err != nil {
		return err
	}
	return l.Submit(ctx, task)
}

func (m *Manager) GetStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]Stats, len(m.lanes))
	for name, l := range m.lanes {
		stats[name] = l.Stats()
	}
	return stats
}

// Names returns the registered lane names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.lanes))
	for name := range m.lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close drains every lane in parallel, all bounded by ctx, and forgets them.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	lanes := m.lanes
	m.lanes = make(map[string]Lane)
	m.mu.Unlock()

	errs := make(chan error, len(lanes))
	var wg sync.WaitGroup
	for name, l := range lanes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Close(ctx); err != nil {
				errs <- fmt.Errorf("close lane %s: %w", name, err)
			}
		}()
	}
	wg.Wait()
	close(errs)

	var joined []error
	for err := range errs {
		joined = append(joined, err)
	}
	return errors.Join(joined...)
}

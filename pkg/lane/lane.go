// Package lane runs message handlers behind a bounded queue.
//
// Each consumed channel gets its own lane: deliveries are queued up to Capacity and
// executed by exactly MaxConcurrency workers, so one slow channel cannot starve another.
// When the queue is full, Block makes the submitter wait (which in turn stops the consumer
// from pulling more deliveries) and Drop rejects the task with ErrFull.
//
//	l, err := lane.New(&lane.Config{Name: "consumer:orders", Capacity: 64, MaxConcurrency: 4})
//	if err != nil {
//		return err
//	}
//	defer l.Close(ctx)
//	err = l.Submit(ctx, lane.NewTaskFunc(msgID, l.Name(), handle))
package lane

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Task is one unit of work.
type Task interface {
	ID() string
	Lane() string
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task and remembers when it was created so the lane can
// report queue wait time.
type TaskFunc struct {
	id, lane string
	created  time.Time
	fn       func(ctx context.Context) error
}

func NewTaskFunc(id, lane string, fn func(ctx context.Context) error) *TaskFunc {
	return &TaskFunc{id: id, lane: lane, created: time.Now(), fn: fn}
}

func (t *TaskFunc) ID() string   { return t.id }
func (t *TaskFunc) Lane() string { return t.lane }

func (t *TaskFunc) EnqueuedAt() time.Time { return t.created }

func (t *TaskFunc) Execute(ctx context.Context) error {
	if t.fn == nil {
		return fmt.Errorf("task %s has no function", t.id)
	}
	return t.fn(ctx)
}

// Backpressure selects what Submit does when the queue is full.
type Backpressure int

const (
	Block Backpressure = iota
	Drop
)

func (b Backpressure) String() string {
	switch b {
	case Block:
		return "block"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// ParseBackpressure maps "drop" to Drop and anything else to Block.
func ParseBackpressure(s string) Backpressure {
	if s == "drop" {
		return Drop
	}
	return Block
}

type Config struct {
	Name           string
	Capacity       int
	MaxConcurrency int
	Backpressure   Backpressure

	// RateLimit caps admissions per second; zero disables it. Burst defaults to
	// ceil(RateLimit).
	RateLimit float64
	Burst     int
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("lane name is required"))
	}
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity must be positive, got %d", c.Capacity))
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %g", c.RateLimit))
	}
	if c.Burst < 0 {
		errs = append(errs, fmt.Errorf("burst must not be negative, got %d", c.Burst))
	}
	return errors.Join(errs...)
}

// Lane is a bounded execution queue.
type Lane interface {
	Name() string
	// Submit queues task, applying the lane's backpressure when it is full.
	Submit(ctx context.Context, task Task) error
	// TrySubmit queues task only if that needs no waiting.
	TrySubmit(task Task) bool
	Stats() Stats
	// Close stops admissions and waits for queued and running tasks, or for ctx.
	Close(ctx context.Context) error
	IsClosed() bool
}

// Stats is a point-in-time snapshot of a lane.
type Stats struct {
	Name           string        `json:"name"`
	Pending        int           `json:"pending"`
	Running        int           `json:"running"`
	MaxRunning     int           `json:"max_running"`
	Completed      int64         `json:"completed"`
	Failed         int64         `json:"failed"`
	Dropped        int64         `json:"dropped"`
	Capacity       int           `json:"capacity"`
	MaxConcurrency int           `json:"max_concurrency"`
	ProcessTime    time.Duration `json:"process_time"`
}

// Utilization is the share of queue slots and workers in use.
func (s Stats) Utilization() float64 {
	total := s.Capacity + s.MaxConcurrency
	if total == 0 {
		return 0
	}
	return float64(s.Pending+s.Running) / float64(total)
}

func (s Stats) IsFull() bool {
	return s.Pending >= s.Capacity
}

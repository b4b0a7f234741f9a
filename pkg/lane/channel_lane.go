package lane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// MetricsRecorder receives queue depth, wait time and throughput per lane.
type MetricsRecorder interface {
	IncQueueDepth(lane string)
	DecQueueDepth(lane string)
	RecordWaitDuration(lane string, d time.Duration)
	RecordThroughput(lane string)
}

type nopMetrics struct{}

func (nopMetrics) IncQueueDepth(string)                     {}
func (nopMetrics) DecQueueDepth(string)                     {}
func (nopMetrics) RecordWaitDuration(string, time.Duration) {}
func (nopMetrics) RecordThroughput(string)                  {}

// ChannelLane is a Lane backed by a buffered channel drained by a fixed set of workers.
type ChannelLane struct {
	cfg     Config
	queue   chan Task
	limiter *rate.Limiter
	metrics MetricsRecorder

	// mu guards the close of queue against in-flight sends.
	mu        sync.RWMutex
	closed    atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
	drained   chan struct{}

	pending    atomic.Int32
	running    atomic.Int32
	maxRunning atomic.Int32
	completed  atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	busyNanos  atomic.Int64
	executed   atomic.Int64
}

// New validates cfg and starts the lane's workers.
func New(cfg *Config) (*ChannelLane, error) {
	if cfg == nil {
		return nil, errors.New("lane: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &ChannelLane{
		cfg:     *cfg,
		queue:   make(chan Task, cfg.Capacity),
		limiter: newLimiter(cfg),
		metrics: nopMetrics{},
		closing: make(chan struct{}),
		drained: make(chan struct{}),
	}
	l.workers.Add(cfg.MaxConcurrency)
	for i := 0; i < cfg.MaxConcurrency; i++ {
		go l.work()
	}
	return l, nil
}

func (l *ChannelLane) Name() string { return l.cfg.Name }

// SetMetrics replaces the recorder. Call before submitting.
func (l *ChannelLane) SetMetrics(m MetricsRecorder) {
	if m != nil {
		l.metrics = m
	}
}

func (l *ChannelLane) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return laneError(l.cfg.Name, errors.New("nil task"))
	}
	if l.closed.Load() {
		return laneError(l.cfg.Name, ErrClosed)
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed.Load() {
		return laneError(l.cfg.Name, ErrClosed)
	}

	if l.cfg.Backpressure == Drop {
		select {
		case l.queue <- task:
			l.admitted()
			return nil
		default:
			l.dropped.Add(1)
			return &Error{Lane: l.cfg.Name, TaskID: task.ID(), Err: ErrFull}
		}
	}

	select {
	case l.queue <- task:
		l.admitted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closing:
		return laneError(l.cfg.Name, ErrClosed)
	}
}

func (l *ChannelLane) TrySubmit(task Task) bool {
	if task == nil || l.closed.Load() {
		return false
	}
	if l.limiter != nil && !l.limiter.Allow() {
		return false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed.Load() {
		return false
	}
	select {
	case l.queue <- task:
		l.admitted()
		return true
	default:
		return false
	}
}

func (l *ChannelLane) admitted() {
	l.pending.Add(1)
	l.metrics.IncQueueDepth(l.cfg.Name)
}

func (l *ChannelLane) work() {
	defer l.workers.Done()
	for task := range l.queue {
		l.execute(task)
	}
}

func (l *ChannelLane) execute(task Task) {
	l.pending.Add(-1)
	l.metrics.DecQueueDepth(l.cfg.Name)
	if q, ok := task.(interface{ EnqueuedAt() time.Time }); ok {
		l.metrics.RecordWaitDuration(l.cfg.Name, time.Since(q.EnqueuedAt()))
	}

	now := l.running.Add(1)
	defer l.running.Add(-1)
	for peak := l.maxRunning.Load(); now > peak; peak = l.maxRunning.Load() {
		if l.maxRunning.CompareAndSwap(peak, now) {
			break
		}
	}

	start := time.Now()
	err := l.run(task)
	l.busyNanos.Add(int64(time.Since(start)))
	l.executed.Add(1)
	if err != nil {
		l.failed.Add(1)
	} else {
		l.completed.Add(1)
	}
	l.metrics.RecordThroughput(l.cfg.Name)
}

// run executes task detached from Close, so in-flight work finishes its writes.
func (l *ChannelLane) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{TaskID: task.ID(), Value: r}
		}
	}()
	return task.Execute(context.Background())
}

func (l *ChannelLane) Stats() Stats {
	s := Stats{
		Name:           l.cfg.Name,
		Pending:        int(l.pending.Load()),
		Running:        int(l.running.Load()),
		MaxRunning:     int(l.maxRunning.Load()),
		Completed:      l.completed.Load(),
		Failed:         l.failed.Load(),
		Dropped:        l.dropped.Load(),
		Capacity:       l.cfg.Capacity,
		MaxConcurrency: l.cfg.MaxConcurrency,
	}
	if n := l.executed.Load(); n > 0 {
		s.ProcessTime = time.Duration(l.busyNanos.Load() / n)
	}
	return s
}

// Close stops admissions and waits until every queued task has run or ctx ends. Tasks
// still running when ctx ends are not interrupted.
func (l *ChannelLane) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.closing)

		l.mu.Lock()
		close(l.queue)
		l.mu.Unlock()

		go func() {
			l.workers.Wait()
			close(l.drained)
		}()
	})

	select {
	case <-l.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ChannelLane) IsClosed() bool { return l.closed.Load() }

// Package engine assembles the order saga runtime from configuration: the saga store, the broker,
// the publisher, the state machine, the event handlers and one consumer per channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/dispatch"
	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/lane"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/orders"
	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/goclaw/ordersaga/pkg/storage"
	"github.com/goclaw/ordersaga/pkg/storage/badger"
)

// Engine is the order saga runtime.
type Engine struct {
	cfg    *config.Config
	logger logger.Logger

	metrics     MetricsRecorder
	observers   *ObserverRegistry
	decider     orders.PaymentDecider
	compensator orders.Compensator

	redisClient redis.UniversalClient
	badgerDB    *badgerdb.DB

	store       saga.Store
	broker      eventbus.Broker
	deadLetters eventbus.DeadLetterStore
	schemas     *eventbus.SchemaRegistry
	publisher   *eventbus.Publisher
	machine     *saga.Machine
	dispatcher  *dispatch.Dispatcher
	handlers    *orders.Handlers
	sender      *orders.Sender
	lanes       *lane.Manager
	consumers   []*eventbus.Consumer

	// closers release what the engine opened, in reverse order.
	closers []func() error

	state     atomic.Int32
	startedAt time.Time

	mu         sync.Mutex
	runCancel  context.CancelFunc
	demoDone   chan struct{}
	demoResult DemoResult
}

// New builds every runtime component described by cfg. Backends are dialed here, so a
// misconfigured store or broker fails construction rather than Start.
func New(cfg *config.Config, log logger.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config cannot be nil")
	}
	if log == nil {
		log = logger.Global()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    log.With("component", "engine"),
		observers: NewObserverRegistry(),
		lanes:     lane.NewManager(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.build(context.Background()); err != nil {
		if closeErr := e.closeResources(); closeErr != nil {
			e.logger.Error("Failed to release resources after build error", "error", closeErr)
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", e.buildStore},
		{"broker", e.buildBroker},
		{"dead letter store", e.buildDeadLetters},
		{"publisher", e.buildPublisher},
		{"machine", e.buildMachine},
		{"handlers", e.buildHandlers},
		{"consumers", e.buildConsumers},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return &ComponentError{Component: step.name, Cause: err}
		}
	}
	return nil
}

func (e *Engine) buildStore(ctx context.Context) error {
	if e.store != nil {
		return nil
	}
	scfg := e.cfg.Storage
	switch scfg.Type {
	case "", "memory":
		e.store = saga.NewMemoryStore()
	case "badger":
		db, err := e.openBadger()
		if err != nil {
			return err
		}
		store, err := saga.NewBadgerStore(db)
		if err != nil {
			return err
		}
		e.store = store
	case "redis":
		client, err := e.redis(ctx)
		if err != nil {
			return err
		}
		store, err := saga.NewRedisStore(client, scfg.Redis.KeyPrefix)
		if err != nil {
			return err
		}
		e.store = store
	case "postgres":
		db, err := storage.OpenPostgres(ctx, scfg.Postgres)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, db.Close)
		var store *saga.PostgresStore
		if scfg.Postgres.CreateSchema {
			store, err = saga.NewPostgresStoreWithSchema(ctx, db)
		} else {
			store, err = saga.NewPostgresStore(db)
		}
		if err != nil {
			return err
		}
		e.store = store
	default:
		return fmt.Errorf("unsupported storage type %q", scfg.Type)
	}
	e.logger.Info("Saga store ready", "type", scfg.Type)
	return nil
}

func (e *Engine) buildBroker(ctx context.Context) error {
	if e.broker != nil {
		e.closers = append(e.closers, e.broker.Close)
		return nil
	}
	bcfg := e.cfg.Broker
	switch bcfg.Type {
	case "", "memory":
		e.broker = eventbus.NewMemoryBroker(bcfg.QueueSize)
	case "redis":
		client, err := e.redis(ctx)
		if err != nil {
			return err
		}
		broker, err := eventbus.NewRedisBroker(client, eventbus.RedisBrokerConfig{
			KeyPrefix:   e.cfg.Storage.Redis.KeyPrefix,
			ConsumerID:  bcfg.Redis.ConsumerID,
			PollTimeout: bcfg.Redis.PollTimeout,
		}, e.logger)
		if err != nil {
			return err
		}
		e.broker = broker
	case "rabbitmq":
		prefetch := bcfg.RabbitMQ.Prefetch
		if prefetch <= 0 {
			prefetch = bcfg.Consumer.Concurrency
		}
		broker, err := eventbus.NewRabbitBroker(eventbus.RabbitConfig{
			URL:      bcfg.RabbitMQ.URL,
			Prefetch: prefetch,
			Durable:  bcfg.RabbitMQ.Durable,
		}, e.logger)
		if err != nil {
			return err
		}
		e.broker = broker
	default:
		return fmt.Errorf("unsupported broker type %q", bcfg.Type)
	}
	e.closers = append(e.closers, e.broker.Close)
	e.logger.Info("Broker ready", "type", bcfg.Type,
		"orders_channel", bcfg.OrdersChannel,
		"payments_channel", bcfg.PaymentsChannel,
	)
	return nil
}

func (e *Engine) buildDeadLetters(context.Context) error {
	if e.deadLetters != nil {
		return nil
	}
	switch e.cfg.DeadLetter.Store {
	case "", "memory":
		e.deadLetters = eventbus.NewMemoryDeadLetterStore()
	case "badger":
		db, err := e.openBadger()
		if err != nil {
			return err
		}
		store, err := eventbus.NewBadgerDeadLetterStore(db)
		if err != nil {
			return err
		}
		e.deadLetters = store
	default:
		return fmt.Errorf("unsupported dead letter store %q", e.cfg.DeadLetter.Store)
	}
	return nil
}

func (e *Engine) buildPublisher(context.Context) error {
	pcfg := e.cfg.Broker.Publish
	retry := eventbus.RetryConfig{
		MaxRetries:     pcfg.MaxRetries,
		InitialBackoff: pcfg.InitialBackoff,
		MaxBackoff:     pcfg.MaxBackoff,
		BackoffFactor:  pcfg.BackoffFactor,
	}
	opts := []eventbus.PublisherOption{
		eventbus.WithPublisherLogger(e.logger.With("component", "publisher")),
	}
	if e.metrics != nil {
		opts = append(opts, eventbus.WithPublisherTelemetry(e.metrics))
	}
	if b := e.cfg.Broker.Breaker; b.Enabled {
		opts = append(opts, eventbus.WithCircuitBreaker(eventbus.BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: uint32(b.ConsecutiveFailures),
			OpenTimeout:         b.OpenTimeout,
			HalfOpenRequests:    uint32(b.HalfOpenRequests),
		}))
	}

	publisher, err := eventbus.NewPublisher(e.broker, retry, opts...)
	if err != nil {
		return err
	}
	e.publisher = publisher
	return nil
}

func (e *Engine) buildMachine(context.Context) error {
	opts := []saga.MachineOption{
		saga.WithLogger(e.logger.With("component", "saga")),
		saga.WithObserver(e.observers),
		saga.WithMaxConflictRetries(e.cfg.Saga.MaxConflictRetries),
	}
	if e.metrics != nil {
		opts = append(opts, saga.WithMetrics(e.metrics))
	}
	machine, err := saga.NewMachine(e.store, opts...)
	if err != nil {
		return err
	}
	e.machine = machine
	return nil
}

func (e *Engine) buildHandlers(context.Context) error {
	if e.decider == nil {
		decider, err := deciderFromConfig(e.cfg.Payment)
		if err != nil {
			return err
		}
		e.decider = decider
	}

	channels := e.channels()
	handlers, err := orders.NewHandlers(orders.Config{
		Machine:     e.machine,
		Publisher:   e.publisher,
		Decider:     e.decider,
		Compensator: e.compensator,
		Channels:    channels,
		Logger:      e.logger.With("component", "handlers"),
	})
	if err != nil {
		return err
	}
	e.handlers = handlers

	e.dispatcher = dispatch.New(e.logger.With("component", "dispatcher"))
	handlers.Register(e.dispatcher)
	// A missing handler would dead-letter every event of that type, so refuse to start.
	if err := e.dispatcher.Require(orders.EventTypes()...); err != nil {
		return err
	}

	e.schemas = eventbus.NewSchemaRegistry()
	if err := orders.RegisterSchemas(e.schemas); err != nil {
		return err
	}

	sender, err := orders.NewSender(e.publisher, channels, e.logger.With("component", "sender"))
	if err != nil {
		return err
	}
	e.sender = sender
	return nil
}

func (e *Engine) buildConsumers(context.Context) error {
	ccfg := e.cfg.Broker.Consumer
	if e.metrics != nil {
		e.lanes.SetMetrics(e.metrics)
	}
	retry := eventbus.RetryConfig{
		MaxRetries:     ccfg.Retry.MaxRetries,
		InitialBackoff: ccfg.Retry.InitialBackoff,
		MaxBackoff:     ccfg.Retry.MaxBackoff,
		BackoffFactor:  ccfg.Retry.BackoffFactor,
	}

	channels := e.channels()
	for _, channel := range []string{channels.Orders, channels.Payments} {
		l, err := e.lanes.Register(&lane.Config{
			Name:           "consumer:" + channel,
			Capacity:       ccfg.Capacity,
			MaxConcurrency: ccfg.Concurrency,
			Backpressure:   lane.Block,
			RateLimit:      ccfg.RateLimit,
			Burst:          ccfg.Burst,
		})
		if err != nil {
			return err
		}

		opts := []eventbus.ConsumerOption{
			eventbus.WithDeadLetterStore(e.deadLetters),
			eventbus.WithSchemaRegistry(e.schemas),
			eventbus.WithLogger(e.logger.With("component", "consumer")),
			eventbus.WithRetryPolicy(dispatch.IsRetryable),
		}
		if e.metrics != nil {
			opts = append(opts, eventbus.WithConsumerTelemetry(e.metrics))
		}
		consumer, err := eventbus.NewConsumer(e.broker, e.dispatcher, l, eventbus.ConsumerConfig{
			Channel: channel,
			Retry:   retry,
		}, opts...)
		if err != nil {
			return err
		}
		e.consumers = append(e.consumers, consumer)
	}
	return nil
}

func (e *Engine) channels() orders.Channels {
	return orders.Channels{
		Orders:   e.cfg.Broker.OrdersChannel,
		Payments: e.cfg.Broker.PaymentsChannel,
	}
}

// redis returns the shared client, dialing storage.redis on first use.
func (e *Engine) redis(ctx context.Context) (redis.UniversalClient, error) {
	if e.redisClient != nil {
		return e.redisClient, nil
	}
	client, err := storage.OpenRedis(ctx, e.cfg.Storage.Redis)
	if err != nil {
		return nil, err
	}
	e.redisClient = client
	e.closers = append(e.closers, client.Close)
	return client, nil
}

// openBadger opens the Badger database once; the saga store and dead-letter store share it.
func (e *Engine) openBadger() (*badgerdb.DB, error) {
	if e.badgerDB != nil {
		return e.badgerDB, nil
	}
	db, err := badger.Open(badger.FromConfig(e.cfg.Storage.Badger), e.logger)
	if err != nil {
		return nil, err
	}
	e.badgerDB = db
	e.closers = append(e.closers, db.Close)
	return db, nil
}

func deciderFromConfig(cfg config.PaymentConfig) (orders.PaymentDecider, error) {
	switch cfg.Mode {
	case "", "approve":
		return orders.Approve(), nil
	case "decline":
		reason := cfg.DeclineReason
		if reason == "" {
			reason = "Payment declined"
		}
		return orders.Decline(reason), nil
	case "threshold":
		limit, err := decimal.NewFromString(cfg.Threshold)
		if err != nil {
			return nil, fmt.Errorf("invalid payment threshold %q: %w", cfg.Threshold, err)
		}
		return orders.ThresholdDecider{Limit: limit}, nil
	default:
		return nil, fmt.Errorf("unsupported payment mode %q", cfg.Mode)
	}
}

// Start subscribes every consumer and, when enabled, launches the demo seeder.
func (e *Engine) Start(ctx context.Context) (err error) {
	if !e.state.CompareAndSwap(int32(stateIdle), int32(stateStarting)) {
		return fmt.Errorf("engine cannot start from state %s", engineState(e.state.Load()))
	}

	ctx, span := runtimeTracer().Start(ctx, spanEngineStart)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	started := make([]*eventbus.Consumer, 0, len(e.consumers))
	for _, c := range e.consumers {
		if err := c.Start(runCtx); err != nil {
			cancel()
			for _, s := range started {
				_ = s.Stop(context.Background())
			}
			e.state.Store(int32(stateError))
			return &ComponentError{Component: "consumer " + c.Channel(), Cause: err}
		}
		started = append(started, c)
	}

	e.mu.Lock()
	e.runCancel = cancel
	e.startedAt = time.Now()
	e.mu.Unlock()
	e.state.Store(int32(stateRunning))

	if e.cfg.Demo.Enabled {
		e.startDemo(runCtx)
	}

	e.logger.InfoContext(ctx, "Engine started",
		"storage", e.cfg.Storage.Type,
		"broker", e.cfg.Broker.Type,
		"consumers", len(e.consumers),
		"concurrency", e.cfg.Broker.Consumer.Concurrency,
	)
	return nil
}

// Stop stops consuming, lets in-flight handlers finish within the configured drain timeout
// (or ctx, whichever ends first), then releases every backend connection.
func (e *Engine) Stop(ctx context.Context) error {
	current := engineState(e.state.Load())
	if current != stateRunning && current != stateError {
		if current == stateIdle {
			e.state.Store(int32(stateStopped))
			return e.closeResources()
		}
		return nil
	}
	e.state.Store(int32(stateStopping))

	ctx, span := runtimeTracer().Start(ctx, spanEngineStop)
	defer span.End()

	drainCtx := ctx
	if d := e.cfg.Broker.Consumer.DrainTimeout; d > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	e.mu.Lock()
	runCancel, demoDone := e.runCancel, e.demoDone
	e.mu.Unlock()

	// The demo publishes through the broker, so it must end before the broker closes.
	if runCancel != nil {
		runCancel()
	}
	if demoDone != nil {
		select {
		case <-demoDone:
		case <-drainCtx.Done():
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range e.consumers {
		wg.Add(1)
		go func(c *eventbus.Consumer) {
			defer wg.Done()
			if err := c.Stop(drainCtx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop consumer %s: %w", c.Channel(), err))
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if err := e.lanes.Close(drainCtx); err != nil {
		errs = append(errs, err)
	}
	if err := e.closeResources(); err != nil {
		errs = append(errs, err)
	}

	e.state.Store(int32(stateStopped))
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.ErrorContext(ctx, "Engine stopped with errors", "error", err)
		return err
	}
	e.logger.InfoContext(ctx, "Engine stopped")
	return nil
}

func (e *Engine) closeResources() error {
	e.mu.Lock()
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && !errors.Is(err, eventbus.ErrBrokerClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Machine returns the saga state machine.
func (e *Engine) Machine() *saga.Machine {
	return e.machine
}

// Sender returns the command sender used to start and cancel sagas.
func (e *Engine) Sender() *orders.Sender {
	return e.sender
}

// DeadLetters returns the dead-letter store.
func (e *Engine) DeadLetters() eventbus.DeadLetterStore {
	return e.deadLetters
}

// Publisher returns the event publisher.
func (e *Engine) Publisher() *eventbus.Publisher {
	return e.publisher
}

// Broker returns the message broker.
func (e *Engine) Broker() eventbus.Broker {
	return e.broker
}

// Observers returns the transition observer registry.
func (e *Engine) Observers() *ObserverRegistry {
	return e.observers
}

// IsHealthy returns true if the engine is healthy.
func (e *Engine) IsHealthy() bool {
	state := engineState(e.state.Load())
	return state == stateRunning || state == stateStarting
}

// IsReady returns true if the engine consumes events and can publish them.
func (e *Engine) IsReady() bool {
	return engineState(e.state.Load()) == stateRunning && !e.publisher.Degraded()
}

// EngineStatus represents the engine's current status.
type EngineStatus struct {
	State     string                `json:"state"`
	Uptime    string                `json:"uptime,omitempty"`
	Version   string                `json:"version,omitempty"`
	Storage   string                `json:"storage"`
	Broker    string                `json:"broker"`
	Degraded  bool                  `json:"degraded"`
	Published map[string]int64      `json:"published"`
	Lanes     map[string]LaneStatus `json:"lanes"`
	Demo      *DemoResult           `json:"demo,omitempty"`
}

// LaneStatus is a consumer lane's queue snapshot.
type LaneStatus struct {
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// GetStatus returns detailed engine status.
func (e *Engine) GetStatus() *EngineStatus {
	state := engineState(e.state.Load())
	status := &EngineStatus{
		State:     state.String(),
		Version:   e.cfg.App.Version,
		Storage:   e.cfg.Storage.Type,
		Broker:    e.cfg.Broker.Type,
		Degraded:  e.publisher.Degraded(),
		Published: e.publisher.Channels(),
		Lanes:     make(map[string]LaneStatus),
	}

	e.mu.Lock()
	if state == stateRunning && !e.startedAt.IsZero() {
		status.Uptime = time.Since(e.startedAt).Truncate(time.Second).String()
	}
	if e.demoDone != nil {
		demo := e.demoResult
		status.Demo = &demo
	}
	e.mu.Unlock()

	for name, stats := range e.lanes.GetStats() {
		status.Lanes[name] = LaneStatus{
			Pending:   stats.Pending,
			Running:   stats.Running,
			Completed: stats.Completed,
			Failed:    stats.Failed,
			Dropped:   stats.Dropped,
		}
	}
	return status
}

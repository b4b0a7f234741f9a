package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/goclaw/ordersaga/pkg/orders"
)

// DemoResult reports the demo seeder's progress.
type DemoResult struct {
	Sent     int       `json:"sent"`
	Done     bool      `json:"done"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
}

// startDemo sends demo.orders OrderCreated events in the background. It ends when ctx does.
func (e *Engine) startDemo(ctx context.Context) {
	dcfg, err := demoConfig(e.cfg.Demo.Orders, e.cfg.Demo.Interval, e.cfg.Demo.BaseAmount, e.cfg.Demo.Step)
	if err != nil {
		e.logger.Error("Demo seeder disabled", "error", err)
		return
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.demoDone = done
	e.demoResult = DemoResult{Started: time.Now().UTC()}
	e.mu.Unlock()

	go func() {
		defer close(done)

		ctx, span := runtimeTracer().Start(ctx, spanDemoRun)
		span.SetAttributes(attribute.Int("demo.orders", dcfg.Orders))
		defer span.End()

		e.logger.InfoContext(ctx, "Demo seeder started", "orders", dcfg.Orders, "interval", dcfg.Interval)
		sent, err := orders.RunDemo(ctx, e.sender, dcfg)

		result := DemoResult{Sent: sent, Done: true, Finished: time.Now().UTC()}
		switch {
		case err == nil:
			e.logger.InfoContext(ctx, "Demo seeder finished", "sent", sent)
		case errors.Is(err, context.Canceled):
			e.logger.InfoContext(ctx, "Demo seeder stopped", "sent", sent)
		default:
			result.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.ErrorContext(ctx, "Demo seeder failed", "sent", sent, "error", err)
		}

		e.mu.Lock()
		result.Started = e.demoResult.Started
		e.demoResult = result
		e.mu.Unlock()
	}()
}

func demoConfig(count int, interval time.Duration, base, step string) (orders.DemoConfig, error) {
	baseAmount, err := decimal.NewFromString(base)
	if err != nil {
		return orders.DemoConfig{}, err
	}
	stepAmount := decimal.Zero
	if step != "" {
		stepAmount, err = decimal.NewFromString(step)
		if err != nil {
			return orders.DemoConfig{}, err
		}
	}
	return orders.DemoConfig{
		Orders:     count,
		Interval:   interval,
		BaseAmount: baseAmount,
		Step:       stepAmount,
	}, nil
}

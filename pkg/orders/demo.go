package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DemoConfig drives RunDemo.
type DemoConfig struct {
	Orders   int
	Interval time.Duration
	// BaseAmount is the first order's amount; each next order adds Step.
	BaseAmount decimal.Decimal
	Step       decimal.Decimal
	// IDPrefix prefixes generated order ids.
	IDPrefix string
}

// RunDemo sends cfg.Orders OrderCreated events spaced by cfg.Interval. It returns early when
// ctx ends.
func RunDemo(ctx context.Context, sender *Sender, cfg DemoConfig) (int, error) {
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "demo"
	}
	amount := cfg.BaseAmount
	sent := 0
	for i := 1; i <= cfg.Orders; i++ {
		orderID := fmt.Sprintf("%s-%d-%d", cfg.IDPrefix, time.Now().Unix(), i)
		if _, err := sender.SendOrderCreated(ctx, orderID, amount); err != nil {
			return sent, err
		}
		sent++
		amount = amount.Add(cfg.Step)

		if i == cfg.Orders || cfg.Interval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
	return sent, nil
}

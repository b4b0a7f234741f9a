package orders

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/goclaw/ordersaga/pkg/saga"
)

// PaymentDecision is the outcome of the payment step.
type PaymentDecision struct {
	Succeeded bool
	// Reason explains a declined payment.
	Reason string
}

// PaymentDecider decides whether payment for a newly created saga succeeds.
type PaymentDecider interface {
	Decide(ctx context.Context, rec *saga.Record) (PaymentDecision, error)
}

// DeciderFunc adapts a function to PaymentDecider.
type DeciderFunc func(ctx context.Context, rec *saga.Record) (PaymentDecision, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, rec *saga.Record) (PaymentDecision, error) {
	return f(ctx, rec)
}

// Approve accepts every payment.
func Approve() PaymentDecider {
	return DeciderFunc(func(context.Context, *saga.Record) (PaymentDecision, error) {
		return PaymentDecision{Succeeded: true}, nil
	})
}

// Decline rejects every payment with reason.
func Decline(reason string) PaymentDecider {
	return DeciderFunc(func(context.Context, *saga.Record) (PaymentDecision, error) {
		return PaymentDecision{Reason: reason}, nil
	})
}

// ThresholdDecider declines orders whose amount exceeds Limit.
type ThresholdDecider struct {
	Limit decimal.Decimal
}

// Decide implements PaymentDecider.
func (d ThresholdDecider) Decide(_ context.Context, rec *saga.Record) (PaymentDecision, error) {
	if rec.Amount.GreaterThan(d.Limit) {
		return PaymentDecision{Reason: fmt.Sprintf("amount %s exceeds limit %s", rec.Amount, d.Limit)}, nil
	}
	return PaymentDecision{Succeeded: true}, nil
}

// Compensator undoes side effects of a cancelled order, such as refunds or inventory release.
type Compensator interface {
	Compensate(ctx context.Context, rec *saga.Record, reason string) error
}

// NopCompensator does nothing.
type NopCompensator struct{}

// Compensate implements Compensator.
func (NopCompensator) Compensate(context.Context, *saga.Record, string) error { return nil }

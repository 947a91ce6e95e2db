package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"fundescrow/pkg/metrics"
	"fundescrow/pkg/otel"
)

// Instrumented records latency metrics and a span for every call.
type Instrumented struct {
	next Gateway
}

func NewInstrumented(next Gateway) *Instrumented {
	return &Instrumented{next: next}
}

func (i *Instrumented) Charge(ctx context.Context, amount int64, idempotencyKey string) Result {
	return i.observe(ctx, "charge", amount, idempotencyKey, func(ctx context.Context) Result {
		return i.next.Charge(ctx, amount, idempotencyKey)
	})
}

func (i *Instrumented) Refund(ctx context.Context, amount int64, originalReference, idempotencyKey string) Result {
	return i.observe(ctx, "refund", amount, idempotencyKey, func(ctx context.Context) Result {
		return i.next.Refund(ctx, amount, originalReference, idempotencyKey)
	})
}

func (i *Instrumented) ValidateMethod(ctx context.Context, method PaymentMethod) bool {
	start := time.Now()
	ok := i.next.ValidateMethod(ctx, method)
	outcome := "valid"
	if !ok {
		outcome = "invalid"
	}
	metrics.RecordGatewayCall("validate", outcome, time.Since(start))
	return ok
}

func (i *Instrumented) observe(ctx context.Context, op string, amount int64, key string, fn func(context.Context) Result) Result {
	ctx, span := otel.StartSpan(ctx, "gateway."+op,
		attribute.String("gateway.key", key),
		attribute.Int64("gateway.amount", amount),
	)
	start := time.Now()
	r := fn(ctx)
	metrics.RecordGatewayCall(op, string(r.Outcome), time.Since(start))
	span.SetAttributes(attribute.String("gateway.outcome", string(r.Outcome)))
	otel.EndSpan(span, r.Err())
	return r
}

// Package gateway abstracts the external payment processor.
package gateway

import (
	"context"
	"fmt"

	"fundescrow/internal/model"
)

type Outcome string

const (
	Success          Outcome = "SUCCESS"
	Declined         Outcome = "DECLINED"
	TransientFailure Outcome = "TRANSIENT_FAILURE"
)

type Result struct {
	Outcome   Outcome `json:"outcome"`
	Reference string  `json:"reference,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Err maps a non-success result to ErrGatewayDeclined or ErrGatewayTransient.
func (r Result) Err() error {
	switch r.Outcome {
	case Success:
		return nil
	case Declined:
		return fmt.Errorf("%s: %w", r.Reason, model.ErrGatewayDeclined)
	default:
		return fmt.Errorf("%s: %w", r.Reason, model.ErrGatewayTransient)
	}
}

func declined(reason string) Result  { return Result{Outcome: Declined, Reason: reason} }
func transient(reason string) Result { return Result{Outcome: TransientFailure, Reason: reason} }

// PaymentMethod is the opaque method a donor pays with.
type PaymentMethod struct {
	Type   string `json:"type"` // card / bank
	Token  string `json:"token"`
	Holder string `json:"holder"`
}

// Gateway is the processor contract. Repeating a call with the same
// idempotency key never moves money twice: the first definitive result is
// returned again. A refund names the charge it reverses by its reference.
type Gateway interface {
	Charge(ctx context.Context, amount int64, idempotencyKey string) Result
	Refund(ctx context.Context, amount int64, originalReference, idempotencyKey string) Result
	ValidateMethod(ctx context.Context, method PaymentMethod) bool
}

package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundescrow/internal/model"
)

func TestChargeReplaysFirstSuccess(t *testing.T) {
	g := NewSimulated(SimulatedConfig{SuccessProbability: 1, Seed: 1})
	ctx := context.Background()

	first := g.Charge(ctx, 500, "k1")
	require.Equal(t, Success, first.Outcome)
	second := g.Charge(ctx, 500, "k1")
	assert.Equal(t, first, second)
	assert.Equal(t, int64(500), g.Moved("k1"))
	assert.Equal(t, 2, g.Calls("k1"))
}

func TestTransientThenSuccessSameKey(t *testing.T) {
	g := NewSimulated(SimulatedConfig{Seed: 1})
	g.Script(TransientFailure, Success)
	ctx := context.Background()

	r := g.Charge(ctx, 500, "k")
	assert.Equal(t, TransientFailure, r.Outcome)
	assert.ErrorIs(t, r.Err(), model.ErrGatewayTransient)
	assert.Zero(t, g.Moved("k"))

	r = g.Charge(ctx, 500, "k")
	assert.Equal(t, Success, r.Outcome)
	assert.NoError(t, r.Err())
	assert.Equal(t, int64(500), g.Moved("k"))
}

func TestDeclines(t *testing.T) {
	g := NewSimulated(SimulatedConfig{SuccessProbability: 1, Seed: 1})
	ctx := context.Background()

	r := g.Charge(ctx, 0, "k")
	assert.Equal(t, Declined, r.Outcome)
	assert.ErrorIs(t, r.Err(), model.ErrGatewayDeclined)

	g.Script(Declined)
	r = g.Refund(ctx, 10, "ch_1", "rk")
	assert.Equal(t, Declined, r.Outcome)
	// declines are definitive too
	assert.Equal(t, Declined, g.Refund(ctx, 10, "ch_1", "rk").Outcome)
	assert.Zero(t, g.Moved("rk"))

	assert.Equal(t, Declined, g.Refund(ctx, 10, "", "rk2").Outcome)
	assert.Zero(t, g.Calls("rk2"))
}

func TestRefundKeyedOnIdempotencyKey(t *testing.T) {
	g := NewSimulated(SimulatedConfig{SuccessProbability: 1, Seed: 1})
	ctx := context.Background()

	first := g.Refund(ctx, 10, "ch_1", "rk-1")
	require.Equal(t, Success, first.Outcome)
	assert.Equal(t, first, g.Refund(ctx, 10, "ch_1", "rk-1"))
	assert.Equal(t, int64(10), g.Moved("rk-1"))
	assert.Equal(t, "ch_1", g.RefundedCharge("rk-1"))

	// a second refund against the same charge is its own operation
	require.Equal(t, Success, g.Refund(ctx, 5, "ch_1", "rk-2").Outcome)
	assert.Equal(t, int64(5), g.Moved("rk-2"))
}

func TestConcurrentChargesMoveOnce(t *testing.T) {
	g := NewSimulated(SimulatedConfig{SuccessProbability: 1, Latency: time.Millisecond, Seed: 1})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Charge(context.Background(), 100, "same")
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), g.Moved("same"))
}

func TestCancelledContextIsTransient(t *testing.T) {
	g := NewSimulated(SimulatedConfig{SuccessProbability: 1, Latency: time.Hour, Seed: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, TransientFailure, g.Charge(ctx, 100, "k").Outcome)
}

func TestValidateMethod(t *testing.T) {
	g := NewSimulated(SimulatedConfig{})
	assert.True(t, g.ValidateMethod(context.Background(), PaymentMethod{Type: "card", Token: "tok"}))
	assert.False(t, g.ValidateMethod(context.Background(), PaymentMethod{Type: "card"}))
	assert.False(t, g.ValidateMethod(context.Background(), PaymentMethod{Type: "cash", Token: "tok"}))
}

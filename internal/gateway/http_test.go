package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundescrow/internal/model"
)

func TestHTTPGatewayOutcomes(t *testing.T) {
	var lastKey string
	var lastReq processorRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastKey = r.Header.Get("Idempotency-Key")
		var req processorRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		lastReq = req
		switch req.Amount {
		case 1:
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(processorResponse{Reason: "insufficient funds"})
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_ = json.NewEncoder(w).Encode(processorResponse{Status: "succeeded", Reference: "ref-1"})
		}
	}))
	defer srv.Close()

	g := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL}, zap.NewNop())
	ctx := context.Background()

	r := g.Charge(ctx, 100, "settle-m1-1")
	require.Equal(t, Success, r.Outcome)
	assert.Equal(t, "ref-1", r.Reference)
	assert.Equal(t, "settle-m1-1", lastKey)

	r = g.Charge(ctx, 1, "k")
	assert.Equal(t, Declined, r.Outcome)
	assert.Equal(t, "insufficient funds", r.Reason)

	r = g.Refund(ctx, 2, "ch_1", "settle-m1-1:d1:0")
	assert.Equal(t, TransientFailure, r.Outcome)
	assert.ErrorIs(t, r.Err(), model.ErrGatewayTransient)

	r = g.Refund(ctx, 50, "ch_1", "settle-m1-1:d1:0")
	require.Equal(t, Success, r.Outcome)
	assert.Equal(t, "settle-m1-1:d1:0", lastKey)
	assert.Equal(t, "ch_1", lastReq.OriginalReference)
	assert.Equal(t, "settle-m1-1:d1:0", lastReq.IdempotencyKey)

	assert.Equal(t, Declined, g.Refund(ctx, 50, "", "k").Outcome)
}

func TestHTTPGatewayRetryableClientStatuses(t *testing.T) {
	statuses := map[int64]int{
		408: http.StatusRequestTimeout,
		409: http.StatusConflict,
		429: http.StatusTooManyRequests,
		400: http.StatusBadRequest,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req processorRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(statuses[req.Amount])
	}))
	defer srv.Close()

	g := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL}, zap.NewNop())
	ctx := context.Background()

	for _, amount := range []int64{408, 409, 429} {
		r := g.Charge(ctx, amount, "k")
		assert.Equal(t, TransientFailure, r.Outcome, "status %d", amount)
		assert.ErrorIs(t, r.Err(), model.ErrGatewayTransient)
	}
	// not counted by the breaker, so a real decline still gets through
	assert.Equal(t, Declined, g.Charge(ctx, 400, "k").Outcome)
}

func TestHTTPGatewayBreakerOpensOnServerErrors(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL}, zap.NewNop())
	for i := 0; i < 5; i++ {
		assert.Equal(t, TransientFailure, g.Charge(context.Background(), 100, "k").Outcome)
	}
	assert.Equal(t, 3, hits)
}

func TestHTTPGatewayValidateMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/methods/validate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(processorResponse{Valid: true})
	}))
	defer srv.Close()

	g := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL}, zap.NewNop())
	assert.True(t, g.ValidateMethod(context.Background(), PaymentMethod{Type: "card", Token: "t"}))
}

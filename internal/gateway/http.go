package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fundescrow/pkg/circuitbreaker"
	"fundescrow/pkg/otel"
	"fundescrow/pkg/trace"
)

type HTTPConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPGateway talks to a processor over JSON/HTTP. 4xx answers are
// declines; 5xx, network errors and an open breaker are transient.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewHTTPGateway(cfg HTTPConfig, logger *zap.Logger) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    2,
			Timeout:             30 * time.Second,
			HalfOpenMaxRequests: 2,
		}),
		logger: logger,
	}
}

type processorRequest struct {
	Amount            int64          `json:"amount"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	OriginalReference string         `json:"original_reference,omitempty"`
	Method            *PaymentMethod `json:"method,omitempty"`
}

type processorResponse struct {
	Status    string `json:"status"` // succeeded / declined
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
	Valid     bool   `json:"valid"`
}

type statusError struct {
	code   int
	reason string
}

func (e *statusError) Error() string { return fmt.Sprintf("processor returned %d: %s", e.code, e.reason) }

func (g *HTTPGateway) Charge(ctx context.Context, amount int64, idempotencyKey string) Result {
	if amount <= 0 {
		return declined("amount must be positive")
	}
	return g.call(ctx, "/charges", idempotencyKey, processorRequest{Amount: amount, IdempotencyKey: idempotencyKey})
}

func (g *HTTPGateway) Refund(ctx context.Context, amount int64, originalReference, idempotencyKey string) Result {
	if amount <= 0 {
		return declined("amount must be positive")
	}
	if originalReference == "" {
		return declined("missing original charge reference")
	}
	return g.call(ctx, "/refunds", idempotencyKey, processorRequest{
		Amount:            amount,
		IdempotencyKey:    idempotencyKey,
		OriginalReference: originalReference,
	})
}

func (g *HTTPGateway) ValidateMethod(ctx context.Context, method PaymentMethod) bool {
	var resp processorResponse
	err := g.cb.Execute(func() error {
		var err error
		resp, err = g.post(ctx, "/methods/validate", "", processorRequest{Method: &method})
		return err
	}, countsAsFailure)
	if err != nil {
		g.logger.Warn("payment method validation failed", zap.Error(err))
		return false
	}
	return resp.Valid
}

func (g *HTTPGateway) call(ctx context.Context, path, key string, body processorRequest) Result {
	var resp processorResponse
	err := g.cb.Execute(func() error {
		var err error
		resp, err = g.post(ctx, path, key, body)
		return err
	}, countsAsFailure)

	var se *statusError
	switch {
	case err == nil:
	case errors.As(err, &se) && !retryableStatus(se.code):
		return declined(se.reason)
	default:
		g.logger.Warn("payment processor call failed",
			zap.String("path", path),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return transient(err.Error())
	}

	if resp.Status != "succeeded" {
		return declined(resp.Reason)
	}
	return Result{Outcome: Success, Reference: resp.Reference}
}

// retryableStatus covers server errors plus the 4xx codes that mean "try
// again later": timeout, request still in flight, rate limited.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}

// only server side trouble opens the breaker
func countsAsFailure(err error) bool {
	var se *statusError
	return !errors.As(err, &se) || se.code >= http.StatusInternalServerError
}

func (g *HTTPGateway) post(ctx context.Context, path, key string, body processorRequest) (processorResponse, error) {
	var out processorResponse
	b, err := json.Marshal(body)
	if err != nil {
		return out, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}
	otel.InjectHeaders(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode >= 300 {
		reason := out.Reason
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return out, &statusError{code: resp.StatusCode, reason: reason}
	}
	if decodeErr != nil {
		return out, fmt.Errorf("decode processor response: %w", decodeErr)
	}
	return out, nil
}

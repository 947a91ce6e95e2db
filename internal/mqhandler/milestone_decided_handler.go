package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	mqcontracts "fundescrow/contracts/mq"
	"fundescrow/internal/escrow"
	"fundescrow/internal/model"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/util"
)

const handlerName = "settle"

type Settler interface {
	Settle(ctx context.Context, milestoneID string) (*escrow.Outcome, error)
}

// DLQPublisher parks messages that can never be processed.
type DLQPublisher interface {
	PublishToDLQ(routingKey string, payload []byte, originalError, failedAt string) error
}

// MilestoneDecidedHandler settles a milestone as soon as its decision is
// published. Settle is idempotent, so redeliveries are harmless; Redis
// dedup only saves the extra round trips.
type MilestoneDecidedHandler struct {
	settler      Settler
	retryCounter *util.RetryCounter
	deduper      *util.Deduper
	dlq          DLQPublisher
	maxRetries   int64
	logger       *zap.Logger
}

func NewMilestoneDecidedHandler(
	settler Settler,
	retryCounter *util.RetryCounter,
	deduper *util.Deduper,
	dlq DLQPublisher,
	maxRetries int,
	logger *zap.Logger,
) *MilestoneDecidedHandler {
	return &MilestoneDecidedHandler{
		settler:      settler,
		retryCounter: retryCounter,
		deduper:      deduper,
		dlq:          dlq,
		maxRetries:   int64(maxRetries),
		logger:       logger,
	}
}

// Handle returns an error only when the message should be redelivered.
func (h *MilestoneDecidedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontracts.MilestoneDecidedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.toDLQ(log, raw, fmt.Errorf("json_unmarshal_error: %w", err))
		return nil
	}
	if p.MilestoneID == "" {
		h.toDLQ(log, raw, errors.New("missing milestone_id"))
		return nil
	}
	log = log.With(zap.String("milestone_id", p.MilestoneID), zap.String("decision", p.Decision))

	if !h.deduper.AcquireOnce(ctx, handlerName, p.MilestoneID) {
		return nil
	}

	retryKey := util.FormatRetryKey(handlerName, p.MilestoneID)
	out, err := h.settler.Settle(ctx, p.MilestoneID)
	switch {
	case err == nil:
		log.Info("milestone settled from event", zap.String("state", string(out.Milestone.State)))
		h.resetRetries(ctx, log, retryKey)
		return nil
	case errors.Is(err, model.ErrGatewayTransient), errors.Is(err, model.ErrGatewayDeclined):
		// recorded on the transaction; the sweeper or an admin takes it from here
		log.Warn("settlement pending after event", zap.Error(err))
		h.resetRetries(ctx, log, retryKey)
		return nil
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrInvalidStateTransition),
		errors.Is(err, model.ErrInsufficientBalance):
		log.Warn("settlement not applicable", zap.Error(err))
		return nil
	}

	retryable, errType := util.IsRetryableError(err)
	retryCount, rcErr := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if rcErr != nil {
		log.Warn("failed to get retry count, continuing anyway", zap.Error(rcErr))
		retryCount = 1
	}
	log.Error("settlement from event failed",
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Int64("retry_count", retryCount),
		zap.Error(err),
	)

	if util.ShouldRetry(retryCount, h.maxRetries, retryable) {
		h.deduper.Release(ctx, handlerName, p.MilestoneID)
		return err
	}
	h.toDLQ(log, raw, err)
	h.resetRetries(ctx, log, retryKey)
	return nil
}

func (h *MilestoneDecidedHandler) toDLQ(log *zap.Logger, raw []byte, cause error) {
	log.Error("sending message to DLQ", zap.Error(cause))
	if h.dlq == nil {
		return
	}
	if err := h.dlq.PublishToDLQ(mqcontracts.RoutingMilestoneDecided, raw, cause.Error(), time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Error("failed to publish to DLQ", zap.Error(err))
	}
}

func (h *MilestoneDecidedHandler) resetRetries(ctx context.Context, log *zap.Logger, key string) {
	if err := h.retryCounter.Reset(ctx, key); err != nil {
		log.Warn("failed to reset retry count", zap.Error(err))
	}
}

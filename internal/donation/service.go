// Package donation takes donor payments into a campaign's escrow pool.
package donation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"fundescrow/contracts/mq"
	"fundescrow/internal/gateway"
	"fundescrow/internal/ledger"
	"fundescrow/internal/locker"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/metrics"
	"fundescrow/pkg/otel"
	"fundescrow/pkg/rbac"
	"fundescrow/pkg/trace"
)

type Service struct {
	store  repository.Store
	gw     gateway.Gateway
	locks  *locker.Keyed
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store repository.Store, gw gateway.Gateway, locks *locker.Keyed, logger *zap.Logger) *Service {
	return &Service{store: store, gw: gw, locks: locks, logger: logger, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Donate charges the donor and credits the campaign pool. The caller's
// idempotency key makes retries safe: a key already recorded returns the
// original donation, and the gateway charge is keyed on it too.
func (s *Service) Donate(ctx context.Context, actor model.Identity, campaignID string, amount int64,
	method gateway.PaymentMethod, idempotencyKey string) (*model.Donation, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionDonate); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrForbidden)
	}
	if amount <= 0 {
		return nil, model.NewValidationError("amount", "must be positive")
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return nil, model.NewValidationError("idempotency_key", "required")
	}

	ctx, span := otel.StartSpan(ctx, "donation.donate",
		attribute.String("campaign_id", campaignID),
		attribute.Int64("amount", amount),
	)
	d, err := s.donate(ctx, actor, campaignID, amount, method, idempotencyKey)
	otel.EndSpan(span, err)

	switch {
	case err == nil:
		metrics.IncrementDonation("success")
	case errors.Is(err, model.ErrGatewayDeclined):
		metrics.IncrementDonation("declined")
	case errors.Is(err, model.ErrGatewayTransient):
		metrics.IncrementDonation("transient")
	default:
		metrics.IncrementDonation("error")
	}
	return d, err
}

func (s *Service) donate(ctx context.Context, actor model.Identity, campaignID string, amount int64,
	method gateway.PaymentMethod, key string) (*model.Donation, error) {
	existing, err := s.lookup(ctx, campaignID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.DonorID != actor.UserID || existing.CampaignID != campaignID || existing.Amount != amount {
			return nil, fmt.Errorf("idempotency key %s reused for a different donation: %w", key, model.ErrConflict)
		}
		return existing, nil
	}

	if !s.gw.ValidateMethod(ctx, method) {
		return nil, model.NewValidationError("payment_method", "rejected by processor")
	}
	res := s.gw.Charge(ctx, amount, chargeKey(key))
	if err := res.Err(); err != nil {
		logger.WithTrace(ctx, s.logger).Warn("donation charge failed",
			zap.String("campaign_id", campaignID),
			zap.String("donor_id", actor.UserID),
			zap.String("outcome", string(res.Outcome)),
			zap.String("reason", res.Reason),
		)
		return nil, fmt.Errorf("charge donation: %w", err)
	}

	unlock := s.locks.Lock(locker.CampaignKey(campaignID))
	defer unlock()

	d := &model.Donation{
		ID:             uuid.NewString(),
		DonorID:        actor.UserID,
		CampaignID:     campaignID,
		Amount:         amount,
		GatewayRef:     res.Reference,
		IdempotencyKey: key,
	}
	err = s.store.Atomic(ctx, func(tx repository.Tx) error {
		// a concurrent retry with the same key may have recorded it first
		if prev, err := tx.DonationByKey(ctx, key); err == nil {
			d = prev
			return nil
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		now := s.now()
		c, err := tx.Campaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if err := ledger.AddFunds(c, amount, now); err != nil {
			return err
		}
		c.TotalDonated += amount
		d.CreatedAt = now
		if err := tx.InsertDonation(ctx, d); err != nil {
			return err
		}
		if err := tx.SaveCampaign(ctx, c); err != nil {
			return err
		}
		return tx.Enqueue(ctx, mq.RoutingDonationReceived, "donation", d.ID, mq.DonationReceivedPayload{
			DonationID: d.ID,
			CampaignID: campaignID,
			DonorID:    d.DonorID,
			Amount:     amount,
			CreatedAt:  now,
			TraceID:    trace.FromContext(ctx),
		})
	})
	if err != nil {
		// the processor holds a charge with no donation behind it; retrying
		// with the same key replays the charge and records it
		logger.WithTrace(ctx, s.logger).Error("charged donation not recorded",
			zap.String("campaign_id", campaignID),
			zap.String("idempotency_key", key),
			zap.String("gateway_ref", res.Reference),
			zap.Error(err),
		)
		return nil, err
	}

	logger.WithTrace(ctx, s.logger).Info("donation received",
		zap.String("donation_id", d.ID),
		zap.String("campaign_id", campaignID),
		zap.Int64("amount", amount),
	)
	return d, nil
}

// lookup returns the donation recorded under key, or nil. It also checks
// the campaign exists so an unknown campaign is never charged.
func (s *Service) lookup(ctx context.Context, campaignID, key string) (*model.Donation, error) {
	var d *model.Donation
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		if _, err := tx.Campaign(ctx, campaignID); err != nil {
			return err
		}
		prev, err := tx.DonationByKey(ctx, key)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		d = prev
		return nil
	})
	return d, err
}

func chargeKey(key string) string { return "donation-" + key }

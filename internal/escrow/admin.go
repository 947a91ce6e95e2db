package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"fundescrow/internal/locker"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/otel"
	"fundescrow/pkg/rbac"
)

// ForceSettle is the admin path out of an escalation. An open attempt is
// re-run now with its escalation cleared. A declined attempt is followed by
// a new one, with a new key, covering only the legs that never succeeded.
func (c *Controller) ForceSettle(ctx context.Context, actor model.Identity, milestoneID string) (*Outcome, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionForceSettle); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrForbidden)
	}
	ctx, span := otel.StartSpan(ctx, "escrow.force_settle", attribute.String("milestone_id", milestoneID))
	out, err := c.forceSettle(ctx, actor, milestoneID)
	otel.EndSpan(span, err)
	return out, err
}

func (c *Controller) forceSettle(ctx context.Context, actor model.Identity, milestoneID string) (*Outcome, error) {
	campaignID, err := c.campaignOf(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	var claimed *model.EscrowTransaction
	var fresh bool
	unlock := c.locks.LockAll(locker.CampaignKey(campaignID), locker.MilestoneKey(milestoneID))
	err = c.store.Atomic(ctx, func(tx repository.Tx) error {
		now := c.now()
		m, err := tx.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.State.Terminal() {
			return errNothingToDo
		}
		if !m.State.Decided() {
			return &model.TransitionError{From: m.State, To: settledState(m.State)}
		}
		if m.SettlementTxID == "" {
			fresh = true
			return nil
		}
		prev, err := tx.Transaction(ctx, m.SettlementTxID)
		if err != nil {
			return err
		}
		if err := c.resolveOpen(ctx, tx, m.ID, actor.UserID, now); err != nil {
			return err
		}

		if prev.IsOpen() {
			prev.Escalated = false
			claimed, _, err = c.markInFlight(ctx, tx, prev, now)
			return err
		}

		camp, err := tx.Campaign(ctx, m.CampaignID)
		if err != nil {
			return err
		}
		attempt := m.SettlementAttempts + 1
		next := &model.EscrowTransaction{
			ID:             uuid.NewString(),
			MilestoneID:    m.ID,
			CampaignID:     m.CampaignID,
			Type:           prev.Type,
			IdempotencyKey: model.SettlementKey(m.ID, attempt),
			Attempt:        attempt,
			Outcome:        model.OutcomePending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for _, leg := range prev.Legs {
			if leg.Status == model.LegSucceeded {
				continue
			}
			next.Legs = append(next.Legs, model.TransactionLeg{
				RecipientID:       leg.RecipientID,
				Amount:            leg.Amount,
				OriginalReference: leg.OriginalReference,
				Destination:       leg.Destination,
				Status:            model.LegPending,
			})
			next.Amount += leg.Amount
		}
		assignReferences(next)
		claimed, _, err = c.open(ctx, tx, m, camp, next, now)
		return err
	})
	unlock()

	switch {
	case errors.Is(err, errNothingToDo):
		return c.Outcome(ctx, milestoneID)
	case err != nil:
		return nil, err
	case fresh:
		return c.Settle(ctx, milestoneID)
	}

	logger.WithTrace(ctx, c.logger).Warn("settlement forced",
		zap.String("milestone_id", milestoneID),
		zap.String("transaction_id", claimed.ID),
		zap.String("actor", actor.UserID),
	)
	return c.execute(ctx, claimed)
}

// ListEscalations returns the unresolved admin queue.
func (c *Controller) ListEscalations(ctx context.Context, actor model.Identity) ([]*model.Escalation, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionManageQueue); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrForbidden)
	}
	var out []*model.Escalation
	err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.OpenEscalations(ctx)
		return err
	})
	return out, err
}

// ResolveEscalation closes a queue entry without touching funds.
func (c *Controller) ResolveEscalation(ctx context.Context, actor model.Identity, escalationID string) (*model.Escalation, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionManageQueue); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrForbidden)
	}
	var e *model.Escalation
	err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		if e, err = tx.Escalation(ctx, escalationID); err != nil {
			return err
		}
		if !e.Open() {
			return fmt.Errorf("escalation %s already resolved: %w", escalationID, model.ErrConflict)
		}
		now := c.now()
		e.ResolvedAt = &now
		e.ResolvedBy = actor.UserID
		return tx.SaveEscalation(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

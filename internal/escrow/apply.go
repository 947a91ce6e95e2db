package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fundescrow/contracts/mq"
	"fundescrow/internal/gateway"
	"fundescrow/internal/ledger"
	"fundescrow/internal/locker"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/metrics"
	"fundescrow/pkg/trace"
)

const (
	reasonDeclined         = "gateway_declined"
	reasonRetriesExhausted = "retries_exhausted"
	reasonInsufficientPool = "insufficient_pool"
	systemActor            = "system"
)

// execute calls the gateway for every leg still pending, in order, and
// stops at the first leg that does not succeed. No lock is held here.
func (c *Controller) execute(ctx context.Context, et *model.EscrowTransaction) (*Outcome, error) {
	attempt := et.Clone()
	var callErr error
	for i := range attempt.Legs {
		leg := &attempt.Legs[i]
		if leg.Status != model.LegPending {
			continue
		}
		var res gateway.Result
		if attempt.Type == model.TxRelease {
			res = c.gw.Charge(ctx, leg.Amount, leg.Reference)
		} else {
			res = c.gw.Refund(ctx, leg.Amount, leg.OriginalReference, leg.Reference)
		}
		if res.Outcome == gateway.Success {
			leg.Status = model.LegSucceeded
			leg.GatewayRef = res.Reference
			continue
		}
		if res.Outcome == gateway.Declined {
			leg.Status = model.LegDeclined
		}
		callErr = res.Err()
		logger.WithTrace(ctx, c.logger).Warn("settlement leg failed",
			zap.String("transaction_id", attempt.ID),
			zap.String("recipient_id", leg.RecipientID),
			zap.String("outcome", string(res.Outcome)),
			zap.String("reason", res.Reason),
		)
		break
	}

	out, err := c.apply(ctx, attempt, callErr)
	if err != nil {
		return out, err
	}
	if callErr != nil {
		return out, fmt.Errorf("settle milestone %s: %w", attempt.MilestoneID, callErr)
	}
	return out, nil
}

// apply records the result of an attempt. Wallets are credited only for
// legs that move from PENDING to SUCCEEDED here, so a stale attempt
// applied twice credits nothing the second time.
func (c *Controller) apply(ctx context.Context, attempt *model.EscrowTransaction, callErr error) (*Outcome, error) {
	var votes []*model.Vote
	if err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		votes, err = tx.Votes(ctx, attempt.MilestoneID)
		return err
	}); err != nil {
		return nil, err
	}

	keys := []string{locker.MilestoneKey(attempt.MilestoneID), locker.CampaignKey(attempt.CampaignID)}
	for _, leg := range attempt.Legs {
		keys = append(keys, locker.WalletKey(leg.RecipientID))
	}
	for _, v := range votes {
		keys = append(keys, locker.CreditKey(v.DonorID))
	}
	unlock := c.locks.LockAll(keys...)
	defer unlock()

	out := &Outcome{}
	err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		now := c.now()
		et, err := tx.Transaction(ctx, attempt.ID)
		if err != nil {
			return err
		}
		m, err := tx.Milestone(ctx, et.MilestoneID)
		if err != nil {
			return err
		}
		out.Milestone, out.Transaction = m, et
		if !et.IsOpen() {
			return errNothingToDo
		}
		camp, err := tx.Campaign(ctx, et.CampaignID)
		if err != nil {
			return err
		}

		for i := range et.Legs {
			stored, seen := &et.Legs[i], attempt.Legs[i]
			if stored.Status != model.LegPending || seen.Status == model.LegPending {
				continue
			}
			stored.Status = seen.Status
			stored.GatewayRef = seen.GatewayRef
			if seen.Status != model.LegSucceeded {
				continue
			}
			if err := ledger.CreditWalletIn(ctx, tx, stored.RecipientID, stored.Amount, now); err != nil {
				return err
			}
			if et.Type == model.TxRelease {
				camp.TotalReleased += stored.Amount
			} else {
				camp.TotalRefunded += stored.Amount
			}
			camp.UpdatedAt = now
		}
		et.UpdatedAt = now

		switch {
		case et.AllSucceeded():
			err = c.complete(ctx, tx, et, m, votes, now)
		case et.AnyDeclined():
			err = c.fail(ctx, tx, et, camp, callErr, now)
		default:
			err = c.scheduleRetry(ctx, tx, et, callErr, now)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, et); err != nil {
			return err
		}
		if err := tx.SaveCampaign(ctx, camp); err != nil {
			return err
		}
		return tx.SaveMilestone(ctx, m)
	})
	if errors.Is(err, errNothingToDo) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	et := out.Transaction
	metrics.IncrementSettlement(string(et.Type), string(et.Outcome))
	if et.Outcome == model.OutcomeSuccess {
		metrics.AddSettledAmount(string(et.Type), et.Amount)
	}
	return out, nil
}

func (c *Controller) complete(ctx context.Context, tx repository.Tx, et *model.EscrowTransaction,
	m *model.Milestone, votes []*model.Vote, now time.Time) error {
	from := m.State
	if err := m.Transition(settledState(m.State), now); err != nil {
		logger.WithTrace(ctx, c.logger).Error("invalid settlement transition",
			zap.String("milestone_id", m.ID), zap.Error(err))
		return err
	}
	et.Outcome = model.OutcomeSuccess
	et.NextRetryAt = nil
	et.LastError = ""
	et.Escalated = false
	metrics.IncrementMilestoneTransition(string(from), string(m.State))

	for _, v := range votes {
		weight, eligible := m.Eligible[v.DonorID]
		if !eligible {
			continue
		}
		amount := c.cfg.Credit.Amount(weight)
		if amount <= 0 {
			continue
		}
		if err := ledger.AccrueCreditIn(ctx, tx, v.DonorID, amount, now); err != nil {
			return err
		}
	}

	if err := c.resolveOpen(ctx, tx, m.ID, systemActor, now); err != nil {
		return err
	}

	logger.WithTrace(ctx, c.logger).Info("milestone settled",
		zap.String("milestone_id", m.ID),
		zap.String("transaction_id", et.ID),
		zap.String("state", string(m.State)),
		zap.Int64("amount", et.Amount),
	)
	return tx.Enqueue(ctx, mq.RoutingMilestoneSettled, "milestone", m.ID, mq.MilestoneSettledPayload{
		MilestoneID:   m.ID,
		CampaignID:    m.CampaignID,
		TransactionID: et.ID,
		Type:          string(et.Type),
		Amount:        et.Amount,
		State:         string(m.State),
		SettledAt:     now,
		TraceID:       trace.FromContext(ctx),
	})
}

// fail closes a declined attempt and puts what did not move back in the
// pool. A follow-up attempt needs an admin.
func (c *Controller) fail(ctx context.Context, tx repository.Tx, et *model.EscrowTransaction,
	camp *model.Campaign, callErr error, now time.Time) error {
	et.Outcome = model.OutcomeFailed
	et.NextRetryAt = nil
	et.LastError = errString(callErr)
	if remainder := et.Amount - et.SettledAmount(); remainder > 0 {
		if err := ledger.AddFunds(camp, remainder, now); err != nil {
			return err
		}
	}
	return c.escalate(ctx, tx, et.MilestoneID, et.ID, reasonDeclined, now)
}

func (c *Controller) scheduleRetry(ctx context.Context, tx repository.Tx, et *model.EscrowTransaction, callErr error, now time.Time) error {
	et.Outcome = model.OutcomePendingRetry
	et.RetryCount++
	et.LastError = errString(callErr)
	if et.RetryCount >= c.cfg.MaxRetries {
		et.Escalated = true
		et.NextRetryAt = nil
		return c.escalate(ctx, tx, et.MilestoneID, et.ID, reasonRetriesExhausted, now)
	}

	next := now.Add(c.cfg.Backoff(et.RetryCount))
	et.NextRetryAt = &next
	logger.WithTrace(ctx, c.logger).Warn("settlement retry scheduled",
		zap.String("transaction_id", et.ID),
		zap.Int("retry_count", et.RetryCount),
		zap.Time("next_retry_at", next),
	)
	return tx.Enqueue(ctx, mq.RoutingSettlementRetryScheduled, "escrow_transaction", et.ID, mq.SettlementRetryScheduledPayload{
		MilestoneID:   et.MilestoneID,
		TransactionID: et.ID,
		RetryCount:    et.RetryCount,
		NextRetryAt:   next,
		LastError:     et.LastError,
		TraceID:       trace.FromContext(ctx),
	})
}

func (c *Controller) escalate(ctx context.Context, tx repository.Tx, milestoneID, txID, reason string, now time.Time) error {
	e := &model.Escalation{
		ID:            uuid.NewString(),
		MilestoneID:   milestoneID,
		TransactionID: txID,
		Reason:        reason,
		CreatedAt:     now,
	}
	if err := tx.InsertEscalation(ctx, e); err != nil {
		return err
	}
	metrics.IncrementEscalation(reason)
	logger.WithTrace(ctx, c.logger).Error("settlement escalated",
		zap.String("escalation_id", e.ID),
		zap.String("milestone_id", milestoneID),
		zap.String("transaction_id", txID),
		zap.String("reason", reason),
	)
	return tx.Enqueue(ctx, mq.RoutingSettlementEscalated, "escalation", e.ID, mq.SettlementEscalatedPayload{
		EscalationID:  e.ID,
		MilestoneID:   milestoneID,
		TransactionID: txID,
		Reason:        reason,
		EscalatedAt:   now,
		TraceID:       trace.FromContext(ctx),
	})
}

// escalateOnce escalates unless an open escalation with the same reason
// already exists for the milestone; the sweeper retries short pools on
// every tick.
func (c *Controller) escalateOnce(ctx context.Context, tx repository.Tx, milestoneID, txID, reason string, now time.Time) error {
	open, err := tx.OpenEscalations(ctx)
	if err != nil {
		return err
	}
	for _, e := range open {
		if e.MilestoneID == milestoneID && e.Reason == reason {
			return nil
		}
	}
	return c.escalate(ctx, tx, milestoneID, txID, reason, now)
}

func (c *Controller) resolveOpen(ctx context.Context, tx repository.Tx, milestoneID, actor string, now time.Time) error {
	open, err := tx.OpenEscalations(ctx)
	if err != nil {
		return err
	}
	for _, e := range open {
		if e.MilestoneID != milestoneID {
			continue
		}
		resolved := now
		e.ResolvedAt = &resolved
		e.ResolvedBy = actor
		if err := tx.SaveEscalation(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Package escrow moves a decided milestone's funds out of the campaign pool
// exactly once: to the campaigner on approval, back to donors on rejection.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"fundescrow/internal/gateway"
	"fundescrow/internal/ledger"
	"fundescrow/internal/locker"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/otel"
	"fundescrow/pkg/rbac"
)

type CreditMode string

const (
	CreditFixed        CreditMode = "fixed"
	CreditProportional CreditMode = "proportional"
)

// CreditPolicy decides the participation reward per voter.
type CreditPolicy struct {
	Mode        CreditMode `yaml:"mode"`
	Fixed       int64      `yaml:"fixed"`
	RatePercent int64      `yaml:"rate_percent"`
}

func (p CreditPolicy) Amount(weight int64) int64 {
	if p.Mode == CreditProportional {
		return weight * p.RatePercent / 100
	}
	return p.Fixed
}

type Config struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	// InFlightGrace is how long a claimed attempt is left alone before
	// ResumeDue assumes its executor died.
	InFlightGrace time.Duration `yaml:"in_flight_grace"`
	DueBatch      int           `yaml:"due_batch"`
	Credit        CreditPolicy  `yaml:"credit"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		BackoffBase:   5 * time.Second,
		BackoffMax:    10 * time.Minute,
		InFlightGrace: time.Minute,
		DueBatch:      50,
		Credit:        CreditPolicy{Mode: CreditFixed, Fixed: 10},
	}
}

// Backoff is BackoffBase * 2^(retry-1), capped at BackoffMax.
func (c Config) Backoff(retry int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// BankDirectory resolves where a campaigner's release is paid out.
type BankDirectory interface {
	BankInfo(ctx context.Context, campaignerID string) (*model.BankInfo, error)
}

// Outcome is the state of a milestone's settlement after a call.
type Outcome struct {
	Milestone   *model.Milestone
	Transaction *model.EscrowTransaction
}

type Controller struct {
	store  repository.Store
	gw     gateway.Gateway
	locks  *locker.Keyed
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	bank   BankDirectory
}

func NewController(store repository.Store, gw gateway.Gateway, locks *locker.Keyed, cfg Config, logger *zap.Logger) *Controller {
	return &Controller{
		store:  store,
		gw:     gw,
		locks:  locks,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

func (c *Controller) WithBankDirectory(bank BankDirectory) *Controller {
	c.bank = bank
	return c
}

// errNothingToDo marks a call that found the settlement claimed elsewhere
// or already finished.
var errNothingToDo = errors.New("nothing to do")

// Settle starts or continues the settlement of a decided milestone. Calling
// it again for the same milestone never moves funds twice.
func (c *Controller) Settle(ctx context.Context, milestoneID string) (*Outcome, error) {
	ctx, span := otel.StartSpan(ctx, "escrow.settle", attribute.String("milestone_id", milestoneID))
	out, err := c.settle(ctx, milestoneID)
	otel.EndSpan(span, err)
	return out, err
}

func (c *Controller) settle(ctx context.Context, milestoneID string) (*Outcome, error) {
	campaignID, err := c.campaignOf(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	var claimed *model.EscrowTransaction
	var poolShort bool
	unlock := c.locks.LockAll(locker.CampaignKey(campaignID), locker.MilestoneKey(milestoneID))
	err = c.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		claimed, poolShort, err = c.claim(ctx, tx, milestoneID)
		return err
	})
	unlock()

	switch {
	case errors.Is(err, errNothingToDo):
		return c.Outcome(ctx, milestoneID)
	case err != nil:
		return nil, err
	case poolShort:
		return nil, fmt.Errorf("milestone %s: escrow pool cannot cover settlement: %w", milestoneID, model.ErrInsufficientBalance)
	}
	return c.execute(ctx, claimed)
}

// claim returns the transaction the caller should execute now. It opens a
// new one for a milestone that has none, deducting the pool in the same
// unit of work.
func (c *Controller) claim(ctx context.Context, tx repository.Tx, milestoneID string) (*model.EscrowTransaction, bool, error) {
	now := c.now()
	m, err := tx.Milestone(ctx, milestoneID)
	if err != nil {
		return nil, false, err
	}
	if m.State.Terminal() {
		return nil, false, errNothingToDo
	}
	if !m.State.Decided() {
		return nil, false, &model.TransitionError{From: m.State, To: settledState(m.State)}
	}

	if m.SettlementTxID != "" {
		et, err := tx.Transaction(ctx, m.SettlementTxID)
		if err != nil {
			return nil, false, err
		}
		switch {
		case et.Outcome == model.OutcomeFailed:
			return nil, false, fmt.Errorf("transaction %s declined, needs force settle: %w", et.ID, model.ErrGatewayDeclined)
		case !et.Due(now):
			return nil, false, errNothingToDo
		}
		return c.markInFlight(ctx, tx, et, now)
	}

	camp, err := tx.Campaign(ctx, m.CampaignID)
	if err != nil {
		return nil, false, err
	}
	if camp.PoolBalance < m.TargetAmount {
		return nil, true, c.escalateOnce(ctx, tx, m.ID, "", reasonInsufficientPool, now)
	}

	attempt := m.SettlementAttempts + 1
	et := &model.EscrowTransaction{
		ID:             uuid.NewString(),
		MilestoneID:    m.ID,
		CampaignID:     m.CampaignID,
		Amount:         m.TargetAmount,
		IdempotencyKey: model.SettlementKey(m.ID, attempt),
		Attempt:        attempt,
		Outcome:        model.OutcomePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if m.State == model.StateApproved {
		et.Type = model.TxRelease
		et.Legs, err = c.releaseLegs(ctx, camp, m.TargetAmount)
	} else {
		et.Type = model.TxRefund
		et.Legs, err = c.refundLegsFor(ctx, tx, m)
	}
	if err != nil {
		return nil, false, err
	}
	assignReferences(et)

	return c.open(ctx, tx, m, camp, et, now)
}

func (c *Controller) refundLegsFor(ctx context.Context, tx repository.Tx, m *model.Milestone) ([]model.TransactionLeg, error) {
	shares, err := refundLegs(m.Eligible, m.TargetAmount)
	if err != nil {
		return nil, err
	}
	donations, err := tx.DonationsByCampaign(ctx, m.CampaignID)
	if err != nil {
		return nil, err
	}
	refunded, err := refundedByCharge(ctx, tx, m.CampaignID)
	if err != nil {
		return nil, err
	}
	return chargeLegs(shares, donations, refunded), nil
}

// open deducts et.Amount from the pool and records et as the milestone's
// settlement, PENDING and claimed for the caller.
func (c *Controller) open(ctx context.Context, tx repository.Tx, m *model.Milestone, camp *model.Campaign,
	et *model.EscrowTransaction, now time.Time) (*model.EscrowTransaction, bool, error) {
	if err := ledger.DeductFunds(camp, et.Amount, now); err != nil {
		return nil, false, err
	}
	grace := now.Add(c.cfg.InFlightGrace)
	et.NextRetryAt = &grace

	if err := tx.InsertTransaction(ctx, et); err != nil {
		return nil, false, err
	}
	if err := tx.SaveCampaign(ctx, camp); err != nil {
		return nil, false, err
	}
	m.SettlementTxID = et.ID
	m.SettlementAttempts = et.Attempt
	m.UpdatedAt = now
	if err := tx.SaveMilestone(ctx, m); err != nil {
		return nil, false, err
	}

	logger.WithTrace(ctx, c.logger).Info("settlement opened",
		zap.String("milestone_id", m.ID),
		zap.String("transaction_id", et.ID),
		zap.String("type", string(et.Type)),
		zap.Int64("amount", et.Amount),
		zap.Int("legs", len(et.Legs)),
	)
	return et, false, nil
}

func (c *Controller) markInFlight(ctx context.Context, tx repository.Tx, et *model.EscrowTransaction, now time.Time) (*model.EscrowTransaction, bool, error) {
	grace := now.Add(c.cfg.InFlightGrace)
	et.NextRetryAt = &grace
	et.UpdatedAt = now
	if err := tx.UpdateTransaction(ctx, et); err != nil {
		return nil, false, err
	}
	return et, false, nil
}

// Resume re-attempts an open transaction now, whatever its schedule. The
// stored legs and keys are reused; amounts are never recomputed.
func (c *Controller) Resume(ctx context.Context, actor model.Identity, txID string) (*Outcome, error) {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, rbac.PermissionForceSettle); err != nil {
		return nil, fmt.Errorf("%v: %w", err, model.ErrForbidden)
	}
	ctx, span := otel.StartSpan(ctx, "escrow.resume", attribute.String("transaction_id", txID))
	out, err := c.resume(ctx, txID)
	otel.EndSpan(span, err)
	return out, err
}

func (c *Controller) resume(ctx context.Context, txID string) (*Outcome, error) {
	var et *model.EscrowTransaction
	if err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		et, err = tx.Transaction(ctx, txID)
		return err
	}); err != nil {
		return nil, err
	}

	unlock := c.locks.LockAll(locker.CampaignKey(et.CampaignID), locker.MilestoneKey(et.MilestoneID))
	err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		if et, err = tx.Transaction(ctx, txID); err != nil {
			return err
		}
		if !et.IsOpen() {
			return errNothingToDo
		}
		if et.Escalated {
			return fmt.Errorf("transaction %s is escalated, use force settle: %w", txID, model.ErrConflict)
		}
		et, _, err = c.markInFlight(ctx, tx, et, c.now())
		return err
	})
	unlock()

	if errors.Is(err, errNothingToDo) {
		return c.Outcome(ctx, et.MilestoneID)
	}
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, et)
}

// ResumeDue re-attempts every transaction whose retry time has come.
// Transactions claimed by a live executor are skipped. Returns how many
// were attempted.
func (c *Controller) ResumeDue(ctx context.Context) (int, error) {
	var due []*model.EscrowTransaction
	if err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		due, err = tx.DueTransactions(ctx, c.now(), c.cfg.DueBatch)
		return err
	}); err != nil {
		return 0, err
	}

	attempted := 0
	for _, et := range due {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		// Settle re-checks the schedule under the lock
		_, err := c.Settle(ctx, et.MilestoneID)
		attempted++
		if err != nil && !isSettlementOutcome(err) {
			logger.WithTrace(ctx, c.logger).Error("resume failed",
				zap.String("transaction_id", et.ID),
				zap.String("milestone_id", et.MilestoneID),
				zap.Error(err),
			)
		}
	}
	return attempted, nil
}

// Outcome reads the current settlement state of a milestone.
func (c *Controller) Outcome(ctx context.Context, milestoneID string) (*Outcome, error) {
	out := &Outcome{}
	err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		m, err := tx.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		out.Milestone = m
		if m.SettlementTxID != "" {
			out.Transaction, err = tx.Transaction(ctx, m.SettlementTxID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transactions lists every settlement attempt of a milestone.
func (c *Controller) Transactions(ctx context.Context, milestoneID string) ([]*model.EscrowTransaction, error) {
	var out []*model.EscrowTransaction
	err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		if _, err := tx.Milestone(ctx, milestoneID); err != nil {
			return err
		}
		var err error
		out, err = tx.TransactionsByMilestone(ctx, milestoneID)
		return err
	})
	return out, err
}

func (c *Controller) campaignOf(ctx context.Context, milestoneID string) (string, error) {
	var campaignID string
	err := c.store.Atomic(ctx, func(tx repository.Tx) error {
		m, err := tx.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		campaignID = m.CampaignID
		return nil
	})
	return campaignID, err
}

func settledState(s model.MilestoneState) model.MilestoneState {
	if s == model.StateRejected {
		return model.StateRefunded
	}
	return model.StateReleased
}

// isSettlementOutcome is true for the errors a settlement reports about the
// gateway, as opposed to failures of the engine itself.
func isSettlementOutcome(err error) bool {
	return errors.Is(err, model.ErrGatewayTransient) || errors.Is(err, model.ErrGatewayDeclined)
}

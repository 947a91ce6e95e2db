package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"fundescrow/contracts/mq"
	"fundescrow/internal/locker"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
	"fundescrow/internal/tally"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/metrics"
	"fundescrow/pkg/otel"
	"fundescrow/pkg/rbac"
	"fundescrow/pkg/trace"
)

// OpenVoting starts the window and freezes the electorate: every donor with
// a non-zero total as of now, weighted by that total.
func (s *Service) OpenVoting(ctx context.Context, actor model.Identity, milestoneID string) (*model.Milestone, error) {
	if err := authorize(actor, rbac.PermissionManageMilestone); err != nil {
		return nil, err
	}
	current, err := s.read(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.LockAll(locker.CampaignKey(current.CampaignID), locker.MilestoneKey(milestoneID))
	defer unlock()

	var m *model.Milestone
	err = s.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		if m, err = tx.Milestone(ctx, milestoneID); err != nil {
			return err
		}
		c, err := tx.Campaign(ctx, m.CampaignID)
		if err != nil {
			return err
		}
		if err := ownsCampaign(actor, c); err != nil {
			return err
		}
		if m.State != model.StateSubmitted {
			// logs and reports the illegal edge
			return s.transition(ctx, m, model.StateVoting, s.now())
		}
		if c.PoolBalance < m.TargetAmount {
			return fmt.Errorf("pool %d cannot cover milestone amount %d: %w", c.PoolBalance, m.TargetAmount, model.ErrInsufficientBalance)
		}
		siblings, err := tx.MilestonesByCampaign(ctx, m.CampaignID)
		if err != nil {
			return err
		}
		for _, other := range siblings {
			if other.ID != m.ID && (other.State == model.StateVoting || other.State.Decided()) {
				return fmt.Errorf("milestone %s of campaign %s is %s: %w", other.ID, m.CampaignID, other.State, model.ErrConflict)
			}
		}

		totals, err := tx.DonorTotals(ctx, m.CampaignID)
		if err != nil {
			return err
		}
		eligible := make(map[string]int64, len(totals))
		for donor, total := range totals {
			if total > 0 {
				eligible[donor] = total
			}
		}
		if len(eligible) == 0 {
			return model.NewValidationError("eligible", "campaign has no donors")
		}

		now := s.now()
		if err := s.transition(ctx, m, model.StateVoting, now); err != nil {
			return err
		}
		end := now.Add(s.cfg.VotingWindow)
		m.VotingStart, m.VotingEnd = &now, &end
		m.Eligible = eligible
		return tx.SaveMilestone(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("voting opened",
		zap.String("milestone_id", m.ID),
		zap.Int("eligible_donors", len(m.Eligible)),
		zap.Int64("eligible_weight", m.TotalEligibleWeight()),
		zap.Time("voting_end", *m.VotingEnd),
	)
	return m, nil
}

// CastVote records or replaces actor's vote. The weight is the one frozen
// at window open. A vote arriving after the window closes the milestone
// and fails with ErrVotingClosed.
func (s *Service) CastVote(ctx context.Context, actor model.Identity, milestoneID string, vt model.VoteType, comment string) (*model.Vote, error) {
	if err := authorize(actor, rbac.PermissionVote); err != nil {
		return nil, err
	}
	if !vt.Valid() {
		return nil, model.NewValidationError("type", "must be APPROVE or REJECT")
	}

	var vote *model.Vote
	var closed *model.Milestone
	var votingClosed bool
	unlock := s.locks.Lock(locker.MilestoneKey(milestoneID))
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		now := s.now()
		m, err := tx.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.State != model.StateVoting {
			return fmt.Errorf("milestone %s is %s: %w", m.ID, m.State, model.ErrVotingClosed)
		}
		if m.WindowElapsed(now) {
			votingClosed = true
			closed = m
			return s.decide(ctx, tx, m, false, now)
		}
		weight, ok := m.Eligible[actor.UserID]
		if !ok {
			return fmt.Errorf("donor %s is not in the electorate of %s: %w", actor.UserID, m.ID, model.ErrNotEligible)
		}

		votes, err := tx.Votes(ctx, m.ID)
		if err != nil {
			return err
		}
		vote = &model.Vote{
			MilestoneID: m.ID,
			DonorID:     actor.UserID,
			Type:        vt,
			Weight:      weight,
			Comment:     comment,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		recast := false
		for i, prev := range votes {
			if prev.DonorID == actor.UserID {
				vote.CreatedAt = prev.CreatedAt
				votes[i] = vote
				recast = true
			}
		}
		if !recast {
			votes = append(votes, vote)
		}
		if err := tx.SaveVote(ctx, vote); err != nil {
			return err
		}
		metrics.IncrementVote(string(vt))

		if !s.cfg.EarlyClose {
			return nil
		}
		if _, final := tally.Decisive(s.cfg.Policy, tally.Evaluate(s.cfg.Policy, m.Eligible, votes)); final {
			closed = m
			return s.decide(ctx, tx, m, true, now)
		}
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}

	if closed != nil {
		s.settle(ctx, closed.ID)
	}
	if votingClosed {
		return nil, fmt.Errorf("milestone %s voting window elapsed: %w", milestoneID, model.ErrVotingClosed)
	}
	return vote, nil
}

// Tally is the current count. For a decided milestone it is the frozen
// snapshot.
func (s *Service) Tally(ctx context.Context, milestoneID string) (tally.Result, error) {
	m, err := s.Get(ctx, milestoneID)
	if err != nil {
		return tally.Result{}, err
	}
	if m.Tally != nil {
		return tally.Result{
			ApproveWeight:       m.Tally.ApproveWeight,
			RejectWeight:        m.Tally.RejectWeight,
			TotalEligibleWeight: m.Tally.TotalEligibleWeight,
			VoterCount:          m.Tally.VoterCount,
			QuorumMet:           m.Tally.QuorumMet,
			Decision:            m.Tally.Decision,
			Reason:              m.Tally.Reason,
		}, nil
	}
	if m.State != model.StateVoting {
		return tally.Result{}, fmt.Errorf("milestone %s is %s: %w", m.ID, m.State, model.ErrInvalidStateTransition)
	}

	var votes []*model.Vote
	if err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		votes, err = tx.Votes(ctx, milestoneID)
		return err
	}); err != nil {
		return tally.Result{}, err
	}
	return tally.Evaluate(s.cfg.Policy, m.Eligible, votes), nil
}

// Close decides a milestone whose window elapsed, or earlier when early
// close is on and the outcome is settled, then triggers settlement. Closing
// an already decided milestone only re-triggers settlement.
func (s *Service) Close(ctx context.Context, milestoneID string) (*model.Milestone, error) {
	ctx, span := otel.StartSpan(ctx, "milestone.close", attribute.String("milestone_id", milestoneID))
	m, err := s.close(ctx, milestoneID)
	otel.EndSpan(span, err)
	return m, err
}

func (s *Service) close(ctx context.Context, milestoneID string) (*model.Milestone, error) {
	unlock := s.locks.Lock(locker.MilestoneKey(milestoneID))
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		now := s.now()
		m, err := tx.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.State.Decided() {
			return nil
		}
		if m.State != model.StateVoting {
			return &model.TransitionError{From: m.State, To: model.StateApproved}
		}
		if m.WindowElapsed(now) {
			return s.decide(ctx, tx, m, false, now)
		}
		if s.cfg.EarlyClose {
			votes, err := tx.Votes(ctx, m.ID)
			if err != nil {
				return err
			}
			if _, final := tally.Decisive(s.cfg.Policy, tally.Evaluate(s.cfg.Policy, m.Eligible, votes)); final {
				return s.decide(ctx, tx, m, true, now)
			}
		}
		return fmt.Errorf("milestone %s voting open until %s: %w", m.ID, m.VotingEnd.Format(time.RFC3339), model.ErrConflict)
	})
	unlock()
	if err != nil {
		return nil, err
	}

	s.settle(ctx, milestoneID)
	return s.read(ctx, milestoneID)
}

// decide freezes the tally and moves the milestone to its decision. The
// caller holds the milestone lock.
func (s *Service) decide(ctx context.Context, tx repository.Tx, m *model.Milestone, early bool, now time.Time) error {
	votes, err := tx.Votes(ctx, m.ID)
	if err != nil {
		return err
	}
	r := tally.Evaluate(s.cfg.Policy, m.Eligible, votes)
	if err := s.transition(ctx, m, r.Decision, now); err != nil {
		return err
	}
	m.Tally = r.Snapshot(now, early)
	if err := tx.SaveMilestone(ctx, m); err != nil {
		return err
	}

	logger.WithTrace(ctx, s.logger).Info("milestone decided",
		zap.String("milestone_id", m.ID),
		zap.String("decision", string(r.Decision)),
		zap.String("reason", string(r.Reason)),
		zap.Int64("approve_weight", r.ApproveWeight),
		zap.Int64("reject_weight", r.RejectWeight),
		zap.Int64("eligible_weight", r.TotalEligibleWeight),
		zap.Bool("early", early),
	)
	return tx.Enqueue(ctx, mq.RoutingMilestoneDecided, "milestone", m.ID, mq.MilestoneDecidedPayload{
		MilestoneID:         m.ID,
		CampaignID:          m.CampaignID,
		Decision:            string(r.Decision),
		Reason:              string(r.Reason),
		ApproveWeight:       r.ApproveWeight,
		RejectWeight:        r.RejectWeight,
		TotalEligibleWeight: r.TotalEligibleWeight,
		DecidedAt:           now,
		TraceID:             trace.FromContext(ctx),
	})
}

// settle hands a decided milestone to escrow. Failures stay with the
// transaction record and the sweeper picks them up.
func (s *Service) settle(ctx context.Context, milestoneID string) {
	if s.settler == nil {
		return
	}
	_, err := s.settler.Settle(ctx, milestoneID)
	if err == nil {
		return
	}
	log := logger.WithTrace(ctx, s.logger).With(zap.String("milestone_id", milestoneID), zap.Error(err))
	if errors.Is(err, model.ErrGatewayTransient) || errors.Is(err, model.ErrGatewayDeclined) {
		log.Warn("settlement not completed")
		return
	}
	log.Error("settlement failed")
}

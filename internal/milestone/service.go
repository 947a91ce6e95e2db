// Package milestone drives a milestone from draft through voting to a
// decision and hands decided milestones to the escrow controller.
package milestone

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fundescrow/internal/escrow"
	"fundescrow/internal/locker"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
	"fundescrow/internal/tally"
	"fundescrow/pkg/logger"
	"fundescrow/pkg/metrics"
	"fundescrow/pkg/rbac"
)

type Config struct {
	VotingWindow time.Duration
	Policy       tally.Policy
	// EarlyClose decides a window as soon as the outcome can no longer
	// change.
	EarlyClose bool
}

func DefaultConfig() Config {
	return Config{VotingWindow: 72 * time.Hour, Policy: tally.DefaultPolicy()}
}

// Settler is the escrow side of a decision.
type Settler interface {
	Settle(ctx context.Context, milestoneID string) (*escrow.Outcome, error)
	ResumeDue(ctx context.Context) (int, error)
}

type Service struct {
	store   repository.Store
	locks   *locker.Keyed
	settler Settler
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(store repository.Store, locks *locker.Keyed, settler Settler, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		locks:   locks,
		settler: settler,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RegisterCampaign records a campaign created by the campaign service so
// that donations and milestones can refer to it.
func (s *Service) RegisterCampaign(ctx context.Context, actor model.Identity, campaignerID string, target int64) (*model.Campaign, error) {
	if err := authorize(actor, rbac.PermissionRegisterCampaign); err != nil {
		return nil, err
	}
	if strings.TrimSpace(campaignerID) == "" {
		return nil, model.NewValidationError("campaigner_id", "required")
	}
	if target <= 0 {
		return nil, model.NewValidationError("target_amount", "must be positive")
	}
	now := s.now()
	c := &model.Campaign{
		ID:           uuid.NewString(),
		CampaignerID: campaignerID,
		TargetAmount: target,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		return tx.InsertCampaign(ctx, c)
	}); err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("campaign registered",
		zap.String("campaign_id", c.ID), zap.String("campaigner_id", campaignerID))
	return c, nil
}

func (s *Service) Campaign(ctx context.Context, id string) (*model.Campaign, error) {
	var c *model.Campaign
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		c, err = tx.Campaign(ctx, id)
		return err
	})
	return c, err
}

func (s *Service) CreateDraft(ctx context.Context, actor model.Identity, campaignID string, amount int64, description string) (*model.Milestone, error) {
	if err := authorize(actor, rbac.PermissionManageMilestone); err != nil {
		return nil, err
	}
	if err := validateDraft(amount, description); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(locker.CampaignKey(campaignID))
	defer unlock()

	var m *model.Milestone
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		c, err := tx.Campaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if err := ownsCampaign(actor, c); err != nil {
			return err
		}
		existing, err := tx.MilestonesByCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		now := s.now()
		m = &model.Milestone{
			ID:           uuid.NewString(),
			CampaignID:   campaignID,
			Sequence:     len(existing) + 1,
			TargetAmount: amount,
			Description:  strings.TrimSpace(description),
			State:        model.StateDraft,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.InsertMilestone(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) UpdateDraft(ctx context.Context, actor model.Identity, milestoneID string, amount int64, description string) (*model.Milestone, error) {
	if err := validateDraft(amount, description); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, milestoneID, func(m *model.Milestone, now time.Time) error {
		if m.State != model.StateDraft {
			return fmt.Errorf("milestone %s is %s, only drafts can be edited: %w", m.ID, m.State, model.ErrInvalidStateTransition)
		}
		m.TargetAmount = amount
		m.Description = strings.TrimSpace(description)
		m.UpdatedAt = now
		return nil
	})
}

// Discard abandons a draft. The record is kept in DISCARDED.
func (s *Service) Discard(ctx context.Context, actor model.Identity, milestoneID string) (*model.Milestone, error) {
	return s.mutate(ctx, actor, milestoneID, func(m *model.Milestone, now time.Time) error {
		return s.transition(ctx, m, model.StateDiscarded, now)
	})
}

func (s *Service) Submit(ctx context.Context, actor model.Identity, milestoneID string) (*model.Milestone, error) {
	return s.mutate(ctx, actor, milestoneID, func(m *model.Milestone, now time.Time) error {
		return s.transition(ctx, m, model.StateSubmitted, now)
	})
}

// Get returns a milestone, closing its window first if it has elapsed.
func (s *Service) Get(ctx context.Context, milestoneID string) (*model.Milestone, error) {
	m, err := s.read(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.WindowElapsed(s.now()) {
		return s.Close(ctx, milestoneID)
	}
	return m, nil
}

func (s *Service) ListByCampaign(ctx context.Context, campaignID string) ([]*model.Milestone, error) {
	var out []*model.Milestone
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		if _, err := tx.Campaign(ctx, campaignID); err != nil {
			return err
		}
		var err error
		out, err = tx.MilestonesByCampaign(ctx, campaignID)
		return err
	})
	return out, err
}

// mutate runs fn on a milestone owned by actor under the milestone lock.
func (s *Service) mutate(ctx context.Context, actor model.Identity, milestoneID string, fn func(m *model.Milestone, now time.Time) error) (*model.Milestone, error) {
	if err := authorize(actor, rbac.PermissionManageMilestone); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(locker.MilestoneKey(milestoneID))
	defer unlock()

	var m *model.Milestone
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
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
		if err := fn(m, s.now()); err != nil {
			return err
		}
		return tx.SaveMilestone(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) read(ctx context.Context, milestoneID string) (*model.Milestone, error) {
	var m *model.Milestone
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		m, err = tx.Milestone(ctx, milestoneID)
		return err
	})
	return m, err
}

func (s *Service) transition(ctx context.Context, m *model.Milestone, to model.MilestoneState, now time.Time) error {
	from := m.State
	if err := m.Transition(to, now); err != nil {
		logger.WithTrace(ctx, s.logger).Warn("invalid milestone transition",
			zap.String("milestone_id", m.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return err
	}
	metrics.IncrementMilestoneTransition(string(from), string(to))
	return nil
}

func authorize(actor model.Identity, permission string) error {
	if err := rbac.CheckPermission(actor.UserID, actor.Role, permission); err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrForbidden)
	}
	return nil
}

func ownsCampaign(actor model.Identity, c *model.Campaign) error {
	if c.CampaignerID != actor.UserID {
		return fmt.Errorf("campaign %s belongs to another campaigner: %w", c.ID, model.ErrForbidden)
	}
	return nil
}

func validateDraft(amount int64, description string) error {
	if amount <= 0 {
		return model.NewValidationError("target_amount", "must be positive")
	}
	if strings.TrimSpace(description) == "" {
		return model.NewValidationError("description", "required")
	}
	return nil
}

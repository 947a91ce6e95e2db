package milestone

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fundescrow/internal/model"
	"fundescrow/internal/repository"
	"fundescrow/pkg/trace"
)

type SweepStats struct {
	Closed  int
	Settled int
	Resumed int
}

// Sweep closes elapsed windows, starts settlement of decided milestones
// that have none, and re-attempts settlements whose retry time has come.
func (s *Service) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	var voting, decided []*model.Milestone
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		if voting, err = tx.MilestonesByState(ctx, model.StateVoting); err != nil {
			return err
		}
		for _, state := range []model.MilestoneState{model.StateApproved, model.StateRejected} {
			ms, err := tx.MilestonesByState(ctx, state)
			if err != nil {
				return err
			}
			decided = append(decided, ms...)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	now := s.now()
	for _, m := range voting {
		if !m.WindowElapsed(now) {
			continue
		}
		if _, err := s.Close(ctx, m.ID); err != nil {
			s.logger.Error("sweep close failed", zap.String("milestone_id", m.ID), zap.Error(err))
			continue
		}
		stats.Closed++
	}

	for _, m := range decided {
		if m.SettlementTxID != "" {
			continue
		}
		s.settle(ctx, m.ID)
		stats.Settled++
	}

	if s.settler != nil {
		n, err := s.settler.ResumeDue(ctx)
		stats.Resumed = n
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Sweeper runs Sweep on a ticker, independent of requests.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(svc *Service, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{svc: svc, interval: interval, logger: logger}
}

func (w *Sweeper) Start(ctx context.Context) {
	w.logger.Info("starting milestone sweeper", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("milestone sweeper stopped")
			return
		case <-ticker.C:
			runCtx := trace.WithContext(ctx, trace.GenerateTraceID())
			stats, err := w.svc.Sweep(runCtx)
			if err != nil {
				w.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if stats != (SweepStats{}) {
				w.logger.Info("sweep finished",
					zap.Int("closed", stats.Closed),
					zap.Int("settled", stats.Settled),
					zap.Int("resumed", stats.Resumed),
				)
			}
		}
	}
}

package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fundescrow/internal/locker"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
)

// Service serializes wallet and credit mutations per account.
type Service struct {
	store  repository.Store
	locks  *locker.Keyed
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store repository.Store, locks *locker.Keyed, logger *zap.Logger) *Service {
	return &Service{store: store, locks: locks, logger: logger, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Wallet(ctx context.Context, ownerID string) (*model.Wallet, error) {
	var w *model.Wallet
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		w, err = tx.Wallet(ctx, ownerID)
		return err
	})
	return w, err
}

func (s *Service) Credit(ctx context.Context, donorID string) (*model.Credit, error) {
	var c *model.Credit
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		c, err = tx.Credit(ctx, donorID)
		return err
	})
	return c, err
}

func (s *Service) CreditWallet(ctx context.Context, ownerID string, amount int64) (*model.Wallet, error) {
	return s.mutateWallet(ctx, ownerID, amount, AddFunds)
}

// DebitWallet withdraws from a wallet; it fails without change when the
// balance is short.
func (s *Service) DebitWallet(ctx context.Context, ownerID string, amount int64) (*model.Wallet, error) {
	return s.mutateWallet(ctx, ownerID, amount, DeductFunds)
}

func (s *Service) AccrueCredit(ctx context.Context, donorID string, amount int64) (*model.Credit, error) {
	return s.mutateCredit(ctx, donorID, amount, AddFunds)
}

func (s *Service) RedeemCredit(ctx context.Context, donorID string, amount int64) (*model.Credit, error) {
	return s.mutateCredit(ctx, donorID, amount, DeductFunds)
}

type mutation func(a Account, amount int64, now time.Time) error

func (s *Service) mutateWallet(ctx context.Context, ownerID string, amount int64, apply mutation) (*model.Wallet, error) {
	unlock := s.locks.Lock(locker.WalletKey(ownerID))
	defer unlock()

	var w *model.Wallet
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		if w, err = tx.Wallet(ctx, ownerID); err != nil {
			return err
		}
		if err := apply(w, amount, s.now()); err != nil {
			return err
		}
		return tx.SaveWallet(ctx, w)
	})
	if err != nil {
		s.logger.Warn("wallet mutation rejected",
			zap.String("owner_id", ownerID),
			zap.Int64("amount", amount),
			zap.Error(err),
		)
		return nil, err
	}
	return w, nil
}

func (s *Service) mutateCredit(ctx context.Context, donorID string, amount int64, apply mutation) (*model.Credit, error) {
	unlock := s.locks.Lock(locker.CreditKey(donorID))
	defer unlock()

	var c *model.Credit
	err := s.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		if c, err = tx.Credit(ctx, donorID); err != nil {
			return err
		}
		if err := apply(c, amount, s.now()); err != nil {
			return err
		}
		return tx.SaveCredit(ctx, c)
	})
	if err != nil {
		s.logger.Warn("credit mutation rejected",
			zap.String("donor_id", donorID),
			zap.Int64("amount", amount),
			zap.Error(err),
		)
		return nil, err
	}
	return c, nil
}

// CreditWalletIn adds to a wallet inside an open unit of work. The caller
// holds the wallet lock.
func CreditWalletIn(ctx context.Context, tx repository.Tx, ownerID string, amount int64, now time.Time) error {
	w, err := tx.Wallet(ctx, ownerID)
	if err != nil {
		return err
	}
	if err := AddFunds(w, amount, now); err != nil {
		return err
	}
	return tx.SaveWallet(ctx, w)
}

// AccrueCreditIn adds to a credit balance inside an open unit of work. The
// caller holds the credit lock.
func AccrueCreditIn(ctx context.Context, tx repository.Tx, donorID string, amount int64, now time.Time) error {
	c, err := tx.Credit(ctx, donorID)
	if err != nil {
		return err
	}
	if err := AddFunds(c, amount, now); err != nil {
		return err
	}
	return tx.SaveCredit(ctx, c)
}

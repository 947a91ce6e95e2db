// Package ledger applies balance changes to wallets, credits and campaign
// pools. Balances never go negative and deductions are all or nothing.
package ledger

import (
	"fmt"
	"math"
	"time"

	"fundescrow/internal/model"
)

// Account is anything holding a non-negative balance.
type Account interface {
	CurrentBalance() int64
	SetBalance(balance int64, at time.Time)
}

var (
	_ Account = (*model.Wallet)(nil)
	_ Account = (*model.Credit)(nil)
	_ Account = (*model.Campaign)(nil)
)

func AddFunds(a Account, amount int64, now time.Time) error {
	if amount <= 0 {
		return model.NewValidationError("amount", "must be positive")
	}
	if a.CurrentBalance() > math.MaxInt64-amount {
		return model.NewValidationError("amount", "balance overflow")
	}
	a.SetBalance(a.CurrentBalance()+amount, now)
	return nil
}

func DeductFunds(a Account, amount int64, now time.Time) error {
	if amount <= 0 {
		return model.NewValidationError("amount", "must be positive")
	}
	if a.CurrentBalance() < amount {
		return fmt.Errorf("balance %d, need %d: %w", a.CurrentBalance(), amount, model.ErrInsufficientBalance)
	}
	a.SetBalance(a.CurrentBalance()-amount, now)
	return nil
}

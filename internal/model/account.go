package model

import "time"

// Wallet holds withdrawable funds of a campaigner or refunded donor.
type Wallet struct {
	OwnerID   string    `json:"owner_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w *Wallet) CurrentBalance() int64 { return w.Balance }

func (w *Wallet) SetBalance(balance int64, at time.Time) {
	w.Balance = balance
	w.UpdatedAt = at
}

// Credit is a donor's participation reward balance.
type Credit struct {
	DonorID   string    `json:"donor_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Credit) CurrentBalance() int64 { return c.Balance }

func (c *Credit) SetBalance(balance int64, at time.Time) {
	c.Balance = balance
	c.UpdatedAt = at
}

package model

import "time"

// Campaign is registered by the campaign collaborator; this engine only
// tracks its escrow pool.
type Campaign struct {
	ID            string    `json:"id"`
	CampaignerID  string    `json:"campaigner_id"`
	TargetAmount  int64     `json:"target_amount"`
	PoolBalance   int64     `json:"pool_balance"`
	TotalDonated  int64     `json:"total_donated"`
	TotalReleased int64     `json:"total_released"`
	TotalRefunded int64     `json:"total_refunded"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// The pool is an account too, so ledger rules apply to it.
func (c *Campaign) CurrentBalance() int64 { return c.PoolBalance }

func (c *Campaign) SetBalance(balance int64, at time.Time) {
	c.PoolBalance = balance
	c.UpdatedAt = at
}

// InFlight is the amount deducted from the pool but not yet released or
// refunded.
func (c *Campaign) InFlight() int64 {
	return c.TotalDonated - c.TotalReleased - c.TotalRefunded - c.PoolBalance
}

type Donation struct {
	ID             string    `json:"id"`
	DonorID        string    `json:"donor_id"`
	CampaignID     string    `json:"campaign_id"`
	Amount         int64     `json:"amount"`
	GatewayRef     string    `json:"gateway_ref"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

package repository

import (
	"context"
	"time"

	"fundescrow/internal/model"
)

// Store runs units of work. fn's writes commit together when it returns nil
// and are discarded otherwise.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the view of the store inside one unit of work. Lookups of a missing
// entity return model.ErrNotFound, except Wallet and Credit which return a
// zero balance account.
type Tx interface {
	Campaign(ctx context.Context, id string) (*model.Campaign, error)
	InsertCampaign(ctx context.Context, c *model.Campaign) error
	SaveCampaign(ctx context.Context, c *model.Campaign) error

	Milestone(ctx context.Context, id string) (*model.Milestone, error)
	InsertMilestone(ctx context.Context, m *model.Milestone) error
	SaveMilestone(ctx context.Context, m *model.Milestone) error
	MilestonesByCampaign(ctx context.Context, campaignID string) ([]*model.Milestone, error)
	MilestonesByState(ctx context.Context, state model.MilestoneState) ([]*model.Milestone, error)

	InsertDonation(ctx context.Context, d *model.Donation) error
	DonationByKey(ctx context.Context, idempotencyKey string) (*model.Donation, error)
	// DonationsByCampaign is ordered by creation time, then id.
	DonationsByCampaign(ctx context.Context, campaignID string) ([]*model.Donation, error)
	// DonorTotals sums donations per donor for a campaign.
	DonorTotals(ctx context.Context, campaignID string) (map[string]int64, error)

	SaveVote(ctx context.Context, v *model.Vote) error
	Votes(ctx context.Context, milestoneID string) ([]*model.Vote, error)

	Wallet(ctx context.Context, ownerID string) (*model.Wallet, error)
	SaveWallet(ctx context.Context, w *model.Wallet) error
	Credit(ctx context.Context, donorID string) (*model.Credit, error)
	SaveCredit(ctx context.Context, c *model.Credit) error

	InsertTransaction(ctx context.Context, t *model.EscrowTransaction) error
	UpdateTransaction(ctx context.Context, t *model.EscrowTransaction) error
	Transaction(ctx context.Context, id string) (*model.EscrowTransaction, error)
	TransactionsByMilestone(ctx context.Context, milestoneID string) ([]*model.EscrowTransaction, error)
	// DueTransactions lists open, unescalated transactions whose retry time
	// has come, oldest first.
	DueTransactions(ctx context.Context, now time.Time, limit int) ([]*model.EscrowTransaction, error)

	InsertEscalation(ctx context.Context, e *model.Escalation) error
	Escalation(ctx context.Context, id string) (*model.Escalation, error)
	SaveEscalation(ctx context.Context, e *model.Escalation) error
	OpenEscalations(ctx context.Context) ([]*model.Escalation, error)

	// Enqueue writes an outbox event that becomes visible with the commit.
	Enqueue(ctx context.Context, routingKey, aggregateType, aggregateID string, payload any) error
}

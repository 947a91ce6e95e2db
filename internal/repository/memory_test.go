package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundescrow/internal/model"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestAtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		return tx.InsertCampaign(ctx, &model.Campaign{ID: "c1", CampaignerID: "alice"})
	}))

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx Tx) error {
		c, err := tx.Campaign(ctx, "c1")
		require.NoError(t, err)
		c.PoolBalance = 500
		c.TotalDonated = 500
		require.NoError(t, tx.SaveCampaign(ctx, c))
		require.NoError(t, tx.Enqueue(ctx, "donation.received", "campaign", "c1", map[string]int{"amount": 500}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		c, err := tx.Campaign(ctx, "c1")
		require.NoError(t, err)
		assert.Zero(t, c.PoolBalance)
		return nil
	}))
	assert.Empty(t, s.Outbox().Events())
}

func TestMilestoneReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		return tx.InsertMilestone(ctx, &model.Milestone{ID: "m1", CampaignID: "c1", State: model.StateVoting, Eligible: map[string]int64{"d1": 10}})
	}))

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		m, err := tx.Milestone(ctx, "m1")
		require.NoError(t, err)
		m.Eligible["d1"] = 999
		return nil
	}))

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		m, err := tx.Milestone(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), m.Eligible["d1"])
		return nil
	}))
}

func TestDonationKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.Atomic(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertDonation(ctx, &model.Donation{ID: "d1", DonorID: "bob", CampaignID: "c1", Amount: 100, IdempotencyKey: "k"}))
		return tx.InsertDonation(ctx, &model.Donation{ID: "d2", DonorID: "bob", CampaignID: "c1", Amount: 100, IdempotencyKey: "k"})
	})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestDonorTotals(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		for i, d := range []model.Donation{
			{DonorID: "a", CampaignID: "c1", Amount: 100},
			{DonorID: "a", CampaignID: "c1", Amount: 50},
			{DonorID: "b", CampaignID: "c1", Amount: 70},
			{DonorID: "a", CampaignID: "c2", Amount: 1000},
		} {
			d := d
			d.ID = string(rune('p' + i))
			d.IdempotencyKey = d.ID
			if err := tx.InsertDonation(ctx, &d); err != nil {
				return err
			}
		}
		totals, err := tx.DonorTotals(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"a": 150, "b": 70}, totals)
		return nil
	}))
}

func TestVoteUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		require.NoError(t, tx.SaveVote(ctx, &model.Vote{MilestoneID: "m1", DonorID: "a", Type: model.VoteApprove, Weight: 100}))
		require.NoError(t, tx.SaveVote(ctx, &model.Vote{MilestoneID: "m1", DonorID: "a", Type: model.VoteReject, Weight: 100}))
		votes, err := tx.Votes(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, votes, 1)
		assert.Equal(t, model.VoteReject, votes[0].Type)
		return nil
	}))
}

func TestTransactionFinancialFieldsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tx0 := &model.EscrowTransaction{
		ID: "t1", MilestoneID: "m1", Type: model.TxRelease, Amount: 500,
		Legs:           []model.TransactionLeg{{RecipientID: "alice", Amount: 500, Status: model.LegPending}},
		IdempotencyKey: model.SettlementKey("m1", 1), Attempt: 1, Outcome: model.OutcomePending,
	}
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error { return tx.InsertTransaction(ctx, tx0) }))

	err := s.Atomic(ctx, func(tx Tx) error {
		et, err := tx.Transaction(ctx, "t1")
		require.NoError(t, err)
		et.Amount = 900
		return tx.UpdateTransaction(ctx, et)
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		et, err := tx.Transaction(ctx, "t1")
		require.NoError(t, err)
		et.Outcome = model.OutcomePendingRetry
		et.RetryCount = 1
		next := t0.Add(time.Minute)
		et.NextRetryAt = &next
		return tx.UpdateTransaction(ctx, et)
	}))

	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		due, err := tx.DueTransactions(ctx, t0, 10)
		require.NoError(t, err)
		assert.Empty(t, due)
		due, err = tx.DueTransactions(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
		return nil
	}))
}

func TestNegativeBalanceRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.Atomic(ctx, func(tx Tx) error {
		return tx.SaveWallet(ctx, &model.Wallet{OwnerID: "a", Balance: -1})
	})
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
}

func TestEnqueueVisibleAfterCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		return tx.Enqueue(ctx, "milestone.decided", "milestone", "m1", map[string]string{"milestone_id": "m1"})
	}))
	events := s.Outbox().Events()
	require.Len(t, events, 1)
	assert.Equal(t, "milestone.decided", events[0].RoutingKey)
	assert.JSONEq(t, `{"milestone_id":"m1"}`, string(events[0].Payload))
}

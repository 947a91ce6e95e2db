package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMilestoneTransitions(t *testing.T) {
	now := time.Now()
	m := &Milestone{State: StateDraft}

	require.NoError(t, m.Transition(StateSubmitted, now))
	require.NoError(t, m.Transition(StateVoting, now))
	require.NoError(t, m.Transition(StateApproved, now))

	err := m.Transition(StateRefunded, now)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateApproved, te.From)
	assert.Equal(t, StateRefunded, te.To)
	assert.Equal(t, StateApproved, m.State)

	require.NoError(t, m.Transition(StateReleased, now))
	assert.True(t, m.State.Terminal())
}

func TestIllegalEdges(t *testing.T) {
	cases := []struct{ from, to MilestoneState }{
		{StateDraft, StateVoting},
		{StateSubmitted, StateDiscarded},
		{StateVoting, StateReleased},
		{StateRejected, StateReleased},
		{StateReleased, StateRefunded},
		{StateDiscarded, StateDraft},
	}
	for _, tc := range cases {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestWindowElapsed(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := &Milestone{State: StateVoting, VotingEnd: &end}
	assert.False(t, m.WindowElapsed(end.Add(-time.Second)))
	assert.True(t, m.WindowElapsed(end))
}

func TestTransactionLegKeys(t *testing.T) {
	tx := &EscrowTransaction{IdempotencyKey: SettlementKey("m1", 1), Legs: []TransactionLeg{{RecipientID: "c"}}}
	assert.Equal(t, "settle-m1-1", tx.LegKey(0))

	tx.Legs = append(tx.Legs, TransactionLeg{RecipientID: "d"}, TransactionLeg{RecipientID: "d"})
	assert.Equal(t, "settle-m1-1:c:0", tx.LegKey(0))
	assert.Equal(t, "settle-m1-1:d:1", tx.LegKey(1))
	assert.Equal(t, "settle-m1-1:d:2", tx.LegKey(2))
}

func TestValidationErrorIs(t *testing.T) {
	err := NewValidationError("amount", "must be positive")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "invalid amount: must be positive", err.Error())
}

package tally

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"fundescrow/internal/model"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func vote(donor string, typ model.VoteType, at time.Time) *model.Vote {
	return &model.Vote{MilestoneID: "m", DonorID: donor, Type: typ, CreatedAt: at, UpdatedAt: at}
}

func TestTieIsRejected(t *testing.T) {
	r := Evaluate(DefaultPolicy(), map[string]int64{"a": 100, "b": 100}, []*model.Vote{
		vote("a", model.VoteApprove, t0),
		vote("b", model.VoteReject, t0),
	})
	assert.True(t, r.QuorumMet)
	assert.Equal(t, model.StateRejected, r.Decision)
	assert.Equal(t, model.ReasonTieRejected, r.Reason)
}

func TestQuorumNotMetRejectsRegardlessOfSplit(t *testing.T) {
	eligible := map[string]int64{"a": 300, "b": 700}
	for _, typ := range []model.VoteType{model.VoteApprove, model.VoteReject} {
		r := Evaluate(DefaultPolicy(), eligible, []*model.Vote{vote("a", typ, t0)})
		assert.False(t, r.QuorumMet)
		assert.Equal(t, model.StateRejected, r.Decision)
		assert.Equal(t, model.ReasonQuorumNotMet, r.Reason)
	}
}

func TestQuorumBoundaryIsInclusive(t *testing.T) {
	r := Evaluate(DefaultPolicy(), map[string]int64{"a": 500, "b": 500}, []*model.Vote{vote("a", model.VoteApprove, t0)})
	assert.True(t, r.QuorumMet)
	assert.Equal(t, model.StateApproved, r.Decision)
}

func TestZeroEligibleWeightNeverMeetsQuorum(t *testing.T) {
	r := Evaluate(Policy{QuorumFraction: decimal.Zero}, map[string]int64{}, nil)
	assert.False(t, r.QuorumMet)
	assert.Equal(t, model.ReasonQuorumNotMet, r.Reason)
}

func TestRecastReplacesWeight(t *testing.T) {
	eligible := map[string]int64{"a": 100, "b": 100}
	r := Evaluate(DefaultPolicy(), eligible, []*model.Vote{
		vote("a", model.VoteApprove, t0),
		vote("a", model.VoteReject, t0.Add(time.Minute)),
	})
	assert.Equal(t, int64(0), r.ApproveWeight)
	assert.Equal(t, int64(100), r.RejectWeight)
	assert.Equal(t, 1, r.VoterCount)
}

func TestIneligibleVotesIgnored(t *testing.T) {
	r := Evaluate(DefaultPolicy(), map[string]int64{"a": 100}, []*model.Vote{
		vote("a", model.VoteApprove, t0),
		vote("mallory", model.VoteReject, t0),
	})
	assert.Equal(t, int64(0), r.RejectWeight)
	assert.Equal(t, model.StateApproved, r.Decision)
}

func TestSnapshotWeightsNotVoteWeights(t *testing.T) {
	v := vote("a", model.VoteApprove, t0)
	v.Weight = 999
	r := Evaluate(DefaultPolicy(), map[string]int64{"a": 40, "b": 60}, []*model.Vote{v})
	assert.Equal(t, int64(40), r.ApproveWeight)
}

func TestDecisive(t *testing.T) {
	eligible := map[string]int64{"a": 600, "b": 300, "c": 100}

	r := Evaluate(DefaultPolicy(), eligible, []*model.Vote{vote("a", model.VoteApprove, t0)})
	d, ok := Decisive(DefaultPolicy(), r)
	assert.True(t, ok)
	assert.Equal(t, model.StateApproved, d)

	r = Evaluate(DefaultPolicy(), eligible, []*model.Vote{vote("b", model.VoteApprove, t0)})
	_, ok = Decisive(DefaultPolicy(), r)
	assert.False(t, ok)

	r = Evaluate(DefaultPolicy(), eligible, []*model.Vote{vote("a", model.VoteReject, t0)})
	d, ok = Decisive(DefaultPolicy(), r)
	assert.True(t, ok)
	assert.Equal(t, model.StateRejected, d)
}

// Whatever the remaining donors do, a decisive outcome is the final one.
func TestDecisiveIsFinal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	donors := []string{"a", "b", "c", "d", "e"}
	properties.Property("decisive outcomes survive any completion", prop.ForAll(
		func(weights []int64, cast []int, rest []bool) bool {
			eligible := map[string]int64{}
			for i, d := range donors {
				eligible[d] = weights[i]
			}
			var votes []*model.Vote
			voted := map[string]bool{}
			for i, d := range donors {
				switch cast[i] {
				case 1:
					votes = append(votes, vote(d, model.VoteApprove, t0))
					voted[d] = true
				case 2:
					votes = append(votes, vote(d, model.VoteReject, t0))
					voted[d] = true
				}
			}
			partial := Evaluate(DefaultPolicy(), eligible, votes)
			decision, ok := Decisive(DefaultPolicy(), partial)
			if !ok {
				return true
			}
			for i, d := range donors {
				if voted[d] {
					continue
				}
				typ := model.VoteReject
				if rest[i] {
					typ = model.VoteApprove
				}
				votes = append(votes, vote(d, typ, t0))
			}
			return Evaluate(DefaultPolicy(), eligible, votes).Decision == decision
		},
		gen.SliceOfN(5, gen.Int64Range(1, 1000)),
		gen.SliceOfN(5, gen.IntRange(0, 2)),
		gen.SliceOfN(5, gen.Bool()),
	))

	properties.TestingRun(t)
}

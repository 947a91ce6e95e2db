// Package tally evaluates weighted milestone votes.
package tally

import (
	"time"

	"github.com/shopspring/decimal"

	"fundescrow/internal/model"
)

var DefaultQuorumFraction = decimal.RequireFromString("0.5")

type Policy struct {
	// QuorumFraction of the total eligible weight must vote.
	QuorumFraction decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{QuorumFraction: DefaultQuorumFraction}
}

type Result struct {
	ApproveWeight       int64
	RejectWeight        int64
	TotalEligibleWeight int64
	VoterCount          int
	QuorumMet           bool
	Decision            model.MilestoneState
	Reason              model.DecisionReason
}

// Remaining is the eligible weight that has not voted.
func (r Result) Remaining() int64 {
	return r.TotalEligibleWeight - r.ApproveWeight - r.RejectWeight
}

func (r Result) Snapshot(at time.Time, early bool) *model.TallySnapshot {
	return &model.TallySnapshot{
		ApproveWeight:       r.ApproveWeight,
		RejectWeight:        r.RejectWeight,
		TotalEligibleWeight: r.TotalEligibleWeight,
		VoterCount:          r.VoterCount,
		QuorumMet:           r.QuorumMet,
		Decision:            r.Decision,
		Reason:              r.Reason,
		Early:               early,
		DecidedAt:           at,
	}
}

// Evaluate applies the quorum and strict majority rule. Weights come from
// the eligibility snapshot; votes by donors outside it are ignored and the
// latest vote per donor wins.
func Evaluate(policy Policy, eligible map[string]int64, votes []*model.Vote) Result {
	var r Result
	for _, w := range eligible {
		r.TotalEligibleWeight += w
	}

	latest := make(map[string]*model.Vote, len(votes))
	for _, v := range votes {
		if _, ok := eligible[v.DonorID]; !ok {
			continue
		}
		if prev, ok := latest[v.DonorID]; !ok || v.UpdatedAt.After(prev.UpdatedAt) {
			latest[v.DonorID] = v
		}
	}
	for donor, v := range latest {
		switch v.Type {
		case model.VoteApprove:
			r.ApproveWeight += eligible[donor]
		case model.VoteReject:
			r.RejectWeight += eligible[donor]
		}
	}
	r.VoterCount = len(latest)

	r.QuorumMet = quorumMet(policy, r.ApproveWeight+r.RejectWeight, r.TotalEligibleWeight)
	switch {
	case !r.QuorumMet:
		r.Decision, r.Reason = model.StateRejected, model.ReasonQuorumNotMet
	case r.ApproveWeight > r.RejectWeight:
		r.Decision, r.Reason = model.StateApproved, model.ReasonApproved
	case r.ApproveWeight == r.RejectWeight:
		r.Decision, r.Reason = model.StateRejected, model.ReasonTieRejected
	default:
		r.Decision, r.Reason = model.StateRejected, model.ReasonMajorityRejected
	}
	return r
}

// quorumMet: voted >= fraction * total, and never with zero eligible weight.
func quorumMet(policy Policy, voted, total int64) bool {
	if total <= 0 {
		return false
	}
	fraction := policy.QuorumFraction
	if fraction.IsNegative() {
		fraction = decimal.Zero
	}
	threshold := fraction.Mul(decimal.NewFromInt(total))
	return decimal.NewFromInt(voted).GreaterThanOrEqual(threshold)
}

// Decisive reports whether r's outcome can no longer change however the
// remaining eligible weight votes, and if so which decision is final.
func Decisive(policy Policy, r Result) (model.MilestoneState, bool) {
	remaining := r.Remaining()
	if r.QuorumMet && r.ApproveWeight > r.RejectWeight+remaining {
		return model.StateApproved, true
	}
	// rejection stands even if everyone left approves; quorum failure can
	// only reject as well
	if r.RejectWeight >= r.ApproveWeight+remaining {
		return model.StateRejected, true
	}
	return "", false
}

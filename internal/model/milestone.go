package model

import "time"

type MilestoneState string

const (
	StateDraft     MilestoneState = "DRAFT"
	StateSubmitted MilestoneState = "SUBMITTED"
	StateVoting    MilestoneState = "VOTING"
	StateApproved  MilestoneState = "APPROVED"
	StateRejected  MilestoneState = "REJECTED"
	StateReleased  MilestoneState = "RELEASED"
	StateRefunded  MilestoneState = "REFUNDED"
	StateDiscarded MilestoneState = "DISCARDED"
)

var transitions = map[MilestoneState][]MilestoneState{
	StateDraft:     {StateSubmitted, StateDiscarded},
	StateSubmitted: {StateVoting},
	StateVoting:    {StateApproved, StateRejected},
	StateApproved:  {StateReleased},
	StateRejected:  {StateRefunded},
}

func (s MilestoneState) CanTransition(to MilestoneState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Decided reports whether voting finished and settlement is due or done.
func (s MilestoneState) Decided() bool {
	return s == StateApproved || s == StateRejected
}

func (s MilestoneState) Terminal() bool {
	return s == StateReleased || s == StateRefunded || s == StateDiscarded
}

type DecisionReason string

const (
	ReasonApproved         DecisionReason = "APPROVED"
	ReasonMajorityRejected DecisionReason = "MAJORITY_REJECTED"
	ReasonTieRejected      DecisionReason = "TIE_REJECTED"
	ReasonQuorumNotMet     DecisionReason = "QUORUM_NOT_MET"
)

// TallySnapshot is written once when voting closes and never changes.
type TallySnapshot struct {
	ApproveWeight       int64          `json:"approve_weight"`
	RejectWeight        int64          `json:"reject_weight"`
	TotalEligibleWeight int64          `json:"total_eligible_weight"`
	VoterCount          int            `json:"voter_count"`
	QuorumMet           bool           `json:"quorum_met"`
	Decision            MilestoneState `json:"decision"`
	Reason              DecisionReason `json:"reason"`
	Early               bool           `json:"early"`
	DecidedAt           time.Time      `json:"decided_at"`
}

type Milestone struct {
	ID           string         `json:"id"`
	CampaignID   string         `json:"campaign_id"`
	Sequence     int            `json:"sequence"`
	TargetAmount int64          `json:"target_amount"`
	Description  string         `json:"description"`
	State        MilestoneState `json:"state"`
	VotingStart  *time.Time     `json:"voting_start,omitempty"`
	VotingEnd    *time.Time     `json:"voting_end,omitempty"`
	// Eligible maps donor id to voting weight as of window open.
	Eligible           map[string]int64 `json:"eligible,omitempty"`
	Tally              *TallySnapshot   `json:"tally,omitempty"`
	SettlementTxID     string           `json:"settlement_tx_id,omitempty"`
	SettlementAttempts int              `json:"settlement_attempts"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Transition moves the milestone to the next state if the edge exists.
func (m *Milestone) Transition(to MilestoneState, now time.Time) error {
	if !m.State.CanTransition(to) {
		return &TransitionError{From: m.State, To: to}
	}
	m.State = to
	m.UpdatedAt = now
	return nil
}

// WindowElapsed reports whether a VOTING milestone's window has closed.
func (m *Milestone) WindowElapsed(now time.Time) bool {
	return m.State == StateVoting && m.VotingEnd != nil && !now.Before(*m.VotingEnd)
}

func (m *Milestone) TotalEligibleWeight() int64 {
	var total int64
	for _, w := range m.Eligible {
		total += w
	}
	return total
}

type VoteType string

const (
	VoteApprove VoteType = "APPROVE"
	VoteReject  VoteType = "REJECT"
)

func (v VoteType) Valid() bool {
	return v == VoteApprove || v == VoteReject
}

// Vote is unique per (milestone, donor); a re-cast overwrites it.
type Vote struct {
	MilestoneID string    `json:"milestone_id"`
	DonorID     string    `json:"donor_id"`
	Type        VoteType  `json:"type"`
	Weight      int64     `json:"weight"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

package mq

import "time"

// Routing keys on the escrow.events exchange.
const (
	RoutingMilestoneDecided         = "milestone.decided"
	RoutingMilestoneSettled         = "milestone.settled"
	RoutingSettlementRetryScheduled = "settlement.retry_scheduled"
	RoutingSettlementEscalated      = "settlement.escalated"
	RoutingDonationReceived         = "donation.received"
)

// MilestoneDecidedPayload is emitted when a voting window closes.
type MilestoneDecidedPayload struct {
	MilestoneID         string    `json:"milestone_id"`
	CampaignID          string    `json:"campaign_id"`
	Decision            string    `json:"decision"` // APPROVED / REJECTED
	Reason              string    `json:"reason"`
	ApproveWeight       int64     `json:"approve_weight"`
	RejectWeight        int64     `json:"reject_weight"`
	TotalEligibleWeight int64     `json:"total_eligible_weight"`
	DecidedAt           time.Time `json:"decided_at"`
	TraceID             string    `json:"trace_id,omitempty"`
}

type MilestoneSettledPayload struct {
	MilestoneID   string    `json:"milestone_id"`
	CampaignID    string    `json:"campaign_id"`
	TransactionID string    `json:"transaction_id"`
	Type          string    `json:"type"` // RELEASE / REFUND
	Amount        int64     `json:"amount"`
	State         string    `json:"state"`
	SettledAt     time.Time `json:"settled_at"`
	TraceID       string    `json:"trace_id,omitempty"`
}

type SettlementRetryScheduledPayload struct {
	MilestoneID   string    `json:"milestone_id"`
	TransactionID string    `json:"transaction_id"`
	RetryCount    int       `json:"retry_count"`
	NextRetryAt   time.Time `json:"next_retry_at"`
	LastError     string    `json:"last_error"`
	TraceID       string    `json:"trace_id,omitempty"`
}

type SettlementEscalatedPayload struct {
	EscalationID  string    `json:"escalation_id"`
	MilestoneID   string    `json:"milestone_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Reason        string    `json:"reason"`
	EscalatedAt   time.Time `json:"escalated_at"`
	TraceID       string    `json:"trace_id,omitempty"`
}

type DonationReceivedPayload struct {
	DonationID string    `json:"donation_id"`
	CampaignID string    `json:"campaign_id"`
	DonorID    string    `json:"donor_id"`
	Amount     int64     `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

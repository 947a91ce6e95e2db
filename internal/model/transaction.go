package model

import (
	"fmt"
	"time"
)

type TransactionType string

const (
	TxRelease TransactionType = "RELEASE"
	TxRefund  TransactionType = "REFUND"
)

type TransactionOutcome string

const (
	OutcomePending      TransactionOutcome = "PENDING"
	OutcomePendingRetry TransactionOutcome = "PENDING_RETRY"
	OutcomeSuccess      TransactionOutcome = "SUCCESS"
	OutcomeFailed       TransactionOutcome = "FAILED"
)

type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegSucceeded LegStatus = "SUCCEEDED"
	LegDeclined  LegStatus = "DECLINED"
)

// TransactionLeg is one recipient's share of a settlement.
type TransactionLeg struct {
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	// Reference is the idempotency key of the gateway call.
	Reference string `json:"reference"`
	// OriginalReference is the donation charge a refund leg reverses.
	OriginalReference string    `json:"original_reference,omitempty"`
	Destination       string    `json:"destination,omitempty"`
	GatewayRef        string    `json:"gateway_ref,omitempty"`
	Status            LegStatus `json:"status"`
}

// EscrowTransaction records one settlement attempt of a milestone. Type,
// amount, legs and idempotency key are fixed at insert; only leg status and
// retry bookkeeping move afterwards.
type EscrowTransaction struct {
	ID             string             `json:"id"`
	MilestoneID    string             `json:"milestone_id"`
	CampaignID     string             `json:"campaign_id"`
	Type           TransactionType    `json:"type"`
	Amount         int64              `json:"amount"`
	Legs           []TransactionLeg   `json:"legs"`
	IdempotencyKey string             `json:"idempotency_key"`
	Attempt        int                `json:"attempt"`
	Outcome        TransactionOutcome `json:"outcome"`
	RetryCount     int                `json:"retry_count"`
	NextRetryAt    *time.Time         `json:"next_retry_at,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	Escalated      bool               `json:"escalated"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func SettlementKey(milestoneID string, attempt int) string {
	return fmt.Sprintf("settle-%s-%d", milestoneID, attempt)
}

func (t *EscrowTransaction) IsOpen() bool {
	return t.Outcome == OutcomePending || t.Outcome == OutcomePendingRetry
}

// Due reports whether the transaction may be re-attempted automatically.
func (t *EscrowTransaction) Due(now time.Time) bool {
	return t.IsOpen() && !t.Escalated && (t.NextRetryAt == nil || !now.Before(*t.NextRetryAt))
}

func (t *EscrowTransaction) SettledAmount() int64 {
	var sum int64
	for _, leg := range t.Legs {
		if leg.Status == LegSucceeded {
			sum += leg.Amount
		}
	}
	return sum
}

func (t *EscrowTransaction) AllSucceeded() bool {
	for _, leg := range t.Legs {
		if leg.Status != LegSucceeded {
			return false
		}
	}
	return true
}

func (t *EscrowTransaction) AnyDeclined() bool {
	for _, leg := range t.Legs {
		if leg.Status == LegDeclined {
			return true
		}
	}
	return false
}

// LegKey is the gateway idempotency key of leg i. A donor may have several
// legs, one per donation charge, so the index is part of the key.
func (t *EscrowTransaction) LegKey(i int) string {
	if len(t.Legs) == 1 {
		return t.IdempotencyKey
	}
	return fmt.Sprintf("%s:%s:%d", t.IdempotencyKey, t.Legs[i].RecipientID, i)
}

func (t *EscrowTransaction) Clone() *EscrowTransaction {
	c := *t
	c.Legs = append([]TransactionLeg(nil), t.Legs...)
	if t.NextRetryAt != nil {
		next := *t.NextRetryAt
		c.NextRetryAt = &next
	}
	return &c
}

type Escalation struct {
	ID            string     `json:"id"`
	MilestoneID   string     `json:"milestone_id"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Reason        string     `json:"reason"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
}

func (e *Escalation) Open() bool { return e.ResolvedAt == nil }

package escrow

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"fundescrow/internal/model"
	"fundescrow/internal/repository"
)

func (c *Controller) releaseLegs(ctx context.Context, camp *model.Campaign, amount int64) ([]model.TransactionLeg, error) {
	leg := model.TransactionLeg{
		RecipientID: camp.CampaignerID,
		Amount:      amount,
		Status:      model.LegPending,
	}
	if c.bank != nil {
		info, err := c.bank.BankInfo(ctx, camp.CampaignerID)
		if err != nil {
			return nil, fmt.Errorf("bank info for campaigner %s: %w", camp.CampaignerID, err)
		}
		if info != nil {
			leg.Destination = info.AccountNumber
		}
	}
	return []model.TransactionLeg{leg}, nil
}

// refundLegs splits amount across donors pro rata to their snapshot weight.
// Floors are taken first and the leftover minor units go one each to the
// largest remainders, ties broken by donor id, so the legs sum to amount.
func refundLegs(eligible map[string]int64, amount int64) ([]model.TransactionLeg, error) {
	var total int64
	donors := make([]string, 0, len(eligible))
	for donor, w := range eligible {
		if w <= 0 {
			continue
		}
		donors = append(donors, donor)
		total += w
	}
	if total == 0 {
		return nil, fmt.Errorf("no eligible donors to refund: %w", model.ErrValidation)
	}
	sort.Strings(donors)

	type share struct {
		donor     string
		amount    int64
		remainder decimal.Decimal
	}
	shares := make([]share, len(donors))
	amt := decimal.NewFromInt(amount)
	tot := decimal.NewFromInt(total)
	var assigned int64
	for i, donor := range donors {
		q, r := amt.Mul(decimal.NewFromInt(eligible[donor])).QuoRem(tot, 0)
		shares[i] = share{donor: donor, amount: q.IntPart(), remainder: r}
		assigned += shares[i].amount
	}

	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return shares[order[a]].remainder.GreaterThan(shares[order[b]].remainder)
	})
	for i := int64(0); i < amount-assigned; i++ {
		shares[order[i]].amount++
	}

	legs := make([]model.TransactionLeg, 0, len(shares))
	for _, s := range shares {
		if s.amount == 0 {
			continue
		}
		legs = append(legs, model.TransactionLeg{
			RecipientID: s.donor,
			Amount:      s.amount,
			Status:      model.LegPending,
		})
	}
	return legs, nil
}

// chargeLegs spreads each donor's share over the charges the donor paid
// with, oldest first, so every refund leg names a charge the processor
// issued. refunded is what earlier refunds already took per charge. A share
// larger than the donor's remaining charges puts the excess on the latest
// one and lets the processor decide.
func chargeLegs(shares []model.TransactionLeg, donations []*model.Donation, refunded map[string]int64) []model.TransactionLeg {
	byDonor := map[string][]*model.Donation{}
	for _, d := range donations {
		if d.GatewayRef != "" {
			byDonor[d.DonorID] = append(byDonor[d.DonorID], d)
		}
	}

	left := make(map[string]int64, len(refunded))
	for ref, amt := range refunded {
		left[ref] = -amt
	}
	for _, d := range donations {
		left[d.GatewayRef] += d.Amount
	}

	var legs []model.TransactionLeg
	for _, share := range shares {
		charges := byDonor[share.RecipientID]
		if len(charges) == 0 {
			legs = append(legs, share)
			continue
		}
		remaining := share.Amount
		for _, d := range charges {
			if remaining == 0 {
				break
			}
			take := min(remaining, left[d.GatewayRef])
			if take <= 0 {
				continue
			}
			leg := share
			leg.Amount = take
			leg.OriginalReference = d.GatewayRef
			legs = append(legs, leg)
			left[d.GatewayRef] -= take
			remaining -= take
		}
		if remaining > 0 {
			latest := charges[len(charges)-1].GatewayRef
			if n := len(legs); n > 0 && legs[n-1].RecipientID == share.RecipientID && legs[n-1].OriginalReference == latest {
				legs[n-1].Amount += remaining
			} else {
				leg := share
				leg.Amount = remaining
				leg.OriginalReference = latest
				legs = append(legs, leg)
			}
		}
	}
	return legs
}

// refundedByCharge sums, per charge reference, the refund legs of the
// campaign that moved or may still move.
func refundedByCharge(ctx context.Context, tx repository.Tx, campaignID string) (map[string]int64, error) {
	milestones, err := tx.MilestonesByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, m := range milestones {
		if m.SettlementTxID == "" {
			continue
		}
		txs, err := tx.TransactionsByMilestone(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, et := range txs {
			if et.Type != model.TxRefund {
				continue
			}
			for _, leg := range et.Legs {
				if leg.Status == model.LegSucceeded || (et.IsOpen() && leg.Status == model.LegPending) {
					out[leg.OriginalReference] += leg.Amount
				}
			}
		}
	}
	return out, nil
}

func assignReferences(et *model.EscrowTransaction) {
	for i := range et.Legs {
		et.Legs[i].Reference = et.LegKey(i)
	}
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"fundescrow/internal/model"
	"fundescrow/pkg/outbox"
)

// MemoryStore keeps everything in process. Units of work run one at a time
// against a copy of the state that replaces the live state on commit.
type MemoryStore struct {
	mu     sync.Mutex
	state  *memState
	outbox *outbox.MemoryStore
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state:  newMemState(),
		outbox: outbox.NewMemoryStore(),
	}
}

// Outbox exposes committed events for the dispatcher.
func (s *MemoryStore) Outbox() *outbox.MemoryStore { return s.outbox }

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	for _, e := range tx.events {
		s.outbox.Append(e)
	}
	return nil
}

type memState struct {
	campaigns    map[string]model.Campaign
	milestones   map[string]model.Milestone
	donations    map[string]model.Donation
	donationKeys map[string]string
	votes        map[string]map[string]model.Vote
	wallets      map[string]model.Wallet
	credits      map[string]model.Credit
	txs          map[string]*model.EscrowTransaction
	txOrder      []string
	escalations  map[string]model.Escalation
	escOrder     []string
}

func newMemState() *memState {
	return &memState{
		campaigns:    map[string]model.Campaign{},
		milestones:   map[string]model.Milestone{},
		donations:    map[string]model.Donation{},
		donationKeys: map[string]string{},
		votes:        map[string]map[string]model.Vote{},
		wallets:      map[string]model.Wallet{},
		credits:      map[string]model.Credit{},
		txs:          map[string]*model.EscrowTransaction{},
		escalations:  map[string]model.Escalation{},
	}
}

// clone copies the maps. Stored values are never mutated in place, so
// nested slices and maps can be shared.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.campaigns {
		c.campaigns[k] = v
	}
	for k, v := range s.milestones {
		c.milestones[k] = v
	}
	for k, v := range s.donations {
		c.donations[k] = v
	}
	for k, v := range s.donationKeys {
		c.donationKeys[k] = v
	}
	for k, byDonor := range s.votes {
		m := make(map[string]model.Vote, len(byDonor))
		for d, v := range byDonor {
			m[d] = v
		}
		c.votes[k] = m
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.credits {
		c.credits[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	c.txOrder = append([]string(nil), s.txOrder...)
	for k, v := range s.escalations {
		c.escalations[k] = v
	}
	c.escOrder = append([]string(nil), s.escOrder...)
	return c
}

type memTx struct {
	st     *memState
	events []outbox.Event
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
}

func cloneMilestone(m model.Milestone) *model.Milestone {
	if m.Eligible != nil {
		eligible := make(map[string]int64, len(m.Eligible))
		for k, v := range m.Eligible {
			eligible[k] = v
		}
		m.Eligible = eligible
	}
	if m.Tally != nil {
		t := *m.Tally
		m.Tally = &t
	}
	if m.VotingStart != nil {
		v := *m.VotingStart
		m.VotingStart = &v
	}
	if m.VotingEnd != nil {
		v := *m.VotingEnd
		m.VotingEnd = &v
	}
	return &m
}

func (t *memTx) Campaign(_ context.Context, id string) (*model.Campaign, error) {
	c, ok := t.st.campaigns[id]
	if !ok {
		return nil, notFound("campaign", id)
	}
	return &c, nil
}

func (t *memTx) InsertCampaign(_ context.Context, c *model.Campaign) error {
	if _, ok := t.st.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s: %w", c.ID, model.ErrConflict)
	}
	t.st.campaigns[c.ID] = *c
	return nil
}

func (t *memTx) SaveCampaign(_ context.Context, c *model.Campaign) error {
	if _, ok := t.st.campaigns[c.ID]; !ok {
		return notFound("campaign", c.ID)
	}
	t.st.campaigns[c.ID] = *c
	return nil
}

func (t *memTx) Milestone(_ context.Context, id string) (*model.Milestone, error) {
	m, ok := t.st.milestones[id]
	if !ok {
		return nil, notFound("milestone", id)
	}
	return cloneMilestone(m), nil
}

func (t *memTx) InsertMilestone(_ context.Context, m *model.Milestone) error {
	if _, ok := t.st.milestones[m.ID]; ok {
		return fmt.Errorf("milestone %s: %w", m.ID, model.ErrConflict)
	}
	t.st.milestones[m.ID] = *cloneMilestone(*m)
	return nil
}

func (t *memTx) SaveMilestone(_ context.Context, m *model.Milestone) error {
	if _, ok := t.st.milestones[m.ID]; !ok {
		return notFound("milestone", m.ID)
	}
	t.st.milestones[m.ID] = *cloneMilestone(*m)
	return nil
}

func (t *memTx) MilestonesByCampaign(_ context.Context, campaignID string) ([]*model.Milestone, error) {
	var out []*model.Milestone
	for _, m := range t.st.milestones {
		if m.CampaignID == campaignID {
			out = append(out, cloneMilestone(m))
		}
	}
	sortMilestones(out)
	return out, nil
}

func (t *memTx) MilestonesByState(_ context.Context, state model.MilestoneState) ([]*model.Milestone, error) {
	var out []*model.Milestone
	for _, m := range t.st.milestones {
		if m.State == state {
			out = append(out, cloneMilestone(m))
		}
	}
	sortMilestones(out)
	return out, nil
}

func sortMilestones(ms []*model.Milestone) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CampaignID != ms[j].CampaignID {
			return ms[i].CampaignID < ms[j].CampaignID
		}
		return ms[i].Sequence < ms[j].Sequence
	})
}

func (t *memTx) InsertDonation(_ context.Context, d *model.Donation) error {
	if _, ok := t.st.donationKeys[d.IdempotencyKey]; ok {
		return fmt.Errorf("donation key %s: %w", d.IdempotencyKey, model.ErrConflict)
	}
	t.st.donations[d.ID] = *d
	t.st.donationKeys[d.IdempotencyKey] = d.ID
	return nil
}

func (t *memTx) DonationByKey(_ context.Context, key string) (*model.Donation, error) {
	id, ok := t.st.donationKeys[key]
	if !ok {
		return nil, notFound("donation key", key)
	}
	d := t.st.donations[id]
	return &d, nil
}

func (t *memTx) DonationsByCampaign(_ context.Context, campaignID string) ([]*model.Donation, error) {
	var out []*model.Donation
	for _, d := range t.st.donations {
		if d.CampaignID == campaignID {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) DonorTotals(_ context.Context, campaignID string) (map[string]int64, error) {
	totals := map[string]int64{}
	for _, d := range t.st.donations {
		if d.CampaignID == campaignID {
			totals[d.DonorID] += d.Amount
		}
	}
	return totals, nil
}

func (t *memTx) SaveVote(_ context.Context, v *model.Vote) error {
	byDonor, ok := t.st.votes[v.MilestoneID]
	if !ok {
		byDonor = map[string]model.Vote{}
		t.st.votes[v.MilestoneID] = byDonor
	}
	byDonor[v.DonorID] = *v
	return nil
}

func (t *memTx) Votes(_ context.Context, milestoneID string) ([]*model.Vote, error) {
	var out []*model.Vote
	for _, v := range t.st.votes[milestoneID] {
		v := v
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DonorID < out[j].DonorID })
	return out, nil
}

func (t *memTx) Wallet(_ context.Context, ownerID string) (*model.Wallet, error) {
	w, ok := t.st.wallets[ownerID]
	if !ok {
		return &model.Wallet{OwnerID: ownerID}, nil
	}
	return &w, nil
}

func (t *memTx) SaveWallet(_ context.Context, w *model.Wallet) error {
	if w.Balance < 0 {
		return fmt.Errorf("wallet %s: %w", w.OwnerID, model.ErrInsufficientBalance)
	}
	t.st.wallets[w.OwnerID] = *w
	return nil
}

func (t *memTx) Credit(_ context.Context, donorID string) (*model.Credit, error) {
	c, ok := t.st.credits[donorID]
	if !ok {
		return &model.Credit{DonorID: donorID}, nil
	}
	return &c, nil
}

func (t *memTx) SaveCredit(_ context.Context, c *model.Credit) error {
	if c.Balance < 0 {
		return fmt.Errorf("credit %s: %w", c.DonorID, model.ErrInsufficientBalance)
	}
	t.st.credits[c.DonorID] = *c
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, et *model.EscrowTransaction) error {
	if _, ok := t.st.txs[et.ID]; ok {
		return fmt.Errorf("transaction %s: %w", et.ID, model.ErrConflict)
	}
	for _, existing := range t.st.txs {
		if existing.IdempotencyKey == et.IdempotencyKey {
			return fmt.Errorf("idempotency key %s: %w", et.IdempotencyKey, model.ErrConflict)
		}
	}
	t.st.txs[et.ID] = et.Clone()
	t.st.txOrder = append(t.st.txOrder, et.ID)
	return nil
}

// UpdateTransaction refuses to touch the financial fields.
func (t *memTx) UpdateTransaction(_ context.Context, et *model.EscrowTransaction) error {
	existing, ok := t.st.txs[et.ID]
	if !ok {
		return notFound("transaction", et.ID)
	}
	if existing.Amount != et.Amount || existing.Type != et.Type ||
		existing.IdempotencyKey != et.IdempotencyKey || len(existing.Legs) != len(et.Legs) {
		return fmt.Errorf("transaction %s: financial fields are immutable: %w", et.ID, model.ErrConflict)
	}
	for i := range existing.Legs {
		if existing.Legs[i].Amount != et.Legs[i].Amount || existing.Legs[i].RecipientID != et.Legs[i].RecipientID {
			return fmt.Errorf("transaction %s: legs are immutable: %w", et.ID, model.ErrConflict)
		}
	}
	t.st.txs[et.ID] = et.Clone()
	return nil
}

func (t *memTx) Transaction(_ context.Context, id string) (*model.EscrowTransaction, error) {
	et, ok := t.st.txs[id]
	if !ok {
		return nil, notFound("transaction", id)
	}
	return et.Clone(), nil
}

func (t *memTx) TransactionsByMilestone(_ context.Context, milestoneID string) ([]*model.EscrowTransaction, error) {
	var out []*model.EscrowTransaction
	for _, id := range t.st.txOrder {
		if et := t.st.txs[id]; et.MilestoneID == milestoneID {
			out = append(out, et.Clone())
		}
	}
	return out, nil
}

func (t *memTx) DueTransactions(_ context.Context, now time.Time, limit int) ([]*model.EscrowTransaction, error) {
	var out []*model.EscrowTransaction
	for _, id := range t.st.txOrder {
		et := t.st.txs[id]
		if !et.Due(now) {
			continue
		}
		out = append(out, et.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) InsertEscalation(_ context.Context, e *model.Escalation) error {
	if _, ok := t.st.escalations[e.ID]; ok {
		return fmt.Errorf("escalation %s: %w", e.ID, model.ErrConflict)
	}
	t.st.escalations[e.ID] = *e
	t.st.escOrder = append(t.st.escOrder, e.ID)
	return nil
}

func (t *memTx) Escalation(_ context.Context, id string) (*model.Escalation, error) {
	e, ok := t.st.escalations[id]
	if !ok {
		return nil, notFound("escalation", id)
	}
	return &e, nil
}

func (t *memTx) SaveEscalation(_ context.Context, e *model.Escalation) error {
	if _, ok := t.st.escalations[e.ID]; !ok {
		return notFound("escalation", e.ID)
	}
	t.st.escalations[e.ID] = *e
	return nil
}

func (t *memTx) OpenEscalations(_ context.Context) ([]*model.Escalation, error) {
	var out []*model.Escalation
	for _, id := range t.st.escOrder {
		e := t.st.escalations[id]
		if e.Open() {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (t *memTx) Enqueue(_ context.Context, routingKey, aggregateType, aggregateID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	t.events = append(t.events, outbox.Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       body,
	})
	return nil
}

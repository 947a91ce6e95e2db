package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundescrow/internal/model"
	"fundescrow/migrations"
	"fundescrow/pkg/outbox"
)

// PostgresStore runs each unit of work in one database transaction. Rows
// read for update are locked with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, outbox: outbox.NewRepository(db)}
}

// Outbox is the event table the dispatcher drains.
func (s *PostgresStore) Outbox() *outbox.Repository { return s.outbox }

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema, err := migrations.Schema()
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx, outbox: s.outbox}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func wrapNotFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(kind, id)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

func wrapWrite(err error, kind, id string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s %s: %w", kind, id, model.ErrConflict)
		case "23514":
			return fmt.Errorf("%s %s: %w", kind, id, model.ErrInsufficientBalance)
		}
	}
	return fmt.Errorf("write %s %s: %w", kind, id, err)
}

func mustAffect(tag pgconn.CommandTag, kind, id string) error {
	if tag.RowsAffected() == 0 {
		return notFound(kind, id)
	}
	return nil
}

// campaigns

const campaignColumns = `id, campaigner_id, target_amount, pool_balance, total_donated,
	total_released, total_refunded, created_at, updated_at`

func (t *pgTx) Campaign(ctx context.Context, id string) (*model.Campaign, error) {
	var c model.Campaign
	err := t.tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(
		&c.ID, &c.CampaignerID, &c.TargetAmount, &c.PoolBalance, &c.TotalDonated,
		&c.TotalReleased, &c.TotalRefunded, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, wrapNotFound(err, "campaign", id)
	}
	return &c, nil
}

func (t *pgTx) InsertCampaign(ctx context.Context, c *model.Campaign) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.CampaignerID, c.TargetAmount, c.PoolBalance, c.TotalDonated,
		c.TotalReleased, c.TotalRefunded, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return wrapWrite(err, "campaign", c.ID)
	}
	return nil
}

func (t *pgTx) SaveCampaign(ctx context.Context, c *model.Campaign) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE campaigns
		SET pool_balance = $2, total_donated = $3, total_released = $4, total_refunded = $5, updated_at = $6
		WHERE id = $1
	`, c.ID, c.PoolBalance, c.TotalDonated, c.TotalReleased, c.TotalRefunded, c.UpdatedAt)
	if err != nil {
		return wrapWrite(err, "campaign", c.ID)
	}
	return mustAffect(tag, "campaign", c.ID)
}

// milestones

const milestoneColumns = `id, campaign_id, sequence, target_amount, description, state,
	voting_start, voting_end, eligible, tally, settlement_tx_id, settlement_attempts,
	created_at, updated_at`

func scanMilestone(row pgx.Row) (*model.Milestone, error) {
	var m model.Milestone
	var eligible, tally []byte
	var settlementTxID *string
	err := row.Scan(
		&m.ID, &m.CampaignID, &m.Sequence, &m.TargetAmount, &m.Description, &m.State,
		&m.VotingStart, &m.VotingEnd, &eligible, &tally, &settlementTxID, &m.SettlementAttempts,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(eligible) > 0 {
		if err := json.Unmarshal(eligible, &m.Eligible); err != nil {
			return nil, fmt.Errorf("decode eligible: %w", err)
		}
	}
	if len(tally) > 0 && string(tally) != "null" {
		m.Tally = &model.TallySnapshot{}
		if err := json.Unmarshal(tally, m.Tally); err != nil {
			return nil, fmt.Errorf("decode tally: %w", err)
		}
	}
	if settlementTxID != nil {
		m.SettlementTxID = *settlementTxID
	}
	return &m, nil
}

func milestoneArgs(m *model.Milestone) ([]any, error) {
	var eligible, tally []byte
	var err error
	if m.Eligible != nil {
		if eligible, err = json.Marshal(m.Eligible); err != nil {
			return nil, err
		}
	}
	if m.Tally != nil {
		if tally, err = json.Marshal(m.Tally); err != nil {
			return nil, err
		}
	}
	var settlementTxID *string
	if m.SettlementTxID != "" {
		settlementTxID = &m.SettlementTxID
	}
	return []any{
		m.ID, m.CampaignID, m.Sequence, m.TargetAmount, m.Description, string(m.State),
		m.VotingStart, m.VotingEnd, eligible, tally, settlementTxID, m.SettlementAttempts,
		m.CreatedAt, m.UpdatedAt,
	}, nil
}

func (t *pgTx) queryMilestones(ctx context.Context, query string, args ...any) ([]*model.Milestone, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()

	var out []*model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *pgTx) Milestone(ctx context.Context, id string) (*model.Milestone, error) {
	m, err := scanMilestone(t.tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapNotFound(err, "milestone", id)
	}
	return m, nil
}

func (t *pgTx) InsertMilestone(ctx context.Context, m *model.Milestone) error {
	args, err := milestoneArgs(m)
	if err != nil {
		return fmt.Errorf("encode milestone %s: %w", m.ID, err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, args...)
	if err != nil {
		return wrapWrite(err, "milestone", m.ID)
	}
	return nil
}

func (t *pgTx) SaveMilestone(ctx context.Context, m *model.Milestone) error {
	args, err := milestoneArgs(m)
	if err != nil {
		return fmt.Errorf("encode milestone %s: %w", m.ID, err)
	}
	// campaign, sequence and created_at never change
	tag, err := t.tx.Exec(ctx, `
		UPDATE milestones
		SET target_amount = $2, description = $3, state = $4, voting_start = $5, voting_end = $6,
		    eligible = $7, tally = $8, settlement_tx_id = $9, settlement_attempts = $10, updated_at = $11
		WHERE id = $1
	`, args[0], args[3], args[4], args[5], args[6], args[7], args[8], args[9], args[10], args[11], args[13])
	if err != nil {
		return wrapWrite(err, "milestone", m.ID)
	}
	return mustAffect(tag, "milestone", m.ID)
}

func (t *pgTx) MilestonesByCampaign(ctx context.Context, campaignID string) ([]*model.Milestone, error) {
	return t.queryMilestones(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE campaign_id = $1 ORDER BY sequence`, campaignID)
}

func (t *pgTx) MilestonesByState(ctx context.Context, state model.MilestoneState) ([]*model.Milestone, error) {
	return t.queryMilestones(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE state = $1 ORDER BY campaign_id, sequence`, string(state))
}

// donations

func (t *pgTx) InsertDonation(ctx context.Context, d *model.Donation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO donations (id, donor_id, campaign_id, amount, gateway_ref, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.DonorID, d.CampaignID, d.Amount, d.GatewayRef, d.IdempotencyKey, d.CreatedAt)
	if err != nil {
		return wrapWrite(err, "donation", d.ID)
	}
	return nil
}

func (t *pgTx) DonationByKey(ctx context.Context, key string) (*model.Donation, error) {
	var d model.Donation
	err := t.tx.QueryRow(ctx, `
		SELECT id, donor_id, campaign_id, amount, gateway_ref, idempotency_key, created_at
		FROM donations WHERE idempotency_key = $1
	`, key).Scan(&d.ID, &d.DonorID, &d.CampaignID, &d.Amount, &d.GatewayRef, &d.IdempotencyKey, &d.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "donation key", key)
	}
	return &d, nil
}

func (t *pgTx) DonationsByCampaign(ctx context.Context, campaignID string) ([]*model.Donation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, donor_id, campaign_id, amount, gateway_ref, idempotency_key, created_at
		FROM donations WHERE campaign_id = $1 ORDER BY created_at, id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query donations: %w", err)
	}
	defer rows.Close()

	var out []*model.Donation
	for rows.Next() {
		var d model.Donation
		if err := rows.Scan(&d.ID, &d.DonorID, &d.CampaignID, &d.Amount, &d.GatewayRef, &d.IdempotencyKey, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan donation: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (t *pgTx) DonorTotals(ctx context.Context, campaignID string) (map[string]int64, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT donor_id, SUM(amount)::BIGINT FROM donations WHERE campaign_id = $1 GROUP BY donor_id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query donor totals: %w", err)
	}
	defer rows.Close()

	totals := map[string]int64{}
	for rows.Next() {
		var donor string
		var sum int64
		if err := rows.Scan(&donor, &sum); err != nil {
			return nil, fmt.Errorf("scan donor total: %w", err)
		}
		totals[donor] = sum
	}
	return totals, rows.Err()
}

// votes

func (t *pgTx) SaveVote(ctx context.Context, v *model.Vote) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO votes (milestone_id, donor_id, vote_type, weight, comment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (milestone_id, donor_id) DO UPDATE
		SET vote_type = EXCLUDED.vote_type, weight = EXCLUDED.weight,
		    comment = EXCLUDED.comment, updated_at = EXCLUDED.updated_at
	`, v.MilestoneID, v.DonorID, string(v.Type), v.Weight, v.Comment, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return wrapWrite(err, "vote", v.MilestoneID+"/"+v.DonorID)
	}
	return nil
}

func (t *pgTx) Votes(ctx context.Context, milestoneID string) ([]*model.Vote, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT milestone_id, donor_id, vote_type, weight, comment, created_at, updated_at
		FROM votes WHERE milestone_id = $1 ORDER BY donor_id
	`, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()

	var out []*model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.MilestoneID, &v.DonorID, &v.Type, &v.Weight, &v.Comment, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// wallets and credits

// Wallet creates a zero row when the owner has none, so FOR UPDATE always
// has a row to lock and a concurrent first credit waits instead of racing.
func (t *pgTx) Wallet(ctx context.Context, ownerID string) (*model.Wallet, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO wallets (owner_id, balance, updated_at) VALUES ($1, 0, now())
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID); err != nil {
		return nil, fmt.Errorf("ensure wallet %s: %w", ownerID, err)
	}
	w := model.Wallet{OwnerID: ownerID}
	err := t.tx.QueryRow(ctx, `SELECT balance, updated_at FROM wallets WHERE owner_id = $1 FOR UPDATE`, ownerID).
		Scan(&w.Balance, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load wallet %s: %w", ownerID, err)
	}
	return &w, nil
}

func (t *pgTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wallets (owner_id, balance, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at
	`, w.OwnerID, w.Balance, w.UpdatedAt)
	if err != nil {
		return wrapWrite(err, "wallet", w.OwnerID)
	}
	return nil
}

// Credit creates a zero row on first use, same as Wallet.
func (t *pgTx) Credit(ctx context.Context, donorID string) (*model.Credit, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO credits (donor_id, balance, updated_at) VALUES ($1, 0, now())
		ON CONFLICT (donor_id) DO NOTHING
	`, donorID); err != nil {
		return nil, fmt.Errorf("ensure credit %s: %w", donorID, err)
	}
	c := model.Credit{DonorID: donorID}
	err := t.tx.QueryRow(ctx, `SELECT balance, updated_at FROM credits WHERE donor_id = $1 FOR UPDATE`, donorID).
		Scan(&c.Balance, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load credit %s: %w", donorID, err)
	}
	return &c, nil
}

func (t *pgTx) SaveCredit(ctx context.Context, c *model.Credit) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credits (donor_id, balance, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (donor_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at
	`, c.DonorID, c.Balance, c.UpdatedAt)
	if err != nil {
		return wrapWrite(err, "credit", c.DonorID)
	}
	return nil
}

// escrow transactions

const txColumns = `id, milestone_id, campaign_id, tx_type, amount, legs, idempotency_key, attempt,
	outcome, retry_count, next_retry_at, last_error, escalated, created_at, updated_at`

func scanTransaction(row pgx.Row) (*model.EscrowTransaction, error) {
	var et model.EscrowTransaction
	var legs []byte
	err := row.Scan(
		&et.ID, &et.MilestoneID, &et.CampaignID, &et.Type, &et.Amount, &legs, &et.IdempotencyKey, &et.Attempt,
		&et.Outcome, &et.RetryCount, &et.NextRetryAt, &et.LastError, &et.Escalated, &et.CreatedAt, &et.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(legs, &et.Legs); err != nil {
		return nil, fmt.Errorf("decode legs: %w", err)
	}
	return &et, nil
}

func (t *pgTx) queryTransactions(ctx context.Context, query string, args ...any) ([]*model.EscrowTransaction, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*model.EscrowTransaction
	for rows.Next() {
		et, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, et)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTransaction(ctx context.Context, et *model.EscrowTransaction) error {
	legs, err := json.Marshal(et.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO escrow_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, et.ID, et.MilestoneID, et.CampaignID, string(et.Type), et.Amount, legs, et.IdempotencyKey, et.Attempt,
		string(et.Outcome), et.RetryCount, et.NextRetryAt, et.LastError, et.Escalated, et.CreatedAt, et.UpdatedAt)
	if err != nil {
		return wrapWrite(err, "transaction", et.ID)
	}
	return nil
}

// UpdateTransaction writes leg status and retry bookkeeping. Amount, type,
// key and leg amounts are guarded in the WHERE clause.
func (t *pgTx) UpdateTransaction(ctx context.Context, et *model.EscrowTransaction) error {
	legs, err := json.Marshal(et.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrow_transactions
		SET legs = $2, outcome = $3, retry_count = $4, next_retry_at = $5, last_error = $6,
		    escalated = $7, updated_at = $8
		WHERE id = $1 AND amount = $9 AND tx_type = $10 AND idempotency_key = $11
		  AND (SELECT array_agg((l->>'amount')::BIGINT) FROM jsonb_array_elements(legs) l)
		    = (SELECT array_agg((l->>'amount')::BIGINT) FROM jsonb_array_elements($2::JSONB) l)
	`, et.ID, legs, string(et.Outcome), et.RetryCount, et.NextRetryAt, et.LastError,
		et.Escalated, et.UpdatedAt, et.Amount, string(et.Type), et.IdempotencyKey)
	if err != nil {
		return wrapWrite(err, "transaction", et.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: missing or financial fields changed: %w", et.ID, model.ErrConflict)
	}
	return nil
}

func (t *pgTx) Transaction(ctx context.Context, id string) (*model.EscrowTransaction, error) {
	et, err := scanTransaction(t.tx.QueryRow(ctx, `SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapNotFound(err, "transaction", id)
	}
	return et, nil
}

func (t *pgTx) TransactionsByMilestone(ctx context.Context, milestoneID string) ([]*model.EscrowTransaction, error) {
	return t.queryTransactions(ctx, `SELECT `+txColumns+` FROM escrow_transactions WHERE milestone_id = $1 ORDER BY attempt`, milestoneID)
}

func (t *pgTx) DueTransactions(ctx context.Context, now time.Time, limit int) ([]*model.EscrowTransaction, error) {
	return t.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE outcome IN ('PENDING', 'PENDING_RETRY') AND NOT escalated
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at, id
		LIMIT $2
	`, now, limit)
}

// escalations

const escalationColumns = `id, milestone_id, transaction_id, reason, created_at, resolved_at, resolved_by`

func scanEscalation(row pgx.Row) (*model.Escalation, error) {
	var e model.Escalation
	var txID *string
	if err := row.Scan(&e.ID, &e.MilestoneID, &txID, &e.Reason, &e.CreatedAt, &e.ResolvedAt, &e.ResolvedBy); err != nil {
		return nil, err
	}
	if txID != nil {
		e.TransactionID = *txID
	}
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *pgTx) InsertEscalation(ctx context.Context, e *model.Escalation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escalations (`+escalationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.MilestoneID, nullable(e.TransactionID), e.Reason, e.CreatedAt, e.ResolvedAt, e.ResolvedBy)
	if err != nil {
		return wrapWrite(err, "escalation", e.ID)
	}
	return nil
}

func (t *pgTx) Escalation(ctx context.Context, id string) (*model.Escalation, error) {
	e, err := scanEscalation(t.tx.QueryRow(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapNotFound(err, "escalation", id)
	}
	return e, nil
}

func (t *pgTx) SaveEscalation(ctx context.Context, e *model.Escalation) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escalations SET resolved_at = $2, resolved_by = $3 WHERE id = $1
	`, e.ID, e.ResolvedAt, e.ResolvedBy)
	if err != nil {
		return wrapWrite(err, "escalation", e.ID)
	}
	return mustAffect(tag, "escalation", e.ID)
}

func (t *pgTx) OpenEscalations(ctx context.Context) ([]*model.Escalation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+escalationColumns+` FROM escalations WHERE resolved_at IS NULL ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []*model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) Enqueue(ctx context.Context, routingKey, aggregateType, aggregateID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	return t.outbox.InsertEvent(ctx, t.tx, &outbox.Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       body,
	})
}

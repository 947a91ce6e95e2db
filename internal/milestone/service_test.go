package milestone

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundescrow/contracts/mq"
	"fundescrow/internal/escrow"
	"fundescrow/internal/gateway"
	"fundescrow/internal/locker"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
)

var (
	t0         = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	admin      = model.Identity{UserID: "root", Role: model.RoleAdmin}
	campaigner = model.Identity{UserID: "alice", Role: model.RoleCampaigner}
)

func donor(id string) model.Identity { return model.Identity{UserID: id, Role: model.RoleDonor} }

type env struct {
	store *repository.MemoryStore
	gw    *gateway.Simulated
	svc   *Service
	now   time.Time
}

func newEnv(t *testing.T, mutate ...func(*Config)) *env {
	t.Helper()
	e := &env{
		store: repository.NewMemoryStore(),
		gw:    gateway.NewSimulated(gateway.SimulatedConfig{SuccessProbability: 1, Seed: 3}),
		now:   t0,
	}
	clock := func() time.Time { return e.now }
	locks := locker.New()
	ctl := escrow.NewController(e.store, e.gw, locks, escrow.DefaultConfig(), zap.NewNop()).WithClock(clock)
	cfg := DefaultConfig()
	cfg.VotingWindow = time.Hour
	for _, fn := range mutate {
		fn(&cfg)
	}
	e.svc = NewService(e.store, locks, ctl, cfg, zap.NewNop()).WithClock(clock)
	return e
}

// fund records donations straight into the store.
func (e *env) fund(t *testing.T, campaignID string, donations map[string]int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.Atomic(ctx, func(tx repository.Tx) error {
		c, err := tx.Campaign(ctx, campaignID)
		if err != nil {
			return err
		}
		for d, amount := range donations {
			if err := tx.InsertDonation(ctx, &model.Donation{
				ID: fmt.Sprintf("don-%s-%d", d, amount), DonorID: d, CampaignID: campaignID,
				Amount: amount, GatewayRef: fmt.Sprintf("ch-%s-%d", d, amount),
				IdempotencyKey: fmt.Sprintf("key-%s-%s-%d", campaignID, d, amount), CreatedAt: e.now,
			}); err != nil {
				return err
			}
			c.PoolBalance += amount
			c.TotalDonated += amount
		}
		return tx.SaveCampaign(ctx, c)
	}))
}

// voting registers a funded campaign and opens voting on a milestone of
// amount.
func (e *env) voting(t *testing.T, amount int64, donations map[string]int64) (*model.Campaign, *model.Milestone) {
	t.Helper()
	ctx := context.Background()
	c, err := e.svc.RegisterCampaign(ctx, admin, "alice", 10_000)
	require.NoError(t, err)
	e.fund(t, c.ID, donations)

	m, err := e.svc.CreateDraft(ctx, campaigner, c.ID, amount, "prototype")
	require.NoError(t, err)
	_, err = e.svc.Submit(ctx, campaigner, m.ID)
	require.NoError(t, err)
	m, err = e.svc.OpenVoting(ctx, campaigner, m.ID)
	require.NoError(t, err)
	return c, m
}

func (e *env) balance(t *testing.T, owner string) int64 {
	t.Helper()
	var w *model.Wallet
	ctx := context.Background()
	require.NoError(t, e.store.Atomic(ctx, func(tx repository.Tx) error {
		var err error
		w, err = tx.Wallet(ctx, owner)
		return err
	}))
	return w.Balance
}

func TestLifecycleApproveAndRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, m := e.voting(t, 800, map[string]int64{"d1": 600, "d2": 400})

	assert.Equal(t, model.StateVoting, m.State)
	assert.Equal(t, map[string]int64{"d1": 600, "d2": 400}, m.Eligible)
	assert.Equal(t, t0.Add(time.Hour), *m.VotingEnd)

	_, err := e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteApprove, "looks good")
	require.NoError(t, err)
	_, err = e.svc.CastVote(ctx, donor("d2"), m.ID, model.VoteReject, "")
	require.NoError(t, err)

	// window still open: sweeping is a no-op
	stats, err := e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Closed)

	e.now = t0.Add(time.Hour)
	stats, err = e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Closed)

	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReleased, got.State)
	require.NotNil(t, got.Tally)
	assert.Equal(t, model.ReasonApproved, got.Tally.Reason)
	assert.Equal(t, int64(600), got.Tally.ApproveWeight)
	assert.NotEmpty(t, got.SettlementTxID)

	assert.Equal(t, int64(800), e.balance(t, "alice"))
	camp, err := e.svc.Campaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), camp.PoolBalance)

	var keys []string
	for _, ev := range e.store.Outbox().Events() {
		keys = append(keys, ev.RoutingKey)
	}
	assert.Equal(t, []string{mq.RoutingMilestoneDecided, mq.RoutingMilestoneSettled}, keys)

	// a later sweep changes nothing
	stats, err = e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, stats)
	assert.Equal(t, int64(800), e.balance(t, "alice"))
}

func TestRecastReplacesVote(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, m := e.voting(t, 50, map[string]int64{"d1": 100, "d2": 100})

	_, err := e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteApprove, "")
	require.NoError(t, err)
	e.now = e.now.Add(time.Minute)
	v, err := e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteReject, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, t0, v.CreatedAt)

	r, err := e.svc.Tally(ctx, m.ID)
	require.NoError(t, err)
	assert.Zero(t, r.ApproveWeight)
	assert.Equal(t, int64(100), r.RejectWeight)
	assert.Equal(t, 1, r.VoterCount)
}

func TestTieIsRejectedAndRefunded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, m := e.voting(t, 100, map[string]int64{"d1": 100, "d2": 100})

	_, err := e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteApprove, "")
	require.NoError(t, err)
	_, err = e.svc.CastVote(ctx, donor("d2"), m.ID, model.VoteReject, "")
	require.NoError(t, err)

	e.now = t0.Add(2 * time.Hour)
	got, err := e.svc.Close(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRefunded, got.State)
	assert.Equal(t, model.StateRejected, got.Tally.Decision)
	assert.Equal(t, model.ReasonTieRejected, got.Tally.Reason)
	assert.Equal(t, int64(50), e.balance(t, "d1"))
	assert.Equal(t, int64(50), e.balance(t, "d2"))
}

func TestQuorumNotMet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, m := e.voting(t, 100, map[string]int64{"d1": 300, "d2": 700})

	_, err := e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteApprove, "")
	require.NoError(t, err)

	e.now = t0.Add(time.Hour)
	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonQuorumNotMet, got.Tally.Reason)
	assert.False(t, got.Tally.QuorumMet)
	assert.Equal(t, model.StateRefunded, got.State)
	assert.Equal(t, int64(30), e.balance(t, "d1"))
	assert.Equal(t, int64(70), e.balance(t, "d2"))
}

func TestCastVoteRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, m := e.voting(t, 100, map[string]int64{"d1": 100, "d2": 100})

	_, err := e.svc.CastVote(ctx, donor("stranger"), m.ID, model.VoteApprove, "")
	assert.ErrorIs(t, err, model.ErrNotEligible)

	_, err = e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteType("MAYBE"), "")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = e.svc.CastVote(ctx, campaigner, m.ID, model.VoteApprove, "")
	assert.ErrorIs(t, err, model.ErrForbidden)

	// the late vote closes the window
	e.now = t0.Add(time.Hour)
	_, err = e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteApprove, "")
	assert.ErrorIs(t, err, model.ErrVotingClosed)

	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRefunded, got.State)

	_, err = e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteApprove, "")
	assert.ErrorIs(t, err, model.ErrVotingClosed)
}

func TestDonationsAfterOpenDoNotChangeWeights(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, m := e.voting(t, 100, map[string]int64{"d1": 100})

	e.fund(t, c.ID, map[string]int64{"d2": 5000, "d1": 900})

	_, err := e.svc.CastVote(ctx, donor("d2"), m.ID, model.VoteApprove, "")
	assert.ErrorIs(t, err, model.ErrNotEligible)
	v, err := e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteApprove, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), v.Weight)
}

func TestOpenVotingGuards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, first := e.voting(t, 100, map[string]int64{"d1": 500})

	second, err := e.svc.CreateDraft(ctx, campaigner, c.ID, 100, "second")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Sequence)
	_, err = e.svc.Submit(ctx, campaigner, second.ID)
	require.NoError(t, err)

	_, err = e.svc.OpenVoting(ctx, campaigner, second.ID)
	assert.ErrorIs(t, err, model.ErrConflict)

	// once the first is settled the second can open
	e.now = t0.Add(time.Hour)
	_, err = e.svc.Close(ctx, first.ID)
	require.NoError(t, err)
	m, err := e.svc.OpenVoting(ctx, campaigner, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateVoting, m.State)

	third, err := e.svc.CreateDraft(ctx, campaigner, c.ID, 1_000_000, "too big")
	require.NoError(t, err)
	_, err = e.svc.OpenVoting(ctx, campaigner, third.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	_, err = e.svc.Submit(ctx, campaigner, third.ID)
	require.NoError(t, err)
	_, err = e.svc.OpenVoting(ctx, campaigner, third.ID)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
}

func TestDraftEditing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, err := e.svc.RegisterCampaign(ctx, admin, "alice", 1000)
	require.NoError(t, err)

	_, err = e.svc.RegisterCampaign(ctx, campaigner, "alice", 1000)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = e.svc.CreateDraft(ctx, campaigner, c.ID, 0, "x")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = e.svc.CreateDraft(ctx, campaigner, c.ID, 10, "  ")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = e.svc.CreateDraft(ctx, model.Identity{UserID: "bob", Role: model.RoleCampaigner}, c.ID, 10, "x")
	assert.ErrorIs(t, err, model.ErrForbidden)

	m, err := e.svc.CreateDraft(ctx, campaigner, c.ID, 10, "x")
	require.NoError(t, err)
	m, err = e.svc.UpdateDraft(ctx, campaigner, m.ID, 25, "tooling")
	require.NoError(t, err)
	assert.Equal(t, int64(25), m.TargetAmount)

	m, err = e.svc.Discard(ctx, campaigner, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDiscarded, m.State)

	_, err = e.svc.Submit(ctx, campaigner, m.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	_, err = e.svc.UpdateDraft(ctx, campaigner, m.ID, 30, "again")
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	list, err := e.svc.ListByCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEarlyClose(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.EarlyClose = true })
	ctx := context.Background()
	_, m := e.voting(t, 100, map[string]int64{"d1": 700, "d2": 200, "d3": 100})

	_, err := e.svc.CastVote(ctx, donor("d1"), m.ID, model.VoteApprove, "")
	require.NoError(t, err)

	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReleased, got.State)
	assert.True(t, got.Tally.Early)
	assert.Equal(t, int64(100), e.balance(t, "alice"))

	_, err = e.svc.CastVote(ctx, donor("d2"), m.ID, model.VoteReject, "")
	assert.ErrorIs(t, err, model.ErrVotingClosed)
}

func TestConcurrentVotesMatchFrozenTally(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.EarlyClose = true })
	ctx := context.Background()
	donations := map[string]int64{}
	for i := 0; i < 20; i++ {
		donations[fmt.Sprintf("d%02d", i)] = 10
	}
	_, m := e.voting(t, 100, donations)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for d := range donations {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.svc.CastVote(ctx, donor(id), m.ID, model.VoteApprove, "")
			if err != nil {
				assert.ErrorIs(t, err, model.ErrVotingClosed)
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}(d)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.svc.Close(ctx, m.ID)
		}()
	}
	wg.Wait()

	got, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Tally)
	assert.True(t, got.Tally.Early)
	assert.Equal(t, model.StateReleased, got.State)
	assert.Equal(t, accepted, got.Tally.VoterCount)
	assert.Equal(t, int64(accepted)*10, got.Tally.ApproveWeight)
	assert.Less(t, accepted, len(donations))

	_, err = e.svc.Close(ctx, m.ID)
	assert.Error(t, err)
	after, err := e.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, *got.Tally, *after.Tally)
}

func TestCloseBeforeWindowEnds(t *testing.T) {
	e := newEnv(t)
	_, m := e.voting(t, 100, map[string]int64{"d1": 100})

	_, err := e.svc.Close(context.Background(), m.ID)
	assert.ErrorIs(t, err, model.ErrConflict)
}

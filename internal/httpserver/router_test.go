package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundescrow/internal/donation"
	"fundescrow/internal/escrow"
	"fundescrow/internal/gateway"
	"fundescrow/internal/handler"
	"fundescrow/internal/ledger"
	"fundescrow/internal/locker"
	"fundescrow/internal/milestone"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
	"fundescrow/internal/util"
	"fundescrow/pkg/outbox"
)

const secret = "test-secret"

type nopPublisher struct{}

func (nopPublisher) PublishWithContext(context.Context, string, any) error { return nil }

type server struct {
	router *Router
	now    time.Time
}

func newServer(t *testing.T, checks map[string]ReadinessCheck) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &server{now: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return s.now }
	log := zap.NewNop()

	store := repository.NewMemoryStore()
	locks := locker.New()
	gw := gateway.NewSimulated(gateway.SimulatedConfig{SuccessProbability: 1, Seed: 5})
	ctl := escrow.NewController(store, gw, locks, escrow.DefaultConfig(), log).WithClock(clock)
	cfg := milestone.DefaultConfig()
	cfg.VotingWindow = time.Hour
	ms := milestone.NewService(store, locks, ctl, cfg, log).WithClock(clock)
	ds := donation.NewService(store, gw, locks, log).WithClock(clock)
	ls := ledger.NewService(store, locks, log).WithClock(clock)

	s.router = NewRouter(Handlers{
		Campaign:  handler.NewCampaignHandler(ms, ds, log),
		Milestone: handler.NewMilestoneHandler(ms, ctl, log),
		Account:   handler.NewAccountHandler(ls, log),
		Admin:     handler.NewAdminHandler(ctl, outbox.NewReplayService(store.Outbox(), nopPublisher{}), log),
	}, secret, checks)
	return s
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := util.GenerateJWT(model.Identity{UserID: userID, Role: role}, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, tok string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.Engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestEscrowFlowOverHTTP(t *testing.T) {
	s := newServer(t, nil)
	admin := token(t, "root", model.RoleAdmin)
	alice := token(t, "alice", model.RoleCampaigner)
	d1 := token(t, "d1", model.RoleDonor)
	d2 := token(t, "d2", model.RoleDonor)
	card := gateway.PaymentMethod{Type: "card", Token: "tok"}

	w := s.do(t, http.MethodPost, "/campaigns", admin, gin.H{"campaigner_id": "alice", "target_amount": 5000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var camp model.Campaign
	decode(t, w, &camp)

	w = s.do(t, http.MethodPost, "/campaigns/"+camp.ID+"/donations", d1, gin.H{"amount": 600, "method": card}, "Idempotency-Key", "d1-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/campaigns/"+camp.ID+"/donations", d2, gin.H{"amount": 400, "method": card}, "Idempotency-Key", "d2-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/campaigns/"+camp.ID+"/donations", d2, gin.H{"amount": 400, "method": card})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/campaigns/"+camp.ID+"/milestones", alice, gin.H{"target_amount": 1000, "description": "first batch"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var m model.Milestone
	decode(t, w, &m)

	w = s.do(t, http.MethodPost, "/milestones/"+m.ID+"/voting", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = s.do(t, http.MethodPost, "/milestones/"+m.ID+"/submit", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/milestones/"+m.ID+"/voting", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/milestones/"+m.ID+"/votes", d1, gin.H{"type": "APPROVE"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/milestones/"+m.ID+"/votes", d2, gin.H{"type": "REJECT", "comment": "too early"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/milestones/"+m.ID+"/votes", token(t, "d3", model.RoleDonor), gin.H{"type": "APPROVE"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/milestones/"+m.ID+"/tally", d1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tally map[string]any
	decode(t, w, &tally)
	assert.EqualValues(t, 600, tally["approve_weight"])
	assert.EqualValues(t, 400, tally["reject_weight"])

	w = s.do(t, http.MethodPost, "/milestones/"+m.ID+"/close", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	s.now = s.now.Add(time.Hour)
	w = s.do(t, http.MethodGet, "/milestones/"+m.ID, d1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &m)
	assert.Equal(t, model.StateReleased, m.State)

	w = s.do(t, http.MethodGet, "/wallet", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wallet model.Wallet
	decode(t, w, &wallet)
	assert.Equal(t, int64(1000), wallet.Balance)

	w = s.do(t, http.MethodPost, "/wallet/withdraw", alice, gin.H{"amount": 5000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = s.do(t, http.MethodPost, "/wallet/withdraw", alice, gin.H{"amount": 300})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &wallet)
	assert.Equal(t, int64(700), wallet.Balance)

	w = s.do(t, http.MethodGet, "/credit", d2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var credit model.Credit
	decode(t, w, &credit)
	assert.Equal(t, escrow.DefaultConfig().Credit.Fixed, credit.Balance)

	w = s.do(t, http.MethodGet, "/wallet?owner=alice", d1, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, http.MethodGet, "/wallet?owner=alice", admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/milestones/"+m.ID+"/transactions", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs struct {
		Transactions []model.EscrowTransaction `json:"transactions"`
	}
	decode(t, w, &txs)
	require.Len(t, txs.Transactions, 1)
	assert.Equal(t, model.OutcomeSuccess, txs.Transactions[0].Outcome)

	// resuming a finished transaction reports it without moving funds again
	resume := "/admin/transactions/" + txs.Transactions[0].ID + "/resume"
	w = s.do(t, http.MethodPost, resume, d1, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, http.MethodPost, resume, admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resumed struct {
		Transaction model.EscrowTransaction `json:"transaction"`
	}
	decode(t, w, &resumed)
	assert.Equal(t, model.OutcomeSuccess, resumed.Transaction.Outcome)
	w = s.do(t, http.MethodGet, "/wallet", alice, nil)
	decode(t, w, &wallet)
	assert.Equal(t, int64(700), wallet.Balance)
}

func TestAuthAndAdminGuards(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(t, http.MethodGet, "/wallet", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodGet, "/wallet", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/admin/escalations", token(t, "d1", model.RoleDonor), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, http.MethodGet, "/admin/escalations", token(t, "root", model.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/admin/outbox/replay?id=77", token(t, "root", model.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/admin/outbox/replay?id=x", token(t, "root", model.RoleAdmin), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/milestones/nope", token(t, "d1", model.RoleDonor), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/admin/transactions/nope/resume", token(t, "root", model.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newServer(t, map[string]ReadinessCheck{
		"db": func(context.Context) error { return errors.New("down") },
	})

	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	w = s.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db_not_ready")

	w = s.do(t, http.MethodGet, "/healthz", "", nil, "X-Trace-ID", "abc123")
	assert.Equal(t, "abc123", w.Header().Get("X-Trace-ID"))

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundescrow/internal/locker"
	"fundescrow/internal/model"
	"fundescrow/internal/repository"
)

func newService() *Service {
	return NewService(repository.NewMemoryStore(), locker.New(), zap.NewNop()).
		WithClock(func() time.Time { return now })
}

func TestWalletCreditAndDebit(t *testing.T) {
	ctx := context.Background()
	s := newService()

	w, err := s.Wallet(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)

	_, err = s.CreditWallet(ctx, "alice", 700)
	require.NoError(t, err)

	_, err = s.DebitWallet(ctx, "alice", 800)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	w, err = s.DebitWallet(ctx, "alice", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)
}

func TestCreditRedeem(t *testing.T) {
	ctx := context.Background()
	s := newService()

	_, err := s.AccrueCredit(ctx, "dan", 10)
	require.NoError(t, err)
	_, err = s.RedeemCredit(ctx, "dan", 11)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	c, err := s.RedeemCredit(ctx, "dan", 10)
	require.NoError(t, err)
	assert.Zero(t, c.Balance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := newService()
	_, err := s.CreditWallet(ctx, "alice", 1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DebitWallet(ctx, "alice", 100); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	w, err := s.Wallet(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)
}

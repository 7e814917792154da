package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/billing"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/db"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/events"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/migrate"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

func newSettlement(t *testing.T) billing.Settlement {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return billing.Settlement{Repo: repo.Repo{DB: conn}, Events: events.Writer{Now: now}, Now: now}
}

func charge(ctx context.Context, s billing.Settlement, userID, taskID string, amount int64) (string, error) {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := s.Charge(ctx, tx, userID, taskID, amount)
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

func refund(ctx context.Context, s billing.Settlement, userID, taskID string, amount int64) (string, error) {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := s.Refund(ctx, tx, userID, taskID, amount, "render failed")
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

func TestChargeAndRefundOnce(t *testing.T) {
	s := newSettlement(t)
	ctx := context.Background()
	_, err := s.Adjust(ctx, "admin", "alice", domain.TransactionEarn, 100, "welcome")
	require.NoError(t, err)

	_, err = charge(ctx, s, "alice", "task-1", 40)
	require.NoError(t, err)
	_, err = charge(ctx, s, "alice", "task-1", 40)
	assert.ErrorIs(t, err, billing.ErrAlreadyCharged)

	first, err := refund(ctx, s, "alice", "task-1", 40)
	require.NoError(t, err)
	second, err := refund(ctx, s, "alice", "task-1", 40)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	bal, err := s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 100, bal)

	ledger, err := s.Ledger(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	assert.Equal(t, domain.TransactionSpend, ledger[1].Type)
	assert.Equal(t, domain.ReasonTaskRefund, ledger[2].Reason)
	assert.EqualValues(t, 100, ledger[2].BalanceAfter)

	recent, err := s.Ledger(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, ledger[1:], recent, "a limited ledger keeps the newest entries in order")
}

func TestChargeRejectsInsufficientCredit(t *testing.T) {
	s := newSettlement(t)
	ctx := context.Background()
	_, err := s.Adjust(ctx, "admin", "bob", domain.TransactionEarn, 5, "")
	require.NoError(t, err)

	_, err = charge(ctx, s, "bob", "task-1", 20)
	assert.ErrorIs(t, err, billing.ErrInsufficientCredit)

	ledger, err := s.Ledger(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)

	_, err = s.Adjust(ctx, "admin", "bob", domain.TransactionSpend, 6, "")
	assert.ErrorIs(t, err, billing.ErrInsufficientCredit)
}

func TestConcurrentChargesNeverOverdraw(t *testing.T) {
	s := newSettlement(t)
	ctx := context.Background()
	_, err := s.Adjust(ctx, "admin", "carol", domain.TransactionEarn, 50, "")
	require.NoError(t, err)

	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, short := 0, 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := charge(ctx, s, "carol", fmt.Sprintf("task-%d", i), 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, billing.ErrInsufficientCredit):
				short++
			default:
				t.Errorf("unexpected charge error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 5, short)
	bal, err := s.Balance(ctx, "carol")
	require.NoError(t, err)
	assert.Zero(t, bal)

	mismatches, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestVerifyDetectsDirectBalanceWrite(t *testing.T) {
	s := newSettlement(t)
	ctx := context.Background()
	_, err := s.Adjust(ctx, "admin", "dave", domain.TransactionEarn, 30, "")
	require.NoError(t, err)

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = s.Repo.CreditBalance(ctx, tx, "dave", 7)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	mismatches, err := s.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "dave", mismatches[0].UserID)
	assert.EqualValues(t, 37, mismatches[0].Balance)
	assert.EqualValues(t, 30, mismatches[0].LedgerSum)
}

func TestPriceTable(t *testing.T) {
	p := billing.DefaultPriceTable()
	assert.EqualValues(t, 10, p.Price(domain.Resolution1K, 1))
	assert.EqualValues(t, 20, p.Price(domain.Resolution2K, 1))
	assert.EqualValues(t, 160, p.Price(domain.Resolution4K, 4))
	assert.EqualValues(t, 10, p.Price(domain.Resolution1K, 0))
}


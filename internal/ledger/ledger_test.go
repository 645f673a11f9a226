package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/repository"
)

const card = "4539578763621486"

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*Ledger, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	l := New(repo, zap.NewNop(), WithClock(func() time.Time { return testNow }))
	return l, repo
}

func register(t *testing.T, l *Ledger, userID int64, balance model.Amount, expire time.Time) {
	t.Helper()
	_, err := l.RegisterCard(context.Background(), userID, card, balance, expire)
	require.NoError(t, err)
}

func TestRefreshStatus(t *testing.T) {
	tests := []struct {
		name   string
		status model.CreditStatus
		expire time.Time
		want   model.CreditStatus
	}{
		{name: "valid", status: model.CreditStatusNormal, expire: testNow.AddDate(0, 1, 0), want: model.CreditStatusNormal},
		{name: "expires today", status: model.CreditStatusNormal, expire: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), want: model.CreditStatusNormal},
		{name: "expired yesterday", status: model.CreditStatusNormal, expire: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), want: model.CreditStatusExpired},
		{name: "invalid stays invalid", status: model.CreditStatusInvalid, expire: testNow.AddDate(-1, 0, 0), want: model.CreditStatusInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := model.CreditAccount{Status: tt.status, ExpireDate: tt.expire}
			got := RefreshStatus(acc, testNow)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.status, acc.Status, "input must not be mutated")
		})
	}
}

func TestDebit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	register(t, l, 1, 10000, testNow.AddDate(1, 0, 0))

	acc, err := l.Debit(ctx, card, 4000)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(6000), acc.Balance)

	_, err = l.Debit(ctx, card, 6001)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Debit(ctx, card, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Debit(ctx, "4111111111111111", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := l.GetAccount(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(6000), stored.Balance)
}

func TestDebit_ExpiredIsPersisted(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	register(t, l, 1, 10000, testNow.AddDate(0, 1, 0))

	later := New(repo, zap.NewNop(), WithClock(func() time.Time { return testNow.AddDate(0, 2, 0) }))

	_, err := later.Debit(ctx, card, 100)
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, err, ErrUnusable)

	stored, err := repo.GetCredit(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, model.CreditStatusExpired, stored.Status)
	assert.Equal(t, model.Amount(10000), stored.Balance)
}

func TestDebitAccount_StaleVersionConflicts(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	register(t, l, 1, 10000, testNow.AddDate(1, 0, 0))

	stale, err := l.GetAccount(ctx, card)
	require.NoError(t, err)

	_, err = l.Debit(ctx, card, 1000)
	require.NoError(t, err)

	_, err = l.DebitAccount(ctx, stale, 1000)
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := l.GetAccount(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(9000), stored.Balance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	register(t, l, 1, 10000, testNow.AddDate(1, 0, 0))

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed model.Amount
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, card, 700); err == nil {
				mu.Lock()
				committed += 700
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	stored, err := l.GetAccount(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(10000)-committed, stored.Balance)
	assert.GreaterOrEqual(t, int64(stored.Balance), int64(0))
}

func TestCredit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	register(t, l, 1, 100, testNow.AddDate(1, 0, 0))

	acc, err := l.Credit(ctx, card, 250)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(350), acc.Balance)

	invalid := model.CreditStatusInvalid
	_, err = l.UpdateCard(ctx, 1, card, CardUpdate{Status: &invalid})
	require.NoError(t, err)

	_, err = l.Credit(ctx, card, 1)
	assert.ErrorIs(t, err, ErrUnusable)
}

func TestCheckOwnership(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	register(t, l, 1, 100, testNow.AddDate(1, 0, 0))

	_, err := l.CheckOwnership(ctx, 1, card)
	assert.NoError(t, err)

	_, err = l.CheckOwnership(ctx, 2, card)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCardManagement(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	register(t, l, 1, 100, testNow.AddDate(1, 0, 0))

	_, err := l.RegisterCard(ctx, 1, card, 100, testNow.AddDate(1, 0, 0))
	assert.ErrorIs(t, err, ErrCardExists)

	balance := model.Amount(5000)
	acc, err := l.UpdateCard(ctx, 1, card, CardUpdate{Balance: &balance})
	require.NoError(t, err)
	assert.Equal(t, balance, acc.Balance)

	past := testNow.AddDate(0, 0, -1)
	acc, err = l.UpdateCard(ctx, 1, card, CardUpdate{ExpireDate: &past})
	require.NoError(t, err)
	assert.Equal(t, model.CreditStatusExpired, acc.Status)

	normal := model.CreditStatusNormal
	_, err = l.UpdateCard(ctx, 1, card, CardUpdate{Status: &normal})
	assert.ErrorIs(t, err, ErrStatusReversal)

	assert.ErrorIs(t, l.DeleteCard(ctx, 2, card), ErrForbidden)
	require.NoError(t, l.DeleteCard(ctx, 1, card))

	_, err = l.GetAccount(ctx, card)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactions(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tx := &model.PaymentTransaction{UserID: 1, OrderID: "O1", CardNumber: card, Amount: 100, Status: model.TransactionSucceeded}
	require.NoError(t, l.RecordTransaction(ctx, tx))
	require.NotEmpty(t, tx.ID)

	got, err := l.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionSucceeded, got.Status)

	require.NoError(t, l.SetTransactionStatus(ctx, tx.ID, model.TransactionSucceeded, model.TransactionCanceled, "refund"))
	err = l.SetTransactionStatus(ctx, tx.ID, model.TransactionSucceeded, model.TransactionCanceled, "refund")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = l.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestAdjust_IgnoresExpiry(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	register(t, l, 1, 1000, testNow.AddDate(0, 1, 0))

	later := New(repo, zap.NewNop(), WithClock(func() time.Time { return testNow.AddDate(0, 2, 0) }))
	require.NoError(t, later.Adjust(ctx, "refund:T1", card, 500))
	require.NoError(t, later.Adjust(ctx, "debit:T2", card, -200))

	err := later.Adjust(ctx, "debit:T3", card, -5000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	stored, err := repo.GetCredit(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(1300), stored.Balance)
}

func TestRecordTransaction_OneSucceededPerOrder(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first := &model.PaymentTransaction{UserID: 1, OrderID: "O1", CardNumber: card, Amount: 100, Status: model.TransactionSucceeded}
	require.NoError(t, l.RecordTransaction(ctx, first))

	second := &model.PaymentTransaction{UserID: 1, OrderID: "O1", CardNumber: card, Amount: 100, Status: model.TransactionSucceeded}
	assert.ErrorIs(t, l.RecordTransaction(ctx, second), ErrOrderSettled)

	failed := &model.PaymentTransaction{UserID: 1, OrderID: "O1", CardNumber: card, Amount: 100, Status: model.TransactionFailed}
	require.NoError(t, l.RecordTransaction(ctx, failed))

	require.NoError(t, l.SetTransactionStatus(ctx, first.ID, model.TransactionSucceeded, model.TransactionCanceled, "refund"))
	require.NoError(t, l.RecordTransaction(ctx, second))

	err := l.SetTransactionStatus(ctx, first.ID, model.TransactionCanceled, model.TransactionSucceeded, "")
	assert.ErrorIs(t, err, ErrOrderSettled)
}

func TestAdjust_ReplayAppliesOnce(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	register(t, l, 1, 1000, testNow.AddDate(1, 0, 0))

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Adjust(ctx, "charge:T1:debit", card, 400))
	}

	stored, err := repo.GetCredit(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(1400), stored.Balance)

	_, err = l.Debit(ctx, card, 100)
	require.NoError(t, err, "adjustment must leave the version usable for the next conditional write")

	assert.ErrorIs(t, l.Adjust(ctx, "refund:T9", "4111111111111111", 1), ErrNotFound)
}

package watchdog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
	"github.com/mmeshcher/order-settlement/internal/repository"
)

type stubMutex struct {
	lockErr  error
	locked   int
	unlocked int
}

func (m *stubMutex) LockContext(context.Context) error {
	if m.lockErr != nil {
		return m.lockErr
	}
	m.locked++
	return nil
}

func (m *stubMutex) UnlockContext(context.Context) (bool, error) {
	m.unlocked++
	return true, nil
}

func seed(t *testing.T, repo *repository.MemoryRepository, id string, status model.OrderStatus, age time.Duration) {
	t.Helper()
	require.NoError(t, repo.CreateOrder(context.Background(), &model.Order{
		ID:        id,
		Status:    status,
		CreatedAt: time.Now().Add(-age),
	}))
}

func TestSweep_CancelsStaleOrders(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seed(t, repo, "stale", model.OrderStatusWaitForPay, 2*time.Hour)
	seed(t, repo, "fresh", model.OrderStatusWaitForPay, time.Minute)
	seed(t, repo, "paid", model.OrderStatusPaid, 2*time.Hour)

	mu := &stubMutex{}
	r := NewReconciler(orders.NewStore(repo, nil, zap.NewNop()), mu, time.Hour, zap.NewNop())

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, mu.locked)
	assert.Equal(t, 1, mu.unlocked)

	for id, want := range map[string]model.OrderStatus{
		"stale": model.OrderStatusCanceled,
		"fresh": model.OrderStatusWaitForPay,
		"paid":  model.OrderStatusPaid,
	} {
		o, err := repo.GetOrder(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, id)
	}
}

func TestSweep_MoreThanOneBatch(t *testing.T) {
	repo := repository.NewMemoryRepository()
	for i := 0; i < sweepBatch+5; i++ {
		seed(t, repo, fmt.Sprintf("O%d", i), model.OrderStatusWaitForPay, 2*time.Hour)
	}

	r := NewReconciler(orders.NewStore(repo, nil, zap.NewNop()), nil, time.Hour, zap.NewNop())
	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sweepBatch+5, n)
}

func TestSweep_SkipsWhenLockIsHeld(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seed(t, repo, "stale", model.OrderStatusWaitForPay, 2*time.Hour)

	mu := &stubMutex{lockErr: errors.New("redsync: failed to acquire lock")}
	r := NewReconciler(orders.NewStore(repo, nil, zap.NewNop()), mu, time.Hour, zap.NewNop())

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, mu.unlocked)

	o, err := repo.GetOrder(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusWaitForPay, o.Status)
}

func TestRun(t *testing.T) {
	repo := repository.NewMemoryRepository()
	r := NewReconciler(orders.NewStore(repo, nil, zap.NewNop()), nil, time.Hour, zap.NewNop())

	assert.Error(t, r.Run(context.Background(), "not a cron spec"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, "* * * * * *") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

package watchdog

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
)

// StaleStore — поиск и отмена просроченных заказов.
type StaleStore interface {
	StaleOrders(ctx context.Context, before time.Time, limit int) ([]model.Order, error)
	Cancel(ctx context.Context, orderID string) (orders.Result, error)
}

// Mutex — распределённая блокировка, чтобы сверку выполнял один экземпляр сервиса.
// Реализуется *redsync.Mutex.
type Mutex interface {
	LockContext(ctx context.Context) error
	UnlockContext(ctx context.Context) (bool, error)
}

const (
	sweepBatch   = 100
	sweepTimeout = 5 * time.Minute
)

// Reconciler периодически отменяет заказы, пропущенные сторожем.
type Reconciler struct {
	store  StaleStore
	mutex  Mutex
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler создаёт сверку. Отменяются заказы старше maxAge.
// mutex может быть nil, тогда блокировка не берётся.
func NewReconciler(store StaleStore, mutex Mutex, maxAge time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		mutex:  mutex,
		maxAge: maxAge,
		logger: logger.Named("reconciler"),
		now:    time.Now,
	}
}

// Sweep отменяет все заказы, ожидающие оплаты дольше maxAge. Возвращает число отменённых.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	if r.mutex != nil {
		if err := r.mutex.LockContext(ctx); err != nil {
			r.logger.Info("sweep skipped, lock is held elsewhere", zap.Error(err))
			return 0, nil
		}
		defer func() {
			if _, err := r.mutex.UnlockContext(ctx); err != nil {
				r.logger.Warn("release sweep lock error", zap.Error(err))
			}
		}()
	}

	before := r.now().Add(-r.maxAge)
	canceled := 0
	seen := make(map[string]struct{})

	for {
		stale, err := r.store.StaleOrders(ctx, before, sweepBatch)
		if err != nil {
			return canceled, err
		}

		progressed := false
		for _, o := range stale {
			if _, ok := seen[o.ID]; ok {
				continue
			}
			seen[o.ID] = struct{}{}
			progressed = true

			res, err := r.store.Cancel(ctx, o.ID)
			if err != nil {
				r.logger.Error("cancel stale order error", zap.String("orderID", o.ID), zap.Error(err))
				continue
			}
			if res.Applied {
				canceled++
				r.logger.Info("stale order canceled", zap.String("orderID", o.ID), zap.Time("createdAt", o.CreatedAt))
			}
		}

		if len(stale) < sweepBatch || !progressed {
			return canceled, nil
		}
	}
}

// Run выполняет Sweep по расписанию spec (формат cron с секундами) до отмены ctx.
func (r *Reconciler) Run(ctx context.Context, spec string) error {
	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc(spec, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()

		n, err := r.Sweep(sweepCtx)
		if err != nil {
			r.logger.Error("sweep error", zap.Error(err))
			return
		}
		if n > 0 {
			r.logger.Info("sweep finished", zap.Int("canceled", n))
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

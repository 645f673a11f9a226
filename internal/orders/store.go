// Package orders владеет жизненным циклом заказа.
//
// Заказ создаётся в WAIT_FOR_PAY и переходит в один из терминальных статусов
// PAID, PAYMENT_FAIL или CANCELED. Переход из терминального статуса не выполняется
// и не считается ошибкой: вызывающий получает текущий статус с Applied == false.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/repository"
)

var (
	// ErrNotFound возвращается, если заказ не найден.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidStatus возвращается для неизвестного целевого статуса.
	ErrInvalidStatus = errors.New("invalid order status")
)

// Repository описывает хранилище заказов.
type Repository interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (bool, error)
	GetStaleOrders(ctx context.Context, status model.OrderStatus, before time.Time, limit int) ([]model.Order, error)
}

// Scheduler запускает обратный отсчёт до автоматической отмены заказа.
type Scheduler interface {
	Schedule(ctx context.Context, orderID string) error
}

// Result — итог перехода.
type Result struct {
	Status  model.OrderStatus `json:"status"`
	Applied bool              `json:"applied"`
}

// AlreadyTerminal сообщает, что переход не выполнен, потому что заказ уже завершён.
func (r Result) AlreadyTerminal() bool {
	return !r.Applied && r.Status.IsTerminal()
}

// Store — хранилище состояний заказов.
type Store struct {
	repo      Repository
	scheduler Scheduler
	logger    *zap.Logger
}

// NewStore создаёт хранилище. scheduler может быть nil, тогда отсчёт не запускается.
func NewStore(repo Repository, scheduler Scheduler, logger *zap.Logger) *Store {
	return &Store{
		repo:      repo,
		scheduler: scheduler,
		logger:    logger,
	}
}

// SetScheduler задаёт планировщик после создания хранилища.
func (s *Store) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// Create сохраняет новый заказ в статусе WAIT_FOR_PAY и ставит обратный отсчёт.
func (s *Store) Create(ctx context.Context, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = model.OrderStatusWaitForPay

	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return err
	}

	if s.scheduler != nil {
		if err := s.scheduler.Schedule(ctx, o.ID); err != nil {
			// заказ останется на совести сверки
			s.logger.Error("schedule order expiration error", zap.String("orderID", o.ID), zap.Error(err))
		}
	}
	return nil
}

// GetOrder возвращает заказ.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
		}
		return nil, err
	}
	return o, nil
}

// Transition переводит заказ в target.
//
// Статус перечитывается непосредственно перед записью, запись условна по прочитанному
// статусу. Если между чтением и записью заказ изменили, решение принимается заново.
func (s *Store) Transition(ctx context.Context, orderID string, target model.OrderStatus) (Result, error) {
	if !target.IsValid() {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidStatus, target)
	}

	const attempts = 3
	for i := 0; i < attempts; i++ {
		o, err := s.GetOrder(ctx, orderID)
		if err != nil {
			return Result{}, err
		}

		if o.Status.IsTerminal() {
			if o.Status != target {
				s.logger.Info("order already terminal, transition skipped",
					zap.String("orderID", orderID),
					zap.String("status", string(o.Status)),
					zap.String("target", string(target)),
				)
			}
			return Result{Status: o.Status}, nil
		}
		if o.Status == target {
			return Result{Status: o.Status}, nil
		}

		ok, err := s.repo.UpdateOrderStatus(ctx, orderID, o.Status, target)
		if err != nil {
			return Result{}, err
		}
		if ok {
			s.logger.Info("order status changed",
				zap.String("orderID", orderID),
				zap.String("from", string(o.Status)),
				zap.String("to", string(target)),
			)
			return Result{Status: target, Applied: true}, nil
		}
	}

	return Result{}, fmt.Errorf("transition order %s: status kept changing", orderID)
}

// MarkPaid переводит заказ в PAID.
func (s *Store) MarkPaid(ctx context.Context, orderID string) (Result, error) {
	return s.Transition(ctx, orderID, model.OrderStatusPaid)
}

// Cancel переводит заказ в CANCELED.
func (s *Store) Cancel(ctx context.Context, orderID string) (Result, error) {
	return s.Transition(ctx, orderID, model.OrderStatusCanceled)
}

// StaleOrders возвращает заказы, ожидающие оплаты дольше, чем до момента before.
func (s *Store) StaleOrders(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	return s.repo.GetStaleOrders(ctx, model.OrderStatusWaitForPay, before, limit)
}

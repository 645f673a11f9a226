// Package payment проводит оплату заказа картой и её отмену.
//
// Списание и смена статуса заказа живут в разных хранилищах, поэтому обе операции
// выполняются как саги: при ошибке на любом шаге уже сделанные изменения откатываются.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/broker"
	"github.com/mmeshcher/order-settlement/internal/events"
	"github.com/mmeshcher/order-settlement/internal/ledger"
	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
	"github.com/mmeshcher/order-settlement/internal/saga"
)

const (
	reasonConcurrent = "concurrent modification"
	reasonRolledBack = "charge rolled back"
	reasonCanceled   = "canceled by user"
)

// Ledger — операции кредитного реестра, нужные координатору.
type Ledger interface {
	GetAccount(ctx context.Context, cardNumber string) (*model.CreditAccount, error)
	DebitAccount(ctx context.Context, acc *model.CreditAccount, amount model.Amount) (*model.CreditAccount, error)
	CreditAccount(ctx context.Context, acc *model.CreditAccount, amount model.Amount) (*model.CreditAccount, error)
	Adjust(ctx context.Context, key, cardNumber string, delta model.Amount) error
	RecordTransaction(ctx context.Context, tx *model.PaymentTransaction) error
	GetTransaction(ctx context.Context, id string) (*model.PaymentTransaction, error)
	SetTransactionStatus(ctx context.Context, id string, from, to model.TransactionStatus, reason string) error
}

// OrderService — чтение и оплата заказа. Реализуется локальным orders.Store
// или клиентом удалённого сервиса заказов.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	MarkPaid(ctx context.Context, orderID string) (orders.Result, error)
}

// Coordinator проводит оплаты.
type Coordinator struct {
	ledger    Ledger
	orders    OrderService
	publisher broker.Publisher
	logger    *zap.Logger
}

// NewCoordinator создаёт координатор. publisher может быть nil, тогда события не публикуются.
func NewCoordinator(l Ledger, o OrderService, publisher broker.Publisher, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		ledger:    l,
		orders:    o,
		publisher: publisher,
		logger:    logger,
	}
}

// Charge списывает amount с карты cardNumber в оплату заказа orderID и возвращает
// идентификатор успешной транзакции.
//
// Отказы по бизнес-правилам записываются в журнал как FAILED-транзакции.
// Если списание прошло, а заказ не удалось перевести в PAID, списание возвращается.
func (c *Coordinator) Charge(ctx context.Context, orderID, cardNumber string, amount model.Amount, userID int64) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return "", fmt.Errorf("get order: %w", err)
	}
	if order.UserID != userID {
		return "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status != model.OrderStatusWaitForPay {
		return "", fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, orderID, order.Status)
	}

	attempt := model.PaymentTransaction{
		ID:         uuid.NewString(),
		UserID:     userID,
		OrderID:    orderID,
		CardNumber: cardNumber,
		Amount:     amount,
	}

	acc, err := c.ledger.GetAccount(ctx, cardNumber)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return "", c.reject(ctx, attempt, "credit account not found", ErrCreditNotFound)
	case err != nil:
		return "", fmt.Errorf("get credit account: %w", err)
	case acc.UserID != userID:
		return "", c.reject(ctx, attempt, "credit account belongs to another user", ErrCreditNotFound)
	}
	if err := ledger.Usable(acc); err != nil {
		return "", c.reject(ctx, attempt, "credit account status "+string(acc.Status), ErrCreditStatusInvalid)
	}
	if acc.Balance < amount {
		return "", c.reject(ctx, attempt, "insufficient funds", ErrInsufficientFunds)
	}

	var tx *model.PaymentTransaction

	err = saga.New("charge", c.logger).
		RetryCompensation(isConflict, 10, 10*time.Millisecond).
		Step("debit", func(ctx context.Context) (saga.Compensation, error) {
			if _, err := c.ledger.DebitAccount(ctx, acc, amount); err != nil {
				return nil, c.debitError(ctx, attempt, err)
			}
			return func(ctx context.Context) error {
				return c.ledger.Adjust(ctx, "charge:"+attempt.ID+":refund", cardNumber, amount)
			}, nil
		}).
		Step("record transaction", func(ctx context.Context) (saga.Compensation, error) {
			rec := attempt
			rec.Status = model.TransactionSucceeded
			if err := c.ledger.RecordTransaction(ctx, &rec); err != nil {
				if errors.Is(err, ledger.ErrOrderSettled) {
					return nil, fmt.Errorf("%w: order %s already paid", ErrOrderNotPayable, orderID)
				}
				return nil, err
			}
			tx = &rec
			return func(ctx context.Context) error {
				return c.revokeTransaction(ctx, rec.ID)
			}, nil
		}).
		Step("mark order paid", func(ctx context.Context) (saga.Compensation, error) {
			res, err := c.orders.MarkPaid(ctx, orderID)
			if err != nil {
				if errors.Is(err, orders.ErrNotFound) {
					return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
				}
				return nil, fmt.Errorf("mark order paid: %w", err)
			}
			if !res.Applied {
				// заказ завершили параллельно: другой оплатой или автоотменой
				return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, orderID, res.Status)
			}
			return nil, nil
		}).
		Run(ctx)
	if err != nil {
		return "", err
	}

	c.logger.Info("order charged",
		zap.String("orderID", orderID),
		zap.String("transactionID", tx.ID),
		zap.String("amount", amount.String()),
	)
	c.publish(ctx, events.TopicPaySuccess, events.OrderEvent{OrderID: orderID, TransactionID: tx.ID, At: time.Now()})

	return tx.ID, nil
}

// CancelCharge отменяет успешную транзакцию и возвращает деньги на карту.
func (c *Coordinator) CancelCharge(ctx context.Context, transactionID string, userID int64) error {
	tx, err := c.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return fmt.Errorf("get transaction: %w", err)
	}
	if tx.UserID != userID {
		return ErrForbidden
	}
	if tx.Status != model.TransactionSucceeded {
		return fmt.Errorf("%w: transaction %s is %s", ErrCannotCancel, transactionID, tx.Status)
	}

	acc, err := c.ledger.GetAccount(ctx, tx.CardNumber)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrCreditUnusable, err)
		}
		return fmt.Errorf("get credit account: %w", err)
	}
	if err := ledger.Usable(acc); err != nil {
		return fmt.Errorf("%w: %v", ErrCreditUnusable, err)
	}

	// ключ корректировки уникален для каждой попытки отмены
	adjustKey := "cancel:" + tx.ID + ":" + uuid.NewString()

	s := saga.New("cancel charge", c.logger).
		RetryCompensation(isConflict, 10, 10*time.Millisecond).
		// смена статуса первой: из двух параллельных отмен дальше пройдёт только одна
		Step("cancel transaction", func(ctx context.Context) (saga.Compensation, error) {
			err := c.ledger.SetTransactionStatus(ctx, tx.ID, model.TransactionSucceeded, model.TransactionCanceled, reasonCanceled)
			if err != nil {
				if errors.Is(err, ledger.ErrConflict) {
					return nil, fmt.Errorf("%w: transaction %s", ErrCannotCancel, tx.ID)
				}
				return nil, err
			}
			return func(ctx context.Context) error {
				return c.restoreTransaction(ctx, tx.ID, tx.Reason)
			}, nil
		}).
		Step("refund", func(ctx context.Context) (saga.Compensation, error) {
			if _, err := c.ledger.CreditAccount(ctx, acc, tx.Amount); err != nil {
				switch {
				case errors.Is(err, ledger.ErrConflict):
					return nil, fmt.Errorf("%w: %v", ErrPaymentConflict, err)
				case errors.Is(err, ledger.ErrUnusable):
					return nil, fmt.Errorf("%w: %v", ErrCreditUnusable, err)
				}
				return nil, err
			}
			return func(ctx context.Context) error {
				return c.ledger.Adjust(ctx, adjustKey, tx.CardNumber, -tx.Amount)
			}, nil
		})

	if c.publisher != nil {
		s.Step("notify order", func(ctx context.Context) (saga.Compensation, error) {
			payload, err := events.Encode(events.OrderEvent{OrderID: tx.OrderID, TransactionID: tx.ID, At: time.Now()})
			if err != nil {
				return nil, err
			}
			if err := c.publisher.Publish(ctx, events.TopicPayCancel, payload, 0); err != nil {
				return nil, fmt.Errorf("publish %s: %w", events.TopicPayCancel, err)
			}
			return nil, nil
		})
	}

	if err := s.Run(ctx); err != nil {
		return err
	}

	c.logger.Info("charge canceled",
		zap.String("orderID", tx.OrderID),
		zap.String("transactionID", tx.ID),
		zap.String("amount", tx.Amount.String()),
	)
	return nil
}

// Transaction возвращает транзакцию пользователя.
func (c *Coordinator) Transaction(ctx context.Context, transactionID string, userID int64) (*model.PaymentTransaction, error) {
	tx, err := c.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrForbidden
	}
	return tx, nil
}

// reject записывает отказ в журнал и возвращает cause.
func (c *Coordinator) reject(ctx context.Context, attempt model.PaymentTransaction, reason string, cause error) error {
	attempt.ID = ""
	attempt.Status = model.TransactionFailed
	attempt.Reason = reason
	if err := c.ledger.RecordTransaction(ctx, &attempt); err != nil {
		c.logger.Error("record failed transaction error",
			zap.String("orderID", attempt.OrderID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: order %s", cause, attempt.OrderID)
}

func (c *Coordinator) debitError(ctx context.Context, attempt model.PaymentTransaction, err error) error {
	switch {
	case errors.Is(err, ledger.ErrConflict):
		return c.reject(ctx, attempt, reasonConcurrent, ErrPaymentConflict)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return c.reject(ctx, attempt, "insufficient funds", ErrInsufficientFunds)
	case errors.Is(err, ledger.ErrUnusable):
		return c.reject(ctx, attempt, err.Error(), ErrCreditStatusInvalid)
	case errors.Is(err, ledger.ErrNotFound):
		return c.reject(ctx, attempt, "credit account not found", ErrCreditNotFound)
	}
	return fmt.Errorf("debit: %w", err)
}

// revokeTransaction переводит успешную транзакцию в FAILED. Повторный вызов безопасен.
func (c *Coordinator) revokeTransaction(ctx context.Context, id string) error {
	err := c.ledger.SetTransactionStatus(ctx, id, model.TransactionSucceeded, model.TransactionFailed, reasonRolledBack)
	if err == nil || !errors.Is(err, ledger.ErrConflict) {
		return err
	}
	tx, getErr := c.ledger.GetTransaction(ctx, id)
	if getErr == nil && tx.Status == model.TransactionFailed {
		return nil
	}
	return err
}

// restoreTransaction возвращает отменённую транзакцию в SUCCEEDED. Повторный вызов безопасен.
func (c *Coordinator) restoreTransaction(ctx context.Context, id, reason string) error {
	err := c.ledger.SetTransactionStatus(ctx, id, model.TransactionCanceled, model.TransactionSucceeded, reason)
	if err == nil || !errors.Is(err, ledger.ErrConflict) {
		return err
	}
	tx, getErr := c.ledger.GetTransaction(ctx, id)
	if getErr == nil && tx.Status == model.TransactionSucceeded {
		return nil
	}
	return err
}

func (c *Coordinator) publish(ctx context.Context, topic string, e events.OrderEvent) {
	if c.publisher == nil {
		return
	}
	payload, err := events.Encode(e)
	if err == nil {
		err = c.publisher.Publish(ctx, topic, payload, 0)
	}
	if err != nil {
		c.logger.Warn("publish event error", zap.String("topic", topic), zap.String("orderID", e.OrderID), zap.Error(err))
	}
}

func isConflict(err error) bool {
	return errors.Is(err, ledger.ErrConflict)
}

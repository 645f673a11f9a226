// Package watchdog отменяет заказы, не оплаченные за отведённое время.
//
// При создании заказа в топик order.cancel публикуется отложенное сообщение.
// Когда оно становится доступным, неоплаченный заказ отменяется защищённым переходом.
// Сообщение обрабатывается не более одного раза: неудачная отмена только логируется,
// заказ подберёт периодическая сверка (Reconciler).
package watchdog

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/broker"
	"github.com/mmeshcher/order-settlement/internal/events"
	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
)

// OrderStore — чтение и отмена заказа.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	Cancel(ctx context.Context, orderID string) (orders.Result, error)
}

// Watchdog планирует и обрабатывает истечение срока оплаты.
type Watchdog struct {
	publisher broker.Publisher
	store     OrderStore
	ttl       time.Duration
	logger    *zap.Logger
}

// New создаёт сторож с временем жизни неоплаченного заказа ttl.
func New(publisher broker.Publisher, store OrderStore, ttl time.Duration, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		publisher: publisher,
		store:     store,
		ttl:       ttl,
		logger:    logger,
	}
}

// Schedule публикует отложенное на ttl сообщение с идентификатором заказа.
func (w *Watchdog) Schedule(ctx context.Context, orderID string) error {
	payload, err := events.Encode(events.OrderEvent{OrderID: orderID, At: time.Now()})
	if err != nil {
		return err
	}
	if err := w.publisher.Publish(ctx, events.TopicOrderCancel, payload, w.ttl); err != nil {
		return err
	}
	w.logger.Debug("order expiration scheduled", zap.String("orderID", orderID), zap.Duration("ttl", w.ttl))
	return nil
}

// Register подписывает HandleExpired на топик order.cancel.
func (w *Watchdog) Register(d *broker.Dispatcher) {
	d.Handle(events.TopicOrderCancel, w.HandleExpired)
}

// HandleExpired отменяет заказ, если он всё ещё ждёт оплаты.
// Ошибка возвращается только для неразбираемого сообщения.
func (w *Watchdog) HandleExpired(ctx context.Context, msg broker.Message) error {
	e, err := events.Decode(msg.Payload)
	if err != nil {
		return broker.Permanent(err)
	}
	log := w.logger.With(zap.String("orderID", e.OrderID))

	o, err := w.store.GetOrder(ctx, e.OrderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			log.Info("expired order not found, skipped")
		} else {
			log.Error("get expired order error", zap.Error(err))
		}
		return nil
	}

	if o.Status == model.OrderStatusPaid || o.Status == model.OrderStatusCanceled {
		log.Info("order already paid or canceled", zap.String("status", string(o.Status)))
		return nil
	}

	res, err := w.store.Cancel(ctx, e.OrderID)
	if err != nil {
		log.Error("failed to cancel expired order", zap.Error(err))
		return nil
	}
	if res.Applied {
		log.Info("expired order canceled")
	} else {
		log.Info("expired order not canceled", zap.String("status", string(res.Status)))
	}
	return nil
}

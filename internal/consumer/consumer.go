// Package consumer применяет события оплаты к заказам.
//
// Доставка повторная и неупорядоченная, поэтому каждый обработчик сводится к одному
// защищённому переходу статуса: терминальный заказ поглощает любые поздние события.
package consumer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/broker"
	"github.com/mmeshcher/order-settlement/internal/events"
	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
)

// OrderStore — переход статуса заказа.
type OrderStore interface {
	Transition(ctx context.Context, orderID string, target model.OrderStatus) (orders.Result, error)
}

// Targets сопоставляет топик событий целевому статусу заказа.
var Targets = map[string]model.OrderStatus{
	events.TopicPayStart:   model.OrderStatusWaitForPay,
	events.TopicPaySuccess: model.OrderStatusPaid,
	events.TopicPayFail:    model.OrderStatusPaymentFail,
	events.TopicPayCancel:  model.OrderStatusCanceled,
}

// Consumer обрабатывает события оплаты.
type Consumer struct {
	store  OrderStore
	logger *zap.Logger
}

// New создаёт обработчик событий.
func New(store OrderStore, logger *zap.Logger) *Consumer {
	return &Consumer{
		store:  store,
		logger: logger,
	}
}

// Register подписывает обработчики на все топики событий оплаты.
func (c *Consumer) Register(d *broker.Dispatcher) {
	for topic, target := range Targets {
		d.Handle(topic, c.Handler(target))
	}
}

// Handler возвращает обработчик, переводящий заказ в target.
//
// Неразбираемое сообщение уходит в топик недоставленных. Ошибка хранилища
// возвращается брокеру, и сообщение будет доставлено повторно.
func (c *Consumer) Handler(target model.OrderStatus) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		e, err := events.Decode(msg.Payload)
		if err != nil {
			return broker.Permanent(err)
		}

		res, err := c.store.Transition(ctx, e.OrderID, target)
		if err != nil {
			if errors.Is(err, orders.ErrInvalidStatus) {
				return broker.Permanent(err)
			}
			return fmt.Errorf("apply %s to order %s: %w", msg.Topic, e.OrderID, err)
		}

		log := c.logger.With(
			zap.String("topic", msg.Topic),
			zap.String("orderID", e.OrderID),
			zap.String("status", string(res.Status)),
		)
		switch {
		case res.Applied:
			log.Info("order event applied")
		case res.AlreadyTerminal():
			log.Info("order already terminal, event ignored")
		default:
			log.Debug("order already in target status")
		}
		return nil
	}
}

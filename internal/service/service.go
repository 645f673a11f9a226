// Package service связывает HTTP-слой с реестром карт, заказами и координатором оплат.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/order-settlement/internal/ledger"
	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
	"github.com/mmeshcher/order-settlement/internal/validation"
)

var (
	// ErrInvalidCardNumber возвращается для номера карты, не прошедшего проверку.
	ErrInvalidCardNumber = errors.New("invalid card number")
	// ErrInvalidOrder возвращается для заказа без позиций или с некорректной позицией.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrOrdersUnavailable возвращается, если заказы ведёт удалённый сервис.
	ErrOrdersUnavailable = errors.New("orders are served by a remote order service")
)

// CardLedger — операции с картами пользователя.
type CardLedger interface {
	RegisterCard(ctx context.Context, userID int64, cardNumber string, balance model.Amount, expireDate time.Time) (*model.CreditAccount, error)
	CheckOwnership(ctx context.Context, userID int64, cardNumber string) (*model.CreditAccount, error)
	UpdateCard(ctx context.Context, userID int64, cardNumber string, upd ledger.CardUpdate) (*model.CreditAccount, error)
	DeleteCard(ctx context.Context, userID int64, cardNumber string) error
}

// OrderStore — локальное хранилище заказов.
type OrderStore interface {
	Create(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	Transition(ctx context.Context, orderID string, target model.OrderStatus) (orders.Result, error)
}

// Payments — проведение и отмена оплат.
type Payments interface {
	Charge(ctx context.Context, orderID, cardNumber string, amount model.Amount, userID int64) (string, error)
	CancelCharge(ctx context.Context, transactionID string, userID int64) error
	Transaction(ctx context.Context, transactionID string, userID int64) (*model.PaymentTransaction, error)
}

// Service содержит прикладную логику сервиса расчётов.
type Service struct {
	cards    CardLedger
	orders   OrderStore
	payments Payments
}

// NewService создаёт сервис. orders может быть nil, если заказы ведёт удалённый сервис.
func NewService(cards CardLedger, orders OrderStore, payments Payments) *Service {
	return &Service{
		cards:    cards,
		orders:   orders,
		payments: payments,
	}
}

// HasOrders сообщает, ведёт ли сервис заказы сам.
func (s *Service) HasOrders() bool {
	return s.orders != nil
}

// RegisterCard регистрирует карту пользователя.
func (s *Service) RegisterCard(ctx context.Context, userID int64, cardNumber string, balance model.Amount, expireDate time.Time) (*model.CreditAccount, error) {
	cardNumber = strings.TrimSpace(cardNumber)
	if !validation.IsValidCardNumber(cardNumber) {
		return nil, ErrInvalidCardNumber
	}
	return s.cards.RegisterCard(ctx, userID, cardNumber, balance, expireDate)
}

// GetCard возвращает карту пользователя с актуальным статусом.
func (s *Service) GetCard(ctx context.Context, userID int64, cardNumber string) (*model.CreditAccount, error) {
	return s.cards.CheckOwnership(ctx, userID, cardNumber)
}

// UpdateCard меняет карту пользователя.
func (s *Service) UpdateCard(ctx context.Context, userID int64, cardNumber string, upd ledger.CardUpdate) (*model.CreditAccount, error) {
	return s.cards.UpdateCard(ctx, userID, cardNumber, upd)
}

// DeleteCard удаляет карту пользователя.
func (s *Service) DeleteCard(ctx context.Context, userID int64, cardNumber string) error {
	return s.cards.DeleteCard(ctx, userID, cardNumber)
}

// PlaceOrder создаёт заказ пользователя в статусе WAIT_FOR_PAY.
func (s *Service) PlaceOrder(ctx context.Context, userID int64, o *model.Order) error {
	if s.orders == nil {
		return ErrOrdersUnavailable
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidOrder)
	}
	for _, item := range o.Items {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity %d", ErrInvalidOrder, item.ProductID, item.Quantity)
		}
	}

	o.ID = ""
	o.UserID = userID
	return s.orders.Create(ctx, o)
}

// GetOrder возвращает заказ пользователя. Чужой заказ не отличается от отсутствующего.
func (s *Service) GetOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error) {
	o, err := s.InternalOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("%w: %s", orders.ErrNotFound, orderID)
	}
	return o, nil
}

// InternalOrder возвращает заказ без проверки владельца.
func (s *Service) InternalOrder(ctx context.Context, orderID string) (*model.Order, error) {
	if s.orders == nil {
		return nil, ErrOrdersUnavailable
	}
	return s.orders.GetOrder(ctx, orderID)
}

// TransitionOrder выполняет защищённый переход статуса заказа.
func (s *Service) TransitionOrder(ctx context.Context, orderID string, target model.OrderStatus) (orders.Result, error) {
	if s.orders == nil {
		return orders.Result{}, ErrOrdersUnavailable
	}
	return s.orders.Transition(ctx, orderID, target)
}

// Charge оплачивает заказ картой.
func (s *Service) Charge(ctx context.Context, userID int64, orderID, cardNumber string, amount model.Amount) (string, error) {
	return s.payments.Charge(ctx, orderID, strings.TrimSpace(cardNumber), amount, userID)
}

// CancelCharge отменяет оплату.
func (s *Service) CancelCharge(ctx context.Context, userID int64, transactionID string) error {
	return s.payments.CancelCharge(ctx, transactionID, userID)
}

// Transaction возвращает платёжную транзакцию пользователя.
func (s *Service) Transaction(ctx context.Context, userID int64, transactionID string) (*model.PaymentTransaction, error) {
	return s.payments.Transaction(ctx, transactionID, userID)
}

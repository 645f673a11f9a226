// Package model содержит доменные сущности сервиса расчётов по заказам.
package model

import "time"

// OrderStatus описывает стадию жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusWaitForPay  OrderStatus = "WAIT_FOR_PAY"
	OrderStatusPaid        OrderStatus = "PAID"
	OrderStatusPaymentFail OrderStatus = "PAYMENT_FAIL"
	OrderStatusCanceled    OrderStatus = "CANCELED"
)

// IsTerminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusPaymentFail, OrderStatusCanceled:
		return true
	}
	return false
}

// IsValid сообщает, что статус входит в известный набор.
func (s OrderStatus) IsValid() bool {
	return s == OrderStatusWaitForPay || s.IsTerminal()
}

// CartItem описывает позицию корзины, попавшую в заказ.
type CartItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

// Order описывает заказ пользователя.
type Order struct {
	ID        string
	UserID    int64
	Status    OrderStatus
	Currency  string
	AddressID int64
	Email     string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreditStatus описывает состояние кредитной карты.
type CreditStatus string

const (
	CreditStatusNormal  CreditStatus = "NORMAL"
	CreditStatusExpired CreditStatus = "EXPIRED"
	CreditStatusInvalid CreditStatus = "INVALID"
)

// CreditAccount описывает кредитную карту и её баланс.
// Version увеличивается при каждом изменении записи.
type CreditAccount struct {
	CardNumber string
	UserID     int64
	Balance    Amount
	Status     CreditStatus
	ExpireDate time.Time
	Version    int64
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TransactionStatus описывает итог платёжной операции.
type TransactionStatus string

const (
	TransactionSucceeded TransactionStatus = "SUCCEEDED"
	TransactionFailed    TransactionStatus = "FAILED"
	TransactionCanceled  TransactionStatus = "CANCELED"
)

// PaymentTransaction — запись журнала платежей.
type PaymentTransaction struct {
	ID         string
	UserID     int64
	OrderID    string
	CardNumber string
	Amount     Amount
	Status     TransactionStatus
	Reason     string
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

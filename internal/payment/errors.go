package payment

import "errors"

var (
	// ErrOrderNotFound возвращается, если заказ не найден или принадлежит другому пользователю.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPayable возвращается, если заказ уже не ожидает оплаты.
	ErrOrderNotPayable = errors.New("order is not waiting for payment")
	// ErrCreditNotFound возвращается, если карта не найдена.
	ErrCreditNotFound = errors.New("credit account not found")
	// ErrCreditStatusInvalid возвращается, если по карте нельзя списывать.
	ErrCreditStatusInvalid = errors.New("credit account status is invalid")
	// ErrInsufficientFunds возвращается, если на карте недостаточно средств.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrPaymentConflict возвращается, если карту изменили параллельно. Можно повторить.
	ErrPaymentConflict = errors.New("payment conflict, retry later")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("payment transaction not found")
	// ErrForbidden возвращается, если транзакция принадлежит другому пользователю.
	ErrForbidden = errors.New("payment transaction belongs to another user")
	// ErrCannotCancel возвращается, если транзакция не в статусе SUCCEEDED.
	ErrCannotCancel = errors.New("payment transaction cannot be canceled")
	// ErrCreditUnusable возвращается, если на карту нельзя вернуть средства.
	ErrCreditUnusable = errors.New("credit account is unusable")
	// ErrInvalidAmount возвращается для неположительной суммы.
	ErrInvalidAmount = errors.New("amount must be positive")
)

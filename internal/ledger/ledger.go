// Package ledger управляет балансами кредитных карт и журналом платёжных транзакций.
//
// Все изменения баланса выполняются условным обновлением по версии записи:
// проигравший гонку писатель получает ErrConflict, а не перезаписывает чужое изменение.
package ledger

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
	// ErrNotFound возвращается, если карта не найдена или удалена.
	ErrNotFound = errors.New("credit account not found")
	// ErrForbidden возвращается, если карта принадлежит другому пользователю.
	ErrForbidden = errors.New("credit account belongs to another user")
	// ErrUnusable возвращается, если статус карты не NORMAL.
	ErrUnusable = errors.New("credit account is not usable")
	// ErrExpired возвращается для карты с истёкшим сроком действия.
	ErrExpired = fmt.Errorf("%w: expired", ErrUnusable)
	// ErrInsufficientFunds возвращается, если баланса не хватает для списания.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConflict возвращается, если запись изменили между чтением и записью.
	ErrConflict = errors.New("concurrent modification")
	// ErrInvalidAmount возвращается для неположительной суммы операции.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrTransactionNotFound возвращается, если транзакция не найдена или удалена.
	ErrTransactionNotFound = errors.New("payment transaction not found")
	// ErrOrderSettled возвращается, если у заказа уже есть действующая успешная транзакция.
	ErrOrderSettled = errors.New("order already settled")
	// ErrStatusReversal возвращается при попытке вернуть истёкшей карте статус NORMAL.
	ErrStatusReversal = errors.New("expired credit account cannot be reactivated")
)

// Repository описывает хранилище карт и транзакций.
type Repository interface {
	CreateCredit(ctx context.Context, acc *model.CreditAccount) error
	GetCredit(ctx context.Context, cardNumber string) (*model.CreditAccount, error)
	UpdateCredit(ctx context.Context, acc *model.CreditAccount) error
	DeleteCredit(ctx context.Context, cardNumber string, version int64) error
	AdjustCredit(ctx context.Context, key, cardNumber string, delta model.Amount) (bool, error)
	CreateTransaction(ctx context.Context, tx *model.PaymentTransaction) error
	GetTransaction(ctx context.Context, id string) (*model.PaymentTransaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, from, to model.TransactionStatus, reason string) error
	GetTransactionsByOrder(ctx context.Context, orderID string) ([]model.PaymentTransaction, error)
}

// Ledger — кредитный реестр.
type Ledger struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithClock подменяет источник времени для проверки срока действия.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New создаёт реестр поверх хранилища.
func New(repo Repository, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RefreshStatus возвращает копию acc, у которой просроченная карта переведена в EXPIRED.
// Карта действует до конца дня ExpireDate включительно.
func RefreshStatus(acc model.CreditAccount, now time.Time) model.CreditAccount {
	if acc.Status != model.CreditStatusNormal {
		return acc
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	ey, em, ed := acc.ExpireDate.Date()
	expiry := time.Date(ey, em, ed, 0, 0, 0, 0, now.Location())
	if expiry.Before(today) {
		acc.Status = model.CreditStatusExpired
	}
	return acc
}

// GetAccount загружает карту и сохраняет статус EXPIRED, если срок действия истёк.
func (l *Ledger) GetAccount(ctx context.Context, cardNumber string) (*model.CreditAccount, error) {
	const attempts = 3

	for i := 0; ; i++ {
		acc, err := l.repo.GetCredit(ctx, cardNumber)
		if err != nil {
			return nil, mapRepoErr(err, cardNumber)
		}

		refreshed := RefreshStatus(*acc, l.now())
		if refreshed.Status == acc.Status {
			return acc, nil
		}

		err = l.repo.UpdateCredit(ctx, &refreshed)
		if err == nil {
			l.logger.Info("credit account expired", zap.String("card", mask(cardNumber)))
			return &refreshed, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) || i == attempts-1 {
			return nil, mapRepoErr(err, cardNumber)
		}
	}
}

// CheckOwnership загружает карту и проверяет, что она принадлежит userID.
func (l *Ledger) CheckOwnership(ctx context.Context, userID int64, cardNumber string) (*model.CreditAccount, error) {
	acc, err := l.GetAccount(ctx, cardNumber)
	if err != nil {
		return nil, err
	}
	if acc.UserID != userID {
		return nil, ErrForbidden
	}
	return acc, nil
}

// Usable проверяет, что по карте разрешены операции.
func Usable(acc *model.CreditAccount) error {
	switch acc.Status {
	case model.CreditStatusNormal:
		return nil
	case model.CreditStatusExpired:
		return ErrExpired
	default:
		return fmt.Errorf("%w: status %s", ErrUnusable, acc.Status)
	}
}

// Debit списывает amount с карты.
func (l *Ledger) Debit(ctx context.Context, cardNumber string, amount model.Amount) (*model.CreditAccount, error) {
	acc, err := l.GetAccount(ctx, cardNumber)
	if err != nil {
		return nil, err
	}
	return l.DebitAccount(ctx, acc, amount)
}

// DebitAccount списывает amount, используя версию acc, прочитанную вызывающим.
// Если запись с тех пор изменилась, возвращается ErrConflict.
func (l *Ledger) DebitAccount(ctx context.Context, acc *model.CreditAccount, amount model.Amount) (*model.CreditAccount, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	refreshed := RefreshStatus(*acc, l.now())
	if err := Usable(&refreshed); err != nil {
		if refreshed.Status != acc.Status {
			l.persistStatus(ctx, &refreshed)
		}
		return nil, err
	}
	if refreshed.Balance < amount {
		return nil, fmt.Errorf("%w: balance %s, amount %s", ErrInsufficientFunds, refreshed.Balance, amount)
	}

	refreshed.Balance -= amount
	if err := l.repo.UpdateCredit(ctx, &refreshed); err != nil {
		return nil, mapRepoErr(err, acc.CardNumber)
	}
	return &refreshed, nil
}

// Credit возвращает amount на карту.
func (l *Ledger) Credit(ctx context.Context, cardNumber string, amount model.Amount) (*model.CreditAccount, error) {
	acc, err := l.GetAccount(ctx, cardNumber)
	if err != nil {
		return nil, err
	}
	return l.CreditAccount(ctx, acc, amount)
}

// CreditAccount зачисляет amount, используя версию acc, прочитанную вызывающим.
func (l *Ledger) CreditAccount(ctx context.Context, acc *model.CreditAccount, amount model.Amount) (*model.CreditAccount, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	refreshed := RefreshStatus(*acc, l.now())
	if err := Usable(&refreshed); err != nil {
		if refreshed.Status != acc.Status {
			l.persistStatus(ctx, &refreshed)
		}
		return nil, err
	}

	refreshed.Balance += amount
	if err := l.repo.UpdateCredit(ctx, &refreshed); err != nil {
		return nil, mapRepoErr(err, acc.CardNumber)
	}
	return &refreshed, nil
}

// Adjust изменяет баланс на delta без проверки статуса карты.
// Используется только для отката уже применённого списания или зачисления:
// откат не должен зависеть от того, что карта успела истечь.
// Корректировка с одним key применяется не более одного раза, повтор возвращает nil.
func (l *Ledger) Adjust(ctx context.Context, key, cardNumber string, delta model.Amount) error {
	applied, err := l.repo.AdjustCredit(ctx, key, cardNumber, delta)
	if err != nil {
		if errors.Is(err, repository.ErrNegativeBalance) {
			return fmt.Errorf("%w: adjustment %s of %s", ErrInsufficientFunds, delta, mask(cardNumber))
		}
		return mapRepoErr(err, cardNumber)
	}
	if !applied {
		l.logger.Info("adjustment already applied", zap.String("key", key), zap.String("card", mask(cardNumber)))
	}
	return nil
}

func (l *Ledger) persistStatus(ctx context.Context, acc *model.CreditAccount) {
	if err := l.repo.UpdateCredit(ctx, acc); err != nil {
		l.logger.Warn("persist credit status error", zap.String("card", mask(acc.CardNumber)), zap.Error(err))
	}
}

// RecordTransaction добавляет запись в журнал. Пустой ID заполняется новым UUID.
// Реестр не устраняет дубликаты.
func (l *Ledger) RecordTransaction(ctx context.Context, tx *model.PaymentTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if err := l.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrOrderSettled) {
			return fmt.Errorf("%w: %s", ErrOrderSettled, tx.OrderID)
		}
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// GetTransaction возвращает транзакцию по идентификатору.
func (l *Ledger) GetTransaction(ctx context.Context, id string) (*model.PaymentTransaction, error) {
	tx, err := l.repo.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		return nil, err
	}
	return tx, nil
}

// SetTransactionStatus переводит транзакцию из from в to.
// Если статус уже другой, возвращается ErrConflict.
func (l *Ledger) SetTransactionStatus(ctx context.Context, id string, from, to model.TransactionStatus, reason string) error {
	err := l.repo.UpdateTransactionStatus(ctx, id, from, to, reason)
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return fmt.Errorf("%w: transaction %s is not %s", ErrConflict, id, from)
		}
		if errors.Is(err, repository.ErrOrderSettled) {
			return fmt.Errorf("%w: transaction %s", ErrOrderSettled, id)
		}
		return err
	}
	return nil
}

// OrderTransactions возвращает транзакции заказа.
func (l *Ledger) OrderTransactions(ctx context.Context, orderID string) ([]model.PaymentTransaction, error) {
	return l.repo.GetTransactionsByOrder(ctx, orderID)
}

func mapRepoErr(err error, cardNumber string) error {
	switch {
	case errors.Is(err, repository.ErrCreditNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, mask(cardNumber))
	case errors.Is(err, repository.ErrVersionConflict):
		return fmt.Errorf("%w: %s", ErrConflict, mask(cardNumber))
	}
	return err
}

// mask оставляет видимыми только последние четыре цифры номера карты.
func mask(cardNumber string) string {
	if len(cardNumber) <= 4 {
		return cardNumber
	}
	return "****" + cardNumber[len(cardNumber)-4:]
}

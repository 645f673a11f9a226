package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/repository"
)

// ErrCardExists возвращается при повторной регистрации карты.
var ErrCardExists = errors.New("credit account already registered")

// CardUpdate содержит изменяемые поля карты. nil означает «не менять».
type CardUpdate struct {
	Balance    *model.Amount
	Status     *model.CreditStatus
	ExpireDate *time.Time
}

// RegisterCard регистрирует карту пользователя.
func (l *Ledger) RegisterCard(ctx context.Context, userID int64, cardNumber string, balance model.Amount, expireDate time.Time) (*model.CreditAccount, error) {
	if balance < 0 {
		return nil, model.ErrNegativeAmount
	}

	acc := RefreshStatus(model.CreditAccount{
		CardNumber: cardNumber,
		UserID:     userID,
		Balance:    balance,
		Status:     model.CreditStatusNormal,
		ExpireDate: expireDate,
	}, l.now())

	if err := l.repo.CreateCredit(ctx, &acc); err != nil {
		if errors.Is(err, repository.ErrCreditExists) {
			return nil, ErrCardExists
		}
		return nil, err
	}

	l.logger.Info("credit account registered", zap.Int64("userID", userID), zap.String("card", mask(cardNumber)))
	return &acc, nil
}

// UpdateCard меняет баланс, статус или срок действия карты владельца.
// Статус EXPIRED необратим.
func (l *Ledger) UpdateCard(ctx context.Context, userID int64, cardNumber string, upd CardUpdate) (*model.CreditAccount, error) {
	acc, err := l.CheckOwnership(ctx, userID, cardNumber)
	if err != nil {
		return nil, err
	}

	next := *acc
	if upd.Balance != nil {
		if *upd.Balance < 0 {
			return nil, model.ErrNegativeAmount
		}
		next.Balance = *upd.Balance
	}
	if upd.ExpireDate != nil {
		next.ExpireDate = *upd.ExpireDate
	}
	if upd.Status != nil {
		if acc.Status == model.CreditStatusExpired && *upd.Status != model.CreditStatusExpired {
			return nil, ErrStatusReversal
		}
		next.Status = *upd.Status
	}
	next = RefreshStatus(next, l.now())

	if err := l.repo.UpdateCredit(ctx, &next); err != nil {
		return nil, mapRepoErr(err, cardNumber)
	}
	return &next, nil
}

// DeleteCard помечает карту владельца удалённой.
func (l *Ledger) DeleteCard(ctx context.Context, userID int64, cardNumber string) error {
	acc, err := l.CheckOwnership(ctx, userID, cardNumber)
	if err != nil {
		return err
	}
	if err := l.repo.DeleteCredit(ctx, cardNumber, acc.Version); err != nil {
		return mapRepoErr(err, cardNumber)
	}
	return nil
}

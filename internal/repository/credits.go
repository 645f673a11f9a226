package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/order-settlement/internal/model"
)

// CreateCredit регистрирует новую кредитную карту.
func (r *PostgresRepository) CreateCredit(ctx context.Context, acc *model.CreditAccount) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO credits (card_number, user_id, balance, status, expire_date)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING version, created_at, updated_at`,
		acc.CardNumber, acc.UserID, int64(acc.Balance), string(acc.Status), acc.ExpireDate,
	).Scan(&acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCreditExists
		}
		return fmt.Errorf("insert credit: %w", err)
	}
	return nil
}

// GetCredit возвращает неудалённую карту по номеру.
func (r *PostgresRepository) GetCredit(ctx context.Context, cardNumber string) (*model.CreditAccount, error) {
	var (
		acc     model.CreditAccount
		balance int64
		status  string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT card_number, user_id, balance, status, expire_date, version, deleted, created_at, updated_at
		 FROM credits
		 WHERE card_number = $1 AND NOT deleted`,
		cardNumber,
	).Scan(&acc.CardNumber, &acc.UserID, &balance, &status, &acc.ExpireDate, &acc.Version, &acc.Deleted, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCreditNotFound
		}
		return nil, fmt.Errorf("get credit: %w", err)
	}
	acc.Balance = model.Amount(balance)
	acc.Status = model.CreditStatus(status)
	return &acc, nil
}

// UpdateCredit записывает баланс, статус и срок действия карты при условии,
// что версия записи не изменилась с момента чтения. При успехе acc.Version увеличивается.
func (r *PostgresRepository) UpdateCredit(ctx context.Context, acc *model.CreditAccount) error {
	var newVersion int64
	err := r.pool.QueryRow(ctx,
		`UPDATE credits
		 SET balance = $3, status = $4, expire_date = $5, version = version + 1, updated_at = now()
		 WHERE card_number = $1 AND version = $2 AND NOT deleted
		 RETURNING version, updated_at`,
		acc.CardNumber, acc.Version, int64(acc.Balance), string(acc.Status), acc.ExpireDate,
	).Scan(&newVersion, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: credit %s", ErrVersionConflict, acc.CardNumber)
		}
		return fmt.Errorf("update credit: %w", err)
	}
	acc.Version = newVersion
	return nil
}

// DeleteCredit помечает карту удалённой при совпадении версии.
func (r *PostgresRepository) DeleteCredit(ctx context.Context, cardNumber string, version int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE credits SET deleted = TRUE, version = version + 1, updated_at = now()
		 WHERE card_number = $1 AND version = $2 AND NOT deleted`,
		cardNumber, version,
	)
	if err != nil {
		return fmt.Errorf("delete credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: credit %s", ErrVersionConflict, cardNumber)
	}
	return nil
}

// AdjustCredit изменяет баланс на delta один раз для каждого key. Ключ и новый баланс
// записываются в одной транзакции; повтор с тем же key возвращает applied == false.
func (r *PostgresRepository) AdjustCredit(ctx context.Context, key, cardNumber string, delta model.Amount) (bool, error) {
	var applied bool
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_adjustments (key, card_number, delta) VALUES ($1, $2, $3)
			 ON CONFLICT (key) DO NOTHING`,
			key, cardNumber, int64(delta),
		)
		if err != nil {
			return fmt.Errorf("insert adjustment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			applied = false
			return nil
		}

		tag, err = tx.Exec(ctx,
			`UPDATE credits SET balance = balance + $2, version = version + 1, updated_at = now()
			 WHERE card_number = $1 AND NOT deleted`,
			cardNumber, int64(delta),
		)
		if err != nil {
			if isCheckViolation(err) {
				return fmt.Errorf("%w: credit %s", ErrNegativeBalance, cardNumber)
			}
			return fmt.Errorf("adjust credit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrCreditNotFound
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

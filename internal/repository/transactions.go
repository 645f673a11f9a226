package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/order-settlement/internal/model"
)

const succeededPerOrderIndex = "payment_transactions_order_succeeded_idx"

const transactionColumns = `id, user_id, order_id, card_number, amount, status, reason, deleted, created_at, updated_at`

// CreateTransaction добавляет запись в журнал платежей.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *model.PaymentTransaction) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payment_transactions (id, user_id, order_id, card_number, amount, status, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		tx.ID, tx.UserID, tx.OrderID, tx.CardNumber, int64(tx.Amount), string(tx.Status), tx.Reason,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if violatesConstraint(err, succeededPerOrderIndex) {
			return fmt.Errorf("%w: %s", ErrOrderSettled, tx.OrderID)
		}
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

// GetTransaction возвращает неудалённую транзакцию по идентификатору.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id string) (*model.PaymentTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1 AND NOT deleted`,
		id,
	)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get payment transaction: %w", err)
	}
	return tx, nil
}

// UpdateTransactionStatus меняет статус транзакции с from на to.
// Если статус уже не равен from, возвращается ErrVersionConflict.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, id string, from, to model.TransactionStatus, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_transactions SET status = $3, reason = $4, updated_at = now()
		 WHERE id = $1 AND status = $2 AND NOT deleted`,
		id, string(from), string(to), reason,
	)
	if err != nil {
		if violatesConstraint(err, succeededPerOrderIndex) {
			return fmt.Errorf("%w: transaction %s", ErrOrderSettled, id)
		}
		return fmt.Errorf("update payment transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", ErrVersionConflict, id)
	}
	return nil
}

// GetTransactionsByOrder возвращает все неудалённые транзакции заказа.
func (r *PostgresRepository) GetTransactionsByOrder(ctx context.Context, orderID string) ([]model.PaymentTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM payment_transactions
		 WHERE order_id = $1 AND NOT deleted
		 ORDER BY created_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payment transactions: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment transaction: %w", err)
		}
		res = append(res, *tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanTransaction(row pgx.Row) (*model.PaymentTransaction, error) {
	var (
		tx     model.PaymentTransaction
		amount int64
		status string
	)
	err := row.Scan(&tx.ID, &tx.UserID, &tx.OrderID, &tx.CardNumber, &amount, &status, &tx.Reason, &tx.Deleted, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.Amount = model.Amount(amount)
	tx.Status = model.TransactionStatus(status)
	return &tx, nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/order-settlement/internal/broker"
)

// PostgresQueue реализует broker.Broker поверх таблицы messages.
type PostgresQueue struct {
	repo *PostgresRepository
}

// Queue возвращает очередь сообщений, разделяющую пул соединений с репозиторием.
func (r *PostgresRepository) Queue() *PostgresQueue {
	return &PostgresQueue{repo: r}
}

// Publish сохраняет сообщение, доступное через delay.
func (q *PostgresQueue) Publish(ctx context.Context, topic string, payload []byte, delay time.Duration) error {
	_, err := q.repo.pool.Exec(ctx,
		`INSERT INTO messages (id, topic, payload, available_at) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), topic, payload, time.Now().Add(delay),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Claim захватывает доступные сообщения. Строки, заблокированные другими воркерами, пропускаются.
func (q *PostgresQueue) Claim(ctx context.Context, topic string, limit int, lease time.Duration) ([]broker.Message, error) {
	var res []broker.Message

	err := q.repo.withRetry(ctx, func() error {
		res = res[:0]
		now := time.Now()

		rows, err := q.repo.pool.Query(ctx,
			`UPDATE messages SET locked_until = $4, attempts = attempts + 1
			 WHERE id IN (
				SELECT id FROM messages
				WHERE topic = $1
				  AND available_at <= $2
				  AND (locked_until IS NULL OR locked_until <= $2)
				ORDER BY available_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			 )
			 RETURNING id, topic, payload, attempts`,
			topic, now, limit, now.Add(lease),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var msg broker.Message
			if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			res = append(res, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	return res, nil
}

// Ack удаляет обработанное сообщение.
func (q *PostgresQueue) Ack(ctx context.Context, msg broker.Message) error {
	if _, err := q.repo.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, msg.ID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Retry снимает блокировку и откладывает повторную доставку.
func (q *PostgresQueue) Retry(ctx context.Context, msg broker.Message, delay time.Duration) error {
	_, err := q.repo.pool.Exec(ctx,
		`UPDATE messages SET locked_until = NULL, available_at = $2 WHERE id = $1`,
		msg.ID, time.Now().Add(delay),
	)
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

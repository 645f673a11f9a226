// Package broker реализует доставку сообщений «хотя бы один раз» с отложенной публикацией.
//
// Сообщение, захваченное обработчиком, арендуется на время Lease. Если аренда истекла
// без подтверждения, сообщение снова становится доступным. Повторная и переупорядоченная
// доставка — штатная ситуация, обработчики обязаны быть идемпотентными.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message — единица доставки.
type Message struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int

	// member хранит исходное представление сообщения в Redis.
	member string
}

// Publisher публикует сообщение, которое станет доступно через delay.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, delay time.Duration) error
}

// Broker описывает транспорт с арендой сообщений.
type Broker interface {
	Publisher
	// Claim захватывает до limit доступных сообщений топика на время lease.
	Claim(ctx context.Context, topic string, limit int, lease time.Duration) ([]Message, error)
	// Ack окончательно удаляет сообщение.
	Ack(ctx context.Context, msg Message) error
	// Retry возвращает сообщение в очередь, оно станет доступно через delay.
	Retry(ctx context.Context, msg Message, delay time.Duration) error
}

// Handler обрабатывает одно сообщение. Ошибка приводит к повторной доставке.
type Handler func(ctx context.Context, msg Message) error

// ErrPermanent помечает ошибку, повтор которой бессмысленен.
var ErrPermanent = errors.New("permanent message failure")

// Permanent оборачивает err так, что сообщение сразу уходит в топик недоставленных.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// DeadLetterTopic возвращает имя топика недоставленных сообщений.
func DeadLetterTopic(topic string) string {
	return topic + ".dead"
}

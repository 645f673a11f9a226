package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	msg         Message
	availableAt time.Time
	lockedUntil time.Time
}

// Memory — брокер в памяти процесса. Используется без внешней инфраструктуры и в тестах.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	topics map[string][]*memoryEntry
}

// MemoryOption настраивает Memory.
type MemoryOption func(*Memory)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory создаёт пустой брокер в памяти.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:    time.Now,
		topics: make(map[string][]*memoryEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish добавляет сообщение в топик.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	body := make([]byte, len(payload))
	copy(body, payload)

	m.topics[topic] = append(m.topics[topic], &memoryEntry{
		msg: Message{
			ID:      uuid.NewString(),
			Topic:   topic,
			Payload: body,
		},
		availableAt: m.now().Add(delay),
	})
	return nil
}

// Claim захватывает доступные сообщения в порядке публикации.
func (m *Memory) Claim(_ context.Context, topic string, limit int, lease time.Duration) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var res []Message
	for _, e := range m.topics[topic] {
		if len(res) >= limit {
			break
		}
		if e.availableAt.After(now) || e.lockedUntil.After(now) {
			continue
		}
		e.lockedUntil = now.Add(lease)
		e.msg.Attempts++
		res = append(res, e.msg)
	}
	return res, nil
}

// Ack удаляет сообщение.
func (m *Memory) Ack(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.topics[msg.Topic]
	for i, e := range entries {
		if e.msg.ID == msg.ID {
			m.topics[msg.Topic] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Retry снимает аренду и откладывает сообщение на delay.
func (m *Memory) Retry(_ context.Context, msg Message, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.topics[msg.Topic] {
		if e.msg.ID == msg.ID {
			e.lockedUntil = time.Time{}
			e.availableAt = m.now().Add(delay)
			return nil
		}
	}
	return nil
}

// Len возвращает число неподтверждённых сообщений топика.
func (m *Memory) Len(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

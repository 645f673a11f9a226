package broker

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options задаёт параметры опроса и повторов.
type Options struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		Workers:      4,
		BatchSize:    16,
		PollInterval: 500 * time.Millisecond,
		Lease:        30 * time.Second,
		MaxAttempts:  10,
		RetryBase:    time.Second,
		RetryMax:     time.Minute,
	}
}

// Dispatcher опрашивает брокер и передаёт сообщения обработчикам топиков.
type Dispatcher struct {
	broker   Broker
	logger   *zap.Logger
	opts     Options
	handlers map[string]Handler
}

// NewDispatcher создаёт диспетчер. Нулевые поля opts заменяются значениями по умолчанию.
func NewDispatcher(b Broker, logger *zap.Logger, opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Lease <= 0 {
		opts.Lease = def.Lease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = def.RetryMax
	}

	return &Dispatcher{
		broker:   b,
		logger:   logger,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// Handle регистрирует обработчик топика. Повторная регистрация заменяет обработчик.
func (d *Dispatcher) Handle(topic string, h Handler) {
	d.handlers[topic] = h
}

// Topics возвращает зарегистрированные топики в алфавитном порядке.
func (d *Dispatcher) Topics() []string {
	topics := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Run запускает Workers воркеров на каждый топик и блокируется до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, topic := range d.Topics() {
		for i := 0; i < d.opts.Workers; i++ {
			g.Go(func() error {
				d.worker(ctx, topic)
				return nil
			})
		}
	}

	return g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, topic string) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Poll(ctx, topic); err != nil && ctx.Err() == nil {
				d.logger.Warn("claim messages error", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}

// Poll захватывает одну пачку сообщений топика и обрабатывает её.
// Возвращает количество обработанных сообщений.
func (d *Dispatcher) Poll(ctx context.Context, topic string) (int, error) {
	h, ok := d.handlers[topic]
	if !ok {
		return 0, nil
	}

	msgs, err := d.broker.Claim(ctx, topic, d.opts.BatchSize, d.opts.Lease)
	if err != nil {
		return 0, err
	}

	for _, msg := range msgs {
		d.process(ctx, h, msg)
	}
	return len(msgs), nil
}

func (d *Dispatcher) process(ctx context.Context, h Handler, msg Message) {
	log := d.logger.With(
		zap.String("topic", msg.Topic),
		zap.String("messageID", msg.ID),
		zap.Int("attempt", msg.Attempts),
	)

	err := h(ctx, msg)
	if err == nil {
		if ackErr := d.broker.Ack(ctx, msg); ackErr != nil {
			log.Warn("ack message error", zap.Error(ackErr))
		}
		return
	}

	if errors.Is(err, ErrPermanent) || msg.Attempts >= d.opts.MaxAttempts {
		d.deadLetter(ctx, log, msg, err)
		return
	}

	delay := d.backoff(msg.Attempts)
	log.Warn("message handler error, scheduling redelivery", zap.Error(err), zap.Duration("delay", delay))
	if retryErr := d.broker.Retry(ctx, msg, delay); retryErr != nil {
		log.Error("retry message error", zap.Error(retryErr))
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, log *zap.Logger, msg Message, cause error) {
	dead := DeadLetterTopic(msg.Topic)
	if err := d.broker.Publish(ctx, dead, msg.Payload, 0); err != nil {
		log.Error("dead-letter publish error, message stays in queue", zap.Error(err), zap.NamedError("cause", cause))
		if retryErr := d.broker.Retry(ctx, msg, d.opts.RetryMax); retryErr != nil {
			log.Error("retry message error", zap.Error(retryErr))
		}
		return
	}

	log.Error("message moved to dead-letter topic", zap.String("deadLetterTopic", dead), zap.Error(cause))
	if err := d.broker.Ack(ctx, msg); err != nil {
		log.Warn("ack message error", zap.Error(err))
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.opts.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.opts.RetryMax {
			return d.opts.RetryMax
		}
	}
	return delay
}

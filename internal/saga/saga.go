// Package saga выполняет многошаговую операцию над независимыми хранилищами.
//
// Каждый шаг возвращает компенсирующее действие. При ошибке шага уже выполненные
// компенсации запускаются в обратном порядке. Если компенсация не удалась, данные
// расходятся и требуется ручная сверка: Run возвращает ошибку ErrInconsistent.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrInconsistent означает, что откат не завершён и данные расходятся.
var ErrInconsistent = errors.New("saga compensation failed")

// Compensation отменяет эффект выполненного шага. Должна быть идемпотентной.
type Compensation func(ctx context.Context) error

// Action выполняет шаг и возвращает его компенсацию. nil-компенсация допустима
// для шагов без побочных эффектов.
type Action func(ctx context.Context) (Compensation, error)

type step struct {
	name   string
	action Action
}

// InconsistencyError описывает неудачный откат.
type InconsistencyError struct {
	Saga            string
	Step            string
	Cause           error
	CompensationErr error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("saga %s: compensation of step %s failed: %v (original error: %v)",
		e.Saga, e.Step, e.CompensationErr, e.Cause)
}

// Unwrap позволяет сравнивать ошибку и с ErrInconsistent, и с исходной причиной.
func (e *InconsistencyError) Unwrap() []error {
	return []error{ErrInconsistent, e.Cause}
}

// Saga — упорядоченный набор шагов.
type Saga struct {
	name      string
	logger    *zap.Logger
	steps     []step
	retryable func(error) bool
	attempts  int
	delay     time.Duration
}

// New создаёт пустую сагу.
func New(name string, logger *zap.Logger) *Saga {
	return &Saga{
		name:     name,
		logger:   logger,
		attempts: 3,
		delay:    50 * time.Millisecond,
	}
}

// RetryCompensation задаёт, какие ошибки компенсации повторяются и сколько раз.
// Повторять стоит только ошибки, гарантирующие, что изменение не применилось.
func (s *Saga) RetryCompensation(retryable func(error) bool, attempts int, delay time.Duration) *Saga {
	s.retryable = retryable
	if attempts > 0 {
		s.attempts = attempts
	}
	s.delay = delay
	return s
}

// Step добавляет шаг.
func (s *Saga) Step(name string, action Action) *Saga {
	s.steps = append(s.steps, step{name: name, action: action})
	return s
}

type done struct {
	name       string
	compensate Compensation
}

// Run выполняет шаги по порядку. При ошибке шага выполняет откат и возвращает
// исходную ошибку либо *InconsistencyError, если откат не удался.
func (s *Saga) Run(ctx context.Context) error {
	completed := make([]done, 0, len(s.steps))

	for _, st := range s.steps {
		compensate, err := st.action(ctx)
		if err != nil {
			s.logger.Info("saga step failed, rolling back",
				zap.String("saga", s.name),
				zap.String("step", st.name),
				zap.Error(err),
			)
			return s.rollback(ctx, completed, err)
		}
		if compensate != nil {
			completed = append(completed, done{name: st.name, compensate: compensate})
		}
	}
	return nil
}

func (s *Saga) rollback(ctx context.Context, completed []done, cause error) error {
	// откат не должен прерываться отменой запроса клиента
	ctx = context.WithoutCancel(ctx)

	for i := len(completed) - 1; i >= 0; i-- {
		d := completed[i]
		if err := s.compensate(ctx, d.compensate); err != nil {
			s.logger.Named("reconciliation").Error("saga compensation failed, manual reconciliation required",
				zap.Bool("fatal_inconsistency", true),
				zap.String("saga", s.name),
				zap.String("step", d.name),
				zap.NamedError("cause", cause),
				zap.Error(err),
			)
			return &InconsistencyError{Saga: s.name, Step: d.name, Cause: cause, CompensationErr: err}
		}
	}
	return cause
}

func (s *Saga) compensate(ctx context.Context, c Compensation) error {
	var err error
	for i := 0; i < s.attempts; i++ {
		if err = c(ctx); err == nil {
			return nil
		}
		if s.retryable == nil || !s.retryable(err) {
			return err
		}
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
	}
	return err
}

package retry

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// Executor retries a context-bound operation with backoff and error
// classification. It serves operations that have no transaction around
// them, such as opening the connection pool.
//
// Thread Safety:
// The Executor itself is safe for concurrent use when calling Execute().
// WithOnRetry() and WithClock() return NEW instances.
type Executor struct {
	classifier txloop.ErrorClassifier
	strategy   txloop.BackoffStrategy
	clock      quartz.Clock
	onRetry    func(retry int, err error, delay time.Duration)
}

// NewExecutor creates a new retry executor with the given configuration.
// Panics if classifier or strategy is nil.
func NewExecutor(classifier txloop.ErrorClassifier, strategy txloop.BackoffStrategy) *Executor {
	if classifier == nil {
		panic("classifier cannot be nil")
	}
	if strategy == nil {
		panic("strategy cannot be nil")
	}
	return &Executor{
		classifier: classifier,
		strategy:   strategy,
		clock:      quartz.NewReal(),
	}
}

// WithOnRetry returns a new Executor with the specified retry callback.
// The receiver is left unchanged.
func (e *Executor) WithOnRetry(callback func(retry int, err error, delay time.Duration)) *Executor {
	clone := *e
	clone.onRetry = callback
	return &clone
}

// WithClock returns a new Executor that waits on clock.
func (e *Executor) WithClock(clock quartz.Clock) *Executor {
	clone := *e
	clone.clock = clock
	return &clone
}

// Execute runs the operation with retry logic.
// Returns the result of the last attempt (success or fatal error).
func (e *Executor) Execute(ctx context.Context, operation func(ctx context.Context) error) error {
	maxAttempts := e.strategy.MaxAttempts()

	lastErr := operation(ctx)
	for retry := 1; lastErr != nil; retry++ {
		if !e.classifier.IsTransient(lastErr) {
			return lastErr
		}
		if maxAttempts >= 0 && retry > maxAttempts {
			return lastErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		delay := e.strategy.NextDelay(retry)
		if e.onRetry != nil {
			e.onRetry(retry, lastErr, delay)
		}
		if err := Sleep(ctx, e.clock, delay); err != nil {
			return err
		}

		lastErr = operation(ctx)
	}
	return nil
}

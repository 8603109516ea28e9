package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vvka-141/txloop/internal/metrics"
	"github.com/vvka-141/txloop/internal/retry"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// Handler is the unit of work run inside each attempt's transaction.
type Handler[R any] func(ctx context.Context, args ...any) (R, error)

// Loop runs a handler inside a fresh transaction per attempt, committing on
// success, aborting on failure and retrying transient failures.
//
// Thread-Safety: a Loop holds no per-run state and may be reused, but Run
// drives the shared TransactionManager and must not be called concurrently
// on the same manager.
type Loop[R any] struct {
	name           string
	txm            txloop.TransactionManager
	handler        Handler[R]
	hooks          txloop.Hooks[R]
	retries        int
	sideEffectFree bool
	classifier     txloop.ErrorClassifier
	backoff        txloop.BackoffStrategy
	committer      *committer
	aborter        *aborter
	logger         txloop.Logger
	metrics        *metrics.Collector
	sleep          func(ctx context.Context, d time.Duration) error
}

// attempt is the state of one pass through the loop.
type attempt struct {
	index int
	tx    txloop.Transaction
	err   error
}

// New creates a loop running handler against txm.
// Returns an error wrapping txloop.ErrInvalidConfig for invalid options.
func New[R any](txm txloop.TransactionManager, handler Handler[R], opts ...Option) (*Loop[R], error) {
	if txm == nil {
		return nil, fmt.Errorf("%w: transaction manager cannot be nil", txloop.ErrInvalidConfig)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", txloop.ErrInvalidConfig)
	}

	s := defaultSettings()
	for _, opt := range opts {
		opt(s)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	hooks := txloop.Hooks[R](txloop.NopHooks[R]{})
	if s.hooks != nil {
		h, ok := s.hooks.(txloop.Hooks[R])
		if !ok {
			return nil, fmt.Errorf("%w: hooks %T do not match result type", txloop.ErrInvalidConfig, s.hooks)
		}
		hooks = h
	}

	backoff := s.backoff
	if backoff == nil {
		backoff = retry.NewBackoff(s.sleep, s.retries)
	}

	sleep := s.sleeper
	if sleep == nil {
		clock := s.clock
		sleep = func(ctx context.Context, d time.Duration) error {
			return retry.Sleep(ctx, clock, d)
		}
	}

	a := &aborter{name: s.name, logger: s.logger, metrics: s.metrics}
	return &Loop[R]{
		name:           s.name,
		txm:            txm,
		handler:        handler,
		hooks:          hooks,
		retries:        s.retries,
		sideEffectFree: s.sideEffectFree,
		classifier:     retry.NewClassifier(txm.IsRetryable, s.logger, s.rules...),
		backoff:        backoff,
		committer: &committer{
			name:      s.name,
			clock:     s.clock,
			threshold: s.longCommit,
			translate: s.translate,
			logger:    s.logger,
			metrics:   s.metrics,
		},
		aborter: a,
		logger:  s.logger,
		metrics: s.metrics,
		sleep:   sleep,
	}, nil
}

// Run calls the handler with args until an attempt commits, a failure is
// not retryable, or the retries are used up.
//
// On success it returns the handler's result, also when the transaction was
// aborted because it was doomed, vetoed or side-effect free. On failure it
// returns the handler's (or commit's) error unchanged, or one of the
// *txloop.Error kinds when the transaction lifecycle was violated or
// cleanup failed.
func (l *Loop[R]) Run(ctx context.Context, args ...any) (R, error) {
	wasExplicit := l.txm.Explicit()
	l.txm.SetExplicit(true)
	defer l.txm.SetExplicit(wasExplicit)

	description := l.hooks.DescribeTransaction(args...)

	var zero R
	for index := 0; ; index++ {
		tx, err := l.txm.Begin(ctx)
		if err != nil {
			l.metrics.Outcome(l.name, metrics.OutcomeFailed)
			return zero, err
		}
		l.metrics.Attempt(l.name)
		if description != "" {
			tx.Note(description)
		}

		st := &attempt{index: index, tx: tx}
		result, done := l.runAttempt(ctx, st, description, args)
		if done {
			return result, st.err
		}

		retryNumber := index + 1
		delay := l.backoff.NextDelay(retryNumber)
		l.logger.Info("Retrying transaction (attempt %d of %d) after %v: %v",
			retryNumber+1, l.retries+1, delay, st.err)
		l.metrics.Retry(l.name)

		if delay > 0 {
			if err := l.sleep(ctx, delay); err != nil {
				l.metrics.Outcome(l.name, metrics.OutcomeFailed)
				return zero, err
			}
		}
	}
}

// runAttempt executes one attempt. done is false only when st.err is a
// retryable failure and the transaction has been aborted.
//
// A panic anywhere in the attempt, including hooks and commit, aborts the
// active transaction and is re-raised after tearDown.
func (l *Loop[R]) runAttempt(ctx context.Context, st *attempt, description string, args []any) (_ R, done bool) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.Outcome(l.name, metrics.OutcomePanic)
			l.abortCurrent(ctx, st.tx)
			panic(r)
		}
	}()

	var zero R
	g := newGuard(l.txm, st.tx, l.aborter, l.logger)

	result, err := l.invoke(ctx, args)
	st.err = err

	if err := g.check(ctx, st.err); err != nil {
		st.err = err
		l.metrics.Outcome(l.name, metrics.OutcomeLifecycle)
		return zero, true
	}

	if st.err == nil {
		if abort, reason := l.shouldAbort(st.tx, result, args); abort {
			l.logger.Verbose("Aborting transaction %s: %s", st.tx.ID(), reason)
			if st.err, _ = l.aborter.abort(ctx, st.tx, nil); st.err != nil {
				l.metrics.Outcome(l.name, metrics.OutcomeFailed)
				return zero, true
			}
			l.metrics.Outcome(l.name, metrics.OutcomeAborted)
			return result, true
		}

		if st.err = l.committer.commit(ctx, st.tx, description); st.err == nil {
			l.metrics.Outcome(l.name, metrics.OutcomeCommitted)
			return result, true
		}
	}

	retryable := st.index < l.retries && l.classifier.IsTransient(st.err)

	var aborted bool
	st.err, aborted = l.aborter.abort(ctx, st.tx, st.err)
	if !retryable || !aborted {
		l.logger.Verbose("Transaction %s failed on attempt %d: %v", st.tx.ID(), st.index+1, st.err)
		l.metrics.Outcome(l.name, metrics.OutcomeFailed)
		return zero, true
	}
	return zero, false
}

// invoke runs setUp, the handler and tearDown.
func (l *Loop[R]) invoke(ctx context.Context, args []any) (result R, err error) {
	if err := l.hooks.SetUp(ctx); err != nil {
		return result, err
	}
	defer l.hooks.TearDown(ctx)

	return l.handler(ctx, args...)
}

// abortCurrent discards whatever transaction is active while a panic unwinds.
func (l *Loop[R]) abortCurrent(ctx context.Context, tx txloop.Transaction) {
	if current, err := l.txm.Get(); err == nil {
		tx = current
	} else if errors.Is(err, txloop.ErrNoTransaction) {
		return
	}
	l.aborter.discard(ctx, tx)
}

func (l *Loop[R]) shouldAbort(tx txloop.Transaction, result R, args []any) (bool, string) {
	switch {
	case l.sideEffectFree:
		return true, "side-effect free"
	case tx.IsDoomed():
		return true, "doomed"
	case l.hooks.ShouldVetoCommit(result, args...):
		return true, "commit vetoed"
	}
	return false, ""
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockOperation tracks invocation count and simulates transient failures
type mockOperation struct {
	invocations  int
	failUntil    int // Fail for invocations < failUntil
	transientErr error
}

func (m *mockOperation) execute(ctx context.Context) error {
	m.invocations++
	if m.invocations < m.failUntil {
		if m.transientErr != nil {
			return m.transientErr
		}
		return &pgconn.PgError{Code: "08006", Message: "connection failure"}
	}
	return nil
}

func newTestExecutor(maxAttempts int) *Executor {
	return NewExecutor(
		NewPostgreSQLErrorClassifier(),
		NewBackoff(time.Millisecond, maxAttempts, WithRandInt(ceilingRand)),
	)
}

func TestExecutor_Execute_SuccessOnFirstAttempt(t *testing.T) {
	op := &mockOperation{failUntil: 1}

	err := newTestExecutor(3).Execute(context.Background(), op.execute)

	require.NoError(t, err)
	assert.Equal(t, 1, op.invocations)
}

func TestExecutor_Execute_SuccessAfterRetries(t *testing.T) {
	op := &mockOperation{failUntil: 4}

	err := newTestExecutor(5).Execute(context.Background(), op.execute)

	require.NoError(t, err)
	assert.Equal(t, 4, op.invocations)
}

func TestExecutor_Execute_FatalErrorNoRetry(t *testing.T) {
	fatalErr := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	op := &mockOperation{failUntil: 99, transientErr: fatalErr}

	err := newTestExecutor(5).Execute(context.Background(), op.execute)

	assert.Same(t, fatalErr, err)
	assert.Equal(t, 1, op.invocations)
}

func TestExecutor_Execute_ExhaustedRetries(t *testing.T) {
	op := &mockOperation{failUntil: 999}

	err := newTestExecutor(3).Execute(context.Background(), op.execute)

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "08006", pgErr.Code)
	assert.Equal(t, 4, op.invocations, "1 initial + 3 retries")
}

func TestExecutor_Execute_NoRetriesStrategy(t *testing.T) {
	op := &mockOperation{failUntil: 999}

	err := newTestExecutor(0).Execute(context.Background(), op.execute)

	require.Error(t, err)
	assert.Equal(t, 1, op.invocations)
}

func TestExecutor_Execute_OnRetryCallback(t *testing.T) {
	var retries []int
	var delays []time.Duration
	executor := newTestExecutor(3).WithOnRetry(func(retry int, err error, delay time.Duration) {
		require.Error(t, err)
		retries = append(retries, retry)
		delays = append(delays, delay)
	})

	op := &mockOperation{failUntil: 4}
	require.NoError(t, executor.Execute(context.Background(), op.execute))

	assert.Equal(t, []int{1, 2, 3}, retries)
	assert.Equal(t, []time.Duration{time.Millisecond, 3 * time.Millisecond, 7 * time.Millisecond}, delays)
}

func TestExecutor_Execute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := &mockOperation{failUntil: 999}

	executor := NewExecutor(NewPostgreSQLErrorClassifier(), NewBackoff(time.Hour, 10)).
		WithOnRetry(func(int, error, time.Duration) { cancel() })

	err := executor.Execute(ctx, op.execute)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, op.invocations)
}

func TestNewExecutor_PanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewExecutor(nil, NewBackoff(0, 1)) })
	assert.Panics(t, func() { NewExecutor(NewPostgreSQLErrorClassifier(), nil) })
}

package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vvka-141/txloop/internal/metrics"
	"github.com/vvka-141/txloop/internal/retry"
	"github.com/vvka-141/txloop/internal/txn/memory"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// recordingLogger keeps every message by level.
type recordingLogger struct {
	mu     sync.Mutex
	levels map[string][]string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{levels: make(map[string][]string)}
}

func (l *recordingLogger) add(level, format string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels[level] = append(l.levels[level], fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Verbose(format string, args ...interface{}) { l.add("verbose", format, args) }
func (l *recordingLogger) Info(format string, args ...interface{})    { l.add("info", format, args) }
func (l *recordingLogger) Warn(format string, args ...interface{})    { l.add("warn", format, args) }
func (l *recordingLogger) Error(format string, args ...interface{})   { l.add("error", format, args) }

func (l *recordingLogger) messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.levels[level]...)
}

// sleepRecorder stands in for the backoff wait.
type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

// recordingHooks logs the hook calls in order.
type recordingHooks struct {
	txloop.NopHooks[string]
	events      []string
	description string
	veto        bool
	setUpErr    error
}

func (h *recordingHooks) SetUp(context.Context) error {
	h.events = append(h.events, "setUp")
	return h.setUpErr
}

func (h *recordingHooks) TearDown(context.Context) {
	h.events = append(h.events, "tearDown")
}

func (h *recordingHooks) DescribeTransaction(...any) string {
	return h.description
}

func (h *recordingHooks) ShouldVetoCommit(string, ...any) bool {
	return h.veto
}

func ceiling(_, hi int) int { return hi }

func ceilingBackoff(base time.Duration) Option {
	return WithBackoff(retry.NewBackoff(base, txloop.DefaultRetries, retry.WithRandInt(ceiling)))
}

func newLoop[R any](t *testing.T, txm txloop.TransactionManager, handler Handler[R], opts ...Option) *Loop[R] {
	t.Helper()
	l, err := New(txm, handler, opts...)
	require.NoError(t, err)
	return l
}

// join attaches a resource to the manager's active transaction.
func join(t *testing.T, txm *memory.Manager, r memory.Resource) {
	t.Helper()
	tx := txm.Current()
	require.NotNil(t, tx, "no active transaction")
	require.NoError(t, tx.Join(r))
}

var errTransient = txloop.Transient(errors.New("serialization failure"))

func TestNew_Validation(t *testing.T) {
	handler := func(context.Context, ...any) (string, error) { return "", nil }
	txm := memory.NewManager()

	tests := []struct {
		name string
		run  func() error
	}{
		{"nil manager", func() error { _, err := New[string](nil, handler); return err }},
		{"nil handler", func() error { _, err := New[string](txm, nil); return err }},
		{"negative retries", func() error { _, err := New(txm, handler, WithRetries(-1)); return err }},
		{"negative sleep", func() error { _, err := New(txm, handler, WithSleep(-time.Second)); return err }},
		{"nil logger", func() error { _, err := New(txm, handler, WithLogger(nil)); return err }},
		{"hooks of another result type", func() error {
			_, err := New(txm, handler, WithHooks[int](txloop.NopHooks[int]{}))
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), txloop.ErrInvalidConfig)
		})
	}
}

func TestRun_CommitsAndReturnsResult(t *testing.T) {
	txm := memory.NewManager()
	var committed bool
	var tx *memory.Transaction

	l := newLoop(t, txm, func(ctx context.Context, args ...any) (string, error) {
		tx = txm.Current()
		join(t, txm, memory.ResourceFuncs{CommitFunc: func(context.Context) error {
			committed = true
			return nil
		}})
		return fmt.Sprintf("hello %v", args[0]), nil
	})

	result, err := l.Run(context.Background(), "world")

	require.NoError(t, err)
	assert.Equal(t, "hello world", result)
	assert.True(t, committed)
	assert.Equal(t, memory.StatusCommitted, tx.Status())
	assert.Nil(t, txm.Current())
}

func TestRun_ExplicitModeDuringRunAndRestored(t *testing.T) {
	for _, initial := range []bool{false, true} {
		t.Run(fmt.Sprintf("initial=%v", initial), func(t *testing.T) {
			txm := memory.NewManager(memory.WithExplicit(initial))
			var during bool

			l := newLoop(t, txm, func(context.Context, ...any) (int, error) {
				during = txm.Explicit()
				return 1, nil
			})

			_, err := l.Run(context.Background())
			require.NoError(t, err)
			assert.True(t, during)
			assert.Equal(t, initial, txm.Explicit())
		})
	}
}

func TestRun_HooksWrapHandler(t *testing.T) {
	txm := memory.NewManager()
	hooks := &recordingHooks{}

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		hooks.events = append(hooks.events, "handler")
		return "", nil
	}, WithHooks[string](hooks))

	_, err := l.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"setUp", "handler", "tearDown"}, hooks.events)
}

func TestRun_TearDownRunsOnEveryAttempt(t *testing.T) {
	txm := memory.NewManager()
	hooks := &recordingHooks{}
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "done", nil
	}, WithHooks[string](hooks), WithSleep(0))

	result, err := l.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, []string{
		"setUp", "tearDown",
		"setUp", "tearDown",
		"setUp", "tearDown",
	}, hooks.events)
}

func TestRun_SetUpErrorSkipsHandler(t *testing.T) {
	txm := memory.NewManager()
	setUpErr := errors.New("no fixtures")
	hooks := &recordingHooks{setUpErr: setUpErr}
	called := false

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		called = true
		return "", nil
	}, WithHooks[string](hooks))

	_, err := l.Run(context.Background())

	assert.ErrorIs(t, err, setUpErr)
	assert.False(t, called)
	assert.Nil(t, txm.Current())
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	txm := memory.NewManager()
	sleeper := &sleepRecorder{}
	var begun []*memory.Transaction

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		begun = append(begun, txm.Current())
		if len(begun) < 3 {
			return "", errTransient
		}
		return "third time lucky", nil
	}, ceilingBackoff(100*time.Millisecond), WithSleeper(sleeper.sleep))

	result, err := l.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "third time lucky", result)
	require.Len(t, begun, 3)
	assert.Equal(t, memory.StatusAborted, begun[0].Status())
	assert.Equal(t, memory.StatusAborted, begun[1].Status())
	assert.Equal(t, memory.StatusCommitted, begun[2].Status())
	assert.NotEqual(t, begun[0].ID(), begun[1].ID(), "each attempt gets a fresh transaction")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}, sleeper.delays)
}

func TestRun_GivesUpAfterRetries(t *testing.T) {
	txm := memory.NewManager()
	sleeper := &sleepRecorder{}
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		return "", errTransient
	}, WithRetries(5), ceilingBackoff(100*time.Millisecond), WithSleeper(sleeper.sleep))

	_, err := l.Run(context.Background())

	assert.Same(t, errTransient, err)
	assert.Equal(t, 6, calls)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		700 * time.Millisecond,
		1500 * time.Millisecond,
		3100 * time.Millisecond,
	}, sleeper.delays)
	assert.Nil(t, txm.Current())
}

func TestRun_ZeroRetriesRunsOnce(t *testing.T) {
	txm := memory.NewManager()
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		return "", errTransient
	}, WithRetries(0))

	_, err := l.Run(context.Background())

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestRun_ZeroSleepNeverWaits(t *testing.T) {
	txm := memory.NewManager()
	sleeper := &sleepRecorder{}
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		return "", errTransient
	}, WithRetries(3), WithSleep(0), WithSleeper(sleeper.sleep))

	_, err := l.Run(context.Background())

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
	assert.Empty(t, sleeper.delays)
}

func TestRun_NonRetryableErrorCallsOnce(t *testing.T) {
	txm := memory.NewManager()
	boom := errors.New("constraint violated")
	calls := 0
	var tx *memory.Transaction

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		tx = txm.Current()
		return "", boom
	})

	_, err := l.Run(context.Background())

	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, memory.StatusAborted, tx.Status())
}

func TestRun_CustomRuleRetriesAnything(t *testing.T) {
	txm := memory.NewManager()
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("plain")
		}
		return "ok", nil
	}, WithRetryRules(retry.MatchAll()), WithSleep(0))

	result, err := l.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestRun_ManagerOracleDecidesRetry(t *testing.T) {
	conflict := errors.New("write conflict")
	txm := memory.NewManager(memory.WithRetryable(func(err error) bool {
		return errors.Is(err, conflict)
	}))
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		if calls == 1 {
			return "", conflict
		}
		return "ok", nil
	}, WithSleep(0))

	_, err := l.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRun_ControlFlowNeverRetried(t *testing.T) {
	for _, stop := range []error{txloop.ErrInterrupted, context.Canceled} {
		t.Run(stop.Error(), func(t *testing.T) {
			txm := memory.NewManager()
			calls := 0

			l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
				calls++
				return "", stop
			}, WithRetryRules(retry.MatchAll()), WithSleep(0))

			_, err := l.Run(context.Background())

			assert.Same(t, stop, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRun_NotesEveryTransaction(t *testing.T) {
	txm := memory.NewManager()
	hooks := &recordingHooks{description: "transfer 42"}
	var begun []*memory.Transaction

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		tx := txm.Current()
		begun = append(begun, tx)
		if len(begun) == 1 {
			return "", errTransient
		}
		tx.Doom()
		return "", nil
	}, WithHooks[string](hooks), WithSleep(0))

	_, err := l.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, begun, 2)
	for _, tx := range begun {
		assert.Equal(t, []string{"transfer 42"}, tx.Notes())
	}
}

func TestRun_EmptyDescriptionAddsNoNote(t *testing.T) {
	txm := memory.NewManager()
	var tx *memory.Transaction

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		tx = txm.Current()
		return "", nil
	})

	_, err := l.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, tx.Notes())
}

func TestRun_SuccessfulAttemptAborted(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		doom  bool
		hooks *recordingHooks
	}{
		{name: "side-effect free", opts: []Option{WithSideEffectFree(true)}},
		{name: "doomed", doom: true},
		{name: "vetoed", hooks: &recordingHooks{veto: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txm := memory.NewManager()
			var committed, aborted bool
			var tx *memory.Transaction

			opts := tt.opts
			if tt.hooks != nil {
				opts = append(opts, WithHooks[string](tt.hooks))
			}

			l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
				tx = txm.Current()
				join(t, txm, memory.ResourceFuncs{
					CommitFunc: func(context.Context) error { committed = true; return nil },
					AbortFunc:  func(context.Context) error { aborted = true; return nil },
				})
				if tt.doom {
					tx.Doom()
				}
				return "kept", nil
			}, opts...)

			result, err := l.Run(context.Background())

			require.NoError(t, err)
			assert.Equal(t, "kept", result)
			assert.False(t, committed)
			assert.True(t, aborted)
			assert.Equal(t, memory.StatusAborted, tx.Status())
			assert.Nil(t, txm.Current())
		})
	}
}

func TestRun_AbortFailureDuringStopKeepsStopError(t *testing.T) {
	txm := memory.NewManager()
	logger := newRecordingLogger()

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		join(t, txm, memory.ResourceFuncs{AbortFunc: func(context.Context) error {
			return errors.New("abort exploded")
		}})
		return "", txloop.ErrInterrupted
	}, WithLogger(logger))

	_, err := l.Run(context.Background())

	assert.Same(t, txloop.ErrInterrupted, err)
	require.Len(t, logger.messages("error"), 1)
	assert.Contains(t, logger.messages("error")[0], "abort exploded")
}

func TestRun_AbortFailureReplacesHandlerError(t *testing.T) {
	txm := memory.NewManager()
	handlerErr := errors.New("bad input")
	abortErr := errors.New("abort exploded")

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		join(t, txm, memory.ResourceFuncs{AbortFunc: func(context.Context) error {
			return abortErr
		}})
		return "", handlerErr
	})

	_, err := l.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, txloop.KindAbortFailed, txloop.KindOf(err))
	assert.ErrorIs(t, err, txloop.ErrAbortFailed)
	assert.ErrorIs(t, err, abortErr)
	assert.ErrorIs(t, err, handlerErr)
	assert.Nil(t, txm.Current())
}

func TestRun_AbortFailureStopsRetrying(t *testing.T) {
	txm := memory.NewManager()
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		join(t, txm, memory.ResourceFuncs{AbortFunc: func(context.Context) error {
			return errors.New("abort exploded")
		}})
		return "", errTransient
	}, WithSleep(0))

	_, err := l.Run(context.Background())

	assert.Equal(t, txloop.KindAbortFailed, txloop.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestRun_TranslatableCommitError(t *testing.T) {
	boom := errors.New("boom")
	txm := memory.NewManager()

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		join(t, txm, memory.ResourceFuncs{CommitFunc: func(context.Context) error { return boom }})
		return "unused", nil
	}, WithCommitTranslation(func(err error) bool { return errors.Is(err, boom) }))

	result, err := l.Run(context.Background())

	require.Error(t, err)
	assert.Empty(t, result)
	assert.Equal(t, txloop.KindCommitFailed, txloop.KindOf(err))
	assert.Equal(t, "boom", err.Error())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, txm.Current())
}

func TestRun_SerializationCommitErrorTranslatedByDefault(t *testing.T) {
	txm := memory.NewManager()
	commitErr := fmt.Errorf("encode session: %w", txloop.ErrUnserializable)

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		join(t, txm, memory.ResourceFuncs{CommitFunc: func(context.Context) error { return commitErr }})
		return "", nil
	})

	_, err := l.Run(context.Background())

	assert.ErrorIs(t, err, txloop.ErrCommitFailed)
	assert.Equal(t, commitErr.Error(), err.Error())
}

func TestRun_OtherCommitErrorUnchanged(t *testing.T) {
	txm := memory.NewManager()
	logger := newRecordingLogger()
	commitErr := errors.New("disk full")
	var tx *memory.Transaction

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		tx = txm.Current()
		join(t, txm, memory.ResourceFuncs{CommitFunc: func(context.Context) error { return commitErr }})
		return "", nil
	}, WithLogger(logger))

	_, err := l.Run(context.Background())

	assert.Same(t, commitErr, err)
	assert.Equal(t, memory.StatusAborted, tx.Status())
	require.Len(t, logger.messages("error"), 1)
	assert.Contains(t, logger.messages("error")[0], "disk full")
}

func TestRun_TransientCommitErrorRetried(t *testing.T) {
	txm := memory.NewManager()
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (int, error) {
		calls++
		attempt := calls
		join(t, txm, memory.ResourceFuncs{CommitFunc: func(context.Context) error {
			if attempt == 1 {
				return errTransient
			}
			return nil
		}})
		return attempt, nil
	}, WithSleep(0))

	result, err := l.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result)
	assert.Equal(t, 2, calls)
}

func TestRun_HandlerBeginsWhileActive(t *testing.T) {
	txm := memory.NewManager()
	calls := 0

	l := newLoop(t, txm, func(ctx context.Context, _ ...any) (string, error) {
		calls++
		_, err := txm.Begin(ctx)
		return "", err
	}, WithRetryRules(retry.MatchAll()))

	_, err := l.Run(context.Background())

	assert.ErrorIs(t, err, txloop.ErrAlreadyInTransaction)
	assert.Equal(t, 1, calls)
	assert.Nil(t, txm.Current())
}

func TestRun_HandlerAbortsThenBeginsTwice(t *testing.T) {
	txm := memory.NewManager()

	l := newLoop(t, txm, func(ctx context.Context, _ ...any) (string, error) {
		if err := txm.Abort(ctx); err != nil {
			return "", err
		}
		if _, err := txm.Begin(ctx); err != nil {
			return "", err
		}
		_, err := txm.Begin(ctx)
		return "", err
	})

	_, err := l.Run(context.Background())

	assert.ErrorIs(t, err, txloop.ErrAlreadyInTransaction)
	assert.Nil(t, txm.Current())
}

func TestRun_HandlerEndsTransaction(t *testing.T) {
	txm := memory.NewManager()
	calls := 0

	l := newLoop(t, txm, func(ctx context.Context, _ ...any) (string, error) {
		calls++
		return "ignored", txm.Abort(ctx)
	}, WithRetryRules(retry.MatchAll()))

	result, err := l.Run(context.Background())

	assert.Empty(t, result)
	assert.ErrorIs(t, err, txloop.ErrTransactionLifecycle)
	assert.Equal(t, 1, calls)
	assert.Nil(t, txm.Current())
}

func TestRun_HandlerReplacesTransaction(t *testing.T) {
	tests := []struct {
		name         string
		foreignAbort func(context.Context) error
	}{
		{name: "foreign abort succeeds"},
		{name: "foreign abort fails", foreignAbort: func(context.Context) error {
			return errors.New("foreign abort exploded")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txm := memory.NewManager()
			var foreign *memory.Transaction

			l := newLoop(t, txm, func(ctx context.Context, _ ...any) (string, error) {
				if err := txm.Abort(ctx); err != nil {
					return "", err
				}
				if _, err := txm.Begin(ctx); err != nil {
					return "", err
				}
				foreign = txm.Current()
				join(t, txm, memory.ResourceFuncs{AbortFunc: tt.foreignAbort})
				return "ignored", nil
			})

			result, err := l.Run(context.Background())

			assert.Empty(t, result)
			assert.ErrorIs(t, err, txloop.ErrForeignTransaction)
			assert.Equal(t, txloop.KindForeignTransaction, txloop.KindOf(err))
			assert.Equal(t, memory.StatusAborted, foreign.Status())
			assert.Nil(t, txm.Current())
		})
	}
}

func TestRun_PanicAbortsAndPropagates(t *testing.T) {
	txm := memory.NewManager()
	hooks := &recordingHooks{}
	var tx *memory.Transaction

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		tx = txm.Current()
		panic("kaboom")
	}, WithHooks[string](hooks))

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = l.Run(context.Background())
	})

	assert.Equal(t, []string{"setUp", "tearDown"}, hooks.events)
	assert.Equal(t, memory.StatusAborted, tx.Status())
	assert.Nil(t, txm.Current())
	assert.False(t, txm.Explicit(), "explicit mode restored while unwinding")
}

// fieldErrors is a slice-typed error; its values cannot be compared with ==.
type fieldErrors []string

func (e fieldErrors) Error() string { return "invalid fields: " + strings.Join(e, ", ") }

func TestRun_RetriesUncomparableError(t *testing.T) {
	txm := memory.NewManager()
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		if calls == 1 {
			return "", fieldErrors{"name"}
		}
		return "ok", nil
	}, WithRetryRules(retry.MatchAll()), WithSleep(0))

	result, err := l.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestRun_UncomparableErrorExhaustsRetries(t *testing.T) {
	txm := memory.NewManager()
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		return "", fieldErrors{"name", "email"}
	}, WithRetryRules(retry.MatchAll()), WithRetries(2), WithSleep(0))

	_, err := l.Run(context.Background())

	var fe fieldErrors
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, fieldErrors{"name", "email"}, fe)
	assert.Equal(t, 3, calls)
	assert.Nil(t, txm.Current())
}

// panickyVetoHooks panics while deciding whether to commit.
type panickyVetoHooks struct {
	txloop.NopHooks[string]
}

func (panickyVetoHooks) ShouldVetoCommit(string, ...any) bool {
	panic("veto exploded")
}

func TestRun_PanicInVetoHookAborts(t *testing.T) {
	txm := memory.NewManager()
	var tx *memory.Transaction

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		tx = txm.Current()
		return "done", nil
	}, WithHooks[string](panickyVetoHooks{}))

	assert.PanicsWithValue(t, "veto exploded", func() {
		_, _ = l.Run(context.Background())
	})

	assert.Equal(t, memory.StatusAborted, tx.Status())
	assert.Nil(t, txm.Current())
	assert.False(t, txm.Explicit())
}

func TestRun_PanicDuringCommitAborts(t *testing.T) {
	txm := memory.NewManager()
	var tx *memory.Transaction
	aborted := false

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		tx = txm.Current()
		join(t, txm, memory.ResourceFuncs{
			CommitFunc: func(context.Context) error { panic("disk gone") },
			AbortFunc: func(context.Context) error {
				aborted = true
				return nil
			},
		})
		return "done", nil
	})

	assert.PanicsWithValue(t, "disk gone", func() {
		_, _ = l.Run(context.Background())
	})

	assert.True(t, aborted)
	assert.Equal(t, memory.StatusAborted, tx.Status())
	assert.Nil(t, txm.Current())
}

// valueTx is a Transaction handle that cannot be compared with ==.
type valueTx struct {
	txloop.Transaction
	via []string
}

// valueTxManager hands out a fresh valueTx on every Begin and Get.
type valueTxManager struct {
	*memory.Manager
}

func (m valueTxManager) Begin(ctx context.Context) (txloop.Transaction, error) {
	tx, err := m.Manager.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return valueTx{Transaction: tx, via: []string{"begin"}}, nil
}

func (m valueTxManager) Get() (txloop.Transaction, error) {
	tx, err := m.Manager.Get()
	if err != nil {
		return nil, err
	}
	return valueTx{Transaction: tx, via: []string{"get"}}, nil
}

func TestRun_TransactionHandlesComparedByID(t *testing.T) {
	inner := memory.NewManager()
	committed := false

	l := newLoop(t, valueTxManager{Manager: inner}, func(context.Context, ...any) (string, error) {
		join(t, inner, memory.ResourceFuncs{
			CommitFunc: func(context.Context) error {
				committed = true
				return nil
			},
		})
		return "ok", nil
	})

	result, err := l.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.True(t, committed)
	assert.Nil(t, inner.Current())
}

// failingBeginManager refuses to begin.
type failingBeginManager struct {
	*memory.Manager
	err error
}

func (m *failingBeginManager) Begin(context.Context) (txloop.Transaction, error) {
	return nil, m.err
}

func TestRun_BeginErrorReturnedWithoutRetry(t *testing.T) {
	beginErr := txloop.Transient(errors.New("pool exhausted"))
	txm := &failingBeginManager{Manager: memory.NewManager(), err: beginErr}
	called := false

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		called = true
		return "", nil
	}, WithSleep(0))

	_, err := l.Run(context.Background())

	assert.Same(t, beginErr, err)
	assert.False(t, called)
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	txm := memory.NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		cancel()
		return "", errTransient
	}, WithSleep(time.Hour))

	_, err := l.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Nil(t, txm.Current())
}

func TestRun_LongCommitWarning(t *testing.T) {
	tests := []struct {
		name     string
		took     time.Duration
		wantWarn bool
	}{
		{"fast commit", time.Second, false},
		{"at threshold", 6 * time.Second, false},
		{"slow commit", 7 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mClock := quartz.NewMock(t)
			logger := newRecordingLogger()
			txm := memory.NewManager()
			hooks := &recordingHooks{description: "nightly rollup"}

			l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
				join(t, txm, memory.ResourceFuncs{CommitFunc: func(context.Context) error {
					mClock.Advance(tt.took).MustWait(ctx)
					return nil
				}})
				return "", nil
			}, WithClock(mClock), WithLogger(logger), WithHooks[string](hooks),
				WithLongCommitDuration(6*time.Second))

			_, err := l.Run(ctx)
			require.NoError(t, err)

			warnings := logger.messages("warn")
			if !tt.wantWarn {
				assert.Empty(t, warnings)
				return
			}
			require.Len(t, warnings, 1)
			assert.Contains(t, warnings[0], "nightly rollup")
			assert.Contains(t, warnings[0], tt.took.String())
		})
	}
}

func TestRun_RetryIsLogged(t *testing.T) {
	txm := memory.NewManager()
	logger := newRecordingLogger()
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "", nil
	}, WithLogger(logger), WithSleep(0))

	_, err := l.Run(context.Background())
	require.NoError(t, err)

	infos := logger.messages("info")
	require.Len(t, infos, 1)
	assert.True(t, strings.HasPrefix(infos[0], "Retrying transaction (attempt 2 of 10)"), infos[0])
}

func TestRun_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	txm := memory.NewManager()
	calls := 0

	l := newLoop(t, txm, func(context.Context, ...any) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "", nil
	}, WithName("orders"), WithMetrics(metrics.New(reg)), WithSleep(0))

	_, err := l.Run(context.Background())
	require.NoError(t, err)

	expected := `
# HELP txloop_attempts_total Total number of transaction attempts
# TYPE txloop_attempts_total counter
txloop_attempts_total{loop="orders"} 3
# HELP txloop_retries_total Total number of retries after a transient failure
# TYPE txloop_retries_total counter
txloop_retries_total{loop="orders"} 2
# HELP txloop_runs_total Total number of loop runs by final outcome
# TYPE txloop_runs_total counter
txloop_runs_total{loop="orders",outcome="committed"} 1
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"txloop_attempts_total", "txloop_retries_total", "txloop_runs_total")
	assert.NoError(t, err)
}

func TestLoop_Reusable(t *testing.T) {
	txm := memory.NewManager()

	l := newLoop(t, txm, func(_ context.Context, args ...any) (int, error) {
		return args[0].(int) * 2, nil
	})

	for i := 1; i <= 3; i++ {
		result, err := l.Run(context.Background(), i)
		require.NoError(t, err)
		assert.Equal(t, i*2, result)
	}
	assert.Nil(t, txm.Current())
}

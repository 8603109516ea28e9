package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/vvka-141/txloop/internal/logging"
	"github.com/vvka-141/txloop/internal/metrics"
	"github.com/vvka-141/txloop/internal/retry"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// settings collects the options before New validates them.
type settings struct {
	name           string
	retries        int
	sleep          time.Duration
	longCommit     time.Duration
	sideEffectFree bool
	hooks          any
	rules          []retry.Rule
	backoff        txloop.BackoffStrategy
	translate      func(err error) bool
	logger         txloop.Logger
	metrics        *metrics.Collector
	clock          quartz.Clock
	sleeper        func(ctx context.Context, d time.Duration) error
}

func defaultSettings() *settings {
	return &settings{
		name:       "txloop",
		retries:    txloop.DefaultRetries,
		sleep:      txloop.DefaultSleep,
		longCommit: txloop.DefaultLongCommitDuration,
		translate:  txloop.IsSerializationError,
		logger:     logging.NewNullLogger(),
		clock:      quartz.NewReal(),
	}
}

// Option configures a Loop.
type Option func(*settings)

// WithName labels the loop in logs and metrics.
func WithName(name string) Option {
	return func(s *settings) {
		s.name = name
	}
}

// WithRetries sets how many times a transient failure is retried.
// The handler runs at most retries+1 times.
func WithRetries(retries int) Option {
	return func(s *settings) {
		s.retries = retries
	}
}

// WithSleep sets the base delay of the randomized exponential backoff.
// Zero disables waiting between attempts.
func WithSleep(d time.Duration) Option {
	return func(s *settings) {
		s.sleep = d
	}
}

// WithLongCommitDuration sets the commit duration above which a warning is logged.
func WithLongCommitDuration(d time.Duration) Option {
	return func(s *settings) {
		s.longCommit = d
	}
}

// WithSideEffectFree declares that the handler never writes, so a successful
// attempt is aborted rather than committed.
func WithSideEffectFree(sideEffectFree bool) Option {
	return func(s *settings) {
		s.sideEffectFree = sideEffectFree
	}
}

// WithHooks installs the extension points. R must match the loop's result type.
func WithHooks[R any](hooks txloop.Hooks[R]) Option {
	return func(s *settings) {
		s.hooks = hooks
	}
}

// WithRetryRules adds classification rules evaluated before the defaults.
func WithRetryRules(rules ...retry.Rule) Option {
	return func(s *settings) {
		s.rules = append(s.rules, rules...)
	}
}

// WithBackoff replaces the delay computation. The loop's retry count still
// comes from WithRetries.
func WithBackoff(backoff txloop.BackoffStrategy) Option {
	return func(s *settings) {
		s.backoff = backoff
	}
}

// WithCommitTranslation sets which commit errors become KindCommitFailed.
func WithCommitTranslation(translate func(err error) bool) Option {
	return func(s *settings) {
		s.translate = translate
	}
}

// WithLogger sets the logger.
func WithLogger(logger txloop.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithMetrics records attempts, retries, outcomes and commit latency.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *settings) {
		s.metrics = c
	}
}

// WithClock sets the clock used to time commits and wait between attempts.
func WithClock(clock quartz.Clock) Option {
	return func(s *settings) {
		s.clock = clock
	}
}

// WithSleeper replaces the wait between attempts. It is only called with
// positive durations.
func WithSleeper(sleeper func(ctx context.Context, d time.Duration) error) Option {
	return func(s *settings) {
		s.sleeper = sleeper
	}
}

func (s *settings) validate() error {
	if s.retries < 0 {
		return fmt.Errorf("%w: retries must be non-negative, got %d", txloop.ErrInvalidConfig, s.retries)
	}
	if s.sleep < 0 {
		return fmt.Errorf("%w: sleep must be non-negative, got %v", txloop.ErrInvalidConfig, s.sleep)
	}
	if s.logger == nil {
		return fmt.Errorf("%w: logger cannot be nil", txloop.ErrInvalidConfig)
	}
	if s.clock == nil {
		return fmt.Errorf("%w: clock cannot be nil", txloop.ErrInvalidConfig)
	}
	if s.translate == nil {
		return fmt.Errorf("%w: commit translation cannot be nil", txloop.ErrInvalidConfig)
	}
	return nil
}

package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/coder/quartz"
)

// maxExponent keeps 2^retry within int range. The product with base is
// saturated separately.
const maxExponent = 30

// Backoff implements randomized exponential backoff.
//
// Before retry i (1 = first retry) the delay is base*r, where r is drawn
// uniformly from [1, 2^i - 1]. A zero base disables delays entirely.
type Backoff struct {
	// base is the unit delay multiplied by the random factor
	base time.Duration

	// maxDelay caps the delay (0 = no cap)
	maxDelay time.Duration

	// maxAttempts is the maximum number of retry attempts (-1 = unlimited, 0 = no retries)
	maxAttempts int

	// randInt returns a uniform integer in [lo, hi]
	randInt func(lo, hi int) int
}

// BackoffOption is a functional option for configuring Backoff.
type BackoffOption func(*Backoff)

// WithMaxDelay sets the maximum delay between retry attempts.
func WithMaxDelay(d time.Duration) BackoffOption {
	return func(b *Backoff) {
		b.maxDelay = d
	}
}

// WithRandInt replaces the source of the random factor. Tests use it to
// make delays deterministic.
func WithRandInt(f func(lo, hi int) int) BackoffOption {
	return func(b *Backoff) {
		b.randInt = f
	}
}

// NewBackoff creates a randomized exponential backoff.
//
// Example:
//
//	backoff := retry.NewBackoff(100*time.Millisecond, 9,
//	    retry.WithMaxDelay(30*time.Second),
//	)
func NewBackoff(base time.Duration, maxAttempts int, opts ...BackoffOption) *Backoff {
	b := &Backoff{
		base:        base,
		maxAttempts: maxAttempts,
		randInt:     uniformInt,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func uniformInt(lo, hi int) int {
	return lo + rand.IntN(hi-lo+1)
}

// NextDelay returns the delay before the given retry.
func (b *Backoff) NextDelay(retry int) time.Duration {
	if b.base <= 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	if retry > maxExponent {
		retry = maxExponent
	}

	ceiling := (1 << retry) - 1
	delay := saturatingMul(b.base, b.randInt(1, ceiling))

	if b.maxDelay > 0 && delay > b.maxDelay {
		delay = b.maxDelay
	}
	return delay
}

// saturatingMul returns base*factor, clamped to the largest time.Duration.
func saturatingMul(base time.Duration, factor int) time.Duration {
	if factor > 0 && int64(factor) > math.MaxInt64/int64(base) {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(factor)
}

// MaxAttempts returns the maximum number of retry attempts.
func (b *Backoff) MaxAttempts() int {
	return b.maxAttempts
}

// Base returns the unit delay for tests and debugging.
func (b *Backoff) Base() time.Duration {
	return b.base
}

// Sleep waits for d on clock, returning early with ctx.Err() if ctx ends first.
// A non-positive d returns immediately without touching the clock.
func Sleep(ctx context.Context, clock quartz.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := clock.NewTimer(d, "retry", "backoff")
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

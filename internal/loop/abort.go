package loop

import (
	"context"

	"github.com/vvka-141/txloop/internal/metrics"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// aborter aborts a transaction without losing the error that caused the abort.
type aborter struct {
	name    string
	logger  txloop.Logger
	metrics *metrics.Collector
}

// abort returns inFlight unchanged when the abort succeeds or when inFlight
// is a control-flow error. Otherwise an abort failure becomes a
// *txloop.Error of KindAbortFailed carrying both errors. ok reports whether
// the abort itself succeeded.
//
// Cleanup ignores ctx cancellation so a cancelled caller still releases
// the transaction.
func (a *aborter) abort(ctx context.Context, tx txloop.Transaction, inFlight error) (err error, ok bool) {
	abortErr := tx.Abort(context.WithoutCancel(ctx))
	if abortErr == nil {
		return inFlight, true
	}
	a.metrics.AbortFailure(a.name)

	if inFlight != nil && txloop.IsControlFlow(inFlight) {
		a.logger.Error("Failed to abort transaction %s while stopping (%v): %v", tx.ID(), inFlight, abortErr)
		return inFlight, false
	}

	a.logger.Warn("Failed to abort transaction %s: %v", tx.ID(), abortErr)
	return &txloop.Error{Kind: txloop.KindAbortFailed, Cause: abortErr, InFlight: inFlight}, false
}

// discard aborts tx for cleanup only. Failures are logged and swallowed.
func (a *aborter) discard(ctx context.Context, tx txloop.Transaction) bool {
	if err := tx.Abort(context.WithoutCancel(ctx)); err != nil {
		a.metrics.AbortFailure(a.name)
		a.logger.Warn("Ignoring failure to abort transaction %s: %v", tx.ID(), err)
		return false
	}
	return true
}

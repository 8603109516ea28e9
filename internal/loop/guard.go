package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/vvka-141/txloop/pkg/txloop"
)

// guard remembers the transaction an attempt began and detects handlers
// that ended or replaced it.
type guard struct {
	txm     txloop.TransactionManager
	tx      txloop.Transaction
	aborter *aborter
	logger  txloop.Logger
}

func newGuard(txm txloop.TransactionManager, tx txloop.Transaction, a *aborter, logger txloop.Logger) *guard {
	return &guard{txm: txm, tx: tx, aborter: a, logger: logger}
}

// check classifies the manager's state after the handler returned handlerErr.
// A nil result means the attempt's own transaction is still active and the
// normal commit/abort path applies. A non-nil result is final: the loop
// returns it without retrying and without further abort handling.
func (g *guard) check(ctx context.Context, handlerErr error) error {
	// The handler tried to begin while a transaction was active.
	if errors.Is(handlerErr, txloop.ErrAlreadyInTransaction) {
		if current, err := g.txm.Get(); err == nil {
			g.aborter.discard(ctx, current)
		}
		return handlerErr
	}

	current, err := g.txm.Get()
	switch {
	case errors.Is(err, txloop.ErrNoTransaction):
		g.logger.Error("Transaction %s was ended by the handler", g.tx.ID())
		return &txloop.Error{Kind: txloop.KindTransactionLifecycle, Cause: handlerErr}
	case err != nil:
		return fmt.Errorf("failed to inspect active transaction: %w", err)
	case current.ID() != g.tx.ID():
		g.logger.Error("Transaction %s was replaced by foreign transaction %s", g.tx.ID(), current.ID())
		if !g.aborter.discard(ctx, current) {
			g.clear(ctx)
		}
		return &txloop.Error{Kind: txloop.KindForeignTransaction, Cause: handlerErr}
	}
	return nil
}

// clear makes sure no transaction survives a failed foreign cleanup.
func (g *guard) clear(ctx context.Context) {
	if _, err := g.txm.Get(); err != nil {
		return
	}
	if err := g.txm.Abort(context.WithoutCancel(ctx)); err != nil {
		g.logger.Warn("Ignoring failure to clear transaction manager: %v", err)
	}
}

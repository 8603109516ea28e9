// Package loop runs a unit of work inside a transaction, retrying it when it
// fails for a transient reason.
//
// # Attempts
//
// Each attempt begins a fresh transaction, notes the hook-supplied
// description on it, runs SetUp, the handler and TearDown, and then either
// commits or aborts. A handler error or commit error that the classifier
// deems transient aborts the transaction, waits according to the backoff and
// tries again, up to the configured number of retries.
//
//	l, err := loop.New(txm, transfer,
//	    loop.WithName("transfer"),
//	    loop.WithRetries(5),
//	    loop.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	receipt, err := l.Run(ctx, from, to, amount)
//
// # Aborting successful attempts
//
// A successful attempt is aborted instead of committed when the loop is
// side-effect free, the transaction was doomed, or the hooks veto the
// commit. The handler's result is returned in every case.
//
// # Lifecycle checks
//
// The handler must leave the transaction it was given active. Ending it
// yields txloop.ErrTransactionLifecycle; replacing it yields
// txloop.ErrForeignTransaction after the foreign transaction is discarded.
// Neither is retried.
//
// # Cleanup
//
// Aborts run with a context detached from cancellation. An abort failure
// replaces the in-flight error with a txloop.ErrAbortFailed error, except
// for control-flow errors, which always win.
package loop

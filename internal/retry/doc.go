// Package retry decides whether a failure deserves another attempt and how
// long to wait before making it.
//
// # Error Classification
//
// Classifier asks the transaction manager's oracle first and then walks an
// ordered list of Rules. Custom rules are prepended to DefaultRules, so they
// can widen (never narrow) what is retried:
//
//	classifier := retry.NewClassifier(txm.IsRetryable, logger,
//	    retry.RuleFor(func(e *MyConflict) bool { return e.Retryable }),
//	)
//
// Control-flow errors (context cancellation, txloop.ErrInterrupted) and
// txloop.ErrAlreadyInTransaction are never retried.
//
// PostgreSQLErrorClassifier is the narrower classifier used while
// establishing connections.
//
// # Backoff
//
// Backoff draws a random factor r in [1, 2^i - 1] for retry i and waits
// base*r. A zero base disables waiting.
//
// # Executor
//
// Executor runs a plain operation with retries. The transaction loop does not
// use it; it has its own attempt loop because every attempt needs a fresh
// transaction and explicit abort handling.
package retry

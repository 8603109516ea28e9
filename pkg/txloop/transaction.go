package txloop

import "context"

// Transaction is a handle on a single atomic unit of work owned by a
// TransactionManager. Two handles are the same transaction if and only if
// their IDs are equal; handles need not be comparable.
type Transaction interface {
	// ID returns an identifier unique to this transaction. It is stable for
	// the transaction's lifetime and never reused by the manager.
	ID() string

	// Commit makes the transaction's effects durable.
	Commit(ctx context.Context) error

	// Abort discards the transaction's effects.
	Abort(ctx context.Context) error

	// Doom marks the transaction so that it can never be committed.
	Doom()

	// IsDoomed reports whether Doom has been called.
	IsDoomed() bool

	// Note attaches a human-readable description to the transaction.
	Note(text string)
}

// TransactionManager begins and ends transactions for the calling goroutine.
// At most one transaction is active at a time.
//
// Thread-Safety: implementations are not required to be safe for concurrent
// use; the loop only calls them from the goroutine running Loop.Run.
type TransactionManager interface {
	// Begin starts a new transaction.
	// Returns ErrAlreadyInTransaction if one is already active.
	Begin(ctx context.Context) (Transaction, error)

	// Get returns the active transaction.
	// Returns ErrNoTransaction if none is active.
	Get() (Transaction, error)

	// Commit commits the active transaction.
	Commit(ctx context.Context) error

	// Abort aborts the active transaction.
	Abort(ctx context.Context) error

	// Explicit reports whether transactions must be begun explicitly.
	Explicit() bool

	// SetExplicit switches explicit mode on or off.
	SetExplicit(explicit bool)

	// IsRetryable is the manager's own opinion on whether err is transient.
	IsRetryable(err error) bool
}

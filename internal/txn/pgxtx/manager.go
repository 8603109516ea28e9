// Package pgxtx implements txloop.TransactionManager over PostgreSQL
// transactions opened with pgx.
//
// Handlers reach the database through the active transaction:
//
//	txm := pgxtx.NewManager(pool)
//	l, _ := loop.New(txm, func(ctx context.Context, args ...any) (int64, error) {
//	    tx, err := txm.Current()
//	    if err != nil {
//	        return 0, err
//	    }
//	    tag, err := tx.Tx().Exec(ctx, "UPDATE accounts SET balance = balance - $1 WHERE id = $2", args...)
//	    return tag.RowsAffected(), err
//	})
package pgxtx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vvka-141/txloop/internal/logging"
	"github.com/vvka-141/txloop/internal/retry"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// Beginner opens database transactions. *pgxpool.Pool and *pgx.Conn satisfy it.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Manager tracks the active database transaction.
type Manager struct {
	db        Beginner
	txOptions pgx.TxOptions
	logger    txloop.Logger

	mu       sync.Mutex
	current  *Transaction
	explicit bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTxOptions sets the isolation level and access mode of every transaction.
func WithTxOptions(opts pgx.TxOptions) Option {
	return func(m *Manager) {
		m.txOptions = opts
	}
}

// WithReadOnly begins read-only transactions.
func WithReadOnly() Option {
	return func(m *Manager) {
		m.txOptions.AccessMode = pgx.ReadOnly
	}
}

// WithLogger sets the logger.
func WithLogger(logger txloop.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager opening transactions on db.
// Transactions default to SERIALIZABLE so conflicts surface as retryable 40001 errors.
func NewManager(db Beginner, opts ...Option) *Manager {
	m := &Manager{
		db:        db,
		txOptions: pgx.TxOptions{IsoLevel: pgx.Serializable},
		logger:    logging.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin opens a database transaction.
func (m *Manager) Begin(ctx context.Context) (txloop.Transaction, error) {
	m.mu.Lock()
	current, explicit := m.current, m.explicit
	m.mu.Unlock()

	if current != nil {
		if explicit {
			return nil, txloop.ErrAlreadyInTransaction
		}
		if err := current.Abort(ctx); err != nil {
			m.logger.Warn("Failed to roll back replaced transaction %s: %v", current.ID(), err)
		}
	}

	dbtx, err := m.db.BeginTx(ctx, m.txOptions)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	tx := newTransaction(m, dbtx)
	m.mu.Lock()
	m.current = tx
	m.mu.Unlock()

	m.logger.Verbose("Began transaction %s", tx.ID())
	return tx, nil
}

// Get returns the active transaction. In implicit mode one is begun on demand.
func (m *Manager) Get() (txloop.Transaction, error) {
	tx, err := m.Current()
	if err == nil {
		return tx, nil
	}
	if m.Explicit() {
		return nil, err
	}
	return m.Begin(context.Background())
}

// Current returns the active transaction with its concrete type.
// Unlike Get it never begins one.
func (m *Manager) Current() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, txloop.ErrNoTransaction
	}
	return m.current, nil
}

// Commit commits the active transaction.
func (m *Manager) Commit(ctx context.Context) error {
	tx, err := m.Get()
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Abort rolls back the active transaction.
func (m *Manager) Abort(ctx context.Context) error {
	tx, err := m.Get()
	if err != nil {
		return err
	}
	return tx.Abort(ctx)
}

// Explicit reports whether transactions must be begun explicitly.
func (m *Manager) Explicit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.explicit
}

// SetExplicit switches explicit mode.
func (m *Manager) SetExplicit(explicit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.explicit = explicit
}

// IsRetryable reports serialization failures, deadlocks, lock timeouts and
// connection losses that happened before anything was sent.
func (m *Manager) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retry.IsTransientPgError(pgErr)
	}
	return pgconn.SafeToRetry(err)
}

func (m *Manager) release(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == tx {
		m.current = nil
	}
}

var _ txloop.TransactionManager = (*Manager)(nil)

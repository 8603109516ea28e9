// Package memory implements an in-process txloop.TransactionManager.
//
// Work is represented by Resources joined to the active transaction; commit
// and abort are forwarded to them in join order. The manager is what the
// transaction loop's tests run against, and a usable coordinator for
// resources that live entirely in memory.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/vvka-141/txloop/pkg/txloop"
)

// Resource participates in a transaction.
type Resource interface {
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// RetryAdvisor is optionally implemented by a Resource that knows which of
// its own errors are transient.
type RetryAdvisor interface {
	ShouldRetry(err error) bool
}

// Manager tracks the active transaction.
// Safe for concurrent use, though a transaction is meant to be driven by one goroutine.
type Manager struct {
	mu        sync.Mutex
	current   *Transaction
	explicit  bool
	retryable func(err error) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryable sets the manager's retry oracle.
func WithRetryable(f func(err error) bool) Option {
	return func(m *Manager) {
		m.retryable = f
	}
}

// WithExplicit sets the initial explicit mode.
func WithExplicit(explicit bool) Option {
	return func(m *Manager) {
		m.explicit = explicit
	}
}

// NewManager creates a manager with no active transaction, in implicit mode.
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a new transaction. In explicit mode an active transaction is
// an error; in implicit mode it is aborted first.
func (m *Manager) Begin(ctx context.Context) (txloop.Transaction, error) {
	m.mu.Lock()
	current, explicit := m.current, m.explicit
	m.mu.Unlock()

	if current != nil {
		if explicit {
			return nil, txloop.ErrAlreadyInTransaction
		}
		// Implicit mode discards whatever was in progress.
		_ = current.Abort(ctx)
	}

	tx := newTransaction(m)
	m.mu.Lock()
	m.current = tx
	m.mu.Unlock()
	return tx, nil
}

// Get returns the active transaction. In implicit mode one is begun on demand.
func (m *Manager) Get() (txloop.Transaction, error) {
	m.mu.Lock()
	current, explicit := m.current, m.explicit
	m.mu.Unlock()

	if current != nil {
		return current, nil
	}
	if explicit {
		return nil, txloop.ErrNoTransaction
	}
	return m.Begin(context.Background())
}

// Current returns the active transaction with its concrete type, or nil.
func (m *Manager) Current() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Commit commits the active transaction.
func (m *Manager) Commit(ctx context.Context) error {
	tx, err := m.Get()
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Abort aborts the active transaction.
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

// IsRetryable consults the configured oracle, then the resources of the
// active transaction.
func (m *Manager) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if m.retryable != nil && m.retryable(err) {
		return true
	}
	if tx := m.Current(); tx != nil {
		for _, r := range tx.joined() {
			if advisor, ok := r.(RetryAdvisor); ok && advisor.ShouldRetry(err) {
				return true
			}
		}
	}
	return false
}

// release drops tx if it is still the active transaction.
func (m *Manager) release(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == tx {
		m.current = nil
	}
}

var (
	// ErrDoomed is returned when committing a doomed transaction.
	ErrDoomed = errors.New("transaction is doomed")

	// ErrTransactionEnded is returned when a committed or aborted transaction is reused.
	ErrTransactionEnded = errors.New("transaction already ended")
)

var _ txloop.TransactionManager = (*Manager)(nil)

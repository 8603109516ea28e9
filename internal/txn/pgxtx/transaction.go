package pgxtx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// NoteSetting is the transaction-local setting carrying the notes, readable
// from triggers with current_setting('txloop.note', true).
const NoteSetting = "txloop.note"

// ErrDoomed is returned when committing a doomed transaction.
var ErrDoomed = errors.New("transaction is doomed")

// Transaction wraps a pgx.Tx.
type Transaction struct {
	id      string
	tx      pgx.Tx
	manager *Manager

	mu     sync.Mutex
	doomed bool
	notes  []string
}

func newTransaction(m *Manager, tx pgx.Tx) *Transaction {
	return &Transaction{
		id:      uuid.NewString(),
		tx:      tx,
		manager: m,
	}
}

// ID returns the transaction's UUID.
func (t *Transaction) ID() string {
	return t.id
}

// Tx returns the underlying database transaction for queries.
func (t *Transaction) Tx() pgx.Tx {
	return t.tx
}

// Commit publishes the notes and commits. A failed commit leaves the
// transaction registered until Abort is called.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	doomed, notes := t.doomed, strings.Join(t.notes, "; ")
	t.mu.Unlock()

	if doomed {
		return ErrDoomed
	}

	if notes != "" {
		if _, err := t.tx.Exec(ctx, "SELECT set_config($1, $2, true)", NoteSetting, notes); err != nil {
			return fmt.Errorf("attach note: %w", err)
		}
	}

	if err := t.tx.Commit(ctx); err != nil {
		return err
	}
	t.manager.release(t)
	return nil
}

// Abort rolls back. Rolling back a transaction pgx already closed, for
// example after a failed commit, succeeds.
func (t *Transaction) Abort(ctx context.Context) error {
	defer t.manager.release(t)

	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// Doom marks the transaction so that Commit fails with ErrDoomed.
func (t *Transaction) Doom() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.doomed = true
}

// IsDoomed reports whether Doom has been called.
func (t *Transaction) IsDoomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doomed
}

// Note records a description, stored in NoteSetting at commit.
func (t *Transaction) Note(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes = append(t.notes, text)
}

var _ txloop.Transaction = (*Transaction)(nil)

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// Status is the lifecycle state of a Transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitting
	StatusCommitted
	StatusCommitFailed
	StatusAborted
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusCommitting:
		return "Committing"
	case StatusCommitted:
		return "Committed"
	case StatusCommitFailed:
		return "CommitFailed"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Transaction is an in-memory transaction.
type Transaction struct {
	id      string
	manager *Manager

	mu        sync.Mutex
	status    Status
	doomed    bool
	notes     []string
	resources []Resource
}

func newTransaction(m *Manager) *Transaction {
	return &Transaction{
		id:      uuid.NewString(),
		manager: m,
		status:  StatusActive,
	}
}

// ID returns the transaction's UUID.
func (t *Transaction) ID() string {
	return t.id
}

// Join adds a resource to the transaction.
func (t *Transaction) Join(r Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return fmt.Errorf("join %s: %w", t.status, ErrTransactionEnded)
	}
	t.resources = append(t.resources, r)
	return nil
}

func (t *Transaction) joined() []Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Resource(nil), t.resources...)
}

// Commit commits every joined resource in order. On failure the transaction
// stays active in StatusCommitFailed and must be aborted.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.status != StatusActive:
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("commit %s: %w", status, ErrTransactionEnded)
	case t.doomed:
		t.mu.Unlock()
		return ErrDoomed
	}
	t.status = StatusCommitting
	resources := append([]Resource(nil), t.resources...)
	t.mu.Unlock()

	for _, r := range resources {
		if err := r.Commit(ctx); err != nil {
			t.setStatus(StatusCommitFailed)
			return err
		}
	}

	t.setStatus(StatusCommitted)
	t.manager.release(t)
	return nil
}

// Abort aborts every joined resource. The transaction is released even when
// a resource fails; the first failure is returned.
func (t *Transaction) Abort(ctx context.Context) error {
	t.mu.Lock()
	if t.status == StatusCommitted || t.status == StatusAborted {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("abort %s: %w", status, ErrTransactionEnded)
	}
	t.status = StatusAborted
	resources := append([]Resource(nil), t.resources...)
	t.mu.Unlock()

	defer t.manager.release(t)

	var errs []error
	for _, r := range resources {
		if err := r.Abort(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
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

// Note appends a description.
func (t *Transaction) Note(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notes = append(t.notes, text)
}

// Notes returns the descriptions attached so far.
func (t *Transaction) Notes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.notes...)
}

// Status returns the lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// ResourceFuncs adapts plain functions to Resource. Nil functions succeed.
type ResourceFuncs struct {
	CommitFunc func(ctx context.Context) error
	AbortFunc  func(ctx context.Context) error
}

// Commit calls CommitFunc.
func (r ResourceFuncs) Commit(ctx context.Context) error {
	if r.CommitFunc == nil {
		return nil
	}
	return r.CommitFunc(ctx)
}

// Abort calls AbortFunc.
func (r ResourceFuncs) Abort(ctx context.Context) error {
	if r.AbortFunc == nil {
		return nil
	}
	return r.AbortFunc(ctx)
}

// IsEnded reports whether err came from reusing an ended transaction.
func IsEnded(err error) bool {
	return errors.Is(err, ErrTransactionEnded)
}

var _ txloop.Transaction = (*Transaction)(nil)

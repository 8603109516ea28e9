package txloop

import "context"

// Hooks are the extension points of a transaction loop.
// Embed NopHooks to override only some of them.
type Hooks[R any] interface {
	// SetUp runs after the transaction is begun, before the handler.
	// An error aborts the attempt like a handler error.
	SetUp(ctx context.Context) error

	// TearDown runs after every handler invocation, whatever its outcome.
	TearDown(ctx context.Context)

	// DescribeTransaction returns the note attached to each transaction.
	// An empty string attaches nothing.
	DescribeTransaction(args ...any) string

	// ShouldVetoCommit forces an abort even though the handler succeeded.
	// The handler's result is still returned to the caller.
	ShouldVetoCommit(result R, args ...any) bool
}

// NopHooks implements Hooks with no-ops.
type NopHooks[R any] struct{}

// SetUp does nothing.
func (NopHooks[R]) SetUp(context.Context) error { return nil }

// TearDown does nothing.
func (NopHooks[R]) TearDown(context.Context) {}

// DescribeTransaction returns the empty string.
func (NopHooks[R]) DescribeTransaction(...any) string { return "" }

// ShouldVetoCommit never vetoes.
func (NopHooks[R]) ShouldVetoCommit(R, ...any) bool { return false }

var _ Hooks[any] = NopHooks[any]{}

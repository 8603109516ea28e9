package txloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies the failures produced by the transaction loop and the
// transaction managers.
type ErrorKind int

const (
	// KindUnknown is returned by KindOf for errors not produced by this package.
	KindUnknown ErrorKind = iota

	// KindAlreadyInTransaction: a transaction was begun while another was active.
	KindAlreadyInTransaction

	// KindNoTransaction: a transaction was requested while none was active.
	KindNoTransaction

	// KindTransactionLifecycle: the handler ended the transaction and began none.
	KindTransactionLifecycle

	// KindForeignTransaction: the handler replaced the transaction with its own.
	KindForeignTransaction

	// KindCommitFailed: commit raised a translatable (serialization) error.
	KindCommitFailed

	// KindAbortFailed: abort itself failed while cleaning up.
	KindAbortFailed
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindAlreadyInTransaction:
		return "AlreadyInTransaction"
	case KindNoTransaction:
		return "NoTransaction"
	case KindTransactionLifecycle:
		return "TransactionLifecycle"
	case KindForeignTransaction:
		return "ForeignTransaction"
	case KindCommitFailed:
		return "CommitFailed"
	case KindAbortFailed:
		return "AbortFailed"
	default:
		return "Unknown"
	}
}

// Error is the typed failure returned by the loop and by transaction managers.
type Error struct {
	// Kind identifies the failure.
	Kind ErrorKind

	// Message is the human readable text. Empty means the kind's default.
	Message string

	// Cause is the error that triggered this one, if any.
	Cause error

	// InFlight is the error that was already propagating when this one
	// occurred (abort failures only).
	InFlight error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindAlreadyInTransaction:
		return "already in transaction"
	case KindNoTransaction:
		return "no transaction"
	case KindTransactionLifecycle:
		return "transaction ended by handler and not replaced"
	case KindForeignTransaction:
		return "transaction replaced by handler with a foreign transaction"
	case KindCommitFailed:
		return "commit failed"
	case KindAbortFailed:
		if e.Cause != nil {
			return fmt.Sprintf("abort failed: %v", e.Cause)
		}
		return "abort failed"
	default:
		return "transaction error"
	}
}

// Unwrap exposes both the cause and the in-flight error to errors.Is/As.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.InFlight != nil {
		errs = append(errs, e.InFlight)
	}
	return errs
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinel errors, one per kind.
//
// Example usage:
//
//	_, err := l.Run(ctx)
//	if errors.Is(err, txloop.ErrForeignTransaction) {
//	    // the handler swapped the transaction out
//	}
var (
	ErrAlreadyInTransaction = &Error{Kind: KindAlreadyInTransaction}
	ErrNoTransaction        = &Error{Kind: KindNoTransaction}
	ErrTransactionLifecycle = &Error{Kind: KindTransactionLifecycle}
	ErrForeignTransaction   = &Error{Kind: KindForeignTransaction}
	ErrCommitFailed         = &Error{Kind: KindCommitFailed}
	ErrAbortFailed          = &Error{Kind: KindAbortFailed}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Other sentinel errors.
var (
	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates database connection failed.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInterrupted is a control-flow error: it requests the loop to stop
	// and is never retried or masked by cleanup failures.
	ErrInterrupted = errors.New("interrupted")

	// ErrUnserializable marks a value that could not be serialized for
	// storage. Commit translates it into KindCommitFailed.
	ErrUnserializable = errors.New("value cannot be serialized")
)

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

// Error implements the error interface
func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so that the default classifier retries it.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsControlFlow reports whether err asks the caller to stop rather than
// reporting a failure of the work itself.
func IsControlFlow(err error) bool {
	return errors.Is(err, ErrInterrupted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsSerializationError is the default commit translation predicate: it
// matches ErrUnserializable and the encoding/json marshalling failures.
func IsSerializationError(err error) bool {
	if errors.Is(err, ErrUnserializable) {
		return true
	}
	var unsupportedType *json.UnsupportedTypeError
	var unsupportedValue *json.UnsupportedValueError
	var marshaler *json.MarshalerError
	return errors.As(err, &unsupportedType) ||
		errors.As(err, &unsupportedValue) ||
		errors.As(err, &marshaler)
}

// ExitCodeForError returns the appropriate exit code for an error.
// Returns ExitSuccess (0) for nil errors, semantic codes for known errors,
// and ExitGeneralError (1) for unclassified errors.
func ExitCodeForError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case errors.Is(err, ErrInvalidConfig):
		return ExitConfigError
	case errors.Is(err, ErrConnectionFailed):
		return ExitConnectionError
	case IsControlFlow(err):
		return ExitInterrupted
	}

	switch KindOf(err) {
	case KindAlreadyInTransaction, KindNoTransaction,
		KindTransactionLifecycle, KindForeignTransaction:
		return ExitLifecycleError
	case KindCommitFailed:
		return ExitCommitFailed
	case KindAbortFailed:
		return ExitAbortFailed
	}

	errStr := err.Error()
	if isUsageError(errStr) {
		return ExitUsageError
	}
	if strings.Contains(errStr, "failed to connect") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") {
		return ExitConnectionError
	}

	return ExitGeneralError
}

// usagePatterns are the messages cobra and pflag produce for bad invocations.
var usagePatterns = []string{
	"unknown flag",
	"unknown shorthand flag",
	"unknown command",
	"accepts ",
	"required flag",
	"invalid argument",
	"missing required argument",
}

func isUsageError(msg string) bool {
	for _, p := range usagePatterns {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}

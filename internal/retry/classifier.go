package retry

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// PostgreSQL error codes for transient conditions
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	// Class 40 - Transaction Rollback
	pgCodeSerializationFailure = "40001"
	pgCodeDeadlockDetected     = "40P01"

	// Class 55 - Object Not In Prerequisite State
	pgCodeLockNotAvailable = "55P03"
)

// transientPgClasses are SQLSTATE classes retried as a whole:
// 08 connection exception, 53 insufficient resources, 57 operator intervention.
var transientPgClasses = []string{"08", "53", "57"}

// IsTransientPgError reports whether a PostgreSQL error is worth another attempt.
func IsTransientPgError(pgErr *pgconn.PgError) bool {
	for _, class := range transientPgClasses {
		if strings.HasPrefix(pgErr.Code, class) {
			return true
		}
	}

	switch pgErr.Code {
	case pgCodeSerializationFailure,
		pgCodeDeadlockDetected,
		pgCodeLockNotAvailable:
		return true
	}
	return false
}

// Classifier decides whether a failed attempt should be retried.
//
// The transaction manager's oracle is asked first; then the rules are
// evaluated in order, extra rules before the defaults. Control-flow errors
// and ErrAlreadyInTransaction are never retried.
type Classifier struct {
	oracle func(err error) bool
	rules  []Rule
	logger txloop.Logger
}

// NewClassifier creates a classifier. oracle may be nil.
// extra rules are prepended to DefaultRules.
func NewClassifier(oracle func(err error) bool, logger txloop.Logger, extra ...Rule) *Classifier {
	rules := make([]Rule, 0, len(extra)+len(DefaultRules()))
	rules = append(rules, extra...)
	rules = append(rules, DefaultRules()...)
	return &Classifier{
		oracle: oracle,
		rules:  rules,
		logger: logger,
	}
}

// IsTransient implements txloop.ErrorClassifier.
func (c *Classifier) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if txloop.IsControlFlow(err) || errors.Is(err, txloop.ErrAlreadyInTransaction) {
		return false
	}

	if c.askOracle(err) {
		return true
	}

	for _, rule := range c.rules {
		if rule.Matches(err) {
			if c.logger != nil {
				c.logger.Verbose("error matched retry rule %s: %v", rule.Name, err)
			}
			return true
		}
	}
	return false
}

// askOracle shields the rule list from a misbehaving oracle.
func (c *Classifier) askOracle(err error) (retryable bool) {
	if c.oracle == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			if c.logger != nil {
				c.logger.Warn("retry oracle panicked, falling back to rules: %v", r)
			}
			retryable = false
		}
	}()
	return c.oracle(err)
}

// PostgreSQLErrorClassifier classifies connection-establishment errors.
// It is used when opening the pool, before any transaction exists.
type PostgreSQLErrorClassifier struct{}

// NewPostgreSQLErrorClassifier creates a new PostgreSQL error classifier.
func NewPostgreSQLErrorClassifier() *PostgreSQLErrorClassifier {
	return &PostgreSQLErrorClassifier{}
}

// IsTransient determines if an error is temporary and retryable.
func (c *PostgreSQLErrorClassifier) IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return IsTransientPgError(pgErr)
	}

	return isNetworkError(err) || isConnectionMessage(err)
}

// isNetworkError checks for network-level errors.
func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return true
		}
		if opErr.Err != nil {
			return errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
				errors.Is(opErr.Err, syscall.ECONNRESET) ||
				errors.Is(opErr.Err, syscall.ENETUNREACH) ||
				errors.Is(opErr.Err, syscall.EHOSTUNREACH)
		}
	}
	return false
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"network is unreachable",
	"i/o timeout",
	"broken pipe",
	"too many connections",
	"server closed the connection",
	"unexpected eof",
}

// isConnectionMessage matches pgconn errors that only carry text.
func isConnectionMessage(err error) bool {
	errMsg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

var (
	_ txloop.ErrorClassifier = (*Classifier)(nil)
	_ txloop.ErrorClassifier = (*PostgreSQLErrorClassifier)(nil)
)

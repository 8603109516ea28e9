package retry

import (
	"errors"
	"reflect"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// Rule matches errors of one type, optionally narrowed by a predicate.
type Rule struct {
	// Name identifies the rule in log output.
	Name string

	match func(err error) bool
}

// Matches reports whether err (or anything in its chain) satisfies the rule.
func (r Rule) Matches(err error) bool {
	return r.match != nil && r.match(err)
}

// RuleFor builds a rule matching errors assignable to E via errors.As.
// A nil predicate matches every such error.
//
// Example:
//
//	retry.RuleFor(func(e *pgconn.PgError) bool { return e.Code == "40001" })
//	retry.RuleFor[*MyConflict](nil)
func RuleFor[E error](predicate func(E) bool) Rule {
	return Rule{
		Name: reflect.TypeFor[E]().String(),
		match: func(err error) bool {
			var target E
			if !errors.As(err, &target) {
				return false
			}
			return predicate == nil || predicate(target)
		},
	}
}

// MatchAll returns a rule matching every error.
func MatchAll() Rule {
	return Rule{
		Name:  "any",
		match: func(err error) bool { return err != nil },
	}
}

type temporary interface {
	error
	Temporary() bool
}

// DefaultRules are the rules every classifier ends with.
func DefaultRules() []Rule {
	return []Rule{
		RuleFor[*txloop.TransientError](nil),
		RuleFor(IsTransientPgError),
		{
			Name:  "pgconn.SafeToRetry",
			match: pgconn.SafeToRetry,
		},
		RuleFor(func(e temporary) bool { return e.Temporary() }),
	}
}

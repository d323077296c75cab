package safequery

import "github.com/rickchristie/safequery/internal/qerr"

// Sentinels for errors.Is. Errors returned by Plan, Check, Execute and Ask
// match one of them.
var (
	// ErrInvalidRequest is a planner, gate, allowlist or hook rejection.
	// Nothing reached the database. Retrying the same input fails the same way.
	ErrInvalidRequest = qerr.ErrInvalidRequest
	// ErrCircuitOpen means the statement failed repeatedly and is cooling down.
	ErrCircuitOpen = qerr.ErrCircuitOpen
	// ErrExecutionFailure is a database error inside the transaction.
	ErrExecutionFailure = qerr.ErrExecutionFailure
)

// Rule returns the machine-readable rule of a rejection, such as
// "semicolon" or "column", or "" for other errors.
func Rule(err error) string {
	return qerr.RuleOf(err)
}

// PublicMessage returns text for err that is safe to show an end user.
// Database error messages are never included.
func PublicMessage(err error) string {
	return qerr.Public(err)
}

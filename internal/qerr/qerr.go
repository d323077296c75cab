// Package qerr defines the error kinds shared by the planner, the safety
// gate and the executor.
package qerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	// KindInvalidRequest is a planner or gate rejection. Not retryable.
	KindInvalidRequest Kind = iota + 1
	// KindCircuitOpen means the statement is in breaker cooldown.
	KindCircuitOpen
	// KindExecutionFailure is a database-level failure inside the transaction.
	KindExecutionFailure
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid request"
	case KindCircuitOpen:
		return "circuit open"
	case KindExecutionFailure:
		return "execution failure"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across the subsystem.
type Error struct {
	Kind Kind
	// Rule is a short machine-readable code, e.g. "semicolon" or "identifier".
	Rule string
	Msg  string
	Err  error
}

// Sentinels for errors.Is matching on kind.
var (
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrCircuitOpen      = &Error{Kind: KindCircuitOpen}
	ErrExecutionFailure = &Error{Kind: KindExecutionFailure}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels: a target with no message matches any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Rule == "" && t.Err == nil && t.Kind == e.Kind
}

// Invalid returns an InvalidRequest error for the given rule.
func Invalid(rule, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Rule: rule, Msg: fmt.Sprintf(format, args...)}
}

// CircuitOpen returns the error surfaced while a fingerprint is cooling down.
func CircuitOpen(key string, until time.Time) *Error {
	return &Error{
		Kind: KindCircuitOpen,
		Rule: "circuit_open",
		Msg:  fmt.Sprintf("statement %s temporarily unavailable until %s", key, until.UTC().Format(time.RFC3339)),
	}
}

// Execution wraps a database failure. Only the class is placed in the message.
func Execution(err error) *Error {
	return &Error{
		Kind: KindExecutionFailure,
		Rule: "execution",
		Msg:  "query execution failed (" + Class(err) + ")",
		Err:  err,
	}
}

// KindOf returns the kind of err, or 0 if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Class returns a stable, message-free name for err: the SQLSTATE for
// Postgres errors, DeadlineExceeded/Canceled for context errors, otherwise
// the Go type name of the innermost wrapped error.
func Class(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "DeadlineExceeded"
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return "PgError[" + pgErr.Code + "]"
	}
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// Public returns text safe to hand to an end user: the Msg of a *Error,
// which never embeds a database message, or a generic string otherwise.
func Public(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		return e.Kind.String()
	}
	return "internal error"
}

// RuleOf returns the Rule of err, or "" if err is not a *Error.
func RuleOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Rule
	}
	return ""
}

package errprompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickchristie/safequery/internal/qerr"
)

func defaultMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := NewMatcher(DefaultRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestSignature(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{qerr.Invalid("semicolon", "multiple statements"), "invalid_request:semicolon"},
		{fmt.Errorf("plan: %w", qerr.Invalid("column", "x")), "invalid_request:column"},
		{qerr.CircuitOpen("abc", time.Now()), "circuit_open:circuit_open"},
		{qerr.Execution(&pgconn.PgError{Code: "57014"}), "execution_failure:PgError[57014]"},
		{qerr.Execution(context.DeadlineExceeded), "execution_failure:DeadlineExceeded"},
		{context.Canceled, "error:Canceled"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := Signature(tt.err); got != tt.want {
			t.Errorf("Signature(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestMatchRejection(t *testing.T) {
	t.Parallel()
	m := defaultMatcher(t)
	got := m.Match(qerr.Invalid("semicolon", "multiple statements are not allowed"))
	if !strings.Contains(got, "without a semicolon") {
		t.Fatalf("unexpected guidance: %q", got)
	}
	got = m.Match(qerr.Invalid("column", `column "price" is not allowlisted`))
	if !strings.Contains(got, "allowlist tool") {
		t.Fatalf("unexpected guidance: %q", got)
	}
}

func TestMatchTimeout(t *testing.T) {
	t.Parallel()
	m := defaultMatcher(t)
	for _, cause := range []error{&pgconn.PgError{Code: "57014"}, context.DeadlineExceeded} {
		got := m.Match(qerr.Execution(cause))
		if !strings.Contains(got, "timed out") {
			t.Fatalf("expected timeout guidance for %v, got %q", cause, got)
		}
	}
}

func TestMatchNeverSeesDatabaseMessage(t *testing.T) {
	t.Parallel()
	m, err := NewMatcher([]Rule{{Pattern: `secret_table`, Message: "leak"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cause := &pgconn.PgError{Code: "42P01", Message: `relation "secret_table" does not exist`}
	if got := m.Match(qerr.Execution(cause)); got != "" {
		t.Fatalf("expected no match on raw message, got %q", got)
	}
}

func TestNoMatch(t *testing.T) {
	t.Parallel()
	m := defaultMatcher(t)
	if got := m.Match(errors.New("some other error")); got != "" {
		t.Fatalf("expected empty string for non-matching error, got: %s", got)
	}
	if got := m.Match(nil); got != "" {
		t.Fatalf("expected empty string for nil error, got: %s", got)
	}
}

func TestMultipleMatches(t *testing.T) {
	t.Parallel()
	m, err := NewMatcher([]Rule{
		{Pattern: `^execution_failure:`, Message: "The query failed."},
		{Pattern: `PgError\[42501\]`, Message: "Check grants."},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := m.Match(qerr.Execution(&pgconn.PgError{Code: "42501"}))
	if got != "The query failed.\nCheck grants." {
		t.Fatalf("unexpected guidance %q", got)
	}
	patterns := m.MatchedPatterns(qerr.Execution(&pgconn.PgError{Code: "42501"}))
	if len(patterns) != 2 {
		t.Fatalf("expected 2 matched patterns, got %v", patterns)
	}
}

func TestNilMatcher(t *testing.T) {
	t.Parallel()
	var m *Matcher
	if got := m.Match(qerr.Invalid("parse", "x")); got != "" {
		t.Fatalf("expected empty guidance from nil matcher, got %q", got)
	}
	if m.MatchedPatterns(qerr.Invalid("parse", "x")) != nil {
		t.Fatal("expected nil patterns from nil matcher")
	}
}

func TestInvalidRegexPattern(t *testing.T) {
	t.Parallel()
	_, err := NewMatcher([]Rule{{Pattern: `[invalid`, Message: "x"}})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
	if !strings.Contains(err.Error(), "[invalid") {
		t.Fatalf("error should mention the pattern: %v", err)
	}
}

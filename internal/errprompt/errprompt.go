// Package errprompt maps query errors to short guidance for the agent that
// issued the query. Matching runs on a message-free signature of the error,
// so guidance can be appended to user-facing output without leaking data.
package errprompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rickchristie/safequery/internal/qerr"
)

// Rule is the error prompt matcher's own rule type.
type Rule struct {
	Pattern string
	Message string
}

type compiledRule struct {
	pattern *regexp.Regexp
	message string
}

// Matcher checks error signatures against patterns and returns guidance prompts.
type Matcher struct {
	rules []compiledRule
}

// DefaultRules cover the rejection rules and the common SQLSTATEs.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `^invalid_request:(semicolon|not_select|statement|select_into|locking|blocked_verb)$`, Message: "Send exactly one read-only SELECT (or WITH ... SELECT) statement, without a semicolon."},
		{Pattern: `^invalid_request:(table|schema|empty_allowlist)$`, Message: "Only allowlisted tables can be queried. Call the allowlist tool to see them."},
		{Pattern: `^invalid_request:(column|identifier)$`, Message: "Only allowlisted columns can be referenced. Call the allowlist tool for the column list."},
		{Pattern: `^invalid_request:function$`, Message: "Only aggregate, date and simple scalar functions are allowed."},
		{Pattern: `^invalid_request:system_catalog$`, Message: "System catalogs are not queryable."},
		{Pattern: `^invalid_request:parse$`, Message: "The SQL did not parse. Check parentheses, commas and quoting."},
		{Pattern: `^circuit_open:`, Message: "This exact statement failed repeatedly. Change the statement or wait for the cooldown to end."},
		{Pattern: `:(PgError\[57014\]|DeadlineExceeded)$`, Message: "The statement timed out. Narrow the date range, add filters or lower the limit."},
		{Pattern: `:PgError\[42P01\]$`, Message: "A table in the allowlist is missing from the database. Ask the operator to refresh the allowlist."},
		{Pattern: `:PgError\[42703\]$`, Message: "A column in the allowlist is missing from the database. Ask the operator to refresh the allowlist."},
		{Pattern: `:PgError\[42501\]$`, Message: "The database role lacks privileges on this table."},
		{Pattern: `:PgError\[25006\]$`, Message: "Writes are not permitted; the transaction is read-only."},
	}
}

// NewMatcher creates a new Matcher. Returns an error on invalid regex patterns.
func NewMatcher(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("errprompt: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, message: r.Message}
	}
	return &Matcher{rules: compiled}, nil
}

// Signature renders err as "<kind>:<rule>" for rejections and
// "<kind>:<class>" for execution failures, e.g.
// "invalid_request:semicolon" or "execution_failure:PgError[57014]".
func Signature(err error) string {
	if err == nil {
		return ""
	}
	switch qerr.KindOf(err) {
	case qerr.KindInvalidRequest:
		return "invalid_request:" + qerr.RuleOf(err)
	case qerr.KindCircuitOpen:
		return "circuit_open:" + qerr.RuleOf(err)
	case qerr.KindExecutionFailure:
		return "execution_failure:" + qerr.Class(err)
	default:
		return "error:" + qerr.Class(err)
	}
}

// Match returns the guidance for err: all matching messages, top to bottom,
// joined with newlines. Returns "" if nothing matches.
func (m *Matcher) Match(err error) string {
	return m.MatchSignature(Signature(err))
}

// MatchSignature is Match on a precomputed signature.
func (m *Matcher) MatchSignature(sig string) string {
	if m == nil || sig == "" {
		return ""
	}
	var matches []string
	for _, rule := range m.rules {
		if rule.pattern.MatchString(sig) {
			matches = append(matches, rule.message)
		}
	}
	return strings.Join(matches, "\n")
}

// MatchedPatterns returns the regex patterns that matched err.
// Returns nil if no match.
func (m *Matcher) MatchedPatterns(err error) []string {
	if m == nil {
		return nil
	}
	sig := Signature(err)
	var patterns []string
	for _, rule := range m.rules {
		if rule.pattern.MatchString(sig) {
			patterns = append(patterns, rule.pattern.String())
		}
	}
	return patterns
}

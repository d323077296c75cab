// Package gate is the last syntactic check before any SQL reaches the
// database. It trusts nothing about where the SQL came from: planner output,
// cached plans and raw caller SQL all go through the same Check.
package gate

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"

	"github.com/rickchristie/safequery/internal/qerr"
	"github.com/rickchristie/safequery/internal/sqlast"
)

// Rule codes carried in qerr.Error.Rule.
const (
	RuleEmpty         = "empty"
	RuleLength        = "length"
	RuleSemicolon     = "semicolon"
	RuleNotSelect     = "not_select"
	RuleBlockedVerb   = "blocked_verb"
	RuleFunction      = "function"
	RuleSystemCatalog = "system_catalog"
	RuleParse         = "parse"
	RuleStatement     = "statement"
	RuleSelectInto    = "select_into"
	RuleLocking       = "locking"
)

// DefaultFunctions are the read-only functions a statement may call.
var DefaultFunctions = []string{
	"count", "sum", "avg", "min", "max", "coalesce", "nullif", "date_trunc",
	"extract", "upper", "lower", "substring", "round", "floor", "ceil",
	"greatest", "least",
}

// Keywords that can precede "(" without being a function call. Only the
// lexical scan consults them; the parse tree check sees real calls.
var structuralKeywords = map[string]bool{
	"select": true, "with": true, "from": true, "where": true, "join": true,
	"lateral": true, "on": true, "using": true, "group": true, "by": true,
	"having": true, "order": true, "limit": true, "offset": true,
	"union": true, "intersect": true, "except": true, "values": true,
	"case": true, "when": true, "then": true, "else": true, "as": true,
	"and": true, "or": true, "not": true, "in": true, "exists": true,
	"between": true, "like": true, "ilike": true, "is": true, "any": true,
	"some": true, "all": true, "distinct": true, "over": true, "filter": true,
	"partition": true, "within": true, "cast": true, "array": true,
	"row": true, "rollup": true, "cube": true, "sets": true,
}

var blockedVerbs = map[string]bool{
	"insert": true, "update": true, "delete": true, "alter": true,
	"drop": true, "create": true, "grant": true, "revoke": true,
	"truncate": true,
}

var systemSchemas = []string{"pg_catalog", "information_schema", "pg_toast"}

// Config is the gate's own config type.
type Config struct {
	// MaxSQLLength rejects longer statements. Zero disables the check.
	MaxSQLLength int
	// ExtraFunctions are allowed in addition to DefaultFunctions.
	ExtraFunctions []string
}

// Checker validates SQL text. It holds no mutable state and is safe for
// concurrent use; the same input always yields the same decision.
type Checker struct {
	maxLength int
	functions map[string]bool
}

// NewChecker creates a new Checker with the given config.
func NewChecker(config Config) *Checker {
	fns := make(map[string]bool, len(DefaultFunctions)+len(config.ExtraFunctions))
	for _, list := range [][]string{DefaultFunctions, config.ExtraFunctions} {
		for _, f := range list {
			fns[strings.ToLower(strings.TrimSpace(f))] = true
		}
	}
	return &Checker{maxLength: config.MaxSQLLength, functions: fns}
}

// Check returns nil if sql may run, or a qerr.KindInvalidRequest error naming
// the first rule it breaks. Lexical rules run first, then the parse tree rules.
func (c *Checker) Check(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return qerr.Invalid(RuleEmpty, "empty statement")
	}
	if c.maxLength > 0 && len(sql) > c.maxLength {
		return qerr.Invalid(RuleLength, "SQL query too long: %d bytes exceeds maximum of %d bytes", len(sql), c.maxLength)
	}
	if strings.Contains(sql, ";") {
		return qerr.Invalid(RuleSemicolon, "semicolons are not allowed: only a single statement may run")
	}
	lower := strings.ToLower(trimmed)
	if !startsWithWord(lower, "select") && !startsWithWord(lower, "with") {
		return qerr.Invalid(RuleNotSelect, "only SELECT or WITH statements are allowed")
	}
	tokens := tokenize(lower)
	for _, tok := range tokens {
		for _, part := range strings.Split(tok, ".") {
			if blockedVerbs[part] {
				return qerr.Invalid(RuleBlockedVerb, "blocked keyword %q", part)
			}
		}
	}
	if err := c.checkCallSites(stripLiterals(lower)); err != nil {
		return err
	}
	for _, tok := range tokens {
		for _, s := range systemSchemas {
			if tok == s || strings.HasPrefix(tok, s+".") {
				return qerr.Invalid(RuleSystemCatalog, "system catalog %s is not accessible", s)
			}
		}
	}
	return c.checkTree(sql)
}

var callSite = regexp.MustCompile(`([a-z_][a-z0-9_$]*(?:\.[a-z_][a-z0-9_$]*)*)\s*\(`)

func (c *Checker) checkCallSites(text string) error {
	for _, m := range callSite.FindAllStringSubmatchIndex(text, -1) {
		start := m[2]
		// "::numeric(10,2)" is a type modifier, not a call.
		if start >= 2 && text[start-2:start] == "::" {
			continue
		}
		name := text[m[2]:m[3]]
		if !c.functions[name] && !structuralKeywords[name] {
			return qerr.Invalid(RuleFunction, "function %s() is not allowed", name)
		}
	}
	return nil
}

// checkTree walks the pg_query parse tree.
func (c *Checker) checkTree(sql string) error {
	stmts, err := sqlast.Parse(sql)
	if err != nil {
		return &qerr.Error{Kind: qerr.KindInvalidRequest, Rule: RuleParse, Msg: "SQL parse error", Err: err}
	}
	if len(stmts) != 1 {
		return qerr.Invalid(RuleStatement, "expected exactly one statement, found %d", len(stmts))
	}
	if stmts[0].GetStmt().GetSelectStmt() == nil {
		return qerr.Invalid(RuleNotSelect, "only SELECT statements are allowed")
	}

	var violation error
	sqlast.Walk(stmts[0], func(m proto.Message) bool {
		if violation != nil {
			return false
		}
		switch n := m.(type) {
		case *pg_query.SelectStmt:
			if n.GetIntoClause() != nil {
				violation = qerr.Invalid(RuleSelectInto, "SELECT INTO is not allowed")
			} else if len(n.GetLockingClause()) > 0 {
				violation = qerr.Invalid(RuleLocking, "FOR UPDATE/SHARE is not allowed")
			}
		case *pg_query.InsertStmt, *pg_query.UpdateStmt, *pg_query.DeleteStmt, *pg_query.MergeStmt:
			violation = qerr.Invalid(RuleStatement, "data-modifying statements are not allowed")
		case *pg_query.FuncCall:
			names := sqlast.Strings(n.GetFuncname())
			name := ""
			if len(names) > 0 {
				name = strings.ToLower(names[len(names)-1])
			}
			// The lexical pass rejects a literal "pg_catalog", so a qualified
			// name here comes from SQL syntax such as EXTRACT(... FROM ...).
			qualified := len(names) == 2 && strings.ToLower(names[0]) == "pg_catalog"
			if (len(names) != 1 && !qualified) || !c.functions[name] {
				violation = qerr.Invalid(RuleFunction, "function %s() is not allowed", sqlast.FuncName(n))
			}
		case *pg_query.RangeVar:
			schema := strings.ToLower(n.GetSchemaname())
			rel := strings.ToLower(n.GetRelname())
			if isSystemSchema(schema) || (schema == "" && strings.HasPrefix(rel, "pg_")) {
				violation = qerr.Invalid(RuleSystemCatalog, "system relation %s is not accessible", rel)
			}
		}
		return violation == nil
	})
	return violation
}

func isSystemSchema(s string) bool {
	for _, sys := range systemSchemas {
		if s == sys {
			return true
		}
	}
	return false
}

func startsWithWord(s, word string) bool {
	if !strings.HasPrefix(s, word) {
		return false
	}
	if len(s) == len(word) {
		return true
	}
	next := s[len(word)]
	return !(next == '_' || next == '$' || (next >= 'a' && next <= 'z') || (next >= '0' && next <= '9'))
}

// tokenize splits lower-cased text into identifier tokens. Dots are kept so
// qualified names stay whole.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r == '_' || r == '$' || r == '.' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127)
	})
}

// stripLiterals blanks out string literals, quoted identifiers and comments so
// call-site detection only sees code.
func stripLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'' || ch == '"':
			b.WriteByte(' ')
			for i++; i < len(s); i++ {
				if s[i] == ch {
					if i+1 < len(s) && s[i+1] == ch {
						i++
						continue
					}
					break
				}
			}
			b.WriteByte(' ')
		case ch == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case ch == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				i = len(s)
			} else {
				i += end + 3
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// Package planner turns a short natural-language analytic request into a
// single bounded, read-only SELECT over allowlisted identifiers.
//
// Planning is lexical: data-driven cue sets classify the request as an
// aggregation and/or a time series, a table is chosen from the allowlist, and
// one of three statement shapes is emitted. Every emitted statement is checked
// by the allowlist Validator before it is returned.
package planner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rickchristie/safequery/internal/allowlist"
	"github.com/rickchristie/safequery/internal/qerr"
)

const (
	DefaultSchema       = "analytics"
	DefaultLimit        = 100
	DefaultMaxSafeLimit = 1000
	maxPreviewColumns   = 6
)

// SentinelSQL is returned when the allowlist is empty. It never matches a row.
const SentinelSQL = "SELECT 1 WHERE 1=0 LIMIT 1"

// Config is the planner's own config type.
type Config struct {
	// Schema qualifies every emitted identifier.
	Schema string
	// DefaultLimit is the preview LIMIT when the request does not set one.
	DefaultLimit int
	// MaxSafeLimit is the upper bound of any preview LIMIT.
	MaxSafeLimit int
	// TablePriority is tried in order when no table is named in the request.
	TablePriority []string
	// TimeHints are substrings that mark a column as time-like.
	TimeHints []string
	// Lexicons are the cue packs; nil means the builtin pt and en packs.
	Lexicons []*Lexicon
}

// Request is one natural-language planning request.
type Request struct {
	Text string
	// Limit overrides Config.DefaultLimit for preview statements. Zero means default.
	Limit int
}

// Statement is a planned, validated SQL statement.
type Statement struct {
	SQL          string         `json:"sql"`
	Params       map[string]any `json:"params"`
	Reason       string         `json:"reason"`
	LimitApplied bool           `json:"limit_applied"`
	Aggregate    bool           `json:"aggregate"`
	Warnings     []string       `json:"warnings,omitempty"`
}

// Planner is safe for concurrent use.
type Planner struct {
	schema        string
	defaultLimit  int
	maxSafeLimit  int
	tablePriority []string
	timeHints     []string
	classifier    *classifier
	validator     *allowlist.Validator
}

// New creates a Planner. Returns an error if a lexicon pattern does not compile.
func New(config Config) (*Planner, error) {
	if config.Schema == "" {
		config.Schema = DefaultSchema
	}
	if config.MaxSafeLimit <= 0 {
		config.MaxSafeLimit = DefaultMaxSafeLimit
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = DefaultLimit
	}
	if len(config.TablePriority) == 0 {
		config.TablePriority = []string{"orders", "order_items", "customers", "products", "payments"}
	}
	if len(config.TimeHints) == 0 {
		config.TimeHints = []string{"timestamp", "date", "dt"}
	}
	if config.Lexicons == nil {
		config.Lexicons = DefaultLexicons()
	}
	cl, err := newClassifier(config.Lexicons)
	if err != nil {
		return nil, err
	}
	return &Planner{
		schema:        config.Schema,
		defaultLimit:  config.DefaultLimit,
		maxSafeLimit:  config.MaxSafeLimit,
		tablePriority: config.TablePriority,
		timeHints:     config.TimeHints,
		classifier:    cl,
		validator:     allowlist.NewValidator(config.Schema),
	}, nil
}

// MaxSafeLimit returns the configured preview LIMIT bound.
func (p *Planner) MaxSafeLimit() int { return p.maxSafeLimit }

// Plan builds a Statement for req. Errors are qerr.KindInvalidRequest and no
// partial plan is ever returned with an error.
func (p *Planner) Plan(req Request, snap allowlist.Snapshot) (Statement, error) {
	// Callers may hand in an ad-hoc map rather than a registry snapshot.
	snap = allowlist.Normalize(snap)
	if len(snap) == 0 {
		return Statement{
			SQL:          SentinelSQL,
			Params:       map[string]any{},
			Reason:       "no allowlisted tables",
			LimitApplied: true,
			Warnings:     []string{"empty allowlist: returning sentinel statement"},
		}, nil
	}

	folded := fold(req.Text)
	table := p.pickTable(folded, snap)
	in := p.classifier.classify(folded)
	year := extractYear(folded)
	timeCol := p.timeColumn(snap[table])

	var warnings []string
	var where string
	if year != "" {
		if timeCol == "" {
			warnings = append(warnings, fmt.Sprintf("year filter %s ignored: %s has no time column", year, table))
		} else {
			where = p.yearFilter(table, timeCol, year)
		}
	}
	from := p.qualify(table)
	var b strings.Builder
	var reason string
	stmt := Statement{Params: map[string]any{}}

	switch {
	case in.aggregation && in.unit != "" && timeCol != "":
		col := p.qualify(table, timeCol)
		fmt.Fprintf(&b, "SELECT date_trunc('%s', %s) AS period, COUNT(1) AS qty FROM %s", in.unit, col, from)
		appendWhere(&b, where)
		b.WriteString(" GROUP BY period ORDER BY period")
		reason = fmt.Sprintf("count of %s per %s", table, in.unit)
		stmt.Aggregate = true

	case in.aggregation:
		if in.unit != "" {
			warnings = append(warnings, fmt.Sprintf("time series by %s ignored: %s has no time column", in.unit, table))
		}
		fmt.Fprintf(&b, "SELECT COUNT(1) AS qty FROM %s", from)
		appendWhere(&b, where)
		reason = fmt.Sprintf("count of %s", table)
		stmt.Aggregate = true

	default:
		limit := clamp(req.Limit, p.defaultLimit, p.maxSafeLimit)
		cols := previewColumns(snap[table], p.isTimeLike)
		list := "*"
		if len(cols) > 0 {
			qualified := make([]string, len(cols))
			for i, c := range cols {
				qualified[i] = p.qualify(table, c)
			}
			list = strings.Join(qualified, ", ")
		}
		fmt.Fprintf(&b, "SELECT %s FROM %s", list, from)
		appendWhere(&b, where)
		fmt.Fprintf(&b, " ORDER BY 1 DESC LIMIT %d", limit)
		reason = fmt.Sprintf("preview of %s (limit %d)", table, limit)
		stmt.LimitApplied = true
	}
	if year != "" && where != "" {
		reason += " in " + year
	}

	sql := b.String()
	if strings.Contains(sql, "*") {
		sql = strings.ReplaceAll(sql, "*", "1")
		warnings = append(warnings, "replaced residual '*' with '1'")
	}

	if err := p.validator.Validate(sql, snap); err != nil {
		return Statement{}, err
	}
	if verb := blockedVerb(sql); verb != "" {
		return Statement{}, qerr.Invalid("blocked_verb", "generated SQL contains blocked keyword %q", verb)
	}

	stmt.SQL = sql
	stmt.Reason = reason
	stmt.Warnings = warnings
	return stmt, nil
}

// pickTable returns a table named in the request, a synonym hit, the first
// allowlisted priority table, or the first table in sorted order.
func (p *Planner) pickTable(folded string, snap allowlist.Snapshot) string {
	tokens := words(folded)
	for _, tok := range tokens {
		if t, ok := snap.Table(tok); ok {
			return t
		}
	}
	for _, tok := range tokens {
		if syn, ok := p.classifier.synonyms[tok]; ok {
			if t, ok := snap.Table(syn); ok {
				return t
			}
		}
	}
	for _, name := range p.tablePriority {
		if t, ok := snap.Table(name); ok {
			return t
		}
	}
	return snap.Tables()[0]
}

// timeColumn returns the first column whose name contains a time hint.
func (p *Planner) timeColumn(cols []string) string {
	for _, c := range cols {
		if p.isTimeLike(c) {
			return c
		}
	}
	return ""
}

func (p *Planner) isTimeLike(col string) bool {
	lower := strings.ToLower(col)
	for _, h := range p.timeHints {
		if strings.Contains(lower, strings.ToLower(h)) {
			return true
		}
	}
	return false
}

func (p *Planner) yearFilter(table, col, year string) string {
	y, _ := strconv.Atoi(year)
	qc := p.qualify(table, col)
	return fmt.Sprintf("%s >= '%04d-01-01' AND %s < '%04d-01-01'", qc, y, qc, y+1)
}

// qualify joins schema and names, quoting parts that are not plain lower-case identifiers.
func (p *Planner) qualify(names ...string) string {
	parts := make([]string, 0, len(names)+1)
	for _, n := range append([]string{p.schema}, names...) {
		parts = append(parts, quoteIdent(n))
	}
	return strings.Join(parts, ".")
}

var plainIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func quoteIdent(name string) string {
	if plainIdent.MatchString(name) {
		return name
	}
	return pgx.Identifier{name}.Sanitize()
}

// previewColumns picks up to six columns: *_id first, then *status*, then
// time-like, then the rest, each group in allowlist order.
func previewColumns(cols []string, timeLike func(string) bool) []string {
	var ids, statuses, times, rest []string
	for _, c := range cols {
		lower := strings.ToLower(c)
		switch {
		case strings.HasSuffix(lower, "_id"):
			ids = append(ids, c)
		case strings.Contains(lower, "status"):
			statuses = append(statuses, c)
		case timeLike(c):
			times = append(times, c)
		default:
			rest = append(rest, c)
		}
	}
	out := make([]string, 0, maxPreviewColumns)
	for _, group := range [][]string{ids, statuses, times, rest} {
		for _, c := range group {
			if len(out) == maxPreviewColumns {
				return out
			}
			out = append(out, c)
		}
	}
	return out
}

func appendWhere(b *strings.Builder, where string) {
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
}

func clamp(requested, def, max int) int {
	n := requested
	if n <= 0 {
		n = def
	}
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n
}

var blockedVerbs = map[string]bool{
	"insert": true, "update": true, "delete": true, "alter": true,
	"drop": true, "create": true, "grant": true, "revoke": true,
}

func blockedVerb(sql string) string {
	for _, w := range words(strings.ToLower(sql)) {
		if blockedVerbs[w] {
			return w
		}
	}
	return ""
}

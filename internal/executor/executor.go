// Package executor runs one vetted SELECT inside a read-only transaction with
// a server-side statement timeout, a client-side row cap and a per-statement
// circuit breaker.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickchristie/safequery/internal/breaker"
	"github.com/rickchristie/safequery/internal/engine"
	"github.com/rickchristie/safequery/internal/qerr"
	"github.com/rickchristie/safequery/internal/sanitize"
	"github.com/rickchristie/safequery/internal/timeout"
)

const (
	DefaultRowCap  = 200
	DefaultMaxRows = 5000
	DefaultTimeout = 30 * time.Second
)

var tracer = otel.Tracer("safequery.executor")

var groupByPattern = regexp.MustCompile(`(?i)\bgroup\s+by\b`)

// Config is the executor's own config type.
type Config struct {
	DefaultRowCap int
	MaxRowCap     int
	// ExplainAnalyze upgrades plan fetches to EXPLAIN ANALYZE, which runs the query.
	ExplainAnalyze bool
	// SanitizeSQL puts a collapsed, capped preview in Meta.SQL instead of the full text.
	SanitizeSQL      bool
	SQLPreviewLength int
}

// Request is a statement to execute. SQL must already have passed the gate.
type Request struct {
	SQL          string
	Params       map[string]any
	LimitApplied bool
}

// Options are per-call overrides. Zero values mean "use the default".
type Options struct {
	MaxRows        int
	Timeout        time.Duration
	ReadOnly       *bool
	IncludeExplain bool
	DryRun         bool
}

// Result is the outcome of one execution. RowCount == len(Rows) <= Meta.RowCap.
type Result struct {
	Rows         []map[string]any `json:"rows"`
	Columns      []string         `json:"columns"`
	RowCount     int              `json:"row_count"`
	ExecMS       int64            `json:"exec_ms"`
	LimitApplied bool             `json:"limit_applied"`
	Warnings     []string         `json:"warnings"`
	Meta         Meta             `json:"meta"`
}

// Meta describes how the statement was run.
type Meta struct {
	QueryID     string      `json:"query_id"`
	RowCap      int         `json:"row_cap"`
	TimeoutMS   int64       `json:"timeout_ms"`
	TimeoutRule string      `json:"timeout_rule"`
	ReadOnly    bool        `json:"read_only"`
	DryRun      bool        `json:"dry_run"`
	Truncated   bool        `json:"truncated"`
	Explain     any         `json:"explain"`
	Breaker     BreakerMeta `json:"breaker"`
	SQL         string      `json:"sql"`
}

// BreakerMeta is the breaker state for the statement after the call.
type BreakerMeta struct {
	Key       string     `json:"key"`
	Failures  int        `json:"failures"`
	OpenUntil *time.Time `json:"open_until"`
}

// ExplainError is placed in Meta.Explain when the plan could not be fetched.
type ExplainError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Executor is safe for concurrent use. Each Execute runs its own transaction.
type Executor struct {
	engine    engine.Engine
	config    Config
	breaker   *breaker.Breaker
	timeouts  *timeout.Manager
	sanitizer *sanitize.Sanitizer
	semaphore chan struct{}
	logger    zerolog.Logger
}

// Option is a functional option for New.
type Option func(*Executor)

// WithBreaker sets the circuit breaker. Defaults to breaker.New().
func WithBreaker(b *breaker.Breaker) Option {
	return func(e *Executor) { e.breaker = b }
}

// WithTimeouts sets the timeout manager. Defaults to DefaultTimeout, no rules.
func WithTimeouts(m *timeout.Manager) Option {
	return func(e *Executor) { e.timeouts = m }
}

// WithSanitizer sets the row sanitizer.
func WithSanitizer(s *sanitize.Sanitizer) Option {
	return func(e *Executor) { e.sanitizer = s }
}

// New creates an Executor. Panics on a nil engine or an invalid config.
func New(eng engine.Engine, config Config, logger zerolog.Logger, opts ...Option) *Executor {
	if eng == nil {
		panic("executor: engine must be non-nil")
	}
	if config.DefaultRowCap < 0 || config.MaxRowCap < 0 {
		panic("executor: row caps must be >= 0")
	}
	if config.MaxRowCap == 0 {
		config.MaxRowCap = DefaultMaxRows
	}
	if config.DefaultRowCap == 0 {
		config.DefaultRowCap = DefaultRowCap
	}
	if config.DefaultRowCap > config.MaxRowCap {
		config.DefaultRowCap = config.MaxRowCap
	}

	e := &Executor{engine: eng, config: config, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = breaker.New()
	}
	if e.timeouts == nil {
		m, err := timeout.NewManager(timeout.Config{DefaultTimeout: DefaultTimeout})
		if err != nil {
			panic(err)
		}
		e.timeouts = m
	}
	if n := eng.MaxConns(); n > 0 {
		e.semaphore = make(chan struct{}, n)
	}
	return e
}

// Breaker returns the executor's circuit breaker.
func (e *Executor) Breaker() *breaker.Breaker { return e.breaker }

// EffectiveCap returns the row cap for sql: the requested or default cap
// clamped to [1, MaxRowCap], raised to MaxRowCap for GROUP BY statements.
func (e *Executor) EffectiveCap(sql string, requested int) int {
	n := requested
	if n <= 0 {
		n = e.config.DefaultRowCap
	}
	if n < 1 {
		n = 1
	}
	if n > e.config.MaxRowCap {
		n = e.config.MaxRowCap
	}
	if groupByPattern.MatchString(sql) && n < e.config.MaxRowCap {
		n = e.config.MaxRowCap
	}
	return n
}

// Execute runs req. A CircuitOpen error is returned before any database
// access. On an ExecutionFailure the returned Result is non-nil and carries
// the warnings and breaker meta; the error wraps the cause.
func (e *Executor) Execute(ctx context.Context, req Request, opts Options) (*Result, error) {
	start := time.Now()
	key := breaker.Fingerprint(req.SQL)
	rowCap := e.EffectiveCap(req.SQL, opts.MaxRows)
	stmtTimeout, timeoutRule := e.timeouts.Resolve(req.SQL, opts.Timeout)
	readOnly := opts.ReadOnly == nil || *opts.ReadOnly

	res := &Result{
		Rows:     []map[string]any{},
		Columns:  []string{},
		Warnings: []string{},
		Meta: Meta{
			QueryID:     uuid.NewString(),
			RowCap:      rowCap,
			TimeoutMS:   stmtTimeout.Milliseconds(),
			TimeoutRule: timeoutRule,
			ReadOnly:    readOnly,
			DryRun:      opts.DryRun,
			Breaker:     BreakerMeta{Key: key},
			SQL:         req.SQL,
		},
	}
	if e.config.SanitizeSQL {
		res.Meta.SQL = sanitize.SQLPreview(req.SQL, e.config.SQLPreviewLength)
	}

	ctx, span := tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("safequery.query_id", res.Meta.QueryID),
		attribute.String("safequery.fingerprint", key),
		attribute.Int("safequery.row_cap", rowCap),
		attribute.Bool("safequery.dry_run", opts.DryRun),
	))
	defer span.End()

	if err := e.breaker.Allow(key); err != nil {
		executions.WithLabelValues("circuit_open").Inc()
		span.SetStatus(codes.Error, "circuit open")
		e.logger.Warn().
			Str("query_id", res.Meta.QueryID).
			Str("fingerprint", key).
			Msg("statement short-circuited")
		return nil, err
	}

	err := e.run(ctx, req, opts, res, stmtTimeout, readOnly)
	res.ExecMS = time.Since(start).Milliseconds()

	if err != nil {
		class := qerr.Class(err)
		res.Warnings = append(res.Warnings, "execution failed: "+class)
		st := e.breaker.Failure(key)
		res.Meta.Breaker.Failures = st.Failures
		res.Meta.Breaker.OpenUntil = st.OpenUntil
		if st.OpenUntil != nil && st.Failures >= e.breaker.MaxFailures() {
			breakerOpened.Inc()
		}

		executions.WithLabelValues("failure").Inc()
		executionDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
		failures.WithLabelValues(class).Inc()
		span.SetStatus(codes.Error, class)

		e.logger.Error().
			Str("query_id", res.Meta.QueryID).
			Str("fingerprint", key).
			Str("error_class", class).
			Int("breaker_failures", st.Failures).
			Dur("duration", time.Since(start)).
			Msg("query failed")
		return res, qerr.Execution(err)
	}

	e.breaker.Success(key)
	res.RowCount = len(res.Rows)
	res.LimitApplied = req.LimitApplied || res.Meta.Truncated
	res.Rows = e.sanitizer.SanitizeRows(res.Rows)

	outcome := "success"
	if opts.DryRun {
		outcome = "dry_run"
	}
	executions.WithLabelValues(outcome).Inc()
	executionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	rowsReturned.Observe(float64(res.RowCount))
	span.SetAttributes(attribute.Int("safequery.row_count", res.RowCount))

	logEvent := e.logger.Info().
		Str("query_id", res.Meta.QueryID).
		Str("sql", sanitize.Truncate(req.SQL, 200, "...[truncated]")).
		Dur("duration", time.Since(start)).
		Int("row_count", res.RowCount).
		Int("row_cap", rowCap)
	if res.Meta.Truncated {
		logEvent = logEvent.Bool("truncated", true)
	}
	if timeoutRule != "default" {
		logEvent = logEvent.Str("timeout_rule", timeoutRule)
	}
	if opts.DryRun {
		logEvent = logEvent.Bool("dry_run", true)
	}
	logEvent.Msg("query executed")
	return res, nil
}

// run owns the transaction. The transaction is always rolled back: nothing
// executed here is meant to persist.
func (e *Executor) run(ctx context.Context, req Request, opts Options, res *Result, stmtTimeout time.Duration, readOnly bool) error {
	if e.semaphore != nil {
		select {
		case e.semaphore <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("failed to acquire query slot: all %d slots are in use: %w", cap(e.semaphore), ctx.Err())
		}
		defer func() { <-e.semaphore }()
	}

	queryCtx, cancel := context.WithTimeout(ctx, stmtTimeout)
	defer cancel()

	tx, err := e.engine.Begin(queryCtx)
	if err != nil {
		return err
	}
	// Roll back on a context that survives caller cancellation so the
	// connection is always returned clean.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if readOnly {
		if err := tx.Exec(queryCtx, "SET LOCAL transaction_read_only = on"); err != nil {
			return err
		}
	}
	if err := tx.Exec(queryCtx, fmt.Sprintf("SET LOCAL statement_timeout = %d", stmtTimeout.Milliseconds())); err != nil {
		return err
	}

	if opts.DryRun {
		res.Meta.Explain = e.explain(queryCtx, tx, req)
		return nil
	}

	if err := e.collect(queryCtx, tx, req, res); err != nil {
		return err
	}
	if opts.IncludeExplain {
		res.Meta.Explain = e.explain(queryCtx, tx, req)
	}
	return nil
}

// collect streams rows until the cap. One extra Next detects truncation.
func (e *Executor) collect(ctx context.Context, tx engine.Tx, req Request, res *Result) error {
	rows, err := tx.Query(ctx, req.SQL, req.Params)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols := rows.Columns()
	res.Columns = cols
	for len(res.Rows) < res.Meta.RowCap && rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if i < len(values) {
				row[col] = convertValue(values[i])
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if len(res.Rows) == res.Meta.RowCap && rows.Next() {
		res.Meta.Truncated = true
		truncations.Inc()
		res.Warnings = append(res.Warnings, fmt.Sprintf("result truncated at %d rows", res.Meta.RowCap))
	}
	rows.Close()
	return rows.Err()
}

// explain fetches the JSON plan. Failures are returned as an ExplainError
// value and never fail the call.
func (e *Executor) explain(ctx context.Context, tx engine.Tx, req Request) any {
	prefix := "EXPLAIN (FORMAT JSON) "
	if e.config.ExplainAnalyze {
		prefix = "EXPLAIN (ANALYZE, FORMAT JSON) "
	}
	plan, err := e.fetchPlan(ctx, tx, prefix+req.SQL, req.Params)
	if err != nil {
		e.logger.Warn().Str("error_class", qerr.Class(err)).Msg("explain failed")
		return ExplainError{Error: qerr.Class(err), Message: err.Error()}
	}
	return plan
}

func (e *Executor) fetchPlan(ctx context.Context, tx engine.Tx, sql string, params map[string]any) (any, error) {
	rows, err := tx.Query(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plan any
	if rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			plan = values[0]
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// pgx decodes json columns; database/sql drivers return text.
	switch raw := plan.(type) {
	case []byte:
		return decodePlan(raw)
	case string:
		return decodePlan([]byte(raw))
	}
	return plan, nil
}

func decodePlan(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return v, nil
}

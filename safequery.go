package safequery

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/rickchristie/safequery/internal/allowlist"
	"github.com/rickchristie/safequery/internal/breaker"
	"github.com/rickchristie/safequery/internal/engine"
	"github.com/rickchristie/safequery/internal/errprompt"
	"github.com/rickchristie/safequery/internal/executor"
	"github.com/rickchristie/safequery/internal/gate"
	"github.com/rickchristie/safequery/internal/hooks"
	"github.com/rickchristie/safequery/internal/planner"
	"github.com/rickchristie/safequery/internal/sanitize"
	"github.com/rickchristie/safequery/internal/timeout"
)

const (
	defaultMaxSQLLength    = 100000
	defaultDiscoverTimeout = 10 * time.Second
)

// SafeQuery plans and executes read-only analytical statements against an
// allowlist. All exported methods are safe for concurrent use from multiple
// goroutines.
type SafeQuery struct {
	config     Config
	pool       *pgxpool.Pool // nil when built on a caller-supplied engine
	engine     engine.Engine
	registry   *allowlist.Registry
	validator  *allowlist.Validator
	planner    *planner.Planner
	gate       *gate.Checker
	executor   *executor.Executor
	hooks      *hooks.Runner
	errPrompts *errprompt.Matcher
	logger     zerolog.Logger
}

// Option is a functional option for New().
type Option func(*options)

type options struct {
	store BreakerStore
	clock func() time.Time
}

// WithBreakerStore replaces the in-memory breaker store.
func WithBreakerStore(s BreakerStore) Option {
	return func(o *options) { o.store = s }
}

// WithClock replaces time.Now in the circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New creates a SafeQuery backed by a pgx pool.
// connString is the PostgreSQL connection string (must include credentials).
// Panics on invalid config. Returns error only for runtime failures (e.g., pool creation).
func New(ctx context.Context, connString string, config Config, logger zerolog.Logger, opts ...Option) (*SafeQuery, error) {
	if connString == "" {
		panic("safequery: connString must be non-empty")
	}
	if config.Pool.MaxConns <= 0 {
		panic("safequery: pool.max_conns must be > 0")
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(config.Pool.MaxConns)
	poolConfig.MinConns = int32(config.Pool.MinConns)
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	poolConfig.MaxConnLifetime = parsePoolDuration("pool.max_conn_lifetime", config.Pool.MaxConnLifetime, poolConfig.MaxConnLifetime)
	poolConfig.MaxConnIdleTime = parsePoolDuration("pool.max_conn_idle_time", config.Pool.MaxConnIdleTime, poolConfig.MaxConnIdleTime)
	poolConfig.HealthCheckPeriod = parsePoolDuration("pool.health_check_period", config.Pool.HealthCheckPeriod, poolConfig.HealthCheckPeriod)

	// Every session defaults to read-only; the executor also sets it per transaction.
	timezone := config.Timezone
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
			return fmt.Errorf("failed to SET default_transaction_read_only: %w", err)
		}
		if timezone != "" {
			escaped := strings.ReplaceAll(timezone, "'", "''")
			if _, err := conn.Exec(ctx, fmt.Sprintf("SET timezone = '%s'", escaped)); err != nil {
				return fmt.Errorf("failed to SET timezone: %w", err)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	sq, err := build(engine.NewPgx(pool), config, logger, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	sq.pool = pool
	return sq, nil
}

// Engine is the database access SafeQuery runs statements through.
type Engine = engine.Engine

// NewSQLEngine wraps a database/sql handle, such as one opened with the pgx
// stdlib driver. maxConns bounds concurrent executions; 0 leaves them unbounded.
func NewSQLEngine(db *sql.DB, maxConns int) Engine {
	return engine.NewSQL(db, maxConns)
}

// NewWithEngine creates a SafeQuery on an existing engine, for example one
// from NewSQLEngine.
func NewWithEngine(eng Engine, config Config, logger zerolog.Logger, opts ...Option) (*SafeQuery, error) {
	if eng == nil {
		panic("safequery: engine must be non-nil")
	}
	return build(eng, config, logger, opts...)
}

func build(eng engine.Engine, config Config, logger zerolog.Logger, opts ...Option) (*SafeQuery, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	// --- Config validation (panics on invalid config) ---

	if config.Query.DefaultTimeoutSeconds < 0 {
		panic("safequery: query.default_timeout_seconds must be >= 0")
	}
	if config.Query.DefaultTimeoutSeconds == 0 {
		config.Query.DefaultTimeoutSeconds = int(executor.DefaultTimeout / time.Second)
	}
	if config.Query.MaxSQLLength < 0 {
		panic("safequery: query.max_sql_length must be > 0")
	}
	if config.Query.MaxSQLLength == 0 {
		config.Query.MaxSQLLength = defaultMaxSQLLength
	}
	if config.Query.DefaultRowCap < 0 || config.Query.MaxRowCap < 0 {
		panic("safequery: query row caps must be >= 0")
	}
	if config.Breaker.MaxFailures < 0 || config.Breaker.CooldownSeconds < 0 {
		panic("safequery: breaker settings must be >= 0")
	}
	for _, rule := range config.Query.TimeoutRules {
		if rule.TimeoutSeconds <= 0 {
			panic(fmt.Sprintf("safequery: timeout_rule with pattern %q has timeout_seconds <= 0", rule.Pattern))
		}
	}
	if len(config.Hooks.BeforeExecute)+len(config.Hooks.AfterExecute) > 0 && config.Hooks.DefaultTimeoutSeconds <= 0 {
		panic("safequery: hooks.default_timeout_seconds must be > 0 when hooks are configured")
	}
	if envToggle("SAFEQUERY_EXPLAIN_ANALYZE") {
		config.ExplainAnalyze = true
	}
	if envToggle("SAFEQUERY_SANITIZE_SQL") {
		config.SanitizeSQL = true
	}

	// --- Initialize internal components ---

	lexicons := planner.DefaultLexicons()
	for _, path := range config.Planner.LexiconFiles {
		lex, err := planner.LoadLexicon(path)
		if err != nil {
			return nil, err
		}
		lexicons = append(lexicons, lex)
	}
	pl, err := planner.New(planner.Config{
		Schema:        config.Planner.Schema,
		DefaultLimit:  config.Planner.DefaultLimit,
		MaxSafeLimit:  config.Planner.MaxSafeLimit,
		TablePriority: config.Planner.TablePriority,
		TimeHints:     config.Planner.TimeHints,
		Lexicons:      lexicons,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create planner: %w", err)
	}
	schema := config.Planner.Schema
	if schema == "" {
		schema = planner.DefaultSchema
	}

	san, err := sanitize.NewSanitizer(mapSanitizationRules(config.Sanitization))
	if err != nil {
		panic("safequery: " + err.Error())
	}
	matcher, err := errprompt.NewMatcher(append(errprompt.DefaultRules(), mapErrorPromptRules(config.ErrorPrompts)...))
	if err != nil {
		panic("safequery: " + err.Error())
	}
	timeoutRules := make([]timeout.Rule, len(config.Query.TimeoutRules))
	for i, r := range config.Query.TimeoutRules {
		timeoutRules[i] = timeout.Rule{
			Pattern: r.Pattern,
			Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
		}
	}
	tmgr, err := timeout.NewManager(timeout.Config{
		DefaultTimeout: time.Duration(config.Query.DefaultTimeoutSeconds) * time.Second,
		Rules:          timeoutRules,
	})
	if err != nil {
		panic("safequery: " + err.Error())
	}

	store := o.store
	if store == nil {
		store = breaker.NewMemoryStore(breaker.WithStoreClock(o.clock))
	}
	breakerOpts := []breaker.Option{
		breaker.WithStore(store),
		breaker.WithClock(o.clock),
		breaker.WithMaxFailures(config.Breaker.MaxFailures),
		breaker.WithCooldown(time.Duration(config.Breaker.CooldownSeconds) * time.Second),
	}

	var runner *hooks.Runner
	if len(config.Hooks.BeforeExecute)+len(config.Hooks.AfterExecute) > 0 {
		runner = hooks.NewRunner(hooks.Config{
			DefaultTimeout: time.Duration(config.Hooks.DefaultTimeoutSeconds) * time.Second,
			BeforeExecute:  mapHookEntries(config.Hooks.BeforeExecute),
			AfterExecute:   mapHookEntries(config.Hooks.AfterExecute),
		}, logger)
	}

	exec := executor.New(eng, executor.Config{
		DefaultRowCap:  config.Query.DefaultRowCap,
		MaxRowCap:      config.Query.MaxRowCap,
		ExplainAnalyze: config.ExplainAnalyze,
		SanitizeSQL:    config.SanitizeSQL,
	}, logger,
		executor.WithBreaker(breaker.New(breakerOpts...)),
		executor.WithTimeouts(tmgr),
		executor.WithSanitizer(san),
	)

	sq := &SafeQuery{
		config:    config,
		engine:    eng,
		registry:  allowlist.NewRegistry(nil),
		validator: allowlist.NewValidator(schema),
		planner:   pl,
		gate: gate.NewChecker(gate.Config{
			MaxSQLLength:   config.Query.MaxSQLLength,
			ExtraFunctions: config.Query.ExtraFunctions,
		}),
		executor:   exec,
		hooks:      runner,
		errPrompts: matcher,
		logger:     logger,
	}

	switch {
	case config.Allowlist.File != "":
		tables, err := allowlist.LoadFile(config.Allowlist.File)
		if err != nil {
			return nil, err
		}
		sq.SetAllowlist(tables)
	case len(config.Allowlist.Tables) > 0:
		sq.SetAllowlist(config.Allowlist.Tables)
	}
	return sq, nil
}

// Ping checks database connectivity.
func (s *SafeQuery) Ping(ctx context.Context) error {
	return s.engine.Ping(ctx)
}

// Close closes the connection pool, if New created one. Accepts context for
// API forward-compatibility; pgxpool.Pool.Close() does not support it.
func (s *SafeQuery) Close(ctx context.Context) {
	if s.pool != nil {
		s.pool.Close()
	}
}

// BreakerState returns the breaker bookkeeping for sql.
func (s *SafeQuery) BreakerState(sql string) BreakerState {
	return s.executor.Breaker().State(breaker.Fingerprint(sql))
}

// Guidance returns the error-prompt guidance for err, or "".
func (s *SafeQuery) Guidance(err error) string {
	return s.errPrompts.Match(err)
}

func parsePoolDuration(field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("safequery: invalid %s %q: %v", field, value, err))
	}
	return d
}

func envToggle(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

// mapSanitizationRules converts safequery SanitizationRules to internal sanitize.Rules.
func mapSanitizationRules(rules []SanitizationRule) []sanitize.Rule {
	result := make([]sanitize.Rule, len(rules))
	for i, r := range rules {
		result[i] = sanitize.Rule{Pattern: r.Pattern, Replacement: r.Replacement}
	}
	return result
}

// mapErrorPromptRules converts safequery ErrorPromptRules to internal errprompt.Rules.
func mapErrorPromptRules(rules []ErrorPromptRule) []errprompt.Rule {
	result := make([]errprompt.Rule, len(rules))
	for i, r := range rules {
		result[i] = errprompt.Rule{Pattern: r.Pattern, Message: r.Message}
	}
	return result
}

func mapHookEntries(entries []HookEntry) []hooks.HookEntry {
	result := make([]hooks.HookEntry, len(entries))
	for i, e := range entries {
		result[i] = hooks.HookEntry{
			Pattern: e.Pattern,
			Command: e.Command,
			Args:    e.Args,
			Timeout: time.Duration(e.TimeoutSeconds) * time.Second,
		}
	}
	return result
}

package safequery

// Config is the base configuration used by library mode via New().
type Config struct {
	Pool         PoolConfig         `json:"pool"`
	Query        QueryConfig        `json:"query"`
	Planner      PlannerConfig      `json:"planner"`
	Breaker      BreakerConfig      `json:"breaker"`
	Allowlist    AllowlistConfig    `json:"allowlist"`
	Hooks        HooksConfig        `json:"hooks"`
	ErrorPrompts []ErrorPromptRule  `json:"error_prompts"`
	Sanitization []SanitizationRule `json:"sanitization"`
	Timezone     string             `json:"timezone"`

	// ExplainAnalyze turns plan fetches into EXPLAIN ANALYZE.
	// Also enabled by SAFEQUERY_EXPLAIN_ANALYZE=true.
	ExplainAnalyze bool `json:"explain_analyze"`
	// SanitizeSQL shows a shortened SQL preview in result metadata.
	// Also enabled by SAFEQUERY_SANITIZE_SQL=true.
	SanitizeSQL bool `json:"sanitize_sql"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	// squash flattens Config for koanf's decoder; encoding/json flattens it already.
	Config     `json:",squash"`
	Connection ConnectionConfig `json:"connection"`
	Server     ServerSettings   `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
}

// ConnectionConfig holds database connection parameters used by CLI mode.
type ConnectionConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	DBName  string `json:"dbname"`
	SSLMode string `json:"sslmode"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxConns          int    `json:"max_conns"`
	MinConns          int    `json:"min_conns"`
	MaxConnLifetime   string `json:"max_conn_lifetime"`
	MaxConnIdleTime   string `json:"max_conn_idle_time"`
	HealthCheckPeriod string `json:"health_check_period"`
}

// ServerSettings holds HTTP server settings for CLI mode.
type ServerSettings struct {
	Port               int    `json:"port"`
	HealthCheckEnabled bool   `json:"health_check_enabled"`
	HealthCheckPath    string `json:"health_check_path"`
	MetricsEnabled     bool   `json:"metrics_enabled"`
	MetricsPath        string `json:"metrics_path"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stdout, stderr, or file path
}

// QueryConfig holds execution settings. Every limit here can be lowered
// per call; none can be raised past its max.
type QueryConfig struct {
	DefaultTimeoutSeconds  int           `json:"default_timeout_seconds"`
	DiscoverTimeoutSeconds int           `json:"discover_timeout_seconds"`
	DefaultRowCap          int           `json:"default_row_cap"`
	MaxRowCap              int           `json:"max_row_cap"`
	MaxSQLLength           int           `json:"max_sql_length"`
	TimeoutRules           []TimeoutRule `json:"timeout_rules"`
	// ExtraFunctions extends the gate's function allowlist.
	ExtraFunctions []string `json:"extra_functions"`
}

// PlannerConfig controls natural-language planning.
type PlannerConfig struct {
	Schema        string   `json:"schema"`
	DefaultLimit  int      `json:"default_limit"`
	MaxSafeLimit  int      `json:"max_safe_limit"`
	TablePriority []string `json:"table_priority"`
	TimeHints     []string `json:"time_hints"`
	// LexiconFiles are YAML cue packs loaded in addition to the built-in ones.
	LexiconFiles []string `json:"lexicon_files"`
}

// BreakerConfig controls the per-statement circuit breaker.
type BreakerConfig struct {
	MaxFailures     int `json:"max_failures"`
	CooldownSeconds int `json:"cooldown_seconds"`
}

// AllowlistConfig says where the initial allowlist comes from. File wins
// over Tables; both are optional and the allowlist can be set at runtime.
type AllowlistConfig struct {
	File   string              `json:"file"`
	Tables map[string][]string `json:"tables"`
}

// TimeoutRule maps a SQL pattern to a specific timeout duration.
type TimeoutRule struct {
	Pattern        string `json:"pattern"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ErrorPromptRule maps an error signature pattern to a guidance message.
// Signatures look like "invalid_request:column" or
// "execution_failure:PgError[57014]".
type ErrorPromptRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
}

// SanitizationRule defines a regex-based field sanitization rule.
type SanitizationRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Description string `json:"description"`
}

// HooksConfig holds command-based hooks run around Execute.
type HooksConfig struct {
	DefaultTimeoutSeconds int         `json:"default_timeout_seconds"`
	BeforeExecute         []HookEntry `json:"before_execute"`
	AfterExecute          []HookEntry `json:"after_execute"`
}

// HookEntry defines a single command-based hook.
type HookEntry struct {
	Pattern        string   `json:"pattern"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

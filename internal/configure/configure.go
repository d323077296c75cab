package configure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rickchristie/safequery"
)

// Run runs the interactive configuration wizard.
// Reads existing config (if any), prompts for each field,
// writes updated YAML config to the given path.
func Run(configPath string, input io.Reader, output io.Writer) error {
	return run(configPath, input, output)
}

func run(configPath string, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	cfg, isNew := loadExisting(configPath)
	if isNew {
		applyDefaults(cfg)
	}

	p := &prompter{
		scanner: scanner,
		output:  output,
		isNew:   isNew,
	}

	fmt.Fprintf(output, "safequery configuration wizard\n")
	fmt.Fprintf(output, "Config file: %s\n\n", configPath)

	// Connection
	fmt.Fprintf(output, "=== Connection ===\n")
	cfg.Connection.Host = p.promptString("connection.host", cfg.Connection.Host)
	cfg.Connection.Port = p.promptPositiveInt("connection.port", cfg.Connection.Port, "must be > 0")
	cfg.Connection.DBName = p.promptRequiredStringWithHint("connection.dbname", cfg.Connection.DBName, "required")
	cfg.Connection.SSLMode = p.promptEnum("connection.sslmode", cfg.Connection.SSLMode, sslModes)

	// Server
	fmt.Fprintf(output, "\n=== Server ===\n")
	cfg.Server.Port = p.promptPositiveInt("server.port", cfg.Server.Port, "must be > 0")
	cfg.Server.HealthCheckEnabled = p.promptBool("server.health_check_enabled", cfg.Server.HealthCheckEnabled)
	cfg.Server.HealthCheckPath = p.promptStringWithHint("server.health_check_path", cfg.Server.HealthCheckPath, "e.g. /health, required when health_check_enabled is true")
	cfg.Server.MetricsEnabled = p.promptBool("server.metrics_enabled", cfg.Server.MetricsEnabled)
	cfg.Server.MetricsPath = p.promptStringWithHint("server.metrics_path", cfg.Server.MetricsPath, "e.g. /metrics, required when metrics_enabled is true")

	// Logging
	fmt.Fprintf(output, "\n=== Logging ===\n")
	cfg.Logging.Level = p.promptEnum("logging.level", cfg.Logging.Level, logLevels)
	cfg.Logging.Format = p.promptEnum("logging.format", cfg.Logging.Format, logFormats)
	cfg.Logging.Output = p.promptStringWithHint("logging.output", cfg.Logging.Output, "stdout, stderr, or file path")

	// Pool
	fmt.Fprintf(output, "\n=== Pool ===\n")
	cfg.Pool.MaxConns = p.promptPositiveInt("pool.max_conns", cfg.Pool.MaxConns, "must be > 0")
	cfg.Pool.MinConns = p.promptNonNegativeInt("pool.min_conns", cfg.Pool.MinConns, "must be >= 0")
	cfg.Pool.MaxConnLifetime = p.promptDuration("pool.max_conn_lifetime", cfg.Pool.MaxConnLifetime, "Go duration: e.g. 1h, 30m, 1h30m")
	cfg.Pool.MaxConnIdleTime = p.promptDuration("pool.max_conn_idle_time", cfg.Pool.MaxConnIdleTime, "Go duration: e.g. 1h, 30m, 1h30m")
	cfg.Pool.HealthCheckPeriod = p.promptDuration("pool.health_check_period", cfg.Pool.HealthCheckPeriod, "Go duration: e.g. 1m, 30s, 1m30s")

	// Query
	fmt.Fprintf(output, "\n=== Query ===\n")
	cfg.Query.DefaultTimeoutSeconds = p.promptPositiveInt("query.default_timeout_seconds", cfg.Query.DefaultTimeoutSeconds, "seconds, must be > 0")
	cfg.Query.DiscoverTimeoutSeconds = p.promptPositiveInt("query.discover_timeout_seconds", cfg.Query.DiscoverTimeoutSeconds, "seconds, must be > 0")
	cfg.Query.DefaultRowCap = p.promptNonNegativeInt("query.default_row_cap", cfg.Query.DefaultRowCap, "rows, 0 = built-in default")
	cfg.Query.MaxRowCap = p.promptNonNegativeInt("query.max_row_cap", cfg.Query.MaxRowCap, "rows, 0 = built-in default")
	cfg.Query.MaxSQLLength = p.promptPositiveInt("query.max_sql_length", cfg.Query.MaxSQLLength, "bytes, must be > 0")

	// Planner
	fmt.Fprintf(output, "\n=== Planner ===\n")
	cfg.Planner.Schema = p.promptStringWithHint("planner.schema", cfg.Planner.Schema, "schema the allowlisted tables live in")
	cfg.Planner.DefaultLimit = p.promptNonNegativeInt("planner.default_limit", cfg.Planner.DefaultLimit, "preview rows, 0 = built-in default")
	cfg.Planner.MaxSafeLimit = p.promptNonNegativeInt("planner.max_safe_limit", cfg.Planner.MaxSafeLimit, "preview rows, 0 = built-in default")

	// Breaker
	fmt.Fprintf(output, "\n=== Circuit Breaker ===\n")
	cfg.Breaker.MaxFailures = p.promptNonNegativeInt("breaker.max_failures", cfg.Breaker.MaxFailures, "consecutive failures, 0 = built-in default")
	cfg.Breaker.CooldownSeconds = p.promptNonNegativeInt("breaker.cooldown_seconds", cfg.Breaker.CooldownSeconds, "seconds, 0 = built-in default")

	// General
	fmt.Fprintf(output, "\n=== General ===\n")
	cfg.Timezone = p.promptTimezone(cfg.Timezone)
	cfg.ExplainAnalyze = p.promptBool("explain_analyze", cfg.ExplainAnalyze)
	cfg.SanitizeSQL = p.promptBool("sanitize_sql", cfg.SanitizeSQL)
	cfg.Hooks.DefaultTimeoutSeconds = p.promptNonNegativeInt("hooks.default_timeout_seconds", cfg.Hooks.DefaultTimeoutSeconds, "seconds, must be > 0 when hooks are configured")

	// Allowlist
	fmt.Fprintf(output, "\n=== Allowlist ===\n")
	cfg.Allowlist.File = p.promptStringWithHint("allowlist.file", cfg.Allowlist.File, "YAML or JSON file, takes precedence over inline tables")
	cfg.Allowlist.Tables = p.promptAllowlistTables(cfg.Allowlist.Tables)

	// Array fields
	fmt.Fprintf(output, "\n=== Timeout Rules ===\n")
	cfg.Query.TimeoutRules = p.promptTimeoutRules(cfg.Query.TimeoutRules)

	fmt.Fprintf(output, "\n=== Error Prompts ===\n")
	cfg.ErrorPrompts = p.promptErrorPrompts(cfg.ErrorPrompts)

	fmt.Fprintf(output, "\n=== Sanitization Rules ===\n")
	cfg.Sanitization = p.promptSanitizationRules(cfg.Sanitization)

	fmt.Fprintf(output, "\n=== Hooks: Before Execute ===\n")
	cfg.Hooks.BeforeExecute = p.promptHookEntries("hooks.before_execute", cfg.Hooks.BeforeExecute)

	fmt.Fprintf(output, "\n=== Hooks: After Execute ===\n")
	cfg.Hooks.AfterExecute = p.promptHookEntries("hooks.after_execute", cfg.Hooks.AfterExecute)

	if err := writeConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(output, "\nConfiguration saved to %s\n", configPath)
	return nil
}

// loadExisting reads a YAML (or JSON) config. The document goes through JSON
// so the config structs only need their json tags.
func loadExisting(configPath string) (*safequery.ServerConfig, bool) {
	cfg := &safequery.ServerConfig{}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, true
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cfg, false
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return cfg, false
	}
	// Start with whatever was parseable.
	_ = json.Unmarshal(raw, cfg)
	return cfg, false
}

// applyDefaults sets sensible default values for a new configuration.
func applyDefaults(cfg *safequery.ServerConfig) {
	cfg.Connection.Host = "localhost"
	cfg.Connection.Port = 5432
	cfg.Connection.SSLMode = "prefer"
	cfg.Server.Port = 8080
	cfg.Server.HealthCheckPath = "/health"
	cfg.Server.MetricsPath = "/metrics"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"
	cfg.Pool.MaxConns = 5
	cfg.Pool.MaxConnLifetime = "1h"
	cfg.Pool.MaxConnIdleTime = "30m"
	cfg.Pool.HealthCheckPeriod = "1m"
	cfg.Query.DefaultTimeoutSeconds = 30
	cfg.Query.DiscoverTimeoutSeconds = 10
	cfg.Query.MaxSQLLength = 100000
	cfg.Planner.Schema = "analytics"
	cfg.Breaker.MaxFailures = 3
	cfg.Breaker.CooldownSeconds = 60
	cfg.Hooks.DefaultTimeoutSeconds = 10
}

var (
	sslModes   = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

func writeConfig(configPath string, cfg *safequery.ServerConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := marshalYAML(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", configPath, err)
	}

	return nil
}

// marshalYAML renders v as block-style YAML keyed by its json tags, in
// struct field order.
func marshalYAML(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	blockStyle(&node)
	return yaml.Marshal(&node)
}

func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode && n.Style&yaml.DoubleQuotedStyle != 0 && n.Tag == "!!str" {
		n.Style &^= yaml.DoubleQuotedStyle
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// prompter handles reading user input and displaying prompts.
type prompter struct {
	scanner *bufio.Scanner
	output  io.Writer
	isNew   bool
	eof     bool
}

func (p *prompter) readLine() string {
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	p.eof = true
	return ""
}

func (p *prompter) valueLabel() string {
	if p.isNew {
		return "default"
	}
	return "current"
}

func (p *prompter) promptString(field string, current string) string {
	fmt.Fprintf(p.output, "%s (%s: %q): ", field, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

func (p *prompter) promptStringWithHint(field string, current string, hint string) string {
	fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

// promptRequiredStringWithHint keeps asking until a non-empty value is given
// or a non-empty current value is accepted with Enter.
func (p *prompter) promptRequiredStringWithHint(field string, current string, hint string) string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input != "" {
			return input
		}
		if current != "" {
			return current
		}
		fmt.Fprintf(p.output, "  Value is required, try again.\n")
		if !p.more() {
			return current
		}
	}
}

func (p *prompter) promptPositiveInt(field string, current int, hint string) int {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			if current > 0 || !p.more() {
				return current
			}
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val <= 0 {
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptNonNegativeInt(field string, current int, hint string) int {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val < 0 {
			fmt.Fprintf(p.output, "  Value must be >= 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptBool(field string, current bool) bool {
	for {
		fmt.Fprintf(p.output, "%s (%s: %v): ", field, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		switch strings.ToLower(input) {
		case "true", "t", "yes", "y", "1":
			return true
		case "false", "f", "no", "n", "0":
			return false
		default:
			fmt.Fprintf(p.output, "  Invalid value %q, use true/false/yes/no, try again.\n", input)
		}
	}
}

func (p *prompter) promptDuration(field string, current string, hint string) string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if _, err := time.ParseDuration(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid Go duration %q, try again.\n", input)
			continue
		}
		return input
	}
}

func (p *prompter) promptTimezone(current string) string {
	for {
		fmt.Fprintf(p.output, "timezone [e.g. UTC, America/Sao_Paulo, empty = server default] (%s: %q): ", p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if _, err := time.LoadLocation(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid timezone %q, please enter a valid IANA timezone.\n", input)
			continue
		}
		return input
	}
}

func (p *prompter) promptEnum(field string, current string, allowed []string) string {
	for {
		fmt.Fprintf(p.output, "%s (%s: %q, options: %s): ", field, p.valueLabel(), current, strings.Join(allowed, ", "))
		input := p.readLine()
		if input == "" {
			return current
		}
		for _, v := range allowed {
			if input == v {
				return input
			}
		}
		fmt.Fprintf(p.output, "  Invalid value %q, must be one of: %s\n", input, strings.Join(allowed, ", "))
	}
}

// more reports whether input is still open; required prompts give up once
// it is exhausted.
func (p *prompter) more() bool {
	return !p.eof
}

// Array field editors

func (p *prompter) promptAllowlistTables(current map[string][]string) map[string][]string {
	tables := current
	for {
		p.displayAllowlistTables(tables)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			table := p.promptNewField("table")
			columns := splitList(p.promptNewField("columns (comma-separated)"))
			if table == "" || len(columns) == 0 {
				fmt.Fprintf(p.output, "  A table needs a name and at least one column.\n")
				continue
			}
			if tables == nil {
				tables = map[string][]string{}
			}
			tables[table] = columns
		case "r":
			if len(tables) == 0 {
				fmt.Fprintf(p.output, "  No allowlist entries to remove.\n")
				continue
			}
			table := p.promptNewField("table to remove")
			if _, ok := tables[table]; !ok {
				fmt.Fprintf(p.output, "  Unknown table %q.\n", table)
				continue
			}
			delete(tables, table)
		case "c", "":
			return tables
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displayAllowlistTables(tables map[string][]string) {
	if len(tables) == 0 {
		fmt.Fprintf(p.output, "  (no entries, discovered from the database at startup)\n")
		return
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(p.output, "  %s: %s\n", name, strings.Join(tables[name], ", "))
	}
}

func (p *prompter) promptTimeoutRules(current []safequery.TimeoutRule) []safequery.TimeoutRule {
	rules := current
	for {
		p.displayTimeoutRules(rules)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			pattern := p.promptNewRegexField("pattern")
			timeout := p.promptNewPositiveIntField("timeout_seconds")
			rules = append(rules, safequery.TimeoutRule{
				Pattern:        pattern,
				TimeoutSeconds: timeout,
			})
		case "r":
			rules = removeByIndex(p, "timeout rule", rules)
		case "c", "":
			return rules
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displayTimeoutRules(rules []safequery.TimeoutRule) {
	if len(rules) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, r := range rules {
		fmt.Fprintf(p.output, "  [%d] pattern=%q timeout_seconds=%d\n", i, r.Pattern, r.TimeoutSeconds)
	}
}

func (p *prompter) promptErrorPrompts(current []safequery.ErrorPromptRule) []safequery.ErrorPromptRule {
	rules := current
	for {
		p.displayErrorPrompts(rules)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			pattern := p.promptNewRegexField("pattern")
			message := p.promptNewField("message")
			rules = append(rules, safequery.ErrorPromptRule{
				Pattern: pattern,
				Message: message,
			})
		case "r":
			rules = removeByIndex(p, "error prompt", rules)
		case "c", "":
			return rules
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displayErrorPrompts(rules []safequery.ErrorPromptRule) {
	if len(rules) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, r := range rules {
		fmt.Fprintf(p.output, "  [%d] pattern=%q message=%q\n", i, r.Pattern, r.Message)
	}
}

func (p *prompter) promptSanitizationRules(current []safequery.SanitizationRule) []safequery.SanitizationRule {
	rules := current
	for {
		p.displaySanitizationRules(rules)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			pattern := p.promptNewRegexField("pattern")
			replacement := p.promptNewField("replacement")
			description := p.promptNewField("description")
			rules = append(rules, safequery.SanitizationRule{
				Pattern:     pattern,
				Replacement: replacement,
				Description: description,
			})
		case "r":
			rules = removeByIndex(p, "sanitization rule", rules)
		case "c", "":
			return rules
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displaySanitizationRules(rules []safequery.SanitizationRule) {
	if len(rules) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, r := range rules {
		fmt.Fprintf(p.output, "  [%d] pattern=%q replacement=%q description=%q\n", i, r.Pattern, r.Replacement, r.Description)
	}
}

func (p *prompter) promptHookEntries(label string, current []safequery.HookEntry) []safequery.HookEntry {
	entries := current
	for {
		p.displayHookEntries(entries)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			pattern := p.promptNewRegexField("pattern")
			command := p.promptNewField("command")
			args := splitList(p.promptNewField("args (comma-separated)"))
			timeout := p.promptNewNonNegativeIntField("timeout_seconds")
			entries = append(entries, safequery.HookEntry{
				Pattern:        pattern,
				Command:        command,
				Args:           args,
				TimeoutSeconds: timeout,
			})
		case "r":
			entries = removeByIndex(p, label, entries)
		case "c", "":
			return entries
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displayHookEntries(entries []safequery.HookEntry) {
	if len(entries) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, e := range entries {
		fmt.Fprintf(p.output, "  [%d] pattern=%q command=%q args=%v timeout_seconds=%d\n",
			i, e.Pattern, e.Command, e.Args, e.TimeoutSeconds)
	}
}

func (p *prompter) promptNewField(name string) string {
	fmt.Fprintf(p.output, "  %s: ", name)
	return p.readLine()
}

func (p *prompter) promptNewRegexField(name string) string {
	for {
		fmt.Fprintf(p.output, "  %s (regex): ", name)
		input := p.readLine()
		if input == "" {
			return ""
		}
		if _, err := regexp.Compile(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid regex %q: %v, try again.\n", input, err)
			continue
		}
		return input
	}
}

func (p *prompter) promptNewPositiveIntField(name string) int {
	for {
		fmt.Fprintf(p.output, "  %s (must be > 0): ", name)
		input := p.readLine()
		if input == "" {
			if !p.more() {
				return 0
			}
			fmt.Fprintf(p.output, "  Value is required and must be > 0, try again.\n")
			continue
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val <= 0 {
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptNewNonNegativeIntField(name string) int {
	for {
		fmt.Fprintf(p.output, "  %s (must be >= 0): ", name)
		input := p.readLine()
		if input == "" {
			return 0
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val < 0 {
			fmt.Fprintf(p.output, "  Value must be >= 0, try again.\n")
			continue
		}
		return val
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// removeByIndex removes the element at a prompted index.
func removeByIndex[T any](p *prompter, label string, items []T) []T {
	if len(items) == 0 {
		fmt.Fprintf(p.output, "  No %s entries to remove.\n", label)
		return items
	}
	fmt.Fprintf(p.output, "  Index to remove: ")
	input := p.readLine()
	idx, err := strconv.Atoi(input)
	if err != nil || idx < 0 || idx >= len(items) {
		fmt.Fprintf(p.output, "  Invalid index.\n")
		return items
	}
	return append(items[:idx], items[idx+1:]...)
}

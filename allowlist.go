package safequery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rickchristie/safequery/internal/allowlist"
	"github.com/rickchristie/safequery/internal/planner"
)

const discoverSQL = `
SELECT c.table_name, c.column_name
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = @schema
  AND t.table_type IN ('BASE TABLE', 'VIEW')
  AND has_table_privilege(quote_ident(c.table_schema) || '.' || quote_ident(c.table_name), 'SELECT')
ORDER BY c.table_name, c.ordinal_position
`

// SetAllowlist atomically replaces the allowlist. Names are trimmed,
// de-duplicated and sorted; in-flight plans keep the snapshot they started with.
func (s *SafeQuery) SetAllowlist(tables map[string][]string) {
	s.registry.Set(tables)
	allowlistTables.Set(float64(len(s.registry.Snapshot())))
	s.logger.Info().Int("table_count", len(s.registry.Snapshot())).Msg("allowlist replaced")
}

// LoadAllowlistFile replaces the allowlist with the contents of a YAML or
// JSON file of the form {tables: {name: [columns]}}.
func (s *SafeQuery) LoadAllowlistFile(path string) error {
	tables, err := allowlist.LoadFile(path)
	if err != nil {
		return err
	}
	s.SetAllowlist(tables)
	return nil
}

// Allowlist returns a copy of the current allowlist.
func (s *SafeQuery) Allowlist() map[string][]string {
	snap := s.registry.Snapshot()
	out := make(map[string][]string, len(snap))
	for table, cols := range snap {
		out[table] = append([]string(nil), cols...)
	}
	return out
}

// AllowlistJSON returns the allowlist as deterministic JSON. An empty
// allowlist is "{}".
func (s *SafeQuery) AllowlistJSON() (string, error) {
	data, err := s.registry.JSON()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DiscoverAllowlist reads the selectable tables and columns of schema from
// information_schema. When tables is non-empty only those tables are kept.
// It does not change the current allowlist.
func (s *SafeQuery) DiscoverAllowlist(ctx context.Context, schema string, tables ...string) (map[string][]string, error) {
	startTime := time.Now()
	if schema == "" {
		schema = s.schema()
	}

	timeout := defaultDiscoverTimeout
	if s.config.Query.DiscoverTimeoutSeconds > 0 {
		timeout = time.Duration(s.config.Query.DiscoverTimeoutSeconds) * time.Second
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := s.engine.Begin(queryCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin discovery transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	rows, err := tx.Query(queryCtx, discoverSQL, map[string]any{"schema": schema})
	if err != nil {
		return nil, fmt.Errorf("allowlist discovery query failed: %w", err)
	}
	defer rows.Close()

	keep := make(map[string]bool, len(tables))
	for _, t := range tables {
		keep[strings.ToLower(strings.TrimSpace(t))] = true
	}

	found := make(map[string][]string)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("allowlist discovery scan failed: %w", err)
		}
		if len(values) < 2 {
			return nil, fmt.Errorf("allowlist discovery returned %d columns, expected 2", len(values))
		}
		table, column := asString(values[0]), asString(values[1])
		if len(keep) > 0 && !keep[strings.ToLower(table)] {
			continue
		}
		found[table] = append(found[table], column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("allowlist discovery rows error: %w", err)
	}

	s.logger.Info().
		Str("schema", schema).
		Dur("duration", time.Since(startTime)).
		Int("table_count", len(found)).
		Msg("allowlist discovered")
	return found, nil
}

// RefreshAllowlist discovers schema and publishes the result. An empty
// discovery leaves the current allowlist in place and returns an error.
func (s *SafeQuery) RefreshAllowlist(ctx context.Context, schema string, tables ...string) error {
	found, err := s.DiscoverAllowlist(ctx, schema, tables...)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return fmt.Errorf("no selectable tables found in schema %q", schema)
	}
	s.SetAllowlist(found)
	return nil
}

func (s *SafeQuery) schema() string {
	if s.config.Planner.Schema != "" {
		return s.config.Planner.Schema
	}
	return planner.DefaultSchema
}

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

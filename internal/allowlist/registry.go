// Package allowlist holds the table/column allowlist that constrains
// generated SQL, and validates statements against it.
package allowlist

import (
	"encoding/json"
	"sort"
	"strings"
	"sync/atomic"
)

// Snapshot maps a table name to its sorted, de-duplicated column names.
// A Snapshot is never mutated after Normalize returns it.
type Snapshot map[string][]string

// Normalize trims names, drops empty ones, de-duplicates and sorts columns.
// Tables whose name is empty after trimming are dropped. A table may have no
// columns.
func Normalize(mapping map[string][]string) Snapshot {
	snap := make(Snapshot, len(mapping))
	for table, cols := range mapping {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		seen := make(map[string]struct{}, len(cols))
		out := snap[table]
		for _, c := range out {
			seen[c] = struct{}{}
		}
		for _, c := range cols {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
		sort.Strings(out)
		if out == nil {
			out = []string{}
		}
		snap[table] = out
	}
	return snap
}

// Tables returns the table names in sorted order.
func (s Snapshot) Tables() []string {
	tables := make([]string, 0, len(s))
	for t := range s {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Table returns the allowlisted spelling of table, matched case-insensitively.
func (s Snapshot) Table(table string) (string, bool) {
	if _, ok := s[table]; ok {
		return table, true
	}
	for t := range s {
		if strings.EqualFold(t, table) {
			return t, true
		}
	}
	return "", false
}

// HasTable reports whether table is allowlisted (case-insensitive).
func (s Snapshot) HasTable(table string) bool {
	_, ok := s.Table(table)
	return ok
}

// HasColumn reports whether table.column is allowlisted (case-insensitive).
func (s Snapshot) HasColumn(table, column string) bool {
	t, ok := s.Table(table)
	if !ok {
		return false
	}
	for _, c := range s[t] {
		if strings.EqualFold(c, column) {
			return true
		}
	}
	return false
}

// JSON serializes the snapshot deterministically (sorted keys, sorted columns).
func (s Snapshot) JSON() ([]byte, error) {
	// encoding/json sorts map keys; columns are sorted by Normalize.
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string][]string(s))
}

// Registry publishes snapshots. Readers always see a whole snapshot.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a Registry holding the normalized mapping.
func NewRegistry(mapping map[string][]string) *Registry {
	r := &Registry{}
	r.Set(mapping)
	return r
}

// Set normalizes mapping and atomically replaces the current snapshot.
func (r *Registry) Set(mapping map[string][]string) {
	snap := Normalize(mapping)
	r.current.Store(&snap)
}

// Snapshot returns the current snapshot. Callers must not mutate it.
func (r *Registry) Snapshot() Snapshot {
	if p := r.current.Load(); p != nil {
		return *p
	}
	return Snapshot{}
}

// IsAllowedTable reports whether table is in the current snapshot.
func (r *Registry) IsAllowedTable(table string) bool {
	return r.Snapshot().HasTable(table)
}

// IsAllowedColumn reports whether table.column is in the current snapshot.
func (r *Registry) IsAllowedColumn(table, column string) bool {
	return r.Snapshot().HasColumn(table, column)
}

// JSON serializes the current snapshot.
func (r *Registry) JSON() ([]byte, error) {
	return r.Snapshot().JSON()
}

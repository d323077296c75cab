package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

const testAllowlist = "tables:\n  orders: [order_id, order_status, order_purchase_timestamp]\n"

// execute runs the root command with args and returns stdout and the error.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.Execute()
	return out.String(), err
}

func TestPlanCommand(t *testing.T) {
	t.Parallel()
	allowlistPath := writeFile(t, t.TempDir(), "allowlist.yaml", testAllowlist)

	out, err := execute(t, "", "plan", "quantos", "pedidos", "existem", "--allowlist", allowlistPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stmt struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal([]byte(out), &stmt); err != nil {
		t.Fatalf("plan output is not JSON: %v\n%s", err, out)
	}
	if stmt.SQL != "SELECT COUNT(1) AS qty FROM analytics.orders" {
		t.Fatalf("unexpected SQL: %s", stmt.SQL)
	}
}

func TestPlanCommandSchemaFlag(t *testing.T) {
	t.Parallel()
	allowlistPath := writeFile(t, t.TempDir(), "allowlist.yaml", testAllowlist)

	out, err := execute(t, "", "plan", "how many orders", "--allowlist", allowlistPath, "--schema", "sales")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "FROM sales.orders") {
		t.Fatalf("expected plan over sales.orders:\n%s", out)
	}
}

func TestPlanCommandEmptyAllowlist(t *testing.T) {
	t.Parallel()
	config := writeFile(t, t.TempDir(), "config.yaml", "planner:\n  schema: analytics\n")

	out, err := execute(t, "", "plan", "how many orders", "--config", config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "SELECT 1 WHERE 1=0 LIMIT 1") {
		t.Fatalf("expected the empty-allowlist sentinel:\n%s", out)
	}
}

func TestCheckCommand(t *testing.T) {
	t.Parallel()
	allowlistPath := writeFile(t, t.TempDir(), "allowlist.yaml", testAllowlist)

	out, err := execute(t, "", "check", "SELECT COUNT(1) AS qty FROM analytics.orders", "--allowlist", allowlistPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "ok" {
		t.Fatalf("expected ok, got %q", out)
	}
}

func TestCheckCommandRejects(t *testing.T) {
	t.Parallel()
	allowlistPath := writeFile(t, t.TempDir(), "allowlist.yaml", testAllowlist)

	cases := []struct {
		sql  string
		want string
	}{
		{"DELETE FROM analytics.orders", "rejected (not_select)"},
		{"SELECT analytics.orders.price FROM analytics.orders", "rejected (column)"},
		{"SELECT 1 FROM analytics.payments", "rejected (table)"},
	}
	for _, tc := range cases {
		_, err := execute(t, "", "check", tc.sql, "--allowlist", allowlistPath)
		if err == nil {
			t.Fatalf("expected rejection for %q", tc.sql)
		}
		if !strings.HasPrefix(err.Error(), tc.want) {
			t.Fatalf("expected %q for %q, got %v", tc.want, tc.sql, err)
		}
	}
}

func TestCheckCommandStdin(t *testing.T) {
	t.Parallel()
	allowlistPath := writeFile(t, t.TempDir(), "allowlist.yaml", testAllowlist)

	_, err := execute(t, "SELECT 1; DROP TABLE analytics.orders\n", "check", "-", "--allowlist", allowlistPath)
	if err == nil {
		t.Fatal("expected stacked statements to be rejected")
	}
	if !strings.HasPrefix(err.Error(), "rejected (semicolon)") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigureCommandWritesConfig(t *testing.T) {
	t.Parallel()
	path := t.TempDir() + "/config.yaml"
	// dbname, then accept every other default and continue past each editor.
	input := "\n\nshop\n" + strings.Repeat("\n", 29) + strings.Repeat("c\n", 6)

	if _, err := execute(t, input, "configure", "--config", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	config, _, err := loadServerConfig(rootFlags(t, "--config", path))
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if config.Connection.DBName != "shop" || config.Server.Port != 8080 {
		t.Fatalf("unexpected config: %+v %+v", config.Connection, config.Server)
	}
}

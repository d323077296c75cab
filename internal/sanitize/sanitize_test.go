package sanitize

import (
	"encoding/json"
	"strings"
	"testing"
)

var emailRule = Rule{
	Pattern:     `([a-z0-9._%+-])[a-z0-9._%+-]*@([a-z0-9.-]+)`,
	Replacement: "${1}***@${2}",
}

var cpfRule = Rule{
	Pattern:     `(\d{3})\.\d{3}\.\d{3}-(\d{2})`,
	Replacement: "${1}.***.***-${2}",
}

func TestSanitizeEmail(t *testing.T) {
	t.Parallel()
	s, err := NewSanitizer([]Rule{emailRule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.sanitizeValue("maria.silva@example.com.br"); got != "m***@example.com.br" {
		t.Fatalf("expected m***@example.com.br, got %v", got)
	}
}

func TestSanitizeRulesApplyInOrder(t *testing.T) {
	t.Parallel()
	s, err := NewSanitizer([]Rule{cpfRule, {Pattern: `\*\*\*`, Replacement: "xxx"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.sanitizeValue("cpf 123.456.789-09"); got != "cpf 123.xxx.xxx-09" {
		t.Fatalf("expected cpf 123.xxx.xxx-09, got %v", got)
	}
}

func TestSanitizeNestedJSON(t *testing.T) {
	t.Parallel()
	s, err := NewSanitizer([]Rule{cpfRule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	input := map[string]any{
		"customer": map[string]any{"cpf": "123.456.789-09"},
		"history":  []any{"987.654.321-00", int64(7)},
	}
	m := s.sanitizeValue(input).(map[string]any)
	if got := m["customer"].(map[string]any)["cpf"]; got != "123.***.***-09" {
		t.Fatalf("expected nested value redacted, got %v", got)
	}
	hist := m["history"].([]any)
	if hist[0] != "987.***.***-00" || hist[1] != int64(7) {
		t.Fatalf("unexpected array result %v", hist)
	}
}

func TestSanitizeNonStringsPassThrough(t *testing.T) {
	t.Parallel()
	s, err := NewSanitizer([]Rule{{Pattern: `\d+`, Replacement: "N"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, v := range []any{nil, true, int64(12345), 3.5, json.Number("9007199254740993")} {
		if got := s.sanitizeValue(v); got != v {
			t.Fatalf("expected %v (%T) unchanged, got %v", v, v, got)
		}
	}
}

func TestSanitizeRows(t *testing.T) {
	t.Parallel()
	s, err := NewSanitizer([]Rule{emailRule})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows := []map[string]any{
		{"customer_id": "c1", "email": "ana@example.com", "orders": int64(3)},
		{"customer_id": "c2", "email": nil, "orders": int64(0)},
	}
	got := s.SanitizeRows(rows)
	if got[0]["email"] != "a***@example.com" {
		t.Fatalf("expected redacted email, got %v", got[0]["email"])
	}
	if got[0]["customer_id"] != "c1" || got[1]["email"] != nil || got[1]["orders"] != int64(0) {
		t.Fatalf("unexpected rows %v", got)
	}
}

func TestSanitizeRowsWithoutRules(t *testing.T) {
	t.Parallel()
	var nilSanitizer *Sanitizer
	if nilSanitizer.HasRules() {
		t.Fatal("nil sanitizer must report no rules")
	}
	rows := []map[string]any{{"email": "ana@example.com"}}
	if got := nilSanitizer.SanitizeRows(rows); got[0]["email"] != "ana@example.com" {
		t.Fatalf("expected rows unchanged, got %v", got)
	}
}

func TestNewSanitizerErrorsOnInvalidRegex(t *testing.T) {
	t.Parallel()
	_, err := NewSanitizer([]Rule{{Pattern: `[invalid`, Replacement: "x"}})
	if err == nil {
		t.Fatal("expected error for invalid regex pattern")
	}
	if !strings.Contains(err.Error(), "invalid regex pattern") || !strings.Contains(err.Error(), "[invalid") {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestSQLPreview(t *testing.T) {
	t.Parallel()
	sql := "SELECT  COUNT(1)\n\tAS qty\n FROM   analytics.orders  "
	if got := SQLPreview(sql, 0); got != "SELECT COUNT(1) AS qty FROM analytics.orders" {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := SQLPreview(sql, 15); got != "SELECT COUNT(1)..." {
		t.Fatalf("unexpected truncated preview %q", got)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	// "mês" is m, 2-byte ê, s: cutting at 2 must not split ê.
	if got := Truncate("mês", 2, "~"); got != "m~" {
		t.Fatalf("expected m~, got %q", got)
	}
	if got := Truncate("abc", 5, "~"); got != "abc" {
		t.Fatalf("expected abc unchanged, got %q", got)
	}
}

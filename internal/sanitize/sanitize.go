// Package sanitize redacts result values and shortens SQL text before it is
// handed back to callers.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultPreviewLength caps SQLPreview output.
const DefaultPreviewLength = 200

// Rule is the sanitizer's own rule type.
type Rule struct {
	Pattern     string
	Replacement string
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Sanitizer applies regex-based redaction to result row values.
type Sanitizer struct {
	rules []compiledRule
}

// NewSanitizer creates a new Sanitizer. Returns an error on invalid regex patterns.
func NewSanitizer(rules []Rule) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement}
	}
	return &Sanitizer{rules: compiled}, nil
}

// HasRules returns true if the sanitizer has any rules configured.
func (s *Sanitizer) HasRules() bool {
	return s != nil && len(s.rules) > 0
}

// SanitizeRows rewrites string values in place, recursing into JSON objects
// and arrays. Rules apply in order, each to the output of the previous one.
func (s *Sanitizer) SanitizeRows(rows []map[string]any) []map[string]any {
	if !s.HasRules() {
		return rows
	}
	for _, row := range rows {
		for k, v := range row {
			row[k] = s.sanitizeValue(v)
		}
	}
	return rows
}

func (s *Sanitizer) sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		for _, rule := range s.rules {
			val = rule.pattern.ReplaceAllString(val, rule.replacement)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = s.sanitizeValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = s.sanitizeValue(item)
		}
		return val
	default:
		// json.Number has string as its underlying type but is not matched
		// by `case string`, so numbers pass through untouched.
		return v
	}
}

// SQLPreview collapses whitespace runs to one space and truncates the result
// to maxLen bytes on a rune boundary, marking truncation with "...".
// maxLen <= 0 uses DefaultPreviewLength.
func SQLPreview(sql string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultPreviewLength
	}
	collapsed := strings.Join(strings.Fields(sql), " ")
	return Truncate(collapsed, maxLen, "...")
}

// Truncate cuts s to at most maxLen bytes without splitting a rune and
// appends suffix when anything was cut.
func Truncate(s string, maxLen int, suffix string) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

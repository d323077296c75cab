package safequery

import (
	"github.com/rickchristie/safequery/internal/breaker"
	"github.com/rickchristie/safequery/internal/executor"
	"github.com/rickchristie/safequery/internal/planner"
)

// Statement is a planned, validated SELECT.
type Statement = planner.Statement

// Result is the outcome of one execution.
type Result = executor.Result

// Meta describes how a statement was run.
type Meta = executor.Meta

// BreakerStore holds circuit breaker state. Supply one with WithBreakerStore
// to share state across SafeQuery instances.
type BreakerStore = breaker.Store

// BreakerState is the failure bookkeeping for one statement fingerprint.
type BreakerState = breaker.State

// PlanInput is the input for Plan.
type PlanInput struct {
	Query string `json:"query"`
	// Limit is the requested preview size. 0 uses the planner default;
	// values are clamped to the planner's max safe limit.
	Limit int `json:"limit,omitempty"`
}

// ExecuteInput is the input for Execute. Zero values use the configured
// defaults.
type ExecuteInput struct {
	SQL            string         `json:"sql"`
	Params         map[string]any `json:"params,omitempty"`
	LimitApplied   bool           `json:"limit_applied,omitempty"`
	MaxRows        int            `json:"max_rows,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	ReadOnly       *bool          `json:"read_only,omitempty"`
	IncludeExplain bool           `json:"include_explain,omitempty"`
	DryRun         bool           `json:"dry_run,omitempty"`
}

// AskInput is the input for Ask: plan, then execute.
type AskInput struct {
	Query          string `json:"query"`
	Limit          int    `json:"limit,omitempty"`
	MaxRows        int    `json:"max_rows,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	IncludeExplain bool   `json:"include_explain,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
}

// Answer pairs a plan with its result. It is what a narration layer consumes.
type Answer struct {
	Plan   *Statement `json:"plan"`
	Result *Result    `json:"result"`
}

// AllowlistOutput is the output of the allowlist tool.
type AllowlistOutput struct {
	Tables map[string][]string `json:"tables"`
}

package safequery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rickchristie/safequery/internal/breaker"
	"github.com/rickchristie/safequery/internal/executor"
	"github.com/rickchristie/safequery/internal/planner"
	"github.com/rickchristie/safequery/internal/qerr"
)

// Plan turns a natural-language request into a validated statement using
// the current allowlist. No database access happens here.
func (s *SafeQuery) Plan(input PlanInput) (*Statement, error) {
	stmt, err := s.planner.Plan(planner.Request{Text: input.Query, Limit: input.Limit}, s.registry.Snapshot())
	if err != nil {
		s.reject("plan", err)
		return nil, err
	}
	s.logger.Debug().
		Str("reason", stmt.Reason).
		Bool("limit_applied", stmt.LimitApplied).
		Int("warning_count", len(stmt.Warnings)).
		Msg("statement planned")
	return &stmt, nil
}

// Check runs the safety gate and the identifier validator over sql. It is
// the same check Execute applies before touching the database.
func (s *SafeQuery) Check(sql string) error {
	if err := s.gate.Check(sql); err != nil {
		s.reject("gate", err)
		return err
	}
	// The sentinel only exists for an empty allowlist and names no table.
	if sql == planner.SentinelSQL {
		return nil
	}
	if err := s.validator.Validate(sql, s.registry.Snapshot()); err != nil {
		s.reject("allowlist", err)
		return err
	}
	return nil
}

// Execute runs one statement under the safety envelope:
// before hooks, gate, allowlist validation, breaker check, read-only
// transaction with statement timeout and row cap, then after hooks.
//
// Errors are *qerr.Error values. For execution failures the returned Result
// is non-nil and carries warnings and breaker metadata.
func (s *SafeQuery) Execute(ctx context.Context, input ExecuteInput) (*Result, error) {
	sql := input.SQL

	sql, err := s.hooks.RunBefore(ctx, sql, breaker.Fingerprint(sql))
	if err != nil {
		s.reject("hook", err)
		return nil, err
	}
	if err := s.Check(sql); err != nil {
		return nil, err
	}

	res, err := s.executor.Execute(ctx, executor.Request{
		SQL:          sql,
		Params:       input.Params,
		LimitApplied: input.LimitApplied,
	}, executor.Options{
		MaxRows:        input.MaxRows,
		Timeout:        time.Duration(input.TimeoutSeconds) * time.Second,
		ReadOnly:       input.ReadOnly,
		IncludeExplain: input.IncludeExplain,
		DryRun:         input.DryRun,
	})
	if err != nil {
		return res, err
	}

	if !s.hooks.HasAfterHooks() {
		return res, nil
	}
	return s.runAfterHooks(ctx, sql, res)
}

// Ask plans input.Query and executes the result. The plan is returned even
// when execution fails.
func (s *SafeQuery) Ask(ctx context.Context, input AskInput) (*Answer, error) {
	stmt, err := s.Plan(PlanInput{Query: input.Query, Limit: input.Limit})
	if err != nil {
		return nil, err
	}
	res, err := s.Execute(ctx, ExecuteInput{
		SQL:            stmt.SQL,
		Params:         stmt.Params,
		LimitApplied:   stmt.LimitApplied,
		MaxRows:        input.MaxRows,
		TimeoutSeconds: input.TimeoutSeconds,
		IncludeExplain: input.IncludeExplain,
		DryRun:         input.DryRun,
	})
	if res != nil && len(stmt.Warnings) > 0 {
		res.Warnings = append(append([]string{}, stmt.Warnings...), res.Warnings...)
	}
	return &Answer{Plan: stmt, Result: res}, err
}

func (s *SafeQuery) runAfterHooks(ctx context.Context, sql string, res *Result) (*Result, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, &qerr.Error{Kind: qerr.KindInvalidRequest, Rule: "hook", Msg: "failed to encode result for hooks", Err: err}
	}
	out, err := s.hooks.RunAfter(ctx, sql, data)
	if err != nil {
		s.reject("hook", err)
		return nil, err
	}
	var modified Result
	if err := json.Unmarshal(out, &modified); err != nil {
		return nil, &qerr.Error{Kind: qerr.KindInvalidRequest, Rule: "hook", Msg: "after_execute hook returned an invalid result", Err: err}
	}
	modified.RowCount = len(modified.Rows)
	return &modified, nil
}

// reject counts and logs a rejection. Only the rule is logged.
func (s *SafeQuery) reject(stage string, err error) {
	rule := qerr.RuleOf(err)
	rejections.WithLabelValues(stage, rule).Inc()
	s.logger.Warn().
		Str("stage", stage).
		Str("rule", rule).
		Msg("statement rejected")
}

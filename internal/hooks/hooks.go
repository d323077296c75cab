// Package hooks runs operator-supplied commands around statement execution.
// A hook receives JSON on stdin and answers with JSON on stdout; any failure
// (non-zero exit, crash, timeout, unparseable output) rejects the call.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rickchristie/safequery/internal/qerr"
)

// Config is the hook runner's own config type.
type Config struct {
	DefaultTimeout time.Duration
	BeforeExecute  []HookEntry
	AfterExecute   []HookEntry
}

// HookEntry defines a single command-based hook. Pattern is matched against
// the statement SQL.
type HookEntry struct {
	Pattern string
	Command string
	Args    []string
	Timeout time.Duration // 0 means use DefaultTimeout
}

// BeforeInput is written to a before_execute hook's stdin.
type BeforeInput struct {
	SQL         string `json:"sql"`
	Fingerprint string `json:"fingerprint"`
}

// BeforeResult is the JSON response from a before_execute hook.
type BeforeResult struct {
	Accept       bool   `json:"accept"`
	SQL          string `json:"sql,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// AfterInput is written to an after_execute hook's stdin.
type AfterInput struct {
	SQL    string          `json:"sql"`
	Result json.RawMessage `json:"result"`
}

// AfterResult is the JSON response from an after_execute hook.
type AfterResult struct {
	Accept       bool            `json:"accept"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type compiledHook struct {
	pattern *regexp.Regexp
	command string
	args    []string
	timeout time.Duration
}

// Runner executes command-based hooks.
type Runner struct {
	before []compiledHook
	after  []compiledHook
	logger zerolog.Logger
}

// NewRunner creates a new Runner. Panics on invalid regex or invalid config.
func NewRunner(config Config, logger zerolog.Logger) *Runner {
	if config.DefaultTimeout <= 0 && (len(config.BeforeExecute) > 0 || len(config.AfterExecute) > 0) {
		panic("hooks: default timeout must be > 0 when hooks are configured")
	}

	compile := func(entries []HookEntry) []compiledHook {
		compiled := make([]compiledHook, len(entries))
		for i, e := range entries {
			re, err := regexp.Compile(e.Pattern)
			if err != nil {
				panic(fmt.Sprintf("hooks: invalid regex pattern %q: %v", e.Pattern, err))
			}
			if e.Command == "" {
				panic(fmt.Sprintf("hooks: hook with pattern %q has no command", e.Pattern))
			}
			timeout := e.Timeout
			if timeout <= 0 {
				timeout = config.DefaultTimeout
			}
			compiled[i] = compiledHook{pattern: re, command: e.Command, args: e.Args, timeout: timeout}
		}
		return compiled
	}

	return &Runner{
		before: compile(config.BeforeExecute),
		after:  compile(config.AfterExecute),
		logger: logger,
	}
}

// HasAfterHooks returns true if any after_execute hooks are configured.
func (r *Runner) HasAfterHooks() bool {
	return r != nil && len(r.after) > 0
}

// RunBefore runs matching before_execute hooks as a chain. Each hook sees
// the SQL as rewritten by the previous one. The returned SQL must still
// pass the gate; hooks cannot widen what is allowed.
func (r *Runner) RunBefore(ctx context.Context, sql, fingerprint string) (string, error) {
	if r == nil {
		return sql, nil
	}
	current := sql
	for _, hook := range r.before {
		if !hook.pattern.MatchString(current) {
			continue
		}
		input, err := json.Marshal(BeforeInput{SQL: current, Fingerprint: fingerprint})
		if err != nil {
			return "", fmt.Errorf("failed to encode hook input: %w", err)
		}
		output, err := r.execute(ctx, hook, input)
		if err != nil {
			return "", rejected("before_execute hook failed", err)
		}

		var result BeforeResult
		if err := json.Unmarshal(output, &result); err != nil {
			return "", rejected(fmt.Sprintf("before_execute hook returned unparseable response (command: %s)", hook.command), err)
		}
		if !result.Accept {
			return "", rejected(orDefault(result.ErrorMessage, "statement rejected by hook"), nil)
		}
		if result.SQL != "" {
			current = result.SQL
		}
	}
	return current, nil
}

// RunAfter runs matching after_execute hooks over the JSON-encoded result.
// Hooks may replace the result; the returned bytes are the final JSON.
func (r *Runner) RunAfter(ctx context.Context, sql string, resultJSON []byte) ([]byte, error) {
	if r == nil {
		return resultJSON, nil
	}
	current := resultJSON
	for _, hook := range r.after {
		if !hook.pattern.MatchString(sql) {
			continue
		}
		input, err := json.Marshal(AfterInput{SQL: sql, Result: current})
		if err != nil {
			return nil, fmt.Errorf("failed to encode hook input: %w", err)
		}
		output, err := r.execute(ctx, hook, input)
		if err != nil {
			return nil, rejected("after_execute hook failed", err)
		}

		var result AfterResult
		if err := json.Unmarshal(output, &result); err != nil {
			return nil, rejected(fmt.Sprintf("after_execute hook returned unparseable response (command: %s)", hook.command), err)
		}
		if !result.Accept {
			return nil, rejected(orDefault(result.ErrorMessage, "result rejected by hook"), nil)
		}
		if len(result.Result) > 0 {
			current = result.Result
		}
	}
	return current, nil
}

func (r *Runner) execute(ctx context.Context, hook compiledHook, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, hook.timeout)
	defer cancel()

	// No shell: the binary is executed directly with its args.
	cmd := exec.CommandContext(ctx, hook.command, hook.args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			r.logger.Warn().Str("command", hook.command).Str("stderr", strings.TrimSpace(stderr.String())).Msg("hook stderr output")
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("hook timed out: %s", hook.command)
		}
		return nil, fmt.Errorf("hook failed (command: %s): %w", hook.command, err)
	}
	if stderr.Len() > 0 {
		r.logger.Debug().Str("command", hook.command).Str("stderr", strings.TrimSpace(stderr.String())).Msg("hook stderr output")
	}
	return output, nil
}

func rejected(msg string, cause error) error {
	return &qerr.Error{Kind: qerr.KindInvalidRequest, Rule: "hook", Msg: msg, Err: cause}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

package main

import (
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rickchristie/safequery"
	"github.com/rickchristie/safequery/internal/allowlist"
	"github.com/rickchristie/safequery/internal/meta"
	"github.com/rickchristie/safequery/internal/planner"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate the configuration and print agent connection snippets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doctor(cmd.ErrOrStderr(), isTTY(os.Stderr.Fd()), cmd.Flags())
		},
	}
}

func doctor(w io.Writer, useColor bool, flags *pflag.FlagSet) error {
	printBanner(w, useColor)
	fmt.Fprintf(w, "safequery %s\n\n", meta.Version)

	config, ok := doctorValidateConfig(w, useColor, flags)
	if !ok {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'safequery doctor' again.")
		return nil
	}

	fmt.Fprintln(w)
	printAgentSnippets(w, useColor, config)
	return nil
}

// doctorValidateConfig loads and validates the layered config, printing check results.
// Returns the parsed config and true if all checks passed.
func doctorValidateConfig(w io.Writer, useColor bool, flags *pflag.FlagSet) (*safequery.ServerConfig, bool) {
	allPassed := true
	fail := func(msg string) {
		printCheck(w, useColor, false, msg)
		allPassed = false
	}

	config, path, err := loadServerConfig(flags)
	if err != nil {
		fail(fmt.Sprintf("Config loads: %v", err))
		return nil, false
	}
	if path == "" {
		printCheck(w, useColor, true, "Config loads (defaults, env and flags only)")
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("Config loads (%s)", path))
	}

	switch {
	case os.Getenv(envConnString) != "":
		printCheck(w, useColor, true, "Connection string set via "+envConnString)
	case config.Connection.DBName == "":
		fail("connection.dbname is set")
	default:
		printCheck(w, useColor, true, fmt.Sprintf("connection.dbname is set (%s)", config.Connection.DBName))
	}

	if config.Pool.MaxConns <= 0 {
		fail("pool.max_conns is > 0")
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("pool.max_conns is > 0 (%d)", config.Pool.MaxConns))
	}

	if config.Server.Port <= 0 {
		fail("server.port is > 0")
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("server.port is > 0 (%d)", config.Server.Port))
	}

	if config.Server.HealthCheckEnabled {
		if config.Server.HealthCheckPath == "" {
			fail("health_check_path is set (required when health_check_enabled)")
		} else {
			printCheck(w, useColor, true, fmt.Sprintf("health_check_path is set (%s)", config.Server.HealthCheckPath))
		}
	}
	if config.Server.MetricsEnabled {
		if config.Server.MetricsPath == "" {
			fail("metrics_path is set (required when metrics_enabled)")
		} else {
			printCheck(w, useColor, true, fmt.Sprintf("metrics_path is set (%s)", config.Server.MetricsPath))
		}
	}

	regexOK := true
	checkPattern := func(field string, i int, pattern string) {
		if _, err := regexp.Compile(pattern); err != nil {
			fail(fmt.Sprintf("%s[%d] regex compiles: %v", field, i, err))
			regexOK = false
		}
	}
	for i, rule := range config.ErrorPrompts {
		checkPattern("error_prompts", i, rule.Pattern)
	}
	for i, rule := range config.Sanitization {
		checkPattern("sanitization", i, rule.Pattern)
	}
	for i, rule := range config.Query.TimeoutRules {
		checkPattern("query.timeout_rules", i, rule.Pattern)
	}
	for i, hook := range config.Hooks.BeforeExecute {
		checkPattern("hooks.before_execute", i, hook.Pattern)
	}
	for i, hook := range config.Hooks.AfterExecute {
		checkPattern("hooks.after_execute", i, hook.Pattern)
	}
	if regexOK {
		printCheck(w, useColor, true, "All regex patterns compile")
	}

	switch {
	case config.Allowlist.File != "":
		tables, err := allowlist.LoadFile(config.Allowlist.File)
		if err != nil {
			fail(fmt.Sprintf("Allowlist file loads: %v", err))
		} else {
			printCheck(w, useColor, true, fmt.Sprintf("Allowlist file loads (%d tables)", len(tables)))
		}
	case len(config.Allowlist.Tables) > 0:
		printCheck(w, useColor, true, fmt.Sprintf("Allowlist configured inline (%d tables)", len(config.Allowlist.Tables)))
	default:
		printCheck(w, useColor, true, "Allowlist will be discovered from the database at startup")
	}

	for _, path := range config.Planner.LexiconFiles {
		if _, err := planner.LoadLexicon(path); err != nil {
			fail(fmt.Sprintf("Lexicon loads (%s): %v", path, err))
		} else {
			printCheck(w, useColor, true, fmt.Sprintf("Lexicon loads (%s)", path))
		}
	}

	return config, allPassed
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	mark, color := "✗", "\033[31m"
	if pass {
		mark, color = "✓", "\033[32m"
	}
	if useColor {
		fmt.Fprintf(w, "  %s%s\033[0m %s\n", color, mark, msg)
	} else {
		fmt.Fprintf(w, "  %s %s\n", mark, msg)
	}
}

// printAgentSnippets prints MCP connection config snippets for various AI agents.
func printAgentSnippets(w io.Writer, useColor bool, config *safequery.ServerConfig) {
	url := fmt.Sprintf("http://localhost:%d/mcp", config.Server.Port)

	heading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "\033[1;36m%s\033[0m\n", title)
		} else {
			fmt.Fprintln(w, title)
		}
	}
	subheading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "  \033[1m%s\033[0m\n", title)
		} else {
			fmt.Fprintf(w, "  %s\n", title)
		}
	}

	heading("Agent Connection Snippets")
	fmt.Fprintln(w)

	subheading("Claude Code")
	fmt.Fprintf(w, "  Run this command to add the server:\n\n")
	fmt.Fprintf(w, "    claude mcp add --transport http safequery %s\n\n", url)
	fmt.Fprintf(w, "  Or add to .mcp.json (project scope):\n\n")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "safequery": {
        "type": "http",
        "url": "%s"
      }
    }
  }
`, url)
	fmt.Fprintln(w)

	subheading("Gemini CLI (~/.gemini/settings.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "safequery": {
        "httpUrl": "%s"
      }
    }
  }
`, url)
	fmt.Fprintln(w)

	subheading("Cursor (.cursor/mcp.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "safequery": {
        "url": "%s"
      }
    }
  }
`, url)
}

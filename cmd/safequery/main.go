package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickchristie/safequery/internal/meta"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "safequery",
		Short: "Read-only analytics over PostgreSQL",
		Long: `safequery plans natural-language analytics questions into single SELECT
statements over an allowlist of tables and columns, and runs them read-only
with a statement timeout, a row cap and a per-statement circuit breaker.`,
		Version:       meta.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: $SAFEQUERY_CONFIG_PATH or .safequery/config.yaml)")
	flags.Int("port", 0, "HTTP port for serve")
	flags.String("schema", "", "schema the allowlisted tables live in")
	flags.String("allowlist", "", "allowlist file (YAML or JSON)")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (json|text)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newConfigureCmd())
	return rootCmd
}

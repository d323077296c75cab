package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rickchristie/safequery"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <sql>",
		Short: "Run the safety gate and allowlist validation over a statement",
		Long: `Run the same checks execute_sql applies before touching the database.
Pass "-" to read the statement from stdin.`,
		Example: `  safequery check "SELECT analytics.orders.order_id FROM analytics.orders LIMIT 5"
  echo "SELECT 1; DROP TABLE orders" | safequery check -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql := strings.Join(args, " ")
			if sql == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				sql = strings.TrimSpace(string(data))
			}
			sq, err := newOffline(cmd)
			if err != nil {
				return err
			}
			return runCheck(cmd.OutOrStdout(), sq, sql)
		},
	}
}

func runCheck(w io.Writer, sq *safequery.SafeQuery, sql string) error {
	if err := sq.Check(sql); err != nil {
		return rejection(err, sq)
	}
	fmt.Fprintln(w, "ok")
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rickchristie/safequery"
	"github.com/rickchristie/safequery/internal/engine"
)

var errOffline = errors.New("no database connection in offline mode")

// offlineEngine backs SafeQuery for commands that never execute.
type offlineEngine struct{}

func (offlineEngine) Begin(context.Context) (engine.Tx, error) { return nil, errOffline }
func (offlineEngine) Ping(context.Context) error               { return errOffline }
func (offlineEngine) MaxConns() int                            { return 0 }

// newOffline builds a SafeQuery from the layered config without a database.
func newOffline(cmd *cobra.Command) (*safequery.SafeQuery, error) {
	serverConfig, _, err := loadServerConfig(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return safequery.NewWithEngine(offlineEngine{}, serverConfig.Config, zerolog.Nop())
}

func newPlanCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "plan <question>",
		Short: "Plan a question into SQL without touching the database",
		Example: `  safequery plan "quantos pedidos existem" --allowlist allowlist.yaml
  safequery plan "orders per month in 2018" --limit 20`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sq, err := newOffline(cmd)
			if err != nil {
				return err
			}
			return runPlan(cmd.OutOrStdout(), sq, strings.Join(args, " "), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "preview row limit for non-aggregate plans")
	return cmd
}

func runPlan(w io.Writer, sq *safequery.SafeQuery, question string, limit int) error {
	stmt, err := sq.Plan(safequery.PlanInput{Query: question, Limit: limit})
	if err != nil {
		return rejection(err, sq)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stmt)
}

// rejection formats err with its guidance for the terminal.
func rejection(err error, sq *safequery.SafeQuery) error {
	msg := safequery.PublicMessage(err)
	if rule := safequery.Rule(err); rule != "" {
		msg = fmt.Sprintf("rejected (%s): %s", rule, msg)
	}
	if guidance := sq.Guidance(err); guidance != "" {
		msg += "\n" + guidance
	}
	return errors.New(msg)
}

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rickchristie/safequery/internal/configure"
)

func newConfigureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Create or edit the config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			explicit, _ := cmd.Flags().GetString("config")
			path := resolveConfigPath(explicit)
			if path == "" {
				path = defaultConfigPath
			}
			printBanner(cmd.ErrOrStderr(), isTTY(os.Stderr.Fd()))
			return configure.Run(path, cmd.InOrStdin(), cmd.ErrOrStderr())
		},
	}
}

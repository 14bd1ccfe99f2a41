// Package commands implements the artiogw CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// configPath is the --config flag shared by subcommands.
var configPath string

// newRootCmd builds the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "artiogw",
		Short:         "FIX / ILink3 session-layer gateway",
		Long:          "artiogw mediates between exchange endpoints and library clients,\npersisting session sequence state for replay and crash recovery.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (YAML)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

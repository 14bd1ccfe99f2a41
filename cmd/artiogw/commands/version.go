package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/renanleonellocastro/artio/internal/version"
)

// newVersionCmd builds the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("artiogw"))
		},
	}
}

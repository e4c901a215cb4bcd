package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akshyv/rag-pdf/internal/version"
)

// NewVersionCmd constructs the `ragpdf version` subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ragpdf version, git commit, and build date",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

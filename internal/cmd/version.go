package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the worker binary's version string, overridable at build time
// via -ldflags "-X github.com/shaug/atelier-sub000/internal/cmd.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the worker binary version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
		return nil
	},
}

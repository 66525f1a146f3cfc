// Package cmd wires the worker session runtime to a command-line
// interface: a single binary that primes the ticket store, runs the
// ordered startup/finalize pipeline, and reports what happened as a
// structured event stream. Everything the supervisor's outer tooling
// needs (workspace init, skill sync, terminal rendering) lives outside
// this module; this CLI only drives the core runtime.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "atelier-worker",
	Short: "Run one multi-agent development worker cycle",
	Long: `atelier-worker drives a single worker session through the
epic -> changeset -> pull-request lifecycle: it selects an epic and
changeset under the startup contract, prepares a worktree, runs a coding
agent against it, and finalizes the result against the ticket store and
GitHub.

It does not initialize workspaces, sync skills, or render a terminal UI -
those are the outer supervisor's job. This binary is the core runtime
loop only.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command, printing any error to stderr and
// returning a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "atelier-worker:", err)
		return 1
	}
	return 0
}

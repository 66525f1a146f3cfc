package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shaug/atelier-sub000/internal/finalize"
	"github.com/shaug/atelier-sub000/internal/runtimeconfig"
	"github.com/shaug/atelier-sub000/internal/worker"
)

var reconcileRepoFlag string

func init() {
	reconcileCmd.Flags().StringVar(&reconcileRepoFlag, "repo", ".", "repository root to reconcile")
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sweep changesets to recover drift without running an agent",
	Long: `Reconcile runs the sweep a worker cycle would otherwise run at the
start of every session on its own: reopen changesets whose review state
drifted out from under them, then finalize every open changeset that
carries an integration proof (a recorded integrated SHA or a merged PR),
in dependency order.

This is useful to run standalone after an outage, after a batch of PRs
were merged externally, or to check drift without claiming an epic or
starting an agent process.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	repoRoot, err := filepath.Abs(reconcileRepoFlag)
	if err != nil {
		return fmt.Errorf("resolving --repo: %w", err)
	}

	cfg, err := runtimeconfig.Load(filepath.Join(repoRoot, ".atelier", "config.json"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if repoSlug := os.Getenv("ATELIER_REPO_SLUG"); repoSlug != "" {
		cfg.RepoSlug = repoSlug
	}

	ghToken := firstNonEmpty(os.Getenv("GITHUB_TOKEN"), os.Getenv("GH_TOKEN"))
	r := worker.New(repoRoot, cfg, ghToken)

	summary, err := r.Reconciler.Run(finalize.Context{
		RepoSlug:     cfg.RepoSlug,
		BranchPR:     cfg.BranchPR,
		HistoryMode:  r.History,
		PRStrategy:   cfg.PRStrategy,
		AgentID:      r.Identity.String(),
	})
	if err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scanned:    %d\n", summary.Scanned)
	fmt.Fprintf(out, "actionable: %d\n", summary.Actionable)
	fmt.Fprintf(out, "reconciled: %d\n", summary.Reconciled)
	fmt.Fprintf(out, "failed:     %d\n", summary.Failed)
	for _, f := range summary.Failures {
		fmt.Fprintf(out, "  failed %s: %s (%s)\n", f.ChangesetID, f.Reason, f.Detail)
	}
	return nil
}

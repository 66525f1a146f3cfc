package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaug/atelier-sub000/internal/events"
	"github.com/shaug/atelier-sub000/internal/runtimeconfig"
	"github.com/shaug/atelier-sub000/internal/worker"
)

var (
	runRepoFlag      string
	runModeFlag      string
	runOnceFlag      bool
	runWatchFlag     bool
	runEpicFlag      string
	runQueueOnlyFlag bool
)

func init() {
	runCmd.Flags().StringVar(&runRepoFlag, "repo", ".", "repository root to run the worker against")
	runCmd.Flags().StringVar(&runModeFlag, "mode", "default", "loop mode: once, default, or watch")
	runCmd.Flags().BoolVar(&runOnceFlag, "once", false, "shorthand for --mode=once")
	runCmd.Flags().BoolVar(&runWatchFlag, "watch", false, "shorthand for --mode=watch")
	runCmd.Flags().StringVar(&runEpicFlag, "epic", "", "pin the worker to a specific epic, skipping selection")
	runCmd.Flags().BoolVar(&runQueueOnlyFlag, "queue-only", false, "handle the worker queue, then exit without claiming work")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more worker cycles",
	Long: `Run drives the worker session runner: prime the ticket store,
reconcile drift, select an epic and changeset under the startup contract,
run the configured coding agent against a worktree, and finalize the
result.

Loop modes:
  once     run exactly one cycle, then exit
  default  keep running cycles while they're finding work, then exit
  watch    run forever, sleeping between idle cycles (Ctrl-C to stop)`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	mode := worker.LoopMode(runModeFlag)
	if runOnceFlag {
		mode = worker.LoopOnce
	}
	if runWatchFlag {
		mode = worker.LoopWatch
	}
	switch mode {
	case worker.LoopOnce, worker.LoopDefault, worker.LoopWatch:
	default:
		return fmt.Errorf("unknown --mode %q (want once, default, or watch)", mode)
	}

	repoRoot, err := filepath.Abs(runRepoFlag)
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
	r.Events = events.NewStderrEmitter()
	r.Contract.ExplicitEpicID = runEpicFlag
	r.Contract.QueueOnly = runQueueOnlyFlag

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return r.RunLoop(ctx, mode, cfg.ResolvedWatchInterval())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

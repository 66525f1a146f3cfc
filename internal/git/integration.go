package git

import (
	"fmt"
	"os"
)

// EnsureLocalBranch makes sure branch exists locally, creating it from
// startPoint when absent. It never moves an existing branch — callers that
// need to force a branch to a new ref use ResetBranch explicitly.
func (g *Git) EnsureLocalBranch(branch, startPoint string) error {
	exists, err := g.BranchExists(branch)
	if err != nil {
		return fmt.Errorf("checking branch %s: %w", branch, err)
	}
	if exists {
		return nil
	}
	if startPoint == "" {
		return g.CreateBranch(branch)
	}
	return g.CreateBranchFrom(branch, startPoint)
}

// SyncLocalBranchFromRemote fetches branch from remote and fast-forwards the
// local branch to match it, creating the local branch if it doesn't exist
// yet. Returns the resulting commit SHA.
func (g *Git) SyncLocalBranchFromRemote(remote, branch string) (string, error) {
	exists, err := g.RemoteBranchExists(remote, branch)
	if err != nil {
		return "", fmt.Errorf("checking remote branch %s: %w", branch, err)
	}
	if !exists {
		return "", fmt.Errorf("remote branch %s/%s does not exist", remote, branch)
	}
	if _, err := g.run("fetch", remote, branch); err != nil {
		return "", fmt.Errorf("fetching %s: %w", branch, err)
	}
	remoteRef := remote + "/" + branch
	localExists, err := g.BranchExists(branch)
	if err != nil {
		return "", fmt.Errorf("checking branch %s: %w", branch, err)
	}
	if localExists {
		ff, err := g.IsAncestor(branch, remoteRef)
		if err != nil {
			return "", fmt.Errorf("comparing %s and %s: %w", branch, remoteRef, err)
		}
		if !ff {
			return "", fmt.Errorf("cannot fast-forward %s to %s: local branch has diverged", branch, remoteRef)
		}
	}
	if err := g.ResetBranch(branch, remoteRef); err != nil {
		return "", fmt.Errorf("resetting %s to %s: %w", branch, remoteRef, err)
	}
	return g.Rev(branch)
}

// HistoryMode selects how an epic root branch is integrated into its parent.
type HistoryMode string

const (
	// HistoryManual fast-forwards the parent to the root and refuses to
	// integrate when the parent has diverged — the operator is expected to
	// have reconciled the branches by hand first.
	HistoryManual HistoryMode = "manual"
	// HistoryRebase rebases the root branch onto the parent, then
	// fast-forwards the parent to the rebased tip.
	HistoryRebase HistoryMode = "rebase"
	// HistorySquash squashes the root branch into a single commit on the
	// parent, deriving the message from the branch's own commits when none
	// is supplied.
	HistorySquash HistoryMode = "squash"
)

// IntegrationResult reports the outcome of integrating an epic root branch
// into its parent branch.
type IntegrationResult struct {
	Mode          HistoryMode
	IntegratedSHA string
	Conflicts     []string
	// ChangedFiles is the name-status diff of what the integration brings
	// onto the target, captured before the merge so it survives conflicts.
	ChangedFiles []ChangedFile
}

// IntegrateEpicRootToParent integrates source into target according to
// mode, returning the resulting commit SHA on target. It's used both for
// integrating a changeset's work branch into its epic's root branch, and an
// epic root branch into its own dependency parent branch — the git
// operation is the same regardless of which level of the work tree it's
// applied to. squashMessage is used verbatim for HistorySquash; when empty,
// the message is derived from the source branch's own commit subjects.
func (g *Git) IntegrateEpicRootToParent(source, target string, mode HistoryMode, squashMessage string) (*IntegrationResult, error) {
	changed, _ := g.DiffNameStatus(target, source)

	switch mode {
	case HistoryManual:
		ahead, err := g.CommitsAhead(source, target)
		if err != nil {
			return nil, fmt.Errorf("comparing %s and %s: %w", source, target, err)
		}
		if ahead > 0 {
			return nil, fmt.Errorf("cannot fast-forward %s to %s: %s has %d commit(s) not on %s",
				target, source, target, ahead, source)
		}
		if err := g.Checkout(target); err != nil {
			return nil, fmt.Errorf("checking out %s: %w", target, err)
		}
		if _, err := g.run("merge", "--ff-only", source); err != nil {
			return nil, fmt.Errorf("fast-forwarding %s to %s: %w", target, source, err)
		}
		sha, err := g.Rev(target)
		if err != nil {
			return nil, fmt.Errorf("resolving integrated sha: %w", err)
		}
		return &IntegrationResult{Mode: mode, IntegratedSHA: sha, ChangedFiles: changed}, nil

	case HistoryRebase:
		if err := g.Checkout(source); err != nil {
			return nil, fmt.Errorf("checking out %s: %w", source, err)
		}
		if err := g.Rebase(target); err != nil {
			conflicts, confErr := g.GetConflictingFiles()
			_ = g.AbortRebase()
			if confErr == nil && len(conflicts) > 0 {
				return &IntegrationResult{Mode: mode, Conflicts: conflicts, ChangedFiles: changed}, nil
			}
			return nil, fmt.Errorf("rebasing %s onto %s: %w", source, target, err)
		}
		rebasedSHA, err := g.Rev(source)
		if err != nil {
			return nil, fmt.Errorf("resolving rebased tip: %w", err)
		}
		if err := g.Checkout(target); err != nil {
			return nil, fmt.Errorf("checking out %s: %w", target, err)
		}
		if _, err := g.run("merge", "--ff-only", source); err != nil {
			return nil, fmt.Errorf("fast-forwarding %s to %s: %w", target, source, err)
		}
		return &IntegrationResult{Mode: mode, IntegratedSHA: rebasedSHA, ChangedFiles: changed}, nil

	case HistorySquash:
		message := squashMessage
		if message == "" {
			message = g.squashMessageFromCommits(source, target)
		}
		if err := g.Checkout(target); err != nil {
			return nil, fmt.Errorf("checking out %s: %w", target, err)
		}
		if _, err := g.run("merge", "--squash", source); err != nil {
			conflicts, confErr := g.GetConflictingFiles()
			_, _ = g.run("reset", "--hard", "HEAD")
			if confErr == nil && len(conflicts) > 0 {
				return &IntegrationResult{Mode: mode, Conflicts: conflicts, ChangedFiles: changed}, nil
			}
			return nil, fmt.Errorf("squash-merging %s into %s: %w", source, target, err)
		}
		if _, err := g.run("commit", "-m", message); err != nil {
			return nil, fmt.Errorf("committing squash of %s: %w", source, err)
		}
		sha, err := g.Rev(target)
		if err != nil {
			return nil, fmt.Errorf("resolving integrated sha: %w", err)
		}
		return &IntegrationResult{Mode: mode, IntegratedSHA: sha, ChangedFiles: changed}, nil

	default:
		return nil, fmt.Errorf("unknown history mode %q", mode)
	}
}

// squashMessageFromCommits derives a deterministic squash message from the
// commits being integrated: a single-commit branch keeps its own subject,
// and a multi-commit branch gets an "Integrate" subject with the original
// subjects as body lines.
func (g *Git) squashMessageFromCommits(source, target string) string {
	subjects, err := g.CommitMessages(target, source)
	if err != nil || len(subjects) == 0 {
		return "Integrate " + source
	}
	if len(subjects) == 1 {
		return subjects[0]
	}
	message := "Integrate " + source + "\n"
	for _, s := range subjects {
		message += "\n* " + s
	}
	return message
}

// CleanupEpicBranchesAndWorktrees removes the worktrees and local branches
// associated with an epic's root and changeset work branches once its
// integration is complete. Missing worktrees/branches are not errors — this
// runs during best-effort cleanup after an epic is already fully merged.
func (g *Git) CleanupEpicBranchesAndWorktrees(worktreePaths []string, branches []string) []error {
	var errs []error
	for _, path := range worktreePaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := g.WorktreeRemove(path, true); err != nil {
			errs = append(errs, fmt.Errorf("removing worktree %s: %w", path, err))
		}
	}
	if err := g.WorktreePrune(); err != nil {
		errs = append(errs, fmt.Errorf("pruning worktrees: %w", err))
	}
	for _, branch := range branches {
		if branch == "" {
			continue
		}
		exists, err := g.BranchExists(branch)
		if err != nil {
			errs = append(errs, fmt.Errorf("checking branch %s: %w", branch, err))
			continue
		}
		if !exists {
			continue
		}
		if err := g.DeleteBranch(branch, true); err != nil {
			errs = append(errs, fmt.Errorf("deleting branch %s: %w", branch, err))
		}
	}
	return errs
}

// PushSetUpstream pushes localBranch to remote and configures tracking, for
// branches created fresh by a worker that have never been pushed before.
func (g *Git) PushSetUpstream(remote, localBranch string) error {
	_, err := g.run("push", "--set-upstream", remote, localBranch)
	return err
}

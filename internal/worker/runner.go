// Package worker implements the session runner: one full worker cycle from
// priming the ticket store through reconciling drift, selecting an epic and
// changeset, preparing a worktree, running the coding agent, and finalizing
// the result.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shaug/atelier-sub000/internal/agentident"
	"github.com/shaug/atelier-sub000/internal/agentproc"
	"github.com/shaug/atelier-sub000/internal/beads"
	"github.com/shaug/atelier-sub000/internal/changeset"
	"github.com/shaug/atelier-sub000/internal/events"
	"github.com/shaug/atelier-sub000/internal/finalize"
	"github.com/shaug/atelier-sub000/internal/git"
	"github.com/shaug/atelier-sub000/internal/mailbox"
	"github.com/shaug/atelier-sub000/internal/mutator"
	"github.com/shaug/atelier-sub000/internal/reconcile"
	"github.com/shaug/atelier-sub000/internal/startup"
	"github.com/shaug/atelier-sub000/internal/worktree"
)

// Cycle-level reasons the runner reports in addition to the finalize
// pipeline's own taxonomy.
const (
	ReasonLabelViolation         = finalize.ReasonLabelViolation
	ReasonAgentCommandFailed     = "agent_command_failed"
	ReasonFeedbackNotAddressed   = "changeset_feedback_not_addressed"
	ReasonNoActionableChangesets = "no_actionable_changesets"
	ReasonClaimLost              = "epic_claim_lost"
)

// Runner owns one worker session's collaborators and runs full cycles
// against them.
type Runner struct {
	Identity     agentident.Identity
	RepoSlug     string
	RepoRoot     string
	AgentType    agentproc.AgentType
	History      git.HistoryMode
	PRStrategy   string
	BranchPR     bool
	BranchPRMode string

	Store      *beads.Store
	Mutator    *mutator.Mutator
	Git        *git.Git
	Worktrees  *worktree.Store
	Events     *events.Emitter
	Mailbox    *mailbox.Mailbox
	Reconciler *reconcile.Service
	Pipeline   *finalize.Pipeline
	Contract   *startup.Contract

	// ClearGHCache evicts the GitHub adapter's per-process lookup cache;
	// called at the top of every cycle so stale state never crosses cycle
	// boundaries.
	ClearGHCache func()
	// EnsureAgentBead creates (or fetches) this session's agent identity
	// bead.
	EnsureAgentBead func() (*beads.Issue, error)
	// ClearHookOf clears the hook_bead of another session's agent bead,
	// used when taking over a stale assignment. Best-effort.
	ClearHookOf func(sessionKey string)
	// SnapshotReview captures the review-feedback signals for a changeset,
	// taken before and after a feedback-mode agent run.
	SnapshotReview func(issue *beads.Issue) (startup.ReviewFeedbackSnapshot, error)
	// RunAgent launches the coding agent process; defaults to
	// agentproc.Launch.
	RunAgent func(ctx context.Context, spec agentproc.LaunchSpec) error
}

// CycleResult summarizes the outcome of one worker cycle.
type CycleResult struct {
	Startup  startup.ContractResult
	Finalize finalize.Result
	// Started reports whether an agent process actually ran this cycle.
	Started bool
	// Reason is the cycle-level outcome: the finalize reason when the cycle
	// ran to completion, or the gate that stopped it early.
	Reason string
}

// RunOnce runs exactly one worker cycle: prime, reconcile, select, claim,
// prepare, run the agent, finalize.
func (r *Runner) RunOnce(ctx context.Context) (*CycleResult, error) {
	r.emit("cycle.start", nil)
	defer r.emit("cycle.end", nil)

	if r.ClearGHCache != nil {
		r.ClearGHCache()
	}
	if err := r.prime(); err != nil {
		return nil, fmt.Errorf("priming store: %w", err)
	}

	var agentBead *beads.Issue
	if r.EnsureAgentBead != nil {
		bead, err := r.EnsureAgentBead()
		if err != nil {
			return nil, fmt.Errorf("ensuring agent identity bead: %w", err)
		}
		agentBead = bead
	}

	if r.Reconciler != nil {
		r.emit("reconcile.start", nil)
		summary, err := r.Reconciler.Run(r.baseFinalizeContext("", ""))
		if err != nil {
			return nil, fmt.Errorf("reconciling: %w", err)
		}
		r.emit("reconcile.end", map[string]int{
			"scanned":    summary.Scanned,
			"actionable": summary.Actionable,
			"reconciled": summary.Reconciled,
			"failed":     summary.Failed,
		})
	}

	selection, err := r.Contract.Run()
	if err != nil {
		return nil, fmt.Errorf("running startup contract: %w", err)
	}
	r.emit("select", selection)
	if selection.ShouldExit || selection.EpicID == "" {
		if selection.Reason == startup.ReasonNoEligibleEpics {
			r.notifyNeedsDecision("", selection.Reason, "no eligible epics for this worker",
				"Plan new work or unblock an existing epic, then restart the worker.")
		}
		return &CycleResult{Startup: selection, Reason: selection.Reason}, nil
	}

	epic, err := r.Store.Show(selection.EpicID)
	if err != nil {
		return nil, fmt.Errorf("loading selected epic %s: %w", selection.EpicID, err)
	}

	if err := r.claimEpic(epic, selection); err != nil {
		r.emit("claim.lost", err.Error())
		return &CycleResult{Startup: selection, Reason: ReasonClaimLost}, nil
	}
	if agentBead != nil {
		_ = r.Mutator.SetAgentHook(agentBead, epic.ID)
	}

	rootBranch, parentBranch := r.resolveWorkspaceBranches(epic)

	if violating := r.findLabelViolations(epic.ID); violating != "" {
		detail := fmt.Sprintf("child %s of epic %s carries the disallowed at:subtask label", violating, epic.ID)
		_ = r.Mutator.ReleaseAssignment(epic.ID)
		if agentBead != nil {
			_ = r.Mutator.ClearAgentHook(agentBead)
		}
		r.notifyNeedsDecision(epic.ID, ReasonLabelViolation, detail,
			"Restructure the subtask as a changeset, then let a worker reclaim the epic.")
		return &CycleResult{Startup: selection, Reason: ReasonLabelViolation}, nil
	}

	issue, err := r.pickChangeset(epic, selection)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return &CycleResult{Startup: selection, Reason: ReasonNoActionableChangesets}, nil
	}

	worktreePath, err := r.prepareWorktree(epic, issue, rootBranch)
	if err != nil {
		return nil, fmt.Errorf("preparing worktree: %w", err)
	}

	if err := r.Mutator.MarkInProgress(issue.ID); err != nil {
		return nil, fmt.Errorf("marking %s in progress: %w", issue.ID, err)
	}

	feedbackMode := selection.Reason == startup.ReasonReviewFeedback
	var before startup.ReviewFeedbackSnapshot
	if feedbackMode && r.SnapshotReview != nil {
		before, _ = r.SnapshotReview(issue)
	}

	startedAt := time.Now().UTC()
	r.emit("agent.start", map[string]string{"changeset": issue.ID, "worktree": worktreePath})
	agentErr := r.runAgent(ctx, epic, issue, worktreePath)
	r.emit("agent.end", nil)
	if agentErr != nil {
		detail := fmt.Sprintf("agent command failed: %v", agentErr)
		_ = r.Mutator.MarkBlocked(issue.ID, detail)
		r.emit("agent.error", detail)
		return &CycleResult{Startup: selection, Started: true, Reason: ReasonAgentCommandFailed}, nil
	}

	if feedbackMode && r.SnapshotReview != nil {
		after, _ := r.SnapshotReview(issue)
		if !startup.ReviewFeedbackProgressed(before, after) {
			detail := fmt.Sprintf("feedback cycle made no progress: before=%s after=%s",
				describeSnapshot(before), describeSnapshot(after))
			r.notifyFeedbackStalled(issue.ID, before, after)
			return &CycleResult{Startup: selection, Started: true, Reason: ReasonFeedbackNotAddressed,
				Finalize: finalize.Result{Reason: ReasonFeedbackNotAddressed, Detail: detail}}, nil
		}
		if after.FeedbackAt != nil {
			_ = r.Mutator.UpdateReviewFeedbackCursor(issue, after.FeedbackAt.UTC().Format(time.RFC3339))
		}
	}

	finalizeCtx := r.baseFinalizeContext(issue.ID, epic.ID)
	finalizeCtx.StartedAt = startedAt
	finalizeCtx.WorkspaceRootBranch = rootBranch
	finalizeCtx.WorkspaceParentBranch = parentBranch
	if agentBead != nil {
		finalizeCtx.AgentBead = agentBead.ID
	}
	res := r.Pipeline.Run(finalizeCtx)
	r.emit("finalize", res)

	return &CycleResult{Startup: selection, Finalize: res, Started: true, Reason: res.Reason}, nil
}

func (r *Runner) baseFinalizeContext(changesetID, epicID string) finalize.Context {
	return finalize.Context{
		ChangesetID:  changesetID,
		EpicID:       epicID,
		AgentID:      r.Identity.String(),
		RepoSlug:     r.RepoSlug,
		BranchPR:     r.BranchPR,
		BranchPRMode: r.BranchPRMode,
		PRStrategy:   r.PRStrategy,
		HistoryMode:  r.History,
	}
}

// claimEpic assigns the epic to this session, honoring the takeover rule: a
// reclaim only proceeds while the stale assignee recorded at selection time
// still holds the epic.
func (r *Runner) claimEpic(epic *beads.Issue, selection startup.ContractResult) error {
	if selection.ReassignFrom != "" {
		if epic.Assignee != selection.ReassignFrom {
			return fmt.Errorf("epic %s assignee changed from %q to %q since selection",
				epic.ID, selection.ReassignFrom, epic.Assignee)
		}
		if r.ClearHookOf != nil {
			r.ClearHookOf(selection.ReassignFrom)
		}
	} else if epic.Assignee != "" && epic.Assignee != r.Identity.String() {
		return fmt.Errorf("epic %s is assigned to %q", epic.ID, epic.Assignee)
	}
	if epic.Assignee == r.Identity.String() {
		return nil
	}
	return r.Mutator.Claim(epic.ID, r.Identity.String())
}

// resolveWorkspaceBranches resolves (and persists, when newly derived) the
// epic's root and integration-parent branches.
func (r *Runner) resolveWorkspaceBranches(epic *beads.Issue) (root, parent string) {
	root = changeset.WorkspaceRootBranch(epic.Description)
	parent = changeset.WorkspaceParentBranch(epic.Description)
	derived := false
	if root == "" {
		root = "epic/" + epic.ID
		derived = true
	}
	if parent == "" {
		parent = r.Git.RemoteDefaultBranch()
		derived = true
	}
	if derived {
		_ = r.Mutator.UpdateWorkspaceBranches(epic, root, parent)
	}
	return root, parent
}

func (r *Runner) findLabelViolations(epicID string) string {
	children, err := r.Store.List(beads.ListOptions{Parent: epicID})
	if err != nil {
		return ""
	}
	for _, child := range children {
		if beads.HasLabel(child, "at:subtask") {
			return child.ID
		}
	}
	return ""
}

func (r *Runner) pickChangeset(epic *beads.Issue, selection startup.ContractResult) (*beads.Issue, error) {
	if selection.ChangesetID != "" {
		issue, err := r.Store.Show(selection.ChangesetID)
		if err != nil {
			return nil, fmt.Errorf("loading selected changeset %s: %w", selection.ChangesetID, err)
		}
		return issue, nil
	}
	if r.Contract.NextChangeset == nil {
		return nil, nil
	}
	csID, ok, err := r.Contract.NextChangeset(epic)
	if err != nil || !ok || csID == "" {
		return nil, err
	}
	issue, err := r.Store.Show(csID)
	if err != nil {
		return nil, fmt.Errorf("loading changeset %s: %w", csID, err)
	}
	return issue, nil
}

func (r *Runner) prime() error {
	if !r.Store.IsBeadsRepo() {
		return fmt.Errorf("working directory %s has no beads database", r.RepoRoot)
	}
	return nil
}

func (r *Runner) prepareWorktree(epic, issue *beads.Issue, rootBranch string) (string, error) {
	existing, ok, err := r.Worktrees.Lookup(epic.ID, issue.ID)
	if err != nil {
		return "", err
	}
	if ok {
		return existing.Path, nil
	}

	workBranch := changeset.WorkBranch(issue.Description)
	if workBranch == "" {
		workBranch = fmt.Sprintf("changeset/%s", issue.ID)
		description := changeset.SetField(issue.Description, "changeset.work_branch", workBranch)
		description = changeset.SetField(description, "changeset.root_branch", rootBranch)
		if err := r.Store.Update(issue.ID, beads.UpdateOptions{Description: &description}); err != nil {
			return "", fmt.Errorf("recording work branch for %s: %w", issue.ID, err)
		}
		issue.Description = description
	}
	startPoint := changeset.RootBranch(issue.Description)
	if startPoint == "" {
		startPoint = rootBranch
	}
	path := fmt.Sprintf("%s/.atelier-worktrees/%s", r.RepoRoot, issue.ID)

	if err := r.Git.EnsureLocalBranch(workBranch, startPoint); err != nil {
		return "", fmt.Errorf("ensuring work branch %s: %w", workBranch, err)
	}
	if err := r.Git.WorktreeAddExisting(path, workBranch); err != nil {
		return "", fmt.Errorf("adding worktree for %s: %w", workBranch, err)
	}

	entry := worktree.Entry{ChangesetID: issue.ID, Path: path, Branch: workBranch, AgentID: r.Identity.String()}
	if err := r.Worktrees.Claim(epic.ID, entry); err != nil {
		return "", fmt.Errorf("recording worktree claim: %w", err)
	}
	return path, nil
}

func (r *Runner) runAgent(ctx context.Context, epic, issue *beads.Issue, worktreePath string) error {
	spec := agentproc.LaunchSpec{
		AgentType:   r.AgentType,
		Prompt:      issue.Title + "\n\n" + issue.Description,
		WorkDir:     worktreePath,
		AgentID:     r.Identity.String(),
		EpicID:      epic.ID,
		ChangesetID: issue.ID,
		BeadsDir:    beads.ResolveBeadsDir(r.RepoRoot),
		ActorName:   r.Identity.String(),
	}
	if r.RunAgent != nil {
		return r.RunAgent(ctx, spec)
	}
	return agentproc.Launch(ctx, spec)
}

func (r *Runner) notifyNeedsDecision(subjectID, reason, detail, action string) {
	if r.Mailbox == nil {
		return
	}
	_, _ = r.Mailbox.SendNeedsDecision(mailbox.NeedsDecisionNotification{
		SubjectID:      subjectID,
		Reason:         reason,
		Detail:         detail,
		Actor:          r.Identity.String(),
		ActionSentence: action,
	})
}

func (r *Runner) notifyFeedbackStalled(changesetID string, before, after startup.ReviewFeedbackSnapshot) {
	if r.Mailbox == nil {
		return
	}
	_, _ = r.Mailbox.SendNeedsDecision(mailbox.NeedsDecisionNotification{
		SubjectID:      changesetID,
		Reason:         ReasonFeedbackNotAddressed,
		Detail:         "agent run ended with reviewer feedback unaddressed",
		Actor:          r.Identity.String(),
		Before:         describeSnapshot(before),
		After:          describeSnapshot(after),
		ActionSentence: "Address the open review threads manually or re-plan this changeset.",
	})
}

func describeSnapshot(s startup.ReviewFeedbackSnapshot) string {
	feedback := "none"
	if s.FeedbackAt != nil {
		feedback = s.FeedbackAt.UTC().Format(time.RFC3339)
	}
	threads := "unknown"
	if s.UnresolvedThreads != nil {
		threads = fmt.Sprintf("%d", *s.UnresolvedThreads)
	}
	head := s.BranchHead
	if head == "" {
		head = "unknown"
	}
	return fmt.Sprintf("feedback_at=%s unresolved_threads=%s branch_head=%s", feedback, threads, head)
}

func (r *Runner) emit(label string, detail interface{}) {
	if r.Events != nil {
		r.Events.Emit(label, detail)
	}
}

// Package finalize runs the ordered decision pipeline a worker session
// executes once its agent process exits: given a changeset's current state
// across the ticket store, git, and GitHub, decide whether it's done,
// blocked, waiting on review, or needs a PR opened, and apply exactly the
// state transition that decision implies.
//
// The pipeline never guesses at intent from raw text — every branch ends in
// one of a small, stable set of reason strings (see the Reason* constants)
// so the rest of the supervisor (and its logs) can reason about outcomes
// without re-deriving them. Every transition is idempotent: running the
// pipeline twice against an unchanged world produces the same reason and no
// additional mutations.
package finalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shaug/atelier-sub000/internal/beads"
	"github.com/shaug/atelier-sub000/internal/changeset"
	"github.com/shaug/atelier-sub000/internal/ghclient"
	"github.com/shaug/atelier-sub000/internal/git"
	"github.com/shaug/atelier-sub000/internal/lineage"
	"github.com/shaug/atelier-sub000/internal/mailbox"
	"github.com/shaug/atelier-sub000/internal/prgate"
	"github.com/shaug/atelier-sub000/internal/ticket"
)

// Reason taxonomy. These strings are the pipeline's public contract: they
// show up in logs, in planner messages, and in tests, and must stay stable
// across refactors.
const (
	ReasonChangesetMissing            = "changeset_missing"
	ReasonChangesetNotFound           = "changeset_not_found"
	ReasonLabelViolation              = "changeset_label_violation"
	ReasonChildrenPlanningBlocked     = "changeset_children_planning_blocked"
	ReasonChildrenPending             = "changeset_children_pending"
	ReasonBlockedMissingIntegration   = "changeset_blocked_missing_integration"
	ReasonStackIntegrityFailed        = "changeset_stack_integrity_failed"
	ReasonBlockedMessage              = "changeset_blocked_message"
	ReasonReviewPending               = "changeset_review_pending"
	ReasonBlockedMissingMetadata      = "changeset_blocked_missing_metadata"
	ReasonPRStatusQueryFailed         = "changeset_pr_status_query_failed"
	ReasonPublishPending              = "changeset_publish_pending"
	ReasonBlockedPublishMissing       = "changeset_blocked_publish_missing"
	ReasonPRBaseAlignmentFailed       = "changeset_pr_base_alignment_failed"
	ReasonPRCreateFailed              = "changeset_pr_create_failed"
	ReasonPRMissingRepoSlug           = "changeset_pr_missing_repo_slug"
	ReasonComplete                    = "changeset_complete"
	ReasonPublished                   = "changeset_published"
	ReasonEpicBlockedFinalization     = "epic_blocked_finalization"
	ReasonEpicBlockedMissingMetadata  = "epic_blocked_missing_metadata"
)

// continuableReasons are the outcomes after which the worker loop may keep
// going: the changeset reached a stable state without operator intervention.
var continuableReasons = map[string]bool{
	ReasonComplete:        true,
	ReasonPublished:       true,
	ReasonReviewPending:   true,
	ReasonChildrenPending: true,
}

// Result is the pipeline's outcome for one changeset.
type Result struct {
	ContinueRunning bool
	Reason          string
	Detail          string
}

func result(reason, detail string) Result {
	return Result{ContinueRunning: continuableReasons[reason], Reason: reason, Detail: detail}
}

// Context carries the per-cycle identifiers and repository coordinates the
// pipeline needs to evaluate one changeset.
type Context struct {
	ChangesetID string
	EpicID      string
	AgentID     string
	AgentBead   string
	StartedAt   time.Time

	RepoSlug     string
	BranchPR     bool
	BranchPRMode string // "draft" opens PRs as drafts
	PRStrategy   string
	HistoryMode  git.HistoryMode

	// WorkspaceRootBranch/WorkspaceParentBranch are the epic's resolved
	// branches, used for PR base fallback and epic rollup integration.
	WorkspaceRootBranch   string
	WorkspaceParentBranch string
}

// IssueLookup resolves an issue by ID. A nil issue with nil error means the
// issue does not exist.
type IssueLookup func(id string) (*beads.Issue, error)

// IssueListing returns a set of issues related to an ID (children of a
// parent, descendants of an epic, messages under a thread).
type IssueListing func(id string) ([]*beads.Issue, error)

// PRStatusLookup resolves the current PR status for a repo/branch pair.
type PRStatusLookup func(repoSlug, branch string) ghclient.PRLookup

// CreatePRFunc opens a PR for a changeset's work branch.
type CreatePRFunc func(repoSlug string, opts ghclient.CreatePROptions) (*ghclient.CreatePRResult, error)

// UpdatePRBaseFunc repoints an existing PR's base branch.
type UpdatePRBaseFunc func(repoSlug string, prNumber int, newBase string) error

// StateMutator is the slice of ticket-store transitions the pipeline
// performs, satisfied by *mutator.Mutator.
type StateMutator interface {
	MarkInProgress(id string) error
	MarkBlocked(id, reason string) error
	MarkClosed(id, reason string) error
	MarkMerged(issue *beads.Issue, integratedSHA, reason string) error
	MarkAbandoned(issue *beads.Issue, reason string) error
	MarkReviewPending(issue *beads.Issue, metadata changeset.ReviewMetadata) error
	UpdateReviewMetadata(issue *beads.Issue, metadata changeset.ReviewMetadata) error
	AppendNote(id, note string) error
	MarkChildrenInProgress(children []*beads.Issue) error
	PromotePlannedDescendantChangesets(descendants []*beads.Issue, dependencySatisfied func(*beads.Issue) bool) error
	CloseCompletedContainerChangesets(containers []*beads.Issue, allChildrenClosed func(*beads.Issue) bool) error
}

// GitOps is the slice of git operations the pipeline performs, satisfied by
// *git.Git.
type GitOps interface {
	BranchExists(name string) (bool, error)
	RemoteBranchExists(remote, branch string) (bool, error)
	BranchPushedToRemote(localBranch, remote string) (bool, int, error)
	Rev(ref string) (string, error)
	IsAncestor(ancestor, descendant string) (bool, error)
	PushSetUpstream(remote, localBranch string) error
	HasUncommittedChanges() (bool, error)
	RemoteDefaultBranch() string
	IntegrateEpicRootToParent(source, target string, mode git.HistoryMode, squashMessage string) (*git.IntegrationResult, error)
}

// Notifier sends planner-facing NEEDS-DECISION messages, satisfied by
// *mailbox.Mailbox.
type Notifier interface {
	SendNeedsDecision(n mailbox.NeedsDecisionNotification) (*beads.Issue, error)
}

// Pipeline wires the finalize decision logic to its collaborators.
type Pipeline struct {
	LookupIssue              IssueLookup
	ListChildren             IssueListing
	ListDescendantChangesets IssueListing
	ListMessages             IssueListing

	LookupPRStatus     PRStatusLookup
	ResolveParentState prgate.ParentStateResolver
	CreatePR           CreatePRFunc
	UpdatePRBase       UpdatePRBaseFunc

	Mutator StateMutator
	Mailbox Notifier
	Git     GitOps

	// CleanupEpic removes the worktrees and local branches mapped to an epic
	// after rollup, keeping any branch named in keepBranches. Optional.
	CleanupEpic func(epicID string, keepBranches []string) error
}

// Run executes the finalize decision pipeline for one changeset. The checks
// run in a fixed order; the first matching branch decides the outcome.
func (p *Pipeline) Run(ctx Context) Result {
	if ctx.ChangesetID == "" {
		return result(ReasonChangesetMissing, "no changeset id supplied")
	}
	issue, err := p.LookupIssue(ctx.ChangesetID)
	if err != nil || issue == nil {
		return result(ReasonChangesetNotFound, fmt.Sprintf("changeset %s not found", ctx.ChangesetID))
	}

	labels := ticket.NormalizedLabels(issue.Labels)

	if labels["at:subtask"] {
		detail := fmt.Sprintf("changeset %s carries the disallowed at:subtask label", issue.ID)
		p.notify(ctx, issue.ID, ReasonLabelViolation, detail,
			"Remove the at:subtask label or restructure this work as a changeset.")
		return result(ReasonLabelViolation, detail)
	}

	if labels["cs:merged"] || labels["cs:abandoned"] {
		return p.finalizeAlreadyTerminal(ctx, issue, labels)
	}

	if ctx.BranchPR && isSequential(ctx.PRStrategy) {
		if res, failed := p.stackIntegrityPreflight(ctx, issue); failed {
			return res
		}
	}

	if p.hasBlockingMessages(ctx, issue.ID, ctx.EpicID) {
		p.markBlocked(issue.ID, "unresolved planner messages block finalize")
		return result(ReasonBlockedMessage, "unresolved planner messages block finalize")
	}

	storedState := ticket.NormalizeReviewState(changeset.ParseReviewMetadata(issue.Description).PRState)
	if ticket.IsChangesetInProgress(issue.Status) && ticket.ActiveReviewStates[storedState] {
		return result(ReasonReviewPending, "stored review state "+storedState)
	}

	workBranch := changeset.WorkBranch(issue.Description)
	if workBranch == "" {
		detail := fmt.Sprintf("changeset %s has no changeset.work_branch recorded", issue.ID)
		p.markBlocked(issue.ID, detail)
		p.notify(ctx, issue.ID, ReasonBlockedMissingMetadata, detail,
			"Record the work branch on this changeset, or abandon it.")
		return result(ReasonBlockedMissingMetadata, detail)
	}

	pushed := p.branchPushed(workBranch)

	var payload *ghclient.PRStatus
	if ctx.RepoSlug != "" {
		lookup := p.LookupPRStatus(ctx.RepoSlug, workBranch)
		switch lookup.Outcome {
		case ghclient.OutcomeError:
			if ctx.BranchPR {
				_ = p.Mutator.MarkInProgress(issue.ID)
				p.notify(ctx, issue.ID, ReasonPRStatusQueryFailed, lookup.Err,
					"Check GitHub availability and credentials, then rerun finalize.")
				return result(ReasonPRStatusQueryFailed, lookup.Err)
			}
		case ghclient.OutcomeFound:
			payload = lookup.PR
		}
	}

	lifecycle := ghclient.LifecycleState(payload, pushed, ghclient.HasReviewRequests(payload))

	switch lifecycle {
	case ticket.ReviewMerged:
		p.recordReviewMetadata(issue, payload, ticket.ReviewMerged)
		sha := p.resolveIntegratedSHA(workBranch, payload)
		return p.finalizeTerminalChangeset(ctx, issue, ticket.ReviewMerged, sha)

	case ticket.ReviewClosed:
		p.recordReviewMetadata(issue, payload, ticket.ReviewClosed)
		if p.hasIntegrationSignal(issue, workBranch, payload) {
			sha := p.resolveIntegratedSHA(workBranch, payload)
			return p.finalizeTerminalChangeset(ctx, issue, ticket.ReviewMerged, sha)
		}
		return p.finalizeTerminalChangeset(ctx, issue, ticket.ReviewClosed, "")

	case ticket.ReviewPushed:
		if p.hasIntegrationSignal(issue, workBranch, nil) {
			sha := p.resolveIntegratedSHA(workBranch, nil)
			return p.finalizeTerminalChangeset(ctx, issue, ticket.ReviewMerged, sha)
		}
		return p.handlePushedWithoutPR(ctx, issue, workBranch)

	case "":
		return p.handleLocalOnly(ctx, issue, workBranch)
	}

	// An active PR exists (draft-pr, pr-open, in-review, approved).
	if ctx.BranchPR && payload != nil {
		if detail, ok := p.alignExistingPRBase(ctx, issue, payload); !ok {
			return result(ReasonPRBaseAlignmentFailed, detail)
		}
		if refreshed := p.requeryPR(ctx, workBranch); refreshed != nil {
			payload = refreshed
			lifecycle = ghclient.LifecycleState(payload, true, ghclient.HasReviewRequests(payload))
		}
		p.markReviewPending(issue, payload, lifecycle)
		return result(ReasonReviewPending, "state:"+lifecycle)
	}

	return result(ReasonPublished, "state:"+lifecycle)
}

func isSequential(strategy string) bool {
	normalized, err := prgate.NormalizeStrategy(strategy)
	if err != nil {
		normalized = prgate.Default
	}
	return normalized == prgate.Sequential
}

// finalizeAlreadyTerminal handles a changeset that already carries a
// terminal label (cs:merged or cs:abandoned) when the pipeline reaches it:
// either its descendants still need shepherding, or the terminal state needs
// an integration proof before the ticket may actually close.
func (p *Pipeline) finalizeAlreadyTerminal(ctx Context, issue *beads.Issue, labels map[string]bool) Result {
	children := p.listChildren(issue.ID)
	var open []*beads.Issue
	for _, c := range children {
		if !ticket.IsClosedStatus(c.Status) {
			open = append(open, c)
		}
	}
	if len(open) > 0 {
		// Snapshot the planned set before promoting so children added
		// mid-call don't change what this pass operates on.
		planned := make([]*beads.Issue, 0, len(open))
		threadIDs := []string{issue.ID, ctx.EpicID}
		for _, c := range open {
			if ticket.NormalizedLabels(c.Labels)["cs:planned"] ||
				ticket.CanonicalLifecycleStatus(c.Status) == ticket.StatusDeferred {
				planned = append(planned, c)
				threadIDs = append(threadIDs, c.ID)
			}
		}
		_ = p.Mutator.PromotePlannedDescendantChangesets(planned, func(*beads.Issue) bool { return true })
		_ = p.Mutator.MarkChildrenInProgress(open)
		if p.hasBlockingMessages(ctx, threadIDs...) {
			return result(ReasonChildrenPlanningBlocked,
				fmt.Sprintf("%d open descendants with unresolved planner messages", len(open)))
		}
		return result(ReasonChildrenPending, fmt.Sprintf("%d open descendants", len(open)))
	}

	workBranch := changeset.WorkBranch(issue.Description)
	sha := changeset.IntegratedSHA(issue.Description)

	if labels["cs:merged"] && sha == "" {
		var payload *ghclient.PRStatus
		if ctx.RepoSlug != "" && workBranch != "" {
			if lookup := p.LookupPRStatus(ctx.RepoSlug, workBranch); lookup.Outcome == ghclient.OutcomeFound {
				payload = lookup.PR
			}
		}
		if !p.hasIntegrationSignal(issue, workBranch, payload) {
			if recovered, ok := p.prematureMergedRecovery(ctx, issue, workBranch); ok {
				return recovered
			}
			detail := fmt.Sprintf("changeset %s is labeled cs:merged but carries no integration signal", issue.ID)
			p.markBlocked(issue.ID, detail)
			p.notify(ctx, issue.ID, ReasonBlockedMissingIntegration, detail,
				"Verify the merge actually happened, then record changeset.integrated_sha or clear cs:merged.")
			return result(ReasonBlockedMissingIntegration, detail)
		}
		sha = p.resolveIntegratedSHA(workBranch, payload)
	}

	if labels["cs:merged"] {
		if err := p.Mutator.MarkMerged(issue, sha, "changeset merged"); err != nil {
			return result(ReasonBlockedMissingIntegration, err.Error())
		}
	} else if !ticket.IsClosedStatus(issue.Status) {
		if err := p.Mutator.MarkClosed(issue.ID, "changeset abandoned"); err != nil {
			return result(ReasonEpicBlockedFinalization, err.Error())
		}
	}

	p.closeCompletedContainers(ctx, issue)
	return p.epicRollup(ctx)
}

// stackIntegrityPreflight checks that a sequential changeset's dependency
// parent still has a live, compatible PR before any publish decision is
// made. Returns (result, true) when the preflight fails.
func (p *Pipeline) stackIntegrityPreflight(ctx Context, issue *beads.Issue) (Result, bool) {
	res := prgate.SequentialStackIntegrityPreflight(
		lineageIssueFrom(issue), ctx.PRStrategy, ctx.RepoSlug, p.lineageLookup(), p.parentStateResolver())
	if res.OK {
		return Result{}, false
	}
	detail := res.Reason
	if res.Detail != "" {
		detail = fmt.Sprintf("%s: %s", res.Reason, res.Detail)
	}
	if res.Edge != "" {
		detail = fmt.Sprintf("%s [%s]", detail, res.Edge)
	}
	p.markBlocked(issue.ID, detail)
	p.notify(ctx, issue.ID, ReasonStackIntegrityFailed, detail, res.Remediation)
	return result(ReasonStackIntegrityFailed, detail), true
}

// handlePushedWithoutPR decides what to do with a branch that's on the
// remote but has no pull request: consult the strategy gate, and either wait
// (review-pending at state "pushed") or open the PR.
func (p *Pipeline) handlePushedWithoutPR(ctx Context, issue *beads.Issue, workBranch string) Result {
	decision := prgate.CreationDecision(
		lineageIssueFrom(issue), ctx.PRStrategy, ctx.RepoSlug, p.lineageLookup(), p.parentStateResolver())
	if !decision.AllowPR {
		p.markReviewPending(issue, nil, ticket.ReviewPushed)
		return result(ReasonReviewPending, decision.Reason)
	}

	if !ctx.BranchPR {
		p.markReviewPending(issue, nil, ticket.ReviewPushed)
		return result(ReasonReviewPending, "pushed; pr publishing disabled")
	}
	if ctx.RepoSlug == "" {
		detail := fmt.Sprintf("cannot open a PR for %s: no repository slug configured", issue.ID)
		_ = p.Mutator.MarkInProgress(issue.ID)
		_ = p.Mutator.AppendNote(issue.ID, "publish_pending: "+detail)
		p.notify(ctx, issue.ID, ReasonPRMissingRepoSlug, detail,
			"Configure the repository slug for this workspace, then rerun finalize.")
		return result(ReasonPRMissingRepoSlug, detail)
	}
	if p.CreatePR == nil {
		detail := "pr gate open but no PR creation capability configured"
		_ = p.Mutator.MarkInProgress(issue.ID)
		_ = p.Mutator.AppendNote(issue.ID, "publish_pending: "+detail)
		p.notify(ctx, issue.ID, ReasonPRCreateFailed, detail,
			"Configure GitHub credentials for this worker, then rerun finalize.")
		return result(ReasonPRCreateFailed, detail)
	}

	base := p.resolveBaseBranch(ctx, issue)
	pr, err := p.CreatePR(ctx.RepoSlug, ghclient.CreatePROptions{
		Head:  workBranch,
		Base:  base,
		Title: issue.Title,
		Body:  issue.Description,
		Draft: ctx.BranchPRMode == "draft",
	})
	if err != nil {
		// A duplicate-creation race is possible: another process may have
		// opened the PR between our lookup and this attempt.
		if existing := p.requeryPR(ctx, workBranch); existing != nil {
			state := ghclient.LifecycleState(existing, true, ghclient.HasReviewRequests(existing))
			p.markReviewPending(issue, existing, state)
			return result(ReasonReviewPending, "accepted concurrently created PR")
		}
		detail := fmt.Sprintf("creating PR for %s: %v", workBranch, err)
		_ = p.Mutator.MarkInProgress(issue.ID)
		_ = p.Mutator.AppendNote(issue.ID, "publish_pending: "+detail)
		p.notify(ctx, issue.ID, ReasonPRCreateFailed, detail,
			"Open the PR manually or resolve the creation failure, then rerun finalize.")
		return result(ReasonPRCreateFailed, detail)
	}

	created := p.requeryPR(ctx, workBranch)
	state := ticket.ReviewPROpen
	if ctx.BranchPRMode == "draft" {
		state = ticket.ReviewDraftPR
	}
	if created != nil {
		state = ghclient.LifecycleState(created, true, ghclient.HasReviewRequests(created))
	}
	metadata := changeset.ReviewMetadata{PRURL: pr.URL, PRNumber: fmt.Sprintf("%d", pr.Number), PRState: state}
	_ = p.Mutator.MarkReviewPending(issue, metadata)
	return result(ReasonReviewPending, pr.URL)
}

// handleLocalOnly deals with a changeset whose branch is neither pushed nor
// tracked by a PR: try to publish it, and when that's impossible, decide
// from the publish diagnostics whether the work is recoverable.
func (p *Pipeline) handleLocalOnly(ctx Context, issue *beads.Issue, workBranch string) Result {
	var pushErr error
	if ctx.BranchPR && p.Git != nil {
		if exists, _ := p.Git.BranchExists(workBranch); exists {
			pushErr = p.Git.PushSetUpstream("origin", workBranch)
			if pushErr == nil {
				if payload := p.requeryPR(ctx, workBranch); payload != nil {
					state := ghclient.LifecycleState(payload, true, ghclient.HasReviewRequests(payload))
					p.markReviewPending(issue, payload, state)
					return result(ReasonReviewPending, "state:"+state)
				}
				return p.handlePushedWithoutPR(ctx, issue, workBranch)
			}
		}
	}

	diag := p.gatherPublishDiagnostics(workBranch, pushErr)
	if diag.Recoverable() {
		_ = p.Mutator.MarkInProgress(issue.ID)
		_ = p.Mutator.AppendNote(issue.ID, "publish_pending: "+diag.String())
		p.notify(ctx, issue.ID, ReasonPublishPending, diag.String(),
			"Push the work branch (or let the next cycle retry), then rerun finalize.")
		return result(ReasonPublishPending, diag.String())
	}
	p.markBlocked(issue.ID, diag.String())
	p.notify(ctx, issue.ID, ReasonBlockedPublishMissing, diag.String(),
		"No local or remote work exists for this changeset; re-plan or abandon it.")
	return result(ReasonBlockedPublishMissing, diag.String())
}

// PublishDiagnostics is a structured snapshot of what a failed or missing
// publish looks like on disk, used to decide between "retry later" and
// "nothing to recover".
type PublishDiagnostics struct {
	LocalBranchExists  bool
	RemoteBranchExists bool
	DirtyEntries       int
	PushError          string
}

// Recoverable reports whether retrying the publish could succeed: some local
// state (a branch or uncommitted files) still exists to push.
func (d PublishDiagnostics) Recoverable() bool {
	return d.LocalBranchExists || d.DirtyEntries > 0
}

func (d PublishDiagnostics) String() string {
	parts := []string{
		fmt.Sprintf("local_branch=%t", d.LocalBranchExists),
		fmt.Sprintf("remote_branch=%t", d.RemoteBranchExists),
		fmt.Sprintf("dirty_entries=%d", d.DirtyEntries),
	}
	if d.PushError != "" {
		parts = append(parts, "push_error="+d.PushError)
	}
	return strings.Join(parts, " ")
}

func (p *Pipeline) gatherPublishDiagnostics(workBranch string, pushErr error) PublishDiagnostics {
	diag := PublishDiagnostics{}
	if pushErr != nil {
		diag.PushError = pushErr.Error()
	}
	if p.Git == nil {
		return diag
	}
	diag.LocalBranchExists, _ = p.Git.BranchExists(workBranch)
	diag.RemoteBranchExists, _ = p.Git.RemoteBranchExists("origin", workBranch)
	if dirty, err := p.Git.HasUncommittedChanges(); err == nil && dirty {
		diag.DirtyEntries = 1
	}
	return diag
}

// prematureMergedRecovery resolves a changeset labeled cs:merged that has no
// integration signal by consulting the live PR: an active PR means the label
// was premature and the changeset goes back to review-pending; a genuinely
// merged or closed PR finalizes terminally. Returns (result, true) when
// recovery produced a decision.
func (p *Pipeline) prematureMergedRecovery(ctx Context, issue *beads.Issue, workBranch string) (Result, bool) {
	if !ctx.BranchPR || ctx.RepoSlug == "" || workBranch == "" {
		return Result{}, false
	}
	lookup := p.LookupPRStatus(ctx.RepoSlug, workBranch)
	var payload *ghclient.PRStatus
	if lookup.Outcome == ghclient.OutcomeFound {
		payload = lookup.PR
	} else if lookup.Outcome == ghclient.OutcomeError {
		return Result{}, false
	}

	pushed := p.branchPushed(workBranch)
	state := ghclient.LifecycleState(payload, pushed, ghclient.HasReviewRequests(payload))
	switch state {
	case ticket.ReviewDraftPR, ticket.ReviewPROpen, ticket.ReviewInReview, ticket.ReviewApproved:
		p.markReviewPending(issue, payload, state)
		return result(ReasonReviewPending, "cs:merged was premature; PR is "+state), true
	case ticket.ReviewMerged:
		p.recordReviewMetadata(issue, payload, ticket.ReviewMerged)
		sha := p.resolveIntegratedSHA(workBranch, payload)
		return p.finalizeTerminalChangeset(ctx, issue, ticket.ReviewMerged, sha), true
	case ticket.ReviewClosed:
		p.recordReviewMetadata(issue, payload, ticket.ReviewClosed)
		if p.hasIntegrationSignal(issue, workBranch, payload) {
			sha := p.resolveIntegratedSHA(workBranch, payload)
			return p.finalizeTerminalChangeset(ctx, issue, ticket.ReviewMerged, sha), true
		}
		return p.finalizeTerminalChangeset(ctx, issue, ticket.ReviewClosed, ""), true
	case ticket.ReviewPushed:
		return p.handlePushedWithoutPR(ctx, issue, workBranch), true
	default:
		return p.handleLocalOnly(ctx, issue, workBranch), true
	}
}

// finalizeTerminalChangeset applies the terminal transition (merged or
// abandoned), rolls completion up through container changesets, and runs the
// epic rollup. terminalState must be ReviewMerged or ReviewClosed.
func (p *Pipeline) finalizeTerminalChangeset(ctx Context, issue *beads.Issue, terminalState, integratedSHA string) Result {
	if terminalState == ticket.ReviewMerged {
		if err := p.Mutator.MarkMerged(issue, integratedSHA, "pull request merged"); err != nil {
			return result(ReasonBlockedMissingIntegration, err.Error())
		}
	} else {
		if err := p.Mutator.MarkAbandoned(issue, "pull request closed without merge"); err != nil {
			return result(ReasonEpicBlockedFinalization, err.Error())
		}
	}
	p.closeCompletedContainers(ctx, issue)
	return p.epicRollup(ctx)
}

// epicRollup closes the epic once every descendant changeset is terminal,
// integrating the epic root branch into its parent first when this
// workspace publishes by branch integration rather than per-changeset PRs.
func (p *Pipeline) epicRollup(ctx Context) Result {
	if ctx.EpicID == "" {
		return result(ReasonComplete, "")
	}
	epic, err := p.LookupIssue(ctx.EpicID)
	if err != nil || epic == nil {
		return result(ReasonComplete, "epic not loadable; changeset finalized")
	}

	descendants := p.listDescendants(ctx.EpicID)
	for _, d := range descendants {
		labels := ticket.NormalizedLabels(d.Labels)
		if labels["cs:merged"] || labels["cs:abandoned"] {
			continue
		}
		if ticket.IsClosedStatus(d.Status) {
			continue
		}
		return result(ReasonComplete, fmt.Sprintf("epic %s still has open descendants", ctx.EpicID))
	}

	keepBranches := []string{}
	if !ctx.BranchPR {
		rootBranch := ctx.WorkspaceRootBranch
		if rootBranch == "" {
			rootBranch = changeset.WorkspaceRootBranch(epic.Description)
		}
		parentBranch := ctx.WorkspaceParentBranch
		if parentBranch == "" {
			parentBranch = changeset.WorkspaceParentBranch(epic.Description)
		}
		if parentBranch == "" && p.Git != nil {
			parentBranch = p.Git.RemoteDefaultBranch()
		}
		if rootBranch == "" || parentBranch == "" {
			detail := fmt.Sprintf("epic %s has no workspace root/parent branch recorded", ctx.EpicID)
			p.notify(ctx, ctx.EpicID, ReasonEpicBlockedMissingMetadata, detail,
				"Record workspace.root_branch and workspace.parent_branch on the epic, then rerun finalize.")
			return result(ReasonEpicBlockedMissingMetadata, detail)
		}
		if p.Git != nil && rootBranch != parentBranch {
			message := squashSubjectFor(epic, ctx.EpicID)
			integration, err := p.Git.IntegrateEpicRootToParent(rootBranch, parentBranch, ctx.HistoryMode, message)
			if err != nil {
				detail := fmt.Sprintf("integrating %s into %s: %v", rootBranch, parentBranch, err)
				p.notify(ctx, ctx.EpicID, ReasonEpicBlockedFinalization, detail,
					"Resolve the integration failure, then rerun finalize.")
				return result(ReasonEpicBlockedFinalization, detail)
			}
			if len(integration.Conflicts) > 0 {
				detail := fmt.Sprintf("conflicts integrating %s into %s: %v", rootBranch, parentBranch, integration.Conflicts)
				p.notify(ctx, ctx.EpicID, ReasonEpicBlockedFinalization, detail,
					"Resolve the merge conflicts on the epic root branch, then rerun finalize.")
				return result(ReasonEpicBlockedFinalization, detail)
			}
		}
		keepBranches = append(keepBranches, parentBranch)
	}

	if !ticket.IsClosedStatus(epic.Status) {
		if err := p.Mutator.MarkClosed(ctx.EpicID, "all descendant changesets terminal"); err != nil {
			return result(ReasonEpicBlockedFinalization, err.Error())
		}
	}
	if p.CleanupEpic != nil {
		_ = p.CleanupEpic(ctx.EpicID, keepBranches)
	}
	return result(ReasonComplete, "epic "+ctx.EpicID+" closed")
}

// squashSubjectFor builds the deterministic squash subject used when no
// agent-generated message is available: ticket id, title, and epic id.
func squashSubjectFor(epic *beads.Issue, epicID string) string {
	title := strings.TrimSpace(epic.Title)
	if title == "" {
		return epicID
	}
	return fmt.Sprintf("%s: %s (%s)", epicID, title, epicID)
}

// alignExistingPRBase repoints a live PR's base branch when it disagrees
// with the base dependency lineage resolves to. Returns (detail, false) when
// the provider-side update fails.
func (p *Pipeline) alignExistingPRBase(ctx Context, issue *beads.Issue, payload *ghclient.PRStatus) (string, bool) {
	expected := p.resolveBaseBranch(ctx, issue)
	if expected == "" || payload.BaseRefName == "" || payload.BaseRefName == expected {
		return "", true
	}
	if p.UpdatePRBase == nil {
		return fmt.Sprintf("PR #%d base is %q, expected %q, and no base-update capability is configured",
			payload.Number, payload.BaseRefName, expected), false
	}
	if err := p.UpdatePRBase(ctx.RepoSlug, payload.Number, expected); err != nil {
		return fmt.Sprintf("updating PR #%d base from %q to %q: %v",
			payload.Number, payload.BaseRefName, expected, err), false
	}
	return "", true
}

// resolveBaseBranch computes the branch a changeset's PR should target:
// the explicit (or dependency-resolved) parent when it differs from the
// root, else the epic's workspace parent, else the default branch.
func (p *Pipeline) resolveBaseBranch(ctx Context, issue *beads.Issue) string {
	res := lineage.ResolveParentLineage(lineageIssueFrom(issue), "", p.lineageLookup())
	if res.EffectiveParentBranch != "" && res.EffectiveParentBranch != res.RootBranch {
		return res.EffectiveParentBranch
	}
	if ctx.WorkspaceParentBranch != "" {
		return ctx.WorkspaceParentBranch
	}
	if p.Git != nil {
		return p.Git.RemoteDefaultBranch()
	}
	return "main"
}

// hasIntegrationSignal reports whether a changeset's work is provably
// integrated: a recorded integrated_sha, a merged PR whose head matches the
// remote branch tip, or a work-branch tip already reachable from the default
// branch.
func (p *Pipeline) hasIntegrationSignal(issue *beads.Issue, workBranch string, payload *ghclient.PRStatus) bool {
	if changeset.IntegratedSHA(issue.Description) != "" {
		return true
	}
	if payload != nil && payload.MergedAt != nil {
		if p.Git == nil || workBranch == "" {
			return true
		}
		remoteSHA, err := p.Git.Rev("origin/" + workBranch)
		if err != nil {
			return true
		}
		return payload.HeadSHA == "" || payload.HeadSHA == remoteSHA
	}
	if p.Git != nil && workBranch != "" {
		tip, err := p.Git.Rev(workBranch)
		if err != nil {
			tip, err = p.Git.Rev("origin/" + workBranch)
		}
		if err == nil {
			defaultBranch := p.Git.RemoteDefaultBranch()
			if ok, err := p.Git.IsAncestor(tip, "origin/"+defaultBranch); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// resolveIntegratedSHA picks the best available sha proving integration: the
// remote tip of the work branch, falling back to the PR's recorded head.
func (p *Pipeline) resolveIntegratedSHA(workBranch string, payload *ghclient.PRStatus) string {
	if p.Git != nil && workBranch != "" {
		if sha, err := p.Git.Rev("origin/" + workBranch); err == nil && sha != "" {
			return sha
		}
		if sha, err := p.Git.Rev(workBranch); err == nil && sha != "" {
			return sha
		}
	}
	if payload != nil {
		return payload.HeadSHA
	}
	return ""
}

func (p *Pipeline) branchPushed(workBranch string) bool {
	if p.Git == nil {
		return false
	}
	pushed, _, err := p.Git.BranchPushedToRemote(workBranch, "origin")
	return err == nil && pushed
}

func (p *Pipeline) requeryPR(ctx Context, workBranch string) *ghclient.PRStatus {
	if ctx.RepoSlug == "" {
		return nil
	}
	lookup := p.LookupPRStatus(ctx.RepoSlug, workBranch)
	if lookup.Outcome == ghclient.OutcomeFound {
		return lookup.PR
	}
	return nil
}

func (p *Pipeline) recordReviewMetadata(issue *beads.Issue, payload *ghclient.PRStatus, state string) {
	metadata := changeset.ParseReviewMetadata(issue.Description)
	metadata.PRState = state
	if payload != nil && payload.Number > 0 {
		metadata.PRNumber = fmt.Sprintf("%d", payload.Number)
	}
	_ = p.Mutator.UpdateReviewMetadata(issue, metadata)
}

func (p *Pipeline) markReviewPending(issue *beads.Issue, payload *ghclient.PRStatus, state string) {
	metadata := changeset.ParseReviewMetadata(issue.Description)
	metadata.PRState = state
	if payload != nil && payload.Number > 0 {
		metadata.PRNumber = fmt.Sprintf("%d", payload.Number)
	}
	_ = p.Mutator.MarkReviewPending(issue, metadata)
}

func (p *Pipeline) markBlocked(id, reason string) {
	if p.Mutator != nil {
		_ = p.Mutator.MarkBlocked(id, reason)
	}
}

func (p *Pipeline) closeCompletedContainers(ctx Context, issue *beads.Issue) {
	if issue.Parent == "" || issue.Parent == ctx.EpicID {
		return
	}
	// Walk the container chain between the changeset and its epic, closing
	// any container whose children are now all closed.
	var containers []*beads.Issue
	seen := map[string]bool{}
	currentID := issue.Parent
	for currentID != "" && currentID != ctx.EpicID && !seen[currentID] {
		seen[currentID] = true
		container, err := p.LookupIssue(currentID)
		if err != nil || container == nil {
			break
		}
		containers = append(containers, container)
		currentID = container.Parent
	}
	_ = p.Mutator.CloseCompletedContainerChangesets(containers, func(c *beads.Issue) bool {
		for _, child := range p.listChildren(c.ID) {
			if !ticket.IsClosedStatus(child.Status) {
				return false
			}
		}
		return true
	})
}

func (p *Pipeline) hasBlockingMessages(ctx Context, threadIDs ...string) bool {
	if p.ListMessages == nil {
		return false
	}
	for _, id := range threadIDs {
		if id == "" {
			continue
		}
		messages, err := p.ListMessages(id)
		if err != nil {
			continue
		}
		for _, msg := range messages {
			if msg.Type != "message" || !beads.HasLabel(msg, "needs-decision") {
				continue
			}
			if ctx.StartedAt.IsZero() {
				return true
			}
			created, err := time.Parse(time.RFC3339, msg.CreatedAt)
			if err != nil || created.After(ctx.StartedAt) {
				return true
			}
		}
	}
	return false
}

func (p *Pipeline) listChildren(id string) []*beads.Issue {
	if p.ListChildren == nil {
		return nil
	}
	children, err := p.ListChildren(id)
	if err != nil {
		return nil
	}
	return children
}

func (p *Pipeline) listDescendants(epicID string) []*beads.Issue {
	if p.ListDescendantChangesets != nil {
		if descendants, err := p.ListDescendantChangesets(epicID); err == nil {
			return descendants
		}
	}
	return p.listChildren(epicID)
}

func (p *Pipeline) notify(ctx Context, subjectID, reason, detail, action string) {
	if p.Mailbox == nil {
		return
	}
	_, _ = p.Mailbox.SendNeedsDecision(mailbox.NeedsDecisionNotification{
		SubjectID:      subjectID,
		Reason:         reason,
		Detail:         detail,
		Actor:          ctx.AgentID,
		ActionSentence: action,
	})
}

func lineageIssueFrom(issue *beads.Issue) *lineage.Issue {
	deps := make([]lineage.Dependency, 0, len(issue.Dependencies))
	for _, d := range issue.Dependencies {
		deps = append(deps, lineage.Dependency{ID: d.ID, DependencyType: d.DependencyType})
	}
	return &lineage.Issue{ID: issue.ID, Description: issue.Description, Dependencies: deps}
}

// parentStateResolver returns the configured resolver, or one that fails
// closed when none was wired so gating never guesses a parent state.
func (p *Pipeline) parentStateResolver() prgate.ParentStateResolver {
	if p.ResolveParentState != nil {
		return p.ResolveParentState
	}
	return func(repoSlug, branch string) (string, string) {
		return "", "no parent-state resolver configured"
	}
}

func (p *Pipeline) lineageLookup() lineage.LookupIssueFn {
	return func(id string) *lineage.Issue {
		issue, err := p.LookupIssue(id)
		if err != nil || issue == nil {
			return nil
		}
		return lineageIssueFrom(issue)
	}
}

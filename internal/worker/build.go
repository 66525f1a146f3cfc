package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shaug/atelier-sub000/internal/agentident"
	"github.com/shaug/atelier-sub000/internal/agentproc"
	"github.com/shaug/atelier-sub000/internal/beads"
	"github.com/shaug/atelier-sub000/internal/changeset"
	"github.com/shaug/atelier-sub000/internal/finalize"
	"github.com/shaug/atelier-sub000/internal/ghclient"
	"github.com/shaug/atelier-sub000/internal/git"
	"github.com/shaug/atelier-sub000/internal/lineage"
	"github.com/shaug/atelier-sub000/internal/mailbox"
	"github.com/shaug/atelier-sub000/internal/mutator"
	"github.com/shaug/atelier-sub000/internal/prgate"
	"github.com/shaug/atelier-sub000/internal/reconcile"
	"github.com/shaug/atelier-sub000/internal/runtimeconfig"
	"github.com/shaug/atelier-sub000/internal/startup"
	"github.com/shaug/atelier-sub000/internal/ticket"
	"github.com/shaug/atelier-sub000/internal/worktree"
)

// New assembles a Runner for repoRoot from cfg, wiring the ticket store,
// GitHub client, git wrapper, and the startup/finalize/reconcile services on
// top of them. ghToken may be empty in tests/dry runs that never touch
// GitHub.
func New(repoRoot string, cfg runtimeconfig.Config, ghToken string) *Runner {
	store := beads.New(repoRoot)
	gitWrapper := git.NewGit(repoRoot)
	mut := mutator.New(store)
	mbox := mailbox.New(store)
	wtStore := worktree.New(WorktreeRootFor(repoRoot))
	identity := agentident.New(cfg.Role, cfg.AgentType)

	var ghClient *ghclient.Client
	if ghToken != "" {
		ghClient = ghclient.NewClient(context.Background(), ghToken)
	}

	lookupIssue := func(id string) (*beads.Issue, error) {
		issue, err := store.Show(id)
		if errors.Is(err, beads.ErrNotFound) {
			return nil, nil
		}
		return issue, err
	}
	listChildren := func(parentID string) ([]*beads.Issue, error) {
		return store.List(beads.ListOptions{Parent: parentID})
	}
	listDescendantChangesets := func(epicID string) ([]*beads.Issue, error) {
		var leaves []*beads.Issue
		queue := []string{epicID}
		seen := map[string]bool{epicID: true}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			children, err := listChildren(id)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if seen[child.ID] {
					continue
				}
				seen[child.ID] = true
				if ticket.IsSpecialNonWorkIssue(ticket.NormalizedLabels(child.Labels), child.Type) {
					continue
				}
				if child.HasAnyChildren() {
					queue = append(queue, child.ID)
					continue
				}
				leaves = append(leaves, child)
			}
		}
		return leaves, nil
	}
	listMessages := func(subjectID string) ([]*beads.Issue, error) {
		children, err := listChildren(subjectID)
		if err != nil {
			return nil, err
		}
		var messages []*beads.Issue
		for _, c := range children {
			if c.Type == "message" {
				messages = append(messages, c)
			}
		}
		return messages, nil
	}

	lookupPRStatus := func(repoSlug, branch string) ghclient.PRLookup {
		if ghClient == nil {
			return ghclient.PRLookup{Outcome: ghclient.OutcomeError, Err: "no GitHub client configured"}
		}
		return ghClient.CachedLookupPRStatus(context.Background(), repoSlug, branch)
	}
	resolveParentState := func(repoSlug, branch string) (string, string) {
		lookup := lookupPRStatus(repoSlug, branch)
		if lookup.Outcome == ghclient.OutcomeError {
			return "", lookup.Err
		}
		if lookup.Outcome == ghclient.OutcomeNotFound {
			return ticket.ReviewPushed, ""
		}
		return ghclient.LifecycleState(lookup.PR, true, ghclient.HasReviewRequests(lookup.PR)), ""
	}
	var createPR finalize.CreatePRFunc
	var updatePRBase finalize.UpdatePRBaseFunc
	if ghClient != nil {
		createPR = func(repoSlug string, opts ghclient.CreatePROptions) (*ghclient.CreatePRResult, error) {
			return ghClient.CreatePR(context.Background(), repoSlug, opts)
		}
		updatePRBase = func(repoSlug string, prNumber int, newBase string) error {
			return ghClient.UpdatePRBase(context.Background(), repoSlug, prNumber, newBase)
		}
	}

	cleanupEpic := func(epicID string, keepBranches []string) error {
		entries, err := wtStore.All(epicID)
		if err != nil {
			return err
		}
		keep := map[string]bool{}
		for _, b := range keepBranches {
			keep[b] = true
		}
		var paths, branches []string
		for _, e := range entries {
			paths = append(paths, e.Path)
			if !keep[e.Branch] {
				branches = append(branches, e.Branch)
			}
		}
		gitWrapper.CleanupEpicBranchesAndWorktrees(paths, branches)
		for _, e := range entries {
			_ = wtStore.Release(epicID, e.ChangesetID)
		}
		return nil
	}

	pipeline := &finalize.Pipeline{
		LookupIssue:              lookupIssue,
		ListChildren:             listChildren,
		ListDescendantChangesets: listDescendantChangesets,
		ListMessages:             listMessages,
		LookupPRStatus:           lookupPRStatus,
		ResolveParentState:       prgate.ParentStateResolver(resolveParentState),
		CreatePR:                 createPR,
		UpdatePRBase:             updatePRBase,
		Mutator:                  mut,
		Mailbox:                  mbox,
		Git:                      gitWrapper,
		CleanupEpic:              cleanupEpic,
	}

	listAllChangesets := func() ([]*beads.Issue, error) {
		issues, err := store.List(beads.ListOptions{})
		if err != nil {
			return nil, err
		}
		var leaves []*beads.Issue
		for _, issue := range issues {
			labels := ticket.NormalizedLabels(issue.Labels)
			if ticket.IsSpecialNonWorkIssue(labels, issue.Type) {
				continue
			}
			role := ticket.InferWorkRole(labels, issue.Type, issue.Parent, issue.HasAnyChildren())
			if role.IsChangeset {
				leaves = append(leaves, issue)
			}
		}
		return leaves, nil
	}

	reconciler := &reconcile.Service{
		ListAllChangesets: listAllChangesets,
		LookupIssue:       lookupIssue,
		LookupPRStatus:    lookupPRStatus,
		Pipeline:          pipeline,
		Reopener:          mut,
		RepoSlug:          cfg.RepoSlug,
		EpicAssignee: func(epicID string) string {
			epic, err := lookupIssue(epicID)
			if err != nil || epic == nil {
				return ""
			}
			return epic.Assignee
		},
	}

	agentBeadID := agentBeadIDFor(identity)
	ensureAgentBead := func() (*beads.Issue, error) {
		existing, err := store.Show(agentBeadID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, beads.ErrNotFound) {
			return nil, err
		}
		return store.CreateWithID(agentBeadID, beads.CreateOptions{
			Title:       identity.String(),
			Type:        "agent",
			Priority:    3,
			Description: "role_type: worker\nagent_id: " + identity.String() + "\n",
			Labels:      []string{"at:agent"},
			Actor:       identity.String(),
		})
	}

	hookedEpicID := func() (string, error) {
		bead, err := store.Show(agentBeadID)
		if errors.Is(err, beads.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return changeset.HookBead(bead.Description), nil
	}

	clearHookOf := func(sessionKey string) {
		agents, err := store.List(beads.ListOptions{Label: "at:agent"})
		if err != nil {
			return
		}
		for _, a := range agents {
			fields := changeset.ParseDescriptionFields(a.Description)
			if fields["agent_id"] != sessionKey {
				continue
			}
			_ = mut.ClearAgentHook(a)
			return
		}
	}

	liveReviewState := func(issue *beads.Issue) *string {
		if ghClient == nil || cfg.RepoSlug == "" {
			return nil
		}
		workBranch := changeset.WorkBranch(issue.Description)
		if workBranch == "" {
			return nil
		}
		lookup := lookupPRStatus(cfg.RepoSlug, workBranch)
		if lookup.Outcome != ghclient.OutcomeFound {
			return nil
		}
		state := ghclient.LifecycleState(lookup.PR, true, ghclient.HasReviewRequests(lookup.PR))
		return &state
	}

	picker := &startup.ChangesetPicker{
		ListReadyChildren: func(epicID string) ([]*beads.Issue, error) {
			ready, err := store.Ready()
			if err != nil {
				return nil, err
			}
			var children []*beads.Issue
			for _, issue := range ready {
				if issue.Parent == epicID {
					children = append(children, issue)
				}
			}
			return children, nil
		},
		ListChildren:    listChildren,
		LiveReviewState: liveReviewState,
		StrategyBlockedPushed: func(issue *beads.Issue) bool {
			decision := prgate.CreationDecision(
				lineageIssueFromBeads(issue), cfg.PRStrategy, cfg.RepoSlug,
				lineageLookupFrom(lookupIssue), prgate.ParentStateResolver(resolveParentState))
			return !decision.AllowPR
		},
	}

	snapshotReview := func(issue *beads.Issue) (startup.ReviewFeedbackSnapshot, error) {
		var snap startup.ReviewFeedbackSnapshot
		workBranch := changeset.WorkBranch(issue.Description)
		if workBranch == "" {
			return snap, nil
		}
		if sha, err := gitWrapper.Rev("origin/" + workBranch); err == nil {
			snap.BranchHead = sha
		}
		if ghClient == nil || cfg.RepoSlug == "" {
			return snap, nil
		}
		lookup := lookupPRStatus(cfg.RepoSlug, workBranch)
		if lookup.Outcome != ghclient.OutcomeFound || lookup.PR == nil {
			return snap, nil
		}
		ctx := context.Background()
		if event, err := ghClient.LatestFeedbackTimestampWithInlineComments(ctx, cfg.RepoSlug, lookup.PR.Number); err == nil && event != nil {
			t := event.Timestamp
			snap.FeedbackAt = &t
		}
		if count, err := ghClient.UnresolvedReviewThreadCount(ctx, cfg.RepoSlug, lookup.PR.Number); err == nil {
			snap.UnresolvedThreads = count
		}
		return snap, nil
	}

	oldestReviewFeedback := func(epics []*beads.Issue) (*startup.FeedbackSelection, error) {
		if ghClient == nil || cfg.RepoSlug == "" {
			return nil, nil
		}
		var best *startup.FeedbackSelection
		var bestAt time.Time
		for _, epic := range epics {
			descendants, err := listDescendantChangesets(epic.ID)
			if err != nil {
				continue
			}
			for _, c := range descendants {
				hasChildren := c.HasAnyChildren()
				if !ticket.IsChangesetInReviewCandidate(ticket.IsChangesetInReviewCandidateParams{
					Labels:            ticket.NormalizedLabels(c.Labels),
					Status:            c.Status,
					LiveState:         liveReviewState(c),
					StoredReviewState: changeset.ParseReviewMetadata(c.Description).PRState,
					HasWorkChildren:   &hasChildren,
					IssueType:         c.Type,
					ParentID:          c.Parent,
				}) {
					continue
				}
				snap, err := snapshotReview(c)
				if err != nil || snap.FeedbackAt == nil {
					continue
				}
				if snap.UnresolvedThreads == nil || *snap.UnresolvedThreads == 0 {
					continue
				}
				cursor := changeset.ReviewFeedbackCursor(c.Description)
				if cursor != "" {
					if seen, err := time.Parse(time.RFC3339, cursor); err == nil && !snap.FeedbackAt.After(seen) {
						continue
					}
				}
				if best == nil || snap.FeedbackAt.Before(bestAt) {
					best = &startup.FeedbackSelection{EpicID: epic.ID, ChangesetID: c.ID, Snapshot: snap}
					bestAt = *snap.FeedbackAt
				}
			}
		}
		return best, nil
	}

	hasUnreadInbox := func() (bool, error) {
		assigned, err := store.List(beads.ListOptions{Assignee: identity.String()})
		if err != nil {
			return false, err
		}
		return mailbox.HasUnreadInbox(assigned), nil
	}

	epicFromReadyChangesets := func() (*beads.Issue, error) {
		ready, err := store.Ready()
		if err != nil {
			return nil, err
		}
		for _, issue := range ready {
			labels := ticket.NormalizedLabels(issue.Labels)
			role := ticket.InferWorkRole(labels, issue.Type, issue.Parent, issue.HasAnyChildren())
			if !role.IsChangeset {
				continue
			}
			epicID := topLevelAncestorID(issue, lookupIssue)
			if epicID == "" {
				continue
			}
			epic, err := lookupIssue(epicID)
			if err != nil || epic == nil || epic.Assignee != "" {
				continue
			}
			return epic, nil
		}
		return nil, nil
	}

	contract := &startup.Contract{
		Identity:  identity,
		BranchPR:  cfg.BranchPR,
		RepoSlug:  cfg.RepoSlug,
		Policy:    startup.PolicyAuto,
		AssumeYes: true,
		ListEpics: func() ([]*beads.Issue, error) {
			return store.List(beads.ListOptions{})
		},
		HookedEpicID: hookedEpicID,
		NextChangeset: func(epic *beads.Issue) (string, bool, error) {
			picked, ok, err := picker.Pick(epic)
			if err != nil || !ok {
				return "", false, err
			}
			return picked.ID, true, nil
		},
		OldestReviewFeedback:    oldestReviewFeedback,
		HasUnreadInbox:          hasUnreadInbox,
		EpicFromReadyChangesets: epicFromReadyChangesets,
	}

	clearGHCache := func() {}
	if ghClient != nil {
		clearGHCache = ghClient.ClearRuntimeCache
	}

	branchPRMode := cfg.BranchPRMode
	if branchPRMode == "" {
		branchPRMode = "draft"
	}
	return &Runner{
		Identity:        identity,
		RepoSlug:        cfg.RepoSlug,
		RepoRoot:        repoRoot,
		AgentType:       agentproc.AgentType(cfg.AgentType),
		History:         git.HistoryMode(cfg.HistoryMode),
		PRStrategy:      cfg.PRStrategy,
		BranchPR:        cfg.BranchPR,
		BranchPRMode:    branchPRMode,
		Store:           store,
		Mutator:         mut,
		Git:             gitWrapper,
		Worktrees:       wtStore,
		Mailbox:         mbox,
		Reconciler:      reconciler,
		Pipeline:        pipeline,
		Contract:        contract,
		ClearGHCache:    clearGHCache,
		EnsureAgentBead: ensureAgentBead,
		ClearHookOf:     clearHookOf,
		SnapshotReview:  snapshotReview,
	}
}

// agentBeadIDFor derives a stable bead id from a session identity; bd ids
// cannot contain slashes, so the path separators become dashes.
func agentBeadIDFor(identity agentident.Identity) string {
	return "agent-" + strings.ReplaceAll(identity.String(), "/", "-")
}

// topLevelAncestorID walks the parent chain to the top-level work bead.
func topLevelAncestorID(issue *beads.Issue, lookupIssue func(id string) (*beads.Issue, error)) string {
	current := issue
	seen := map[string]bool{}
	for current.Parent != "" && !seen[current.ID] {
		seen[current.ID] = true
		parent, err := lookupIssue(current.Parent)
		if err != nil || parent == nil {
			break
		}
		current = parent
	}
	if current.ID == issue.ID && issue.Parent == "" {
		// A top-level leaf is its own epic when it carries dotted-id
		// compatibility (e.g. "proj.1" lifts to "proj").
		if idx := strings.LastIndex(issue.ID, "."); idx > 0 {
			if _, err := strconv.Atoi(issue.ID[idx+1:]); err == nil {
				return issue.ID[:idx]
			}
		}
		return issue.ID
	}
	return current.ID
}

// WorktreeRootFor returns the directory per-epic worktree mapping files are
// kept under for repoRoot.
func WorktreeRootFor(repoRoot string) string {
	return filepath.Join(beads.ResolveBeadsDir(repoRoot), "..", "worktrees")
}

func lineageIssueFromBeads(issue *beads.Issue) *lineage.Issue {
	deps := make([]lineage.Dependency, 0, len(issue.Dependencies))
	for _, d := range issue.Dependencies {
		deps = append(deps, lineage.Dependency{ID: d.ID, DependencyType: d.DependencyType})
	}
	return &lineage.Issue{ID: issue.ID, Description: issue.Description, Dependencies: deps}
}

func lineageLookupFrom(lookup func(id string) (*beads.Issue, error)) lineage.LookupIssueFn {
	return func(id string) *lineage.Issue {
		issue, err := lookup(id)
		if err != nil || issue == nil {
			return nil
		}
		return lineageIssueFromBeads(issue)
	}
}

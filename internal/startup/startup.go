// Package startup implements the ordered selection a worker session runs to
// decide what to work on next: an explicit assignment beats everything, then
// the epic this agent already has hooked, then review feedback that needs a
// response, then anything already assigned to this worker, then stale
// assignments reclaimed from a dead sibling, then the inbox/queue gates,
// then an auto- or prompt-pick among eligible epics, falling through to a
// NEEDS-DECISION exit when nothing qualifies.
package startup

import (
	"sort"
	"time"

	"github.com/shaug/atelier-sub000/internal/agentident"
	"github.com/shaug/atelier-sub000/internal/beads"
	"github.com/shaug/atelier-sub000/internal/changeset"
	"github.com/shaug/atelier-sub000/internal/ticket"
)

// Selection reasons. Stable strings: they appear in events, logs, and
// planner messages.
const (
	ReasonExplicitEpic      = "explicit_epic"
	ReasonQueueOnly         = "queue_only"
	ReasonHookedEpic        = "hooked_epic"
	ReasonReviewFeedback    = "review_feedback"
	ReasonAssignedEpic      = "assigned_epic"
	ReasonStaleAssigneeEpic = "stale_assignee_epic"
	ReasonInboxBlocked      = "inbox_blocked"
	ReasonQueueBlocked      = "queue_blocked"
	ReasonAutoSelected      = "auto_selected"
	ReasonPromptSelected    = "prompt_selected"
	ReasonReadyChangeset    = "ready_changeset_epic"
	ReasonNoEligibleEpics   = "no_eligible_epics"
)

// ContractResult is the outcome of one startup contract pass: either a
// concrete epic (and optionally a priority changeset) to run, or a reason
// the worker should exit without claiming anything.
type ContractResult struct {
	EpicID       string
	ChangesetID  string
	ShouldExit   bool
	Reason       string
	ReassignFrom string
}

// FeedbackSelection identifies the oldest changeset with unaddressed
// reviewer feedback, along with the review snapshot taken at selection time
// so the runner can later verify the agent made progress against it.
type FeedbackSelection struct {
	EpicID      string
	ChangesetID string
	Snapshot    ReviewFeedbackSnapshot
}

// SelectionPolicy controls how the fallback pick behaves when no earlier
// stage selects.
type SelectionPolicy string

const (
	PolicyAuto   SelectionPolicy = "auto"
	PolicyPrompt SelectionPolicy = "prompt"
)

// Contract runs the ordered selection pipeline for one worker identity. All
// listing and lookup behavior is injected so the contract itself stays a
// pure decision procedure over whatever snapshot the adapters return.
type Contract struct {
	Identity       agentident.Identity
	ExplicitEpicID string
	QueueOnly      bool
	BranchPR       bool
	RepoSlug       string
	Policy         SelectionPolicy
	AssumeYes      bool

	// ListEpics returns every candidate top-level work bead, closed or not;
	// the contract filters eligibility itself.
	ListEpics func() ([]*beads.Issue, error)
	// HookedEpicID resolves this agent's hook_bead, or "" when unhooked.
	HookedEpicID func() (string, error)
	// NextChangeset picks the next actionable changeset for an epic,
	// reporting false when the epic has nothing runnable.
	NextChangeset func(epic *beads.Issue) (string, bool, error)
	// OldestReviewFeedback scans the given epics (hooked first) for the
	// oldest changeset with unaddressed reviewer feedback. Optional.
	OldestReviewFeedback func(epics []*beads.Issue) (*FeedbackSelection, error)
	// HasUnreadInbox reports whether this agent has unread message beads.
	HasUnreadInbox func() (bool, error)
	// UnclaimedQueueCount reports pending, unclaimed messages on this
	// worker's dispatch queue. Optional.
	UnclaimedQueueCount func() (int, error)
	// Prompt asks the operator to choose among candidates; under AssumeYes
	// the first candidate is taken without asking. Optional.
	Prompt func(candidates []*beads.Issue) (*beads.Issue, error)
	// EpicFromReadyChangesets lifts a ready leaf changeset to its epic when
	// no epic qualified directly. Optional.
	EpicFromReadyChangesets func() (*beads.Issue, error)
}

// Run executes the ordered selection and returns the first stage that
// produces a result. Finding no runnable work is a normal outcome reported
// as no_eligible_epics, not an error.
func (c *Contract) Run() (ContractResult, error) {
	if c.ExplicitEpicID != "" {
		return ContractResult{EpicID: c.ExplicitEpicID, Reason: ReasonExplicitEpic}, nil
	}
	if c.QueueOnly {
		return ContractResult{ShouldExit: true, Reason: ReasonQueueOnly}, nil
	}

	epics, err := c.ListEpics()
	if err != nil {
		return ContractResult{}, err
	}
	eligible := filterEligibleEpics(epics)

	if res, ok, err := c.hookedEpic(eligible); err != nil {
		return ContractResult{}, err
	} else if ok {
		return res, nil
	}

	if res, ok, err := c.reviewFeedback(eligible); err != nil {
		return ContractResult{}, err
	} else if ok {
		return res, nil
	}

	if res, ok, err := c.assignedEpic(eligible); err != nil {
		return ContractResult{}, err
	} else if ok {
		return res, nil
	}

	if res, ok, err := c.staleReclaim(eligible); err != nil {
		return ContractResult{}, err
	} else if ok {
		return res, nil
	}

	if c.HasUnreadInbox != nil {
		unread, err := c.HasUnreadInbox()
		if err != nil {
			return ContractResult{}, err
		}
		if unread {
			return ContractResult{ShouldExit: true, Reason: ReasonInboxBlocked}, nil
		}
	}
	if c.UnclaimedQueueCount != nil {
		count, err := c.UnclaimedQueueCount()
		if err != nil {
			return ContractResult{}, err
		}
		if count > 0 {
			return ContractResult{ShouldExit: true, Reason: ReasonQueueBlocked}, nil
		}
	}

	if res, ok, err := c.policyPick(eligible); err != nil {
		return ContractResult{}, err
	} else if ok {
		return res, nil
	}

	if c.EpicFromReadyChangesets != nil {
		epic, err := c.EpicFromReadyChangesets()
		if err != nil {
			return ContractResult{}, err
		}
		if epic != nil && epic.Assignee == "" {
			if csID, ok, err := c.nextChangeset(epic); err == nil && ok {
				return ContractResult{EpicID: epic.ID, ChangesetID: csID, Reason: ReasonReadyChangeset}, nil
			}
		}
	}

	return ContractResult{ShouldExit: true, Reason: ReasonNoEligibleEpics}, nil
}

func (c *Contract) nextChangeset(epic *beads.Issue) (string, bool, error) {
	if c.NextChangeset == nil {
		return "", true, nil
	}
	return c.NextChangeset(epic)
}

func (c *Contract) hookedEpic(eligible []*beads.Issue) (ContractResult, bool, error) {
	if c.HookedEpicID == nil {
		return ContractResult{}, false, nil
	}
	hookedID, err := c.HookedEpicID()
	if err != nil || hookedID == "" {
		return ContractResult{}, false, err
	}
	for _, epic := range eligible {
		if epic.ID != hookedID {
			continue
		}
		if ticket.CanonicalLifecycleStatus(epic.Status) != ticket.StatusOpen &&
			ticket.CanonicalLifecycleStatus(epic.Status) != ticket.StatusInProgress {
			return ContractResult{}, false, nil
		}
		if epic.Assignee != "" && epic.Assignee != c.Identity.String() {
			return ContractResult{}, false, nil
		}
		csID, ok, err := c.nextChangeset(epic)
		if err != nil {
			return ContractResult{}, false, err
		}
		if !ok {
			return ContractResult{}, false, nil
		}
		return ContractResult{EpicID: epic.ID, ChangesetID: csID, Reason: ReasonHookedEpic}, true, nil
	}
	return ContractResult{}, false, nil
}

func (c *Contract) reviewFeedback(eligible []*beads.Issue) (ContractResult, bool, error) {
	if !c.BranchPR || c.RepoSlug == "" || c.OldestReviewFeedback == nil {
		return ContractResult{}, false, nil
	}
	selection, err := c.OldestReviewFeedback(eligible)
	if err != nil {
		return ContractResult{}, false, err
	}
	if selection == nil {
		return ContractResult{}, false, nil
	}
	return ContractResult{
		EpicID:      selection.EpicID,
		ChangesetID: selection.ChangesetID,
		Reason:      ReasonReviewFeedback,
	}, true, nil
}

func (c *Contract) assignedEpic(eligible []*beads.Issue) (ContractResult, bool, error) {
	for _, epic := range sortedByAge(eligible) {
		if epic.Assignee != c.Identity.String() {
			continue
		}
		csID, ok, err := c.nextChangeset(epic)
		if err != nil {
			return ContractResult{}, false, err
		}
		if !ok {
			continue
		}
		return ContractResult{EpicID: epic.ID, ChangesetID: csID, Reason: ReasonAssignedEpic}, true, nil
	}
	return ContractResult{}, false, nil
}

// staleReclaim finds an epic assigned to a dead sibling of this worker's
// family (same role and agent type, pid no longer alive) and reclaims it,
// since that worker will never finish it.
func (c *Contract) staleReclaim(eligible []*beads.Issue) (ContractResult, bool, error) {
	familyPrefix := c.Identity.FamilyPrefix()
	for _, epic := range sortedByAge(eligible) {
		if epic.Assignee == "" || epic.Assignee == c.Identity.String() {
			continue
		}
		if !agentident.IsStaleAssignment(epic.Assignee, familyPrefix) {
			continue
		}
		csID, ok, err := c.nextChangeset(epic)
		if err != nil {
			return ContractResult{}, false, err
		}
		if !ok {
			continue
		}
		return ContractResult{
			EpicID:       epic.ID,
			ChangesetID:  csID,
			Reason:       ReasonStaleAssigneeEpic,
			ReassignFrom: epic.Assignee,
		}, true, nil
	}
	return ContractResult{}, false, nil
}

func (c *Contract) policyPick(eligible []*beads.Issue) (ContractResult, bool, error) {
	var candidates []*beads.Issue
	for _, epic := range sortedByAge(eligible) {
		if epic.Assignee != "" && epic.Assignee != c.Identity.String() {
			continue
		}
		if _, ok, err := c.nextChangeset(epic); err != nil {
			return ContractResult{}, false, err
		} else if !ok {
			continue
		}
		candidates = append(candidates, epic)
	}
	if len(candidates) == 0 {
		return ContractResult{}, false, nil
	}

	chosen := candidates[0]
	reason := ReasonAutoSelected
	if c.Policy == PolicyPrompt {
		reason = ReasonPromptSelected
		if !c.AssumeYes && c.Prompt != nil {
			picked, err := c.Prompt(candidates)
			if err != nil {
				return ContractResult{}, false, err
			}
			if picked == nil {
				return ContractResult{}, false, nil
			}
			chosen = picked
		}
	}
	csID, _, err := c.nextChangeset(chosen)
	if err != nil {
		return ContractResult{}, false, err
	}
	return ContractResult{EpicID: chosen.ID, ChangesetID: csID, Reason: reason}, true, nil
}

// filterEligibleEpics keeps issues that are claimable top-level work in an
// active status.
func filterEligibleEpics(epics []*beads.Issue) []*beads.Issue {
	var eligible []*beads.Issue
	for _, epic := range epics {
		labels := ticket.NormalizedLabels(epic.Labels)
		role := ticket.InferWorkRole(labels, epic.Type, epic.Parent, false)
		if !role.IsEpic {
			continue
		}
		if !ticket.IsEligibleEpicStatus(epic.Status, true) {
			continue
		}
		eligible = append(eligible, epic)
	}
	return eligible
}

func sortedByAge(epics []*beads.Issue) []*beads.Issue {
	sorted := make([]*beads.Issue, len(epics))
	copy(sorted, epics)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// ReviewFeedbackSnapshot captures the review signals a feedback cycle is
// judged against: the newest reviewer feedback timestamp, the number of
// unresolved inline threads, and the branch tip.
type ReviewFeedbackSnapshot struct {
	FeedbackAt        *time.Time
	UnresolvedThreads *int
	BranchHead        string
}

// ReviewFeedbackProgressed reports whether a feedback-mode agent run made
// observable progress: strictly fewer unresolved threads, a newer feedback
// timestamp, or a different branch tip. Unchanged signals on all three axes
// mean the feedback was not addressed.
func ReviewFeedbackProgressed(before, after ReviewFeedbackSnapshot) bool {
	if before.UnresolvedThreads != nil && after.UnresolvedThreads != nil &&
		*after.UnresolvedThreads < *before.UnresolvedThreads {
		return true
	}
	if after.FeedbackAt != nil && (before.FeedbackAt == nil || after.FeedbackAt.After(*before.FeedbackAt)) {
		return true
	}
	if after.BranchHead != "" && after.BranchHead != before.BranchHead {
		return true
	}
	return false
}

// ChangesetPicker implements next-changeset selection for an epic: the epic
// itself when it's a runnable top-level leaf, otherwise the best ready (or
// recoverable) child that isn't already waiting on review.
type ChangesetPicker struct {
	// ListReadyChildren returns the epic's child changesets whose
	// dependencies the store reports satisfied.
	ListReadyChildren func(epicID string) ([]*beads.Issue, error)
	// ListChildren returns all direct children, used to skip candidates
	// that still have open descendants of their own.
	ListChildren func(id string) ([]*beads.Issue, error)
	// LiveReviewState resolves a candidate's live PR lifecycle state, or nil
	// when unknown; the stored pr_state is used as fallback.
	LiveReviewState func(issue *beads.Issue) *string
	// StrategyBlockedPushed reports whether a pushed-without-PR candidate is
	// blocked by the workspace PR strategy, making a retry pointless.
	StrategyBlockedPushed func(issue *beads.Issue) bool
}

// Pick returns the next changeset to run for epic, or false when nothing is
// actionable.
func (p *ChangesetPicker) Pick(epic *beads.Issue) (*beads.Issue, bool, error) {
	labels := ticket.NormalizedLabels(epic.Labels)
	if !epic.HasAnyChildren() && labels["at:changeset"] {
		if p.runnableOrRecoverable(epic) && !p.waitingOnReview(epic) {
			return epic, true, nil
		}
		return nil, false, nil
	}

	children, err := p.ListReadyChildren(epic.ID)
	if err != nil {
		return nil, false, err
	}

	var candidates []*beads.Issue
	for _, child := range children {
		if !p.runnableOrRecoverable(child) {
			continue
		}
		if p.waitingOnReview(child) {
			continue
		}
		if p.hasOpenDescendants(child) {
			continue
		}
		candidates = append(candidates, child)
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		iInProgress := ticket.NormalizedLabels(candidates[i].Labels)["cs:in_progress"]
		jInProgress := ticket.NormalizedLabels(candidates[j].Labels)["cs:in_progress"]
		if iInProgress != jInProgress {
			return iInProgress
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true, nil
}

// runnableOrRecoverable accepts changesets that are ready to run, and
// blocked changesets that already published something (a pushed branch or a
// PR), where a retry is meaningful.
func (p *ChangesetPicker) runnableOrRecoverable(issue *beads.Issue) bool {
	labels := ticket.NormalizedLabels(issue.Labels)
	hasChildren := issue.HasAnyChildren()
	if ticket.IsChangesetReady(ticket.IsChangesetReadyParams{
		Status:          issue.Status,
		Labels:          labels,
		HasWorkChildren: &hasChildren,
		IssueType:       issue.Type,
		ParentID:        issue.Parent,
	}) {
		return true
	}
	if ticket.CanonicalLifecycleStatus(issue.Status) != ticket.StatusBlocked {
		return false
	}
	metadata := changeset.ParseReviewMetadata(issue.Description)
	return metadata.PRURL != "" || metadata.PRNumber != "" ||
		ticket.NormalizeReviewState(metadata.PRState) == ticket.ReviewPushed
}

func (p *ChangesetPicker) waitingOnReview(issue *beads.Issue) bool {
	var state string
	if p.LiveReviewState != nil {
		if live := p.LiveReviewState(issue); live != nil {
			state = *live
		}
	}
	if state == "" {
		state = ticket.NormalizeReviewState(changeset.ParseReviewMetadata(issue.Description).PRState)
	}
	if ticket.ActiveReviewStates[state] {
		return true
	}
	if state == ticket.ReviewPushed && p.StrategyBlockedPushed != nil && p.StrategyBlockedPushed(issue) {
		return true
	}
	return false
}

func (p *ChangesetPicker) hasOpenDescendants(issue *beads.Issue) bool {
	if !issue.HasAnyChildren() || p.ListChildren == nil {
		return len(issue.Children) > 0
	}
	children, err := p.ListChildren(issue.ID)
	if err != nil {
		return true
	}
	for _, child := range children {
		if !ticket.IsClosedStatus(child.Status) {
			return true
		}
	}
	return false
}

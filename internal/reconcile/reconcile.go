// Package reconcile sweeps changesets whose recorded state drifted out from
// under them — a PR merged or closed while no worker was driving the
// changeset, a ticket closed while its PR came back to life — and brings
// the ticket store back in line with what git and GitHub actually show.
//
// The sweep runs in three phases: reopen review drift, finalize changesets
// holding an integration proof (in dependency order, so a child is never
// finalized ahead of its parent), and roll up any epic whose descendants
// all completed during the pass.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shaug/atelier-sub000/internal/beads"
	"github.com/shaug/atelier-sub000/internal/changeset"
	"github.com/shaug/atelier-sub000/internal/finalize"
	"github.com/shaug/atelier-sub000/internal/ghclient"
	"github.com/shaug/atelier-sub000/internal/ticket"
)

// Result counts what one full sweep saw and did.
type Result struct {
	Scanned    int
	Actionable int
	Reconciled int
	Failed     int

	// Failures carries a per-changeset explanation for every Failed count,
	// including unresolvable dependency orders with their blocker lists.
	Failures []Failure
}

// Failure records why one actionable changeset could not be reconciled.
type Failure struct {
	ChangesetID string
	Reason      string
	Detail      string
}

// Reopener is the slice of mutations phase 1 needs, satisfied by
// *mutator.Mutator.
type Reopener interface {
	MarkReviewPending(issue *beads.Issue, metadata changeset.ReviewMetadata) error
}

// Service performs a reconcile sweep over a repository's changesets.
type Service struct {
	// ListAllChangesets returns every leaf changeset the sweep should
	// consider, including closed ones (phase 1 inspects those for drift).
	ListAllChangesets func() ([]*beads.Issue, error)
	LookupIssue       func(id string) (*beads.Issue, error)
	LookupPRStatus    finalize.PRStatusLookup
	Pipeline          *finalize.Pipeline
	Reopener          Reopener

	RepoSlug string
	// EpicAssignee resolves the assignee of a changeset's epic, used to
	// derive the synthetic agent identity finalize runs under when no live
	// worker owns the work.
	EpicAssignee func(epicID string) string
}

// Run performs one full sweep and returns its counts. baseCtx supplies the
// repository coordinates; per-changeset fields are filled in per candidate.
func (s *Service) Run(baseCtx finalize.Context) (*Result, error) {
	all, err := s.ListAllChangesets()
	if err != nil {
		return nil, fmt.Errorf("listing changesets for reconcile: %w", err)
	}
	res := &Result{Scanned: len(all)}

	// Phase 1: reopen closed changesets whose PR is still in active review.
	for _, c := range all {
		if !ticket.IsClosedStatus(c.Status) {
			continue
		}
		state, ok := s.activeReviewState(c)
		if !ok {
			continue
		}
		if s.Reopener != nil {
			metadata := changeset.ParseReviewMetadata(c.Description)
			metadata.PRState = state
			_ = s.Reopener.MarkReviewPending(c, metadata)
		}
	}

	// Phase 2: finalize integration-proof holders in dependency order.
	candidates := map[string]*beads.Issue{}
	for _, c := range all {
		if ticket.IsClosedStatus(c.Status) {
			continue
		}
		if s.hasIntegrationSignal(c) {
			candidates[c.ID] = c
		}
	}
	res.Actionable = len(candidates)

	order, unordered := topologicalOrder(candidates)
	reconciled := map[string]bool{}
	epicsTouched := map[string]bool{}

	for _, id := range order {
		c := candidates[id]
		if blockers := s.unmetDependencies(c, candidates, reconciled); len(blockers) > 0 {
			res.Failed++
			res.Failures = append(res.Failures, Failure{
				ChangesetID: id,
				Reason:      "dependencies_not_reconciled",
				Detail:      "blocked by: " + strings.Join(blockers, ", "),
			})
			continue
		}

		ctx := baseCtx
		ctx.ChangesetID = c.ID
		ctx.EpicID = s.resolveEpicID(c, baseCtx.EpicID)
		if s.EpicAssignee != nil && ctx.AgentBead == "" {
			ctx.AgentBead = s.EpicAssignee(ctx.EpicID)
		}
		outcome := s.Pipeline.Run(ctx)
		switch outcome.Reason {
		case finalize.ReasonComplete, finalize.ReasonPublished, finalize.ReasonReviewPending, finalize.ReasonChildrenPending:
			res.Reconciled++
			reconciled[id] = true
			epicsTouched[ctx.EpicID] = true
		default:
			res.Failed++
			res.Failures = append(res.Failures, Failure{ChangesetID: id, Reason: outcome.Reason, Detail: outcome.Detail})
		}
	}

	for _, id := range unordered {
		res.Failed++
		res.Failures = append(res.Failures, Failure{
			ChangesetID: id,
			Reason:      "dependency_cycle",
			Detail:      "no topological order over reconciliation candidates",
		})
	}

	// Phase 3: epic rollup. The finalize pipeline already rolls an epic up
	// when its last descendant completes; this pass revisits every epic
	// touched in this sweep and rolls up any that are now complete.
	for epicID := range epicsTouched {
		if epicID == "" {
			continue
		}
		ctx := baseCtx
		ctx.EpicID = epicID
		_ = s.rollupIfComplete(ctx)
	}

	return res, nil
}

func (s *Service) rollupIfComplete(ctx finalize.Context) error {
	epic, err := s.LookupIssue(ctx.EpicID)
	if err != nil || epic == nil || ticket.IsClosedStatus(epic.Status) {
		return err
	}
	// Re-running finalize against any terminal descendant triggers rollup;
	// finding none means the epic still has open work and rollup must wait.
	all, err := s.ListAllChangesets()
	if err != nil {
		return err
	}
	for _, c := range all {
		if s.resolveEpicID(c, "") != ctx.EpicID {
			continue
		}
		labels := ticket.NormalizedLabels(c.Labels)
		if labels["cs:merged"] || labels["cs:abandoned"] {
			rollupCtx := ctx
			rollupCtx.ChangesetID = c.ID
			s.Pipeline.Run(rollupCtx)
			return nil
		}
	}
	return nil
}

// activeReviewState reports the stored-or-live review state of a changeset
// when that state is still in the active review set.
func (s *Service) activeReviewState(c *beads.Issue) (string, bool) {
	stored := ticket.NormalizeReviewState(changeset.ParseReviewMetadata(c.Description).PRState)
	state := stored
	workBranch := changeset.WorkBranch(c.Description)
	if workBranch != "" && s.RepoSlug != "" && s.LookupPRStatus != nil {
		if lookup := s.LookupPRStatus(s.RepoSlug, workBranch); lookup.Outcome == ghclient.OutcomeFound {
			state = ghclient.LifecycleState(lookup.PR, true, ghclient.HasReviewRequests(lookup.PR))
		}
	}
	if ticket.ActiveReviewStates[state] {
		return state, true
	}
	return "", false
}

// hasIntegrationSignal reports whether a changeset carries proof of
// integration: a recorded sha or a live merged PR.
func (s *Service) hasIntegrationSignal(c *beads.Issue) bool {
	if changeset.IntegratedSHA(c.Description) != "" {
		return true
	}
	workBranch := changeset.WorkBranch(c.Description)
	if workBranch == "" || s.RepoSlug == "" || s.LookupPRStatus == nil {
		return false
	}
	lookup := s.LookupPRStatus(s.RepoSlug, workBranch)
	return lookup.Outcome == ghclient.OutcomeFound && lookup.PR != nil && lookup.PR.MergedAt != nil
}

// unmetDependencies returns the ids of dependencies that block reconciling
// c: a dependency must be reconciled this pass, already finalized, or
// terminal in the store.
func (s *Service) unmetDependencies(c *beads.Issue, candidates map[string]*beads.Issue, reconciled map[string]bool) []string {
	var blockers []string
	for _, dep := range c.Dependencies {
		if reconciled[dep.ID] {
			continue
		}
		if _, isCandidate := candidates[dep.ID]; isCandidate {
			// A fellow candidate not yet reconciled: topological order
			// guarantees it was attempted first, so reaching here means it
			// failed.
			blockers = append(blockers, dep.ID)
			continue
		}
		depIssue, err := s.LookupIssue(dep.ID)
		if err != nil || depIssue == nil {
			blockers = append(blockers, dep.ID)
			continue
		}
		labels := ticket.NormalizedLabels(depIssue.Labels)
		if labels["cs:merged"] || labels["cs:abandoned"] || ticket.IsClosedStatus(depIssue.Status) {
			continue
		}
		blockers = append(blockers, dep.ID)
	}
	sort.Strings(blockers)
	return blockers
}

// topologicalOrder orders candidate ids so dependencies come before
// dependents, returning any ids stuck in a cycle separately.
func topologicalOrder(candidates map[string]*beads.Issue) (order []string, unordered []string) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for id, c := range candidates {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range c.Dependencies {
			if _, isCandidate := candidates[dep.ID]; !isCandidate {
				continue
			}
			indegree[id]++
			dependents[dep.ID] = append(dependents[dep.ID], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var unblocked []string
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unblocked = append(unblocked, dependent)
			}
		}
		sort.Strings(unblocked)
		ready = append(ready, unblocked...)
	}

	if len(order) < len(candidates) {
		for id := range candidates {
			found := false
			for _, ordered := range order {
				if ordered == id {
					found = true
					break
				}
			}
			if !found {
				unordered = append(unordered, id)
			}
		}
		sort.Strings(unordered)
	}
	return order, unordered
}

// resolveEpicID walks the parent chain to the top-level work bead a
// changeset ultimately belongs to.
func (s *Service) resolveEpicID(c *beads.Issue, fallback string) string {
	current := c
	seen := map[string]bool{}
	for current.Parent != "" && !seen[current.ID] {
		seen[current.ID] = true
		parent, err := s.LookupIssue(current.Parent)
		if err != nil || parent == nil {
			break
		}
		current = parent
	}
	if current.ID != c.ID {
		return current.ID
	}
	if c.Parent != "" {
		return c.Parent
	}
	return fallback
}


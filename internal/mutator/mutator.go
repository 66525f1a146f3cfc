// Package mutator applies the changeset state transitions the finalize
// pipeline and reconcile service decide on: status changes, label
// invariants, and review metadata updates, all funneled through bd update
// calls so every transition goes through the same audit trail.
package mutator

import (
	"fmt"
	"log"

	"github.com/shaug/atelier-sub000/internal/beads"
	"github.com/shaug/atelier-sub000/internal/changeset"
	"github.com/shaug/atelier-sub000/internal/ticket"
)

// IssueWriter is the slice of the ticket store the mutator drives,
// satisfied by *beads.Store.
type IssueWriter interface {
	Update(id string, opts beads.UpdateOptions) error
	CloseWithReason(reason string, ids ...string) error
}

// Mutator wraps the ticket store with the higher-level changeset transitions.
type Mutator struct {
	store IssueWriter

	// Logf receives warnings for non-fatal inconsistencies (e.g. a second
	// integrated_sha observation that differs from the recorded one).
	// Defaults to the stdlib logger.
	Logf func(format string, args ...interface{})
}

// New builds a Mutator over the given store.
func New(store IssueWriter) *Mutator {
	return &Mutator{store: store, Logf: log.Printf}
}

func (m *Mutator) logf(format string, args ...interface{}) {
	if m.Logf != nil {
		m.Logf(format, args...)
	}
}

func labelSet(labels []string) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	return set
}

func labelSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for l, on := range set {
		if on {
			out = append(out, l)
		}
	}
	return out
}

// MarkInProgress transitions a changeset to in_progress and sets cs:in_progress,
// clearing cs:ready/cs:planned so only one lifecycle label is ever active.
func (m *Mutator) MarkInProgress(id string) error {
	status := ticket.StatusInProgress
	return m.store.Update(id, beads.UpdateOptions{
		Status:    &status,
		AddLabels: []string{"cs:in_progress"},
		RemoveLabels: []string{"cs:ready", "cs:planned"},
	})
}

// MarkBlocked transitions a changeset to blocked with an audit-trail reason
// appended to its notes.
func (m *Mutator) MarkBlocked(id, reason string) error {
	status := ticket.StatusBlocked
	note := reason
	return m.store.Update(id, beads.UpdateOptions{
		Status:      &status,
		AppendNotes: &note,
	})
}

// MarkClosed closes a changeset as successfully completed.
func (m *Mutator) MarkClosed(id, reason string) error {
	return m.store.CloseWithReason(reason, id)
}

// MarkMerged records a merged review state: sets cs:merged, clears active
// lifecycle labels, writes the integrated SHA, and closes the issue.
//
// The integrated SHA is write-once: an observation that differs from the
// recorded value logs a warning and keeps the first recorded value.
func (m *Mutator) MarkMerged(issue *beads.Issue, integratedSHA, reason string) error {
	existing := changeset.IntegratedSHA(issue.Description)
	if existing != "" && integratedSHA != "" && existing != integratedSHA {
		m.logf("changeset %s: integrated_sha observation %s differs from recorded %s; keeping recorded value",
			issue.ID, integratedSHA, existing)
	}
	metadata := changeset.ParseReviewMetadata(issue.Description)
	metadata.PRState = ticket.ReviewMerged
	description := changeset.ApplyReviewMetadata(issue.Description, metadata)
	if existing == "" && integratedSHA != "" {
		description = changeset.SetField(description, "changeset.integrated_sha", integratedSHA)
	}

	updated := changeset.UpdateLabelsForPRState(labelSet(issue.Labels), ticket.ReviewMerged)

	if err := m.store.Update(issue.ID, beads.UpdateOptions{
		Description: &description,
		SetLabels:   labelSlice(updated),
	}); err != nil {
		return fmt.Errorf("updating merged changeset %s: %w", issue.ID, err)
	}
	return m.store.CloseWithReason(reason, issue.ID)
}

// MarkAbandoned records an abandoned/closed-without-merge review state.
func (m *Mutator) MarkAbandoned(issue *beads.Issue, reason string) error {
	metadata := changeset.ParseReviewMetadata(issue.Description)
	metadata.PRState = ticket.ReviewClosed
	description := changeset.ApplyReviewMetadata(issue.Description, metadata)
	updated := changeset.UpdateLabelsForPRState(labelSet(issue.Labels), "closed")

	if err := m.store.Update(issue.ID, beads.UpdateOptions{
		Description: &description,
		SetLabels:   labelSlice(updated),
	}); err != nil {
		return fmt.Errorf("updating abandoned changeset %s: %w", issue.ID, err)
	}
	return m.store.CloseWithReason(reason, issue.ID)
}

// UpdateReviewMetadata writes the review metadata fields and refreshes
// labels from the new PR state, without otherwise changing status.
func (m *Mutator) UpdateReviewMetadata(issue *beads.Issue, metadata changeset.ReviewMetadata) error {
	description := changeset.ApplyReviewMetadata(issue.Description, metadata)
	updated := changeset.UpdateLabelsForPRState(labelSet(issue.Labels), metadata.PRState)
	return m.store.Update(issue.ID, beads.UpdateOptions{
		Description: &description,
		SetLabels:   labelSlice(updated),
	})
}

// MarkChildrenInProgress transitions every open, deferred child of epic to
// in_progress, used when an epic's root branch work begins so child
// changesets aren't left dangling in "deferred".
func (m *Mutator) MarkChildrenInProgress(children []*beads.Issue) error {
	for _, child := range children {
		status := ticket.CanonicalLifecycleStatus(child.Status)
		if status != ticket.StatusDeferred && status != ticket.StatusOpen {
			continue
		}
		if err := m.MarkInProgress(child.ID); err != nil {
			return fmt.Errorf("marking child %s in progress: %w", child.ID, err)
		}
	}
	return nil
}

// PromotePlannedDescendantChangesets opens every deferred descendant whose
// dependencies are now satisfied, so the next startup pass can select them.
func (m *Mutator) PromotePlannedDescendantChangesets(descendants []*beads.Issue, dependencySatisfied func(*beads.Issue) bool) error {
	for _, d := range descendants {
		if ticket.CanonicalLifecycleStatus(d.Status) != ticket.StatusDeferred {
			continue
		}
		if !dependencySatisfied(d) {
			continue
		}
		status := ticket.StatusOpen
		if err := m.store.Update(d.ID, beads.UpdateOptions{
			Status:    &status,
			AddLabels: []string{"cs:ready"},
		}); err != nil {
			return fmt.Errorf("promoting %s: %w", d.ID, err)
		}
	}
	return nil
}

// CloseCompletedContainerChangesets closes container (non-leaf) changesets
// once every leaf descendant is closed, rolling completion up the work tree.
func (m *Mutator) CloseCompletedContainerChangesets(containers []*beads.Issue, allChildrenClosed func(*beads.Issue) bool) error {
	for _, c := range containers {
		if ticket.IsClosedStatus(c.Status) {
			continue
		}
		if !allChildrenClosed(c) {
			continue
		}
		if err := m.MarkClosed(c.ID, "all child changesets closed"); err != nil {
			return fmt.Errorf("closing container %s: %w", c.ID, err)
		}
	}
	return nil
}

// AppendNote appends a free-text audit note to an issue without changing its
// status or labels.
func (m *Mutator) AppendNote(id, note string) error {
	return m.store.Update(id, beads.UpdateOptions{AppendNotes: &note})
}

// MarkReviewPending records that a changeset is waiting on its PR's review
// lifecycle: status stays (or becomes) in_progress and the stored pr_state is
// refreshed, so the next startup pass skips it instead of re-running an agent
// against work that's already out for review.
func (m *Mutator) MarkReviewPending(issue *beads.Issue, metadata changeset.ReviewMetadata) error {
	if err := m.UpdateReviewMetadata(issue, metadata); err != nil {
		return err
	}
	if ticket.IsChangesetInProgress(issue.Status) {
		return nil
	}
	status := ticket.StatusInProgress
	return m.store.Update(issue.ID, beads.UpdateOptions{Status: &status})
}

// SetAgentHook points an agent bead at the epic it is currently executing.
func (m *Mutator) SetAgentHook(agentBead *beads.Issue, epicID string) error {
	description := changeset.SetField(agentBead.Description, "hook_bead", epicID)
	return m.store.Update(agentBead.ID, beads.UpdateOptions{Description: &description})
}

// ClearAgentHook clears an agent bead's hook, leaving the rest of its
// description untouched.
func (m *Mutator) ClearAgentHook(agentBead *beads.Issue) error {
	if changeset.HookBead(agentBead.Description) == "" {
		return nil
	}
	description := changeset.SetField(agentBead.Description, "hook_bead", "")
	return m.store.Update(agentBead.ID, beads.UpdateOptions{Description: &description})
}

// UpdateReviewFeedbackCursor advances a changeset's
// review.last_feedback_seen_at field so already-acknowledged reviewer
// feedback isn't re-selected as new work on the next cycle.
func (m *Mutator) UpdateReviewFeedbackCursor(issue *beads.Issue, seenAt string) error {
	description := changeset.SetField(issue.Description, "review.last_feedback_seen_at", seenAt)
	return m.store.Update(issue.ID, beads.UpdateOptions{Description: &description})
}

// UpdateWorkspaceBranches persists an epic's resolved root and parent
// branches so later cycles (and other workers) resolve the same lineage.
func (m *Mutator) UpdateWorkspaceBranches(epic *beads.Issue, rootBranch, parentBranch string) error {
	description := epic.Description
	if rootBranch != "" {
		description = changeset.SetField(description, "workspace.root_branch", rootBranch)
	}
	if parentBranch != "" {
		description = changeset.SetField(description, "workspace.parent_branch", parentBranch)
	}
	if description == epic.Description {
		return nil
	}
	return m.store.Update(epic.ID, beads.UpdateOptions{Description: &description})
}

// ReleaseAssignment clears an issue's assignee, used when a worker gives an
// epic back (label violation, shutdown) without finishing it.
func (m *Mutator) ReleaseAssignment(id string) error {
	empty := ""
	return m.store.Update(id, beads.UpdateOptions{Assignee: &empty})
}

// Claim assigns an issue to a worker session.
func (m *Mutator) Claim(id, sessionKey string) error {
	return m.store.Update(id, beads.UpdateOptions{Assignee: &sessionKey})
}

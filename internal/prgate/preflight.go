package prgate

import (
	"fmt"

	"github.com/shaug/atelier-sub000/internal/changeset"
	"github.com/shaug/atelier-sub000/internal/lineage"
)

// Preflight failure reasons. Each has a fixed remediation message so planner
// notifications stay stable and greppable across runs.
const (
	ReasonLineageAmbiguous        = "dependency-lineage-ambiguous"
	ReasonParentUnresolved        = "dependency-parent-unresolved"
	ReasonParentStateUnavailable  = "dependency-parent-state-unavailable"
	ReasonParentPRClosed          = "dependency-parent-pr-closed"
	ReasonParentPRMissing         = "dependency-parent-pr-missing"
	ReasonParentStatusQueryFailed = "dependency-parent-status-query-failed"
	ReasonParentMetadataReconcile = "dependency-parent-metadata-reconcile-failed"
)

var stackIntegrityRemediations = map[string]string{
	ReasonLineageAmbiguous:        "Set a single deterministic dependency parent (or explicit changeset.parent_branch) and rerun finalize.",
	ReasonParentUnresolved:        "Ensure dependency changesets exist and publish changeset.work_branch metadata before retrying.",
	ReasonParentStateUnavailable:  "Push the dependency parent branch and verify GitHub PR status lookups for that branch.",
	ReasonParentPRClosed:          "Reopen or recreate the dependency parent PR, or merge the parent changeset before retrying.",
	ReasonParentPRMissing:         "Recreate the missing dependency parent PR for the parent branch, then rerun finalize.",
	ReasonParentStatusQueryFailed: "Resolve GitHub status query failures for the dependency parent branch and rerun finalize.",
	ReasonParentMetadataReconcile: "Repair parent review metadata and rerun finalize.",
}

func remediationForReason(reason string) string {
	if msg, ok := stackIntegrityRemediations[reason]; ok {
		return msg
	}
	return "Repair dependency parent lineage metadata and retry finalize."
}

// ParentStateResolver computes a changeset's dependency parent's review
// lifecycle state (pushed/draft-pr/pr-open/in-review/approved/merged/closed),
// given the resolved parent branch. Implementations wrap internal/ghclient.
type ParentStateResolver func(repoSlug, branch string) (state string, lookupErr string)

// StackIntegrityResult is the outcome of a sequential stack-integrity
// preflight check.
type StackIntegrityResult struct {
	OK          bool
	Reason      string
	Edge        string
	Detail      string
	Remediation string
}

func dependencyEdge(changesetID, parentID, parentBranch string) string {
	childID := changesetID
	if childID == "" {
		childID = "unknown-changeset"
	}
	resolvedParent := parentID
	if resolvedParent == "" {
		resolvedParent = "unknown-parent"
	}
	if parentBranch != "" {
		return fmt.Sprintf("%s -> %s (%s)", childID, resolvedParent, parentBranch)
	}
	return fmt.Sprintf("%s -> %s", childID, resolvedParent)
}

// SequentialStackIntegrityPreflight validates sequential parent-child PR
// integrity for dependency stacks. Non-sequential strategies are always OK.
// Under "sequential", a changeset with dependency lineage is blocked when the
// parent lineage is unresolved, the parent state lookup fails or comes back
// empty, the parent PR is closed, or the parent is only "pushed" while its
// stored review metadata records a PR. A parent that is "pushed" with no
// recorded PR passes.
func SequentialStackIntegrityPreflight(
	issue *lineage.Issue,
	strategy string,
	repoSlug string,
	lookupIssue lineage.LookupIssueFn,
	resolveParentState ParentStateResolver,
) StackIntegrityResult {
	normalized, err := NormalizeStrategy(strategy)
	if err != nil {
		normalized = Default
	}
	if normalized != Sequential {
		return StackIntegrityResult{OK: true}
	}

	rootBranch := changeset.RootBranch(issue.Description)
	lineageRes := lineage.ResolveParentLineage(issue, rootBranch, lookupIssue)
	if !lineageRes.HasDependencyLineage() {
		return StackIntegrityResult{OK: true}
	}

	edge := dependencyEdge(issue.ID, lineageRes.DependencyParentID, lineageRes.DependencyParentBranch)
	if lineageRes.Blocked || lineageRes.DependencyParentBranch == "" {
		reason := lineageRes.BlockerReason
		if reason == "" {
			reason = ReasonParentUnresolved
		}
		detail := ""
		if len(lineageRes.Diagnostics) > 0 {
			detail = lineageRes.Diagnostics[0]
		}
		return StackIntegrityResult{OK: false, Reason: reason, Edge: edge, Detail: detail, Remediation: remediationForReason(reason)}
	}

	if repoSlug == "" {
		return StackIntegrityResult{
			OK:          false,
			Reason:      ReasonParentStateUnavailable,
			Edge:        edge,
			Detail:      "missing repo slug for dependency parent PR state lookup",
			Remediation: remediationForReason(ReasonParentStateUnavailable),
		}
	}

	parentBranch := lineageRes.DependencyParentBranch
	parentState, lookupErr := resolveParentState(repoSlug, parentBranch)
	if lookupErr != "" {
		return StackIntegrityResult{
			OK:          false,
			Reason:      ReasonParentStatusQueryFailed,
			Edge:        edge,
			Detail:      lookupErr,
			Remediation: remediationForReason(ReasonParentStatusQueryFailed),
		}
	}

	var parentIssue *lineage.Issue
	if lineageRes.DependencyParentID != "" && lookupIssue != nil {
		parentIssue = lookupIssue(lineageRes.DependencyParentID)
	}
	var hasRecordedPRSignal bool
	if parentIssue != nil {
		metadata := changeset.ParseReviewMetadata(parentIssue.Description)
		parentReviewState := metadata.PRState
		hasRecordedPRSignal = metadata.PRURL != "" || metadata.PRNumber != "" ||
			(parentReviewState != "" && parentReviewState != "pushed")
		_ = parentReviewState
	}

	if parentState == "" {
		return StackIntegrityResult{
			OK:          false,
			Reason:      ReasonParentStateUnavailable,
			Edge:        edge,
			Detail:      fmt.Sprintf("unable to resolve lifecycle for dependency parent branch %q", parentBranch),
			Remediation: remediationForReason(ReasonParentStateUnavailable),
		}
	}
	if parentState == "closed" {
		return StackIntegrityResult{
			OK:          false,
			Reason:      ReasonParentPRClosed,
			Edge:        edge,
			Detail:      fmt.Sprintf("dependency parent PR for branch %q is closed", parentBranch),
			Remediation: remediationForReason(ReasonParentPRClosed),
		}
	}
	if parentState == "pushed" && hasRecordedPRSignal {
		return StackIntegrityResult{
			OK:     false,
			Reason: ReasonParentPRMissing,
			Edge:   edge,
			Detail: fmt.Sprintf("dependency parent branch %q has no live PR but stored review state is recorded", parentBranch),
			Remediation: remediationForReason(ReasonParentPRMissing),
		}
	}
	return StackIntegrityResult{OK: true}
}

// CreationDecision gates whether a changeset may create its own PR: the
// sequential stack-integrity preflight must pass, then the strategy/parent
// decision applies.
func CreationDecision(
	issue *lineage.Issue,
	strategy string,
	repoSlug string,
	lookupIssue lineage.LookupIssueFn,
	resolveParentState ParentStateResolver,
) Decision {
	normalized, err := NormalizeStrategy(strategy)
	if err != nil {
		normalized = Default
	}

	preflight := SequentialStackIntegrityPreflight(issue, string(normalized), repoSlug, lookupIssue, resolveParentState)
	if !preflight.OK {
		reason := preflight.Reason
		if reason == "" {
			reason = ReasonParentUnresolved
		}
		return Decision{Strategy: normalized, AllowPR: false, Reason: "blocked:" + reason}
	}

	rootBranch := changeset.RootBranch(issue.Description)
	lineageRes := lineage.ResolveParentLineage(issue, rootBranch, lookupIssue)

	if normalized == Sequential && lineageRes.Blocked {
		reason := lineageRes.BlockerReason
		if reason == "" {
			reason = ReasonParentUnresolved
		}
		if len(lineageRes.Diagnostics) > 0 {
			reason = fmt.Sprintf("%s (%s)", reason, lineageRes.Diagnostics[0])
		}
		return Decision{Strategy: normalized, AllowPR: false, Reason: "blocked:" + reason}
	}
	if normalized == Sequential && len(lineageRes.DependencyIDs) > 0 && lineageRes.DependencyParentBranch == "" {
		reason := ReasonParentStateUnavailable
		if len(lineageRes.Diagnostics) > 0 {
			reason = fmt.Sprintf("%s (%s)", reason, lineageRes.Diagnostics[0])
		}
		return Decision{Strategy: normalized, AllowPR: false, Reason: "blocked:" + reason}
	}

	parentState := ""
	if lineageRes.EffectiveParentBranch != "" && lineageRes.EffectiveParentBranch != lineageRes.RootBranch && repoSlug != "" {
		state, lookupErr := resolveParentState(repoSlug, lineageRes.EffectiveParentBranch)
		if lookupErr == "" {
			parentState = state
		}
	}
	if normalized == Sequential && len(lineageRes.DependencyIDs) > 0 && parentState == "" {
		return Decision{Strategy: normalized, AllowPR: false, Reason: "blocked:" + ReasonParentStateUnavailable}
	}
	return Decide(string(normalized), parentState)
}

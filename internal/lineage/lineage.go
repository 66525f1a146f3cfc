// Package lineage resolves a changeset's effective parent branch from
// explicit changeset.parent_branch metadata and dependency-changeset
// metadata, failing closed when dependency lineage is ambiguous.
//
// This resolver runs before PR strategy gating and sequential stack-integrity
// preflight (see internal/prgate), since both need a single deterministic
// parent branch to evaluate against.
package lineage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shaug/atelier-sub000/internal/changeset"
)

var parentChildPattern = regexp.MustCompile(`(?i)parent[\s_-]*child`)

// Dependency is a single dependency edge on an issue.
type Dependency struct {
	ID             string
	DependencyType string
}

// Issue is the minimal shape lineage resolution needs from a ticket-store
// issue: its description (for changeset.* fields) and dependency edges.
type Issue struct {
	ID           string
	Description  string
	Dependencies []Dependency
}

// LookupIssueFn resolves an issue by ID, returning nil when not found.
type LookupIssueFn func(issueID string) *Issue

func normalizeBranch(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || strings.EqualFold(cleaned, "null") {
		return ""
	}
	return cleaned
}

func isParentChildRelation(dependencyType string) bool {
	return parentChildPattern.MatchString(strings.TrimSpace(dependencyType))
}

func dependencyParentHint(issue *Issue) string {
	for _, dep := range issue.Dependencies {
		if !isParentChildRelation(dep.DependencyType) {
			continue
		}
		if id := strings.TrimSpace(dep.ID); id != "" {
			return id
		}
	}
	return ""
}

func dependencyIDs(issue *Issue) []string {
	var resolved []string
	seen := map[string]bool{}
	for _, dep := range issue.Dependencies {
		if isParentChildRelation(dep.DependencyType) {
			continue
		}
		id := strings.TrimSpace(dep.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		resolved = append(resolved, id)
	}
	return resolved
}

func dependencyTransitiveClosure(
	issueID string,
	lookupIssue LookupIssueFn,
	closureCache map[string]map[string]bool,
	visiting map[string]bool,
) map[string]bool {
	if cached, ok := closureCache[issueID]; ok {
		return cached
	}
	if visiting[issueID] {
		return map[string]bool{}
	}
	visiting[issueID] = true
	defer delete(visiting, issueID)

	dependencyIssue := lookupIssue(issueID)
	closure := map[string]bool{}
	if dependencyIssue != nil {
		directIDs := dependencyIDs(dependencyIssue)
		for _, directID := range directIDs {
			closure[directID] = true
			for transitiveID := range dependencyTransitiveClosure(directID, lookupIssue, closureCache, visiting) {
				closure[transitiveID] = true
			}
		}
	}
	closureCache[issueID] = closure
	return closure
}

// transitiveDependencyFrontier reduces a set of candidate parent IDs to the
// subset not transitively covered by another candidate's own dependency
// closure — i.e. the "frontier" of the dependency DAG restricted to
// candidates. A single-element frontier means every other candidate lies on
// that one candidate's dependency chain, so it is the deterministic parent.
func transitiveDependencyFrontier(candidateIDs []string, lookupIssue LookupIssueFn) []string {
	closureCache := map[string]map[string]bool{}
	covered := map[string]bool{}
	candidateSet := map[string]bool{}
	for _, id := range candidateIDs {
		candidateSet[id] = true
	}

	for _, candidateID := range candidateIDs {
		closure := dependencyTransitiveClosure(candidateID, lookupIssue, closureCache, map[string]bool{})
		for dependencyID := range closure {
			if dependencyID != candidateID && candidateSet[dependencyID] {
				covered[dependencyID] = true
			}
		}
	}

	var frontier []string
	for _, id := range candidateIDs {
		if !covered[id] {
			frontier = append(frontier, id)
		}
	}
	return frontier
}

// ParentLineageResolution is the resolved parent lineage for a changeset.
type ParentLineageResolution struct {
	RootBranch             string
	ExplicitParentBranch   string
	EffectiveParentBranch  string
	DependencyIDs          []string
	DependencyParentID     string
	DependencyParentBranch string
	UsedDependencyParent   bool
	Blocked                bool
	BlockerReason          string
	Diagnostics            []string
}

// HasDependencyLineage reports whether the changeset declares dependency
// edges at all (independent of whether they resolved to a parent).
func (r ParentLineageResolution) HasDependencyLineage() bool {
	return len(r.DependencyIDs) > 0
}

// WorkBranchLookupFn resolves a dependency issue's changeset.work_branch
// field. Kept separate from LookupIssueFn so callers needing only the branch
// can avoid threading full issue lookups through every layer.
type WorkBranchLookupFn func(issue *Issue) string

// ResolveParentLineage resolves a changeset's effective parent branch from
// changeset.parent_branch metadata and dependency changesets.
//
// When the explicit parent is missing or collapsed to the root branch, this
// attempts to resolve an effective parent from dependency changesets.
// Multiple dependency changesets with independent (non-chained) branches fail
// closed — blocked=true — since there is no deterministic single parent.
func ResolveParentLineage(issue *Issue, rootBranch string, lookupIssue LookupIssueFn) ParentLineageResolution {
	if lookupIssue == nil {
		lookupIssue = func(string) *Issue { return nil }
	}
	issueCache := map[string]*Issue{}
	lookupCached := func(id string) *Issue {
		if cached, ok := issueCache[id]; ok {
			return cached
		}
		found := lookupIssue(id)
		issueCache[id] = found
		return found
	}

	normalizedRoot := normalizeBranch(rootBranch)
	if normalizedRoot == "" {
		normalizedRoot = normalizeBranch(changeset.RootBranch(issue.Description))
	}
	explicitParent := normalizeBranch(changeset.ParentBranch(issue.Description))
	depIDs := dependencyIDs(issue)
	depParentHint := dependencyParentHint(issue)

	var diagnostics []string
	dependencyCandidates := map[string]string{}
	var missingDependencies []string
	var missingBranches []string

	for _, depID := range depIDs {
		depIssue := lookupCached(depID)
		if depIssue == nil {
			missingDependencies = append(missingDependencies, depID)
			continue
		}
		workBranch := normalizeBranch(changeset.WorkBranch(depIssue.Description))
		if workBranch == "" {
			missingBranches = append(missingBranches, depID)
			continue
		}
		dependencyCandidates[depID] = workBranch
	}

	var dependencyParentID, dependencyParentBranch string
	switch {
	case depParentHint != "" && dependencyCandidates[depParentHint] != "":
		dependencyParentID = depParentHint
		dependencyParentBranch = dependencyCandidates[depParentHint]
	case len(dependencyCandidates) == 1:
		for id, branch := range dependencyCandidates {
			dependencyParentID, dependencyParentBranch = id, branch
		}
	case len(dependencyCandidates) > 1:
		candidateIDs := make([]string, 0, len(dependencyCandidates))
		for id := range dependencyCandidates {
			candidateIDs = append(candidateIDs, id)
		}
		frontierIDs := transitiveDependencyFrontier(candidateIDs, lookupCached)
		if len(frontierIDs) == 1 {
			dependencyParentID = frontierIDs[0]
			dependencyParentBranch = dependencyCandidates[dependencyParentID]
		} else {
			unresolved := frontierIDs
			if len(unresolved) == 0 {
				for id := range dependencyCandidates {
					unresolved = append(unresolved, id)
				}
			}
			sort.Strings(unresolved)
			pairs := make([]string, 0, len(unresolved))
			for _, id := range unresolved {
				pairs = append(pairs, fmt.Sprintf("%s->%s", id, dependencyCandidates[id]))
			}
			diagnostics = append(diagnostics, "ambiguous dependency parent branches: "+strings.Join(pairs, ", "))
		}
	}

	if len(missingDependencies) > 0 {
		sort.Strings(missingDependencies)
		diagnostics = append(diagnostics, "dependency issues unavailable: "+strings.Join(missingDependencies, ", "))
	}
	if len(missingBranches) > 0 {
		sort.Strings(missingBranches)
		diagnostics = append(diagnostics, "dependency work branches missing: "+strings.Join(missingBranches, ", "))
	}

	needsDependencyParent := len(depIDs) > 0 && (explicitParent == "" || (normalizedRoot != "" && explicitParent == normalizedRoot))

	var blocked bool
	var blockerReason string
	var usedDependencyParent bool
	effectiveParent := explicitParent
	if needsDependencyParent {
		if dependencyParentBranch != "" {
			effectiveParent = dependencyParentBranch
			usedDependencyParent = true
		} else {
			blocked = true
			if len(dependencyCandidates) > 1 {
				blockerReason = "dependency-lineage-ambiguous"
			} else {
				blockerReason = "dependency-parent-unresolved"
			}
			effectiveParent = ""
		}
	}

	if effectiveParent == "" {
		effectiveParent = normalizedRoot
	}

	if usedDependencyParent && explicitParent != "" && explicitParent != dependencyParentBranch {
		diagnostics = append(diagnostics, fmt.Sprintf(
			"updated collapsed parent lineage %q -> %q", explicitParent, dependencyParentBranch))
	}

	return ParentLineageResolution{
		RootBranch:             normalizedRoot,
		ExplicitParentBranch:   explicitParent,
		EffectiveParentBranch:  effectiveParent,
		DependencyIDs:          depIDs,
		DependencyParentID:     dependencyParentID,
		DependencyParentBranch: dependencyParentBranch,
		UsedDependencyParent:   usedDependencyParent,
		Blocked:                blocked,
		BlockerReason:          blockerReason,
		Diagnostics:            diagnostics,
	}
}

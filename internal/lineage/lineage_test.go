package lineage

import "testing"

func issueWithDeps(id, description string, depIDs ...string) *Issue {
	deps := make([]Dependency, 0, len(depIDs))
	for _, d := range depIDs {
		deps = append(deps, Dependency{ID: d})
	}
	return &Issue{ID: id, Description: description, Dependencies: deps}
}

func TestResolveParentLineageSingleDependency(t *testing.T) {
	store := map[string]*Issue{
		"dep-1": issueWithDeps("dep-1", "changeset.work_branch: feature/dep-1\n"),
	}
	lookup := func(id string) *Issue { return store[id] }

	issue := issueWithDeps("child-1", "", "dep-1")
	res := ResolveParentLineage(issue, "main", lookup)

	if res.Blocked {
		t.Fatalf("expected unblocked resolution, diagnostics=%v", res.Diagnostics)
	}
	if res.EffectiveParentBranch != "feature/dep-1" {
		t.Errorf("EffectiveParentBranch = %q, want feature/dep-1", res.EffectiveParentBranch)
	}
	if !res.UsedDependencyParent {
		t.Error("expected UsedDependencyParent=true")
	}
}

func TestResolveParentLineageAmbiguousFailsClosed(t *testing.T) {
	store := map[string]*Issue{
		"dep-1": issueWithDeps("dep-1", "changeset.work_branch: feature/dep-1\n"),
		"dep-2": issueWithDeps("dep-2", "changeset.work_branch: feature/dep-2\n"),
	}
	lookup := func(id string) *Issue { return store[id] }

	issue := issueWithDeps("child-1", "", "dep-1", "dep-2")
	res := ResolveParentLineage(issue, "main", lookup)

	if !res.Blocked {
		t.Fatal("expected ambiguous independent dependency branches to fail closed")
	}
	if res.BlockerReason != "dependency-lineage-ambiguous" {
		t.Errorf("BlockerReason = %q, want dependency-lineage-ambiguous", res.BlockerReason)
	}
}

func TestResolveParentLineageChainedDependenciesResolveToFrontier(t *testing.T) {
	// dep-2 depends on dep-1, so dep-1 is transitively covered by dep-2's
	// closure; the frontier is just {dep-2}, the deterministic parent.
	store := map[string]*Issue{
		"dep-1": issueWithDeps("dep-1", "changeset.work_branch: feature/dep-1\n"),
		"dep-2": issueWithDeps("dep-2", "changeset.work_branch: feature/dep-2\n", "dep-1"),
	}
	lookup := func(id string) *Issue { return store[id] }

	issue := issueWithDeps("child-1", "", "dep-1", "dep-2")
	res := ResolveParentLineage(issue, "main", lookup)

	if res.Blocked {
		t.Fatalf("expected chained dependency lineage to resolve, diagnostics=%v", res.Diagnostics)
	}
	if res.DependencyParentBranch != "feature/dep-2" {
		t.Errorf("DependencyParentBranch = %q, want feature/dep-2", res.DependencyParentBranch)
	}
}

func TestResolveParentLineageNoDependenciesUsesExplicitOrRoot(t *testing.T) {
	issue := issueWithDeps("child-1", "changeset.parent_branch: feature/explicit\n")
	res := ResolveParentLineage(issue, "main", nil)
	if res.EffectiveParentBranch != "feature/explicit" {
		t.Errorf("EffectiveParentBranch = %q, want feature/explicit", res.EffectiveParentBranch)
	}

	bare := issueWithDeps("child-2", "")
	res2 := ResolveParentLineage(bare, "main", nil)
	if res2.EffectiveParentBranch != "main" {
		t.Errorf("EffectiveParentBranch = %q, want main", res2.EffectiveParentBranch)
	}
}

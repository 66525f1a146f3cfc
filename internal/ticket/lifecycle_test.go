package ticket

import "testing"

func TestCanonicalLifecycleStatus(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"open", "open"},
		{"ready", "open"},
		{"planned", "deferred"},
		{"hooked", "in_progress"},
		{"done", "closed"},
		{"BLOCKED", "blocked"},
		{"", ""},
		{"weird", "weird"},
	}
	for _, tt := range tests {
		if got := CanonicalLifecycleStatus(tt.status); got != tt.want {
			t.Errorf("CanonicalLifecycleStatus(%q) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestIsClosedStatus(t *testing.T) {
	if !IsClosedStatus("done") {
		t.Error("legacy alias 'done' should resolve to closed")
	}
	if IsClosedStatus("open") {
		t.Error("open should not be closed")
	}
}

func TestInferWorkRoleTopLevelLeafIsBoth(t *testing.T) {
	labels := map[string]bool{"at:epic": true}
	role := InferWorkRole(labels, "epic", "", false)
	if !role.IsEpic || !role.IsChangeset {
		t.Fatalf("top-level leaf work node should be both epic and changeset, got %+v", role)
	}
}

func TestInferWorkRoleNonWorkIsNeither(t *testing.T) {
	labels := map[string]bool{"at:message": true}
	role := InferWorkRole(labels, "message", "", false)
	if role.IsWork || role.IsEpic || role.IsChangeset {
		t.Fatalf("special non-work issue should not be work/epic/changeset, got %+v", role)
	}
}

func TestDependencyIssueSatisfiedRequireIntegrated(t *testing.T) {
	labels := map[string]bool{"at:changeset": true}
	closedNotMerged := DependencyIssueSatisfied(DependencySatisfiedParams{
		Status:            "closed",
		Labels:            labels,
		RequireIntegrated: true,
		ReviewState:       "closed",
	})
	if closedNotMerged {
		t.Error("closed changeset without merge evidence should not satisfy an integrated dependency contract")
	}

	mergedReview := DependencyIssueSatisfied(DependencySatisfiedParams{
		Status:            "closed",
		Labels:            labels,
		RequireIntegrated: true,
		ReviewState:       "merged",
	})
	if !mergedReview {
		t.Error("closed changeset with merged review state should satisfy an integrated dependency contract")
	}

	csMerged := DependencyIssueSatisfied(DependencySatisfiedParams{
		Status:            "closed",
		Labels:            map[string]bool{"cs:merged": true},
		RequireIntegrated: true,
	})
	if !csMerged {
		t.Error("cs:merged label alone should satisfy an integrated dependency contract")
	}
}

func TestDependencyIssueSatisfiedNotRequireIntegrated(t *testing.T) {
	if !DependencyIssueSatisfied(DependencySatisfiedParams{Status: "closed", RequireIntegrated: false}) {
		t.Error("closed status should satisfy a non-integrated dependency contract")
	}
	if DependencyIssueSatisfied(DependencySatisfiedParams{Status: "open", RequireIntegrated: false}) {
		t.Error("open status should never satisfy any dependency contract")
	}
}

func TestEvaluateRunnableLeaf(t *testing.T) {
	labels := map[string]bool{}
	eval := EvaluateRunnableLeaf(EvaluateRunnableLeafParams{
		Status:                "open",
		Labels:                labels,
		IssueType:             "task",
		ParentID:              "epic-1",
		HasWorkChildren:       false,
		DependenciesSatisfied: true,
	})
	if !eval.Runnable {
		t.Fatalf("expected runnable leaf, got reasons=%v", eval.Reasons)
	}

	blocked := EvaluateRunnableLeaf(EvaluateRunnableLeafParams{
		Status:                "open",
		Labels:                labels,
		IssueType:             "task",
		ParentID:              "epic-1",
		HasWorkChildren:       false,
		DependenciesSatisfied: false,
	})
	if blocked.Runnable {
		t.Fatal("unsatisfied dependencies should block runnability")
	}
	if len(blocked.Reasons) != 1 || blocked.Reasons[0] != "dependencies-unsatisfied" {
		t.Errorf("reasons = %v, want [dependencies-unsatisfied]", blocked.Reasons)
	}
}

func TestEvaluateEpicClaimability(t *testing.T) {
	labels := map[string]bool{"at:epic": true}
	eval := EvaluateEpicClaimability("open", labels, "epic", "")
	if !eval.Claimable {
		t.Fatalf("expected claimable, got reasons=%v", eval.Reasons)
	}

	missingLabel := EvaluateEpicClaimability("open", map[string]bool{}, "epic", "")
	if missingLabel.Claimable {
		t.Fatal("epic without at:epic label should not be claimable")
	}
}

func TestIsEligibleEpicStatus(t *testing.T) {
	if IsEligibleEpicStatus("hooked", false) {
		t.Error("hooked should not be eligible unless allowHooked")
	}
	if !IsEligibleEpicStatus("hooked", true) {
		t.Error("hooked should be eligible when allowHooked")
	}
	if !IsEligibleEpicStatus("", false) {
		t.Error("missing status should be treated as eligible")
	}
}

func TestIsChangesetReadyFailsClosedOnUnknownShape(t *testing.T) {
	if IsChangesetReady(IsChangesetReadyParams{Status: "open", HasWorkChildren: nil}) {
		t.Error("unknown graph shape must fail closed")
	}
}

func TestIsChangesetInReviewCandidate(t *testing.T) {
	no := false
	live := ReviewApproved
	ok := IsChangesetInReviewCandidate(IsChangesetInReviewCandidateParams{
		Status:          "open",
		HasWorkChildren: &no,
		LiveState:       &live,
	})
	if !ok {
		t.Fatal("approved live state should be an in-review candidate")
	}

	closedState := ReviewClosed
	closed := IsChangesetInReviewCandidate(IsChangesetInReviewCandidateParams{
		Status:          "open",
		HasWorkChildren: &no,
		LiveState:       &closedState,
	})
	if closed {
		t.Fatal("closed live state should not be an in-review candidate")
	}
}

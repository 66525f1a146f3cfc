package ghclient

import (
	"testing"
	"time"
)

func TestLifecycleStateNoPRNotPushed(t *testing.T) {
	if got := LifecycleState(nil, false, false); got != "" {
		t.Errorf("LifecycleState(nil, false, false) = %q, want \"\"", got)
	}
}

func TestLifecycleStatePushedNoPR(t *testing.T) {
	if got := LifecycleState(nil, true, false); got != "pushed" {
		t.Errorf("LifecycleState(nil, true, false) = %q, want pushed", got)
	}
}

func TestLifecycleStateMerged(t *testing.T) {
	now := time.Now()
	status := &PRStatus{MergedAt: &now}
	if got := LifecycleState(status, true, false); got != "merged" {
		t.Errorf("got %q, want merged", got)
	}
}

func TestLifecycleStateClosed(t *testing.T) {
	now := time.Now()
	status := &PRStatus{ClosedAt: &now, State: "closed"}
	if got := LifecycleState(status, true, false); got != "closed" {
		t.Errorf("got %q, want closed", got)
	}
}

func TestLifecycleStateDraft(t *testing.T) {
	status := &PRStatus{IsDraft: true}
	if got := LifecycleState(status, true, false); got != "draft-pr" {
		t.Errorf("got %q, want draft-pr", got)
	}
}

func TestLifecycleStateApproved(t *testing.T) {
	status := &PRStatus{ReviewDecision: "approved"}
	if got := LifecycleState(status, true, true); got != "approved" {
		t.Errorf("got %q, want approved", got)
	}
}

func TestLifecycleStateInReview(t *testing.T) {
	status := &PRStatus{}
	if got := LifecycleState(status, true, true); got != "in-review" {
		t.Errorf("got %q, want in-review", got)
	}
}

func TestLifecycleStatePROpen(t *testing.T) {
	status := &PRStatus{}
	if got := LifecycleState(status, true, false); got != "pr-open" {
		t.Errorf("got %q, want pr-open", got)
	}
}

func TestHasReviewRequestsFiltersBots(t *testing.T) {
	status := &PRStatus{RequestedReviewers: []Reviewer{
		{Login: "dependabot[bot]", IsBot: true},
	}}
	if HasReviewRequests(status) {
		t.Fatal("expected false when only bot reviewers requested")
	}
	status.RequestedReviewers = append(status.RequestedReviewers, Reviewer{Login: "alice"})
	if !HasReviewRequests(status) {
		t.Fatal("expected true once a human reviewer is requested")
	}
}

func TestLatestFeedbackTimestampExcludesApprovals(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	events := []FeedbackEvent{
		{State: "APPROVED", Timestamp: newer},
		{State: "CHANGES_REQUESTED", Timestamp: older},
	}
	got := LatestFeedbackTimestamp(events)
	if got == nil || !got.Equal(older) {
		t.Fatalf("expected latest feedback to ignore approval, got %v", got)
	}
}

func TestLatestFeedbackTimestampExcludesBots(t *testing.T) {
	now := time.Now()
	events := []FeedbackEvent{
		{State: "COMMENTED", Timestamp: now, IsBot: true},
	}
	if got := LatestFeedbackTimestamp(events); got != nil {
		t.Fatalf("expected nil when only bot feedback present, got %v", got)
	}
}

func TestDefaultBranchHasMergeConflict(t *testing.T) {
	conflict := &PRStatus{MergeStateStatus: "dirty"}
	if got := DefaultBranchHasMergeConflict(conflict); got == nil || !*got {
		t.Fatalf("expected conflict=true, got %v", got)
	}

	unknown := &PRStatus{MergeStateStatus: "unknown"}
	if got := DefaultBranchHasMergeConflict(unknown); got != nil {
		t.Fatalf("expected nil for unknown merge state, got %v", got)
	}

	clean := &PRStatus{MergeStateStatus: "clean"}
	if got := DefaultBranchHasMergeConflict(clean); got == nil || *got {
		t.Fatalf("expected conflict=false for clean state, got %v", got)
	}

	fallback := &PRStatus{Mergeable: "conflicting"}
	if got := DefaultBranchHasMergeConflict(fallback); got == nil || !*got {
		t.Fatalf("expected conflict=true from mergeable fallback, got %v", got)
	}

	if got := DefaultBranchHasMergeConflict(nil); got != nil {
		t.Fatalf("expected nil for nil status, got %v", got)
	}
}

func TestSplitRepoSlug(t *testing.T) {
	owner, name, err := splitRepoSlug("shaug/atelier-sub000")
	if err != nil || owner != "shaug" || name != "atelier-sub000" {
		t.Fatalf("splitRepoSlug = %q, %q, %v", owner, name, err)
	}
	if _, _, err := splitRepoSlug("invalid"); err == nil {
		t.Fatal("expected error for slug without owner/name separator")
	}
}

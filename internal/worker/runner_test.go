package worker

import (
	"strings"
	"testing"
	"time"

	"github.com/shaug/atelier-sub000/internal/agentident"
	"github.com/shaug/atelier-sub000/internal/beads"
	"github.com/shaug/atelier-sub000/internal/startup"
)

func identity(pid int) agentident.Identity {
	return agentident.Identity{Role: "worker", AgentType: "codex", PID: pid, Token: "aaaa1111"}
}

func TestClaimEpicRefusesChangedAssignee(t *testing.T) {
	r := &Runner{Identity: identity(1)}
	epic := &beads.Issue{ID: "e1", Assignee: "atelier/worker/codex/p5-t1"}
	sel := startup.ContractResult{EpicID: "e1", ReassignFrom: "atelier/worker/codex/p9-t1"}

	if err := r.claimEpic(epic, sel); err == nil {
		t.Fatal("a takeover must fail when the assignee changed since selection")
	}
}

func TestClaimEpicRefusesForeignAssignment(t *testing.T) {
	r := &Runner{Identity: identity(1)}
	epic := &beads.Issue{ID: "e1", Assignee: "atelier/worker/codex/p5-t1"}

	if err := r.claimEpic(epic, startup.ContractResult{EpicID: "e1"}); err == nil {
		t.Fatal("claiming an epic assigned to another live session must fail")
	}
}

func TestClaimEpicAlreadyOursIsNoop(t *testing.T) {
	id := identity(1)
	r := &Runner{Identity: id}
	epic := &beads.Issue{ID: "e1", Assignee: id.String()}

	if err := r.claimEpic(epic, startup.ContractResult{EpicID: "e1"}); err != nil {
		t.Fatalf("re-claiming our own epic should be a no-op, got %v", err)
	}
}

func TestClaimEpicTakeoverClearsPreviousHook(t *testing.T) {
	id := identity(2)
	cleared := ""
	r := &Runner{Identity: id, ClearHookOf: func(sessionKey string) { cleared = sessionKey }}
	prev := "atelier/worker/codex/p999999-t1"
	epic := &beads.Issue{ID: "e1", Assignee: prev}

	// Claim itself hits the store, which this test doesn't wire; the hook
	// clear happens first and is what's under test.
	defer func() {
		_ = recover()
		if cleared != prev {
			t.Errorf("cleared hook of %q, want %q", cleared, prev)
		}
	}()
	_ = r.claimEpic(epic, startup.ContractResult{EpicID: "e1", ReassignFrom: prev})
}

func TestAgentBeadIDForFlattensSlashes(t *testing.T) {
	got := agentBeadIDFor(identity(42))
	if strings.Contains(got, "/") {
		t.Errorf("bead id %q must not contain slashes", got)
	}
	if !strings.HasPrefix(got, "agent-atelier-worker-codex-") {
		t.Errorf("bead id %q should carry the family prefix", got)
	}
}

func TestTopLevelAncestorWalksParents(t *testing.T) {
	store := map[string]*beads.Issue{
		"e1": {ID: "e1"},
		"m1": {ID: "m1", Parent: "e1"},
		"c1": {ID: "c1", Parent: "m1"},
	}
	lookup := func(id string) (*beads.Issue, error) { return store[id], nil }
	if got := topLevelAncestorID(store["c1"], lookup); got != "e1" {
		t.Errorf("ancestor = %q, want e1", got)
	}
}

func TestTopLevelAncestorDottedIDCompatibility(t *testing.T) {
	lookup := func(id string) (*beads.Issue, error) { return nil, nil }
	leaf := &beads.Issue{ID: "proj.3"}
	if got := topLevelAncestorID(leaf, lookup); got != "proj" {
		t.Errorf("ancestor = %q, want the dotted-id prefix proj", got)
	}
	plain := &beads.Issue{ID: "standalone"}
	if got := topLevelAncestorID(plain, lookup); got != "standalone" {
		t.Errorf("ancestor = %q, want the leaf itself", got)
	}
}

func TestDescribeSnapshot(t *testing.T) {
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	threads := 3
	snap := startup.ReviewFeedbackSnapshot{FeedbackAt: &at, UnresolvedThreads: &threads, BranchHead: "abc"}
	got := describeSnapshot(snap)
	want := "feedback_at=2026-07-01T12:00:00Z unresolved_threads=3 branch_head=abc"
	if got != want {
		t.Errorf("describeSnapshot = %q, want %q", got, want)
	}

	empty := describeSnapshot(startup.ReviewFeedbackSnapshot{})
	if empty != "feedback_at=none unresolved_threads=unknown branch_head=unknown" {
		t.Errorf("empty snapshot = %q", empty)
	}
}

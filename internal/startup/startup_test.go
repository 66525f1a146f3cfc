package startup

import (
	"testing"
	"time"

	"github.com/shaug/atelier-sub000/internal/agentident"
	"github.com/shaug/atelier-sub000/internal/beads"
)

func workerID(role, agentType string, pid int) agentident.Identity {
	return agentident.Identity{Role: role, AgentType: agentType, PID: pid, Token: "aaaa1111"}
}

func epic(id string, opts ...func(*beads.Issue)) *beads.Issue {
	e := &beads.Issue{ID: id, Status: "open", Type: "epic", Labels: []string{"at:epic"}}
	for _, o := range opts {
		o(e)
	}
	return e
}

func withAssignee(assignee string) func(*beads.Issue) {
	return func(i *beads.Issue) { i.Assignee = assignee }
}

func withCreatedAt(ts string) func(*beads.Issue) {
	return func(i *beads.Issue) { i.CreatedAt = ts }
}

func contractOver(identity agentident.Identity, epics ...*beads.Issue) *Contract {
	return &Contract{
		Identity:  identity,
		Policy:    PolicyAuto,
		AssumeYes: true,
		ListEpics: func() ([]*beads.Issue, error) { return epics, nil },
		NextChangeset: func(e *beads.Issue) (string, bool, error) {
			return "cs-" + e.ID, true, nil
		},
	}
}

func TestRunExplicitBeatsEverything(t *testing.T) {
	c := contractOver(workerID("worker", "codex", 1), epic("e1"))
	c.ExplicitEpicID = "e2"
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.EpicID != "e2" || res.Reason != ReasonExplicitEpic {
		t.Fatalf("got %+v, want explicit selection of e2", res)
	}
}

func TestRunQueueOnlyExits(t *testing.T) {
	c := contractOver(workerID("worker", "codex", 1), epic("e1"))
	c.QueueOnly = true
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !res.ShouldExit || res.Reason != ReasonQueueOnly {
		t.Fatalf("got %+v, want a queue-only exit", res)
	}
}

func TestRunHookedEpicBeatsAssigned(t *testing.T) {
	identity := workerID("worker", "codex", 1)
	assigned := epic("e1", withAssignee(identity.String()), withCreatedAt("2026-01-01T00:00:00Z"))
	hooked := epic("e2", withCreatedAt("2026-06-01T00:00:00Z"))

	c := contractOver(identity, assigned, hooked)
	c.HookedEpicID = func() (string, error) { return "e2", nil }
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.EpicID != "e2" || res.Reason != ReasonHookedEpic {
		t.Fatalf("got %+v, want hooked selection of e2", res)
	}
	if res.ChangesetID != "cs-e2" {
		t.Errorf("changeset = %q, want cs-e2", res.ChangesetID)
	}
}

func TestRunHookedEpicSkippedWhenAssignedElsewhere(t *testing.T) {
	identity := workerID("worker", "codex", 1)
	hooked := epic("e2", withAssignee("someone/else"))

	c := contractOver(identity, hooked)
	c.HookedEpicID = func() (string, error) { return "e2", nil }
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason == ReasonHookedEpic {
		t.Fatalf("got %+v, a hooked epic assigned to another agent must not be selected", res)
	}
}

func TestRunReviewFeedbackBeatsAssigned(t *testing.T) {
	identity := workerID("worker", "codex", 1)
	assigned := epic("e1", withAssignee(identity.String()))

	c := contractOver(identity, assigned)
	c.BranchPR = true
	c.RepoSlug = "acme/repo"
	c.OldestReviewFeedback = func(epics []*beads.Issue) (*FeedbackSelection, error) {
		return &FeedbackSelection{EpicID: "e1", ChangesetID: "cs-fb"}, nil
	}
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != ReasonReviewFeedback || res.ChangesetID != "cs-fb" {
		t.Fatalf("got %+v, want review-feedback selection of cs-fb", res)
	}
}

func TestRunAssignedEpicOldestFirst(t *testing.T) {
	identity := workerID("worker", "codex", 1)
	newer := epic("e-newer", withAssignee(identity.String()), withCreatedAt("2026-06-01T00:00:00Z"))
	older := epic("e-older", withAssignee(identity.String()), withCreatedAt("2026-01-01T00:00:00Z"))

	c := contractOver(identity, newer, older)
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.EpicID != "e-older" || res.Reason != ReasonAssignedEpic {
		t.Fatalf("got %+v, want the oldest assigned epic e-older", res)
	}
}

// Stale family reclaim: an epic assigned to a same-family session whose pid
// is dead is reclaimed, carrying the previous assignee for the takeover
// check.
func TestRunStaleFamilyReclaim(t *testing.T) {
	identity := workerID("worker", "codex", 222)
	deadSibling := workerID("worker", "codex", 999999).String()
	stale := epic("e1", withAssignee(deadSibling))

	c := contractOver(identity, stale)
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != ReasonStaleAssigneeEpic {
		t.Fatalf("got %+v, want stale-assignee reclaim", res)
	}
	if res.ReassignFrom != deadSibling {
		t.Errorf("ReassignFrom = %q, want %q", res.ReassignFrom, deadSibling)
	}
}

func TestRunStaleReclaimSkipsOtherFamilies(t *testing.T) {
	identity := workerID("worker", "codex", 222)
	otherFamily := workerID("worker", "claude", 999999).String()
	stale := epic("e1", withAssignee(otherFamily))

	c := contractOver(identity, stale)
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason == ReasonStaleAssigneeEpic {
		t.Fatalf("got %+v, another family's assignment must not be reclaimed", res)
	}
}

func TestRunInboxGateExits(t *testing.T) {
	identity := workerID("worker", "codex", 1)
	unassigned := epic("e1")

	c := contractOver(identity, unassigned)
	c.HasUnreadInbox = func() (bool, error) { return true, nil }
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !res.ShouldExit || res.Reason != ReasonInboxBlocked {
		t.Fatalf("got %+v, want an inbox-blocked exit", res)
	}
}

func TestRunQueueGateExits(t *testing.T) {
	identity := workerID("worker", "codex", 1)
	unassigned := epic("e1")

	c := contractOver(identity, unassigned)
	c.UnclaimedQueueCount = func() (int, error) { return 2, nil }
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !res.ShouldExit || res.Reason != ReasonQueueBlocked {
		t.Fatalf("got %+v, want a queue-blocked exit", res)
	}
}

// Selection ordering: auto-pick returns the epic with the smallest creation
// timestamp among ready candidates.
func TestRunAutoPickOldest(t *testing.T) {
	identity := workerID("worker", "codex", 1)
	e1 := epic("e1", withCreatedAt("2026-03-01T00:00:00Z"))
	e2 := epic("e2", withCreatedAt("2026-01-01T00:00:00Z"))
	e3 := epic("e3", withCreatedAt("2026-02-01T00:00:00Z"))

	c := contractOver(identity, e1, e2, e3)
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.EpicID != "e2" || res.Reason != ReasonAutoSelected {
		t.Fatalf("got %+v, want auto-pick of oldest epic e2", res)
	}
}

func TestRunAutoPickSkipsEpicsWithoutActionableChangesets(t *testing.T) {
	identity := workerID("worker", "codex", 1)
	empty := epic("e-empty", withCreatedAt("2026-01-01T00:00:00Z"))
	ready := epic("e-ready", withCreatedAt("2026-02-01T00:00:00Z"))

	c := contractOver(identity, empty, ready)
	c.NextChangeset = func(e *beads.Issue) (string, bool, error) {
		if e.ID == "e-empty" {
			return "", false, nil
		}
		return "cs-" + e.ID, true, nil
	}
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.EpicID != "e-ready" {
		t.Fatalf("got %+v, want e-ready (e-empty has nothing runnable)", res)
	}
}

func TestRunNoEligibleEpics(t *testing.T) {
	c := contractOver(workerID("worker", "codex", 1))
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !res.ShouldExit || res.Reason != ReasonNoEligibleEpics {
		t.Fatalf("got %+v, want a no-eligible-epics exit", res)
	}
}

func TestRunReadyChangesetFallback(t *testing.T) {
	identity := workerID("worker", "codex", 1)
	lifted := epic("e-lifted")

	c := contractOver(identity)
	c.EpicFromReadyChangesets = func() (*beads.Issue, error) { return lifted, nil }
	res, err := c.Run()
	if err != nil {
		t.Fatal(err)
	}
	if res.EpicID != "e-lifted" || res.Reason != ReasonReadyChangeset {
		t.Fatalf("got %+v, want the lifted epic e-lifted", res)
	}
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestReviewFeedbackProgressed(t *testing.T) {
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		before ReviewFeedbackSnapshot
		after  ReviewFeedbackSnapshot
		want   bool
	}{
		{
			name:   "all unchanged",
			before: ReviewFeedbackSnapshot{FeedbackAt: timePtr(base), UnresolvedThreads: intPtr(3), BranchHead: "aaa"},
			after:  ReviewFeedbackSnapshot{FeedbackAt: timePtr(base), UnresolvedThreads: intPtr(3), BranchHead: "aaa"},
			want:   false,
		},
		{
			name:   "fewer unresolved threads",
			before: ReviewFeedbackSnapshot{FeedbackAt: timePtr(base), UnresolvedThreads: intPtr(3), BranchHead: "aaa"},
			after:  ReviewFeedbackSnapshot{FeedbackAt: timePtr(base), UnresolvedThreads: intPtr(2), BranchHead: "aaa"},
			want:   true,
		},
		{
			name:   "newer feedback timestamp",
			before: ReviewFeedbackSnapshot{FeedbackAt: timePtr(base), UnresolvedThreads: intPtr(3), BranchHead: "aaa"},
			after:  ReviewFeedbackSnapshot{FeedbackAt: timePtr(base.Add(time.Hour)), UnresolvedThreads: intPtr(3), BranchHead: "aaa"},
			want:   true,
		},
		{
			name:   "different branch tip",
			before: ReviewFeedbackSnapshot{FeedbackAt: timePtr(base), UnresolvedThreads: intPtr(3), BranchHead: "aaa"},
			after:  ReviewFeedbackSnapshot{FeedbackAt: timePtr(base), UnresolvedThreads: intPtr(3), BranchHead: "bbb"},
			want:   true,
		},
		{
			name:   "more unresolved threads is not progress",
			before: ReviewFeedbackSnapshot{UnresolvedThreads: intPtr(3), BranchHead: "aaa"},
			after:  ReviewFeedbackSnapshot{UnresolvedThreads: intPtr(5), BranchHead: "aaa"},
			want:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ReviewFeedbackProgressed(tc.before, tc.after); got != tc.want {
				t.Errorf("ReviewFeedbackProgressed = %t, want %t", got, tc.want)
			}
		})
	}
}

func leafChangeset(id string, opts ...func(*beads.Issue)) *beads.Issue {
	i := &beads.Issue{ID: id, Status: "open", Type: "task", Parent: "e1"}
	for _, o := range opts {
		o(i)
	}
	return i
}

func pickerOver(children ...*beads.Issue) *ChangesetPicker {
	return &ChangesetPicker{
		ListReadyChildren: func(epicID string) ([]*beads.Issue, error) { return children, nil },
		ListChildren:      func(id string) ([]*beads.Issue, error) { return nil, nil },
	}
}

func TestPickPrefersInProgress(t *testing.T) {
	ready := leafChangeset("c1", func(i *beads.Issue) { i.Labels = []string{"cs:ready"} })
	inProgress := leafChangeset("c2", func(i *beads.Issue) { i.Labels = []string{"cs:in_progress"} })

	picked, ok, err := pickerOver(ready, inProgress).Pick(epic("e1", func(i *beads.Issue) { i.Children = []string{"c1", "c2"} }))
	if err != nil || !ok {
		t.Fatalf("Pick: ok=%t err=%v", ok, err)
	}
	if picked.ID != "c2" {
		t.Errorf("picked %q, want the in-progress changeset c2", picked.ID)
	}
}

func TestPickSkipsWaitingOnReview(t *testing.T) {
	inReview := leafChangeset("c1", func(i *beads.Issue) {
		i.Description = "pr_state: pr-open\n"
	})
	ready := leafChangeset("c2")

	picked, ok, err := pickerOver(inReview, ready).Pick(epic("e1", func(i *beads.Issue) { i.Children = []string{"c1", "c2"} }))
	if err != nil || !ok {
		t.Fatalf("Pick: ok=%t err=%v", ok, err)
	}
	if picked.ID != "c2" {
		t.Errorf("picked %q, want c2 (c1 is out for review)", picked.ID)
	}
}

func TestPickAcceptsBlockedRecoveryCandidate(t *testing.T) {
	recovery := leafChangeset("c1", func(i *beads.Issue) {
		i.Status = "blocked"
		i.Description = "pr_state: pushed\n"
	})

	picked, ok, err := pickerOver(recovery).Pick(epic("e1", func(i *beads.Issue) { i.Children = []string{"c1"} }))
	if err != nil || !ok {
		t.Fatalf("Pick: ok=%t err=%v (a blocked-but-pushed changeset is retryable)", ok, err)
	}
	if picked.ID != "c1" {
		t.Errorf("picked %q, want c1", picked.ID)
	}
}

func TestPickRejectsBlockedWithoutPublishSignal(t *testing.T) {
	blocked := leafChangeset("c1", func(i *beads.Issue) { i.Status = "blocked" })

	_, ok, err := pickerOver(blocked).Pick(epic("e1", func(i *beads.Issue) { i.Children = []string{"c1"} }))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a blocked changeset with nothing published must not be retried")
	}
}

func TestPickTopLevelLeafEpic(t *testing.T) {
	leaf := epic("e1", func(i *beads.Issue) { i.Labels = append(i.Labels, "at:changeset") })

	picked, ok, err := pickerOver().Pick(leaf)
	if err != nil || !ok {
		t.Fatalf("Pick: ok=%t err=%v (a top-level leaf is its own changeset)", ok, err)
	}
	if picked.ID != "e1" {
		t.Errorf("picked %q, want the epic itself", picked.ID)
	}
}

func TestPickStrategyBlockedPushedIsSkipped(t *testing.T) {
	pushed := leafChangeset("c1", func(i *beads.Issue) {
		i.Description = "pr_state: pushed\n"
	})
	picker := pickerOver(pushed)
	picker.StrategyBlockedPushed = func(issue *beads.Issue) bool { return true }

	_, ok, err := picker.Pick(epic("e1", func(i *beads.Issue) { i.Children = []string{"c1"} }))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a strategy-blocked pushed changeset must not be picked")
	}
}

package changeset

import "testing"

func TestParseDescriptionFields(t *testing.T) {
	desc := "changeset.work_branch: feature/foo\nsome free text\npr_url: https://example.com/1\n"
	fields := ParseDescriptionFields(desc)
	if fields["changeset.work_branch"] != "feature/foo" {
		t.Errorf("work_branch = %q", fields["changeset.work_branch"])
	}
	if fields["pr_url"] != "https://example.com/1" {
		t.Errorf("pr_url = %q", fields["pr_url"])
	}
}

func TestWorkBranchTreatsNullAsUnset(t *testing.T) {
	if got := WorkBranch("changeset.work_branch: null\n"); got != "" {
		t.Errorf("WorkBranch = %q, want empty for null", got)
	}
}

func TestParseReviewMetadata(t *testing.T) {
	desc := "pr_url: https://example.com/7\npr_number: 7\npr_state: approved\nreview_owner: alice\n"
	metadata := ParseReviewMetadata(desc)
	if metadata != (ReviewMetadata{PRURL: "https://example.com/7", PRNumber: "7", PRState: "approved", ReviewOwner: "alice"}) {
		t.Errorf("ParseReviewMetadata = %+v", metadata)
	}
}

func TestApplyReviewMetadataPreservesOtherLines(t *testing.T) {
	desc := "changeset.root_branch: main\npr_url: null\n"
	updated := ApplyReviewMetadata(desc, ReviewMetadata{PRURL: "https://example.com/9", PRNumber: "9", PRState: "pushed"})

	if RootBranch(updated) != "main" {
		t.Errorf("expected root_branch preserved, got description: %q", updated)
	}
	metadata := ParseReviewMetadata(updated)
	if metadata.PRURL != "https://example.com/9" || metadata.PRNumber != "9" || metadata.PRState != "pushed" {
		t.Errorf("ApplyReviewMetadata did not set expected fields: %+v", metadata)
	}
}

func TestApplyReviewMetadataIsIdempotentOnKeys(t *testing.T) {
	desc := "pr_url: old\n"
	updated := ApplyReviewMetadata(desc, ReviewMetadata{PRURL: "new"})
	count := 0
	for _, line := range splitLines(updated) {
		if line == "pr_url: new" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one pr_url line, got %d in %q", count, updated)
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestUpdateLabelsForPRStateMerged(t *testing.T) {
	labels := map[string]bool{"cs:ready": true, "priority:high": true}
	updated := UpdateLabelsForPRState(labels, "merged")
	if !updated["cs:merged"] {
		t.Error("expected cs:merged to be set")
	}
	if updated["cs:ready"] {
		t.Error("expected cs:ready to be cleared")
	}
	if !updated["priority:high"] {
		t.Error("expected unrelated labels preserved")
	}
}

func TestUpdateLabelsForPRStateClosedSetsAbandoned(t *testing.T) {
	labels := map[string]bool{"cs:in_progress": true}
	updated := UpdateLabelsForPRState(labels, "closed")
	if !updated["cs:abandoned"] {
		t.Error("expected cs:abandoned to be set")
	}
	if updated["cs:in_progress"] {
		t.Error("expected cs:in_progress to be cleared")
	}
}

func TestUpdateLabelsForPRStateUnchangedForOtherStates(t *testing.T) {
	labels := map[string]bool{"cs:in_progress": true}
	updated := UpdateLabelsForPRState(labels, "pushed")
	if !updated["cs:in_progress"] {
		t.Error("expected labels untouched for non-terminal state")
	}
}

// Package changeset parses and updates the structured "key: value" fields
// beads stores in a changeset issue's description, and tracks review
// lifecycle metadata and label transitions.
package changeset

import (
	"strings"
)

// ParseDescriptionFields extracts "key: value" lines from an issue
// description into a map. Unrecognized lines are ignored. Mirrors the field
// convention used for queue beads (key: value per line).
func ParseDescriptionFields(description string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(description, "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" {
			continue
		}
		value := strings.TrimSpace(line[idx+1:])
		fields[key] = value
	}
	return fields
}

func normalizedField(fields map[string]string, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	normalized := strings.TrimSpace(raw)
	if normalized == "" || strings.EqualFold(normalized, "null") {
		return ""
	}
	return normalized
}

// WorkBranch returns the changeset.work_branch field, or "" when unset.
func WorkBranch(description string) string {
	return normalizedField(ParseDescriptionFields(description), "changeset.work_branch")
}

// RootBranch returns the changeset.root_branch field, or "" when unset.
func RootBranch(description string) string {
	return normalizedField(ParseDescriptionFields(description), "changeset.root_branch")
}

// ParentBranch returns the changeset.parent_branch field, or "" when unset.
func ParentBranch(description string) string {
	return normalizedField(ParseDescriptionFields(description), "changeset.parent_branch")
}

// PRURL returns the pr_url field, or "" when unset.
func PRURL(description string) string {
	return normalizedField(ParseDescriptionFields(description), "pr_url")
}

// IntegratedSHA returns the changeset.integrated_sha field, or "" when unset.
func IntegratedSHA(description string) string {
	return normalizedField(ParseDescriptionFields(description), "changeset.integrated_sha")
}

// HookBead returns the hook_bead field of an agent bead's description, or ""
// when the agent has no epic hooked.
func HookBead(description string) string {
	return normalizedField(ParseDescriptionFields(description), "hook_bead")
}

// ReviewFeedbackCursor returns the review.last_feedback_seen_at field, or ""
// when no reviewer feedback has been acknowledged yet.
func ReviewFeedbackCursor(description string) string {
	return normalizedField(ParseDescriptionFields(description), "review.last_feedback_seen_at")
}

// WorkspaceRootBranch returns the workspace.root_branch field, or "" when unset.
func WorkspaceRootBranch(description string) string {
	return normalizedField(ParseDescriptionFields(description), "workspace.root_branch")
}

// WorkspaceParentBranch returns the workspace.parent_branch field, or "" when unset.
func WorkspaceParentBranch(description string) string {
	return normalizedField(ParseDescriptionFields(description), "workspace.parent_branch")
}

// WorkspacePRStrategy returns the workspace.pr_strategy field, or "" when unset.
func WorkspacePRStrategy(description string) string {
	return normalizedField(ParseDescriptionFields(description), "workspace.pr_strategy")
}

// SetField returns the description with the given metadata line replaced in
// place (or appended when absent), preserving all other lines. An empty value
// writes the literal "null" so the slot survives round-trips.
func SetField(description, key, value string) string {
	return setField(description, key, value)
}

// reviewFieldKeys are the fields tracked by ReviewMetadata, in write order.
var reviewFieldKeys = []string{"pr_url", "pr_number", "pr_state", "review_owner"}

// ReviewMetadata is the review lifecycle metadata stored in a changeset
// issue's description.
type ReviewMetadata struct {
	PRURL       string
	PRNumber    string
	PRState     string
	ReviewOwner string
}

// ParseReviewMetadata parses review metadata fields from a description.
func ParseReviewMetadata(description string) ReviewMetadata {
	fields := make(map[string]string, len(reviewFieldKeys))
	for _, line := range strings.Split(description, "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		matched := false
		for _, known := range reviewFieldKeys {
			if key == known {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		fields[key] = normalizeValue(strings.TrimSpace(line[idx+1:]))
	}
	return ReviewMetadata{
		PRURL:       fields["pr_url"],
		PRNumber:    fields["pr_number"],
		PRState:     fields["pr_state"],
		ReviewOwner: fields["review_owner"],
	}
}

func normalizeValue(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || strings.EqualFold(cleaned, "null") {
		return ""
	}
	return cleaned
}

func reviewFieldValue(metadata ReviewMetadata, key string) string {
	switch key {
	case "pr_url":
		return metadata.PRURL
	case "pr_number":
		return metadata.PRNumber
	case "pr_state":
		return metadata.PRState
	case "review_owner":
		return metadata.ReviewOwner
	default:
		return ""
	}
}

func setField(description, key, value string) string {
	var lines []string
	if description != "" {
		lines = strings.Split(description, "\n")
	}
	var updated []string
	needle := key + ":"
	found := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), needle) {
			if !found {
				replacement := value
				if replacement == "" {
					replacement = "null"
				}
				updated = append(updated, key+": "+replacement)
				found = true
			}
			continue
		}
		updated = append(updated, line)
	}
	if !found {
		replacement := value
		if replacement == "" {
			replacement = "null"
		}
		updated = append(updated, key+": "+replacement)
	}
	return strings.TrimRight(strings.Join(updated, "\n"), "\n") + "\n"
}

// ApplyReviewMetadata returns a description updated with review metadata
// fields, preserving any other content.
func ApplyReviewMetadata(description string, metadata ReviewMetadata) string {
	updated := description
	for _, key := range reviewFieldKeys {
		updated = setField(updated, key, reviewFieldValue(metadata, key))
	}
	return updated
}

const (
	labelMerged    = "cs:merged"
	labelAbandoned = "cs:abandoned"
)

// activeChangesetLabels are cleared once a changeset resolves to a terminal
// review state.
var activeChangesetLabels = map[string]bool{
	"cs:ready":       true,
	"cs:planned":     true,
	"cs:in_progress": true,
}

// UpdateLabelsForPRState returns labels updated to reflect a review lifecycle
// transition: "merged" sets cs:merged and clears active/abandoned labels;
// "closed"/"abandoned" sets cs:abandoned and clears active/merged labels;
// any other state leaves labels untouched.
func UpdateLabelsForPRState(labels map[string]bool, prState string) map[string]bool {
	normalized := strings.ToLower(strings.TrimSpace(prState))
	updated := make(map[string]bool, len(labels))
	for k, v := range labels {
		updated[k] = v
	}
	switch normalized {
	case "merged":
		updated[labelMerged] = true
		delete(updated, labelAbandoned)
		for label := range activeChangesetLabels {
			delete(updated, label)
		}
	case "closed", "abandoned":
		updated[labelAbandoned] = true
		delete(updated, labelMerged)
		for label := range activeChangesetLabels {
			delete(updated, label)
		}
	}
	return updated
}

// Package ticket implements the lifecycle contract shared by planner and
// worker execution: canonical status resolution, work-role inference from
// graph shape, and runnability/claimability evaluation.
//
// Epic and changeset role are never stored fields — they are inferred from
// graph shape (parent linkage, child presence) plus issue type/labels, the
// same way beads.Issue carries no explicit "is this an epic" flag.
package ticket

import "strings"

// Review lifecycle states, ordered roughly by how far a PR has progressed.
const (
	ReviewPushed    = "pushed"
	ReviewDraftPR   = "draft-pr"
	ReviewPROpen    = "pr-open"
	ReviewInReview  = "in-review"
	ReviewApproved  = "approved"
	ReviewMerged    = "merged"
	ReviewClosed    = "closed"
	ReviewLocalOnly = "local-only"
)

// ActiveReviewStates are review states still awaiting integration.
var ActiveReviewStates = map[string]bool{
	ReviewDraftPR:  true,
	ReviewPROpen:   true,
	ReviewInReview: true,
	ReviewApproved: true,
}

// ActivePRLifecycleStates additionally include "pushed" (no PR opened yet).
var ActivePRLifecycleStates = unionWith(ActiveReviewStates, ReviewPushed)

// IntegratedReviewStates carry proof of merge/integration.
var IntegratedReviewStates = map[string]bool{ReviewMerged: true}

// TerminalUnintegratedReviewStates are terminal but never merged.
var TerminalUnintegratedReviewStates = map[string]bool{ReviewClosed: true}

func unionWith(base map[string]bool, extra ...string) map[string]bool {
	out := make(map[string]bool, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for _, k := range extra {
		out[k] = true
	}
	return out
}

// Canonical lifecycle statuses.
const (
	StatusDeferred   = "deferred"
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusClosed     = "closed"
)

// CanonicalLifecycleStatuses is the full canonical status set.
var CanonicalLifecycleStatuses = map[string]bool{
	StatusDeferred:   true,
	StatusOpen:       true,
	StatusInProgress: true,
	StatusBlocked:    true,
	StatusClosed:     true,
}

// ActiveLifecycleStatuses are statuses eligible for worker selection/execution.
var ActiveLifecycleStatuses = map[string]bool{
	StatusOpen:       true,
	StatusInProgress: true,
}

// TerminalChangesetLabels mark a changeset as fully resolved.
var TerminalChangesetLabels = map[string]bool{
	"cs:merged":    true,
	"cs:abandoned": true,
}

// SpecialNonWorkLabels mark an issue as explicitly not a work bead.
var SpecialNonWorkLabels = map[string]bool{
	"at:message": true,
	"at:agent":   true,
	"at:policy":  true,
}

// SpecialNonWorkTypes mirrors SpecialNonWorkLabels for legacy type-based issues.
var SpecialNonWorkTypes = map[string]bool{
	"message": true,
	"agent":   true,
	"policy":  true,
}

// WorkIssueTypes are issue types treated as executable work absent at:epic.
var WorkIssueTypes = map[string]bool{
	"epic":    true,
	"task":    true,
	"bug":     true,
	"feature": true,
}

var legacyStatusAliases = map[string]string{
	"ready":   StatusOpen,
	"planned": StatusDeferred,
	"hooked":  StatusInProgress,
	"done":    StatusClosed,
}

// WorkRoleInference is the derived work role for an issue, from graph shape
// and identity hints. Never persisted — always recomputed.
type WorkRoleInference struct {
	IsWork           bool
	IsEpic           bool
	IsChangeset      bool
	HasWorkChildren  bool
	ParentID         string
}

// IsLeaf reports whether the node has no work-bead children.
func (r WorkRoleInference) IsLeaf() bool {
	return !r.HasWorkChildren
}

// RunnableLeafEvaluation is the result of evaluating leaf runnability.
type RunnableLeafEvaluation struct {
	Runnable bool
	Status   string
	Role     WorkRoleInference
	Reasons  []string
}

// EpicClaimEvaluation is the result of evaluating top-level claimability.
type EpicClaimEvaluation struct {
	Claimable bool
	Status    string
	Role      WorkRoleInference
	Reasons   []string
}

func cleanText(value string) string {
	return strings.TrimSpace(value)
}

// NormalizeReviewState lower-cases a persisted PR review state, collapsing
// "null"/empty to "".
func NormalizeReviewState(value string) string {
	cleaned := cleanText(value)
	if cleaned == "" {
		return ""
	}
	lowered := strings.ToLower(cleaned)
	if lowered == "null" {
		return ""
	}
	return lowered
}

// IsActivePRLifecycleState reports whether a review state is still in flight.
func IsActivePRLifecycleState(reviewState string) bool {
	return ActivePRLifecycleStates[NormalizeReviewState(reviewState)]
}

// IsIntegratedReviewState reports whether a review state proves merge.
func IsIntegratedReviewState(reviewState string) bool {
	return IntegratedReviewStates[NormalizeReviewState(reviewState)]
}

// IsTerminalReviewWithoutIntegration reports a terminal-but-unmerged state.
func IsTerminalReviewWithoutIntegration(reviewState string) bool {
	return TerminalUnintegratedReviewStates[NormalizeReviewState(reviewState)]
}

// NormalizedLabels trims and dedupes a raw label slice.
func NormalizedLabels(raw []string) map[string]bool {
	out := make(map[string]bool, len(raw))
	for _, label := range raw {
		cleaned := cleanText(label)
		if cleaned != "" {
			out[cleaned] = true
		}
	}
	return out
}

// NormalizeStatusValue lower-cases a raw status, or "" when missing.
func NormalizeStatusValue(status string) string {
	cleaned := cleanText(status)
	if cleaned == "" {
		return ""
	}
	return strings.ToLower(cleaned)
}

// CanonicalLifecycleStatus resolves legacy aliases to canonical statuses.
// Unknown normalized values pass through unchanged for diagnostics.
func CanonicalLifecycleStatus(status string) string {
	normalized := NormalizeStatusValue(status)
	if normalized == "" {
		return ""
	}
	if CanonicalLifecycleStatuses[normalized] {
		return normalized
	}
	if alias, ok := legacyStatusAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// IsClosedStatus reports whether status resolves to canonical closed.
func IsClosedStatus(status string) bool {
	return CanonicalLifecycleStatus(status) == StatusClosed
}

// DependencySatisfiedParams are the inputs to DependencyIssueSatisfied.
type DependencySatisfiedParams struct {
	Status            string
	Labels            map[string]bool
	RequireIntegrated bool
	ReviewState       string
	IssueType         string
	// HasWorkChildren is a tri-state: nil means "unknown, infer from labels/type".
	HasWorkChildren *bool
}

// DependencyIssueSatisfied reports whether a dependency issue satisfies
// lifecycle gating for a dependent's runnability.
//
// When RequireIntegrated is set (sequential dependency contracts), a
// dependency that is itself a changeset must carry integration evidence
// (cs:merged label or a merged review state), not just a closed status.
func DependencyIssueSatisfied(p DependencySatisfiedParams) bool {
	if !IsClosedStatus(p.Status) {
		return false
	}
	if !p.RequireIntegrated {
		return true
	}
	issueTypeValue := NormalizeStatusValue(p.IssueType)
	var isChangeset bool
	if p.HasWorkChildren == nil {
		isChangeset = p.Labels["at:changeset"] || hasAnyTerminalChangesetLabel(p.Labels)
		if !isChangeset && WorkIssueTypes[issueTypeValue] && !p.Labels["at:epic"] {
			isChangeset = true
		}
	} else if !*p.HasWorkChildren {
		isChangeset = p.Labels["at:changeset"] || hasAnyTerminalChangesetLabel(p.Labels)
		if !isChangeset {
			isChangeset = IsWorkIssue(p.Labels, issueTypeValue)
		}
	}
	if !isChangeset {
		return true
	}
	if p.Labels["cs:merged"] {
		return true
	}
	return IsIntegratedReviewState(p.ReviewState)
}

func hasAnyTerminalChangesetLabel(labels map[string]bool) bool {
	for label := range TerminalChangesetLabels {
		if labels[label] {
			return true
		}
	}
	return false
}

// IsSpecialNonWorkIssue reports whether an issue is explicitly non-work by
// label or type.
func IsSpecialNonWorkIssue(labels map[string]bool, issueType string) bool {
	for label := range SpecialNonWorkLabels {
		if labels[label] {
			return true
		}
	}
	return SpecialNonWorkTypes[NormalizeStatusValue(issueType)]
}

// IsWorkIssue reports whether an issue should be treated as executable work.
func IsWorkIssue(labels map[string]bool, issueType string) bool {
	if IsSpecialNonWorkIssue(labels, issueType) {
		return false
	}
	if labels["at:epic"] {
		return true
	}
	return WorkIssueTypes[NormalizeStatusValue(issueType)]
}

// InferWorkRole infers epic/changeset role from graph shape and work identity.
// Top-level work nodes (no parent) are epics; leaf work nodes (no work
// children) are changesets; top-level leaves are both.
func InferWorkRole(labels map[string]bool, issueType, parentID string, hasWorkChildren bool) WorkRoleInference {
	parent := cleanText(parentID)
	isWork := IsWorkIssue(labels, issueType)
	isEpic := isWork && parent == ""
	isChangeset := isWork && !hasWorkChildren
	return WorkRoleInference{
		IsWork:          isWork,
		IsEpic:          isEpic,
		IsChangeset:     isChangeset,
		HasWorkChildren: hasWorkChildren,
		ParentID:        parent,
	}
}

// IsExecutableEpicIdentity reports whether an issue has executable epic
// identity: top-level work that also explicitly carries at:epic.
func IsExecutableEpicIdentity(labels map[string]bool, issueType, parentID string) bool {
	role := InferWorkRole(labels, issueType, parentID, false)
	return role.IsEpic && labels["at:epic"]
}

// EvaluateRunnableLeafParams are the inputs to EvaluateRunnableLeaf.
type EvaluateRunnableLeafParams struct {
	Status                string
	Labels                map[string]bool
	IssueType             string
	ParentID              string
	HasWorkChildren       bool
	DependenciesSatisfied bool
}

// EvaluateRunnableLeaf evaluates whether an issue is runnable as a leaf work
// item: must be work, must be a leaf (changeset), must have active canonical
// status, and all dependency blockers must be satisfied.
func EvaluateRunnableLeaf(p EvaluateRunnableLeafParams) RunnableLeafEvaluation {
	role := InferWorkRole(p.Labels, p.IssueType, p.ParentID, p.HasWorkChildren)
	canonicalStatus := CanonicalLifecycleStatus(p.Status)
	var reasons []string
	if !role.IsWork {
		reasons = append(reasons, "not-work-bead")
	}
	if !role.IsChangeset {
		reasons = append(reasons, "not-leaf-work")
	}
	if !ActiveLifecycleStatuses[canonicalStatus] {
		reasons = append(reasons, "status="+statusOrMissing(canonicalStatus))
	}
	if !p.DependenciesSatisfied {
		reasons = append(reasons, "dependencies-unsatisfied")
	}
	return RunnableLeafEvaluation{
		Runnable: len(reasons) == 0,
		Status:   canonicalStatus,
		Role:     role,
		Reasons:  reasons,
	}
}

// EvaluateEpicClaimability evaluates whether an issue is claimable as
// top-level executable work.
func EvaluateEpicClaimability(status string, labels map[string]bool, issueType, parentID string) EpicClaimEvaluation {
	role := InferWorkRole(labels, issueType, parentID, false)
	canonicalStatus := CanonicalLifecycleStatus(status)
	var reasons []string
	if !role.IsWork {
		reasons = append(reasons, "not-work-bead")
	}
	if !role.IsEpic {
		reasons = append(reasons, "not-top-level-work")
	}
	if !labels["at:epic"] {
		reasons = append(reasons, "missing-at:epic-label")
	}
	if !ActiveLifecycleStatuses[canonicalStatus] {
		reasons = append(reasons, "status="+statusOrMissing(canonicalStatus))
	}
	return EpicClaimEvaluation{
		Claimable: len(reasons) == 0,
		Status:    canonicalStatus,
		Role:      role,
		Reasons:   reasons,
	}
}

func statusOrMissing(status string) string {
	if status == "" {
		return "missing"
	}
	return status
}

// IsEligibleEpicStatus reports whether an epic status is eligible for worker
// selection. allowHooked accepts the legacy "hooked" status as in_progress.
func IsEligibleEpicStatus(status string, allowHooked bool) bool {
	normalized := NormalizeStatusValue(status)
	if normalized == "" {
		return true
	}
	if normalized == "hooked" && !allowHooked {
		return false
	}
	return ActiveLifecycleStatuses[CanonicalLifecycleStatus(status)]
}

// IsActiveRootBranchOwner reports whether root-branch ownership should still
// block reuse of that branch.
func IsActiveRootBranchOwner(status string) bool {
	canonicalStatus := CanonicalLifecycleStatus(status)
	switch canonicalStatus {
	case StatusClosed:
		return false
	case StatusDeferred, StatusOpen, StatusInProgress, StatusBlocked:
		return true
	default:
		return false
	}
}

// IsChangesetInProgress reports whether canonical status is in_progress.
func IsChangesetInProgress(status string) bool {
	return CanonicalLifecycleStatus(status) == StatusInProgress
}

// IsChangesetReadyParams are the inputs to IsChangesetReady.
type IsChangesetReadyParams struct {
	Status          string
	Labels          map[string]bool
	HasWorkChildren *bool
	IssueType       string
	ParentID        string
}

// IsChangesetReady reports whether a changeset is runnable based on graph
// role and status. When HasWorkChildren is unknown (nil), fails closed.
func IsChangesetReady(p IsChangesetReadyParams) bool {
	if p.HasWorkChildren == nil {
		return false
	}
	if *p.HasWorkChildren {
		return false
	}
	issueType := p.IssueType
	if issueType == "" {
		issueType = "task"
	}
	role := InferWorkRole(p.Labels, issueType, p.ParentID, false)
	if !role.IsChangeset {
		return false
	}
	return ActiveLifecycleStatuses[CanonicalLifecycleStatus(p.Status)]
}

// IsChangesetInReviewCandidateParams are the inputs to
// IsChangesetInReviewCandidate.
type IsChangesetInReviewCandidateParams struct {
	Labels            map[string]bool
	Status            string
	LiveState         *string
	StoredReviewState string
	HasWorkChildren   *bool
	IssueType         string
	ParentID          string
}

// IsChangesetInReviewCandidate reports whether review feedback should be
// checked for a changeset: it must be an active, non-closed leaf work item
// whose live (preferred) or stored review state is still active.
func IsChangesetInReviewCandidate(p IsChangesetInReviewCandidateParams) bool {
	if p.HasWorkChildren == nil {
		return false
	}
	if *p.HasWorkChildren {
		return false
	}
	issueType := p.IssueType
	if issueType == "" {
		issueType = "task"
	}
	role := InferWorkRole(p.Labels, issueType, p.ParentID, false)
	if !role.IsChangeset {
		return false
	}
	if IsClosedStatus(p.Status) {
		return false
	}
	if p.LiveState != nil {
		return ActiveReviewStates[*p.LiveState]
	}
	return ActiveReviewStates[NormalizeReviewState(p.StoredReviewState)]
}

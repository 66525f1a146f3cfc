// Package ghclient adapts GitHub pull request state into the lifecycle
// vocabulary the rest of the supervisor reasons in: pushed, draft-pr,
// pr-open, in-review, approved, merged, closed. Every lookup returns an
// explicit outcome (found/not_found/error) rather than nil, so callers never
// have to guess whether a missing PR means "doesn't exist yet" or
// "transient API failure".
package ghclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/sethvargo/go-retry"
)

// Outcome is the explicit result of a GitHub lookup.
type Outcome string

const (
	OutcomeFound    Outcome = "found"
	OutcomeNotFound Outcome = "not_found"
	OutcomeError    Outcome = "error"
)

// PRStatus is the subset of pull request fields the lifecycle and PR-gate
// packages need.
type PRStatus struct {
	Number           int
	State            string
	Merged           bool
	MergedAt         *time.Time
	ClosedAt         *time.Time
	IsDraft          bool
	ReviewDecision   string
	MergeStateStatus string
	Mergeable        string
	HeadSHA          string
	HeadRefName      string
	BaseRefName      string
	RequestedReviewers []Reviewer
}

// Reviewer identifies a requested reviewer.
type Reviewer struct {
	Login string
	IsBot bool
}

// PRLookup is the outcome of looking up a PR by head branch.
type PRLookup struct {
	Outcome Outcome
	PR      *PRStatus
	Err     string
}

// Client wraps the GitHub REST and GraphQL APIs with bounded retry, matching
// the typed command-boundary adapter this behavior is ported from.
type Client struct {
	rest    *github.Client
	graphql *githubv4.Client

	retryAttempts uint64
	retryBackoff  time.Duration

	cache *runtimeCache
}

// NewClient builds a Client authenticated with a personal access token or
// installation token.
func NewClient(ctx context.Context, token string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	return &Client{
		rest:          github.NewClient(httpClient),
		graphql:       githubv4.NewClient(httpClient),
		retryAttempts: 2,
		retryBackoff:  400 * time.Millisecond,
		cache:         newRuntimeCache(),
	}
}

var retryableErrorMarkers = []string{
	"timed out", "timeout", "temporarily unavailable", "connection reset",
	"connection refused", "connection aborted", "network", "tls",
	"rate limit", "502", "503", "504",
}

func isRetryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range retryableErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var attempt int64
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * c.retryBackoff, false
	})
	backoff := retry.WithMaxRetries(c.retryAttempts, linear)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryableMessage(err.Error()) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func splitRepoSlug(repoSlug string) (owner, name string, err error) {
	parts := strings.SplitN(repoSlug, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo slug %q, want owner/name", repoSlug)
	}
	return parts[0], parts[1], nil
}

func toPRStatus(pr *github.PullRequest) *PRStatus {
	status := &PRStatus{
		Number:      pr.GetNumber(),
		State:       pr.GetState(),
		Merged:      pr.GetMerged(),
		IsDraft:     pr.GetDraft(),
		Mergeable:   mergeableString(pr),
		HeadSHA:     pr.GetHead().GetSHA(),
		HeadRefName: pr.GetHead().GetRef(),
		BaseRefName: pr.GetBase().GetRef(),
	}
	if pr.MergedAt != nil {
		t := pr.GetMergedAt().Time
		status.MergedAt = &t
	}
	if pr.ClosedAt != nil {
		t := pr.GetClosedAt().Time
		status.ClosedAt = &t
	}
	for _, r := range pr.RequestedReviewers {
		if r == nil {
			continue
		}
		status.RequestedReviewers = append(status.RequestedReviewers, Reviewer{
			Login: r.GetLogin(),
			IsBot: isBotLogin(r.GetLogin()) || r.GetType() == "Bot",
		})
	}
	return status
}

func mergeableString(pr *github.PullRequest) string {
	if pr.Mergeable == nil {
		return "UNKNOWN"
	}
	if pr.GetMergeable() {
		return "MERGEABLE"
	}
	return "CONFLICTING"
}

func isBotLogin(login string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(login)), "[bot]")
}

// LookupPRStatus resolves the PR for a head branch, honoring the
// found/not_found/error outcome contract: a missing PR is a normal
// "not_found" result, not an error. More than one open PR on the same head
// branch fails closed with an "ambiguous PR lookup" error — the lifecycle
// model assumes one PR per work branch, and picking one silently would let
// the pipeline act on the wrong review state.
func (c *Client) LookupPRStatus(ctx context.Context, repoSlug, head string) PRLookup {
	detailed := c.LookupPRStatusDetailed(ctx, repoSlug, head)
	if detailed.Ambiguous {
		return PRLookup{
			Outcome: OutcomeError,
			Err:     fmt.Sprintf("ambiguous PR lookup: %d open pull requests for head %q", detailed.OpenCount, head),
		}
	}
	return detailed.PRLookup
}

// HasReviewRequests reports whether the PR has any non-bot requested
// reviewer.
func HasReviewRequests(status *PRStatus) bool {
	if status == nil {
		return false
	}
	for _, r := range status.RequestedReviewers {
		if !r.IsBot && r.Login != "" {
			return true
		}
	}
	return false
}

// FeedbackEvent is a single timestamped, non-bot reviewer signal used to
// compute the latest feedback timestamp.
type FeedbackEvent struct {
	AuthorLogin string
	IsBot       bool
	State       string // for reviews: COMMENTED, CHANGES_REQUESTED, APPROVED, ...
	Timestamp   time.Time
}

// LatestFeedbackTimestamp returns the most recent non-bot reviewer comment
// or "commented"/"changes requested" review timestamp, or nil if there is
// none. Approvals are intentionally excluded: an approval is not feedback
// requiring action.
func LatestFeedbackTimestamp(events []FeedbackEvent) *time.Time {
	var latest *time.Time
	for _, e := range events {
		if e.IsBot {
			continue
		}
		if e.State != "" {
			state := strings.ToUpper(e.State)
			if state != "COMMENTED" && state != "CHANGES_REQUESTED" {
				continue
			}
		}
		t := e.Timestamp
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest
}

type reviewThreadsQuery struct {
	Repository struct {
		PullRequest struct {
			ReviewThreads struct {
				Nodes []struct {
					IsResolved bool
				}
				PageInfo struct {
					HasNextPage bool
					EndCursor   githubv4.String
				}
			} `graphql:"reviewThreads(first: 100, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// UnresolvedReviewThreadCount returns the number of unresolved inline review
// threads on a PR, paginating through all threads via GraphQL. Returns nil
// when the count cannot be determined (GraphQL failure).
func (c *Client) UnresolvedReviewThreadCount(ctx context.Context, repoSlug string, prNumber int) (*int, error) {
	if prNumber <= 0 {
		return nil, nil
	}
	owner, name, err := splitRepoSlug(repoSlug)
	if err != nil {
		return nil, err
	}

	unresolved := 0
	var cursor *githubv4.String
	for {
		var q reviewThreadsQuery
		vars := map[string]interface{}{
			"owner":  githubv4.String(owner),
			"name":   githubv4.String(name),
			"number": githubv4.Int(prNumber),
			"cursor": cursor,
		}
		if err := c.graphql.Query(ctx, &q, vars); err != nil {
			return nil, fmt.Errorf("querying review threads: %w", err)
		}
		for _, node := range q.Repository.PullRequest.ReviewThreads.Nodes {
			if !node.IsResolved {
				unresolved++
			}
		}
		if !q.Repository.PullRequest.ReviewThreads.PageInfo.HasNextPage {
			break
		}
		endCursor := q.Repository.PullRequest.ReviewThreads.PageInfo.EndCursor
		cursor = &endCursor
	}
	return &unresolved, nil
}

// LifecycleState computes the review lifecycle state from PR status and
// push/review-request context. A nil status with pushed=true yields
// "pushed" (work is on the remote but has no PR yet); a nil status with
// pushed=false yields "" (nothing has happened yet).
func LifecycleState(status *PRStatus, pushed bool, reviewRequested bool) string {
	if status != nil {
		if status.MergedAt != nil {
			return "merged"
		}
		if status.ClosedAt != nil || strings.ToUpper(status.State) == "CLOSED" {
			return "closed"
		}
		if status.IsDraft {
			return "draft-pr"
		}
		if strings.ToUpper(status.ReviewDecision) == "APPROVED" {
			return "approved"
		}
		if reviewRequested {
			return "in-review"
		}
		return "pr-open"
	}
	if pushed {
		return "pushed"
	}
	return ""
}

var mergeStateConflict = map[string]bool{"DIRTY": true}
var mergeStateUnknown = map[string]bool{"UNKNOWN": true}
var mergeableConflict = map[string]bool{"CONFLICTING": true}
var mergeableUnknownSet = map[string]bool{"UNKNOWN": true}

// DefaultBranchHasMergeConflict reports the merge-conflict state for a PR
// against the default branch. Returns nil for missing/transient GitHub
// signals rather than guessing.
func DefaultBranchHasMergeConflict(status *PRStatus) *bool {
	if status == nil {
		return nil
	}
	trueVal, falseVal := true, false

	mergeState := strings.ToUpper(strings.TrimSpace(status.MergeStateStatus))
	if mergeState != "" {
		if mergeStateConflict[mergeState] {
			return &trueVal
		}
		if mergeStateUnknown[mergeState] {
			return nil
		}
		return &falseVal
	}

	mergeable := strings.ToUpper(strings.TrimSpace(status.Mergeable))
	if mergeable != "" {
		if mergeableConflict[mergeable] {
			return &trueVal
		}
		if mergeableUnknownSet[mergeable] {
			return nil
		}
		return &falseVal
	}
	return nil
}

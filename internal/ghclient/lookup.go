package ghclient

import (
	"context"
	"sort"

	"github.com/google/go-github/v66/github"
)

// AmbiguousPRLookup extends PRLookup with a flag for when more than one open
// PR exists for the same head branch. GitHub allows this (e.g. PRs against
// two different base branches); the lifecycle model assumes one PR per work
// branch, so callers surface this as a blocking condition rather than
// silently picking one.
type AmbiguousPRLookup struct {
	PRLookup
	Ambiguous   bool
	OpenCount   int
}

// LookupPRStatusDetailed lists every PR for a head branch (not just the
// most recent) and reports whether more than one is currently open. When no
// PR is open, it selects the most-recently-updated closed or merged PR so a
// finalize retry after a brief GitHub lag still sees the latest state.
func (c *Client) LookupPRStatusDetailed(ctx context.Context, repoSlug, head string) AmbiguousPRLookup {
	owner, name, err := splitRepoSlug(repoSlug)
	if err != nil {
		return AmbiguousPRLookup{PRLookup: PRLookup{Outcome: OutcomeError, Err: err.Error()}}
	}

	var all []*github.PullRequest
	listErr := c.withRetry(ctx, func(ctx context.Context) error {
		opts := &github.PullRequestListOptions{
			State:       "all",
			Head:        owner + ":" + head,
			Sort:        "updated",
			Direction:   "desc",
			ListOptions: github.ListOptions{PerPage: 50},
		}
		result, _, err := c.rest.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return err
		}
		all = result
		return nil
	})
	if listErr != nil {
		return AmbiguousPRLookup{PRLookup: PRLookup{Outcome: OutcomeError, Err: listErr.Error()}}
	}
	if len(all) == 0 {
		return AmbiguousPRLookup{PRLookup: PRLookup{Outcome: OutcomeNotFound}}
	}

	var open []*github.PullRequest
	for _, pr := range all {
		if pr.GetState() == "open" {
			open = append(open, pr)
		}
	}

	if len(open) > 1 {
		return AmbiguousPRLookup{
			PRLookup:  PRLookup{Outcome: OutcomeFound, PR: toPRStatus(open[0])},
			Ambiguous: true,
			OpenCount: len(open),
		}
	}
	if len(open) == 1 {
		return AmbiguousPRLookup{PRLookup: PRLookup{Outcome: OutcomeFound, PR: toPRStatus(open[0])}}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].GetUpdatedAt().After(all[j].GetUpdatedAt().Time)
	})
	return AmbiguousPRLookup{PRLookup: PRLookup{Outcome: OutcomeFound, PR: toPRStatus(all[0])}}
}

package ghclient

import (
	"context"
	"fmt"

	"github.com/google/go-github/v66/github"
)

// FetchFeedbackEvents gathers review submissions and inline review comments
// for a PR into a single FeedbackEvent list, paginating through both
// endpoints. Reviews carry their State (COMMENTED/CHANGES_REQUESTED/
// APPROVED/...); inline comments have no review state of their own, so they
// are recorded with State "COMMENTED" — a comment is always actionable
// feedback regardless of whether it's attached to a formal review.
func (c *Client) FetchFeedbackEvents(ctx context.Context, repoSlug string, prNumber int) ([]FeedbackEvent, error) {
	owner, name, err := splitRepoSlug(repoSlug)
	if err != nil {
		return nil, err
	}

	var events []FeedbackEvent

	opts := &github.ListOptions{PerPage: 100}
	for {
		var reviews []*github.PullRequestReview
		err := c.withRetry(ctx, func(ctx context.Context) error {
			result, resp, err := c.rest.PullRequests.ListReviews(ctx, owner, name, prNumber, opts)
			if err != nil {
				return err
			}
			reviews = result
			opts.Page = resp.NextPage
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing reviews for PR #%d: %w", prNumber, err)
		}
		for _, r := range reviews {
			login := r.GetUser().GetLogin()
			events = append(events, FeedbackEvent{
				AuthorLogin: login,
				IsBot:       isBotLogin(login) || r.GetUser().GetType() == "Bot",
				State:       r.GetState(),
				Timestamp:   r.GetSubmittedAt().Time,
			})
		}
		if opts.Page == 0 {
			break
		}
	}

	commentOpts := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		var comments []*github.PullRequestComment
		err := c.withRetry(ctx, func(ctx context.Context) error {
			result, resp, err := c.rest.PullRequests.ListComments(ctx, owner, name, prNumber, commentOpts)
			if err != nil {
				return err
			}
			comments = result
			commentOpts.Page = resp.NextPage
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing inline comments for PR #%d: %w", prNumber, err)
		}
		for _, cm := range comments {
			login := cm.GetUser().GetLogin()
			events = append(events, FeedbackEvent{
				AuthorLogin: login,
				IsBot:       isBotLogin(login) || cm.GetUser().GetType() == "Bot",
				State:       "COMMENTED",
				Timestamp:   cm.GetCreatedAt().Time,
			})
		}
		if commentOpts.Page == 0 {
			break
		}
	}

	return events, nil
}

// LatestFeedbackTimestampWithInlineComments fetches review and inline
// comment events for the PR and returns the feedback event carrying the most
// recent non-bot feedback timestamp, or nil when there is none.
func (c *Client) LatestFeedbackTimestampWithInlineComments(ctx context.Context, repoSlug string, prNumber int) (*FeedbackEvent, error) {
	events, err := c.FetchFeedbackEvents(ctx, repoSlug, prNumber)
	if err != nil {
		return nil, err
	}
	latest := LatestFeedbackTimestamp(events)
	if latest == nil {
		return nil, nil
	}
	for _, e := range events {
		if e.Timestamp.Equal(*latest) {
			event := e
			return &event, nil
		}
	}
	return nil, nil
}

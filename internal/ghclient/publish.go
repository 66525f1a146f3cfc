package ghclient

import (
	"context"
	"fmt"

	"github.com/google/go-github/v66/github"
)

// CreatePROptions describes a pull request to open.
type CreatePROptions struct {
	Head  string
	Base  string
	Title string
	Body  string
	Draft bool
}

// CreatePRResult is the outcome of a PR creation attempt.
type CreatePRResult struct {
	Number int
	URL    string
}

// CreatePR opens a new pull request for head against base. Returns an error
// rather than an Outcome because PR creation has no meaningful "not found"
// case — either it's created or the attempt failed.
func (c *Client) CreatePR(ctx context.Context, repoSlug string, opts CreatePROptions) (*CreatePRResult, error) {
	owner, name, err := splitRepoSlug(repoSlug)
	if err != nil {
		return nil, err
	}

	req := &github.NewPullRequest{
		Title: &opts.Title,
		Head:  &opts.Head,
		Base:  &opts.Base,
		Body:  &opts.Body,
		Draft: &opts.Draft,
	}

	var result *CreatePRResult
	createErr := c.withRetry(ctx, func(ctx context.Context) error {
		pr, _, err := c.rest.PullRequests.Create(ctx, owner, name, req)
		if err != nil {
			return err
		}
		result = &CreatePRResult{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}
		return nil
	})
	if createErr != nil {
		return nil, fmt.Errorf("creating pull request for %s: %w", opts.Head, createErr)
	}
	return result, nil
}

// UpdatePRBase repoints an existing pull request's base branch, used when a
// dependency parent's root branch changes after the child PR was opened.
func (c *Client) UpdatePRBase(ctx context.Context, repoSlug string, prNumber int, newBase string) error {
	owner, name, err := splitRepoSlug(repoSlug)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, func(ctx context.Context) error {
		_, _, err := c.rest.PullRequests.Edit(ctx, owner, name, prNumber, &github.PullRequest{
			Base: &github.PullRequestBranch{Ref: &newBase},
		})
		return err
	})
}

// Package prgate normalizes PR strategy values and decides whether a
// changeset may publish a PR given its dependency parent's review state.
package prgate

import (
	"errors"
	"strings"

	"github.com/shaug/atelier-sub000/internal/ticket"
)

// Strategy is one of the four supported PR publication strategies.
type Strategy string

// Supported strategy values.
const (
	Sequential       Strategy = "sequential"
	OnReady          Strategy = "on-ready"
	OnParentApproved Strategy = "on-parent-approved"
	Parallel         Strategy = "parallel"

	// Default is the strategy assumed when none is configured.
	Default = Sequential
)

var validStrategies = map[Strategy]bool{
	Sequential:       true,
	OnReady:          true,
	OnParentApproved: true,
	Parallel:         true,
}

// ErrInvalidStrategy is returned by NormalizeStrategy for unrecognized values.
var ErrInvalidStrategy = errors.New("pr_strategy must be one of: sequential, on-ready, on-parent-approved, parallel")

// NormalizeStrategy normalizes a raw strategy string, defaulting empty input
// to Default and rejecting anything else unrecognized.
func NormalizeStrategy(value string) (Strategy, error) {
	if value == "" {
		return Default, nil
	}
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(value), "_", "-"))
	if normalized == "" {
		return Default, nil
	}
	candidate := Strategy(normalized)
	if validStrategies[candidate] {
		return candidate, nil
	}
	return "", ErrInvalidStrategy
}

// Decision is the outcome of a PR strategy gate evaluation.
type Decision struct {
	Strategy    Strategy
	ParentState string
	AllowPR     bool
	Reason      string
}

// Decide returns the PR creation decision for a strategy given the parent
// changeset's current review lifecycle state ("" when there is no parent).
//
// Invalid strategy strings are treated as Default, matching the pipeline's
// fail-open-to-default posture for cosmetic configuration errors — actual
// gating safety comes from the reason string, which callers must still check.
func Decide(strategy string, parentState string) Decision {
	normalized, err := NormalizeStrategy(strategy)
	if err != nil {
		normalized = Default
	}
	if normalized == Parallel {
		return Decision{Strategy: normalized, ParentState: parentState, AllowPR: true, Reason: "strategy:" + string(normalized)}
	}

	parentStateNormalized := strings.ToLower(strings.TrimSpace(parentState))
	if parentStateNormalized == "" {
		return Decision{Strategy: normalized, ParentState: "", AllowPR: true, Reason: "no-parent"}
	}

	switch normalized {
	case OnReady:
		if parentStateNormalized == ticket.ReviewPushed {
			return Decision{Strategy: normalized, ParentState: parentStateNormalized, AllowPR: false, Reason: "blocked:" + parentStateNormalized}
		}
		return Decision{Strategy: normalized, ParentState: parentStateNormalized, AllowPR: true, Reason: "parent:" + parentStateNormalized}
	case OnParentApproved:
		switch parentStateNormalized {
		case ticket.ReviewApproved, ticket.ReviewMerged, ticket.ReviewClosed:
			return Decision{Strategy: normalized, ParentState: parentStateNormalized, AllowPR: true, Reason: "parent:" + parentStateNormalized}
		default:
			return Decision{Strategy: normalized, ParentState: parentStateNormalized, AllowPR: false, Reason: "blocked:" + parentStateNormalized}
		}
	default: // Sequential
		if ticket.IsIntegratedReviewState(parentStateNormalized) {
			return Decision{Strategy: normalized, ParentState: parentStateNormalized, AllowPR: true, Reason: "parent:" + parentStateNormalized}
		}
		return Decision{Strategy: normalized, ParentState: parentStateNormalized, AllowPR: false, Reason: "blocked:" + parentStateNormalized}
	}
}

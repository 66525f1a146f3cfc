// Package mailbox sends planner-facing notifications as message beads: a
// lightweight issue with type "message" that the planner's own inbox sweep
// picks up, rather than a side channel outside the ticket store.
package mailbox

import (
	"fmt"

	"github.com/shaug/atelier-sub000/internal/beads"
)

const messageIssueType = "message"

// Mailbox sends planner notifications by creating message beads against a
// target issue's parent context.
type Mailbox struct {
	store *beads.Store
}

// New builds a Mailbox over the given store.
func New(store *beads.Store) *Mailbox {
	return &Mailbox{store: store}
}

// Decision is the three-part shape every NEEDS-DECISION message renders as:
// a short subject line, a body giving the planner before/after context, and
// a single action sentence telling them what to do about it.
type Decision struct {
	Subject string
	Body    string
	Action  string
}

// description renders a Decision into the message bead body: context first,
// the action sentence last, so the planner's inbox view always ends on what
// to do rather than burying it above the fold.
func (d Decision) description() string {
	if d.Action == "" {
		return d.Body
	}
	return d.Body + "\n" + d.Action + "\n"
}

// NeedsDecisionNotification is a single NEEDS-DECISION planner message.
type NeedsDecisionNotification struct {
	// SubjectID is the epic or changeset the notification concerns.
	SubjectID string
	// Reason is a stable, greppable taxonomy string (see internal/finalize
	// reason constants) identifying why a decision is required.
	Reason string
	// Detail is a free-text human-readable explanation appended to the
	// reason line.
	Detail string
	// Actor attributes the message to the worker session that raised it.
	Actor string
	// Before and After optionally describe the state comparison that
	// triggered this notification (e.g. a review-feedback cursor that
	// didn't move between cycles). Both empty omits the comparison.
	Before string
	After  string
	// ActionSentence is a single imperative sentence telling the planner
	// what to do. Defaults to a generic review prompt when unset.
	ActionSentence string
}

func (n NeedsDecisionNotification) title() string {
	return fmt.Sprintf("NEEDS-DECISION: %s (%s)", n.SubjectID, n.Reason)
}

func (n NeedsDecisionNotification) description() string {
	return n.decision().description()
}

// decision renders n into the subject/body/action shape every NEEDS-DECISION
// message shares, regardless of which pipeline stage raised it.
func (n NeedsDecisionNotification) decision() Decision {
	body := fmt.Sprintf("subject: %s\nreason: %s\n", n.SubjectID, n.Reason)
	if n.Detail != "" {
		body += fmt.Sprintf("detail: %s\n", n.Detail)
	}
	if n.Before != "" || n.After != "" {
		body += fmt.Sprintf("before: %s\nafter: %s\n", n.Before, n.After)
	}
	action := n.ActionSentence
	if action == "" {
		action = "Review this changeset and record a decision before the next cycle."
	}
	return Decision{Subject: n.title(), Body: body, Action: action}
}

// SendNeedsDecision creates a message bead for a NEEDS-DECISION condition,
// parented under the subject issue so the planner's inbox view groups it
// with the work it concerns.
func (m *Mailbox) SendNeedsDecision(n NeedsDecisionNotification) (*beads.Issue, error) {
	d := n.decision()
	return m.store.Create(beads.CreateOptions{
		Title:       d.Subject,
		Type:        messageIssueType,
		Priority:    1,
		Description: d.description(),
		Parent:      n.SubjectID,
		Labels:      []string{"needs-decision"},
		Actor:       n.Actor,
	})
}

// PlannerNotification is a lower-priority informational message — progress
// updates, recoveries, and other signals that don't block work but the
// planner should see.
type PlannerNotification struct {
	SubjectID string
	Summary   string
	Detail    string
	Actor     string
}

// SendPlannerNotification creates an informational message bead.
func (m *Mailbox) SendPlannerNotification(n PlannerNotification) (*beads.Issue, error) {
	body := n.Summary
	if n.Detail != "" {
		body += "\n\n" + n.Detail
	}
	return m.store.Create(beads.CreateOptions{
		Title:       n.Summary,
		Type:        messageIssueType,
		Priority:    3,
		Description: body,
		Parent:      n.SubjectID,
		Actor:       n.Actor,
	})
}

// HasBlockingMessages reports whether any issue in messages is a message
// bead carrying the needs-decision label. Other issue types in the slice are
// ignored; status, read state and parent are not inspected.
func HasBlockingMessages(messages []*beads.Issue) bool {
	for _, msg := range messages {
		if msg.Type != messageIssueType {
			continue
		}
		if beads.HasLabel(msg, "needs-decision") {
			return true
		}
	}
	return false
}

// HasUnreadInbox reports whether any message bead addressed to this agent
// is still unread. A worker with unread mail exits for the operator to
// triage before it picks up new work.
func HasUnreadInbox(messages []*beads.Issue) bool {
	for _, msg := range messages {
		if msg.Type != messageIssueType {
			continue
		}
		if beads.HasLabel(msg, "at:unread") {
			return true
		}
	}
	return false
}

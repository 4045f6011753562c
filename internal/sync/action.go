// Package sync implements the issue synchronization engine: it turns one
// authenticated webhook delivery into a decision and a side-effecting
// action against the destination tracker.
package sync

// Action is the terminal decision for one delivery. Actions are per-event
// and never persisted.
type Action int

const (
	// ActionError covers malformed payloads and unhandled failures.
	ActionError Action = iota

	// ActionRejectedAuth means signature validation failed.
	ActionRejectedAuth

	// ActionIgnoredType means the issue type is not in the allow-list.
	ActionIgnoredType

	// ActionIgnoredNoTrigger means no trigger label is present or newly
	// added.
	ActionIgnoredNoTrigger

	// ActionIgnoredParentOnly means the update changed nothing but the
	// parent link.
	ActionIgnoredParentOnly

	// ActionIgnoredNoIssue means a comment event referenced a source key
	// with no destination issue.
	ActionIgnoredNoIssue

	// ActionAlreadySynced means a creation event found an existing
	// destination issue (redelivery protection).
	ActionAlreadySynced

	// ActionCreate creates a new destination issue.
	ActionCreate

	// ActionUpdateStatus refreshes labels, the body status block and the
	// open/closed state only.
	ActionUpdateStatus

	// ActionUpdateBody regenerates title, body and labels in full.
	ActionUpdateBody

	// ActionSyncComment appends or edits an attributed comment.
	ActionSyncComment
)

var actionNames = map[Action]string{
	ActionError:             "error",
	ActionRejectedAuth:      "rejected-auth",
	ActionIgnoredType:       "ignored-type",
	ActionIgnoredNoTrigger:  "ignored-no-trigger",
	ActionIgnoredParentOnly: "ignored-parent-only-change",
	ActionIgnoredNoIssue:    "ignored-no-issue",
	ActionAlreadySynced:     "already-synced",
	ActionCreate:            "create",
	ActionUpdateStatus:      "update-status",
	ActionUpdateBody:        "update-body",
	ActionSyncComment:       "sync-comment",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// Result is what the engine reports back to the transport layer.
type Result struct {
	Action Action

	// Status is the HTTP-equivalent status code.
	Status int

	// Message is a human-readable outcome description.
	Message string

	// IssueNumber is the destination issue involved, when one exists.
	IssueNumber int
}

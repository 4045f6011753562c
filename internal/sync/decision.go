package sync

import (
	"strings"

	"github.com/tethersync/tether/internal/config"
)

// contentFields are changelog field names whose change forces a full body
// regeneration. Anything else on a found issue takes the cheaper
// status-only path.
var contentFields = map[string]bool{
	"summary": true, "description": true, "assignee": true,
	"reporter": true, "attachment": true, "priority": true,
	"duedate": true,
}

// DecisionInput is everything the decision function looks at. Building it
// requires no side effects beyond the destination lookup, so every branch
// of the state machine is independently testable.
type DecisionInput struct {
	// CommentEvent distinguishes the comment path from the issue path.
	CommentEvent bool

	// Creation marks creation-type issue events.
	Creation bool

	// IssueType is the source issue type name.
	IssueType string

	// Labels is the source issue's current label set.
	Labels []string

	// TriggerJustAdded reports whether this update's changelog added a
	// trigger label.
	TriggerJustAdded bool

	// ChangedFields are the changelog field names of an update event.
	ChangedFields []string

	// Found reports whether the destination lookup located an issue.
	Found bool
}

// Decide maps one classified event to its terminal action. Signature
// validation and payload parsing happen before this function; their
// failures terminate processing without reaching it.
func Decide(in DecisionInput, policy config.SyncConfig) Action {
	if in.CommentEvent {
		if !in.Found {
			return ActionIgnoredNoIssue
		}
		return ActionSyncComment
	}

	if !containsFold(policy.AllowedTypes, in.IssueType) {
		return ActionIgnoredType
	}

	if parentOnlyChange(in.ChangedFields, policy.ParentChangeFields) {
		return ActionIgnoredParentOnly
	}

	if !hasTrigger(in.Labels, policy.TriggerLabels) && !in.TriggerJustAdded {
		return ActionIgnoredNoTrigger
	}

	if in.Found {
		if in.Creation {
			return ActionAlreadySynced
		}
		if contentChanged(in.ChangedFields) {
			return ActionUpdateBody
		}
		return ActionUpdateStatus
	}

	return ActionCreate
}

// parentOnlyChange reports whether the changelog contains changes and all
// of them are parent-link fields. The set of field names counting as a
// parent change is policy, not a hard invariant: sources differ in how
// they report hierarchy edits.
func parentOnlyChange(changed, parentFields []string) bool {
	if len(changed) == 0 {
		return false
	}
	for _, field := range changed {
		if !containsFold(parentFields, field) {
			return false
		}
	}
	return true
}

func contentChanged(changed []string) bool {
	for _, field := range changed {
		if contentFields[strings.ToLower(field)] {
			return true
		}
	}
	return false
}

func hasTrigger(labels, triggers []string) bool {
	for _, label := range labels {
		if containsFold(triggers, label) {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tethersync/tether/pkg/models"
)

// Event is the decoded body of one Jira webhook delivery.
type Event struct {
	WebhookEvent   string     `json:"webhookEvent"`
	IssueEventType string     `json:"issue_event_type_name"`
	Issue          *Issue     `json:"issue"`
	Comment        *Comment   `json:"comment"`
	Changelog      *Changelog `json:"changelog"`
}

// Issue is the issue object carried by issue and comment events.
type Issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields Fields `json:"fields"`
}

// Fields holds the issue fields the engine consumes. Custom fields are
// captured separately by the custom unmarshaller since their keys are not
// known ahead of time.
type Fields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	IssueType   NamedField      `json:"issuetype"`
	Status      StatusField     `json:"status"`
	Priority    *NamedField     `json:"priority"`
	Labels      []string        `json:"labels"`
	Assignee    *User           `json:"assignee"`
	Reporter    *User           `json:"reporter"`
	Parent      *ParentRef      `json:"parent"`
	Attachment  []AttachmentRef `json:"attachment"`

	// Custom maps customfield_* ids to their raw values.
	Custom map[string]json.RawMessage `json:"-"`
}

// NamedField is any field whose only interesting attribute is its name.
type NamedField struct {
	Name string `json:"name"`
}

// StatusField is the workflow status with its category.
type StatusField struct {
	Name           string `json:"name"`
	StatusCategory struct {
		Key string `json:"key"`
	} `json:"statusCategory"`
}

// User is a Jira user reference.
type User struct {
	AccountID    string `json:"accountId"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
}

// ParentRef is the back-reference to a parent issue.
type ParentRef struct {
	Key string `json:"key"`
}

// AttachmentRef is one attachment entry on the issue.
type AttachmentRef struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Comment is the comment object on comment events.
type Comment struct {
	ID     string          `json:"id"`
	Body   json.RawMessage `json:"body"`
	Author User            `json:"author"`
}

// Changelog lists the fields changed by an update event.
type Changelog struct {
	Items []ChangeItem `json:"items"`
}

// ChangeItem is one changed field.
type ChangeItem struct {
	Field      string `json:"field"`
	FieldID    string `json:"fieldId"`
	FromString string `json:"fromString"`
	ToString   string `json:"toString"`
}

// UnmarshalJSON decodes the declared fields and collects every
// customfield_* key into Custom.
func (f *Fields) UnmarshalJSON(data []byte) error {
	type alias Fields
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for key, value := range all {
		if strings.HasPrefix(key, "customfield_") && string(value) != "null" {
			if decoded.Custom == nil {
				decoded.Custom = make(map[string]json.RawMessage)
			}
			decoded.Custom[key] = value
		}
	}

	*f = Fields(decoded)
	return nil
}

// Parse decodes a raw webhook body.
func Parse(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	return &event, nil
}

// IsCommentEvent reports whether the delivery is about a comment rather
// than the issue itself.
func (e *Event) IsCommentEvent() bool {
	return strings.HasPrefix(e.WebhookEvent, "comment_")
}

// IsCommentUpdate reports whether an existing comment was edited.
func (e *Event) IsCommentUpdate() bool {
	return e.WebhookEvent == "comment_updated"
}

// IsCreation reports whether the delivery announces a newly created issue.
func (e *Event) IsCreation() bool {
	return e.WebhookEvent == "jira:issue_created" || e.IssueEventType == "issue_created"
}

// ChangedFields returns the changelog field names (fieldId when present,
// else the display field name) of an update event, empty otherwise.
func (e *Event) ChangedFields() []string {
	if e.Changelog == nil {
		return nil
	}
	fields := make([]string, 0, len(e.Changelog.Items))
	for _, item := range e.Changelog.Items {
		name := item.FieldID
		if name == "" {
			name = item.Field
		}
		fields = append(fields, name)
	}
	return fields
}

// LabelAdded reports whether the given label appears in the "to" side of
// a labels change in this event's changelog.
func (e *Event) LabelAdded(label string) bool {
	if e.Changelog == nil {
		return false
	}
	for _, item := range e.Changelog.Items {
		if !strings.EqualFold(item.Field, "labels") {
			continue
		}
		for _, l := range strings.Fields(item.ToString) {
			if strings.EqualFold(l, label) {
				return true
			}
		}
	}
	return false
}

// SourceIssue converts the payload's issue object into the engine's
// read-only snapshot model.
func (e *Event) SourceIssue() *models.SourceIssue {
	if e.Issue == nil {
		return nil
	}
	f := e.Issue.Fields

	issue := &models.SourceIssue{
		Key:            e.Issue.Key,
		Type:           f.IssueType.Name,
		Summary:        f.Summary,
		Description:    f.Description,
		Status:         f.Status.Name,
		StatusCategory: f.Status.StatusCategory.Key,
		Labels:         f.Labels,
		Assignee:       toIdentity(f.Assignee),
		Reporter:       toIdentity(f.Reporter),
		CustomFields:   f.Custom,
	}
	if f.Priority != nil {
		issue.Priority = f.Priority.Name
	}
	if f.Parent != nil {
		issue.ParentKey = f.Parent.Key
	}
	for _, a := range f.Attachment {
		issue.Attachments = append(issue.Attachments, models.Attachment{
			Filename:   a.Filename,
			ContentURL: a.Content,
		})
	}
	return issue
}

func toIdentity(u *User) *models.Identity {
	if u == nil {
		return nil
	}
	return &models.Identity{
		Email:       u.EmailAddress,
		DisplayName: u.DisplayName,
		AccountID:   u.AccountID,
	}
}

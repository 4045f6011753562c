package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tethersync/tether/internal/adf"
	"github.com/tethersync/tether/internal/attach"
	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/github"
	"github.com/tethersync/tether/internal/identity"
	"github.com/tethersync/tether/internal/logging"
	"github.com/tethersync/tether/internal/webhook"
	"github.com/tethersync/tether/pkg/models"
)

// Destination is the destination-tracker surface the engine drives.
// Satisfied by *github.Client.
type Destination interface {
	FindIssueByKey(ctx context.Context, repository, key, provenanceLabel string) (*models.DestinationIssue, error)
	FindIssueByKeyListing(ctx context.Context, repository, key, provenanceLabel string) (*models.DestinationIssue, error)
	CreateIssue(ctx context.Context, repository string, issue github.NewIssue) (*models.DestinationIssue, error)
	UpdateIssue(ctx context.Context, repository string, number int, changes github.IssueChanges) error
	CreateComment(ctx context.Context, repository string, number int, body string) (int64, error)
	UpdateComment(ctx context.Context, repository string, commentID int64, body string) error
	FindCommentByMarker(ctx context.Context, repository string, number int, marker string) (int64, bool, error)
	IsCollaborator(ctx context.Context, repository, login string) (bool, error)
	MilestoneExists(ctx context.Context, repository string, number int) (bool, error)
}

// Rehoster re-hosts attachments. Satisfied by *attach.Rehoster.
type Rehoster interface {
	ProcessAttachments(ctx context.Context, repository string, attachments []models.Attachment) []models.AttachmentRecord
}

// FieldResolver resolves source field names. Satisfied by
// *jira.FieldResolver.
type FieldResolver interface {
	ResolveFieldNames(ctx context.Context, names []string) []string
	FieldName(ctx context.Context, id string) string
}

// Engine orchestrates one webhook delivery end to end. All state is owned
// by the invocation; concurrent deliveries share nothing but the field
// cache behind FieldResolver.
type Engine struct {
	dest     Destination
	rehoster Rehoster
	fields   FieldResolver
	cfg      *config.Config
}

// NewEngine wires the engine. rehoster and fields may be nil when the
// source-system credentials are not configured; the engine then degrades
// to source-URL attachment links and skips custom field rendering.
func NewEngine(dest Destination, rehoster Rehoster, fields FieldResolver, cfg *config.Config) *Engine {
	return &Engine{dest: dest, rehoster: rehoster, fields: fields, cfg: cfg}
}

// Handle processes one raw delivery: authenticate, parse, classify,
// decide, act.
func (e *Engine) Handle(ctx context.Context, body []byte, header http.Header, query url.Values) Result {
	if err := webhook.ValidateSignature(body, header, query, e.cfg.Webhook.Secret); err != nil {
		logging.Warn("rejected webhook delivery", "error", err)
		return Result{Action: ActionRejectedAuth, Status: http.StatusUnauthorized, Message: "signature validation failed"}
	}

	event, err := webhook.Parse(body)
	if err != nil {
		return Result{Action: ActionError, Status: http.StatusBadRequest, Message: "malformed payload"}
	}

	if event.IsCommentEvent() {
		return e.handleComment(ctx, event)
	}
	if event.Issue == nil {
		return Result{Action: ActionError, Status: http.StatusBadRequest, Message: "payload missing issue"}
	}
	return e.handleIssue(ctx, event)
}

// handleIssue runs the issue-event path of the decision machine.
func (e *Engine) handleIssue(ctx context.Context, event *webhook.Event) Result {
	issue := event.SourceIssue()
	repository := e.cfg.GitHub.Repository

	in := DecisionInput{
		Creation:         event.IsCreation(),
		IssueType:        issue.Type,
		Labels:           issue.Labels,
		TriggerJustAdded: e.triggerJustAdded(event),
		ChangedFields:    event.ChangedFields(),
	}

	// Pre-lookup branches first: an ignored event must not touch the
	// destination at all.
	switch action := Decide(in, e.cfg.Sync); action {
	case ActionIgnoredType, ActionIgnoredParentOnly, ActionIgnoredNoTrigger:
		logging.Info("ignoring issue event", "key", issue.Key, "action", action.String())
		return Result{Action: action, Status: http.StatusOK, Message: "event ignored: " + action.String()}
	}

	existing, err := e.dest.FindIssueByKey(ctx, repository, issue.Key, e.cfg.Sync.ProvenanceLabel)
	if err != nil {
		logging.Error("destination lookup failed", "key", issue.Key, "error", err)
		return Result{Action: ActionError, Status: http.StatusBadGateway, Message: "destination lookup failed"}
	}
	in.Found = existing != nil

	switch action := Decide(in, e.cfg.Sync); action {
	case ActionAlreadySynced:
		logging.Info("issue already synchronized", "key", issue.Key, "number", existing.Number)
		return Result{Action: action, Status: http.StatusOK, Message: "issue already synchronized", IssueNumber: existing.Number}
	case ActionUpdateBody:
		return e.updateBody(ctx, issue, existing)
	case ActionUpdateStatus:
		return e.updateStatus(ctx, issue, existing)
	case ActionCreate:
		return e.create(ctx, issue)
	default:
		return Result{Action: ActionError, Status: http.StatusInternalServerError, Message: "unhandled decision"}
	}
}

// create builds and creates the destination issue, re-checking existence
// immediately before the mutating call. The re-check shrinks, not
// eliminates, the duplicate window between concurrent deliveries.
func (e *Engine) create(ctx context.Context, issue *models.SourceIssue) Result {
	repository := e.cfg.GitHub.Repository

	records := e.processAttachments(ctx, issue)
	request := github.NewIssue{
		Title:     IssueTitle(issue),
		Body:      RenderBody(ctx, issue, records, e.fields, e.cfg.Sync),
		Labels:    identity.MapLabels(issue.Labels, e.cfg.Sync.LabelMap, e.cfg.Sync.ProvenanceLabel),
		Assignees: e.validAssignees(ctx, issue),
		Milestone: e.validMilestone(ctx),
	}

	// Race-safe create: the listing is consistent where search is not.
	if again, err := e.dest.FindIssueByKeyListing(ctx, repository, issue.Key, e.cfg.Sync.ProvenanceLabel); err == nil && again != nil {
		logging.Info("concurrent delivery already created issue", "key", issue.Key, "number", again.Number)
		return Result{Action: ActionAlreadySynced, Status: http.StatusOK, Message: "issue already synchronized", IssueNumber: again.Number}
	}

	created, err := e.dest.CreateIssue(ctx, repository, request)
	if err != nil {
		logging.Error("issue creation failed", "key", issue.Key, "error", err)
		return Result{Action: ActionError, Status: http.StatusBadGateway, Message: "destination issue creation failed"}
	}

	if issue.ParentKey != "" {
		e.linkParent(ctx, issue, created)
	}

	return Result{Action: ActionCreate, Status: http.StatusCreated, Message: "issue created", IssueNumber: created.Number}
}

// updateBody regenerates title, body, labels, assignees and state.
func (e *Engine) updateBody(ctx context.Context, issue *models.SourceIssue, existing *models.DestinationIssue) Result {
	repository := e.cfg.GitHub.Repository

	records := e.processAttachments(ctx, issue)
	title := IssueTitle(issue)
	body := RenderBody(ctx, issue, records, e.fields, e.cfg.Sync)
	labels := identity.MapLabels(issue.Labels, e.cfg.Sync.LabelMap, e.cfg.Sync.ProvenanceLabel)
	assignees := e.validAssignees(ctx, issue)
	state := stateFor(issue)

	changes := github.IssueChanges{Title: &title, Body: &body, Labels: &labels, State: &state}
	if len(assignees) > 0 {
		changes.Assignees = &assignees
	}

	if err := e.dest.UpdateIssue(ctx, repository, existing.Number, changes); err != nil {
		logging.Error("issue update failed", "key", issue.Key, "number", existing.Number, "error", err)
		return Result{Action: ActionError, Status: http.StatusBadGateway, Message: "destination issue update failed"}
	}

	return Result{Action: ActionUpdateBody, Status: http.StatusOK, Message: "issue updated", IssueNumber: existing.Number}
}

// updateStatus is the cheap path: labels, the body status row and the
// open/closed state, leaving the rest of the body untouched.
func (e *Engine) updateStatus(ctx context.Context, issue *models.SourceIssue, existing *models.DestinationIssue) Result {
	repository := e.cfg.GitHub.Repository

	body := PatchStatusLine(existing.Body, issue.Status)
	labels := identity.MapLabels(issue.Labels, e.cfg.Sync.LabelMap, e.cfg.Sync.ProvenanceLabel)
	state := stateFor(issue)

	changes := github.IssueChanges{Body: &body, Labels: &labels, State: &state}
	if err := e.dest.UpdateIssue(ctx, repository, existing.Number, changes); err != nil {
		logging.Error("status update failed", "key", issue.Key, "number", existing.Number, "error", err)
		return Result{Action: ActionError, Status: http.StatusBadGateway, Message: "destination issue update failed"}
	}

	return Result{Action: ActionUpdateStatus, Status: http.StatusOK, Message: "issue status updated", IssueNumber: existing.Number}
}

// handleComment syncs a source comment onto the existing destination
// issue. The hidden marker carrying the source comment id makes replays
// and edits idempotent: a matching synced comment is edited in place.
func (e *Engine) handleComment(ctx context.Context, event *webhook.Event) Result {
	if event.Issue == nil || event.Comment == nil {
		return Result{Action: ActionError, Status: http.StatusBadRequest, Message: "payload missing issue or comment"}
	}
	repository := e.cfg.GitHub.Repository
	key := event.Issue.Key

	existing, err := e.dest.FindIssueByKey(ctx, repository, key, e.cfg.Sync.ProvenanceLabel)
	if err != nil {
		logging.Error("destination lookup failed", "key", key, "error", err)
		return Result{Action: ActionError, Status: http.StatusBadGateway, Message: "destination lookup failed"}
	}
	if existing == nil {
		logging.Info("no corresponding issue for comment", "key", key)
		return Result{Action: ActionIgnoredNoIssue, Status: http.StatusOK, Message: "no corresponding issue"}
	}

	marker := commentMarker(event.Comment.ID)
	body := renderComment(marker, event, e.cfg.Sync)

	commentID, found, err := e.dest.FindCommentByMarker(ctx, repository, existing.Number, marker)
	if err != nil {
		logging.Error("comment listing failed", "key", key, "number", existing.Number, "error", err)
		return Result{Action: ActionError, Status: http.StatusBadGateway, Message: "destination comment lookup failed"}
	}

	if found {
		if err := e.dest.UpdateComment(ctx, repository, commentID, body); err != nil {
			logging.Error("comment update failed", "key", key, "comment_id", commentID, "error", err)
			return Result{Action: ActionError, Status: http.StatusBadGateway, Message: "destination comment update failed"}
		}
		return Result{Action: ActionSyncComment, Status: http.StatusCreated, Message: "comment updated", IssueNumber: existing.Number}
	}

	if _, err := e.dest.CreateComment(ctx, repository, existing.Number, body); err != nil {
		logging.Error("comment creation failed", "key", key, "number", existing.Number, "error", err)
		return Result{Action: ActionError, Status: http.StatusBadGateway, Message: "destination comment creation failed"}
	}
	return Result{Action: ActionSyncComment, Status: http.StatusCreated, Message: "comment synchronized", IssueNumber: existing.Number}
}

// linkParent posts cross-referencing comments between a new child issue
// and its parent's destination issue. A missing parent is logged and
// skipped; linking never fails the create.
func (e *Engine) linkParent(ctx context.Context, issue *models.SourceIssue, created *models.DestinationIssue) {
	repository := e.cfg.GitHub.Repository

	parent, err := e.dest.FindIssueByKey(ctx, repository, issue.ParentKey, e.cfg.Sync.ProvenanceLabel)
	if err != nil || parent == nil {
		logging.Warn("parent issue not found, skipping link",
			"key", issue.Key, "parent_key", issue.ParentKey, "error", err)
		return
	}

	childNote := fmt.Sprintf("Parent task: %s (#%d)", issue.ParentKey, parent.Number)
	if _, err := e.dest.CreateComment(ctx, repository, created.Number, childNote); err != nil {
		logging.Warn("failed to comment on child issue", "number", created.Number, "error", err)
	}

	parentNote := fmt.Sprintf("Subtask %s: #%d", issue.Key, created.Number)
	if _, err := e.dest.CreateComment(ctx, repository, parent.Number, parentNote); err != nil {
		logging.Warn("failed to comment on parent issue", "number", parent.Number, "error", err)
	}
}

// processAttachments re-hosts attachments, or links source URLs when no
// rehoster is configured.
func (e *Engine) processAttachments(ctx context.Context, issue *models.SourceIssue) []models.AttachmentRecord {
	if len(issue.Attachments) == 0 {
		return nil
	}
	if e.rehoster != nil {
		return e.rehoster.ProcessAttachments(ctx, e.cfg.GitHub.Repository, issue.Attachments)
	}

	records := make([]models.AttachmentRecord, 0, len(issue.Attachments))
	for _, a := range issue.Attachments {
		records = append(records, models.AttachmentRecord{
			OriginalFilename:  a.Filename,
			SanitizedFilename: attach.SanitizeFilename(a.Filename),
			SourceURL:         a.ContentURL,
			DestinationURL:    a.ContentURL,
		})
	}
	return records
}

// validAssignees resolves the source assignee to destination logins and
// keeps only those assignable in the repository. Validation failures
// degrade to body text only.
func (e *Engine) validAssignees(ctx context.Context, issue *models.SourceIssue) []string {
	mapping := identity.ResolveUser(issue.Assignee, e.cfg.Sync.UserMap)
	if !mapping.Mapped {
		return nil
	}

	var assignees []string
	for _, login := range mapping.Usernames {
		ok, err := e.dest.IsCollaborator(ctx, e.cfg.GitHub.Repository, login)
		if err != nil {
			logging.Warn("assignee validation failed, dropping assignee", "login", login, "error", err)
			continue
		}
		if !ok {
			logging.Warn("mapped assignee is not a collaborator, dropping", "login", login)
			continue
		}
		assignees = append(assignees, login)
	}
	return assignees
}

// validMilestone returns the configured milestone when it exists in the
// repository, zero otherwise. Validation failures degrade to no
// milestone.
func (e *Engine) validMilestone(ctx context.Context) int {
	number := e.cfg.Sync.Milestone
	if number <= 0 {
		return 0
	}

	ok, err := e.dest.MilestoneExists(ctx, e.cfg.GitHub.Repository, number)
	if err != nil {
		logging.Warn("milestone validation failed, dropping milestone", "milestone", number, "error", err)
		return 0
	}
	if !ok {
		logging.Warn("configured milestone does not exist, dropping", "milestone", number)
		return 0
	}
	return number
}

// triggerJustAdded reports whether this event's changelog added any
// configured trigger label.
func (e *Engine) triggerJustAdded(event *webhook.Event) bool {
	for _, trigger := range e.cfg.Sync.TriggerLabels {
		if event.LabelAdded(trigger) {
			return true
		}
	}
	return false
}

// stateFor maps the source status category to the destination state.
func stateFor(issue *models.SourceIssue) string {
	if issue.StatusCategory == "done" {
		return "closed"
	}
	return "open"
}

// commentMarker is the hidden marker embedded in synced comments.
func commentMarker(sourceCommentID string) string {
	return fmt.Sprintf("<!-- tether:comment:%s -->", sourceCommentID)
}

// renderComment builds the attributed comment body.
func renderComment(marker string, event *webhook.Event, policy config.SyncConfig) string {
	author := &models.Identity{
		Email:       event.Comment.Author.EmailAddress,
		DisplayName: event.Comment.Author.DisplayName,
		AccountID:   event.Comment.Author.AccountID,
	}

	who := formatPerson(author, policy.UserMap)
	if who == "" {
		who = "A Jira user"
	}

	text := adf.Extract(event.Comment.Body, policy.UserMap)
	return fmt.Sprintf("%s\n**%s** commented in Jira:\n\n%s", marker, who, text)
}

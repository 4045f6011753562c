package sync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/github"
	"github.com/tethersync/tether/pkg/models"
)

// mockDestination implements Destination with func fields.
type mockDestination struct {
	FindIssueByKeyFunc        func(key string) (*models.DestinationIssue, error)
	FindIssueByKeyListingFunc func(key string) (*models.DestinationIssue, error)
	CreateIssueFunc           func(issue github.NewIssue) (*models.DestinationIssue, error)
	UpdateIssueFunc           func(number int, changes github.IssueChanges) error
	CreateCommentFunc         func(number int, body string) (int64, error)
	UpdateCommentFunc         func(commentID int64, body string) error
	FindCommentByMarkerFunc   func(number int, marker string) (int64, bool, error)

	lookups  int
	creates  int
	updates  int
	comments int
}

func (m *mockDestination) FindIssueByKey(ctx context.Context, repository, key, provenance string) (*models.DestinationIssue, error) {
	m.lookups++
	if m.FindIssueByKeyFunc != nil {
		return m.FindIssueByKeyFunc(key)
	}
	return nil, nil
}

func (m *mockDestination) FindIssueByKeyListing(ctx context.Context, repository, key, provenance string) (*models.DestinationIssue, error) {
	if m.FindIssueByKeyListingFunc != nil {
		return m.FindIssueByKeyListingFunc(key)
	}
	return nil, nil
}

func (m *mockDestination) CreateIssue(ctx context.Context, repository string, issue github.NewIssue) (*models.DestinationIssue, error) {
	m.creates++
	if m.CreateIssueFunc != nil {
		return m.CreateIssueFunc(issue)
	}
	return &models.DestinationIssue{Number: 1, Title: issue.Title, Body: issue.Body, Labels: issue.Labels}, nil
}

func (m *mockDestination) UpdateIssue(ctx context.Context, repository string, number int, changes github.IssueChanges) error {
	m.updates++
	if m.UpdateIssueFunc != nil {
		return m.UpdateIssueFunc(number, changes)
	}
	return nil
}

func (m *mockDestination) CreateComment(ctx context.Context, repository string, number int, body string) (int64, error) {
	m.comments++
	if m.CreateCommentFunc != nil {
		return m.CreateCommentFunc(number, body)
	}
	return 900, nil
}

func (m *mockDestination) UpdateComment(ctx context.Context, repository string, commentID int64, body string) error {
	if m.UpdateCommentFunc != nil {
		return m.UpdateCommentFunc(commentID, body)
	}
	return nil
}

func (m *mockDestination) FindCommentByMarker(ctx context.Context, repository string, number int, marker string) (int64, bool, error) {
	if m.FindCommentByMarkerFunc != nil {
		return m.FindCommentByMarkerFunc(number, marker)
	}
	return 0, false, nil
}

func (m *mockDestination) IsCollaborator(ctx context.Context, repository, login string) (bool, error) {
	return true, nil
}

func (m *mockDestination) MilestoneExists(ctx context.Context, repository string, number int) (bool, error) {
	return true, nil
}

func testConfig() *config.Config {
	return &config.Config{
		GitHub: config.GitHubConfig{
			Token:      "t",
			Repository: "octocat/dest",
		},
		Sync: config.SyncConfig{
			TriggerLabels:      []string{"create-github"},
			AllowedTypes:       []string{"Story", "Task", "Bug"},
			ParentChangeFields: []string{"parent", "IssueParentAssociation"},
			ProvenanceLabel:    "tether",
			ReleaseTag:         "jira-attachments",
		},
	}
}

func testEngine(dest Destination) *Engine {
	return NewEngine(dest, nil, nil, testConfig())
}

func storyPayload(webhookEvent, eventType string, extra string) []byte {
	return []byte(fmt.Sprintf(`{
		"webhookEvent": %q,
		"issue_event_type_name": %q,
		"issue": {
			"key": "PROJ-123",
			"fields": {
				"summary": "Checkout page crashes",
				"issuetype": {"name": "Story"},
				"status": {"name": "To Do", "statusCategory": {"key": "new"}},
				"priority": {"name": "High"},
				"labels": ["create-github"]
			}
		}%s
	}`, webhookEvent, eventType, extra))
}

func handle(e *Engine, body []byte) Result {
	return e.Handle(context.Background(), body, http.Header{}, url.Values{})
}

// Scenario: a triggered Story with no existing destination issue is
// created, and the body carries the key, status and priority lines.
func TestHandleCreatesIssue(t *testing.T) {
	var got github.NewIssue
	dest := &mockDestination{
		CreateIssueFunc: func(issue github.NewIssue) (*models.DestinationIssue, error) {
			got = issue
			return &models.DestinationIssue{Number: 7, Title: issue.Title, Body: issue.Body}, nil
		},
	}

	result := handle(testEngine(dest), storyPayload("jira:issue_created", "issue_created", ""))

	assert.Equal(t, ActionCreate, result.Action)
	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Equal(t, 7, result.IssueNumber)
	assert.Equal(t, 1, dest.creates)

	assert.Equal(t, "PROJ-123: Checkout page crashes", got.Title)
	assert.Contains(t, got.Body, "**Jira ID:** PROJ-123")
	assert.Contains(t, got.Body, "**Status:** To Do")
	assert.Contains(t, got.Body, "**Priority:** High")
	assert.Contains(t, got.Labels, "create-github")
	assert.Contains(t, got.Labels, "tether")
}

// Scenario: replaying the creation event after the issue exists yields
// the same destination number and no second create.
func TestHandleCreationReplayIsIdempotent(t *testing.T) {
	created := &models.DestinationIssue{Number: 7, Title: "PROJ-123: Checkout page crashes"}
	dest := &mockDestination{
		FindIssueByKeyFunc: func(key string) (*models.DestinationIssue, error) {
			return created, nil
		},
	}

	result := handle(testEngine(dest), storyPayload("jira:issue_created", "issue_created", ""))

	assert.Equal(t, ActionAlreadySynced, result.Action)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, 7, result.IssueNumber)
	assert.Zero(t, dest.creates)
}

// Scenario: an update whose changelog contains only a parent change is
// suppressed before any destination call.
func TestHandleParentOnlyChangeIgnored(t *testing.T) {
	dest := &mockDestination{}
	changelog := `,
	"changelog": {"items": [{"field": "IssueParentAssociation", "toString": "PROJ-100"}]}`

	result := handle(testEngine(dest), storyPayload("jira:issue_updated", "issue_updated", changelog))

	assert.Equal(t, ActionIgnoredParentOnly, result.Action)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Zero(t, dest.lookups, "no destination call may be made")
}

// Scenario: a comment event for a key with no destination issue reports
// "no corresponding issue" and posts nothing.
func TestHandleCommentWithoutIssue(t *testing.T) {
	dest := &mockDestination{}
	payload := []byte(`{
		"webhookEvent": "comment_created",
		"issue": {"key": "PROJ-999", "fields": {"summary": "x", "issuetype": {"name": "Story"}, "status": {"name": "To Do", "statusCategory": {"key": "new"}}}},
		"comment": {"id": "5001", "body": "hello", "author": {"displayName": "Jane Doe"}}
	}`)

	result := handle(testEngine(dest), payload)

	assert.Equal(t, ActionIgnoredNoIssue, result.Action)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "no corresponding issue", result.Message)
	assert.Zero(t, dest.comments)
}

// Scenario: two concurrent creation deliveries; the second loses the
// race and resolves to the first's issue via the pre-create re-check.
func TestHandleRaceSafeCreate(t *testing.T) {
	winner := &models.DestinationIssue{Number: 7}
	dest := &mockDestination{
		// Search-backed lookup is stale and sees nothing.
		FindIssueByKeyFunc: func(key string) (*models.DestinationIssue, error) {
			return nil, nil
		},
		// The listing re-check sees the winner's issue.
		FindIssueByKeyListingFunc: func(key string) (*models.DestinationIssue, error) {
			return winner, nil
		},
	}

	result := handle(testEngine(dest), storyPayload("jira:issue_created", "issue_created", ""))

	assert.Equal(t, ActionAlreadySynced, result.Action)
	assert.Equal(t, 7, result.IssueNumber)
	assert.Zero(t, dest.creates, "the losing delivery must not create a duplicate")
}

// Scenario: an HMAC mismatch is rejected with 401 before any processing.
func TestHandleRejectsBadSignature(t *testing.T) {
	cfg := testConfig()
	cfg.Webhook.Secret = "shhh"
	dest := &mockDestination{}
	e := NewEngine(dest, nil, nil, cfg)

	mac := hmac.New(sha256.New, []byte("wrong-secret"))
	body := storyPayload("jira:issue_created", "issue_created", "")
	mac.Write(body)
	header := http.Header{}
	header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	result := e.Handle(context.Background(), body, header, url.Values{})

	assert.Equal(t, ActionRejectedAuth, result.Action)
	assert.Equal(t, http.StatusUnauthorized, result.Status)
	assert.Zero(t, dest.lookups)
}

func TestHandleMalformedPayload(t *testing.T) {
	result := handle(testEngine(&mockDestination{}), []byte(`{"webhookEvent": `))
	assert.Equal(t, ActionError, result.Action)
	assert.Equal(t, http.StatusBadRequest, result.Status)
}

func TestHandleIgnoredType(t *testing.T) {
	payload := []byte(`{
		"webhookEvent": "jira:issue_created",
		"issue": {"key": "PROJ-5", "fields": {
			"summary": "x",
			"issuetype": {"name": "Epic"},
			"status": {"name": "To Do", "statusCategory": {"key": "new"}},
			"labels": ["create-github"]
		}}
	}`)

	result := handle(testEngine(&mockDestination{}), payload)
	assert.Equal(t, ActionIgnoredType, result.Action)
	assert.Equal(t, http.StatusOK, result.Status)
}

func TestHandleUpdateStatusPath(t *testing.T) {
	existing := &models.DestinationIssue{
		Number: 7,
		Body:   "**Jira ID:** PROJ-123\n**Status:** To Do\n\n---\n\ndetails",
	}
	var gotChanges github.IssueChanges
	dest := &mockDestination{
		FindIssueByKeyFunc: func(key string) (*models.DestinationIssue, error) {
			return existing, nil
		},
		UpdateIssueFunc: func(number int, changes github.IssueChanges) error {
			gotChanges = changes
			return nil
		},
	}

	changelog := `,
	"changelog": {"items": [{"field": "status", "fromString": "To Do", "toString": "In Progress"}]}`
	payload := []byte(`{
		"webhookEvent": "jira:issue_updated",
		"issue_event_type_name": "issue_updated",
		"issue": {"key": "PROJ-123", "fields": {
			"summary": "Checkout page crashes",
			"issuetype": {"name": "Story"},
			"status": {"name": "In Progress", "statusCategory": {"key": "indeterminate"}},
			"labels": ["create-github"]
		}}` + changelog + `
	}`)

	result := handle(testEngine(dest), payload)

	assert.Equal(t, ActionUpdateStatus, result.Action)
	assert.Equal(t, 1, dest.updates)
	require.NotNil(t, gotChanges.Body)
	assert.Contains(t, *gotChanges.Body, "**Status:** In Progress")
	assert.Contains(t, *gotChanges.Body, "details", "description block must survive the cheap path")
	require.NotNil(t, gotChanges.State)
	assert.Equal(t, "open", *gotChanges.State)
	assert.Nil(t, gotChanges.Title, "cheap path must not rewrite the title")
}

func TestHandleUpdateBodyPath(t *testing.T) {
	existing := &models.DestinationIssue{Number: 7, Body: "old"}
	var gotChanges github.IssueChanges
	dest := &mockDestination{
		FindIssueByKeyFunc: func(key string) (*models.DestinationIssue, error) {
			return existing, nil
		},
		UpdateIssueFunc: func(number int, changes github.IssueChanges) error {
			gotChanges = changes
			return nil
		},
	}

	changelog := `,
	"changelog": {"items": [{"field": "description"}]}`
	result := handle(testEngine(dest), storyPayload("jira:issue_updated", "issue_updated", changelog))

	assert.Equal(t, ActionUpdateBody, result.Action)
	require.NotNil(t, gotChanges.Title)
	assert.Equal(t, "PROJ-123: Checkout page crashes", *gotChanges.Title)
	require.NotNil(t, gotChanges.Labels)
	assert.Contains(t, *gotChanges.Labels, "tether")
}

func TestHandleCommentSyncAndEdit(t *testing.T) {
	existing := &models.DestinationIssue{Number: 7}
	var createdBody string
	dest := &mockDestination{
		FindIssueByKeyFunc: func(key string) (*models.DestinationIssue, error) {
			return existing, nil
		},
		CreateCommentFunc: func(number int, body string) (int64, error) {
			createdBody = body
			return 900, nil
		},
	}
	e := testEngine(dest)

	payload := []byte(`{
		"webhookEvent": "comment_created",
		"issue": {"key": "PROJ-123", "fields": {"summary": "x", "issuetype": {"name": "Story"}, "status": {"name": "To Do", "statusCategory": {"key": "new"}}}},
		"comment": {"id": "5001", "body": "first version", "author": {"displayName": "Jane Doe"}}
	}`)

	result := handle(e, payload)
	assert.Equal(t, ActionSyncComment, result.Action)
	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Contains(t, createdBody, "<!-- tether:comment:5001 -->")
	assert.Contains(t, createdBody, "Jane Doe")
	assert.Contains(t, createdBody, "first version")

	// The edit event finds the marker and updates in place.
	var updatedBody string
	dest.FindCommentByMarkerFunc = func(number int, marker string) (int64, bool, error) {
		return 900, true, nil
	}
	dest.UpdateCommentFunc = func(commentID int64, body string) error {
		updatedBody = body
		return nil
	}

	edited := []byte(`{
		"webhookEvent": "comment_updated",
		"issue": {"key": "PROJ-123", "fields": {"summary": "x", "issuetype": {"name": "Story"}, "status": {"name": "To Do", "statusCategory": {"key": "new"}}}},
		"comment": {"id": "5001", "body": "second version", "author": {"displayName": "Jane Doe"}}
	}`)

	result = handle(e, edited)
	assert.Equal(t, ActionSyncComment, result.Action)
	assert.Contains(t, updatedBody, "second version")
	assert.Equal(t, 1, dest.comments, "edit must not post a second comment")
}

func TestHandleLinkParent(t *testing.T) {
	parent := &models.DestinationIssue{Number: 3}
	var commented []string
	dest := &mockDestination{
		FindIssueByKeyFunc: func(key string) (*models.DestinationIssue, error) {
			if key == "PROJ-100" {
				return parent, nil
			}
			return nil, nil
		},
		CreateCommentFunc: func(number int, body string) (int64, error) {
			commented = append(commented, fmt.Sprintf("#%d: %s", number, body))
			return 1, nil
		},
	}

	withParent := `,
	"changelog": {"items": []}`
	payload := []byte(`{
		"webhookEvent": "jira:issue_created",
		"issue_event_type_name": "issue_created",
		"issue": {"key": "PROJ-123", "fields": {
			"summary": "Checkout page crashes",
			"issuetype": {"name": "Story"},
			"status": {"name": "To Do", "statusCategory": {"key": "new"}},
			"labels": ["create-github"],
			"parent": {"key": "PROJ-100"}
		}}` + withParent + `
	}`)

	result := handle(testEngine(dest), payload)

	assert.Equal(t, ActionCreate, result.Action)
	require.Len(t, commented, 2)
	assert.Contains(t, commented[0], "Parent task: PROJ-100 (#3)")
	assert.Contains(t, commented[1], "Subtask PROJ-123: #1")
}

func TestHandleUpstreamWriteFailure(t *testing.T) {
	dest := &mockDestination{
		CreateIssueFunc: func(issue github.NewIssue) (*models.DestinationIssue, error) {
			return nil, fmt.Errorf("failed to create issue: boom (status: 403)")
		},
	}

	result := handle(testEngine(dest), storyPayload("jira:issue_created", "issue_created", ""))

	assert.Equal(t, ActionError, result.Action)
	assert.Equal(t, http.StatusBadGateway, result.Status)
}

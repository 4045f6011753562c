// Package github provides functionality for interacting with the GitHub API.
package github

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/logging"
	"github.com/tethersync/tether/pkg/models"
)

// bodyKeyPrefix is the metadata line that carries the source key inside a
// generated issue body. The lookup protocol greps for it.
const bodyKeyPrefix = "**Jira ID:** "

// Client encapsulates the GitHub API client.
type Client struct {
	client *github.Client

	// limiter paces outbound REST calls so a burst of webhook deliveries
	// does not trip secondary rate limits.
	limiter *rate.Limiter
}

// NewIssue is the creation request for a destination issue.
type NewIssue struct {
	Title     string
	Body      string
	Labels    []string
	Assignees []string

	// Milestone number, zero for none. Validated by the caller.
	Milestone int
}

// IssueChanges describes an edit to an existing issue. Nil fields are
// left untouched.
type IssueChanges struct {
	Title     *string
	Body      *string
	Labels    *[]string
	State     *string
	Assignees *[]string
}

// IssueComment is a simplified view of a destination comment.
type IssueComment struct {
	ID   int64
	Body string
}

// NewClient creates a new GitHub API client from configuration. It
// initializes the client with the appropriate base URL and authenticates
// with the GitHub API.
func NewClient(cfg *config.Config) (*Client, error) {
	token := cfg.GitHub.Token
	if token == "" {
		return nil, fmt.Errorf("github token not found in configuration")
	}

	domain := cfg.GitHub.Domain
	if domain == "" {
		domain = "github.com"
	}

	var apiURL string
	if domain == "github.com" {
		apiURL = "https://api.github.com/"
	} else {
		apiURL = fmt.Sprintf("https://%s/api/v3/", domain)
	}

	logging.Info("github configuration",
		"domain", domain,
		"api_url", apiURL,
		"token", logging.MaskSensitive(token))

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = cfg.Sync.RequestTimeout

	client := github.NewClient(tc)

	if domain != "github.com" {
		parsedURL, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github api url: %w", err)
		}
		client.BaseURL = parsedURL
		// For GitHub Enterprise, uploads go through the same endpoint.
		client.UploadURL = parsedURL
	}

	return &Client{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}, nil
}

// splitRepository parses "owner/repo".
func splitRepository(repository string) (string, string, error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid repository format: %s, expected format: owner/repo", repository)
	}
	return parts[0], parts[1], nil
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// FindIssueByKey locates the destination issue for a source key. Primary:
// full-text search for the key in titles and bodies. Fallback: list
// recent issues carrying the provenance label and scan, because GitHub
// search is eventually consistent right after a write. Returns nil when
// no issue matches.
func (c *Client) FindIssueByKey(ctx context.Context, repository, key, provenanceLabel string) (*models.DestinationIssue, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("repo:%s is:issue %q", repository, key)
	result, _, err := c.client.Search.Issues(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: 50},
	})
	if err == nil {
		for _, issue := range result.Issues {
			if matchesKey(issue.GetTitle(), issue.GetBody(), key) {
				return toDestinationIssue(issue), nil
			}
		}
	} else {
		logging.Warn("issue search failed, using label listing fallback",
			"repository", repository, "key", key, "error", err)
	}

	// Zero search hits are inconclusive for recent writes; the label
	// listing is the authority.
	return c.FindIssueByKeyListing(ctx, repository, key, provenanceLabel)
}

// FindIssueByKeyListing is the search-free lookup: list recent issues
// carrying the provenance label and scan titles and bodies for the key.
// The race-safe create path uses this directly.
func (c *Client) FindIssueByKeyListing(ctx context.Context, repository, key, provenanceLabel string) (*models.DestinationIssue, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	issues, _, err := c.client.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
		State:       "all",
		Labels:      []string{provenanceLabel},
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list issues by label: %w", err)
	}

	for _, issue := range issues {
		if issue.PullRequestLinks != nil {
			continue
		}
		if matchesKey(issue.GetTitle(), issue.GetBody(), key) {
			return toDestinationIssue(issue), nil
		}
	}
	return nil, nil
}

// matchesKey reports whether a title or body identifies the given source
// key: either the "<key>:" title prefix or the metadata body line.
func matchesKey(title, body, key string) bool {
	if strings.HasPrefix(title, key+":") {
		return true
	}
	// Line-exact so that PROJ-123 never matches PROJ-1234.
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == bodyKeyPrefix+key {
			return true
		}
	}
	return false
}

// ListSyncedIssues returns every issue carrying the provenance label,
// across all pages.
func (c *Client) ListSyncedIssues(ctx context.Context, repository, provenanceLabel string) ([]models.DestinationIssue, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}

	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Labels:      []string{provenanceLabel},
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var result []models.DestinationIssue
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		issues, resp, err := c.client.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list synced issues: %w", err)
		}
		for _, issue := range issues {
			if issue.PullRequestLinks != nil {
				continue
			}
			result = append(result, *toDestinationIssue(issue))
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

// CreateIssue creates a destination issue and returns its record.
func (c *Client) CreateIssue(ctx context.Context, repository string, issue NewIssue) (*models.DestinationIssue, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	request := &github.IssueRequest{
		Title:  &issue.Title,
		Body:   &issue.Body,
		Labels: &issue.Labels,
	}
	if len(issue.Assignees) > 0 {
		request.Assignees = &issue.Assignees
	}
	if issue.Milestone > 0 {
		request.Milestone = &issue.Milestone
	}

	created, resp, err := c.client.Issues.Create(ctx, owner, repo, request)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("failed to create issue: %v (status: %d)", err, status)
	}

	logging.Info("created github issue", "repository", repository, "number", created.GetNumber())
	return toDestinationIssue(created), nil
}

// GetIssue reads one issue.
func (c *Client) GetIssue(ctx context.Context, repository string, number int) (*models.DestinationIssue, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	issue, _, err := c.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue #%d: %w", number, err)
	}
	return toDestinationIssue(issue), nil
}

// UpdateIssue edits an existing issue. Only the non-nil fields of changes
// are sent.
func (c *Client) UpdateIssue(ctx context.Context, repository string, number int, changes IssueChanges) error {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	request := &github.IssueRequest{
		Title:     changes.Title,
		Body:      changes.Body,
		Labels:    changes.Labels,
		State:     changes.State,
		Assignees: changes.Assignees,
	}

	_, resp, err := c.client.Issues.Edit(ctx, owner, repo, number, request)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("failed to update issue #%d: %v (status: %d)", number, err, status)
	}
	return nil
}

// CreateComment posts a comment and returns its id.
func (c *Client) CreateComment(ctx context.Context, repository string, number int, body string) (int64, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return 0, err
	}
	if err := c.wait(ctx); err != nil {
		return 0, err
	}

	comment, resp, err := c.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &body})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return 0, fmt.Errorf("failed to create comment on #%d: %v (status: %d)", number, err, status)
	}
	return comment.GetID(), nil
}

// UpdateComment edits an existing comment in place.
func (c *Client) UpdateComment(ctx context.Context, repository string, commentID int64, body string) error {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return err
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	_, _, err = c.client.Issues.EditComment(ctx, owner, repo, commentID, &github.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("failed to update comment %d: %w", commentID, err)
	}
	return nil
}

// FindCommentByMarker scans an issue's comments for one containing the
// given marker substring. Returns (0, false, nil) when none matches.
func (c *Client) FindCommentByMarker(ctx context.Context, repository string, number int, marker string) (int64, bool, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return 0, false, err
	}

	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		if err := c.wait(ctx); err != nil {
			return 0, false, err
		}
		comments, resp, err := c.client.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return 0, false, fmt.Errorf("failed to list comments on #%d: %w", number, err)
		}
		for _, comment := range comments {
			if strings.Contains(comment.GetBody(), marker) {
				return comment.GetID(), true, nil
			}
		}
		if resp.NextPage == 0 {
			return 0, false, nil
		}
		opts.Page = resp.NextPage
	}
}

// EnsureRelease returns the id of the release with the given tag,
// creating it if absent. Idempotent: an existing release is reused.
func (c *Client) EnsureRelease(ctx context.Context, repository, tag string) (int64, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return 0, err
	}
	if err := c.wait(ctx); err != nil {
		return 0, err
	}

	release, resp, err := c.client.Repositories.GetReleaseByTag(ctx, owner, repo, tag)
	if err == nil {
		return release.GetID(), nil
	}
	if resp == nil || resp.StatusCode != 404 {
		return 0, fmt.Errorf("failed to look up release %q: %w", tag, err)
	}

	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	name := "Attachment storage"
	body := "Binary attachments re-hosted from the source tracker."
	created, _, err := c.client.Repositories.CreateRelease(ctx, owner, repo, &github.RepositoryRelease{
		TagName: &tag,
		Name:    &name,
		Body:    &body,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create release %q: %w", tag, err)
	}

	logging.Info("created attachment storage release", "repository", repository, "tag", tag)
	return created.GetID(), nil
}

// FindReleaseAsset returns the download URL of an asset with the given
// name, if one exists in the release. Matching is by name only.
func (c *Client) FindReleaseAsset(ctx context.Context, repository string, releaseID int64, name string) (string, bool, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return "", false, err
	}

	opts := &github.ListOptions{PerPage: 100}
	for {
		if err := c.wait(ctx); err != nil {
			return "", false, err
		}
		assets, resp, err := c.client.Repositories.ListReleaseAssets(ctx, owner, repo, releaseID, opts)
		if err != nil {
			return "", false, fmt.Errorf("failed to list release assets: %w", err)
		}
		for _, asset := range assets {
			if asset.GetName() == name {
				return asset.GetBrowserDownloadURL(), true, nil
			}
		}
		if resp.NextPage == 0 {
			return "", false, nil
		}
		opts.Page = resp.NextPage
	}
}

// UploadReleaseAsset uploads a file as a release asset and returns its
// download URL.
func (c *Client) UploadReleaseAsset(ctx context.Context, repository string, releaseID int64, name string, file *os.File) (string, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return "", err
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	asset, _, err := c.client.Repositories.UploadReleaseAsset(ctx, owner, repo, releaseID, &github.UploadOptions{Name: name}, file)
	if err != nil {
		return "", fmt.Errorf("failed to upload asset %q: %w", name, err)
	}
	return asset.GetBrowserDownloadURL(), nil
}

// MilestoneExists reports whether a milestone number exists in the
// repository. Used to validate the configured milestone before create.
func (c *Client) MilestoneExists(ctx context.Context, repository string, number int) (bool, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return false, err
	}
	if err := c.wait(ctx); err != nil {
		return false, err
	}

	_, resp, err := c.client.Issues.GetMilestone(ctx, owner, repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return false, nil
		}
		return false, fmt.Errorf("failed to check milestone %d: %w", number, err)
	}
	return true, nil
}

// IsCollaborator reports whether a login can be assigned issues in the
// repository. Used to validate mapped assignees before create.
func (c *Client) IsCollaborator(ctx context.Context, repository, login string) (bool, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return false, err
	}
	if err := c.wait(ctx); err != nil {
		return false, err
	}

	ok, _, err := c.client.Repositories.IsCollaborator(ctx, owner, repo, login)
	if err != nil {
		return false, fmt.Errorf("failed to check collaborator %q: %w", login, err)
	}
	return ok, nil
}

// toDestinationIssue converts a GitHub API issue to the internal model.
func toDestinationIssue(issue *github.Issue) *models.DestinationIssue {
	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}
	assignees := make([]string, 0, len(issue.Assignees))
	for _, user := range issue.Assignees {
		assignees = append(assignees, user.GetLogin())
	}

	return &models.DestinationIssue{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Labels:    labels,
		Assignees: assignees,
		State:     issue.GetState(),
		HTMLURL:   issue.GetHTMLURL(),
	}
}

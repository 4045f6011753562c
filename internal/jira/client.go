// Package jira provides the read-only source-system client: field
// metadata for the field resolver and authenticated attachment downloads.
package jira

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jira "github.com/andygrunwald/go-jira"

	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/logging"
)

// Client handles interactions with the JIRA API.
type Client struct {
	client *jira.Client

	// download is the authenticated HTTP client used for attachment
	// content, with a bounded redirect chain.
	download *http.Client
}

// NewClient creates a new JIRA client from configuration. The same basic
// auth transport serves both the REST API and attachment downloads.
func NewClient(cfg *config.Config) (*Client, error) {
	if err := config.ValidateJiraConfig(cfg); err != nil {
		return nil, err
	}

	tp := jira.BasicAuthTransport{
		Username: cfg.Jira.Username,
		Password: cfg.Jira.Token,
	}

	client, err := jira.NewClient(tp.Client(), cfg.Jira.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create JIRA client: %w", err)
	}

	logging.Info("jira client configured",
		"url", cfg.Jira.URL,
		"username", cfg.Jira.Username,
		"token", logging.MaskSensitive(cfg.Jira.Token))

	return &Client{
		client:   client,
		download: downloadClient(&tp, cfg.Sync.RequestTimeout, cfg.Sync.MaxRedirects),
	}, nil
}

// downloadClient builds the HTTP client for attachment content. Exceeding
// maxRedirects fails the download; the caller treats that as a
// per-attachment failure, not a fatal one.
func downloadClient(tp *jira.BasicAuthTransport, timeout time.Duration, maxRedirects int) *http.Client {
	return &http.Client{
		Transport: tp,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// GetFields retrieves the field metadata list from JIRA.
func (c *Client) GetFields(ctx context.Context) ([]jira.Field, error) {
	fields, resp, err := c.client.Field.GetListWithContext(ctx)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("failed to fetch JIRA fields: %v (status: %d)", err, status)
	}
	return fields, nil
}

// Download fetches attachment content from a JIRA content URL using the
// configured credentials. The caller owns the returned reader.
func (c *Client) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid attachment url %q: %w", url, err)
	}

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attachment download failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("attachment download returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

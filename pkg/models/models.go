// Package models defines data structures shared across the application.
package models

import (
	"encoding/json"
)

// Identity is a reference to a person in the source system. The opaque
// account id stays internal; it must never be written into destination
// output.
type Identity struct {
	// Email is the user's email address, if the source system exposes it.
	Email string

	// DisplayName is the human-readable name shown in the source system.
	DisplayName string

	// AccountID is the source system's internal identifier. Lookup never
	// keys on it and rendering never prints it.
	AccountID string
}

// Attachment is one binary attachment on a source issue.
type Attachment struct {
	// Filename as reported by the source system.
	Filename string

	// ContentURL is the authenticated download URL.
	ContentURL string
}

// SourceIssue is a read-only snapshot of a Jira issue as delivered by one
// webhook event. It is never mutated; the next event for the same key
// supersedes it.
type SourceIssue struct {
	// Key is the stable human-readable identifier (e.g. "PROJ-123").
	Key string

	// Type is the issue type name (e.g. "Story", "Bug").
	Type string

	// Summary is the one-line title.
	Summary string

	// Description holds the raw description: either an ADF document object
	// or a legacy wiki-markup JSON string. Decoded by the rich-text
	// extractor, not here.
	Description json.RawMessage

	// Status is the current workflow status name.
	Status string

	// StatusCategory is the status category key ("new", "indeterminate",
	// "done").
	StatusCategory string

	// Priority is the priority name, if set.
	Priority string

	// Labels attached to the issue.
	Labels []string

	// Assignee and Reporter identities. Nil when unset.
	Assignee *Identity
	Reporter *Identity

	// ParentKey is the key of the parent issue for subtasks and children,
	// empty otherwise. The source system enforces a two-level tree.
	ParentKey string

	// Attachments in the order the source system reports them.
	Attachments []Attachment

	// CustomFields maps field id (e.g. "customfield_10020") to its raw
	// value.
	CustomFields map[string]json.RawMessage
}

// DestinationIssue is the engine's view of a GitHub issue it reconciles
// against. Exactly one exists per distinct SourceIssue key.
type DestinationIssue struct {
	// Number is the issue number assigned by GitHub on creation.
	Number int

	// Title of the issue.
	Title string

	// Body is the generated markdown: a metadata block followed by the
	// free-text description block.
	Body string

	// Labels on the issue. Always includes the provenance label.
	Labels []string

	// Assignees are GitHub logins.
	Assignees []string

	// State is "open" or "closed".
	State string

	// HTMLURL is the browsable issue URL.
	HTMLURL string
}

// AttachmentRecord tracks one attachment through re-hosting. It lives only
// for the duration of one event.
type AttachmentRecord struct {
	OriginalFilename  string
	SanitizedFilename string
	SourceURL         string
	DestinationURL    string
}

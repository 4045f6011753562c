package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tethersync/tether/internal/adf"
	"github.com/tethersync/tether/internal/config"
	"github.com/tethersync/tether/internal/identity"
	"github.com/tethersync/tether/pkg/models"
)

// statusLine matches the status row of the metadata block in a generated
// body, so the cheap update path can patch it in place.
var statusLine = regexp.MustCompile(`(?m)^\*\*Status:\*\* .*$`)

// IssueTitle renders the destination title. The "<key>:" prefix is part
// of the lookup protocol.
func IssueTitle(issue *models.SourceIssue) string {
	return issue.Key + ": " + issue.Summary
}

// RenderBody generates the full destination body: a metadata block, a
// horizontal rule, the extracted description, and an attachment section
// when attachments exist.
func RenderBody(ctx context.Context, issue *models.SourceIssue, records []models.AttachmentRecord, fields FieldResolver, policy config.SyncConfig) string {
	var b strings.Builder

	// The "Jira ID" line is load-bearing: lookup greps for it.
	fmt.Fprintf(&b, "**Jira ID:** %s\n", issue.Key)
	fmt.Fprintf(&b, "**Type:** %s\n", issue.Type)
	fmt.Fprintf(&b, "**Status:** %s\n", issue.Status)
	if issue.Priority != "" {
		fmt.Fprintf(&b, "**Priority:** %s\n", issue.Priority)
	}
	if line := formatPerson(issue.Reporter, policy.UserMap); line != "" {
		fmt.Fprintf(&b, "**Reporter:** %s\n", line)
	}
	if line := formatPerson(issue.Assignee, policy.UserMap); line != "" {
		fmt.Fprintf(&b, "**Assignee:** %s\n", line)
	}

	for _, row := range customFieldRows(ctx, issue, fields, policy) {
		fmt.Fprintf(&b, "**%s:** %s\n", row.label, row.value)
	}

	if description := adf.Extract(issue.Description, policy.UserMap); description != "" {
		b.WriteString("\n---\n\n")
		b.WriteString(description)
		b.WriteString("\n")
	}

	if len(records) > 0 {
		b.WriteString("\n### Attachments\n\n")
		for _, record := range records {
			fmt.Fprintf(&b, "- [%s](%s)\n", record.OriginalFilename, record.DestinationURL)
		}
	}

	return b.String()
}

// PatchStatusLine rewrites the status row of an existing body. Bodies
// without a status row are returned unchanged.
func PatchStatusLine(body, status string) string {
	return statusLine.ReplaceAllString(body, "**Status:** "+status)
}

// formatPerson renders an identity for the metadata block: the display
// name, with the mapped destination login in parentheses when one exists.
func formatPerson(id *models.Identity, userMap map[string][]string) string {
	if id == nil {
		return ""
	}
	mapping := identity.ResolveUser(id, userMap)

	name := mapping.DisplayName
	if name == "" {
		name = mapping.Email
	}
	if name == "" {
		return ""
	}
	if mapping.Mapped && len(mapping.Usernames) > 0 {
		return fmt.Sprintf("%s (@%s)", name, mapping.Usernames[0])
	}
	return name
}

type fieldRow struct {
	label string
	value string
}

// customFieldRows renders the non-excluded custom fields in a stable
// order. Fields whose name cannot be resolved render nothing: a bare
// customfield id is noise, not information.
func customFieldRows(ctx context.Context, issue *models.SourceIssue, fields FieldResolver, policy config.SyncConfig) []fieldRow {
	if len(issue.CustomFields) == 0 || fields == nil {
		return nil
	}

	excluded := make(map[string]bool)
	for _, id := range fields.ResolveFieldNames(ctx, policy.ExcludedFields) {
		excluded[id] = true
	}

	startDateID := ""
	if policy.StartDateField != "" {
		if ids := fields.ResolveFieldNames(ctx, []string{policy.StartDateField}); len(ids) == 1 {
			startDateID = ids[0]
		}
	}

	ids := make([]string, 0, len(issue.CustomFields))
	for id := range issue.CustomFields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rows []fieldRow
	for _, id := range ids {
		if excluded[id] {
			continue
		}
		value := renderFieldValue(issue.CustomFields[id])
		if value == "" {
			continue
		}

		label := fields.FieldName(ctx, id)
		if id == startDateID {
			label = "Start Date"
		}
		if strings.HasPrefix(label, "customfield_") {
			continue
		}
		rows = append(rows, fieldRow{label: label, value: value})
	}
	return rows
}

// renderFieldValue flattens a raw custom field value to display text.
func renderFieldValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}

	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return strconv.FormatBool(flag)
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err == nil {
		for _, key := range []string{"value", "name", "displayName"} {
			if inner, ok := object[key]; ok {
				if value := renderFieldValue(inner); value != "" {
					return value
				}
			}
		}
		return ""
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if value := renderFieldValue(item); value != "" {
				parts = append(parts, value)
			}
		}
		return strings.Join(parts, ", ")
	}

	return ""
}

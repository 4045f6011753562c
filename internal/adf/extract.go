// Package adf converts Jira rich-text documents (Atlassian Document
// Format trees or legacy wiki markup strings) into markdown.
package adf

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tethersync/tether/internal/identity"
	"github.com/tethersync/tether/internal/logging"
)

// Node is one typed node of an ADF document.
type Node struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
}

// legacyImage matches wiki-markup inline images: !filename.png! or
// !filename.png|alt=text,width=300!.
var legacyImage = regexp.MustCompile(`!([^!|\s]+)(?:\|([^!\n]*))?!`)

// Extract renders a raw description value to markdown. The value is
// either an ADF document object or a legacy wiki-markup JSON string;
// userMap resolves mention display names to destination logins.
func Extract(raw json.RawMessage, userMap map[string][]string) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}

	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			logging.Warn("unparseable legacy description", "error", err)
			return ""
		}
		return RewriteLegacyImages(text)
	}

	var doc Node
	if err := json.Unmarshal(raw, &doc); err != nil {
		logging.Warn("unparseable rich-text document", "error", err)
		return ""
	}
	return strings.TrimSpace(extractNode(doc, userMap))
}

// extractNode renders one node. Paragraph children concatenate without a
// separator; every other container joins children with a newline. Media
// nodes are skipped entirely: images reach the destination through the
// attachment re-hosting path, never as raw references.
func extractNode(n Node, userMap map[string][]string) string {
	switch n.Type {
	case "text":
		return n.Text

	case "mention":
		return mentionText(n, userMap)

	case "hardBreak":
		return "\n"

	case "emoji":
		if text, ok := n.Attrs["text"].(string); ok {
			return text
		}
		return ""

	case "inlineCard":
		if url, ok := n.Attrs["url"].(string); ok {
			return url
		}
		return ""

	case "media", "mediaSingle", "mediaGroup", "mediaInline":
		return ""

	case "paragraph":
		var b strings.Builder
		for _, child := range n.Content {
			b.WriteString(extractNode(child, userMap))
		}
		return b.String()

	default:
		if len(n.Content) == 0 {
			logging.Debug("ignoring unknown rich-text node", "type", n.Type)
			return ""
		}
		parts := make([]string, 0, len(n.Content))
		for _, child := range n.Content {
			if text := extractNode(child, userMap); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
}

// mentionText renders a mention as @login when the user map has an entry
// for the mention's display name, otherwise @DisplayName. The node's
// account id attribute is never emitted.
func mentionText(n Node, userMap map[string][]string) string {
	display, _ := n.Attrs["text"].(string)
	display = strings.TrimPrefix(display, "@")
	if display == "" {
		return ""
	}
	if login, ok := identity.ResolveMention(display, userMap); ok {
		return "@" + login
	}
	return "@" + display
}

// RewriteLegacyImages converts wiki-markup inline images to markdown
// image syntax. Alt text comes from an alt=... parameter when one is
// present.
func RewriteLegacyImages(text string) string {
	return legacyImage.ReplaceAllStringFunc(text, func(match string) string {
		groups := legacyImage.FindStringSubmatch(match)
		filename, params := groups[1], groups[2]
		alt := ""
		for _, param := range strings.Split(params, ",") {
			if k, v, found := strings.Cut(strings.TrimSpace(param), "="); found && strings.EqualFold(k, "alt") {
				alt = v
			}
		}
		return "![" + alt + "](" + filename + ")"
	})
}

// Package identity maps source-system labels and users onto their
// destination-system equivalents using the static tables from the sync
// policy.
package identity

import (
	"strings"

	"github.com/tethersync/tether/pkg/models"
)

// UserMapping is the result of resolving one source identity.
type UserMapping struct {
	// Usernames are the destination logins the identity maps to. Empty
	// when unmapped.
	Usernames []string

	// DisplayName and Email echo the source identity so callers can still
	// render the person as plain text.
	DisplayName string
	Email       string

	// Mapped reports whether a configured mapping was found.
	Mapped bool
}

// MapLabels translates source labels through labelMap. A mapping may fan
// out to several destination labels; unmapped labels pass through
// unchanged. The provenance label appears in the output exactly once and
// insertion order is preserved.
func MapLabels(sourceLabels []string, labelMap map[string][]string, provenance string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(label string) {
		if label == "" || seen[label] {
			return
		}
		seen[label] = true
		out = append(out, label)
	}

	for _, label := range sourceLabels {
		if mapped, ok := lookupFold(labelMap, label); ok {
			for _, m := range mapped {
				add(m)
			}
			continue
		}
		add(label)
	}

	add(provenance)
	return out
}

// ResolveUser looks up a source identity in userMap. Email takes
// precedence over display name; the opaque account id is never used as a
// key. A missing mapping is not an error: the caller gets the source
// identity back with Mapped=false and surfaces it as text.
func ResolveUser(id *models.Identity, userMap map[string][]string) UserMapping {
	result := UserMapping{}
	if id == nil {
		return result
	}
	result.DisplayName = id.DisplayName
	result.Email = id.Email

	if id.Email != "" {
		if usernames, ok := lookupFold(userMap, id.Email); ok {
			result.Usernames = usernames
			result.Mapped = true
			return result
		}
	}
	if id.DisplayName != "" {
		if usernames, ok := lookupFold(userMap, id.DisplayName); ok {
			result.Usernames = usernames
			result.Mapped = true
			return result
		}
	}
	return result
}

// ResolveMention maps a mention display name to a destination login. Used
// by the rich-text extractor; falls back to empty when unmapped.
func ResolveMention(displayName string, userMap map[string][]string) (string, bool) {
	usernames, ok := lookupFold(userMap, displayName)
	if !ok || len(usernames) == 0 {
		return "", false
	}
	return usernames[0], true
}

// lookupFold performs a case-insensitive, whitespace-trimmed lookup.
func lookupFold(m map[string][]string, key string) ([]string, bool) {
	if len(m) == 0 {
		return nil, false
	}
	want := strings.ToLower(strings.TrimSpace(key))
	for k, v := range m {
		if strings.ToLower(strings.TrimSpace(k)) == want {
			return v, true
		}
	}
	return nil, false
}

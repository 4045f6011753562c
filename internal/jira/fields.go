package jira

import (
	"context"
	"regexp"
	"strings"
	"sync"

	jira "github.com/andygrunwald/go-jira"
	"golang.org/x/sync/singleflight"

	"github.com/tethersync/tether/internal/logging"
)

// FieldSource supplies field metadata. Satisfied by *Client.
type FieldSource interface {
	GetFields(ctx context.Context) ([]jira.Field, error)
}

// customFieldID matches anything already shaped like a system field
// identifier; such values pass through resolution untouched.
var customFieldID = regexp.MustCompile(`^customfield_\d+$`)

// systemFields are built-in field names that need no resolution.
var systemFields = map[string]bool{
	"summary": true, "description": true, "status": true, "priority": true,
	"labels": true, "assignee": true, "reporter": true, "issuetype": true,
	"parent": true, "attachment": true, "created": true, "updated": true,
	"duedate": true, "resolution": true, "components": true, "fixversions": true,
}

// FieldResolver maps human-readable field names to field ids and back.
// The mapping is fetched once per process lifetime on first use and
// cached; concurrent first uses are collapsed into a single fetch. A cold
// restart is the only invalidation event.
type FieldResolver struct {
	source FieldSource

	mu       sync.RWMutex
	nameToID map[string]string
	idToName map[string]string

	group singleflight.Group
}

// NewFieldResolver creates a resolver backed by the given source.
func NewFieldResolver(source FieldSource) *FieldResolver {
	return &FieldResolver{source: source}
}

// ResolveFieldNames resolves names to field ids. System field names and
// values already shaped like field ids pass through unchanged.
// Unresolvable names are dropped with a warning: a renamed or deleted
// custom field must not block synchronization of the rest of the issue.
func (r *FieldResolver) ResolveFieldNames(ctx context.Context, names []string) []string {
	resolved := make([]string, 0, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if systemFields[key] || customFieldID.MatchString(key) {
			resolved = append(resolved, key)
			continue
		}

		id, ok := r.lookupID(ctx, key)
		if !ok {
			logging.Warn("dropping unresolvable field name", "name", name)
			continue
		}
		resolved = append(resolved, id)
	}
	return resolved
}

// FieldName returns the human-readable name for a field id, or the id
// itself when no mapping is known.
func (r *FieldResolver) FieldName(ctx context.Context, id string) string {
	if err := r.ensureLoaded(ctx); err != nil {
		return id
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.idToName[id]; ok {
		return name
	}
	return id
}

func (r *FieldResolver) lookupID(ctx context.Context, loweredName string) (string, bool) {
	if err := r.ensureLoaded(ctx); err != nil {
		logging.Warn("field metadata unavailable", "error", err)
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[loweredName]
	return id, ok
}

// ensureLoaded populates the cache on first use. The singleflight group
// collapses concurrent populations; the fetch is deterministic so a
// repeat population converges on the same content.
func (r *FieldResolver) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.nameToID != nil
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	_, err, _ := r.group.Do("fields", func() (any, error) {
		fields, err := r.source.GetFields(ctx)
		if err != nil {
			return nil, err
		}

		nameToID := make(map[string]string, len(fields))
		idToName := make(map[string]string, len(fields))
		for _, f := range fields {
			nameToID[strings.ToLower(strings.TrimSpace(f.Name))] = f.ID
			idToName[f.ID] = f.Name
		}

		r.mu.Lock()
		r.nameToID = nameToID
		r.idToName = idToName
		r.mu.Unlock()

		logging.Debug("field metadata cached", "fields", len(fields))
		return nil, nil
	})
	return err
}

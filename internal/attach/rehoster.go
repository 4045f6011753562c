// Package attach re-hosts source-tracker attachments as release assets in
// the destination repository.
package attach

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tethersync/tether/internal/logging"
	"github.com/tethersync/tether/pkg/models"
)

// Downloader fetches attachment content from the source system.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// ReleaseStore is the destination-side storage surface.
type ReleaseStore interface {
	EnsureRelease(ctx context.Context, repository, tag string) (int64, error)
	FindReleaseAsset(ctx context.Context, repository string, releaseID int64, name string) (string, bool, error)
	UploadReleaseAsset(ctx context.Context, repository string, releaseID int64, name string, file *os.File) (string, error)
}

// Rehoster downloads attachments with source credentials and republishes
// them as assets of a well-known release. Re-hosting is best effort: any
// per-attachment failure falls back to linking the original source URL
// and never fails the event.
type Rehoster struct {
	source Downloader
	store  ReleaseStore
	tag    string
}

// NewRehoster creates a rehoster publishing into the release tagged tag.
func NewRehoster(source Downloader, store ReleaseStore, tag string) *Rehoster {
	return &Rehoster{source: source, store: store, tag: tag}
}

// maxFilenameLen caps sanitized filenames, extension included.
const maxFilenameLen = 100

var (
	illegalChars  = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	separatorRuns = regexp.MustCompile(`[-_]{2,}`)
)

// SanitizeFilename normalizes an attachment filename for release-asset
// storage. Sanitizing an already sanitized name is a no-op.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)

	// Release assets reject the .jfif alias; store it as .jpg.
	if ext := filepath.Ext(name); strings.EqualFold(ext, ".jfif") {
		name = strings.TrimSuffix(name, ext) + ".jpg"
	}

	name = illegalChars.ReplaceAllString(name, "-")
	name = separatorRuns.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-_")

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameLen {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}

	if name == "" || name == strings.Repeat(".", len(name)) {
		return "attachment"
	}
	return name
}

// ProcessAttachments re-hosts each attachment and returns one record per
// input, in order. A record whose DestinationURL equals its SourceURL
// marks a fallback.
func (r *Rehoster) ProcessAttachments(ctx context.Context, repository string, attachments []models.Attachment) []models.AttachmentRecord {
	if len(attachments) == 0 {
		return nil
	}

	records := make([]models.AttachmentRecord, 0, len(attachments))

	releaseID, err := r.store.EnsureRelease(ctx, repository, r.tag)
	if err != nil {
		logging.Warn("attachment storage release unavailable, linking source urls",
			"repository", repository, "tag", r.tag, "error", err)
		for _, a := range attachments {
			records = append(records, fallbackRecord(a))
		}
		return records
	}

	for _, a := range attachments {
		records = append(records, r.rehost(ctx, repository, releaseID, a))
	}
	return records
}

// rehost handles a single attachment.
func (r *Rehoster) rehost(ctx context.Context, repository string, releaseID int64, a models.Attachment) models.AttachmentRecord {
	record := models.AttachmentRecord{
		OriginalFilename:  a.Filename,
		SanitizedFilename: SanitizeFilename(a.Filename),
		SourceURL:         a.ContentURL,
	}

	// Assets are addressed by sanitized name, not content hash: a
	// same-named attachment with different bytes is treated as already
	// present.
	if url, exists, err := r.store.FindReleaseAsset(ctx, repository, releaseID, record.SanitizedFilename); err == nil && exists {
		record.DestinationURL = url
		return record
	} else if err != nil {
		logging.Warn("asset listing failed, linking source url",
			"filename", a.Filename, "error", err)
		record.DestinationURL = a.ContentURL
		return record
	}

	url, err := r.downloadAndUpload(ctx, repository, releaseID, record.SanitizedFilename, a.ContentURL)
	if err != nil {
		logging.Warn("attachment re-hosting failed, linking source url",
			"filename", a.Filename, "error", err)
		record.DestinationURL = a.ContentURL
		return record
	}

	record.DestinationURL = url
	return record
}

// downloadAndUpload streams the attachment through a temp file, since the
// upload API needs a seekable file with a known size.
func (r *Rehoster) downloadAndUpload(ctx context.Context, repository string, releaseID int64, name, sourceURL string) (string, error) {
	body, err := r.source.Download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", "tether-attachment-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, body); err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	return r.store.UploadReleaseAsset(ctx, repository, releaseID, name, tmp)
}

func fallbackRecord(a models.Attachment) models.AttachmentRecord {
	return models.AttachmentRecord{
		OriginalFilename:  a.Filename,
		SanitizedFilename: SanitizeFilename(a.Filename),
		SourceURL:         a.ContentURL,
		DestinationURL:    a.ContentURL,
	}
}

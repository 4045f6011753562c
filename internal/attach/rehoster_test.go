package attach

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tethersync/tether/pkg/models"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean name", "report.pdf", "report.pdf"},
		{"jfif normalized", "photo.jfif", "photo.jpg"},
		{"jfif uppercase", "photo.JFIF", "photo.jpg"},
		{"spaces become separators", "my report final.pdf", "my-report-final.pdf"},
		{"illegal chars stripped", "inv@lid:na?me.png", "inv-lid-na-me.png"},
		{"duplicate separators collapsed", "a -- b__c.txt", "a-b-c.txt"},
		{"leading trailing trimmed", "--weird--.txt", "weird-.txt"},
		{"empty becomes placeholder", "", "attachment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestSanitizeFilenameIdempotent(t *testing.T) {
	inputs := []string{
		"report.pdf", "photo.jfif", "my report final.pdf",
		"inv@lid:na?me.png", strings.Repeat("a", 300) + ".log", "",
	}
	for _, in := range inputs {
		once := SanitizeFilename(in)
		assert.Equal(t, once, SanitizeFilename(once), "sanitize must be idempotent for %q", in)
	}
}

func TestSanitizeFilenameCapsLength(t *testing.T) {
	got := SanitizeFilename(strings.Repeat("a", 300) + ".log")
	assert.LessOrEqual(t, len(got), maxFilenameLen)
	assert.True(t, strings.HasSuffix(got, ".log"))
}

// fakeDownloader serves fixed content or an error.
type fakeDownloader struct {
	content string
	err     error
	calls   int
}

func (f *fakeDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.content)), nil
}

// fakeStore implements ReleaseStore with func fields.
type fakeStore struct {
	ensureErr   error
	existing    map[string]string
	uploadErr   error
	uploaded    []string
	uploadedURL string
	findCalls   int
	uploadCalls int
}

func (f *fakeStore) EnsureRelease(ctx context.Context, repository, tag string) (int64, error) {
	if f.ensureErr != nil {
		return 0, f.ensureErr
	}
	return 42, nil
}

func (f *fakeStore) FindReleaseAsset(ctx context.Context, repository string, releaseID int64, name string) (string, bool, error) {
	f.findCalls++
	if url, ok := f.existing[name]; ok {
		return url, true, nil
	}
	return "", false, nil
}

func (f *fakeStore) UploadReleaseAsset(ctx context.Context, repository string, releaseID int64, name string, file *os.File) (string, error) {
	f.uploadCalls++
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded = append(f.uploaded, name)
	return f.uploadedURL + name, nil
}

func TestProcessAttachmentsUploadsNewAsset(t *testing.T) {
	store := &fakeStore{uploadedURL: "https://github.test/assets/"}
	r := NewRehoster(&fakeDownloader{content: "bytes"}, store, "jira-attachments")

	records := r.ProcessAttachments(context.Background(), "owner/repo", []models.Attachment{
		{Filename: "my trace.log", ContentURL: "https://jira.test/att/1"},
	})

	require.Len(t, records, 1)
	assert.Equal(t, "my-trace.log", records[0].SanitizedFilename)
	assert.Equal(t, "https://github.test/assets/my-trace.log", records[0].DestinationURL)
	assert.Equal(t, []string{"my-trace.log"}, store.uploaded)
}

func TestUploadSkipsExistingAsset(t *testing.T) {
	// Assets are matched by sanitized filename only, not content hash: a
	// same-named attachment with different bytes is treated as already
	// present. Known limitation, kept deliberately.
	download := &fakeDownloader{content: "different bytes"}
	store := &fakeStore{existing: map[string]string{"trace.log": "https://github.test/assets/trace.log"}}
	r := NewRehoster(download, store, "jira-attachments")

	records := r.ProcessAttachments(context.Background(), "owner/repo", []models.Attachment{
		{Filename: "trace.log", ContentURL: "https://jira.test/att/1"},
	})

	require.Len(t, records, 1)
	assert.Equal(t, "https://github.test/assets/trace.log", records[0].DestinationURL)
	assert.Zero(t, download.calls, "existing asset must not be re-downloaded")
	assert.Zero(t, store.uploadCalls)
}

func TestDownloadFailureFallsBackToSourceURL(t *testing.T) {
	store := &fakeStore{uploadedURL: "https://github.test/assets/"}
	r := NewRehoster(&fakeDownloader{err: errors.New("boom")}, store, "jira-attachments")

	records := r.ProcessAttachments(context.Background(), "owner/repo", []models.Attachment{
		{Filename: "a.png", ContentURL: "https://jira.test/att/1"},
		{Filename: "b.png", ContentURL: "https://jira.test/att/2"},
	})

	require.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, record.SourceURL, record.DestinationURL)
	}
}

func TestReleaseFailureFallsBackForAllAttachments(t *testing.T) {
	download := &fakeDownloader{content: "bytes"}
	r := NewRehoster(download, &fakeStore{ensureErr: errors.New("forbidden")}, "jira-attachments")

	records := r.ProcessAttachments(context.Background(), "owner/repo", []models.Attachment{
		{Filename: "a.png", ContentURL: "https://jira.test/att/1"},
	})

	require.Len(t, records, 1)
	assert.Equal(t, "https://jira.test/att/1", records[0].DestinationURL)
	assert.Zero(t, download.calls)
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tethersync/tether/internal/sync"
)

// stubEngine returns a canned result or panics.
type stubEngine struct {
	result sync.Result
	panics bool
	body   []byte
}

func (s *stubEngine) Handle(ctx context.Context, body []byte, header http.Header, query url.Values) sync.Result {
	if s.panics {
		panic("boom")
	}
	s.body = body
	return s.result
}

func TestHandleWebhookWritesEngineResult(t *testing.T) {
	engine := &stubEngine{result: sync.Result{
		Action:  sync.ActionCreate,
		Status:  http.StatusCreated,
		Message: "issue created",
	}}
	srv := New(engine, 0)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"webhookEvent":"jira:issue_created"}`))
	rec := httptest.NewRecorder()
	srv.handleWebhook(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "issue created", response["message"])

	assert.Equal(t, `{"webhookEvent":"jira:issue_created"}`, string(engine.body))
}

func TestHandleWebhookRejectsNonPost(t *testing.T) {
	srv := New(&stubEngine{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	srv.handleWebhook(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleWebhookRecoversFromPanic(t *testing.T) {
	srv := New(&stubEngine{panics: true}, 0)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.handleWebhook(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "internal error", response["message"], "panic detail must not leak")
}

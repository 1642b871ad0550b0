package archive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forcesync/internal/config"
	"forcesync/internal/models"
)

func finished() *models.SyncSession {
	done := time.Date(2025, 5, 6, 7, 9, 0, 0, time.UTC)
	return &models.SyncSession{
		ID:            "sess-1",
		CorrelationID: "corr-1",
		Status:        models.StatusCompleted,
		StartedAt:     time.Date(2025, 5, 6, 7, 8, 0, 0, time.UTC),
		CompletedAt:   &done,
		Details:       &models.SyncResults{Success: true, WorkflowID: "wf-1"},
	}
}

func TestNewSelectsBackend(t *testing.T) {
	a, err := New(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = New(context.Background(), config.Config{ArchiveDir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.IsType(t, &localUploader{}, a.dst)
}

func TestLocalArchive(t *testing.T) {
	dir := t.TempDir()
	a := newArchiver(&localUploader{baseDir: dir})
	a.Hook(finished())
	a.Close()

	raw, err := os.ReadFile(filepath.Join(dir, "sessions", "2025", "05", "06", "sess-1.json"))
	require.NoError(t, err)
	var got models.SyncSession
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "wf-1", got.Details.WorkflowID)
}

func TestS3Archive(t *testing.T) {
	var mu sync.Mutex
	var method, path string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path = r.Method, r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  aws.AnonymousCredentials{},
		HTTPClient:   srv.Client(),
	})
	a := newArchiver(&s3Uploader{client: client, bucket: "reports"})

	loc, err := a.Store(context.Background(), finished())
	require.NoError(t, err)
	assert.Equal(t, "s3://reports/sessions/2025/05/06/sess-1.json", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/reports/sessions/2025/05/06/sess-1.json", path)
	assert.Contains(t, string(body), "wf-1")
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forcesync/internal/clock"
	"forcesync/internal/config"
	"forcesync/internal/identity"
	"forcesync/internal/models"
	"forcesync/internal/orchestrator"
	"forcesync/internal/queue"
	"forcesync/internal/ratelimit"
	"forcesync/internal/store"
	"forcesync/internal/workflow"
)

type harness struct {
	srv *httptest.Server
	o   *orchestrator.Orchestrator
}

func newHarness(t *testing.T, cfg config.Config, limiter ratelimit.Limiter) harness {
	t.Helper()
	return newHarnessWithEngine(t, cfg, limiter, workflow.NewLocalEngine("http://engine.test"))
}

func newHarnessWithEngine(t *testing.T, cfg config.Config, limiter ratelimit.Limiter, engine workflow.Engine) harness {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC))
	o := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Store:     store.NewMemoryStore(),
		Queue:     queue.NewMemory(),
		Engine:    engine,
		Validator: identity.NewValidator(identity.DefaultPin()),
		Clock:     fc,
		Origin:    "api-test",
	})
	t.Cleanup(o.Shutdown)
	srv := httptest.NewServer(New(cfg, o, limiter).Router())
	t.Cleanup(srv.Close)
	return harness{srv: srv, o: o}
}

func (h harness) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestTriggerSync(t *testing.T) {
	h := newHarness(t, config.Defaults(), nil)

	resp, body := h.do(t, http.MethodPost, "/sync", `{"sync_scope":"quick","triggered_by":"ops"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "completed", body["status"])
	assert.True(t, strings.HasPrefix(body["workflow_id"].(string), "wf-"))
	assert.Equal(t, "/sync/status/"+body["session_id"].(string), body["polling_url"])
	assert.Equal(t, "2m0s", body["estimated_duration"])
	assert.Equal(t, false, body["external_enhanced"])
}

func TestTriggerFlagsPlaceholderSuccess(t *testing.T) {
	down := workflow.EngineFunc(func(context.Context, workflow.Request) (workflow.Response, error) {
		return workflow.Response{}, errors.New("engine unreachable")
	})
	h := newHarnessWithEngine(t, config.Defaults(), nil, down)

	resp, body := h.do(t, http.MethodPost, "/sync", `{"sync_scope":"quick"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["internal_placeholder"])
	assert.True(t, strings.HasPrefix(body["workflow_id"].(string), "placeholder-"))

	_, body = newHarness(t, config.Defaults(), nil).do(t, http.MethodPost, "/sync", `{}`, nil)
	assert.Equal(t, false, body["internal_placeholder"])
}

func TestTriggerEmptyBodyUsesDefaults(t *testing.T) {
	h := newHarness(t, config.Defaults(), nil)
	resp, body := h.do(t, http.MethodPost, "/sync", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.ScopePriorityPlatforms.EstimatedDuration().String(), body["estimated_duration"])
}

func TestTriggerRejectsInvalidBody(t *testing.T) {
	h := newHarness(t, config.Defaults(), nil)
	for _, body := range []string{
		`{"sync_scope":"everything"}`,
		`{"unexpected":true}`,
		`{"client_context":{"recipients":"nobody"}}`,
		`not json`,
	} {
		resp, out := h.do(t, http.MethodPost, "/sync", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, false, out["success"], body)
		assert.NotEmpty(t, out["message"], body)
	}
}

func TestTriggerConflict(t *testing.T) {
	h := newHarness(t, config.Defaults(), nil)
	queued, err := h.o.TriggerAsync(context.Background(), models.ForceSyncOptions{})
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodPost, "/sync", `{}`, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, queued.ID, body["session_id"])
	assert.Equal(t, "/sync/status/"+queued.ID, body["polling_url"])
}

func TestTriggerInvalidIdentityConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Env = "production"
	cfg.ExternalWebhookURL = "https://attacker.example.com/hook"
	cfg.ExternalWebhookToken = "changeme"
	h := newHarness(t, cfg, nil)

	resp, body := h.do(t, http.MethodPost, "/sync", `{}`, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.NotContains(t, body["message"], "attacker")
}

func TestAsyncStatusAndCancel(t *testing.T) {
	h := newHarness(t, config.Defaults(), nil)

	resp, body := h.do(t, http.MethodPost, "/sync/async", `{"sync_scope":"full"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	id := body["job_id"].(string)
	urls := body["polling_urls"].(map[string]any)
	assert.Equal(t, "/sync/status/"+id, urls["status"])
	assert.Equal(t, "/sync/events/"+body["correlation_id"].(string), urls["events"])

	resp, body = h.do(t, http.MethodGet, "/sync/status/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(0), body["progress"])

	resp, body = h.do(t, http.MethodDelete, "/sync/status/"+id+"?reason=operator", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "operator", body["message"])

	resp, _ = h.do(t, http.MethodDelete, "/sync/status/"+id, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/sync/status/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, "/sync/status/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsHistoryAndStream(t *testing.T) {
	h := newHarness(t, config.Defaults(), nil)
	s, err := h.o.Trigger(context.Background(), models.ForceSyncOptions{})
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodGet, "/sync/events/"+s.CorrelationID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]any)
	require.Len(t, events, 4)
	assert.Equal(t, "job.completed", events[3].(map[string]any)["event_type"])

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/sync/events/"+s.CorrelationID, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	sse, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer sse.Body.Close()
	assert.Equal(t, "text/event-stream", sse.Header.Get("Content-Type"))
	raw, err := io.ReadAll(sse.Body)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(raw), "event: "))
	assert.Contains(t, string(raw), "event: job.completed\n")

	resp, body = h.do(t, http.MethodGet, "/sync/events/unknown", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["events"])
}

func TestRateLimitPerTenant(t *testing.T) {
	h := newHarness(t, config.Defaults(), ratelimit.NewLocal(1, 0.0001))

	resp, _ := h.do(t, http.MethodPost, "/sync/async", `{}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/sync/async", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	// Another tenant passes the limiter and hits single-flight admission.
	resp, _ = h.do(t, http.MethodPost, "/sync", `{}`, map[string]string{"X-Tenant-ID": "other"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLastCompleted(t *testing.T) {
	h := newHarness(t, config.Defaults(), nil)
	_, body := h.do(t, http.MethodGet, "/sync/last", "", nil)
	assert.Nil(t, body["last_completed_at"])

	_, err := h.o.Trigger(context.Background(), models.ForceSyncOptions{})
	require.NoError(t, err)
	_, body = h.do(t, http.MethodGet, "/sync/last", "", nil)
	assert.Equal(t, "2025-03-04T12:00:00Z", body["last_completed_at"])
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, config.Defaults(), nil)
	resp, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "forcesync_queue_depth")
}

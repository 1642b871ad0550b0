package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forcesync/internal/admission"
	"forcesync/internal/clock"
	"forcesync/internal/config"
	"forcesync/internal/identity"
	"forcesync/internal/models"
	"forcesync/internal/queue"
	"forcesync/internal/session"
	"forcesync/internal/store"
	"forcesync/internal/webhook"
	"forcesync/internal/workflow"
)

var engineOK = workflow.EngineFunc(func(ctx context.Context, req workflow.Request) (workflow.Response, error) {
	return workflow.Response{WorkflowID: "wf-" + req.CorrelationID[:8], SessionID: "s"}, nil
})

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.PublicBaseURL = "http://sync.test"
	cfg.WebhookMaxRetries = 2
	return cfg
}

type env struct {
	o     *Orchestrator
	clock *clock.Fake
	queue *queue.Memory
	store store.Store
}

func newEnv(t *testing.T, cfg config.Config, engine workflow.Engine, opts ...webhook.Option) env {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	q := queue.NewMemory()
	st := store.NewMemoryStore()
	o := New(Options{
		Config:        cfg,
		Store:         st,
		Queue:         q,
		Engine:        engine,
		Validator:     identity.NewValidator(identity.Pin{Domain: "127.0.0.1", AccountID: "acct"}),
		Clock:         fc,
		Origin:        "test",
		CallerOptions: append(opts, webhook.WithClock(fc), webhook.WithJitter(func(time.Duration) time.Duration { return 0 })),
	})
	require.NoError(t, o.Init(context.Background()))
	t.Cleanup(o.Shutdown)
	return env{o: o, clock: fc, queue: q, store: st}
}

func eventTypes(t *testing.T, o *Orchestrator, corr string) []models.EventType {
	t.Helper()
	hist, err := o.History(context.Background(), corr)
	require.NoError(t, err)
	out := make([]models.EventType, len(hist))
	for i, ev := range hist {
		out[i] = ev.EventType
	}
	return out
}

func TestSyncTriggerCompletes(t *testing.T) {
	e := newEnv(t, testConfig(), engineOK)
	assert.True(t, e.o.LastCompletedAt().IsZero())

	s, err := e.o.Trigger(context.Background(), models.ForceSyncOptions{SyncScope: models.ScopeQuick})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, s.Status)
	assert.True(t, s.Details.Success)
	assert.Equal(t, models.TierNotConfigured, s.Details.External.Status)
	assert.Equal(t, e.clock.Now(), e.o.LastCompletedAt())

	assert.Equal(t, []models.EventType{
		models.EventJobStarted,
		models.EventInternalTierCompleted,
		models.EventAgentCompleted,
		models.EventJobCompleted,
	}, eventTypes(t, e.o, s.CorrelationID))

	// A second trigger is admitted once the first finished.
	_, err = e.o.Trigger(context.Background(), models.ForceSyncOptions{})
	assert.NoError(t, err)
}

func TestSyncTriggerConflictsWithInFlight(t *testing.T) {
	e := newEnv(t, testConfig(), engineOK)
	queued, err := e.o.TriggerAsync(context.Background(), models.ForceSyncOptions{})
	require.NoError(t, err)

	_, err = e.o.Trigger(context.Background(), models.ForceSyncOptions{})
	var conflict *admission.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, queued.ID, conflict.Existing.ID)
	assert.Equal(t, "http://sync.test/sync/status/"+queued.ID, conflict.PollingURL)
}

func TestStrictInvalidConfigRejectsTrigger(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.ExternalWebhookURL = "https://elsewhere.example.com/acct"
	cfg.ExternalWebhookToken = "short"
	e := newEnv(t, cfg, engineOK)

	_, err := e.o.Trigger(context.Background(), models.ForceSyncOptions{})
	var cfgErr *identity.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, cfgErr.Errors, 2)

	_, err = e.o.TriggerAsync(context.Background(), models.ForceSyncOptions{})
	assert.ErrorAs(t, err, &cfgErr)
	depth, _ := e.queue.Depth(context.Background())
	assert.Zero(t, depth)
}

func TestAsyncLifecycle(t *testing.T) {
	e := newEnv(t, testConfig(), engineOK)
	ctx := context.Background()

	s, err := e.o.TriggerAsync(ctx, models.ForceSyncOptions{SyncScope: models.ScopeFull})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, s.Status)

	id, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	final, err := e.o.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.ProgressPercent)

	assert.Equal(t, []models.EventType{
		models.EventJobQueued,
		models.EventJobStarted,
		models.EventInternalTierCompleted,
		models.EventAgentCompleted,
		models.EventJobCompleted,
	}, eventTypes(t, e.o, s.CorrelationID))

	// Re-delivery of a finished job leaves it untouched.
	again, err := e.o.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, final.Version, again.Version)
}

func TestCancelQueuedJob(t *testing.T) {
	e := newEnv(t, testConfig(), engineOK)
	ctx := context.Background()
	s, err := e.o.TriggerAsync(ctx, models.ForceSyncOptions{})
	require.NoError(t, err)

	cancelled, err := e.o.Cancel(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	depth, _ := e.queue.Depth(ctx)
	assert.Zero(t, depth)

	_, err = e.o.Cancel(ctx, s.ID, "")
	assert.ErrorIs(t, err, session.ErrNotCancellable)

	got, err := e.o.Execute(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.Details)
}

func TestIdentityMismatchFailsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "wf-foreign"})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.IdentityStrict = true
	cfg.ExternalWebhookURL = srv.URL + "/acct/hook"
	cfg.ExternalWebhookToken = strings.Repeat("xy12", 9)
	e := newEnv(t, cfg, engineOK, webhook.WithHTTPClient(srv.Client()))

	s, err := e.o.Trigger(context.Background(), models.ForceSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, s.Status)
	assert.False(t, s.Details.Success)
	assert.NotEmpty(t, s.Details.Internal.WorkflowID)
	assert.Contains(t, s.Message, "identity mismatch")
	assert.True(t, e.o.LastCompletedAt().IsZero())
}

func TestTimeoutDiscardsLateInternalSuccess(t *testing.T) {
	var e env
	engine := workflow.EngineFunc(func(ctx context.Context, req workflow.Request) (workflow.Response, error) {
		e.clock.Advance(11 * time.Minute)
		return workflow.Response{WorkflowID: "wf-late"}, nil
	})
	e = newEnv(t, testConfig(), engine)

	s, err := e.o.Trigger(context.Background(), models.ForceSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, s.Status)
	assert.Nil(t, s.Details)

	types := eventTypes(t, e.o, s.CorrelationID)
	assert.Equal(t, models.EventJobTimeout, types[len(types)-1])
	assert.NotContains(t, types, models.EventInternalTierCompleted)
}

// storeUnwatched writes a session straight to the store so no deadline timer
// is armed for it, as when another process created it.
func storeUnwatched(t *testing.T, e env, deadline time.Time) *models.SyncSession {
	t.Helper()
	s := e.o.Sessions().NewSession(models.ForceSyncOptions{}, true)
	s.TimeoutDeadline = deadline
	require.NoError(t, e.store.Create(context.Background(), s))
	return s
}

func TestExecuteTimesOutSessionPastDeadline(t *testing.T) {
	calls := 0
	engine := workflow.EngineFunc(func(ctx context.Context, req workflow.Request) (workflow.Response, error) {
		calls++
		return workflow.Response{WorkflowID: "wf-stale"}, nil
	})
	e := newEnv(t, testConfig(), engine)
	s := storeUnwatched(t, e, e.clock.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := e.o.Execute(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, got.Status)
	assert.Nil(t, got.Details)
	assert.Zero(t, calls)

	types := eventTypes(t, e.o, s.CorrelationID)
	assert.Equal(t, models.EventJobTimeout, types[len(types)-1])
	assert.NotContains(t, types, models.EventJobCompleted)
}

func TestExecuteDiscardsResultsAfterUnwatchedDeadline(t *testing.T) {
	var e env
	engine := workflow.EngineFunc(func(ctx context.Context, req workflow.Request) (workflow.Response, error) {
		e.clock.Advance(2 * time.Minute)
		return workflow.Response{WorkflowID: "wf-late"}, nil
	})
	e = newEnv(t, testConfig(), engine)
	s := storeUnwatched(t, e, e.clock.Now().Add(time.Minute))

	got, err := e.o.Execute(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, got.Status)

	types := eventTypes(t, e.o, s.CorrelationID)
	assert.Equal(t, models.EventJobTimeout, types[len(types)-1])
	assert.NotContains(t, types, models.EventJobCompleted)
}

func TestSweepDropsOldSessionsAndStreams(t *testing.T) {
	e := newEnv(t, testConfig(), engineOK)
	ctx := context.Background()
	s, err := e.o.Trigger(ctx, models.ForceSyncOptions{})
	require.NoError(t, err)

	e.clock.Advance(2 * time.Hour)
	e.o.Sweep(ctx)

	_, err = e.o.Status(ctx, s.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	hist, err := e.o.History(ctx, s.CorrelationID)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.WebhookRetryableStatuses = []int{503}
	p := RetryPolicy(cfg)
	assert.True(t, p.Retryable(503))
	assert.False(t, p.Retryable(500))
	assert.Equal(t, 3, p.MaxRetries)

	cfg.WebhookRetryableStatuses = nil
	assert.True(t, RetryPolicy(cfg).Retryable(429))
}

func TestBootstrapMemoryWithArchive(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.ArchiveDir = dir

	rt, err := Bootstrap(context.Background(), cfg, "bootstrap-test")
	require.NoError(t, err)
	s, err := rt.Trigger(context.Background(), models.ForceSyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, s.Status)
	assert.True(t, strings.HasPrefix(s.Details.WorkflowID, "wf-"))
	rt.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "sessions", "*", "*", "*", s.ID+".json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	_, err = os.Stat(matches[0])
	assert.NoError(t, err)
}

func TestBootstrapRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.StoreBackend = "cassandra"
	_, err := Bootstrap(context.Background(), cfg, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

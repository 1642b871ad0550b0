package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forcesync/internal/config"
	"forcesync/internal/identity"
	"forcesync/internal/models"
	"forcesync/internal/orchestrator"
	"forcesync/internal/queue"
	"forcesync/internal/store"
	"forcesync/internal/workflow"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.WorkerCount = 2
	cfg.WorkerPollInterval = 10 * time.Millisecond
	return cfg
}

func newRedisQueue(t *testing.T) (*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, "test", time.Minute), mr
}

// stubRunner serves sessions from a map and records Execute calls.
type stubRunner struct {
	mu       sync.Mutex
	sessions map[string]*models.SyncSession
	executed []string
	onExec   func(id string)
}

func (r *stubRunner) Status(_ context.Context, id string) (*models.SyncSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (r *stubRunner) Execute(_ context.Context, id string) (*models.SyncSession, error) {
	if r.onExec != nil {
		r.onExec(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, id)
	s := r.sessions[id]
	s.Status = models.StatusCompleted
	return s, nil
}

func TestProcessorRunsQueuedSyncs(t *testing.T) {
	cfg := testConfig()
	q := queue.NewMemory()
	o := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Store:     store.NewMemoryStore(),
		Queue:     q,
		Engine:    workflow.NewLocalEngine("http://engine.test"),
		Validator: identity.NewValidator(identity.DefaultPin()),
		Origin:    "worker-test",
	})
	t.Cleanup(o.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewProcessorWithID(cfg, q, o, "w1").Run(ctx) }()

	s, err := o.TriggerAsync(context.Background(), models.ForceSyncOptions{SyncScope: models.ScopeQuick})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := o.Status(context.Background(), s.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	depth, _ := q.Depth(context.Background())
	assert.Zero(t, depth)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessTimesOutSessionPastDeadline(t *testing.T) {
	cfg := testConfig()
	q := queue.NewMemory()
	st := store.NewMemoryStore()
	o := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Store:     st,
		Queue:     q,
		Engine:    workflow.NewLocalEngine("http://engine.test"),
		Validator: identity.NewValidator(identity.DefaultPin()),
		Origin:    "worker-test",
	})
	t.Cleanup(o.Shutdown)

	ctx := context.Background()
	s := o.Sessions().NewSession(models.ForceSyncOptions{SyncScope: models.ScopeQuick}, true)
	s.TimeoutDeadline = time.Now().Add(-time.Second)
	require.NoError(t, st.Create(ctx, s))
	require.NoError(t, q.Enqueue(ctx, s.ID))
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)

	NewProcessor(cfg, q, o).process(ctx, id)

	got, err := o.Status(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, got.Status)
	assert.Nil(t, got.Details)
	depth, _ := q.Depth(ctx)
	assert.Zero(t, depth)
}

func TestProcessDeadLettersMissingSession(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "ghost"))
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)

	r := &stubRunner{sessions: map[string]*models.SyncSession{}}
	NewProcessor(testConfig(), q, r).process(ctx, id)

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, dlq)
	assert.Empty(t, r.executed)
}

func TestProcessSkipsFinishedSession(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	r := &stubRunner{sessions: map[string]*models.SyncSession{
		"done": {ID: "done", Status: models.StatusCancelled},
	}}
	require.NoError(t, q.Enqueue(ctx, "done"))
	id, _ := q.Dequeue(ctx)

	NewProcessor(testConfig(), q, r).process(ctx, id)
	assert.Empty(t, r.executed)
}

func TestProcessExtendsLeaseToSessionDeadline(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Minute)

	r := &stubRunner{sessions: map[string]*models.SyncSession{
		"s1": {ID: "s1", Status: models.StatusPending, TimeoutDeadline: deadline},
	}}
	var leaseScore float64
	r.onExec = func(id string) {
		score, err := mr.ZScore("test:queue:inflight", id)
		require.NoError(t, err)
		leaseScore = score
	}
	require.NoError(t, q.Enqueue(ctx, "s1"))
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)

	NewProcessor(testConfig(), q, r).process(ctx, id)

	assert.Equal(t, []string{"s1"}, r.executed)
	assert.GreaterOrEqual(t, leaseScore, float64(deadline.UnixMilli()))
	members, _ := mr.ZMembers("test:queue:inflight")
	assert.Empty(t, members)
}

func TestReclaimRequeuesLapsedLeases(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()
	mr.ZAdd("test:queue:inflight", float64(time.Now().Add(-time.Minute).UnixMilli()), "stale")

	NewProcessor(testConfig(), q, &stubRunner{}).reclaim(ctx)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, base)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*time.Second)
	assert.LessOrEqual(t, b3, 4*time.Second)

	assert.LessOrEqual(t, backoffWithJitter(base, max, 10), max)
}

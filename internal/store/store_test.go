package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forcesync/internal/models"
)

func newSession(id string, status models.Status, started time.Time) *models.SyncSession {
	return &models.SyncSession{
		ID:              id,
		CorrelationID:   "corr-" + id,
		Status:          status,
		Message:         "created",
		StartedAt:       started,
		UpdatedAt:       started,
		TimeoutDeadline: started.Add(10 * time.Minute),
		Options:         models.ForceSyncOptions{SyncScope: models.ScopeQuick, Metadata: map[string]any{"k": "v"}},
	}
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	b := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStore(client, "test")
		},
	}
	if dsn := os.Getenv("FORCESYNC_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) Store {
			ctx := context.Background()
			st, err := NewPostgres(ctx, dsn)
			require.NoError(t, err)
			require.NoError(t, st.RunMigrations(ctx))
			_, err = st.pool.Exec(ctx, `TRUNCATE sync_sessions, lifecycle_events`)
			require.NoError(t, err)
			return st
		}
	}
	return b
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				s := newSession("a", models.StatusPending, time.Now().UTC().Truncate(time.Millisecond))
				require.NoError(t, st.Create(ctx, s))
				assert.Equal(t, int64(1), s.Version)
				assert.ErrorIs(t, st.Create(ctx, newSession("a", models.StatusPending, time.Now())), ErrExists)

				got, err := st.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, "corr-a", got.CorrelationID)
				assert.Equal(t, "v", got.Options.Metadata["k"])

				_, err = st.Get(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("compare and swap", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				s := newSession("b", models.StatusPending, time.Now().UTC())
				require.NoError(t, st.Create(ctx, s))

				stale := s.Clone()
				s.Status = models.StatusInProgress
				s.ProgressPercent = 10
				require.NoError(t, st.CompareAndSwap(ctx, s))
				assert.Equal(t, int64(2), s.Version)

				stale.Status = models.StatusCancelled
				assert.ErrorIs(t, st.CompareAndSwap(ctx, stale), ErrVersionConflict)

				got, err := st.Get(ctx, "b")
				require.NoError(t, err)
				assert.Equal(t, models.StatusInProgress, got.Status)
				assert.Equal(t, 10, got.ProgressPercent)
				assert.Equal(t, int64(2), got.Version)

				assert.ErrorIs(t, st.CompareAndSwap(ctx, newSession("nope", models.StatusPending, time.Now())), ErrNotFound)
			})

			t.Run("single flight", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				first := newSession("first", models.StatusPending, time.Now().UTC())
				existing, err := st.CreateExclusive(ctx, first)
				require.NoError(t, err)
				assert.Nil(t, existing)

				existing, err = st.CreateExclusive(ctx, newSession("second", models.StatusPending, time.Now().UTC()))
				assert.ErrorIs(t, err, ErrActiveSession)
				require.NotNil(t, existing)
				assert.Equal(t, "first", existing.ID)

				now := time.Now().UTC()
				first.Status = models.StatusInProgress
				require.NoError(t, st.CompareAndSwap(ctx, first))
				first.Status = models.StatusCompleted
				first.CompletedAt = &now
				require.NoError(t, st.CompareAndSwap(ctx, first))

				existing, err = st.CreateExclusive(ctx, newSession("third", models.StatusPending, time.Now().UTC()))
				require.NoError(t, err)
				assert.Nil(t, existing)

				active, err := st.ListNonTerminal(ctx)
				require.NoError(t, err)
				require.Len(t, active, 1)
				assert.Equal(t, "third", active[0].ID)
			})

			t.Run("concurrent admission admits one", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				var wg sync.WaitGroup
				var mu sync.Mutex
				admitted := 0
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := st.CreateExclusive(ctx, newSession(uuid.NewString(), models.StatusPending, time.Now().UTC()))
						if err == nil {
							mu.Lock()
							admitted++
							mu.Unlock()
						} else if !errors.Is(err, ErrActiveSession) {
							t.Errorf("unexpected error: %v", err)
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, 1, admitted)
			})

			t.Run("delete terminal before", func(t *testing.T) {
				st := open(t)
				defer st.Close()
				ctx := context.Background()
				base := time.Now().UTC().Add(-2 * time.Hour)

				old := newSession("old", models.StatusPending, base)
				recent := newSession("recent", models.StatusPending, base)
				live := newSession("live", models.StatusPending, base)
				for _, s := range []*models.SyncSession{old, recent, live} {
					require.NoError(t, st.Create(ctx, s))
				}
				finish := func(s *models.SyncSession, at time.Time) {
					s.Status = models.StatusInProgress
					require.NoError(t, st.CompareAndSwap(ctx, s))
					s.Status = models.StatusFailed
					s.CompletedAt = &at
					s.UpdatedAt = at
					require.NoError(t, st.CompareAndSwap(ctx, s))
				}
				finish(old, base.Add(time.Minute))
				finish(recent, time.Now().UTC())

				n, err := st.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-time.Hour))
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				_, err = st.Get(ctx, "old")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = st.Get(ctx, "recent")
				assert.NoError(t, err)
				_, err = st.Get(ctx, "live")
				assert.NoError(t, err)
			})
		})
	}
}

func TestRedisExclusivePrunesStaleActiveMembers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisStore(client, "test")
	ctx := context.Background()

	// An id left in the active set whose hash is gone must not block admission.
	require.NoError(t, client.SAdd(ctx, "test:sessions:active", "ghost").Err())
	existing, err := st.CreateExclusive(ctx, newSession("fresh", models.StatusPending, time.Now()))
	require.NoError(t, err)
	assert.Nil(t, existing)

	members, err := client.SMembers(ctx, "test:sessions:active").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, members)
}

func TestRedisExclusiveRetriesWhenConflictIsSwept(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisStore(client, "test")
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, newSession("old", models.StatusInProgress, time.Now())))
	swept := 0
	st.beforeLookup = func(id string) {
		if swept == 0 {
			swept++
			require.NoError(t, client.Del(ctx, "test:session:"+id).Err())
		}
	}

	existing, err := st.CreateExclusive(ctx, newSession("fresh", models.StatusPending, time.Now()))
	require.NoError(t, err)
	assert.Nil(t, existing)
	assert.Equal(t, 1, swept)

	got, err := st.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestRedisExclusiveDoesNotInventConflicts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisStore(client, "test")
	ctx := context.Background()

	// The hash exists but holds no document, so every lookup misses.
	require.NoError(t, client.SAdd(ctx, "test:sessions:active", "broken").Err())
	require.NoError(t, client.HSet(ctx, "test:session:broken", "version", 1).Err())

	existing, err := st.CreateExclusive(ctx, newSession("fresh", models.StatusPending, time.Now()))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrActiveSession)
	assert.Nil(t, existing)
}

func TestPostgresEventHistory(t *testing.T) {
	dsn := os.Getenv("FORCESYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORCESYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.RunMigrations(ctx))
	_, err = st.pool.Exec(ctx, `TRUNCATE lifecycle_events`)
	require.NoError(t, err)

	for i, typ := range []models.EventType{models.EventJobQueued, models.EventJobStarted, models.EventJobCompleted} {
		require.NoError(t, st.Append(ctx, models.LifecycleEvent{
			Seq: int64(i + 1), EventType: typ, CorrelationID: "c", JobID: "j",
			Timestamp: time.Now().UTC(), Fields: map[string]any{"i": i},
		}))
	}
	hist, err := st.History(ctx, "c")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, models.EventJobCompleted, hist[2].EventType)
	assert.Equal(t, float64(1), hist[1].Fields["i"])
}

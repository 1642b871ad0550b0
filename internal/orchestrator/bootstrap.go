package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"forcesync/internal/archive"
	"forcesync/internal/config"
	"forcesync/internal/events"
	"forcesync/internal/logger"
	"forcesync/internal/models"
	"forcesync/internal/queue"
	"forcesync/internal/store"
	"forcesync/internal/workflow"
)

// Runtime is an Orchestrator plus the backends built for it.
type Runtime struct {
	*Orchestrator
	Store    store.Store
	Queue    queue.Queue
	Redis    *redis.Client
	NATS     *events.NATSBus
	Archiver *archive.Archiver
	closers  []func()
}

// Close shuts the orchestrator down, then releases backends in reverse
// order of construction.
func (r *Runtime) Close() {
	r.Shutdown()
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Bootstrap builds every backend named by cfg. origin identifies this
// process in published events.
func Bootstrap(ctx context.Context, cfg config.Config, origin string) (*Runtime, error) {
	log := logger.Component("bootstrap")
	rt := &Runtime{}
	fail := func(err error) (*Runtime, error) {
		for i := len(rt.closers) - 1; i >= 0; i-- {
			rt.closers[i]()
		}
		return nil, err
	}

	needRedis := cfg.StoreBackend == "redis" || cfg.QueueBackend == "redis"
	if needRedis {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			_ = rt.Redis.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		client := rt.Redis
		rt.closers = append(rt.closers, func() { _ = client.Close() })
	}

	sinks := map[string]events.Appender{}
	var history HistoryReader
	switch strings.ToLower(cfg.StoreBackend) {
	case "", "memory":
		rt.Store = store.NewMemoryStore()
	case "redis":
		rt.Store = store.NewRedisStore(rt.Redis, "forcesync")
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return fail(err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			_ = pg.Close()
			return fail(fmt.Errorf("migrations: %w", err))
		}
		rt.Store = pg
		sinks["postgres"] = pg
		history = pg
	default:
		return fail(fmt.Errorf("unknown store backend %q", cfg.StoreBackend))
	}

	switch strings.ToLower(cfg.QueueBackend) {
	case "", "memory":
		rt.Queue = queue.NewMemory()
	case "redis":
		rt.Queue = queue.NewRedisQueue(rt.Redis, "forcesync", cfg.VisibilityTimeout)
	default:
		return fail(fmt.Errorf("unknown queue backend %q", cfg.QueueBackend))
	}

	eventLog := events.NewLog()
	if cfg.NATSURL != "" {
		bus, err := events.DialNATS(cfg.NATSURL, origin, cfg.NATSSubjectPrefix)
		if err != nil {
			return fail(err)
		}
		rt.NATS = bus
		rt.closers = append(rt.closers, bus.Close)
		sinks["nats"] = bus
		relayCtx, cancel := context.WithCancel(context.Background())
		rt.closers = append(rt.closers, cancel)
		if err := bus.Relay(relayCtx, origin, eventLog); err != nil {
			return fail(err)
		}
	}

	rt.closers = append(rt.closers, func() { _ = rt.Store.Close() })

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	var hooks []func(*models.SyncSession)
	if archiver != nil {
		rt.Archiver = archiver
		rt.closers = append(rt.closers, archiver.Close)
		hooks = append(hooks, archiver.Hook)
	}

	var engine workflow.Engine
	if cfg.InternalWorkflowURL != "" {
		engine = workflow.NewHTTPEngine(cfg.InternalWorkflowURL, cfg.InternalWorkflowTimeout)
	} else {
		log.Warn().Msg("INTERNAL_WORKFLOW_URL not set, using in-process workflow engine")
		engine = workflow.NewLocalEngine(cfg.PublicBaseURL)
	}

	rt.Orchestrator = New(Options{
		Config:     cfg,
		Store:      rt.Store,
		Queue:      rt.Queue,
		Engine:     engine,
		Origin:     origin,
		Log:        eventLog,
		Sinks:      sinks,
		History:    history,
		OnTerminal: hooks,
	})

	if err := rt.Init(ctx); err != nil {
		rt.Shutdown()
		return fail(err)
	}
	log.Info().
		Str("store", cfg.StoreBackend).
		Str("queue", cfg.QueueBackend).
		Bool("nats", rt.NATS != nil).
		Bool("archive", rt.Archiver != nil).
		Msg("orchestrator ready")
	return rt, nil
}

// Package orchestrator ties the session manager, admission controller,
// executor and event log into one explicitly constructed instance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forcesync/internal/admission"
	"forcesync/internal/clock"
	"forcesync/internal/config"
	"forcesync/internal/events"
	"forcesync/internal/executor"
	"forcesync/internal/identity"
	"forcesync/internal/logger"
	"forcesync/internal/models"
	"forcesync/internal/queue"
	"forcesync/internal/session"
	"forcesync/internal/store"
	"forcesync/internal/telemetry"
	"forcesync/internal/webhook"
	"forcesync/internal/workflow"
)

// HistoryReader serves event timelines from durable storage.
type HistoryReader interface {
	History(ctx context.Context, correlationID string) ([]models.LifecycleEvent, error)
}

// Options wires an Orchestrator. Store, Queue and Engine are required.
type Options struct {
	Config        config.Config
	Store         store.Store
	Queue         queue.Queue
	Engine        workflow.Engine
	Validator     *identity.Validator
	Clock         clock.Clock
	Origin        string
	Log           *events.Log
	Sinks         map[string]events.Appender
	History       HistoryReader
	CallerOptions []webhook.Option
	// OnTerminal hooks run after every terminal transition, e.g. archiving.
	OnTerminal []func(*models.SyncSession)
}

type Orchestrator struct {
	cfg       config.Config
	clock     clock.Clock
	validator *identity.Validator
	sessions  *session.Manager
	admission *admission.Controller
	exec      *executor.Executor
	queue     queue.Queue
	log       *events.Log
	history   HistoryReader
	pub       *events.Publisher
	logger    zerolog.Logger

	mu            sync.RWMutex
	lastCompleted time.Time

	wg sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Validator == nil {
		opts.Validator = identity.NewValidator(identity.DefaultPin())
	}
	if opts.Log == nil {
		opts.Log = events.NewLog()
	}
	cfg := opts.Config

	pub := events.NewPublisher(opts.Origin, opts.Clock)
	pub.AddSink("log", opts.Log)
	for name, s := range opts.Sinks {
		pub.AddSink(name, s)
	}

	sessions := session.NewManager(session.Options{
		Store:     opts.Store,
		Clock:     opts.Clock,
		Publisher: pub,
		Timeout:   cfg.SessionTimeout,
		Retention: cfg.SessionRetention,
	})

	o := &Orchestrator{
		cfg:       cfg,
		clock:     opts.Clock,
		validator: opts.Validator,
		sessions:  sessions,
		admission: admission.NewController(sessions, opts.Queue, pub, cfg.PublicBaseURL),
		queue:     opts.Queue,
		log:       opts.Log,
		history:   opts.History,
		pub:       pub,
		logger:    logger.Component("orchestrator"),
	}
	o.exec = executor.New(executor.Options{
		Engine:          opts.Engine,
		Tracker:         sessions,
		Validator:       opts.Validator,
		Config:          cfg,
		Policy:          RetryPolicy(cfg),
		InternalTimeout: cfg.InternalWorkflowTimeout,
		CallerOptions:   opts.CallerOptions,
		Clock:           opts.Clock,
	})

	sessions.OnTerminal(o.recordTerminal)
	for _, h := range opts.OnTerminal {
		sessions.OnTerminal(h)
	}
	return o
}

// RetryPolicy derives the webhook retry policy from configuration.
func RetryPolicy(cfg config.Config) models.RetryPolicy {
	statuses := make(map[int]bool, len(cfg.WebhookRetryableStatuses))
	for _, code := range cfg.WebhookRetryableStatuses {
		statuses[code] = true
	}
	if len(statuses) == 0 {
		statuses = models.DefaultRetryableStatuses()
	}
	return models.RetryPolicy{
		MaxRetries:        cfg.WebhookMaxRetries,
		BaseDelay:         cfg.WebhookBaseDelay,
		MaxDelay:          cfg.WebhookMaxDelay,
		Jitter:            cfg.WebhookJitter,
		RetryableStatuses: statuses,
	}
}

func (o *Orchestrator) recordTerminal(s *models.SyncSession) {
	if s.Status != models.StatusCompleted || s.CompletedAt == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.CompletedAt.After(o.lastCompleted) {
		o.lastCompleted = *s.CompletedAt
	}
}

// Init re-arms deadline timers for sessions left in flight.
func (o *Orchestrator) Init(ctx context.Context) error {
	n, err := o.sessions.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Info().Int("sessions", n).Msg("recovered in-flight sessions")
	}
	return nil
}

// CheckIdentity runs the identity validator against the loaded config.
func (o *Orchestrator) CheckIdentity() identity.Result {
	return o.validator.Validate(o.cfg)
}

func (o *Orchestrator) preflight() error {
	if err := o.CheckIdentity().Err(); err != nil {
		telemetry.IdentityViolations.Inc()
		return err
	}
	return nil
}

// Trigger admits a synchronous sync and runs it to a terminal state before
// returning. The run is detached from ctx cancellation and bounded by the
// session deadline.
func (o *Orchestrator) Trigger(ctx context.Context, opts models.ForceSyncOptions) (*models.SyncSession, error) {
	if err := o.preflight(); err != nil {
		telemetry.TriggersTotal.WithLabelValues("sync", "invalid_config").Inc()
		return nil, err
	}
	s, err := o.admission.Admit(ctx, opts)
	if err != nil {
		var ce *admission.ConflictError
		if errors.As(err, &ce) {
			telemetry.TriggersTotal.WithLabelValues("sync", "conflict").Inc()
		} else {
			telemetry.TriggersTotal.WithLabelValues("sync", "error").Inc()
		}
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.TimeoutDeadline.Sub(o.clock.Now()))
	defer cancel()
	final, err := o.Execute(runCtx, s.ID)
	if err != nil {
		telemetry.TriggersTotal.WithLabelValues("sync", "error").Inc()
		return final, err
	}
	telemetry.TriggersTotal.WithLabelValues("sync", string(final.Status)).Inc()
	return final, nil
}

// TriggerAsync queues a sync for a worker and returns immediately.
func (o *Orchestrator) TriggerAsync(ctx context.Context, opts models.ForceSyncOptions) (*models.SyncSession, error) {
	if err := o.preflight(); err != nil {
		telemetry.TriggersTotal.WithLabelValues("async", "invalid_config").Inc()
		return nil, err
	}
	s, err := o.admission.Enqueue(ctx, opts)
	if err != nil {
		telemetry.TriggersTotal.WithLabelValues("async", "error").Inc()
		return nil, err
	}
	telemetry.TriggersTotal.WithLabelValues("async", "queued").Inc()
	return s, nil
}

// Execute runs the executor for a stored session and records the outcome.
// Sessions that are already terminal are returned untouched, and a session
// whose deadline has passed is timed out rather than run or recorded.
func (o *Orchestrator) Execute(ctx context.Context, id string) (*models.SyncSession, error) {
	wctx := context.WithoutCancel(ctx)
	s, err := o.sessions.Get(wctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	log := o.logger.With().Str("session_id", s.ID).Str("correlation_id", s.CorrelationID).Logger()

	if o.overdue(s) {
		return o.expire(wctx, id)
	}
	s, err = o.sessions.Start(wctx, id, "Sync started")
	if errors.Is(err, session.ErrTerminal) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	results, err := o.exec.Run(ctx, s)
	if errors.Is(err, executor.ErrAborted) {
		log.Info().Msg("session finished during execution, results discarded")
		return o.sessions.Get(wctx, id)
	}
	if err != nil {
		return nil, err
	}
	if o.overdue(s) {
		log.Warn().Msg("results arrived after the deadline, discarded")
		return o.expire(wctx, id)
	}

	var final *models.SyncSession
	if results.Success {
		final, err = o.sessions.Complete(wctx, id, results, "Force sync completed")
	} else {
		msg := "Force sync failed"
		if results.Error != "" {
			msg = "Force sync failed: " + results.Error
		}
		final, err = o.sessions.Fail(wctx, id, results, msg)
	}
	if errors.Is(err, session.ErrTerminal) {
		log.Info().Msg("session finished before results were recorded, results discarded")
		return o.sessions.Get(wctx, id)
	}
	return final, err
}

func (o *Orchestrator) overdue(s *models.SyncSession) bool {
	return !o.clock.Now().Before(s.TimeoutDeadline)
}

func (o *Orchestrator) expire(ctx context.Context, id string) (*models.SyncSession, error) {
	s, err := o.sessions.Expire(ctx, id)
	if errors.Is(err, session.ErrTerminal) {
		return s, nil
	}
	return s, err
}

func (o *Orchestrator) Status(ctx context.Context, id string) (*models.SyncSession, error) {
	return o.sessions.Get(ctx, id)
}

// Cancel marks a session cancelled and drops it from the queue if it never
// started.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*models.SyncSession, error) {
	s, err := o.sessions.Cancel(ctx, id, reason)
	if err != nil {
		return s, err
	}
	if s.Async {
		if qerr := o.queue.Cancel(ctx, id); qerr != nil {
			o.logger.Warn().Err(qerr).Str("session_id", id).Msg("could not remove cancelled job from queue")
		}
	}
	return s, nil
}

// History returns the ordered events for correlationID.
func (o *Orchestrator) History(ctx context.Context, correlationID string) ([]models.LifecycleEvent, error) {
	hist, err := o.log.History(ctx, correlationID)
	if err != nil || len(hist) > 0 || o.history == nil {
		return hist, err
	}
	return o.history.History(ctx, correlationID)
}

// Subscribe follows correlationID until its final event or ctx is done.
func (o *Orchestrator) Subscribe(ctx context.Context, correlationID string) (<-chan models.LifecycleEvent, error) {
	return o.log.Subscribe(ctx, correlationID)
}

// LastCompletedAt is when the most recent successful sync finished in this
// process; zero if none has.
func (o *Orchestrator) LastCompletedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastCompleted
}

// StatusURL and EventsURL build the polling locations returned to callers.
func (o *Orchestrator) StatusURL(id string) string { return o.admission.StatusURL(id) }

func (o *Orchestrator) EventsURL(correlationID string) string {
	return o.admission.EventsURL(correlationID)
}

// Sessions exposes the lifecycle manager to the worker.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// StartJanitor sweeps expired sessions and stale event streams in the
// background until ctx is done.
func (o *Orchestrator) StartJanitor(ctx context.Context) {
	interval := o.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			if err := o.clock.Sleep(ctx, interval); err != nil {
				return
			}
			o.Sweep(ctx)
		}
	}()
}

// Sweep runs one retention pass.
func (o *Orchestrator) Sweep(ctx context.Context) {
	if _, err := o.sessions.Sweep(ctx); err != nil {
		o.logger.Error().Err(err).Msg("session sweep failed")
	}
	retention := o.cfg.SessionRetention
	if retention <= 0 {
		retention = time.Hour
	}
	o.log.Prune(o.clock.Now().Add(-retention))
}

// Shutdown disarms timers and waits for background work started by
// StartJanitor. Sessions remain in the store for the next Init.
func (o *Orchestrator) Shutdown() {
	o.sessions.Shutdown()
	o.wg.Wait()
}

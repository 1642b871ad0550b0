// Package worker runs queued async syncs.
package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forcesync/internal/clock"
	"forcesync/internal/config"
	"forcesync/internal/logger"
	"forcesync/internal/models"
	"forcesync/internal/queue"
	"forcesync/internal/store"
	"forcesync/internal/telemetry"
)

const (
	maintenanceInterval = 2 * time.Second
	reclaimBatch        = 100
	leaseGrace          = 30 * time.Second
)

// Runner executes a stored session to a terminal state.
type Runner interface {
	Status(ctx context.Context, id string) (*models.SyncSession, error)
	Execute(ctx context.Context, id string) (*models.SyncSession, error)
}

// Optional queue capabilities. The Redis queue has all of them.
type (
	leaser interface {
		ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	}
	reclaimer interface {
		RequeueExpired(ctx context.Context, limit int64) ([]string, error)
	}
	deadLetterer interface {
		DeadLetter(ctx context.Context, jobID string) error
	}
	notifier interface {
		Ready() <-chan struct{}
	}
)

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    queue.Queue
	runner   Runner
	clock    clock.Clock
	workerID string
	log      zerolog.Logger
}

func NewProcessor(cfg config.Config, q queue.Queue, r Runner) *Processor {
	return NewProcessorWithID(cfg, q, r, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for logs.
func NewProcessorWithID(cfg config.Config, q queue.Queue, r Runner, workerID string) *Processor {
	l := logger.Component("worker")
	if workerID != "" {
		l = l.With().Str("worker_id", workerID).Logger()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   r,
		clock:    clock.Real(),
		workerID: workerID,
		log:      l,
	}
}

// WithClock replaces the clock used for lease and deadline arithmetic.
func (p *Processor) WithClock(c clock.Clock) *Processor {
	p.clock = c
	return p
}

// Run starts WorkerCount loops plus queue maintenance and blocks until ctx
// is cancelled and every in-flight job has finished. Jobs already running
// keep going until their session deadline.
func (p *Processor) Run(ctx context.Context) error {
	n := p.cfg.WorkerCount
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	p.log.Info().Int("loops", n).Msg("worker started")
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		p.reclaim(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reclaim requeues jobs whose worker died without acking and refreshes the
// depth gauge.
func (p *Processor) reclaim(ctx context.Context) {
	if r, ok := p.queue.(reclaimer); ok {
		ids, err := r.RequeueExpired(ctx, reclaimBatch)
		if err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("requeue expired leases failed")
		}
		if len(ids) > 0 {
			telemetry.LeasesReclaimed.Add(float64(len(ids)))
			p.log.Warn().Strs("job_ids", ids).Msg("reclaimed expired leases")
		}
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) loop(ctx context.Context, slot int) {
	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	failures := 0
	for ctx.Err() == nil {
		jobID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.log.Error().Err(err).Int("slot", slot).Msg("dequeue failed")
			p.wait(ctx, backoffWithJitter(poll, 30*poll, failures))
			continue
		}
		failures = 0
		if jobID == "" {
			p.wait(ctx, poll)
			continue
		}
		p.process(ctx, jobID)
	}
}

// wait sleeps for d, returning early when ctx is done or the queue signals
// new work.
func (p *Processor) wait(ctx context.Context, d time.Duration) {
	var ready <-chan struct{}
	if n, ok := p.queue.(notifier); ok {
		ready = n.Ready()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-ready:
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	log := p.log.With().Str("session_id", jobID).Logger()

	s, err := p.runner.Status(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("queued session not found, dead-lettering")
		if dl, ok := p.queue.(deadLetterer); ok {
			_ = dl.DeadLetter(ctx, jobID)
		} else {
			_ = p.queue.Ack(ctx, jobID)
		}
		telemetry.WorkerJobs.WithLabelValues("missing").Inc()
		return
	}
	if err != nil {
		// The lease lapses and the job is redelivered.
		log.Error().Err(err).Msg("load session failed")
		telemetry.WorkerJobs.WithLabelValues("error").Inc()
		return
	}
	if s.Status.Terminal() {
		_ = p.queue.Ack(ctx, jobID)
		log.Info().Str("status", string(s.Status)).Msg("session already finished, skipping")
		telemetry.WorkerJobs.WithLabelValues("skipped").Inc()
		return
	}

	remaining := s.TimeoutDeadline.Sub(p.clock.Now())
	if remaining <= 0 {
		// Execute times the session out without running it.
		log.Warn().Msg("session deadline passed while queued")
	}
	if l, ok := p.queue.(leaser); ok && remaining > 0 {
		if err := l.ExtendLease(ctx, jobID, remaining+leaseGrace); err != nil {
			log.Warn().Err(err).Msg("extend lease failed")
		}
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), max(remaining, 0))
	defer cancel()

	telemetry.InFlightGauge.Inc()
	final, err := p.runner.Execute(runCtx, jobID)
	telemetry.InFlightGauge.Dec()

	// A failed Execute is acked too; the session deadline finalizes it.
	if ackErr := p.queue.Ack(context.WithoutCancel(ctx), jobID); ackErr != nil {
		log.Warn().Err(ackErr).Msg("ack failed")
	}
	if err != nil {
		log.Error().Err(err).Msg("execute failed")
		telemetry.WorkerJobs.WithLabelValues("error").Inc()
		return
	}
	log.Info().Str("status", string(final.Status)).Msg("job finished")
	telemetry.WorkerJobs.WithLabelValues(string(final.Status)).Inc()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

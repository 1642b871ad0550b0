// Package session owns the lifecycle of sync sessions: creation, progress,
// deadline timers, cancellation and retention. It is the only writer of
// session records.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forcesync/internal/clock"
	"forcesync/internal/logger"
	"forcesync/internal/models"
	"forcesync/internal/store"
	"forcesync/internal/telemetry"
)

var (
	// ErrTerminal rejects writes to a session that already finished.
	ErrTerminal = errors.New("session is terminal")
	// ErrNotCancellable is returned when cancelling a finished session.
	ErrNotCancellable = errors.New("session cannot be cancelled")
)

const maxCASRetries = 8

// Publisher receives lifecycle events. events.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, typ models.EventType, correlationID, jobID string, fields map[string]any) models.LifecycleEvent
}

type nopPublisher struct{}

func (nopPublisher) Publish(_ context.Context, typ models.EventType, c, j string, f map[string]any) models.LifecycleEvent {
	return models.LifecycleEvent{EventType: typ, CorrelationID: c, JobID: j, Fields: f}
}

// Options configures a Manager.
type Options struct {
	Store     store.Store
	Clock     clock.Clock
	Publisher Publisher
	Timeout   time.Duration
	Retention time.Duration
}

// Manager tracks sessions in its store and the deadline timers armed by
// this process.
type Manager struct {
	store     store.Store
	clock     clock.Clock
	pub       Publisher
	timeout   time.Duration
	retention time.Duration
	log       zerolog.Logger

	mu         sync.Mutex
	timers     map[string]clock.Timer
	locks      map[string]*sync.Mutex
	onTerminal []func(*models.SyncSession)
	closed     bool
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	return &Manager{
		store:     opts.Store,
		clock:     opts.Clock,
		pub:       opts.Publisher,
		timeout:   opts.Timeout,
		retention: opts.Retention,
		log:       logger.Component("session"),
		timers:    make(map[string]clock.Timer),
		locks:     make(map[string]*sync.Mutex),
	}
}

// OnTerminal registers f to run after every terminal transition made by
// this manager. f must not block.
func (m *Manager) OnTerminal(f func(*models.SyncSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = append(m.onTerminal, f)
}

// NewSession builds a pending session with fresh identifiers and a deadline.
func (m *Manager) NewSession(opts models.ForceSyncOptions, async bool) *models.SyncSession {
	now := m.clock.Now().UTC()
	return &models.SyncSession{
		ID:              uuid.NewString(),
		CorrelationID:   uuid.NewString(),
		Status:          models.StatusPending,
		Message:         "Sync session created",
		Options:         opts.Clone(),
		Async:           async,
		StartedAt:       now,
		UpdatedAt:       now,
		TimeoutDeadline: now.Add(m.timeout),
	}
}

// Create stores s and arms its deadline timer.
func (m *Manager) Create(ctx context.Context, s *models.SyncSession) error {
	if err := m.store.Create(ctx, s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	m.created(s)
	return nil
}

// CreateExclusive stores s only if no other session is in flight. On
// conflict the in-flight session is returned with store.ErrActiveSession.
func (m *Manager) CreateExclusive(ctx context.Context, s *models.SyncSession) (*models.SyncSession, error) {
	existing, err := m.store.CreateExclusive(ctx, s)
	if err != nil {
		return existing, err
	}
	m.created(s)
	return nil, nil
}

func (m *Manager) created(s *models.SyncSession) {
	m.log.Info().
		Str("session_id", s.ID).
		Str("correlation_id", s.CorrelationID).
		Time("deadline", s.TimeoutDeadline).
		Msg("session created")
	m.arm(s.ID, s.TimeoutDeadline)
}

func (m *Manager) Get(ctx context.Context, id string) (*models.SyncSession, error) {
	return m.store.Get(ctx, id)
}

// Start moves a pending session to in_progress and emits job.started.
func (m *Manager) Start(ctx context.Context, id, message string) (*models.SyncSession, error) {
	return m.mutate(ctx, id, models.EventJobStarted, nil, func(s *models.SyncSession) error {
		if s.Status == models.StatusPending {
			s.Status = models.StatusInProgress
		}
		s.Message = message
		return nil
	})
}

// Progress records a progress update. A pending session moves to
// in_progress; the percentage never decreases. When ev is set it is
// published after the write succeeds.
func (m *Manager) Progress(ctx context.Context, id string, percent int, message string, ev models.EventType, fields map[string]any) (*models.SyncSession, error) {
	return m.mutate(ctx, id, ev, fields, func(s *models.SyncSession) error {
		if s.Status == models.StatusPending {
			s.Status = models.StatusInProgress
		}
		s.ProgressPercent = max(s.ProgressPercent, min(max(percent, 0), 100))
		if message != "" {
			s.Message = message
		}
		return nil
	})
}

// Complete finishes the session successfully with results.
func (m *Manager) Complete(ctx context.Context, id string, results *models.SyncResults, message string) (*models.SyncSession, error) {
	return m.finish(ctx, id, models.StatusCompleted, message, results)
}

// Fail finishes the session unsuccessfully. results may be nil.
func (m *Manager) Fail(ctx context.Context, id string, results *models.SyncResults, message string) (*models.SyncSession, error) {
	return m.finish(ctx, id, models.StatusFailed, message, results)
}

// Cancel stops a non-terminal session. In-flight tier calls are not
// interrupted; their late results are discarded.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*models.SyncSession, error) {
	if reason == "" {
		reason = "Sync cancelled"
	}
	s, err := m.finish(ctx, id, models.StatusCancelled, reason, nil)
	if errors.Is(err, ErrTerminal) {
		return s, fmt.Errorf("%w: %w", ErrNotCancellable, err)
	}
	return s, err
}

// Expire times out a session whose deadline passed.
func (m *Manager) Expire(ctx context.Context, id string) (*models.SyncSession, error) {
	return m.finish(ctx, id, models.StatusTimeout, "Sync exceeded its deadline", nil)
}

func (m *Manager) finish(ctx context.Context, id string, status models.Status, message string, results *models.SyncResults) (*models.SyncSession, error) {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return cur, ErrTerminal
	}
	if cur.Status == models.StatusPending {
		// Pending sessions pass through in_progress so only legal edges
		// are ever stored.
		if _, err := m.write(ctx, id, func(s *models.SyncSession) error {
			if s.Status == models.StatusPending {
				s.Status = models.StatusInProgress
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	s, err := m.write(ctx, id, func(s *models.SyncSession) error {
		now := m.clock.Now().UTC()
		s.Status = status
		s.Message = message
		s.CompletedAt = &now
		if status == models.StatusCompleted {
			s.ProgressPercent = 100
		}
		if results != nil {
			s.Details = results
		}
		return nil
	})
	if err != nil {
		return s, err
	}

	m.disarm(id)
	telemetry.SessionsFinished.WithLabelValues(string(status)).Inc()

	fields := map[string]any{"status": string(status), "message": message}
	if s.Details != nil {
		fields["success"] = s.Details.Success
		if s.Details.WorkflowID != "" {
			fields["workflow_id"] = s.Details.WorkflowID
		}
	}
	m.pub.Publish(ctx, finalEvent(status), s.CorrelationID, s.ID, fields)
	m.log.Info().
		Str("session_id", s.ID).
		Str("correlation_id", s.CorrelationID).
		Str("status", string(status)).
		Msg(message)

	m.mu.Lock()
	hooks := make([]func(*models.SyncSession), len(m.onTerminal))
	copy(hooks, m.onTerminal)
	m.mu.Unlock()
	for _, h := range hooks {
		h(s.Clone())
	}
	return s, nil
}

func finalEvent(s models.Status) models.EventType {
	switch s {
	case models.StatusCompleted:
		return models.EventJobCompleted
	case models.StatusTimeout:
		return models.EventJobTimeout
	case models.StatusCancelled:
		return models.EventJobCancelled
	}
	return models.EventJobFailed
}

// mutate applies a non-terminal update under the session lock and publishes
// ev if the write succeeded.
func (m *Manager) mutate(ctx context.Context, id string, ev models.EventType, fields map[string]any, fn func(*models.SyncSession) error) (*models.SyncSession, error) {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.write(ctx, id, fn)
	if err != nil {
		return s, err
	}
	if ev != "" {
		m.pub.Publish(ctx, ev, s.CorrelationID, s.ID, fields)
	}
	return s, nil
}

// write runs a read-modify-CAS loop. The transition made by fn is checked
// against the state machine; writes to terminal sessions return ErrTerminal.
func (m *Manager) write(ctx context.Context, id string, fn func(*models.SyncSession) error) (*models.SyncSession, error) {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return cur, ErrTerminal
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return cur, err
		}
		if next.Status != cur.Status && !models.CanTransition(cur.Status, next.Status) {
			return cur, fmt.Errorf("illegal transition %s -> %s", cur.Status, next.Status)
		}
		next.UpdatedAt = m.clock.Now().UTC()
		err = m.store.CompareAndSwap(ctx, next)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return cur, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("update session %s: %w", id, store.ErrVersionConflict)
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// arm registers the deadline timer under m.mu so a timer that fires early
// cannot be disarmed before it is recorded.
func (m *Manager) arm(id string, deadline time.Time) {
	d := deadline.Sub(m.clock.Now())
	if d <= 0 {
		m.expire(id)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if old, ok := m.timers[id]; ok {
		old.Stop()
	} else {
		telemetry.ActiveSessions.Inc()
	}
	m.timers[id] = m.clock.AfterFunc(d, func() { m.expire(id) })
}

func (m *Manager) disarm(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
		telemetry.ActiveSessions.Dec()
	}
}

// Armed reports how many deadline timers this manager holds.
func (m *Manager) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manager) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.Expire(ctx, id)
	switch {
	case err == nil:
		m.log.Warn().Str("session_id", id).Msg("session timed out")
	case errors.Is(err, ErrTerminal), errors.Is(err, store.ErrNotFound):
		m.disarm(id)
	default:
		m.log.Error().Err(err).Str("session_id", id).Msg("failed to time out session")
	}
}

// Recover arms timers for sessions left in flight by a previous process and
// times out the ones whose deadline already passed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	active, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	for _, s := range active {
		m.arm(s.ID, s.TimeoutDeadline)
	}
	return len(active), nil
}

// Sweep deletes terminal sessions older than the retention window and times
// out overdue sessions that no local timer is watching.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	active, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	for _, s := range active {
		if now.After(s.TimeoutDeadline) {
			m.expire(s.ID)
		}
	}

	n, err := m.store.DeleteTerminalBefore(ctx, now.Add(-m.retention))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	if n > 0 {
		telemetry.SweptSessions.Add(float64(n))
		m.log.Info().Int("count", n).Msg("swept terminal sessions")
	}
	m.pruneLocks(ctx)
	return n, nil
}

func (m *Manager) pruneLocks(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.locks))
	for id := range m.locks {
		if _, armed := m.timers[id]; !armed {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if _, err := m.store.Get(ctx, id); errors.Is(err, store.ErrNotFound) {
			m.mu.Lock()
			delete(m.locks, id)
			m.mu.Unlock()
		}
	}
}

// Shutdown disarms every timer. Sessions stay in the store for Recover.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
		telemetry.ActiveSessions.Dec()
	}
}

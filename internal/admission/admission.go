// Package admission decides whether a trigger may start a session now,
// must be rejected because another is in flight, or is queued for a worker.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"forcesync/internal/logger"
	"forcesync/internal/models"
	"forcesync/internal/queue"
	"forcesync/internal/session"
	"forcesync/internal/store"
	"forcesync/internal/telemetry"
)

// ConflictError reports the session that blocked a synchronous trigger.
type ConflictError struct {
	Existing   *models.SyncSession
	PollingURL string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync already in progress: session %s", e.Existing.ID)
}

func (e *ConflictError) Unwrap() error { return store.ErrActiveSession }

// Publisher is the subset of events.Publisher used here.
type Publisher = session.Publisher

// Controller is safe for concurrent use; atomicity of single-flight comes
// from the store.
type Controller struct {
	sessions *session.Manager
	queue    queue.Queue
	pub      Publisher
	baseURL  string
	log      zerolog.Logger
}

func NewController(sessions *session.Manager, q queue.Queue, pub Publisher, baseURL string) *Controller {
	return &Controller{
		sessions: sessions,
		queue:    q,
		pub:      pub,
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      logger.Component("admission"),
	}
}

// StatusURL is where a caller polls a session.
func (c *Controller) StatusURL(id string) string {
	return c.baseURL + "/sync/status/" + id
}

// EventsURL is where a caller follows a correlation id's timeline.
func (c *Controller) EventsURL(correlationID string) string {
	return c.baseURL + "/sync/events/" + correlationID
}

// Admit creates a session for a synchronous trigger unless one is already
// in flight, in which case a *ConflictError is returned.
func (c *Controller) Admit(ctx context.Context, opts models.ForceSyncOptions) (*models.SyncSession, error) {
	s := c.sessions.NewSession(opts, false)
	existing, err := c.sessions.CreateExclusive(ctx, s)
	if errors.Is(err, store.ErrActiveSession) && existing != nil {
		telemetry.AdmissionConflicts.Inc()
		c.log.Info().
			Str("existing_session_id", existing.ID).
			Str("correlation_id", existing.CorrelationID).
			Msg("trigger rejected, sync in flight")
		return nil, &ConflictError{Existing: existing, PollingURL: c.StatusURL(existing.ID)}
	}
	if err != nil {
		return nil, fmt.Errorf("admit sync: %w", err)
	}
	return s, nil
}

// Enqueue accepts an async trigger immediately and hands it to the queue.
// If the hand-off fails the session is failed so it never dangles.
func (c *Controller) Enqueue(ctx context.Context, opts models.ForceSyncOptions) (*models.SyncSession, error) {
	s := c.sessions.NewSession(opts, true)
	if err := c.sessions.Create(ctx, s); err != nil {
		return nil, err
	}
	c.pub.Publish(ctx, models.EventJobQueued, s.CorrelationID, s.ID, map[string]any{
		"sync_scope": string(s.Options.SyncScope),
	})
	if err := c.queue.Enqueue(ctx, s.ID); err != nil {
		c.log.Error().Err(err).Str("session_id", s.ID).Msg("enqueue failed")
		if _, ferr := c.sessions.Fail(ctx, s.ID, nil, "Failed to queue sync job"); ferr != nil {
			c.log.Error().Err(ferr).Str("session_id", s.ID).Msg("could not fail unqueued session")
		}
		return nil, fmt.Errorf("enqueue sync job: %w", err)
	}
	if depth, err := c.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	c.log.Info().Str("session_id", s.ID).Str("correlation_id", s.CorrelationID).Msg("sync job queued")
	return s, nil
}

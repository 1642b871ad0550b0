// Package store persists sync sessions behind a backend-neutral interface.
// Every write goes through an optimistic version check so that concurrent
// writers in one or many processes cannot overwrite each other.
package store

import (
	"context"
	"errors"
	"time"

	"forcesync/internal/models"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrExists          = errors.New("session already exists")
	ErrVersionConflict = errors.New("session version conflict")
	// ErrActiveSession is returned by CreateExclusive alongside the session
	// that is already in flight.
	ErrActiveSession = errors.New("another session is in flight")
)

// Store is implemented by MemoryStore, RedisStore and PostgresStore.
type Store interface {
	// Create inserts s with Version 1.
	Create(ctx context.Context, s *models.SyncSession) error
	// CreateExclusive atomically checks that no non-terminal session exists
	// and inserts s. On conflict it returns the existing session and
	// ErrActiveSession.
	CreateExclusive(ctx context.Context, s *models.SyncSession) (*models.SyncSession, error)
	Get(ctx context.Context, id string) (*models.SyncSession, error)
	// CompareAndSwap replaces the stored session if its version still equals
	// s.Version, then bumps s.Version.
	CompareAndSwap(ctx context.Context, s *models.SyncSession) error
	ListNonTerminal(ctx context.Context) ([]*models.SyncSession, error)
	// DeleteTerminalBefore removes terminal sessions completed before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

func completedAt(s *models.SyncSession) time.Time {
	if s.CompletedAt != nil {
		return *s.CompletedAt
	}
	return s.UpdatedAt
}

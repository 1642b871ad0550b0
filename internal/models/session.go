package models

import (
	"time"
)

// Status enumerates the lifecycle states of a sync session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// transitions lists the only edges a session may take.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress:
		return true
	}
	return s.Terminal()
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncSession is one tracked attempt of the force-sync operation. The
// lifecycle manager is its only writer.
type SyncSession struct {
	ID              string           `json:"id"`
	CorrelationID   string           `json:"correlation_id"`
	Status          Status           `json:"status"`
	ProgressPercent int              `json:"progress"`
	Message         string           `json:"message"`
	Options         ForceSyncOptions `json:"options"`
	Async           bool             `json:"async"`
	StartedAt       time.Time        `json:"started_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	TimeoutDeadline time.Time        `json:"timeout_deadline"`
	Details         *SyncResults     `json:"details,omitempty"`
	// Version increments on every stored write and backs compare-and-swap.
	Version int64 `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// stored record.
func (s *SyncSession) Clone() *SyncSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Options = s.Options.Clone()
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Details != nil {
		d := *s.Details
		if s.Details.Internal != nil {
			in := *s.Details.Internal
			d.Internal = &in
		}
		if s.Details.External != nil {
			ex := *s.Details.External
			d.External = &ex
		}
		out.Details = &d
	}
	return &out
}

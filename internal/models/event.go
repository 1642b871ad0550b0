package models

import "time"

// EventType names a lifecycle event.
type EventType string

const (
	EventJobQueued             EventType = "job.queued"
	EventJobStarted            EventType = "job.started"
	EventInternalTierCompleted EventType = "tier.internal.completed"
	EventAgentCompleted        EventType = "tier.external.completed"
	EventJobCompleted          EventType = "job.completed"
	EventJobFailed             EventType = "job.failed"
	EventJobTimeout            EventType = "job.timeout"
	EventJobCancelled          EventType = "job.cancelled"
)

// Final reports whether no further events follow for the correlation id.
func (t EventType) Final() bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventJobTimeout, EventJobCancelled:
		return true
	}
	return false
}

// LifecycleEvent is an append-only record of one phase of a session.
type LifecycleEvent struct {
	Seq           int64          `json:"seq"`
	EventType     EventType      `json:"event_type"`
	CorrelationID string         `json:"correlation_id"`
	JobID         string         `json:"job_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Fields        map[string]any `json:"fields,omitempty"`
	// Origin names the process that published the event.
	Origin string `json:"origin,omitempty"`
}

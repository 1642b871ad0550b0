// Package events carries correlation-tagged lifecycle events from the
// orchestrator to observers. Publishing never fails the orchestration.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forcesync/internal/clock"
	"forcesync/internal/logger"
	"forcesync/internal/models"
	"forcesync/internal/telemetry"
)

const sinkTimeout = 2 * time.Second

// Appender accepts an event for delivery or storage.
type Appender interface {
	Append(ctx context.Context, ev models.LifecycleEvent) error
}

type sink struct {
	name string
	dst  Appender
}

// Publisher stamps events with a sequence number and fans them out to its
// sinks in publication order.
type Publisher struct {
	mu     sync.Mutex
	seq    int64
	origin string
	clock  clock.Clock
	sinks  []sink
	log    zerolog.Logger
}

func NewPublisher(origin string, clk clock.Clock) *Publisher {
	if clk == nil {
		clk = clock.Real()
	}
	return &Publisher{origin: origin, clock: clk, log: logger.Component("events")}
}

// AddSink registers dst under name, which labels publish failure metrics.
func (p *Publisher) AddSink(name string, dst Appender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, sink{name: name, dst: dst})
}

// Publish emits one event. Sink errors are logged and counted, never
// returned.
func (p *Publisher) Publish(ctx context.Context, typ models.EventType, correlationID, jobID string, fields map[string]any) models.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	ev := models.LifecycleEvent{
		Seq:           p.seq,
		EventType:     typ,
		CorrelationID: correlationID,
		JobID:         jobID,
		Timestamp:     p.clock.Now().UTC(),
		Fields:        fields,
		Origin:        p.origin,
	}

	base := context.WithoutCancel(ctx)
	for _, s := range p.sinks {
		sctx, cancel := context.WithTimeout(base, sinkTimeout)
		err := s.dst.Append(sctx, ev)
		cancel()
		if err != nil {
			telemetry.EventPublishFailures.WithLabelValues(s.name).Inc()
			p.log.Warn().Err(err).
				Str("sink", s.name).
				Str("event_type", string(typ)).
				Str("correlation_id", correlationID).
				Msg("event publish failed")
		}
	}
	return ev
}

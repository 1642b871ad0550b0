package events

import (
	"context"
	"sync"
	"time"

	"forcesync/internal/models"
)

const subscriberBuffer = 64

// Log is the in-process ordered event log, one stream per correlation id.
type Log struct {
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	events []models.LifecycleEvent
	subs   map[chan models.LifecycleEvent]struct{}
	last   time.Time
	closed bool
}

func NewLog() *Log {
	return &Log{streams: make(map[string]*stream)}
}

func (l *Log) streamFor(id string) *stream {
	s, ok := l.streams[id]
	if !ok {
		s = &stream{subs: make(map[chan models.LifecycleEvent]struct{})}
		l.streams[id] = s
	}
	return s
}

// Append records ev and hands it to live subscribers. A subscriber that
// falls a full buffer behind is disconnected rather than blocking the log.
func (l *Log) Append(_ context.Context, ev models.LifecycleEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamFor(ev.CorrelationID)
	s.events = append(s.events, ev)
	s.last = ev.Timestamp
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			delete(s.subs, ch)
			close(ch)
		}
	}
	if ev.EventType.Final() {
		s.closed = true
		for ch := range s.subs {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return nil
}

// Len reports how many correlation ids the log holds a stream for.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams)
}

// History returns the events recorded so far for correlationID, oldest first.
func (l *Log) History(_ context.Context, correlationID string) ([]models.LifecycleEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[correlationID]
	if !ok {
		return nil, nil
	}
	out := make([]models.LifecycleEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}

// Subscribe replays the existing history and then follows new events until
// a final event arrives or ctx is done, at which point the channel closes.
func (l *Log) Subscribe(ctx context.Context, correlationID string) (<-chan models.LifecycleEvent, error) {
	l.mu.Lock()
	s := l.streamFor(correlationID)
	ch := make(chan models.LifecycleEvent, len(s.events)+subscriberBuffer)
	for _, ev := range s.events {
		ch <- ev
	}
	if s.closed {
		close(ch)
		l.mu.Unlock()
		return ch, nil
	}
	s.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		// A stream nobody wrote to only existed for this subscriber.
		if len(s.subs) == 0 && len(s.events) == 0 && l.streams[correlationID] == s {
			delete(l.streams, correlationID)
		}
	}()
	return ch, nil
}

// Prune drops unwatched streams whose last event is older than cutoff,
// including ones that never saw a final event.
func (l *Log) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, s := range l.streams {
		if len(s.subs) == 0 && s.last.Before(cutoff) {
			delete(l.streams, id)
			n++
		}
	}
	return n
}

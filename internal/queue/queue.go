// Package queue hands async sync jobs from the API to workers.
package queue

import (
	"context"
	"sync"
)

// Queue carries session ids. Dequeue returns "" when nothing is ready.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context) (string, error)
	// Ack marks a dequeued job finished.
	Ack(ctx context.Context, jobID string) error
	// Cancel drops a job that has not been dequeued yet.
	Cancel(ctx context.Context, jobID string) error
	Depth(ctx context.Context) (int64, error)
}

// Memory is the single-process queue.
type Memory struct {
	mu       sync.Mutex
	ready    []string
	inflight map[string]struct{}
	notify   chan struct{}
}

func NewMemory() *Memory {
	return &Memory{inflight: make(map[string]struct{}), notify: make(chan struct{}, 1)}
}

func (m *Memory) Enqueue(_ context.Context, jobID string) error {
	m.mu.Lock()
	m.ready = append(m.ready, jobID)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Dequeue(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 {
		return "", nil
	}
	id := m.ready[0]
	m.ready = m.ready[1:]
	m.inflight[id] = struct{}{}
	return id, nil
}

func (m *Memory) Ack(_ context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.inflight, jobID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Cancel(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.ready[:0]
	for _, id := range m.ready {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	m.ready = kept
	return nil
}

func (m *Memory) Depth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ready)), nil
}

// Ready is signalled after Enqueue so a worker can skip its poll delay.
func (m *Memory) Ready() <-chan struct{} {
	return m.notify
}

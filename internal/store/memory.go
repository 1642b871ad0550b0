package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"forcesync/internal/models"
)

// MemoryStore keeps sessions in process. A single mutex makes
// CreateExclusive's check-then-insert atomic.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.SyncSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.SyncSession)}
}

func (m *MemoryStore) Create(_ context.Context, s *models.SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(s)
}

func (m *MemoryStore) insertLocked(s *models.SyncSession) error {
	if _, ok := m.sessions[s.ID]; ok {
		return ErrExists
	}
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) CreateExclusive(_ context.Context, s *models.SyncSession) (*models.SyncSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.oldestActiveLocked(); existing != nil {
		return existing.Clone(), ErrActiveSession
	}
	return nil, m.insertLocked(s)
}

func (m *MemoryStore) oldestActiveLocked() *models.SyncSession {
	var found *models.SyncSession
	for _, s := range m.sessions {
		if s.Status.Terminal() {
			continue
		}
		if found == nil || s.StartedAt.Before(found.StartedAt) {
			found = s
		}
	}
	return found
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.SyncSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, s *models.SyncSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) ListNonTerminal(_ context.Context) ([]*models.SyncSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncSession
	for _, s := range m.sessions {
		if !s.Status.Terminal() {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Status.Terminal() && completedAt(s).Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

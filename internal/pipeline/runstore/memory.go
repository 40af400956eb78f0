// Package runstore keeps the history of pipeline runs, in memory or in
// PostgreSQL.
package runstore

import (
	"context"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
)

// MemoryStore retains the most recent runs up to a fixed capacity.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	runs     map[string]*pipeline.Run
	order    []string // oldest first
}

// NewMemoryStore keeps at most capacity runs; capacity <= 0 means 100.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryStore{
		capacity: capacity,
		runs:     make(map[string]*pipeline.Run),
	}
}

func (m *MemoryStore) Save(ctx context.Context, run *pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		m.order = append(m.order, run.ID)
		if len(m.order) > m.capacity {
			evicted := m.order[0]
			m.order = m.order[1:]
			delete(m.runs, evicted)
		}
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrRunNotFound, 404, "run %s not found", id)
	}
	return run.Clone(), nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (m *MemoryStore) List(ctx context.Context, limit int) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]*pipeline.Run, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[m.order[i]].Clone())
	}
	return out, nil
}

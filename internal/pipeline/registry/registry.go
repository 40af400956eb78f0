// Package registry enforces that at most one pipeline run is active at a
// time, either within the process or across processes sharing Redis.
package registry

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
)

// ErrLeaseLost is the cancellation cause of a run whose lease was taken
// over or expired while it was still running.
var ErrLeaseLost = errors.New("run lease lost")

// Lease is held by the active run until Release.
type Lease interface {
	RunID() string
	// Lost is closed when the holder no longer owns the lease. A nil channel
	// means the lease cannot be lost.
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// Registry hands out the single run lease.
type Registry interface {
	// Acquire returns a lease for runID, or apperrors.ErrRunActive when
	// another run holds it.
	Acquire(ctx context.Context, runID string) (Lease, error)
	// Active returns the ID of the run holding the lease, if any.
	Active(ctx context.Context) (string, bool, error)
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu     sync.Mutex
	active string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

func (m *MemoryRegistry) Acquire(ctx context.Context, runID string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		return nil, apperrors.Newf(apperrors.ErrRunActive, 409, "run %s is active", m.active)
	}
	m.active = runID
	return &memoryLease{reg: m, runID: runID}, nil
}

func (m *MemoryRegistry) Active(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != "", nil
}

type memoryLease struct {
	reg   *MemoryRegistry
	runID string
	once  sync.Once
}

func (l *memoryLease) RunID() string { return l.runID }

func (l *memoryLease) Lost() <-chan struct{} { return nil }

func (l *memoryLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.reg.mu.Lock()
		if l.reg.active == l.runID {
			l.reg.active = ""
		}
		l.reg.mu.Unlock()
	})
	return nil
}

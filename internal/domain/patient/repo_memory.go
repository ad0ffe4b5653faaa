package patient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

// NewMemoryRepo returns an in-process store used for development and tests.
func NewMemoryRepo() Repository {
	return &memoryRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *memoryRepo) Create(_ context.Context, r *Record) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.mu.Lock()
	m.records[r.ID] = r.Clone()
	m.mu.Unlock()
	return nil
}

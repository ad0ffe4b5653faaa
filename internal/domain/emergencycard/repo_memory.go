package emergencycard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errActiveCardExists = errors.New("patient already has an active emergency card")

// MemoryRepo keeps cards in process. It mirrors the PostgreSQL constraints:
// unique access codes, one active card per patient, append-only logs.
type MemoryRepo struct {
	locks *keyedMutex

	mu     sync.RWMutex
	cards  map[uuid.UUID]*EmergencyCard
	byCode map[string]uuid.UUID
	seq    map[uuid.UUID]int64
	next   int64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		locks:  newKeyedMutex(),
		cards:  make(map[uuid.UUID]*EmergencyCard),
		byCode: make(map[string]uuid.UUID),
		seq:    make(map[uuid.UUID]int64),
	}
}

// Ping satisfies db.Pinger for the health endpoint.
func (m *MemoryRepo) Ping(context.Context) error { return nil }

func (m *MemoryRepo) WithPatientLock(ctx context.Context, patientID uuid.UUID, fn func(ctx context.Context) error) error {
	unlock := m.locks.lock(patientID)
	defer unlock()
	return fn(ctx)
}

func (m *MemoryRepo) Create(_ context.Context, c *EmergencyCard) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byCode[c.AccessCode]; dup {
		return ErrAccessCodeConflict
	}
	if c.IsActive {
		for _, existing := range m.cards {
			if existing.PatientID == c.PatientID && existing.IsActive {
				return errActiveCardExists
			}
		}
	}
	stored := c.Clone()
	if stored.AccessLog == nil {
		stored.AccessLog = []AccessLogEntry{}
	}
	m.cards[c.ID] = stored
	m.byCode[c.AccessCode] = c.ID
	m.next++
	m.seq[c.ID] = m.next
	return nil
}

func (m *MemoryRepo) GetCurrentByPatient(_ context.Context, patientID uuid.UUID, now time.Time) (*EmergencyCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *EmergencyCard
	for _, c := range m.cards {
		if c.PatientID != patientID || !c.IsUsable(now) {
			continue
		}
		if best == nil || m.newer(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *MemoryRepo) GetByAccessCode(_ context.Context, code string) (*EmergencyCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	return m.cards[id].Clone(), nil
}

func (m *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*EmergencyCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*EmergencyCard
	for _, c := range m.cards {
		if c.PatientID == patientID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.newer(out[i], out[j]) })
	for i, c := range out {
		out[i] = c.Clone()
	}
	return out, nil
}

func (m *MemoryRepo) UpdateSettings(_ context.Context, c *EmergencyCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.cards[c.ID]
	if !ok {
		return ErrNotFound
	}
	if c.IsActive && !stored.IsActive {
		return errors.New("emergency card cannot be reactivated")
	}
	stored.AccessLevel = c.AccessLevel
	stored.IsActive = c.IsActive
	stored.UpdatedAt = time.Now().UTC()
	c.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryRepo) DeactivateAll(_ context.Context, patientID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, c := range m.cards {
		if c.PatientID == patientID && c.IsActive {
			c.IsActive = false
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepo) AppendAccessLog(_ context.Context, cardID uuid.UUID, e AccessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return ErrNotFound
	}
	c.AccessLog = append(c.AccessLog, e)
	return nil
}

// ExpireNow moves a card's expiry to at. Used by demos and tests to age cards.
func (m *MemoryRepo) ExpireNow(cardID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return ErrNotFound
	}
	c.ExpiresAt = at
	return nil
}

func (m *MemoryRepo) newer(a, b *EmergencyCard) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return m.seq[a.ID] > m.seq[b.ID]
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refMutex)}
}

func (k *keyedMutex) lock(key uuid.UUID) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

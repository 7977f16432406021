package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	owner   string
	expires time.Time
}

// Memory implements crawler.Lease for a single process.
type Memory struct {
	mu     sync.Mutex
	leases map[uuid.UUID]entry
	now    func() time.Time
}

// NewMemory creates an empty Memory lease table.
func NewMemory() *Memory {
	return &Memory{leases: make(map[uuid.UUID]entry), now: time.Now}
}

// Acquire takes the lease if it is free or expired.
func (m *Memory) Acquire(_ context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.leases[jobID]; ok && now.Before(e.expires) {
		return false, nil
	}
	m.leases[jobID] = entry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Renew extends an unexpired lease held by owner.
func (m *Memory) Renew(_ context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.leases[jobID]
	if !ok || e.owner != owner || !now.Before(e.expires) {
		return false, nil
	}
	m.leases[jobID] = entry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release drops the lease if owner holds it.
func (m *Memory) Release(_ context.Context, jobID uuid.UUID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.leases[jobID]; ok && e.owner == owner {
		delete(m.leases, jobID)
	}
	return nil
}

// Held reports whether an unexpired lease exists.
func (m *Memory) Held(_ context.Context, jobID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leases[jobID]
	return ok && m.now().Before(e.expires), nil
}

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager serializes holders within one process.
type MemoryManager struct {
	mu      sync.Mutex
	held    map[string]memoryEntry
	nowFunc func() time.Time
}

type memoryEntry struct {
	owner     string
	expiresAt time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{held: map[string]memoryEntry{}, nowFunc: time.Now}
}

func (m *MemoryManager) Acquire(ctx context.Context, key string, opts Options) (Lease, error) {
	owner := uuid.NewString()
	err := poll(ctx, opts.Wait, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.nowFunc()
		if e, ok := m.held[key]; ok && now.Before(e.expiresAt) {
			return false, nil
		}
		m.held[key] = memoryEntry{owner: owner, expiresAt: now.Add(opts.TTL)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memoryLease{m: m, key: key, owner: owner}, nil
}

type memoryLease struct {
	m     *MemoryManager
	key   string
	owner string
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if e, ok := l.m.held[l.key]; !ok || e.owner != l.owner {
		return ErrNotHeld
	}
	delete(l.m.held, l.key)
	return nil
}

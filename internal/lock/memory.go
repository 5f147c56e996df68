package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	clock func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease), clock: time.Now}
}

// TryAcquire implements Locker.
func (m *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if lease, ok := m.held[key]; ok && now.Before(lease.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	m.held[key] = memoryLease{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Only drop the entry if it is still ours; it may have expired and
		// been taken over.
		if lease, ok := m.held[key]; ok && lease.token == token {
			delete(m.held, key)
		}
		return nil
	}, nil
}

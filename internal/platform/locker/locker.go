// Package locker provides short-lived exclusive markers keyed by string.
// A marker is held by whoever set it; only the holder's token releases it.
package locker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotOwner is returned when Unlock is called with a token that does not
// match the stored marker.
var ErrNotOwner = errors.New("lock not owned by this caller")

// Locker acquires and releases expiring markers.
type Locker interface {
	// TryLock sets key if it is not already held. It reports whether the
	// marker was acquired and, if so, the token needed to release it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error)
	Unlock(ctx context.Context, key, token string) error
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// Memory is a process-local Locker for development and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return false, "", nil
	}
	token := uuid.NewString()
	m.entries[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return true, token, nil
}

func (m *Memory) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil
	}
	if e.token != token {
		return ErrNotOwner
	}
	delete(m.entries, key)
	return nil
}

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryBackend is a process-local backend for single-instance deployments and tests
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryBackend creates an empty in-process lock table
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: make(map[string]memoryEntry), now: time.Now}
}

// TryAcquire implements Backend
func (b *MemoryBackend) TryAcquire(_ context.Context, key string, hold time.Duration) (Guard, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if e, held := b.locks[key]; held && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	b.locks[key] = memoryEntry{token: token, expires: now.Add(hold)}
	return &memoryGuard{backend: b, key: key, token: token}, nil
}

// Held reports whether key is currently locked
func (b *MemoryBackend) Held(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, held := b.locks[key]
	return held && b.now().Before(e.expires)
}

type memoryGuard struct {
	backend *MemoryBackend
	key     string
	token   string
}

func (g *memoryGuard) Release(context.Context) error {
	b := g.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	// an expired lock may have been taken over; only the owner's token deletes it
	if e, ok := b.locks[g.key]; ok && e.token == g.token {
		delete(b.locks, g.key)
	}
	return nil
}

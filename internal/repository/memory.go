package repository

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemorySharedState is a process-local SharedState. It backs tests and keeps
// the service running when Redis is unreachable.
type MemorySharedState struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemorySharedState() *MemorySharedState {
	return &MemorySharedState{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// load must be called with mu held.
func (r *MemorySharedState) load(key string) (memoryEntry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(r.now()) {
		delete(r.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (r *MemorySharedState) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(ttl)
}

func (r *MemorySharedState) Get(ctx context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.load(key)
	return e.value, ok, nil
}

func (r *MemorySharedState) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	r.mu.Lock()
	r.entries[key] = memoryEntry{value: value, expiresAt: r.expiry(ttl)}
	r.mu.Unlock()
	return nil
}

func (r *MemorySharedState) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.load(key); ok {
		return false, nil
	}
	r.entries[key] = memoryEntry{value: value, expiresAt: r.expiry(ttl)}
	return true, nil
}

func (r *MemorySharedState) Del(ctx context.Context, key string) error {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
	return nil
}

func (r *MemorySharedState) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.load(key)
	if !ok {
		r.entries[key] = memoryEntry{value: "1", expiresAt: r.expiry(window)}
		return 1, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		n = 0
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	r.entries[key] = e
	return n, nil
}

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCache is an in-process Cache for tests and development mode.
// TTLs are honored lazily on read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	snaps   map[uuid.UUID]Snapshot
	cancels map[uuid.UUID]struct{}
	counts  map[string]int64
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		snaps:   make(map[uuid.UUID]Snapshot),
		cancels: make(map[uuid.UUID]struct{}),
		counts:  make(map[string]int64),
	}
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) SetJobSnapshot(_ context.Context, jobID uuid.UUID, snap Snapshot, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[jobID] = snap
	return nil
}

func (c *MemoryCache) GetJobSnapshot(_ context.Context, jobID uuid.UUID) (Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[jobID]
	return snap, ok, nil
}

func (c *MemoryCache) InvalidateJob(_ context.Context, jobID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, jobID)
	return nil
}

func (c *MemoryCache) RequestCancel(_ context.Context, jobID uuid.UUID, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[jobID] = struct{}{}
	return nil
}

func (c *MemoryCache) CancelRequested(_ context.Context, jobID uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancels[jobID]
	return ok, nil
}

func (c *MemoryCache) ClearCancel(_ context.Context, jobID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, jobID)
	return nil
}

func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

var _ Cache = (*MemoryCache)(nil)

package cachestore

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memoryEntry struct {
	stamp int64
	data  []byte
}

// Memory keeps entries in process memory with go-cache.
type Memory struct {
	cache *gocache.Cache
	now   func() time.Time
}

// NewMemory creates a memory driver. defaultTTL applies when Save is called
// with a zero ttl (use gocache.NoExpiration, -1, to keep entries forever).
func NewMemory(defaultTTL, cleanupInterval time.Duration) *Memory {
	return &Memory{
		cache: gocache.New(defaultTTL, cleanupInterval),
		now:   time.Now,
	}
}

// Load returns the entry for key when it was saved at or after sourceMTime.
func (m *Memory) Load(_ context.Context, key string, sourceMTime int64) ([]byte, bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	e, ok := v.(memoryEntry)
	if !ok || e.stamp < sourceMTime {
		return nil, false
	}
	return e.data, true
}

// Save stores a copy of data.
func (m *Memory) Save(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = gocache.DefaultExpiration
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.cache.Set(key, memoryEntry{stamp: m.now().UnixNano(), data: buf}, ttl)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// Clear removes every entry.
func (m *Memory) Clear(_ context.Context) error {
	m.cache.Flush()
	return nil
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}

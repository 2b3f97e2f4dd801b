package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"
)

type memoryItem struct {
	data    []byte
	expires time.Time // zero 表示不过期
}

// MemoryCache is the in-process KV used when no Redis is configured.
// Values are stored JSON encoded so callers see the same copy semantics as Redis.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]memoryItem
	defaultTTL time.Duration
	now        func() time.Time
}

// NewMemoryCache creates an empty in-memory KV
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		items:      make(map[string]memoryItem),
		defaultTTL: ttl,
		now:        time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || m.expired(item) {
		return ErrCacheMiss
	}
	if err := json.Unmarshal(item.data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl ...time.Duration) error {
	expiration := m.defaultTTL
	if len(ttl) > 0 {
		expiration = ttl[0]
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	item := memoryItem{data: data}
	if expiration > 0 {
		item.expires = m.now().Add(expiration)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	m.items[key] = item
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) DeletePattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key := range m.items {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return deleted, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if ok {
			delete(m.items, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[key]
	return ok && !m.expired(item), nil
}

func (m *MemoryCache) Len() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, item := range m.items {
		if !m.expired(item) {
			n++
		}
	}
	return n
}

func (m *MemoryCache) Close() error {
	return nil
}

func (m *MemoryCache) expired(item memoryItem) bool {
	return !item.expires.IsZero() && !m.now().Before(item.expires)
}

// purgeLocked drops expired items, runs on writes only
func (m *MemoryCache) purgeLocked() {
	for key, item := range m.items {
		if m.expired(item) {
			delete(m.items, key)
		}
	}
}

// Package cache stores encoded week layouts between requests.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a byte-value store with a fixed TTL. Get reports a miss with
// ok == false; err is only set when the backend itself failed.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Flush(ctx context.Context) error
}

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process cache.
type Memory struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]entry
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	if ok && m.now().Before(e.expires) {
		m.mu.RUnlock()
		return e.value, true, nil
	}
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock; a Set may have refreshed it.
	if e, ok := m.entries[key]; ok {
		if m.now().Before(e.expires) {
			return e.value, true, nil
		}
		delete(m.entries, key)
	}
	return nil, false, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

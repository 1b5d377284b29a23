package cache

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store holds cached responses.
type Store interface {
	// Get returns the entry for key or ErrCacheMiss.
	Get(ctx context.Context, key Key) (*Entry, error)

	// Set stores entry under key, replacing any previous entry.
	Set(ctx context.Context, key Key, entry *Entry) error

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// MemoryStore keeps entries in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Get retrieves a cache entry by key.
func (m *MemoryStore) Get(_ context.Context, key Key) (*Entry, error) {
	m.mu.RLock()
	entry, ok := m.entries[key.String()]
	m.mu.RUnlock()

	if !ok {
		CacheMisses.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}
	CacheHits.WithLabelValues("memory").Inc()
	return entry, nil
}

// Set stores a cache entry.
func (m *MemoryStore) Set(_ context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if previous, ok := m.entries[key.String()]; ok {
		CacheSize.WithLabelValues("memory").Sub(float64(len(previous.Body)))
	}
	m.entries[key.String()] = entry
	CacheSize.WithLabelValues("memory").Add(float64(len(entry.Body)))
	return nil
}

// Clear removes every entry.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		CacheSize.WithLabelValues("memory").Sub(float64(len(entry.Body)))
	}
	m.entries = make(map[string]*Entry)
	return nil
}

// Len returns the number of cached entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

package cache

import "sync"

// Store holds cache entries across simulation runs.
type Store interface {
	Get(k Key) (Entry, bool)
	Put(k Key, e Entry)
	Len() int
}

// MemStore is an in-memory Store with optional first-in-first-out eviction.
type MemStore struct {
	mu       sync.RWMutex
	capacity int
	entries  map[Key]Entry
	order    []Key
}

// NewMemStore creates a store. A capacity of 0 means unbounded.
func NewMemStore(capacity int) *MemStore {
	return &MemStore{
		capacity: capacity,
		entries:  make(map[Key]Entry),
	}
}

// Get returns the entry for the key, if present.
func (s *MemStore) Get(k Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	return e, ok
}

// Put inserts or replaces an entry, evicting the oldest key when over
// capacity.
func (s *MemStore) Put(k Key, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[k]; !ok {
		s.order = append(s.order, k)
	}
	s.entries[k] = e

	for s.capacity > 0 && len(s.entries) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
}

// Len returns the number of stored entries.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

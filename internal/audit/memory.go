package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, next func(*Entry) (*Entry, error)) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tail *Entry
	if n := len(m.entries); n > 0 {
		t := m.entries[n-1]
		tail = &t
	}
	e, err := next(tail)
	if err != nil {
		return nil, err
	}
	m.entries = append(m.entries, *e)
	return e, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, index uint64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index >= uint64(len(m.entries)) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	e := m.entries[index]
	return &e, nil
}

// Len implements Store.
func (m *MemoryStore) Len(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries)), nil
}

// Walk implements Store.
func (m *MemoryStore) Walk(ctx context.Context, fn func(*Entry) error) error {
	m.mu.RLock()
	snapshot := make([]Entry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.RUnlock()

	for i := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}

package nonce

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory counter store for demo/development mode.
type MemoryStore struct {
	counters map[string]uint64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]uint64)}
}

func (m *MemoryStore) Get(ctx context.Context, scope Scope, key string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[string(scope)+"/"+key], nil
}

func (m *MemoryStore) Bump(ctx context.Context, scope Scope, key string, current uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := string(scope) + "/" + key
	if m.counters[k] != current {
		return ErrCounterMoved
	}
	m.counters[k] = current + 1
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

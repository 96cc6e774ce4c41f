package fees

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory override store for demo/development mode.
type MemoryStore struct {
	overrides map[string]uint32
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory override store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{overrides: make(map[string]uint32)}
}

func (m *MemoryStore) Override(ctx context.Context, user common.Address) (uint32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.overrides[key(user)]
	return n, ok, nil
}

func (m *MemoryStore) SetOverride(ctx context.Context, user common.Address, numerator uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[key(user)] = numerator
	return nil
}

func (m *MemoryStore) ClearOverride(ctx context.Context, user common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, key(user))
	return nil
}

func key(user common.Address) string {
	return strings.ToLower(user.Hex())
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

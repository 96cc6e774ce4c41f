package escrow

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps escrows in an append-only arena indexed by id,
// which is exactly the persisted layout: sequential ids from 0, no
// deletion, zero balance is just a balance.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows []*Escrow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uint64(len(m.escrows))
	stored := cloneEscrow(e)
	stored.ID = id
	m.escrows = append(m.escrows, stored)
	return id, nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id >= uint64(len(m.escrows)) {
		return nil, ErrEscrowNotFound
	}
	return cloneEscrow(m.escrows[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID >= uint64(len(m.escrows)) {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = cloneEscrow(e)
	return nil
}

func (m *MemoryStore) ListByCreator(ctx context.Context, creator common.Address, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Escrow, 0, limit)
	for i := len(m.escrows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.escrows[i].Creator == creator {
			out = append(out, cloneEscrow(m.escrows[i]))
		}
	}
	return out, nil
}

func cloneEscrow(e *Escrow) *Escrow {
	c := *e
	c.Amount = new(big.Int).Set(e.Amount)
	if e.DisputeUnlockAt != nil {
		t := *e.DisputeUnlockAt
		c.DisputeUnlockAt = &t
	}
	return &c
}

// MemoryElections is the in-memory election table.
type MemoryElections struct {
	mu      sync.RWMutex
	elected map[[32]byte]common.Address
}

// NewMemoryElections creates an empty election table.
func NewMemoryElections() *MemoryElections {
	return &MemoryElections{elected: make(map[[32]byte]common.Address)}
}

func (m *MemoryElections) Elected(ctx context.Context, identifier [32]byte) (common.Address, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.elected[identifier]
	return addr, ok, nil
}

func (m *MemoryElections) Elect(ctx context.Context, identifier [32]byte, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elected[identifier] = addr
	return nil
}

// Compile-time assertions.
var (
	_ Store         = (*MemoryStore)(nil)
	_ ElectionStore = (*MemoryElections)(nil)
)

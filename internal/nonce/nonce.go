// Package nonce tracks the monotonic counters that make each signed
// authorization single-use.
//
// Three independent counter spaces exist: one keyed by escrow id, one
// keyed by account address, and one keyed by the signer of relayed
// requests. A digest always embeds the counter value as it stood
// before the action; committing the action bumps the counter, so the
// identical signature can never verify again.
package nonce

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Scope selects one of the independent counter spaces.
type Scope string

const (
	ScopeEscrow  Scope = "escrow"
	ScopeAccount Scope = "account"
	ScopeRelay   Scope = "relay"
)

// ErrCounterMoved is returned by a compare-and-increment whose expected
// value is stale: another action for the same key committed first.
var ErrCounterMoved = errors.New("nonce: counter moved")

// Store persists the counters. Bump is compare-and-increment: it
// advances the counter from current to current+1 and fails with
// ErrCounterMoved if the stored value is no longer current.
type Store interface {
	Get(ctx context.Context, scope Scope, key string) (uint64, error)
	Bump(ctx context.Context, scope Scope, key string, current uint64) error
}

// Registry provides typed access to the counter spaces.
type Registry struct {
	store Store
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Escrow returns the current counter for an escrow id.
func (r *Registry) Escrow(ctx context.Context, escrowID uint64) (uint64, error) {
	return r.store.Get(ctx, ScopeEscrow, escrowKey(escrowID))
}

// Account returns the current counter for an address.
func (r *Registry) Account(ctx context.Context, addr common.Address) (uint64, error) {
	return r.store.Get(ctx, ScopeAccount, addrKey(addr))
}

// Relay returns the current relay counter for a signer.
func (r *Registry) Relay(ctx context.Context, addr common.Address) (uint64, error) {
	return r.store.Get(ctx, ScopeRelay, addrKey(addr))
}

// BumpEscrow consumes the escrow counter value current.
func (r *Registry) BumpEscrow(ctx context.Context, escrowID uint64, current uint64) error {
	return r.store.Bump(ctx, ScopeEscrow, escrowKey(escrowID), current)
}

// BumpAccount consumes the account counter value current.
func (r *Registry) BumpAccount(ctx context.Context, addr common.Address, current uint64) error {
	return r.store.Bump(ctx, ScopeAccount, addrKey(addr), current)
}

// BumpRelay consumes the relay counter value current.
func (r *Registry) BumpRelay(ctx context.Context, addr common.Address, current uint64) error {
	return r.store.Bump(ctx, ScopeRelay, addrKey(addr), current)
}

func escrowKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func addrKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

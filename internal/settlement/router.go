// Package settlement routes custodied value to its destination:
// directly to a native address when the escrow settles on the local
// ledger, or through the bridging relayer when it settles elsewhere.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock/crosslock/internal/metrics"
)

var (
	// ErrInvalidAddress means a local-chain beneficiary identifier is
	// not a native address (upper 12 bytes non-zero).
	ErrInvalidAddress = errors.New("settlement: beneficiary is not a native address")

	// ErrChainNotRegistered means the bridging relayer has no
	// counterpart contract on the destination chain.
	ErrChainNotRegistered = errors.New("settlement: destination chain not registered with bridge")
)

// AssetClient is the custody-transfer surface the router consumes.
type AssetClient interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferWithAuthorization(ctx context.Context, from, to common.Address, amount *big.Int, deadline int64, signature []byte) error
	Approve(ctx context.Context, spender common.Address, amount *big.Int) error
	Address() common.Address
	Custodian() common.Address
}

// BridgeClient is the relayer surface the router consumes.
type BridgeClient interface {
	Registered(ctx context.Context, chain uint16) ([32]byte, error)
	RelayerFee(ctx context.Context, chain uint16, asset common.Address) (*big.Int, error)
	TransferWithRelay(ctx context.Context, asset common.Address, amount, nativeDrop *big.Int, chain uint16, recipient [32]byte) (uint64, error)
}

// FeeObserver is notified when a bridge fee is pulled from the
// treasury into custody.
type FeeObserver func(ctx context.Context, chain uint16, fee *big.Int)

// Config for the router.
type Config struct {
	LocalChain uint16
	Bridge     common.Address // relayer contract, approval target
	Treasury   common.Address
}

// Router performs all value movement for the escrow ledger.
type Router struct {
	asset   AssetClient
	bridge  BridgeClient
	local   uint16
	spender common.Address

	mu       sync.RWMutex
	treasury common.Address

	onBridgeFee FeeObserver
}

// NewRouter creates a settlement router.
func NewRouter(asset AssetClient, bridge BridgeClient, cfg Config) *Router {
	return &Router{
		asset:    asset,
		bridge:   bridge,
		local:    cfg.LocalChain,
		spender:  cfg.Bridge,
		treasury: cfg.Treasury,
	}
}

// OnBridgeFee registers an observer for treasury fee pulls.
func (r *Router) OnBridgeFee(fn FeeObserver) {
	r.onBridgeFee = fn
}

// Treasury returns the current treasury address.
func (r *Router) Treasury() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.treasury
}

// SetTreasury updates the treasury address (owner-gated upstream).
func (r *Router) SetTreasury(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treasury = addr
}

// ChainRegistered reports whether escrows may settle on chain: the
// local ledger always qualifies, a foreign ledger only when the bridge
// has a registered counterpart contract there.
func (r *Router) ChainRegistered(ctx context.Context, chain uint16) (bool, error) {
	if chain == r.local {
		return true, nil
	}
	contract, err := r.bridge.Registered(ctx, chain)
	if err != nil {
		return false, fmt.Errorf("settlement: query registration: %w", err)
	}
	return contract != ([32]byte{}), nil
}

// Custody pulls principal into custody and the service fee to the
// treasury, both from the funding address. A non-empty authSignature
// rides a single signed authorization covering principal plus fee;
// otherwise both pulls ride a prior allowance.
func (r *Router) Custody(ctx context.Context, from common.Address, principal, fee *big.Int, authDeadline int64, authSignature []byte) error {
	charge := fee != nil && fee.Sign() > 0

	if len(authSignature) > 0 {
		total := new(big.Int).Set(principal)
		if charge {
			total.Add(total, fee)
		}
		if err := r.asset.TransferWithAuthorization(ctx, from, r.asset.Custodian(), total, authDeadline, authSignature); err != nil {
			return fmt.Errorf("settlement: custody by authorization: %w", err)
		}
		if charge {
			// The fee landed in custody with the principal; forward it.
			if err := r.asset.Transfer(ctx, r.Treasury(), fee); err != nil {
				return fmt.Errorf("settlement: forward service charge: %w", err)
			}
		}
		return nil
	}

	if err := r.asset.TransferFrom(ctx, from, r.asset.Custodian(), principal); err != nil {
		return fmt.Errorf("settlement: custody principal: %w", err)
	}
	if charge {
		if err := r.asset.TransferFrom(ctx, from, r.Treasury(), fee); err != nil {
			return fmt.Errorf("settlement: collect service charge: %w", err)
		}
	}
	return nil
}

// Pay releases amount from custody to the recipient identifier on the
// destination chain. The returned sequence number is the bridge's
// delivery sequence, or 0 for a local, non-bridged payout.
func (r *Router) Pay(ctx context.Context, recipient [32]byte, chain uint16, amount *big.Int) (uint64, error) {
	if chain == r.local {
		to, ok := nativeAddress(recipient)
		if !ok {
			return 0, ErrInvalidAddress
		}
		if err := r.asset.Transfer(ctx, to, amount); err != nil {
			return 0, fmt.Errorf("settlement: local payout: %w", err)
		}
		metrics.ReleasesTotal.WithLabelValues("local").Inc()
		return 0, nil
	}

	fee, err := r.bridge.RelayerFee(ctx, chain, r.asset.Address())
	if err != nil {
		return 0, fmt.Errorf("settlement: query relayer fee: %w", err)
	}

	total := new(big.Int).Set(amount)
	if fee.Sign() > 0 {
		// The relayer's fee is fronted by the treasury, not deducted
		// from the escrowed principal.
		if err := r.asset.TransferFrom(ctx, r.Treasury(), r.asset.Custodian(), fee); err != nil {
			return 0, fmt.Errorf("settlement: pull bridge fee from treasury: %w", err)
		}
		total.Add(total, fee)
		if r.onBridgeFee != nil {
			r.onBridgeFee(ctx, chain, fee)
		}
	}

	if err := r.asset.Approve(ctx, r.spender, total); err != nil {
		return 0, fmt.Errorf("settlement: approve bridge: %w", err)
	}
	seq, err := r.bridge.TransferWithRelay(ctx, r.asset.Address(), total, big.NewInt(0), chain, recipient)
	if err != nil {
		return 0, fmt.Errorf("settlement: relay transfer: %w", err)
	}
	metrics.ReleasesTotal.WithLabelValues("bridged").Inc()
	return seq, nil
}

// nativeAddress decodes a 32-byte identifier as a native address; the
// upper 12 bytes must be zero.
func nativeAddress(id [32]byte) (common.Address, bool) {
	for _, b := range id[:12] {
		if b != 0 {
			return common.Address{}, false
		}
	}
	return common.BytesToAddress(id[12:]), true
}

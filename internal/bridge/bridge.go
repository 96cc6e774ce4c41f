// Package bridge talks to the bridging relayer that settles value on
// foreign ledgers.
//
// The service consumes three operations: whether a destination chain
// has a registered counterpart contract, the relayer's fee for a
// (chain, asset) pair, and the transfer-with-relay entry point that
// returns a delivery sequence number.
package bridge

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTransferFailed = errors.New("bridge: transfer failed")
	ErrRPCConnection  = errors.New("bridge: RPC connection failed")
	ErrNoSequence     = errors.New("bridge: relayer reported no sequence number")
)

// Client is the consumed surface of the bridging relayer.
type Client interface {
	// Registered returns the counterpart contract identifier on the
	// destination chain, or the zero value when the chain is not
	// registered.
	Registered(ctx context.Context, chain uint16) ([32]byte, error)

	// RelayerFee returns the relayer's fee for delivering the asset to
	// the destination chain.
	RelayerFee(ctx context.Context, chain uint16, asset common.Address) (*big.Int, error)

	// TransferWithRelay forwards amount (plus any relayer fee already
	// folded in by the caller) to the recipient identifier on the
	// destination chain and returns the delivery sequence number.
	TransferWithRelay(ctx context.Context, asset common.Address, amount, nativeDrop *big.Int, chain uint16, recipient [32]byte) (uint64, error)
}

// Package asset handles custody transfers of the stable-value asset.
//
// The service only depends on the narrow custody-transfer surface of
// the token: balance queries, direct transfers out of custody,
// transfer-from into custody, spender approvals for the bridge, and
// the single-call signed-approval-plus-transfer primitive.
package asset

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidPrivateKey   = errors.New("asset: invalid private key")
	ErrInsufficientBalance = errors.New("asset: insufficient balance")
	ErrAuthorizationStale  = errors.New("asset: transfer authorization expired or already used")
	ErrTransactionFailed   = errors.New("asset: transaction failed")
	ErrRPCConnection       = errors.New("asset: RPC connection failed")
)

// Client is the custody-transfer surface of the asset token.
type Client interface {
	// BalanceOf returns the token balance of an address.
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)

	// Transfer moves tokens from custody to a recipient.
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error

	// TransferFrom moves tokens between third parties using a prior
	// allowance granted to the custodian.
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error

	// Approve grants a spender (the bridge) an allowance from custody.
	Approve(ctx context.Context, spender common.Address, amount *big.Int) error

	// TransferWithAuthorization consumes an off-line signed approval:
	// a single call moving amount from the signer, valid until the
	// deadline. Stale or wrong-signer authorizations are rejected.
	TransferWithAuthorization(ctx context.Context, from, to common.Address, amount *big.Int, deadline int64, signature []byte) error

	// Address returns the token contract address.
	Address() common.Address

	// Custodian returns the address holding custodied funds.
	Custodian() common.Address
}

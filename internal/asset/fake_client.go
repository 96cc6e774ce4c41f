package asset

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FakeClient is an in-memory asset ledger for demo/development mode
// and tests. Custody transfers mutate a balances map; signed
// authorizations are checked for deadline only (signature validity is
// the token contract's concern in production).
type FakeClient struct {
	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	contract  common.Address
	custodian common.Address

	// Transfers records every movement for assertions in tests.
	Transfers []FakeTransfer
}

// FakeTransfer is one recorded balance movement.
type FakeTransfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// NewFakeClient creates a fake asset client custodied at custodian.
func NewFakeClient(contract, custodian common.Address) *FakeClient {
	return &FakeClient{
		balances:  make(map[common.Address]*big.Int),
		contract:  contract,
		custodian: custodian,
	}
}

func (f *FakeClient) Address() common.Address   { return f.contract }
func (f *FakeClient) Custodian() common.Address { return f.custodian }

// Mint credits an address, for test setup.
func (f *FakeClient) Mint(addr common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credit(addr, amount)
}

func (f *FakeClient) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance(addr)), nil
}

func (f *FakeClient) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return f.move(f.custodian, to, amount)
}

func (f *FakeClient) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return f.move(from, to, amount)
}

func (f *FakeClient) Approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	return nil
}

func (f *FakeClient) TransferWithAuthorization(ctx context.Context, from, to common.Address, amount *big.Int, deadline int64, signature []byte) error {
	if time.Now().Unix() > deadline {
		return ErrAuthorizationStale
	}
	return f.move(from, to, amount)
}

func (f *FakeClient) move(from, to common.Address, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	bal := f.balance(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	bal.Sub(bal, amount)
	f.credit(to, amount)
	f.Transfers = append(f.Transfers, FakeTransfer{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (f *FakeClient) balance(addr common.Address) *big.Int {
	if b, ok := f.balances[addr]; ok {
		return b
	}
	b := big.NewInt(0)
	f.balances[addr] = b
	return b
}

func (f *FakeClient) credit(addr common.Address, amount *big.Int) {
	f.balance(addr).Add(f.balance(addr), amount)
}

// Compile-time assertion that FakeClient implements Client.
var _ Client = (*FakeClient)(nil)

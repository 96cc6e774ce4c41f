package bridge

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// FakeClient is an in-memory bridging relayer for demo/development
// mode and tests. Registered chains and fees are seeded by tests;
// sequence numbers count up from 1 (0 is reserved for non-bridged
// releases).
type FakeClient struct {
	mu         sync.Mutex
	registered map[uint16][32]byte
	fees       map[uint16]*big.Int
	sequence   uint64

	// Relays records every forwarded transfer for assertions.
	Relays []FakeRelay
}

// FakeRelay is one recorded transfer-with-relay call.
type FakeRelay struct {
	Asset     common.Address
	Amount    *big.Int
	Chain     uint16
	Recipient [32]byte
	Sequence  uint64
}

// NewFakeClient creates an empty fake relayer.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		registered: make(map[uint16][32]byte),
		fees:       make(map[uint16]*big.Int),
	}
}

// Register seeds a counterpart contract for a chain.
func (f *FakeClient) Register(chain uint16, contract [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[chain] = contract
}

// SetFee seeds the relayer fee for a chain.
func (f *FakeClient) SetFee(chain uint16, fee *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fees[chain] = new(big.Int).Set(fee)
}

func (f *FakeClient) Registered(ctx context.Context, chain uint16) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[chain], nil
}

func (f *FakeClient) RelayerFee(ctx context.Context, chain uint16, asset common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fee, ok := f.fees[chain]; ok {
		return new(big.Int).Set(fee), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeClient) TransferWithRelay(ctx context.Context, asset common.Address, amount, nativeDrop *big.Int, chain uint16, recipient [32]byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.registered[chain] == ([32]byte{}) {
		return 0, fmt.Errorf("%w: chain %d not registered", ErrTransferFailed, chain)
	}
	f.sequence++
	f.Relays = append(f.Relays, FakeRelay{
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		Chain:     chain,
		Recipient: recipient,
		Sequence:  f.sequence,
	})
	return f.sequence, nil
}

// Compile-time assertion that FakeClient implements Client.
var _ Client = (*FakeClient)(nil)

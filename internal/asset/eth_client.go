package asset

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Minimal token ABI: custody transfers plus the signed-approval
// primitive (EIP-3009 style).
const tokenABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"signature","type":"bytes"}],"name":"transferWithAuthorization","outputs":[],"type":"function"}
]`

// DefaultGasLimit for token transfers when estimation fails.
const DefaultGasLimit = uint64(120000)

// EthBackend abstracts the go-ethereum client for testing.
type EthBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthClient is the on-chain asset client. The custodian key signs all
// outgoing transactions; custodied funds live at its address.
type EthClient struct {
	backend  EthBackend
	key      *ecdsa.PrivateKey
	sender   common.Address
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
}

// EthConfig configures the on-chain asset client.
type EthConfig struct {
	RPCURL     string
	PrivateKey string // custodian key, hex with or without 0x prefix
	ChainID    int64
	Contract   string
}

// EthOption configures the client.
type EthOption func(*EthClient)

// WithBackend sets a custom backend (useful for testing).
func WithBackend(backend EthBackend) EthOption {
	return func(c *EthClient) { c.backend = backend }
}

// NewEthClient creates an on-chain asset client.
func NewEthClient(cfg EthConfig, opts ...EthOption) (*EthClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("asset: parse token ABI: %w", err)
	}

	c := &EthClient{
		key:      key,
		sender:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(cfg.ChainID),
		contract: common.HexToAddress(cfg.Contract),
		abi:      parsed,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.backend == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.backend = client
	}
	return c, nil
}

func (c *EthClient) Address() common.Address   { return c.contract }
func (c *EthClient) Custodian() common.Address { return c.sender }

func (c *EthClient) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("asset: pack balanceOf: %w", err)
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("asset: call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

func (c *EthClient) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	data, err := c.abi.Pack("transfer", to, amount)
	if err != nil {
		return fmt.Errorf("asset: pack transfer: %w", err)
	}
	return c.send(ctx, data)
}

func (c *EthClient) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	data, err := c.abi.Pack("transferFrom", from, to, amount)
	if err != nil {
		return fmt.Errorf("asset: pack transferFrom: %w", err)
	}
	return c.send(ctx, data)
}

func (c *EthClient) Approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	data, err := c.abi.Pack("approve", spender, amount)
	if err != nil {
		return fmt.Errorf("asset: pack approve: %w", err)
	}
	return c.send(ctx, data)
}

func (c *EthClient) TransferWithAuthorization(ctx context.Context, from, to common.Address, amount *big.Int, deadline int64, signature []byte) error {
	data, err := c.abi.Pack("transferWithAuthorization", from, to, amount, big.NewInt(deadline), signature)
	if err != nil {
		return fmt.Errorf("asset: pack transferWithAuthorization: %w", err)
	}
	return c.send(ctx, data)
}

// send builds, signs, and submits a transaction carrying calldata to
// the token contract.
func (c *EthClient) send(ctx context.Context, data []byte) error {
	nonce, err := c.backend.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return fmt.Errorf("asset: fetch nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("asset: gas price: %w", err)
	}
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.sender,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("asset: sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	return nil
}

// Compile-time assertion that EthClient implements Client.
var _ Client = (*EthClient)(nil)

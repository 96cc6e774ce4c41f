package bridge

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Relayer contract surface consumed by the service. The sequence
// number of a relayed transfer is read back from the TransferRelayed
// event in the receipt.
const relayerABI = `[
	{"constant":true,"inputs":[{"name":"chainId","type":"uint16"}],"name":"registeredContracts","outputs":[{"name":"","type":"bytes32"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"chainId","type":"uint16"},{"name":"token","type":"address"}],"name":"relayerFee","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"toNativeTokenAmount","type":"uint256"},{"name":"targetChain","type":"uint16"},{"name":"targetRecipient","type":"bytes32"}],"name":"transferTokensWithRelay","outputs":[{"name":"","type":"uint64"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"targetChain","type":"uint16"},{"indexed":false,"name":"sequence","type":"uint64"}],"name":"TransferRelayed","type":"event"}
]`

const (
	// DefaultGasLimit for relay transfers when estimation fails.
	DefaultGasLimit = uint64(300000)

	// receiptPollInterval between receipt checks while waiting for the
	// sequence number.
	receiptPollInterval = 2 * time.Second

	// receiptTimeout bounds the wait for a relay receipt.
	receiptTimeout = 60 * time.Second
)

// EthBackend abstracts the go-ethereum client for testing.
type EthBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthClient is the on-chain bridging relayer client.
type EthClient struct {
	backend  EthBackend
	key      *ecdsa.PrivateKey
	sender   common.Address
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
}

// EthConfig configures the on-chain relayer client.
type EthConfig struct {
	RPCURL     string
	PrivateKey string
	ChainID    int64
	Contract   string
}

// EthOption configures the client.
type EthOption func(*EthClient)

// WithBackend sets a custom backend (useful for testing).
func WithBackend(backend EthBackend) EthOption {
	return func(c *EthClient) { c.backend = backend }
}

// NewEthClient creates an on-chain relayer client.
func NewEthClient(cfg EthConfig, opts ...EthOption) (*EthClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(relayerABI))
	if err != nil {
		return nil, fmt.Errorf("bridge: parse relayer ABI: %w", err)
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

func (c *EthClient) Registered(ctx context.Context, chain uint16) ([32]byte, error) {
	var out [32]byte
	data, err := c.abi.Pack("registeredContracts", chain)
	if err != nil {
		return out, fmt.Errorf("bridge: pack registeredContracts: %w", err)
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return out, fmt.Errorf("bridge: call registeredContracts: %w", err)
	}
	copy(out[:], result)
	return out, nil
}

func (c *EthClient) RelayerFee(ctx context.Context, chain uint16, asset common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("relayerFee", chain, asset)
	if err != nil {
		return nil, fmt.Errorf("bridge: pack relayerFee: %w", err)
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: call relayerFee: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

func (c *EthClient) TransferWithRelay(ctx context.Context, asset common.Address, amount, nativeDrop *big.Int, chain uint16, recipient [32]byte) (uint64, error) {
	data, err := c.abi.Pack("transferTokensWithRelay", asset, amount, nativeDrop, chain, recipient)
	if err != nil {
		return 0, fmt.Errorf("bridge: pack transferTokensWithRelay: %w", err)
	}

	txHash, err := c.send(ctx, data)
	if err != nil {
		return 0, err
	}
	return c.waitForSequence(ctx, txHash)
}

func (c *EthClient) send(ctx context.Context, data []byte) (common.Hash, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return common.Hash{}, fmt.Errorf("bridge: fetch nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("bridge: gas price: %w", err)
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
		return common.Hash{}, fmt.Errorf("bridge: sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return signed.Hash(), nil
}

// waitForSequence polls for the relay receipt and decodes the sequence
// number from the TransferRelayed event.
func (c *EthClient) waitForSequence(ctx context.Context, txHash common.Hash) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: waiting for relay receipt %s: %v", ErrTransferFailed, txHash.Hex(), ctx.Err())
		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status == 0 {
				return 0, fmt.Errorf("%w: relay transaction %s reverted", ErrTransferFailed, txHash.Hex())
			}
			return c.decodeSequence(receipt)
		}
	}
}

func (c *EthClient) decodeSequence(receipt *types.Receipt) (uint64, error) {
	topic := c.abi.Events["TransferRelayed"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != c.contract || len(lg.Topics) == 0 || lg.Topics[0] != topic {
			continue
		}
		out, err := c.abi.Unpack("TransferRelayed", lg.Data)
		if err != nil {
			return 0, fmt.Errorf("bridge: decode TransferRelayed: %w", err)
		}
		if len(out) == 1 {
			if seq, ok := out[0].(uint64); ok {
				return seq, nil
			}
		}
	}
	return 0, ErrNoSequence
}

// Compile-time assertion that EthClient implements Client.
var _ Client = (*EthClient)(nil)

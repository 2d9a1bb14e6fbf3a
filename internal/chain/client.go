package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the narrow JSON-RPC surface the engine depends on. It is always
// injected; nothing in the repository reaches for a package-level client.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// RPCOptions parameterise the dialled client.
type RPCOptions struct {
	URL     string
	Timeout time.Duration
}

// RPCClient is a lazily-dialled ethclient with a per-call timeout.
type RPCClient struct {
	opts      RPCOptions
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewRPCClient builds an RPC client; the connection is established on first use.
func NewRPCClient(opts RPCOptions) *RPCClient {
	return &RPCClient{opts: opts}
}

func (c *RPCClient) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	client, err := ethclient.DialContext(ctx, c.opts.URL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *RPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// ChainID reports the connected chain's identifier.
func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.ChainID(ctx)
}

// BlockNumber reports the latest block number.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// HeaderByNumber fetches a block header; nil selects the latest.
func (c *RPCClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.HeaderByNumber(ctx, number)
}

// PendingNonceAt reports the pending transaction count for account.
func (c *RPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, account)
}

// SuggestGasTipCap asks the node for a priority fee suggestion.
func (c *RPCClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.SuggestGasTipCap(ctx)
}

// EstimateGas estimates the gas a call would consume.
func (c *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.EstimateGas(ctx, msg)
}

// SendTransaction broadcasts a signed transaction.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	return client.SendTransaction(ctx, tx)
}

// TransactionReceipt fetches the receipt for txHash, if mined.
func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.TransactionReceipt(ctx, txHash)
}

var _ Client = (*RPCClient)(nil)

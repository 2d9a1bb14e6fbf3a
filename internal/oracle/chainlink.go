package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainlinkOptions parameterise the on-chain aggregator provider.
type ChainlinkOptions struct {
	RPCURL  string
	Timeout time.Duration
	// Aggregators maps canonical symbols to aggregator contract addresses.
	Aggregators map[string]string
}

// Chainlink reads prices from on-chain aggregator contracts.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux   sync.Mutex
	decimalsCache map[common.Address]int32
}

// NewChainlink builds an on-chain aggregator provider.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:          opts,
		logger:        logger.With().Str("component", "chainlink_provider").Logger(),
		decimalsCache: make(map[common.Address]int32),
	}
}

// Name identifies the provider.
func (c *Chainlink) Name() Source { return SourceChainlink }

// GetPrice reads latestRoundData from the symbol's aggregator and validates it.
func (c *Chainlink) GetPrice(ctx context.Context, symbol string, maxAgeSeconds int, maxDeviationBps int64) (Price, error) {
	if c.opts.RPCURL == "" {
		return Price{}, fmt.Errorf("%w: ethereum rpc url not configured", ErrProviderUnavailable)
	}

	addrHex, ok := c.opts.Aggregators[symbol]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s has no aggregator", ErrUnsupportedSymbol, symbol)
	}
	addr := common.HexToAddress(addrHex)

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	decimals, err := c.getDecimals(ctx, client, addr)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if len(outputs) != 5 {
		return Price{}, fmt.Errorf("%w: unexpected latestRoundData response", ErrProviderUnavailable)
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: aggregator %s returned non-positive answer", ErrProviderUnavailable, addrHex)
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Price{}, fmt.Errorf("%w: failed to decode updatedAt", ErrProviderUnavailable)
	}

	fixed, err := FixedFromBigInt(answer, decimals)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	observedAt := updatedAt.Int64()
	age := time.Now().UTC().Unix() - observedAt
	if maxAgeSeconds > 0 && age > int64(maxAgeSeconds) {
		return Price{}, fmt.Errorf("%w: %s round updated %ds ago (max %ds)", ErrStalePrice, symbol, age, maxAgeSeconds)
	}

	// Aggregators report no confidence interval of their own.
	return Price{
		Symbol:     symbol,
		Price:      fixed,
		ConfBps:    0,
		ObservedAt: observedAt,
		Source:     SourceChainlink,
	}, nil
}

func (c *Chainlink) getDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	c.decimalsMux.Lock()
	cached, ok := c.decimalsCache[addr]
	c.decimalsMux.Unlock()
	if ok {
		return cached, nil
	}

	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, err
	}
	outputs, err := aggregatorABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("unexpected decimals response")
	}
	dec, ok := outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("failed to decode decimals output")
	}

	c.decimalsMux.Lock()
	c.decimalsCache[addr] = int32(dec)
	c.decimalsMux.Unlock()
	return int32(dec), nil
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ PriceProvider = (*Chainlink)(nil)

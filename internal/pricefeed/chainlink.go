package pricefeed

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// AggregatorV3ABI covers the two views the adapter needs.
const AggregatorV3ABI = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

// ChainlinkAggregator reads an AggregatorV3 contract over JSON-RPC.
type ChainlinkAggregator struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
}

// DialChainlink connects to rpcURL and binds the aggregator at address.
func DialChainlink(ctx context.Context, rpcURL, address string) (*ChainlinkAggregator, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid price feed address %q", address)
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	agg, err := NewChainlinkAggregator(cli, common.HexToAddress(address))
	if err != nil {
		cli.Close()
		return nil, err
	}
	agg.client = cli
	return agg, nil
}

// NewChainlinkAggregator binds the aggregator at address using any contract caller.
func NewChainlinkAggregator(caller bind.ContractCaller, address common.Address) (*ChainlinkAggregator, error) {
	parsed, err := abi.JSON(strings.NewReader(AggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &ChainlinkAggregator{
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
		address:  address,
	}, nil
}

func (c *ChainlinkAggregator) LatestRoundData(ctx context.Context) (Round, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return Round{}, fmt.Errorf("call latestRoundData: %w", err)
	}
	if len(out) != 5 {
		return Round{}, fmt.Errorf("latestRoundData returned %d values", len(out))
	}
	startedAt := *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)
	updatedAt := *abi.ConvertType(out[3], new(*big.Int)).(**big.Int)
	return Round{
		RoundID:         *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		Answer:          *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		StartedAt:       unixTime(startedAt),
		UpdatedAt:       unixTime(updatedAt),
		AnsweredInRound: *abi.ConvertType(out[4], new(*big.Int)).(**big.Int),
	}, nil
}

func (c *ChainlinkAggregator) Decimals(ctx context.Context) (uint8, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decimals returned %d values", len(out))
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (c *ChainlinkAggregator) Address() common.Address {
	return c.address
}

func (c *ChainlinkAggregator) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *ChainlinkAggregator) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

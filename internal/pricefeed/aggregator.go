package pricefeed

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Round is the answer of an AggregatorV3 latestRoundData call.
type Round struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// Aggregator is the narrow surface of an external price feed: a fixed-precision
// integer answer plus its decimals count.
type Aggregator interface {
	LatestRoundData(ctx context.Context) (Round, error)
	Decimals(ctx context.Context) (uint8, error)
	Address() common.Address
}

// HealthChecker is implemented by aggregators that reach a remote node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

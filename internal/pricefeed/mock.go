package pricefeed

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// MockDecimals and MockInitialAnswer match the values deployed on development networks.
	MockDecimals      = 8
	MockInitialAnswer = 200_000_000_000
)

// MockAggregator is an in-process AggregatorV3 used on development networks and in tests.
type MockAggregator struct {
	mu        sync.RWMutex
	address   common.Address
	decimals  uint8
	answer    *big.Int
	roundID   *big.Int
	startedAt time.Time
	updatedAt time.Time
	err       error
	now       func() time.Time
}

// NewMockAggregator deploys a mock feed with an initial answer.
func NewMockAggregator(decimals uint8, initialAnswer *big.Int) *MockAggregator {
	m := &MockAggregator{
		address:  common.BytesToAddress(crypto.Keccak256([]byte("MockV3Aggregator"))[12:]),
		decimals: decimals,
		roundID:  new(big.Int),
		now:      time.Now,
	}
	m.UpdateAnswer(initialAnswer)
	return m
}

// UpdateAnswer starts a new round with answer.
func (m *MockAggregator) UpdateAnswer(answer *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.answer = new(big.Int).Set(answer)
	m.roundID = new(big.Int).Add(m.roundID, big.NewInt(1))
	m.startedAt = now
	m.updatedAt = now
}

// UpdateRoundData overwrites the current round verbatim.
func (m *MockAggregator) UpdateRoundData(round Round) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roundID = new(big.Int).Set(round.RoundID)
	m.answer = new(big.Int).Set(round.Answer)
	m.startedAt = round.StartedAt
	m.updatedAt = round.UpdatedAt
}

// Fail makes every subsequent call return err. Fail(nil) restores the feed.
func (m *MockAggregator) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockAggregator) LatestRoundData(ctx context.Context) (Round, error) {
	if err := ctx.Err(); err != nil {
		return Round{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return Round{}, m.err
	}
	return Round{
		RoundID:         new(big.Int).Set(m.roundID),
		Answer:          new(big.Int).Set(m.answer),
		StartedAt:       m.startedAt,
		UpdatedAt:       m.updatedAt,
		AnsweredInRound: new(big.Int).Set(m.roundID),
	}, nil
}

func (m *MockAggregator) Decimals(ctx context.Context) (uint8, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.decimals, nil
}

func (m *MockAggregator) Address() common.Address {
	return m.address
}

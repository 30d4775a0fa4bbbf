package pricefeed

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestAdapterScalesToEighteenDecimals(t *testing.T) {
	mock := NewMockAggregator(MockDecimals, big.NewInt(MockInitialAnswer))
	adapter := NewAdapter(mock)

	price, err := adapter.GetPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, eth(2000).String(), price.String())
	require.Equal(t, mock.Address(), adapter.Address())
}

func TestAdapterScalesDownWideFeeds(t *testing.T) {
	answer, _ := new(big.Int).SetString("2000000000000000000000000", 10) // 2000 with 21 decimals
	adapter := NewAdapter(NewMockAggregator(21, answer))

	price, err := adapter.GetPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, eth(2000).String(), price.String())
}

func TestAdapterConversionRate(t *testing.T) {
	adapter := NewAdapter(NewMockAggregator(MockDecimals, big.NewInt(MockInitialAnswer)))

	usd, err := adapter.ConversionRate(context.Background(), eth(2))
	require.NoError(t, err)
	require.Equal(t, eth(4000).String(), usd.String())

	require.Equal(t, "0", ConversionRate(eth(2000), big.NewInt(0)).String())
}

func TestAdapterRejectsUnusableRounds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := map[string]Round{
		"zero answer":     {RoundID: big.NewInt(3), Answer: big.NewInt(0), StartedAt: now, UpdatedAt: now, AnsweredInRound: big.NewInt(3)},
		"negative answer": {RoundID: big.NewInt(3), Answer: big.NewInt(-5), StartedAt: now, UpdatedAt: now, AnsweredInRound: big.NewInt(3)},
		"incomplete":      {RoundID: big.NewInt(3), Answer: big.NewInt(1), AnsweredInRound: big.NewInt(3)},
		"carried over":    {RoundID: big.NewInt(4), Answer: big.NewInt(1), StartedAt: now, UpdatedAt: now, AnsweredInRound: big.NewInt(3)},
		"too old":         {RoundID: big.NewInt(3), Answer: big.NewInt(1), StartedAt: now, UpdatedAt: now.Add(-2 * time.Hour), AnsweredInRound: big.NewInt(3)},
	}

	for name, round := range cases {
		t.Run(name, func(t *testing.T) {
			mock := NewMockAggregator(MockDecimals, big.NewInt(MockInitialAnswer))
			mock.UpdateRoundData(round)
			adapter := NewAdapter(mock, WithMaxAge(time.Hour), WithClock(func() time.Time { return now }))

			price, err := adapter.GetPrice(context.Background())
			require.ErrorIs(t, err, ErrUnavailable)
			require.Nil(t, price)
		})
	}
}

func TestAdapterPropagatesFeedOutage(t *testing.T) {
	mock := NewMockAggregator(MockDecimals, big.NewInt(MockInitialAnswer))
	outage := errors.New("node down")
	mock.Fail(outage)
	adapter := NewAdapter(mock)

	_, err := adapter.GetPrice(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, outage)

	mock.Fail(nil)
	_, err = adapter.GetPrice(context.Background())
	require.NoError(t, err)
}

func TestMockAggregatorRounds(t *testing.T) {
	mock := NewMockAggregator(MockDecimals, big.NewInt(MockInitialAnswer))
	first, err := mock.LatestRoundData(context.Background())
	require.NoError(t, err)

	mock.UpdateAnswer(big.NewInt(150_000_000_000))
	second, err := mock.LatestRoundData(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, second.RoundID.Cmp(first.RoundID))
	require.Equal(t, "150000000000", second.Answer.String())
	require.Equal(t, second.RoundID, second.AnsweredInRound)
}

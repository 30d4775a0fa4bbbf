package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceDecimals is the precision of every price returned by Adapter.
const PriceDecimals = 18

// ErrUnavailable is returned whenever the feed cannot produce a usable price.
var ErrUnavailable = errors.New("price feed unavailable")

var priceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)

// Adapter converts an Aggregator answer into an 18-decimal USD price and refuses
// to hand out stale or non-positive answers.
type Adapter struct {
	feed   Aggregator
	maxAge time.Duration
	now    func() time.Time
}

type Option func(*Adapter)

// WithMaxAge rejects rounds older than d. Zero disables the age check.
func WithMaxAge(d time.Duration) Option {
	return func(a *Adapter) {
		a.maxAge = d
	}
}

// WithClock overrides the clock used for the age check.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

func NewAdapter(feed Aggregator, opts ...Option) *Adapter {
	a := &Adapter{
		feed: feed,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Address is the on-chain (or mock) address of the wrapped feed.
func (a *Adapter) Address() common.Address {
	return a.feed.Address()
}

// GetPrice returns the USD value of one native unit scaled to PriceDecimals.
func (a *Adapter) GetPrice(ctx context.Context) (*big.Int, error) {
	round, err := a.feed.LatestRoundData(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: latest round: %w", ErrUnavailable, err)
	}
	if err := a.validate(round); err != nil {
		return nil, err
	}
	decimals, err := a.feed.Decimals(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: decimals: %w", ErrUnavailable, err)
	}
	return scale(round.Answer, decimals), nil
}

// ConversionRate returns the USD value of amount wei at the current price.
func (a *Adapter) ConversionRate(ctx context.Context, amount *big.Int) (*big.Int, error) {
	price, err := a.GetPrice(ctx)
	if err != nil {
		return nil, err
	}
	return ConversionRate(price, amount), nil
}

// Ping checks the feed connection and that its latest round is usable.
func (a *Adapter) Ping(ctx context.Context) error {
	if checker, ok := a.feed.(HealthChecker); ok {
		if err := checker.Ping(ctx); err != nil {
			return err
		}
	}
	_, err := a.GetPrice(ctx)
	return err
}

func (a *Adapter) validate(round Round) error {
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive answer", ErrUnavailable)
	}
	if round.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: round %v incomplete", ErrUnavailable, round.RoundID)
	}
	if round.RoundID != nil && round.AnsweredInRound != nil && round.AnsweredInRound.Cmp(round.RoundID) < 0 {
		return fmt.Errorf("%w: stale round %v answered in %v", ErrUnavailable, round.RoundID, round.AnsweredInRound)
	}
	if a.maxAge > 0 {
		if age := a.now().Sub(round.UpdatedAt); age > a.maxAge {
			return fmt.Errorf("%w: answer is %s old", ErrUnavailable, age.Truncate(time.Second))
		}
	}
	return nil
}

// ConversionRate computes amount × price / 10^PriceDecimals.
func ConversionRate(price, amount *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, price)
	return out.Quo(out, priceScale)
}

func scale(answer *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Set(answer)
	switch {
	case decimals < PriceDecimals:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(PriceDecimals-decimals)), nil)
		out.Mul(out, factor)
	case decimals > PriceDecimals:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-PriceDecimals)), nil)
		out.Quo(out, factor)
	}
	return out
}

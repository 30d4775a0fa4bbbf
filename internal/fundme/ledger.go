package fundme

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"fundme/internal/events"
	"fundme/internal/pricefeed"
)

// DefaultMinimumUSD is 50 USD with 18 decimals.
var DefaultMinimumUSD = new(big.Int).Mul(big.NewInt(50), big.NewInt(1e18))

// Oracle reports the USD price of one native unit with pricefeed.PriceDecimals precision.
type Oracle interface {
	GetPrice(ctx context.Context) (*big.Int, error)
	Address() common.Address
}

// Vault holds the value behind the ledger balance.
type Vault interface {
	// Collect takes amount from the funder into the vault.
	Collect(ctx context.Context, from common.Address, amount *big.Int) error
	// Transfer pays amount out of the vault to the recipient.
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}

// Store persists the ledger between restarts.
type Store interface {
	LoadLedger(ctx context.Context) (*Snapshot, error)
	SaveLedger(ctx context.Context, snapshot Snapshot) error
}

// FunderPolicy decides whether a repeat depositor is appended to the funder list again.
type FunderPolicy int

const (
	// FunderPolicyUnique lists each depositor once, in first-deposit order.
	FunderPolicyUnique FunderPolicy = iota
	// FunderPolicyAppendAll appends the depositor on every deposit.
	FunderPolicyAppendAll
)

// ParseFunderPolicy maps a config value ("unique" or "append-all") to a policy.
func ParseFunderPolicy(s string) (FunderPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unique":
		return FunderPolicyUnique, nil
	case "append-all", "append_all":
		return FunderPolicyAppendAll, nil
	}
	return 0, fmt.Errorf("unknown funder policy %q", s)
}

func (p FunderPolicy) String() string {
	if p == FunderPolicyAppendAll {
		return "append-all"
	}
	return "unique"
}

// Deposit describes an accepted Fund call.
type Deposit struct {
	Funder       common.Address
	Amount       *big.Int
	USDValue     *big.Int
	Total        *big.Int
	RepeatFunder bool
}

// Withdrawal describes a completed withdrawal.
type Withdrawal struct {
	Owner          common.Address
	Amount         *big.Int
	FundersCleared int
	// Pending is set when the payout was broadcast but not confirmed.
	Pending bool
	// StorageReads counts reads of committed ledger state during the reset.
	StorageReads int
}

// Ledger collects deposits above a USD minimum and releases the whole balance to
// its owner. Every public operation runs as one unit of work under mu: either all
// of its effects are committed or none are.
type Ledger struct {
	mu         sync.RWMutex
	owner      common.Address
	oracle     Oracle
	vault      Vault
	minimumUSD *big.Int
	policy     FunderPolicy
	store      Store
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time

	state state
}

type Option func(*Ledger)

// WithMinimumUSD sets the threshold, expressed with 18 decimals.
func WithMinimumUSD(v *big.Int) Option {
	return func(l *Ledger) {
		if v != nil {
			l.minimumUSD = new(big.Int).Set(v)
		}
	}
}

// WithFunderPolicy chooses how repeat depositors are listed.
func WithFunderPolicy(p FunderPolicy) Option {
	return func(l *Ledger) {
		l.policy = p
	}
}

// WithStore persists every committed unit of work and restores state in New.
func WithStore(s Store) Option {
	return func(l *Ledger) {
		l.store = s
	}
}

// WithPublisher receives Funded and Withdrawn events after commit.
func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) {
		l.publisher = p
	}
}

// WithLogger replaces the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New deploys a ledger owned by owner. When a store holds a snapshot for the same
// owner and price feed, that state is restored.
func New(ctx context.Context, owner common.Address, oracle Oracle, vault Vault, opts ...Option) (*Ledger, error) {
	if owner == (common.Address{}) {
		return nil, errors.New("owner address is required")
	}
	if oracle == nil {
		return nil, errors.New("price feed is required")
	}
	if vault == nil {
		return nil, errors.New("vault is required")
	}

	l := &Ledger{
		owner:      owner,
		oracle:     oracle,
		vault:      vault,
		minimumUSD: new(big.Int).Set(DefaultMinimumUSD),
		publisher:  events.Nop{},
		logger:     zap.NewNop(),
		now:        time.Now,
		state:      newState(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.publisher == nil {
		l.publisher = events.Nop{}
	}

	if l.store != nil {
		snap, err := l.store.LoadLedger(ctx)
		if err != nil {
			return nil, fmt.Errorf("load ledger: %w", err)
		}
		if snap != nil {
			if snap.Owner != owner || snap.PriceFeed != oracle.Address() {
				return nil, fmt.Errorf("stored ledger belongs to owner %s and feed %s", snap.Owner.Hex(), snap.PriceFeed.Hex())
			}
			if err := snap.Validate(); err != nil {
				return nil, fmt.Errorf("stored ledger: %w", err)
			}
			l.state = stateFromSnapshot(*snap)
			l.logger.Info("ledger restored",
				zap.String("balance", l.state.balance.String()),
				zap.Int("funders", len(l.state.funders)))
		}
	}
	return l, nil
}

// Fund records a deposit of amount wei from caller if it is worth at least the
// USD minimum at the current price. The value is collected from caller into the
// vault in the same unit of work and refunded if the unit cannot be persisted.
func (l *Ledger) Fund(ctx context.Context, caller common.Address, amount *big.Int) (Deposit, error) {
	if amount == nil || amount.Sign() < 0 {
		return Deposit{}, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	price, err := l.oracle.GetPrice(ctx)
	if err != nil {
		l.logger.Warn("price feed unavailable", zap.String("funder", caller.Hex()), zap.Error(err))
		return Deposit{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}

	usd := pricefeed.ConversionRate(price, amount)
	if usd.Cmp(l.minimumUSD) < 0 {
		return Deposit{}, fmt.Errorf("%w: %s wei is worth %s, minimum is %s", ErrInsufficientFunding, amount, usd, l.minimumUSD)
	}

	u := begin(&l.state)
	repeat := u.isFunder(caller)
	total := u.amountOf(caller)
	total.Add(total, amount)
	u.setAmount(caller, total)
	if !repeat || l.policy == FunderPolicyAppendAll {
		u.appendFunder(caller)
	}
	u.balance.Add(u.balance, amount)

	if err := l.vault.Collect(ctx, caller, amount); err != nil {
		return Deposit{}, fmt.Errorf("%w: %w", ErrPaymentFailed, err)
	}
	if err := l.persist(ctx, u.staged(l.owner, l.oracle.Address())); err != nil {
		if rerr := l.vault.Transfer(context.WithoutCancel(ctx), caller, amount); rerr != nil {
			l.logger.Error("refund failed",
				zap.String("funder", caller.Hex()),
				zap.String("amount", amount.String()),
				zap.Error(rerr))
			return Deposit{}, errors.Join(err, fmt.Errorf("refund %s: %w", caller.Hex(), rerr))
		}
		return Deposit{}, err
	}
	u.commit()

	l.logger.Info("funded",
		zap.String("funder", caller.Hex()),
		zap.String("amount", amount.String()),
		zap.String("usd_value", usd.String()),
		zap.Bool("repeat_funder", repeat))

	l.publish(ctx, events.Funded{
		Ledger:     l.oracle.Address(),
		Funder:     caller,
		Amount:     new(big.Int).Set(amount),
		USDValue:   new(big.Int).Set(usd),
		Total:      new(big.Int).Set(total),
		OccurredAt: l.now().UTC(),
	})

	return Deposit{
		Funder:       caller,
		Amount:       new(big.Int).Set(amount),
		USDValue:     usd,
		Total:        new(big.Int).Set(total),
		RepeatFunder: repeat,
	}, nil
}

// Withdraw resets every funder entry, re-reading the funder list from ledger
// state on each step, and sends the whole balance to the owner.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address) (Withdrawal, error) {
	return l.withdraw(ctx, caller, "withdraw", func(u *unit) int {
		cleared := 0
		for i := 0; i < u.funderCount(); i++ {
			u.clearAmount(u.funderAt(i))
			cleared++
		}
		return cleared
	})
}

// CheaperWithdraw behaves exactly like Withdraw but copies the funder list once
// and iterates over the copy.
func (l *Ledger) CheaperWithdraw(ctx context.Context, caller common.Address) (Withdrawal, error) {
	return l.withdraw(ctx, caller, "cheaperWithdraw", func(u *unit) int {
		funders := u.loadFunders()
		for _, funder := range funders {
			u.clearAmount(funder)
		}
		return len(funders)
	})
}

func (l *Ledger) withdraw(ctx context.Context, caller common.Address, method string, reset func(*unit) int) (Withdrawal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return Withdrawal{}, fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}

	u := begin(&l.state)
	cleared := reset(u)
	u.clearFunders()
	amount := new(big.Int).Set(u.balance)
	u.balance.SetInt64(0)

	if err := l.persist(ctx, u.staged(l.owner, l.oracle.Address())); err != nil {
		return Withdrawal{}, err
	}

	// A pending payout has left the vault, so the reset stays committed.
	transferErr := l.vault.Transfer(ctx, l.owner, amount)
	pending := transferErr != nil && isPending(transferErr)
	if transferErr != nil && !pending {
		l.logger.Error("withdrawal transfer failed",
			zap.String("method", method),
			zap.String("amount", amount.String()),
			zap.Error(transferErr))
		failed := fmt.Errorf("%w: %w", ErrTransferFailed, transferErr)
		if rerr := l.persist(context.WithoutCancel(ctx), l.snapshotLocked()); rerr != nil {
			return Withdrawal{}, errors.Join(failed, fmt.Errorf("restore ledger: %w", rerr))
		}
		return Withdrawal{}, failed
	}
	u.commit()

	fields := []zap.Field{
		zap.String("method", method),
		zap.String("owner", l.owner.Hex()),
		zap.String("amount", amount.String()),
		zap.Int("funders_cleared", cleared),
		zap.Int("storage_reads", u.reads),
	}
	if pending {
		l.logger.Warn("withdrawal payout pending", append(fields, zap.Error(transferErr))...)
	} else {
		l.logger.Info("withdrawn", fields...)
	}

	l.publish(ctx, events.Withdrawn{
		Ledger:         l.oracle.Address(),
		Owner:          l.owner,
		Amount:         new(big.Int).Set(amount),
		FundersCleared: cleared,
		OccurredAt:     l.now().UTC(),
	})

	w := Withdrawal{
		Owner:          l.owner,
		Amount:         amount,
		FundersCleared: cleared,
		Pending:        pending,
		StorageReads:   u.reads,
	}
	if pending {
		return w, fmt.Errorf("%w: %w", ErrTransferPending, transferErr)
	}
	return w, nil
}

func isPending(err error) bool {
	var p interface{ Pending() bool }
	return errors.As(err, &p) && p.Pending()
}

func (l *Ledger) persist(ctx context.Context, snap Snapshot) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveLedger(ctx, snap); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func (l *Ledger) publish(ctx context.Context, event events.Event) {
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Error("publish event", zap.String("topic", event.Topic()), zap.Error(err))
	}
}

// Owner is the deployer, the only address allowed to withdraw.
func (l *Ledger) Owner() common.Address {
	return l.owner
}

// PriceFeed is the address of the price feed the ledger was deployed with.
func (l *Ledger) PriceFeed() common.Address {
	return l.oracle.Address()
}

// MinimumUSD is the deposit threshold with 18 decimals.
func (l *Ledger) MinimumUSD() *big.Int {
	return new(big.Int).Set(l.minimumUSD)
}

// AmountFunded returns the cumulative deposit of addr since the last withdrawal.
func (l *Ledger) AmountFunded(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.state.amounts[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Funder returns the funder at index, or ErrIndexOutOfRange.
func (l *Ledger) Funder(index int) (common.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.state.funders) {
		return common.Address{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(l.state.funders))
	}
	return l.state.funders[index], nil
}

// FunderCount is the length of the funder list.
func (l *Ledger) FunderCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.state.funders)
}

// Balance is the value currently held, in wei.
func (l *Ledger) Balance() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.state.balance)
}

// Snapshot returns a deep copy of the committed state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	return Snapshot{
		Owner:     l.owner,
		PriceFeed: l.oracle.Address(),
		Balance:   l.state.balance,
		Funders:   l.state.funders,
		Amounts:   l.state.amounts,
	}.Clone()
}

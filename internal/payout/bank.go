package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrRecipientRejected = errors.New("recipient rejected transfer")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Bank is an in-memory escrow. Collect moves value from an account into the
// reserve and Transfer pays out of the reserve, so it never pays more than it
// took in. It stands in for the chain on development networks and lets tests
// make a recipient refuse payment.
type Bank struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	rejected map[common.Address]bool
	reserve  *big.Int
	opening  *big.Int
}

type BankOption func(*Bank)

// WithOpeningBalance gives every account it has not seen before a starting
// balance, like the prefunded accounts of a development node.
func WithOpeningBalance(v *big.Int) BankOption {
	return func(b *Bank) {
		if v != nil {
			b.opening = new(big.Int).Set(v)
		}
	}
}

func NewBank(opts ...BankOption) *Bank {
	b := &Bank{
		balances: make(map[common.Address]*big.Int),
		rejected: make(map[common.Address]bool),
		reserve:  new(big.Int),
		opening:  new(big.Int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Credit adds amount to the account of addr.
func (b *Bank) Credit(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Add(b.balanceLocked(addr), amount)
}

// Collect moves amount from the account of from into the reserve.
func (b *Bank) Collect(ctx context.Context, from common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debitLocked(from, amount); err != nil {
		return err
	}
	b.reserve.Add(b.reserve, amount)
	return nil
}

// Transfer pays amount out of the reserve to the account of to.
func (b *Bank) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejected[to] {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, to.Hex())
	}
	if b.reserve.Cmp(amount) < 0 {
		return fmt.Errorf("%w: reserve holds %s, payout is %s", ErrInsufficientFunds, b.reserve, amount)
	}
	b.reserve.Sub(b.reserve, amount)
	b.balances[to] = new(big.Int).Add(b.balanceLocked(to), amount)
	return nil
}

// Reject makes every later transfer to addr fail.
func (b *Bank) Reject(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected[addr] = true
}

func (b *Bank) Accept(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rejected, addr)
}

func (b *Bank) BalanceOf(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balanceLocked(addr)
}

// Reserve is the value collected and not yet paid out.
func (b *Bank) Reserve() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.reserve)
}

// debit removes amount from the account of addr without touching the reserve.
func (b *Bank) debit(addr common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debitLocked(addr, amount)
}

// drawReserve takes amount out of the reserve for a payout made elsewhere.
func (b *Bank) drawReserve(amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserve.Cmp(amount) < 0 {
		return fmt.Errorf("%w: reserve holds %s, payout is %s", ErrInsufficientFunds, b.reserve, amount)
	}
	b.reserve.Sub(b.reserve, amount)
	return nil
}

// AddReserve puts amount back into the reserve, for example to back a ledger
// balance restored from storage.
func (b *Bank) AddReserve(amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserve.Add(b.reserve, amount)
}

func (b *Bank) debitLocked(addr common.Address, amount *big.Int) error {
	current := b.balanceLocked(addr)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, addr.Hex(), current, amount)
	}
	b.balances[addr] = current.Sub(current, amount)
	return nil
}

func (b *Bank) balanceLocked(addr common.Address) *big.Int {
	if v, ok := b.balances[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int).Set(b.opening)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount %v", amount)
	}
	return nil
}

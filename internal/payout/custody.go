package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrDepositClaimed  = errors.New("deposit already claimed")
	ErrDepositNotOwned = errors.New("deposit was sent by another address")
)

// Payer sends value on chain.
type Payer interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}

// DepositVerifier confirms a transfer into the hot wallet.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, hash common.Hash) (common.Address, *big.Int, error)
}

// ClaimLog records deposit hashes so each one is credited once.
type ClaimLog interface {
	ClaimDeposit(ctx context.Context, hash common.Hash) (bool, error)
}

// Custody backs the ledger with on-chain value. Verified deposits are credited
// to the sender's account, Collect moves credit into the reserve, and payouts
// draw on the reserve before they are sent.
type Custody struct {
	accounts *Bank
	verifier DepositVerifier
	payer    Payer
	claims   ClaimLog
	logger   *zap.Logger
}

func NewCustody(verifier DepositVerifier, payer Payer, claims ClaimLog, logger *zap.Logger) *Custody {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Custody{
		accounts: NewBank(),
		verifier: verifier,
		payer:    payer,
		claims:   claims,
		logger:   logger,
	}
}

// Claim credits caller with the value of the deposit transaction hash.
func (c *Custody) Claim(ctx context.Context, caller common.Address, hash common.Hash) (*big.Int, error) {
	from, amount, err := c.verifier.VerifyDeposit(ctx, hash)
	if err != nil {
		return nil, err
	}
	if from != caller {
		return nil, fmt.Errorf("%w: %s sent %s", ErrDepositNotOwned, from.Hex(), hash.Hex())
	}
	fresh, err := c.claims.ClaimDeposit(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("record claim %s: %w", hash.Hex(), err)
	}
	if !fresh {
		return nil, fmt.Errorf("%w: %s", ErrDepositClaimed, hash.Hex())
	}
	c.accounts.Credit(caller, amount)
	c.logger.Info("deposit claimed",
		zap.String("tx_hash", hash.Hex()),
		zap.String("from", caller.Hex()),
		zap.String("amount", amount.String()))
	return amount, nil
}

// Release sends unused credit back to its owner on chain.
func (c *Custody) Release(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := c.accounts.debit(to, amount); err != nil {
		return err
	}
	if err := c.payer.Transfer(ctx, to, amount); err != nil {
		if !IsPending(err) {
			c.accounts.Credit(to, amount)
		}
		return err
	}
	return nil
}

func (c *Custody) Collect(ctx context.Context, from common.Address, amount *big.Int) error {
	return c.accounts.Collect(ctx, from, amount)
}

func (c *Custody) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := c.accounts.drawReserve(amount); err != nil {
		return err
	}
	if err := c.payer.Transfer(ctx, to, amount); err != nil {
		if !IsPending(err) {
			c.accounts.AddReserve(amount)
		}
		return err
	}
	return nil
}

// AddReserve backs a ledger balance restored from storage.
func (c *Custody) AddReserve(amount *big.Int) {
	c.accounts.AddReserve(amount)
}

// CreditOf is the claimed value of addr not yet collected.
func (c *Custody) CreditOf(addr common.Address) *big.Int {
	return c.accounts.BalanceOf(addr)
}

package payout

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type stubVerifier struct {
	from   common.Address
	amount *big.Int
	err    error
}

func (v stubVerifier) VerifyDeposit(context.Context, common.Hash) (common.Address, *big.Int, error) {
	return v.from, v.amount, v.err
}

type stubPayer struct {
	paid map[common.Address]*big.Int
	err  error
}

func (p *stubPayer) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	if p.err != nil {
		return p.err
	}
	if p.paid == nil {
		p.paid = make(map[common.Address]*big.Int)
	}
	p.paid[to] = new(big.Int).Set(amount)
	return nil
}

type memoryClaims map[common.Hash]bool

func (m memoryClaims) ClaimDeposit(_ context.Context, hash common.Hash) (bool, error) {
	if m[hash] {
		return false, nil
	}
	m[hash] = true
	return true, nil
}

var (
	depositor = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	depositTx = common.HexToHash("0x01")
)

func TestCustodyCreditsEachDepositOnce(t *testing.T) {
	c := NewCustody(stubVerifier{from: depositor, amount: big.NewInt(50)}, &stubPayer{}, memoryClaims{}, nil)

	amount, err := c.Claim(context.Background(), depositor, depositTx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if amount.String() != "50" || c.CreditOf(depositor).String() != "50" {
		t.Fatalf("expected 50 credited, got %s", c.CreditOf(depositor))
	}

	if _, err := c.Claim(context.Background(), depositor, depositTx); !errors.Is(err, ErrDepositClaimed) {
		t.Fatalf("expected second claim to fail, got %v", err)
	}
	if c.CreditOf(depositor).String() != "50" {
		t.Fatalf("second claim must not credit")
	}
}

func TestCustodyRejectsForeignDeposit(t *testing.T) {
	c := NewCustody(stubVerifier{from: depositor, amount: big.NewInt(50)}, &stubPayer{}, memoryClaims{}, nil)
	other := common.HexToAddress("0x00000000000000000000000000000000000000d2")

	if _, err := c.Claim(context.Background(), other, depositTx); !errors.Is(err, ErrDepositNotOwned) {
		t.Fatalf("expected ownership error, got %v", err)
	}
}

func TestCustodyPaysOnlyCollectedValue(t *testing.T) {
	payer := &stubPayer{}
	c := NewCustody(stubVerifier{from: depositor, amount: big.NewInt(50)}, payer, memoryClaims{}, nil)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	if err := c.Transfer(context.Background(), owner, big.NewInt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected empty reserve to refuse payout, got %v", err)
	}

	if _, err := c.Claim(context.Background(), depositor, depositTx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := c.Collect(context.Background(), depositor, big.NewInt(50)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := c.Transfer(context.Background(), owner, big.NewInt(50)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if payer.paid[owner].String() != "50" {
		t.Fatalf("owner not paid")
	}
}

func TestCustodyKeepsReserveOnFailedPayout(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	failing := NewCustody(stubVerifier{}, &stubPayer{err: errors.New("nonce too low")}, memoryClaims{}, nil)
	failing.AddReserve(big.NewInt(10))
	if err := failing.Transfer(context.Background(), owner, big.NewInt(10)); err == nil {
		t.Fatalf("expected payout error")
	}
	if got := failing.accounts.Reserve().String(); got != "10" {
		t.Fatalf("failed payout must restore the reserve, got %s", got)
	}

	pending := NewCustody(stubVerifier{}, &stubPayer{err: &PendingError{Err: context.DeadlineExceeded}}, memoryClaims{}, nil)
	pending.AddReserve(big.NewInt(10))
	if err := pending.Transfer(context.Background(), owner, big.NewInt(10)); !IsPending(err) {
		t.Fatalf("expected pending payout, got %v", err)
	}
	if got := pending.accounts.Reserve().Sign(); got != 0 {
		t.Fatalf("pending payout must stay drawn")
	}
}

func TestCustodyReleaseReturnsCredit(t *testing.T) {
	payer := &stubPayer{}
	c := NewCustody(stubVerifier{from: depositor, amount: big.NewInt(30)}, payer, memoryClaims{}, nil)
	if _, err := c.Claim(context.Background(), depositor, depositTx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := c.Release(context.Background(), depositor, big.NewInt(30)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if payer.paid[depositor].String() != "30" {
		t.Fatalf("depositor not refunded")
	}
	if c.CreditOf(depositor).Sign() != 0 {
		t.Fatalf("released credit must be gone")
	}
}

package payout

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestBankPaysOutOfReserve(t *testing.T) {
	bank := NewBank()
	from := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	bank.Credit(from, big.NewInt(20))

	if err := bank.Collect(context.Background(), from, big.NewInt(12)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := bank.Transfer(context.Background(), to, big.NewInt(5)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := bank.Transfer(context.Background(), to, big.NewInt(7)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := bank.BalanceOf(to).String(); got != "12" {
		t.Fatalf("expected balance 12 got %s", got)
	}
	if got := bank.BalanceOf(from).String(); got != "8" {
		t.Fatalf("expected funder balance 8 got %s", got)
	}
	if got := bank.Reserve().Sign(); got != 0 {
		t.Fatalf("expected empty reserve")
	}
}

func TestBankRefusesUnbackedValue(t *testing.T) {
	bank := NewBank()
	from := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	err := bank.Collect(context.Background(), from, big.NewInt(1))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	err = bank.Transfer(context.Background(), to, big.NewInt(1))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected empty reserve to refuse payout, got %v", err)
	}
	if got := bank.BalanceOf(to).Sign(); got != 0 {
		t.Fatalf("refused payout must not credit")
	}
}

func TestBankOpeningBalance(t *testing.T) {
	bank := NewBank(WithOpeningBalance(big.NewInt(100)))
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a3")

	if err := bank.Collect(context.Background(), addr, big.NewInt(40)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := bank.BalanceOf(addr).String(); got != "60" {
		t.Fatalf("expected 60 got %s", got)
	}
}

func TestBankRejectedRecipient(t *testing.T) {
	bank := NewBank()
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	bank.AddReserve(big.NewInt(2))
	bank.Reject(to)

	err := bank.Transfer(context.Background(), to, big.NewInt(1))
	if !errors.Is(err, ErrRecipientRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if got := bank.BalanceOf(to).Sign(); got != 0 {
		t.Fatalf("rejected transfer must not credit")
	}
	if got := bank.Reserve().String(); got != "2" {
		t.Fatalf("rejected transfer must keep the reserve, got %s", got)
	}

	bank.Accept(to)
	if err := bank.Transfer(context.Background(), to, big.NewInt(1)); err != nil {
		t.Fatalf("transfer after accept: %v", err)
	}
}

func TestBankHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewBank().Transfer(ctx, common.Address{}, big.NewInt(1)); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	parsed, err := ParsePrivateKey(hexKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("parsed key does not match")
	}
	if _, err := ParsePrivateKey("zz"); err == nil {
		t.Fatalf("expected parse error")
	}
}

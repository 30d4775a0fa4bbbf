package payout

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var testChainID = big.NewInt(1337)

type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	advance bool
	receipt *types.Receipt
	sendErr error
	sent    []*types.Transaction
	txs     map[common.Hash]*types.Transaction
}

func (c *fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receipt == nil {
		return nil, ethereum.NotFound
	}
	return c.receipt, nil
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advance {
		c.head++
	}
	return c.head, nil
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (c *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1)}, nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	c.storeLocked(tx)
	return nil
}

func (c *fakeChain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (c *fakeChain) Close() {}

func (c *fakeChain) storeLocked(tx *types.Transaction) {
	if c.txs == nil {
		c.txs = make(map[common.Hash]*types.Transaction)
	}
	c.txs[tx.Hash()] = tx
}

func newTestSender(t *testing.T, chain *fakeChain, confirmations uint64) *EthSender {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &EthSender{
		client:         chain,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        testChainID,
		gasLimit:       defaultTransferGas,
		confirmations:  confirmations,
		receiptTimeout: 100 * time.Millisecond,
		pollInterval:   5 * time.Millisecond,
		logger:         zap.NewNop(),
	}
}

func minedReceipt(status uint64, block int64) *types.Receipt {
	return &types.Receipt{Status: status, BlockNumber: big.NewInt(block)}
}

var payee = common.HexToAddress("0x00000000000000000000000000000000000000ee")

func TestEthSenderWaitsForConfirmations(t *testing.T) {
	chain := &fakeChain{head: 10, advance: true, receipt: minedReceipt(types.ReceiptStatusSuccessful, 10)}
	sender := newTestSender(t, chain, 3)

	if err := sender.Transfer(context.Background(), payee, big.NewInt(5)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if chain.head < 12 {
		t.Fatalf("returned at head %d before 3 confirmations", chain.head)
	}
	if len(chain.sent) != 1 || chain.sent[0].Value().String() != "5" {
		t.Fatalf("unexpected transactions %v", chain.sent)
	}
}

func TestEthSenderCancelledAfterBroadcastIsPending(t *testing.T) {
	chain := &fakeChain{}
	sender := newTestSender(t, chain, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sender.Transfer(ctx, payee, big.NewInt(5))
	if !IsPending(err) {
		t.Fatalf("expected pending payout, got %v", err)
	}
	var pending *PendingError
	if !errors.As(err, &pending) || pending.Hash != chain.sent[0].Hash() {
		t.Fatalf("pending error must carry the broadcast hash")
	}
}

func TestEthSenderRevertIsFinal(t *testing.T) {
	chain := &fakeChain{receipt: minedReceipt(types.ReceiptStatusFailed, 3)}
	sender := newTestSender(t, chain, 1)

	err := sender.Transfer(context.Background(), payee, big.NewInt(5))
	if !errors.Is(err, ErrRecipientRejected) || IsPending(err) {
		t.Fatalf("expected final rejection, got %v", err)
	}
}

func TestEthSenderSendFailureIsFinal(t *testing.T) {
	chain := &fakeChain{sendErr: errors.New("insufficient funds for gas")}
	sender := newTestSender(t, chain, 1)

	err := sender.Transfer(context.Background(), payee, big.NewInt(5))
	if err == nil || IsPending(err) {
		t.Fatalf("expected final send error, got %v", err)
	}
}

func TestEthSenderVerifyDeposit(t *testing.T) {
	chain := &fakeChain{head: 15, receipt: minedReceipt(types.ReceiptStatusSuccessful, 10)}
	sender := newTestSender(t, chain, 6)

	funderKey, _ := crypto.GenerateKey()
	signDeposit := func(to common.Address) *types.Transaction {
		tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
			To:       &to,
			Value:    big.NewInt(7),
			Gas:      defaultTransferGas,
			GasPrice: big.NewInt(1),
		}), types.LatestSignerForChainID(testChainID), funderKey)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		chain.storeLocked(tx)
		return tx
	}

	deposit := signDeposit(sender.From())
	from, amount, err := sender.VerifyDeposit(context.Background(), deposit.Hash())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if from != crypto.PubkeyToAddress(funderKey.PublicKey) || amount.String() != "7" {
		t.Fatalf("unexpected deposit %s %s", from.Hex(), amount)
	}

	chain.head = 12
	if _, _, err := sender.VerifyDeposit(context.Background(), deposit.Hash()); !errors.Is(err, ErrDepositUnconfirmed) {
		t.Fatalf("expected unconfirmed deposit, got %v", err)
	}

	chain.head = 15
	elsewhere := signDeposit(payee)
	if _, _, err := sender.VerifyDeposit(context.Background(), elsewhere.Hash()); !errors.Is(err, ErrNotADeposit) {
		t.Fatalf("expected transfer to another address to be refused, got %v", err)
	}
}

package payout

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const (
	defaultTransferGas    = 21_000
	defaultReceiptTimeout = 5 * time.Minute
	defaultPollInterval   = 2 * time.Second
)

var (
	ErrDepositUnconfirmed = errors.New("deposit not confirmed")
	ErrNotADeposit        = errors.New("transaction is not a deposit")
)

// chainClient is the part of ethclient.Client the sender uses.
type chainClient interface {
	receiptReader
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Close()
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthSender pays out native value from a hot wallet and waits for the receipt
// to reach the configured number of confirmations. It also verifies deposits
// sent to the hot wallet.
type EthSender struct {
	client         chainClient
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	gasLimit       uint64
	confirmations  uint64
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *zap.Logger
}

type EthSenderConfig struct {
	RPCURL        string
	PrivateKeyHex string
	GasLimit      uint64
	// Confirmations is the number of blocks, including the one holding the
	// transaction, before a payout or deposit counts as final. Zero means one.
	Confirmations  uint64
	ReceiptTimeout time.Duration
}

func NewEthSender(ctx context.Context, cfg EthSenderConfig, logger *zap.Logger) (*EthSender, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for payouts")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pk, err := ParsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultTransferGas
	}
	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = defaultReceiptTimeout
	}

	return &EthSender{
		client:         cli,
		key:            pk,
		from:           crypto.PubkeyToAddress(pk.PublicKey),
		chainID:        chainID,
		gasLimit:       gasLimit,
		confirmations:  cfg.Confirmations,
		receiptTimeout: receiptTimeout,
		pollInterval:   defaultPollInterval,
		logger:         logger,
	}, nil
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// From is the hot wallet address.
func (s *EthSender) From() common.Address {
	return s.from
}

func (s *EthSender) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount %v", amount)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}

	tx, err := s.buildTx(ctx, nonce, to, amount)
	if err != nil {
		return err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	// From here on the payout may be in flight, so the request context no longer
	// decides the outcome.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.receiptTimeout)
	defer cancel()

	hash := signed.Hash()
	if err := s.client.SendTransaction(waitCtx, signed); err != nil {
		if _, _, lookupErr := s.client.TransactionByHash(waitCtx, hash); lookupErr == nil {
			return &PendingError{Hash: hash, Err: err}
		}
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	s.logger.Info("payout sent",
		zap.String("tx_hash", hash.Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()))

	receipt, err := waitForReceipt(waitCtx, s.client, hash, s.confirmations, s.pollInterval)
	if err != nil {
		s.logger.Warn("payout unconfirmed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		return &PendingError{Hash: hash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: payout %s reverted", ErrRecipientRejected, hash.Hex())
	}
	return nil
}

// VerifyDeposit checks that hash is a confirmed, successful transfer into the
// hot wallet and returns its sender and value.
func (s *EthSender) VerifyDeposit(ctx context.Context, hash common.Hash) (common.Address, *big.Int, error) {
	tx, pending, err := s.client.TransactionByHash(ctx, hash)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("lookup deposit %s: %w", hash.Hex(), err)
	}
	if pending {
		return common.Address{}, nil, fmt.Errorf("%w: %s is pending", ErrDepositUnconfirmed, hash.Hex())
	}
	if tx.To() == nil || *tx.To() != s.from {
		return common.Address{}, nil, fmt.Errorf("%w: %s is not sent to %s", ErrNotADeposit, hash.Hex(), s.from.Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(s.chainID), tx)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: recover sender: %w", ErrNotADeposit, err)
	}

	receipt, err := s.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: receipt %s: %w", ErrDepositUnconfirmed, hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, nil, fmt.Errorf("%w: %s reverted", ErrNotADeposit, hash.Hex())
	}
	final, err := confirmed(ctx, s.client, receipt, s.confirmations)
	if err != nil {
		return common.Address{}, nil, err
	}
	if !final {
		return common.Address{}, nil, fmt.Errorf("%w: %s needs %d confirmations", ErrDepositUnconfirmed, hash.Hex(), s.confirmations)
	}
	return from, new(big.Int).Set(tx.Value()), nil
}

func (s *EthSender) buildTx(ctx context.Context, nonce uint64, to common.Address, amount *big.Int) (*types.Transaction, error) {
	head, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    amount,
			Gas:      s.gasLimit,
			GasPrice: gasPrice,
		}), nil
	}

	tip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       s.gasLimit,
		To:        &to,
		Value:     amount,
	}), nil
}

func (s *EthSender) Ping(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := s.client.BlockNumber(ctx)
	return err
}

func (s *EthSender) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// waitForReceipt polls until the transaction is mined with the given number of
// confirmations or the context is done.
func waitForReceipt(ctx context.Context, client receiptReader, hash common.Hash, confirmations uint64, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		if receipt != nil {
			final, err := confirmed(ctx, client, receipt, confirmations)
			if err != nil {
				return nil, err
			}
			if final {
				return receipt, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// confirmed reports whether the head is at least confirmations-1 blocks past the
// receipt's block.
func confirmed(ctx context.Context, client receiptReader, receipt *types.Receipt, confirmations uint64) (bool, error) {
	if confirmations <= 1 {
		return true, nil
	}
	if receipt.BlockNumber == nil {
		return false, nil
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	return head >= receipt.BlockNumber.Uint64()+confirmations-1, nil
}

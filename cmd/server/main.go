package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"fundme/internal/config"
	"fundme/internal/events"
	"fundme/internal/events/kafka"
	"fundme/internal/fundme"
	"fundme/internal/payout"
	"fundme/internal/pricefeed"
	"fundme/internal/server"
	"fundme/internal/store"
)

// First account of the local development node.
const devDeployer = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

// 10000 ETH, the balance of every local node account.
var devAccountBalance = new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1e18))

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	ctx := context.Background()

	var feed pricefeed.Aggregator
	if addr, ok := cfg.PriceFeedAddress(); ok && !cfg.IsDevelopment() {
		chainlink, err := pricefeed.DialChainlink(ctx, cfg.Chain.RPCURL, addr)
		if err != nil {
			logger.Fatal("price feed error", zap.Error(err))
		}
		defer chainlink.Close()
		feed = chainlink
	} else {
		answer, err := cfg.MockAnswer()
		if err != nil {
			logger.Fatal("mock price feed error", zap.Error(err))
		}
		logger.Info("local network detected, deploying mock price feed",
			zap.String("network", cfg.Deployment.Network),
			zap.Uint8("decimals", cfg.Deployment.Mock.Decimals),
			zap.String("initial_answer", answer.String()))
		feed = pricefeed.NewMockAggregator(cfg.Deployment.Mock.Decimals, answer)
	}
	oracle := pricefeed.NewAdapter(feed, pricefeed.WithMaxAge(cfg.PriceMaxAge))

	var st store.Store
	if cfg.Service.PostgresDSN != "" {
		deployment := cfg.Deployment.Network + ":" + oracle.Address().Hex()
		pg, err := store.NewPostgresStore(ctx, cfg.Service.PostgresDSN, deployment)
		if err != nil {
			logger.Fatal("postgres store error", zap.Error(err))
		}
		defer pg.Close()
		st = pg
	} else {
		fileStore, err := store.NewFileStore(cfg.Service.StorePath)
		if err != nil {
			logger.Fatal("file store error", zap.Error(err))
		}
		st = fileStore
	}

	// Development accounts start prefunded, like the accounts of a local node.
	var (
		vault interface {
			fundme.Vault
			AddReserve(*big.Int)
		} = payout.NewBank(payout.WithOpeningBalance(devAccountBalance))
		serverOpts []server.Option
	)
	owner := common.HexToAddress(cfg.Deployment.Owner)
	if cfg.Chain.PrivateKey != "" {
		sender, err := payout.NewEthSender(ctx, payout.EthSenderConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			Confirmations: cfg.BlockConfirmations(),
		}, logger.Named("payout"))
		if err != nil {
			logger.Fatal("payout sender error", zap.Error(err))
		}
		defer sender.Close()
		custody := payout.NewCustody(sender, sender, st, logger.Named("custody"))
		vault = custody
		serverOpts = append(serverOpts, server.WithDepositClaimer(custody))
		logger.Info("on-chain custody enabled",
			zap.String("hot_wallet", sender.From().Hex()),
			zap.Uint64("confirmations", cfg.BlockConfirmations()))
		if cfg.Deployment.Owner == "" {
			owner = sender.From()
		}
	} else if cfg.Deployment.Owner == "" {
		owner = common.HexToAddress(devDeployer)
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = kp.Close() }()
		publisher = kp
	}

	policy, err := fundme.ParseFunderPolicy(cfg.Deployment.FunderPolicy)
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	ledger, err := fundme.New(ctx, owner, oracle, vault,
		fundme.WithMinimumUSD(cfg.MinimumUSD),
		fundme.WithFunderPolicy(policy),
		fundme.WithStore(st),
		fundme.WithPublisher(publisher),
		fundme.WithLogger(logger.Named("ledger")),
	)
	if err != nil {
		logger.Fatal("ledger error", zap.Error(err))
	}
	// A restored balance is already held by the hot wallet.
	vault.AddReserve(ledger.Balance())
	logger.Info("ledger deployed",
		zap.String("owner", owner.Hex()),
		zap.String("price_feed", oracle.Address().Hex()),
		zap.String("funder_policy", policy.String()))

	apiServer := server.NewServer(cfg, ledger, oracle, st, logger.Named("http"), serverOpts...)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

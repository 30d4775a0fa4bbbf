package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NetworkConfig holds the per-chain values the deployment needs.
type NetworkConfig struct {
	Name               string
	EthUsdPriceFeed    string
	BlockConfirmations int
}

// Networks maps chain IDs to known price feeds.
var Networks = map[int64]NetworkConfig{
	11155111: {
		Name:               "sepolia",
		EthUsdPriceFeed:    "0x694AA1769357215DE4FAC081bf1f309aDC325306",
		BlockConfirmations: 6,
	},
	31337: {
		Name:               "localhost",
		BlockConfirmations: 1,
	},
}

// DevelopmentChains deploy a mock price feed instead of reading a real one.
var DevelopmentChains = []string{"hardhat", "localhost"}

// DeploymentConfig represents deployment.json.
type DeploymentConfig struct {
	Network         string `json:"network"`
	ChainID         int64  `json:"chainId"`
	Owner           string `json:"owner"`
	PriceFeed       string `json:"priceFeed"`
	MinimumUSD      string `json:"minimumUsd"`
	FunderPolicy    string `json:"funderPolicy"`
	PriceMaxAgeSecs int    `json:"priceMaxAgeSeconds"`
	Mock            struct {
		Decimals      uint8  `json:"decimals"`
		InitialAnswer string `json:"initialAnswer"`
	} `json:"mock"`
}

// AppConfig ties together deployment info, environment and derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Kafka      KafkaConfig

	MinimumUSD  *big.Int
	PriceMaxAge time.Duration
}

type ServiceConfig struct {
	HTTPPort           int
	SignatureClockSkew time.Duration
	IdempotencyWindow  time.Duration
	ShutdownTimeout    time.Duration
	StorePath          string
	PostgresDSN        string
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

const (
	defaultDeploymentPath = "deployment.json"
	defaultNetwork        = "hardhat"
	defaultMinimumUSD     = "50"
	defaultMockDecimals   = 8
	defaultMockAnswer     = "200000000000"
)

// Load aggregates configuration from disk and environment. A missing deployment
// file means a development deployment with defaults.
func Load() (*AppConfig, error) {
	deploymentPath := envOr("DEPLOYMENT_PATH", defaultDeploymentPath)

	deployCfg, err := loadDeployment(deploymentPath)
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	deployCfg.Network = envOr("NETWORK", deployCfg.Network)
	deployCfg.Owner = envOr("FUNDME_OWNER", deployCfg.Owner)
	deployCfg.PriceFeed = envOr("PRICE_FEED_ADDRESS", deployCfg.PriceFeed)
	deployCfg.MinimumUSD = envOr("MINIMUM_USD", deployCfg.MinimumUSD)
	deployCfg.FunderPolicy = envOr("FUNDER_POLICY", deployCfg.FunderPolicy)
	deployCfg.ChainID = int64(envOrInt("CHAIN_ID", int(deployCfg.ChainID)))
	applyDefaults(deployCfg)

	minimum, err := ParseUSD(deployCfg.MinimumUSD)
	if err != nil {
		return nil, fmt.Errorf("minimum usd: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:           envOrInt("API_HTTP_PORT", 3000),
		SignatureClockSkew: time.Duration(envOrInt("SIGNATURE_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:  time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		ShutdownTimeout:    time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
		StorePath:          envOr("LEDGER_STORE_PATH", filepath.Join(os.TempDir(), "fundme-ledger.json")),
		PostgresDSN:        envOr("POSTGRES_DSN", ""),
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", defaultRPCURL(deployCfg)),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	kafkaCfg := KafkaConfig{
		Brokers: splitList(envOr("KAFKA_BROKERS", "")),
		Topic:   envOr("KAFKA_TOPIC", "fundme-events"),
	}

	cfg := &AppConfig{
		Deployment:  *deployCfg,
		Service:     serviceCfg,
		Chain:       chainCfg,
		Kafka:       kafkaCfg,
		MinimumUSD:  minimum,
		PriceMaxAge: time.Duration(deployCfg.PriceMaxAgeSecs) * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the deployment runs against a local chain.
func (c *AppConfig) IsDevelopment() bool {
	return slices.Contains(DevelopmentChains, c.Deployment.Network)
}

// PriceFeedAddress resolves the feed to bind: an explicit address wins, then the
// network table. Development networks without an address use the mock.
func (c *AppConfig) PriceFeedAddress() (string, bool) {
	if c.Deployment.PriceFeed != "" {
		return c.Deployment.PriceFeed, true
	}
	if network, ok := Networks[c.Deployment.ChainID]; ok && network.EthUsdPriceFeed != "" {
		return network.EthUsdPriceFeed, true
	}
	return "", false
}

// BlockConfirmations is how many blocks, counting the one that mined it, a
// transaction needs on the deployment's chain before it is final. Unknown
// chains wait for one.
func (c *AppConfig) BlockConfirmations() uint64 {
	if network, ok := Networks[c.Deployment.ChainID]; ok && network.BlockConfirmations > 0 {
		return uint64(network.BlockConfirmations)
	}
	return 1
}

// MockAnswer is the initial answer of the development price feed.
func (c *AppConfig) MockAnswer() (*big.Int, error) {
	answer, ok := new(big.Int).SetString(c.Deployment.Mock.InitialAnswer, 10)
	if !ok {
		return nil, fmt.Errorf("invalid mock initial answer %q", c.Deployment.Mock.InitialAnswer)
	}
	return answer, nil
}

func (c *AppConfig) Validate() error {
	if c.Deployment.Owner != "" && !common.IsHexAddress(c.Deployment.Owner) {
		return fmt.Errorf("invalid owner address %q", c.Deployment.Owner)
	}
	if c.Deployment.PriceFeed != "" && !common.IsHexAddress(c.Deployment.PriceFeed) {
		return fmt.Errorf("invalid price feed address %q", c.Deployment.PriceFeed)
	}
	if _, ok := c.PriceFeedAddress(); !ok && !c.IsDevelopment() {
		return fmt.Errorf("no price feed configured for network %q (chain %d)", c.Deployment.Network, c.Deployment.ChainID)
	}
	if c.Deployment.Owner == "" && c.Chain.PrivateKey == "" && !c.IsDevelopment() {
		return errors.New("owner address or private key is required")
	}
	if c.IsDevelopment() {
		if _, err := c.MockAnswer(); err != nil {
			return err
		}
	}
	return nil
}

// ParseUSD converts a decimal USD string into an 18-decimal integer.
func ParseUSD(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", s)
	}
	return d.Shift(18).BigInt(), nil
}

func applyDefaults(cfg *DeploymentConfig) {
	if cfg.Network == "" {
		if network, ok := Networks[cfg.ChainID]; ok {
			cfg.Network = network.Name
		} else {
			cfg.Network = defaultNetwork
		}
	}
	if cfg.ChainID == 0 {
		for id, network := range Networks {
			if network.Name == cfg.Network {
				cfg.ChainID = id
			}
		}
		if cfg.ChainID == 0 && cfg.Network == "hardhat" {
			cfg.ChainID = 31337
		}
	}
	if cfg.MinimumUSD == "" {
		cfg.MinimumUSD = defaultMinimumUSD
	}
	if cfg.Mock.Decimals == 0 {
		cfg.Mock.Decimals = defaultMockDecimals
	}
	if cfg.Mock.InitialAnswer == "" {
		cfg.Mock.InitialAnswer = defaultMockAnswer
	}
}

func defaultRPCURL(cfg *DeploymentConfig) string {
	if cfg.Network == "localhost" {
		return "http://127.0.0.1:8545"
	}
	return ""
}

func loadDeployment(path string) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeDeployment(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployment.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsToDevelopment(t *testing.T) {
	t.Setenv("DEPLOYMENT_PATH", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "hardhat", cfg.Deployment.Network)
	require.True(t, cfg.IsDevelopment())
	require.Equal(t, int64(31337), cfg.Deployment.ChainID)

	expected, _ := new(big.Int).SetString("50000000000000000000", 10)
	require.Zero(t, expected.Cmp(cfg.MinimumUSD))

	answer, err := cfg.MockAnswer()
	require.NoError(t, err)
	require.Equal(t, int64(200_000_000_000), answer.Int64())
	require.Equal(t, uint8(8), cfg.Deployment.Mock.Decimals)
}

func TestLoadSepoliaUsesNetworkFeed(t *testing.T) {
	path := writeDeployment(t, `{"chainId": 11155111, "owner": "0x00000000000000000000000000000000000000aa", "minimumUsd": "12.5"}`)
	t.Setenv("DEPLOYMENT_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sepolia", cfg.Deployment.Network)
	require.False(t, cfg.IsDevelopment())

	feed, ok := cfg.PriceFeedAddress()
	require.True(t, ok)
	require.Equal(t, "0x694AA1769357215DE4FAC081bf1f309aDC325306", feed)

	expected, _ := new(big.Int).SetString("12500000000000000000", 10)
	require.Zero(t, expected.Cmp(cfg.MinimumUSD))
	require.Equal(t, uint64(6), cfg.BlockConfirmations())
}

func TestBlockConfirmationsFollowChain(t *testing.T) {
	cfg := &AppConfig{Deployment: DeploymentConfig{ChainID: 31337}}
	require.Equal(t, uint64(1), cfg.BlockConfirmations())

	cfg.Deployment.ChainID = 11155111
	require.Equal(t, uint64(6), cfg.BlockConfirmations())

	cfg.Deployment.ChainID = 424242
	require.Equal(t, uint64(1), cfg.BlockConfirmations())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeDeployment(t, `{"network": "hardhat", "funderPolicy": "unique"}`)
	t.Setenv("DEPLOYMENT_PATH", path)
	t.Setenv("FUNDER_POLICY", "append-all")
	t.Setenv("API_HTTP_PORT", "8081")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "append-all", cfg.Deployment.FunderPolicy)
	require.Equal(t, 8081, cfg.Service.HTTPPort)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRejectsUnknownNetworkWithoutFeed(t *testing.T) {
	path := writeDeployment(t, `{"network": "mainnet", "chainId": 1, "owner": "0x00000000000000000000000000000000000000aa"}`)
	t.Setenv("DEPLOYMENT_PATH", path)

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadOwner(t *testing.T) {
	path := writeDeployment(t, `{"owner": "not-an-address"}`)
	t.Setenv("DEPLOYMENT_PATH", path)

	_, err := Load()
	require.Error(t, err)
}

func TestParseUSD(t *testing.T) {
	v, err := ParseUSD("0.000000000000000001")
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Int64())

	_, err = ParseUSD("-1")
	require.Error(t, err)

	_, err = ParseUSD("fifty")
	require.Error(t, err)
}

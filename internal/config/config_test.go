package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://clearnet.yellow.com/ws", cfg.ClearingURL)
	assert.Equal(t, "usdc", cfg.Asset)
	assert.EqualValues(t, 6, cfg.AssetDecimals)
	assert.EqualValues(t, 137, cfg.ChainID)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHANBET_CHANNEL_URL", "ws://localhost:9000/ws")
	t.Setenv("CHANBET_CHAIN_ID", "80002")
	t.Setenv("CHANBET_ASSET", "weth")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:9000/ws", cfg.ChannelURL)
	assert.EqualValues(t, 80002, cfg.ChainID)
	assert.Equal(t, "weth", cfg.Asset)
}

func TestValidateChain(t *testing.T) {
	cfg := &Config{RPCURL: "https://rpc.example", TokenAddress: "0x1", CustodyAddress: "0x2"}
	require.NoError(t, cfg.ValidateChain())

	cfg.CustodyAddress = ""
	require.Error(t, cfg.ValidateChain())

	cfg = &Config{}
	err := cfg.ValidateChain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHANBET_RPC_URL")
}

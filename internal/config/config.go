package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the full environment-driven configuration. Every knob has a
// CHANBET_ prefix so the client can share an environment with other tools.
type Config struct {
	// Duplex game channel.
	ChannelURL string `env:"CHANBET_CHANNEL_URL" envDefault:"wss://api.chanbet.example/ws"`
	APIKey     string `env:"CHANBET_API_KEY"`

	// Clearing network.
	ClearingURL string `env:"CHANBET_CLEARING_URL" envDefault:"wss://clearnet.yellow.com/ws"`
	AppName     string `env:"CHANBET_APP_NAME" envDefault:"chanbet"`
	Asset       string `env:"CHANBET_ASSET" envDefault:"usdc"`

	// Wallet and chain. PrivateKey is a 0x-hex secp256k1 key; leaving it
	// empty runs the client in watch-only mode with no wallet attached.
	PrivateKey     string `env:"CHANBET_PRIVATE_KEY"`
	RPCURL         string `env:"CHANBET_RPC_URL"`
	ChainID        int64  `env:"CHANBET_CHAIN_ID" envDefault:"137"`
	TokenAddress   string `env:"CHANBET_TOKEN_ADDRESS"`
	CustodyAddress string `env:"CHANBET_CUSTODY_ADDRESS"`
	AssetDecimals  int32  `env:"CHANBET_ASSET_DECIMALS" envDefault:"6"`

	// Session persistence. RedisURL switches resume state from the default
	// file store to redis.
	RedisURL  string `env:"CHANBET_REDIS_URL"`
	StorePath string `env:"CHANBET_STORE_PATH"`

	// Local bridge server.
	HTTPAddr     string `env:"CHANBET_HTTP_ADDR" envDefault:":8080"`
	BridgeSecret string `env:"CHANBET_BRIDGE_SECRET"`

	Env      string `env:"CHANBET_ENV" envDefault:"development"`
	LogLevel string `env:"CHANBET_LOG_LEVEL" envDefault:"info"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// ValidateChain checks the fields required for on-chain custody operations.
func (c *Config) ValidateChain() error {
	if c.RPCURL == "" {
		return errors.New("CHANBET_RPC_URL is required for on-chain operations")
	}
	if c.TokenAddress == "" {
		return errors.New("CHANBET_TOKEN_ADDRESS is required for on-chain operations")
	}
	if c.CustodyAddress == "" {
		return errors.New("CHANBET_CUSTODY_ADDRESS is required for on-chain operations")
	}
	return nil
}

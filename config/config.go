package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level lendingd configuration.
type Config struct {
	ListenAddress string   `toml:"ListenAddress"`
	DataDir       string   `toml:"DataDir"`
	LocalChain    string   `toml:"LocalChain"`
	AdminTokens   []string `toml:"AdminTokens"`
	Pauses        []string `toml:"Pauses,omitempty"`

	Logging Logging `toml:"Logging"`
	Oracle  Oracle  `toml:"Oracle"`
	Risk    Risk    `toml:"Risk"`
	Relay   Relay   `toml:"Relay"`

	Assets []Asset `toml:"Asset"`
	Chains []Chain `toml:"Chain"`
	Limits []Limit `toml:"Limit"`
}

// Logging mirrors the observability logging setup.
type Logging struct {
	Level      string `toml:"Level"`
	Format     string `toml:"Format"`
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays int    `toml:"MaxAgeDays,omitempty"`
}

// Oracle configures the price adapter: the staleness heartbeat, the remote
// HTTP feed and any per-asset heartbeat overrides.
type Oracle struct {
	DefaultHeartbeatSeconds uint64            `toml:"DefaultHeartbeatSeconds"`
	HeartbeatSeconds        map[string]uint64 `toml:"HeartbeatSeconds,omitempty"`
	Endpoint                string            `toml:"Endpoint,omitempty"`
	APIKey                  string            `toml:"APIKey,omitempty"`
	RemoteIDs               map[string]string `toml:"RemoteIDs,omitempty"`
}

// Risk holds the liquidation parameters.
type Risk struct {
	CloseFactorBps      uint64 `toml:"CloseFactorBps"`
	LiquidationBonusBps uint64 `toml:"LiquidationBonusBps"`
}

// Relay configures cross-chain settlement timing and the relay endpoint
// outbound messages are posted to. Without an endpoint the node logs sends
// instead of delivering them, which is only useful for local development.
type Relay struct {
	TimeoutSeconds uint64 `toml:"TimeoutSeconds"`
	SweepSeconds   uint64 `toml:"SweepSeconds"`
	Endpoint       string `toml:"Endpoint,omitempty"`
	APIKey         string `toml:"APIKey,omitempty"`
}

// Asset is one registry entry.
type Asset struct {
	Symbol                  string `toml:"Symbol"`
	Decimals                uint8  `toml:"Decimals"`
	LTVBps                  uint64 `toml:"LTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	Collateral              bool   `toml:"Collateral"`
	Borrowable              bool   `toml:"Borrowable"`
	Active                  bool   `toml:"Active"`
	PriceFeed               string `toml:"PriceFeed,omitempty"`
}

// Chain prices relay sends to one destination chain. Fees are decimal wei
// strings so they survive TOML integer limits.
type Chain struct {
	Name          string `toml:"Name"`
	BaseFeeWei    string `toml:"BaseFeeWei"`
	PerByteFeeWei string `toml:"PerByteFeeWei"`
}

// Limit is one rate limiter rule.
type Limit struct {
	Action          string  `toml:"Action"`
	Strategy        string  `toml:"Strategy"`
	WindowSeconds   uint64  `toml:"WindowSeconds,omitempty"`
	MaxActions      uint64  `toml:"MaxActions,omitempty"`
	MaxVolume       string  `toml:"MaxVolume,omitempty"`
	Capacity        uint64  `toml:"Capacity,omitempty"`
	RefillPerSecond float64 `toml:"RefillPerSecond,omitempty"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8545"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.LocalChain) == "" {
		c.LocalChain = "hub"
	}
	if c.AdminTokens == nil {
		c.AdminTokens = []string{}
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = "json"
	}
	if c.Oracle.DefaultHeartbeatSeconds == 0 {
		c.Oracle.DefaultHeartbeatSeconds = 60
	}
	if c.Risk.CloseFactorBps == 0 {
		c.Risk.CloseFactorBps = 5_000
	}
	if c.Risk.LiquidationBonusBps == 0 {
		c.Risk.LiquidationBonusBps = 500
	}
	if c.Relay.TimeoutSeconds == 0 {
		c.Relay.TimeoutSeconds = 600
	}
	if c.Relay.SweepSeconds == 0 {
		c.Relay.SweepSeconds = 30
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file %s: %w", path, err)
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}

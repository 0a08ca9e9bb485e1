package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = ":9090"
LocalChain = "hub"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("logging defaults missing: %+v", cfg.Logging)
	}
	if cfg.Risk.CloseFactorBps != 5_000 || cfg.Risk.LiquidationBonusBps != 500 {
		t.Fatalf("risk defaults missing: %+v", cfg.Risk)
	}
	if cfg.Relay.TimeoutSeconds != 600 {
		t.Fatalf("relay defaults missing: %+v", cfg.Relay)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8545" || cfg.LocalChain != "hub" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = ":8545"
LocalChain = "hub"
AdminTokens = ["secret-token"]
Pauses = ["settlement"]

[Logging]
Level = "debug"
Format = "text"

[Oracle]
DefaultHeartbeatSeconds = 30
[Oracle.HeartbeatSeconds]
ETH = 15

[Risk]
CloseFactorBps = 4000
LiquidationBonusBps = 800

[Relay]
TimeoutSeconds = 120
SweepSeconds = 10

[[Asset]]
Symbol = "ETH"
Decimals = 18
LTVBps = 7500
LiquidationThresholdBps = 8000
Collateral = true
Active = true

[[Asset]]
Symbol = "USDC"
Decimals = 6
LTVBps = 8000
LiquidationThresholdBps = 8500
Collateral = true
Borrowable = true
Active = true

[[Chain]]
Name = "base"
BaseFeeWei = "1000000000000"
PerByteFeeWei = "1000000"

[[Limit]]
Action = "borrow"
Strategy = "window"
WindowSeconds = 3600
MaxActions = 10
MaxVolume = "1000000000"

[[Limit]]
Action = "liquidate"
Strategy = "bucket"
Capacity = 5
RefillPerSecond = 0.1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Assets) != 2 || len(cfg.Chains) != 1 || len(cfg.Limits) != 2 {
		t.Fatalf("shape: %d assets %d chains %d limits", len(cfg.Assets), len(cfg.Chains), len(cfg.Limits))
	}
	if cfg.Oracle.HeartbeatSeconds["ETH"] != 15 {
		t.Fatalf("heartbeat override missing: %+v", cfg.Oracle.HeartbeatSeconds)
	}
	if cfg.Risk.CloseFactorBps != 4_000 {
		t.Fatalf("risk: %+v", cfg.Risk)
	}
	fee, err := ParseWei(cfg.Chains[0].BaseFeeWei)
	if err != nil {
		t.Fatalf("parse fee: %v", err)
	}
	if fee.Cmp(big.NewInt(1_000_000_000_000)) != 0 {
		t.Fatalf("fee = %s", fee)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"duplicate asset", `
LocalChain = "hub"
[[Asset]]
Symbol = "ETH"
[[Asset]]
Symbol = "eth"
`},
		{"chain shadows local", `
LocalChain = "hub"
[[Chain]]
Name = "hub"
`},
		{"bad fee", `
LocalChain = "hub"
[[Chain]]
Name = "base"
BaseFeeWei = "not-a-number"
`},
		{"window without budget", `
LocalChain = "hub"
[[Limit]]
Action = "borrow"
Strategy = "window"
WindowSeconds = 60
`},
		{"bucket without refill", `
LocalChain = "hub"
[[Limit]]
Action = "borrow"
Strategy = "bucket"
Capacity = 5
`},
		{"unknown strategy", `
LocalChain = "hub"
[[Limit]]
Action = "borrow"
Strategy = "sliding"
WindowSeconds = 60
MaxActions = 1
`},
		{"bad log format", `
LocalChain = "hub"
[Logging]
Format = "xml"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

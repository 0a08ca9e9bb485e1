package config

import (
	"fmt"
	"math/big"
	"strings"
)

// Validate rejects configurations that could not be wired into a running
// node. It checks shape only; component-level invariants (risk weights,
// heartbeat semantics) are enforced again by the components themselves.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.LocalChain) == "" {
		return fmt.Errorf("config: LocalChain required")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("config: Logging.Format %q not supported", c.Logging.Format)
	}

	seenAssets := make(map[string]struct{}, len(c.Assets))
	for _, asset := range c.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			return fmt.Errorf("config: asset with empty Symbol")
		}
		if _, dup := seenAssets[symbol]; dup {
			return fmt.Errorf("config: asset %s declared twice", symbol)
		}
		seenAssets[symbol] = struct{}{}
	}

	seenChains := make(map[string]struct{}, len(c.Chains))
	for _, chain := range c.Chains {
		name := strings.ToLower(strings.TrimSpace(chain.Name))
		if name == "" {
			return fmt.Errorf("config: chain with empty Name")
		}
		if name == strings.ToLower(strings.TrimSpace(c.LocalChain)) {
			return fmt.Errorf("config: chain %s duplicates LocalChain", name)
		}
		if _, dup := seenChains[name]; dup {
			return fmt.Errorf("config: chain %s declared twice", name)
		}
		seenChains[name] = struct{}{}
		if _, err := parseWei(chain.BaseFeeWei); err != nil {
			return fmt.Errorf("config: chain %s BaseFeeWei: %w", name, err)
		}
		if _, err := parseWei(chain.PerByteFeeWei); err != nil {
			return fmt.Errorf("config: chain %s PerByteFeeWei: %w", name, err)
		}
	}

	seenLimits := make(map[string]struct{}, len(c.Limits))
	for _, limit := range c.Limits {
		action := strings.ToLower(strings.TrimSpace(limit.Action))
		if action == "" {
			return fmt.Errorf("config: limit with empty Action")
		}
		if _, dup := seenLimits[action]; dup {
			return fmt.Errorf("config: limit %s declared twice", action)
		}
		seenLimits[action] = struct{}{}
		switch strings.ToLower(strings.TrimSpace(limit.Strategy)) {
		case "", "window":
			if limit.WindowSeconds == 0 {
				return fmt.Errorf("config: limit %s needs WindowSeconds", action)
			}
			if limit.MaxActions == 0 && strings.TrimSpace(limit.MaxVolume) == "" {
				return fmt.Errorf("config: limit %s needs MaxActions or MaxVolume", action)
			}
		case "bucket":
			if limit.Capacity == 0 || limit.RefillPerSecond <= 0 {
				return fmt.Errorf("config: limit %s needs Capacity and RefillPerSecond", action)
			}
		default:
			return fmt.Errorf("config: limit %s has unknown Strategy %q", action, limit.Strategy)
		}
		if volume := strings.TrimSpace(limit.MaxVolume); volume != "" {
			if _, err := parseWei(volume); err != nil {
				return fmt.Errorf("config: limit %s MaxVolume: %w", action, err)
			}
		}
	}
	return nil
}

// ParseWei parses a decimal amount string used for fee and volume settings.
func ParseWei(value string) (*big.Int, error) {
	return parseWei(value)
}

func parseWei(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("not a non-negative decimal: %q", value)
	}
	return parsed, nil
}

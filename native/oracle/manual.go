package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// ManualSource provides an in-memory price source used for tests and manual
// overrides during incident response.
type ManualSource struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewManualSource constructs an empty manual source.
func NewManualSource() *ManualSource {
	return &ManualSource{quotes: make(map[string]Quote)}
}

// Set stores the provided fixed-point USD price for the asset.
func (m *ManualSource) Set(assetID string, priceUSD *big.Int, observedAt time.Time) {
	if m == nil || priceUSD == nil || priceUSD.Sign() <= 0 {
		return
	}
	asset := normaliseAsset(assetID)
	if asset == "" {
		return
	}
	m.mu.Lock()
	m.quotes[asset] = Quote{
		AssetID:    asset,
		PriceUSD:   new(big.Int).Set(priceUSD),
		ObservedAt: observedAt,
		Source:     "manual",
	}
	m.mu.Unlock()
}

// SetDecimal records the supplied decimal USD rate, e.g. "1950.25", scaled to
// the 1e18 fixed-point representation used across the engine.
func (m *ManualSource) SetDecimal(assetID, price string, observedAt time.Time) error {
	if m == nil {
		return fmt.Errorf("manual source not configured")
	}
	parsed, err := ParseDecimal(price)
	if err != nil {
		return fmt.Errorf("manual source: %w", err)
	}
	if parsed.Sign() <= 0 {
		return fmt.Errorf("manual source: price must be positive")
	}
	m.Set(assetID, parsed, observedAt)
	return nil
}

// GetPrice retrieves the stored quote for the asset.
func (m *ManualSource) GetPrice(assetID string) (Quote, error) {
	if m == nil {
		return Quote{}, fmt.Errorf("manual source not configured")
	}
	asset := normaliseAsset(assetID)
	m.mu.RLock()
	stored, ok := m.quotes[asset]
	m.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrFeedNotConfigured, asset)
	}
	return stored.Clone(), nil
}

// ParseDecimal converts a decimal string into a 1e18 fixed-point integer.
// Scientific notation and negative values are rejected; excess fractional
// digits beyond 18 places are an error rather than silently truncated.
func ParseDecimal(value string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return nil, fmt.Errorf("decimal value required")
	}
	trimmed = strings.TrimPrefix(trimmed, "+")
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("decimal must not be negative")
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid decimal format %q", value)
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	if integerPart == "" && fractionalPart == "" {
		return nil, fmt.Errorf("invalid decimal format %q", value)
	}
	if integerPart == "" {
		integerPart = "0"
	}
	if len(fractionalPart) > 18 {
		return nil, fmt.Errorf("decimal %q exceeds 18 fractional digits", value)
	}
	digits := integerPart + fractionalPart + strings.Repeat("0", 18-len(fractionalPart))
	if !isDigits(digits) {
		return nil, fmt.Errorf("invalid decimal format %q", value)
	}
	amount, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal value %q", value)
	}
	return amount, nil
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

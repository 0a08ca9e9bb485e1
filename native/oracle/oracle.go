package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Quote captures a USD price for a single asset along with the timestamp
// reported by the upstream feed and the feed identifier. Prices are fixed
// point integers scaled by 1e18.
type Quote struct {
	AssetID    string
	PriceUSD   *big.Int
	ObservedAt time.Time
	Source     string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{AssetID: q.AssetID, ObservedAt: q.ObservedAt, Source: q.Source}
	if q.PriceUSD != nil {
		clone.PriceUSD = new(big.Int).Set(q.PriceUSD)
	}
	return clone
}

// Source resolves a USD quote for the provided asset identifier.
type Source interface {
	GetPrice(assetID string) (Quote, error)
}

var (
	// ErrFeedNotConfigured indicates that no price source knows the asset.
	// It is deliberately distinct from staleness: a configured feed with an
	// old observation still returns a quote flagged stale.
	ErrFeedNotConfigured = errors.New("oracle: price feed not configured")
	// ErrInvalidQuote indicates an upstream source returned a non-positive
	// or missing price.
	ErrInvalidQuote = errors.New("oracle: invalid quote")
)

// Result pairs a quote with its staleness verdict for batch lookups.
type Result struct {
	Quote Quote
	Stale bool
}

// Adapter consults a list of registered sources in priority order until a
// usable quote is obtained. Staleness is computed against the per-asset
// heartbeat; a quote older than its heartbeat is still returned but flagged
// so callers can refuse risk-increasing actions.
type Adapter struct {
	mu               sync.RWMutex
	priority         []string
	sources          map[string]Source
	heartbeats       map[string]time.Duration
	defaultHeartbeat time.Duration
	clock            func() time.Time
}

// NewAdapter constructs an adapter with the supplied default heartbeat used
// for assets without an explicit override.
func NewAdapter(defaultHeartbeat time.Duration) *Adapter {
	if defaultHeartbeat <= 0 {
		defaultHeartbeat = time.Minute
	}
	return &Adapter{
		sources:          make(map[string]Source),
		heartbeats:       make(map[string]time.Duration),
		defaultHeartbeat: defaultHeartbeat,
		clock:            time.Now,
	}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (a *Adapter) SetClock(clock func() time.Time) {
	if a == nil || clock == nil {
		return
	}
	a.mu.Lock()
	a.clock = clock
	a.mu.Unlock()
}

// SetHeartbeat configures the staleness window for a single asset.
func (a *Adapter) SetHeartbeat(assetID string, heartbeat time.Duration) {
	if a == nil || heartbeat <= 0 {
		return
	}
	a.mu.Lock()
	a.heartbeats[normaliseAsset(assetID)] = heartbeat
	a.mu.Unlock()
}

// Register adds or replaces a source under the supplied identifier.
// Identifiers are stored in lowercase so lookups remain consistent regardless
// of configuration casing.
func (a *Adapter) Register(name string, source Source) {
	if a == nil || source == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[trimmed] = source
	for _, entry := range a.priority {
		if entry == trimmed {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// Heartbeat returns the staleness window applied to the provided asset.
func (a *Adapter) Heartbeat(assetID string) time.Duration {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if hb, ok := a.heartbeats[normaliseAsset(assetID)]; ok {
		return hb
	}
	return a.defaultHeartbeat
}

// GetPrice fetches a quote from the configured sources respecting the
// priority ordering. The freshest usable quote wins; the boolean result
// reports whether even that quote breached the asset heartbeat.
func (a *Adapter) GetPrice(assetID string) (Quote, bool, error) {
	if a == nil {
		return Quote{}, false, fmt.Errorf("oracle adapter not configured")
	}
	asset := normaliseAsset(assetID)
	if asset == "" {
		return Quote{}, false, fmt.Errorf("oracle: asset id required")
	}

	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	clock := a.clock
	a.mu.RUnlock()
	heartbeat := a.Heartbeat(asset)
	now := clock().UTC()

	var (
		best     Quote
		haveBest bool
		lastErr  error
	)
	for _, name := range priority {
		a.mu.RLock()
		source := a.sources[name]
		a.mu.RUnlock()
		if source == nil {
			continue
		}
		quote, err := source.GetPrice(asset)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.PriceUSD == nil || quote.PriceUSD.Sign() <= 0 {
			lastErr = fmt.Errorf("%w: source %s", ErrInvalidQuote, name)
			continue
		}
		result := quote.Clone()
		result.AssetID = asset
		if strings.TrimSpace(result.Source) == "" {
			result.Source = name
		}
		if now.Sub(result.ObservedAt) <= heartbeat {
			return result, false, nil
		}
		if !haveBest || result.ObservedAt.After(best.ObservedAt) {
			best = result
			haveBest = true
		}
	}

	if haveBest {
		return best, true, nil
	}
	if lastErr != nil {
		return Quote{}, false, lastErr
	}
	return Quote{}, false, fmt.Errorf("%w: %s", ErrFeedNotConfigured, asset)
}

// GetPrices resolves quotes for every supplied asset. The result slice keeps
// the request ordering; the first hard failure aborts the batch so callers
// never act on a partially priced basket.
func (a *Adapter) GetPrices(assetIDs []string) ([]Result, error) {
	results := make([]Result, 0, len(assetIDs))
	for _, assetID := range assetIDs {
		quote, stale, err := a.GetPrice(assetID)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Quote: quote, Stale: stale})
	}
	return results, nil
}

func normaliseAsset(assetID string) string {
	return strings.ToUpper(strings.TrimSpace(assetID))
}

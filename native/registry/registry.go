package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrAssetNotFound indicates the asset has never been registered.
	ErrAssetNotFound   = errors.New("registry: asset not found")
	errAssetIDRequired = errors.New("registry: asset id required")
	errThresholdBelow  = errors.New("registry: liquidation threshold must exceed ltv")
	errThresholdRange  = errors.New("registry: liquidation threshold exceeds 10000 bps")
	errLTVRange        = errors.New("registry: ltv exceeds 10000 bps")
	errDecimalsRange   = errors.New("registry: decimals out of range")
)

// AssetConfig describes a supported asset and its risk weights. Ratios are
// expressed in basis points to keep all risk arithmetic on integers.
type AssetConfig struct {
	AssetID                 string
	Decimals                uint8
	LTVBps                  uint64
	LiquidationThresholdBps uint64
	CanBeCollateral         bool
	CanBeBorrowed           bool
	Active                  bool
	PriceFeedRef            string
}

// Normalise trims and upper-cases identifiers on a copy of the config.
func (c AssetConfig) Normalise() AssetConfig {
	cfg := c
	cfg.AssetID = normaliseAssetID(c.AssetID)
	cfg.PriceFeedRef = strings.TrimSpace(c.PriceFeedRef)
	if cfg.PriceFeedRef == "" {
		cfg.PriceFeedRef = cfg.AssetID
	}
	return cfg
}

// Validate enforces the registry invariants on the supplied configuration.
func (c AssetConfig) Validate() error {
	if normaliseAssetID(c.AssetID) == "" {
		return errAssetIDRequired
	}
	if c.Decimals > 36 {
		return errDecimalsRange
	}
	if c.LTVBps > 10_000 {
		return errLTVRange
	}
	if c.LiquidationThresholdBps > 10_000 {
		return errThresholdRange
	}
	if c.LiquidationThresholdBps <= c.LTVBps {
		return errThresholdBelow
	}
	return nil
}

// Registry holds the per-epoch asset configuration. Insertion order is
// preserved so List is stable across restarts of the same configuration.
type Registry struct {
	mu     sync.RWMutex
	assets map[string]AssetConfig
	order  []string
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{assets: make(map[string]AssetConfig)}
}

// Upsert validates and stores the asset configuration. New assets append to
// the stable listing order; existing assets keep their position.
func (r *Registry) Upsert(cfg AssetConfig) error {
	if r == nil {
		return fmt.Errorf("registry not initialised")
	}
	normalised := cfg.Normalise()
	if err := normalised.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.assets[normalised.AssetID]; !exists {
		r.order = append(r.order, normalised.AssetID)
	}
	r.assets[normalised.AssetID] = normalised
	return nil
}

// Get returns the configuration for the asset or ErrAssetNotFound.
func (r *Registry) Get(assetID string) (AssetConfig, error) {
	if r == nil {
		return AssetConfig{}, fmt.Errorf("registry not initialised")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.assets[normaliseAssetID(assetID)]
	if !ok {
		return AssetConfig{}, fmt.Errorf("%w: %s", ErrAssetNotFound, normaliseAssetID(assetID))
	}
	return cfg, nil
}

// SetActive freezes or resumes new deposits and borrows for the asset.
// Repay and withdraw are never gated on this flag.
func (r *Registry) SetActive(assetID string, active bool) error {
	if r == nil {
		return fmt.Errorf("registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := normaliseAssetID(assetID)
	cfg, ok := r.assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, id)
	}
	cfg.Active = active
	r.assets[id] = cfg
	return nil
}

// List returns the registered asset identifiers in insertion order.
func (r *Registry) List() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Configs returns the registered asset configurations in insertion order.
func (r *Registry) Configs() []AssetConfig {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AssetConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.assets[id])
	}
	return out
}

func normaliseAssetID(assetID string) string {
	return strings.ToUpper(strings.TrimSpace(assetID))
}

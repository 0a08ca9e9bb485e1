package liquidation

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	modcommon "crosslend/native/common"
	"crosslend/native/ledger"
	"crosslend/native/limiter"
	"crosslend/native/risk"
)

var (
	ErrNotLiquidatable = errors.New("liquidation: borrower not eligible for liquidation")
	ErrNoDebt          = errors.New("liquidation: borrower owes nothing in that asset")
	ErrNoCollateral    = errors.New("liquidation: borrower holds no seizable collateral in that asset")
	ErrSelfLiquidation = errors.New("liquidation: borrower cannot liquidate themselves")
	errNotInitialised  = errors.New("liquidation: manager not initialised")
)

const moduleName = "liquidation"

var (
	basisPoints = big.NewInt(10_000)
	healthFloor = big.NewInt(1_000_000_000_000_000_000)
)

// Params bound a single liquidation call. CloseFactorBps caps how much of
// the outstanding debt one call may repay; BonusBps is the discount the
// liquidator earns on seized collateral.
type Params struct {
	CloseFactorBps uint64
	BonusBps       uint64
}

func DefaultParams() Params {
	return Params{CloseFactorBps: 5_000, BonusBps: 500}
}

func (p Params) Validate() error {
	if p.CloseFactorBps == 0 || p.CloseFactorBps > 10_000 {
		return fmt.Errorf("liquidation: close factor must be within (0, 10000] bps")
	}
	if p.BonusBps > 2_000 {
		return fmt.Errorf("liquidation: bonus above 2000 bps")
	}
	return nil
}

// Event records a committed liquidation.
type Event struct {
	Liquidator      common.Address
	Borrower        common.Address
	DebtAsset       string
	Repaid          *big.Int
	CollateralAsset string
	Seized          *big.Int
	HealthBefore    *big.Int
	HealthAfter     *big.Int
	OccurredAt      time.Time
}

// Manager validates and commits liquidations. Pricing and health math come
// from the risk engine; the two-position mutation commits atomically through
// the ledger pair commit under address-ordered locks.
type Manager struct {
	ledger *ledger.Ledger
	risk   *risk.Engine
	params Params
	limits *limiter.Limiter
	pauses modcommon.PauseView
	clock  func() time.Time
	logger *slog.Logger
}

func NewManager(l *ledger.Ledger, engine *risk.Engine, params Params) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		ledger: l,
		risk:   engine,
		params: params,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}, nil
}

func (m *Manager) SetLimiter(l *limiter.Limiter) {
	if m == nil {
		return
	}
	m.limits = l
}

func (m *Manager) SetPauses(p modcommon.PauseView) {
	if m == nil {
		return
	}
	m.pauses = p
}

func (m *Manager) SetClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.clock = clock
}

func (m *Manager) SetLogger(logger *slog.Logger) {
	if m == nil || logger == nil {
		return
	}
	m.logger = logger
}

// CanLiquidate reports whether the borrower's health factor sits strictly
// below 1. A factor of exactly 1 is healthy. The decision requires fresh
// prices for every asset the position touches.
func (m *Manager) CanLiquidate(borrower common.Address) (bool, *big.Int, error) {
	if m == nil || m.ledger == nil || m.risk == nil {
		return false, nil, errNotInitialised
	}
	position, err := m.ledger.Snapshot(borrower)
	if err != nil {
		return false, nil, err
	}
	eval, err := m.risk.Evaluate(position)
	if err != nil {
		return false, nil, err
	}
	if eval.Stale {
		return false, nil, fmt.Errorf("%w: liquidation decision", risk.ErrStalePrice)
	}
	health := risk.HealthFactor(eval.WeightedCollateralUSD, eval.DebtUSD)
	if health == nil {
		return false, nil, nil
	}
	return health.Cmp(healthFloor) < 0, health, nil
}

// Liquidate repays part of the borrower's debt in debtAsset and seizes
// collateralAsset at a bonus. The repayment is capped at the outstanding
// debt in debtAsset and at the close-factor share of the borrower's total
// debt; when the seizable collateral runs short the seizure caps at the
// balance and the repayment shrinks in proportion. Both positions commit as
// one unit.
func (m *Manager) Liquidate(liquidator, borrower common.Address, debtAsset string, repayRequested *big.Int, collateralAsset string) (*Event, error) {
	if m == nil || m.ledger == nil || m.risk == nil {
		return nil, errNotInitialised
	}
	if err := modcommon.Guard(m.pauses, moduleName); err != nil {
		return nil, err
	}
	if liquidator == borrower {
		return nil, ErrSelfLiquidation
	}
	if repayRequested == nil || repayRequested.Sign() <= 0 {
		return nil, risk.ErrInvalidAmount
	}
	if m.limits != nil {
		if err := m.limits.Check(liquidator.Hex(), "liquidate", repayRequested, m.clock()); err != nil {
			return nil, err
		}
	}

	var event *Event
	err := m.ledger.LockedPair(borrower, liquidator, func() error {
		position, err := m.ledger.Snapshot(borrower)
		if err != nil {
			return err
		}
		eval, err := m.risk.Evaluate(position, debtAsset, collateralAsset)
		if err != nil {
			return err
		}
		if eval.Stale {
			return fmt.Errorf("%w: liquidation decision", risk.ErrStalePrice)
		}
		healthBefore := risk.HealthFactor(eval.WeightedCollateralUSD, eval.DebtUSD)
		if healthBefore == nil || healthBefore.Cmp(healthFloor) >= 0 {
			return ErrNotLiquidatable
		}

		debtCfg := eval.Configs[normalise(debtAsset)]
		collCfg := eval.Configs[normalise(collateralAsset)]
		outstanding := position.DebtBalance(debtCfg.AssetID)
		if outstanding.Sign() == 0 {
			return fmt.Errorf("%w: %s", ErrNoDebt, debtCfg.AssetID)
		}
		seizable := position.AvailableCollateral(collCfg.AssetID)
		if seizable.Sign() == 0 {
			return fmt.Errorf("%w: %s", ErrNoCollateral, collCfg.AssetID)
		}

		debtPrice := eval.Prices[debtCfg.AssetID].PriceUSD
		collPrice := eval.Prices[collCfg.AssetID].PriceUSD

		// The close factor bounds one call by a fraction of the borrower's
		// total debt across assets, not just the repaid asset.
		ceilingUSD := scaleBps(eval.DebtUSD, m.params.CloseFactorBps)
		ceiling := risk.UnitsForValue(ceilingUSD, debtCfg.Decimals, debtPrice)
		repay := capAmount(capAmount(repayRequested, outstanding), ceiling)
		if repay.Sign() == 0 {
			return fmt.Errorf("%w: close factor admits no repayment", ErrNotLiquidatable)
		}

		repayUSD := risk.ValueUSD(repay, debtCfg.Decimals, debtPrice)
		bonusFactor := new(big.Int).SetUint64(10_000 + m.params.BonusBps)
		seizeUSD := new(big.Int).Mul(repayUSD, bonusFactor)
		seizeUSD.Quo(seizeUSD, basisPoints)
		seize := risk.UnitsForValue(seizeUSD, collCfg.Decimals, collPrice)

		if seize.Cmp(seizable) > 0 {
			// Cap at the balance and shrink the repayment so the bonus
			// ratio is preserved.
			seize = new(big.Int).Set(seizable)
			seizableUSD := risk.ValueUSD(seizable, collCfg.Decimals, collPrice)
			cappedRepayUSD := new(big.Int).Mul(seizableUSD, basisPoints)
			cappedRepayUSD.Quo(cappedRepayUSD, bonusFactor)
			repay = risk.UnitsForValue(cappedRepayUSD, debtCfg.Decimals, debtPrice)
			if repay.Sign() == 0 {
				return fmt.Errorf("%w: %s", ErrNoCollateral, collCfg.AssetID)
			}
		}

		borrowerEntries := []ledger.Entry{
			{Asset: debtCfg.AssetID, Kind: ledger.KindDebt, Op: ledger.OpDebit, Amount: repay},
			{Asset: collCfg.AssetID, Kind: ledger.KindCollateral, Op: ledger.OpDebit, Amount: seize},
		}
		liquidatorEntries := []ledger.Entry{
			{Asset: collCfg.AssetID, Kind: ledger.KindCollateral, Op: ledger.OpCredit, Amount: seize},
		}
		if err := m.ledger.ApplyPair(borrower, borrowerEntries, liquidator, liquidatorEntries); err != nil {
			return err
		}

		after, err := m.ledger.Snapshot(borrower)
		if err != nil {
			return err
		}
		afterEval, err := m.risk.Evaluate(after)
		if err != nil {
			return err
		}
		event = &Event{
			Liquidator:      liquidator,
			Borrower:        borrower,
			DebtAsset:       debtCfg.AssetID,
			Repaid:          repay,
			CollateralAsset: collCfg.AssetID,
			Seized:          seize,
			HealthBefore:    healthBefore,
			HealthAfter:     risk.HealthFactor(afterEval.WeightedCollateralUSD, afterEval.DebtUSD),
			OccurredAt:      m.clock().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.limits != nil {
		if recordErr := m.limits.Record(liquidator.Hex(), "liquidate", event.Repaid, m.clock()); recordErr != nil {
			m.logger.Warn("liquidation rate record failed", slog.String("error", recordErr.Error()))
		}
	}
	m.logger.Info("liquidation committed",
		slog.String("borrower", borrower.Hex()),
		slog.String("liquidator", liquidator.Hex()),
		slog.String("repaid", event.Repaid.String()),
		slog.String("seized", event.Seized.String()),
	)
	return event, nil
}

func capAmount(requested, limit *big.Int) *big.Int {
	capped := new(big.Int).Set(requested)
	if capped.Cmp(limit) > 0 {
		capped.Set(limit)
	}
	return capped
}

func scaleBps(value *big.Int, bps uint64) *big.Int {
	scaled := new(big.Int).Mul(value, new(big.Int).SetUint64(bps))
	return scaled.Quo(scaled, basisPoints)
}

func normalise(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

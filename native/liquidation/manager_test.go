package liquidation

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	modcommon "crosslend/native/common"
	"crosslend/native/ledger"
	"crosslend/native/oracle"
	"crosslend/native/registry"
	"crosslend/native/risk"
	"crosslend/storage"
)

var testTime = time.Unix(1_700_000_000, 0).UTC()

type fixture struct {
	manager *Manager
	ledger  *ledger.Ledger
	prices  *oracle.ManualSource
	clock   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := testTime
	f := &fixture{clock: &now}
	clock := func() time.Time { return *f.clock }

	store := storage.NewStore(storage.NewMemDB())
	f.ledger = ledger.New(store)
	f.ledger.SetClock(clock)

	reg := registry.New()
	for _, cfg := range []registry.AssetConfig{
		{
			AssetID:                 "ETH",
			Decimals:                18,
			LTVBps:                  7_500,
			LiquidationThresholdBps: 8_000,
			CanBeCollateral:         true,
			Active:                  true,
		},
		{
			AssetID:                 "USDC",
			Decimals:                6,
			LTVBps:                  8_000,
			LiquidationThresholdBps: 8_500,
			CanBeCollateral:         true,
			CanBeBorrowed:           true,
			Active:                  true,
		},
	} {
		if err := reg.Upsert(cfg); err != nil {
			t.Fatalf("upsert %s: %v", cfg.AssetID, err)
		}
	}

	f.prices = oracle.NewManualSource()
	f.prices.Set("USDC", fixedUSD(1), now)
	adapter := oracle.NewAdapter(time.Minute)
	adapter.SetClock(clock)
	adapter.Register("manual", f.prices)

	engine := risk.NewEngine(f.ledger, reg, adapter)
	engine.SetClock(clock)

	manager, err := NewManager(f.ledger, engine, DefaultParams())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.SetClock(clock)
	f.manager = manager
	return f
}

// seed writes a position directly so tests can start from states the risk
// engine would never admit.
func (f *fixture) seed(t *testing.T, addr common.Address, collateralWei, debtMicro *big.Int) {
	t.Helper()
	var entries []ledger.Entry
	if collateralWei != nil && collateralWei.Sign() > 0 {
		entries = append(entries, ledger.Entry{Asset: "ETH", Kind: ledger.KindCollateral, Op: ledger.OpCredit, Amount: collateralWei})
	}
	if debtMicro != nil && debtMicro.Sign() > 0 {
		entries = append(entries, ledger.Entry{Asset: "USDC", Kind: ledger.KindDebt, Op: ledger.OpCredit, Amount: debtMicro})
	}
	err := f.ledger.Locked(addr, func() error {
		return f.ledger.Apply(addr, entries)
	})
	if err != nil {
		t.Fatalf("seed %s: %v", addr.Hex(), err)
	}
}

func fixedUSD(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func weiETH(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1_000_000_000_000_000))
}

func microUSDC(n int64) *big.Int {
	return big.NewInt(n * 1_000_000)
}

var (
	borrowerAddr   = common.BytesToAddress([]byte{0x01})
	liquidatorAddr = common.BytesToAddress([]byte{0x02})
)

func TestCanLiquidateThresholds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, borrowerAddr, weiETH(1_000), microUSDC(1_400))

	// 1 ETH at 1750 carries weighted collateral of exactly 1400 against
	// 1400 debt: a factor of exactly 1, which is still healthy.
	f.prices.Set("ETH", fixedUSD(1_750), *f.clock)
	eligible, health, err := f.manager.CanLiquidate(borrowerAddr)
	if err != nil {
		t.Fatalf("can liquidate: %v", err)
	}
	if eligible {
		t.Fatalf("factor exactly 1.0 must not be liquidatable")
	}
	if health == nil || health.Cmp(fixedUSD(1)) != 0 {
		t.Fatalf("health = %v, want exactly 1.0", health)
	}

	// A further drop pushes the factor below 1.
	f.prices.Set("ETH", fixedUSD(1_600), *f.clock)
	eligible, health, err = f.manager.CanLiquidate(borrowerAddr)
	if err != nil {
		t.Fatalf("can liquidate: %v", err)
	}
	if !eligible {
		t.Fatalf("factor %v should be liquidatable", health)
	}
}

func TestCanLiquidateNoDebt(t *testing.T) {
	f := newFixture(t)
	f.seed(t, borrowerAddr, weiETH(1_000), nil)
	f.prices.Set("ETH", fixedUSD(1_600), *f.clock)

	eligible, health, err := f.manager.CanLiquidate(borrowerAddr)
	if err != nil {
		t.Fatalf("can liquidate: %v", err)
	}
	if eligible || health != nil {
		t.Fatalf("debt-free position reported eligible=%v health=%v", eligible, health)
	}
}

func TestCanLiquidateRequiresFreshPrices(t *testing.T) {
	f := newFixture(t)
	f.seed(t, borrowerAddr, weiETH(1_000), microUSDC(1_400))
	f.prices.Set("ETH", fixedUSD(1_600), *f.clock)
	*f.clock = f.clock.Add(2 * time.Minute)

	if _, _, err := f.manager.CanLiquidate(borrowerAddr); !errors.Is(err, risk.ErrStalePrice) {
		t.Fatalf("err = %v, want ErrStalePrice", err)
	}
}

func TestLiquidateAppliesCloseFactorAndBonus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, borrowerAddr, weiETH(1_000), microUSDC(1_400))
	f.prices.Set("ETH", fixedUSD(1_600), *f.clock)

	// Request the full debt; the close factor caps the repayment at 700.
	event, err := f.manager.Liquidate(liquidatorAddr, borrowerAddr, "USDC", microUSDC(1_400), "ETH")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if event.Repaid.Cmp(microUSDC(700)) != 0 {
		t.Fatalf("repaid %s, want close factor cap of 700", event.Repaid)
	}
	// 700 repaid at a 5% bonus seizes 735 USD of ETH at 1600: 0.459375 ETH.
	wantSeize, _ := new(big.Int).SetString("459375000000000000", 10)
	if event.Seized.Cmp(wantSeize) != 0 {
		t.Fatalf("seized %s, want %s", event.Seized, wantSeize)
	}
	if event.HealthAfter == nil || event.HealthAfter.Cmp(event.HealthBefore) <= 0 {
		t.Fatalf("health must improve: before %v after %v", event.HealthBefore, event.HealthAfter)
	}

	borrower, err := f.ledger.Snapshot(borrowerAddr)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := borrower.DebtBalance("USDC"); got.Cmp(microUSDC(700)) != 0 {
		t.Fatalf("borrower debt %s, want 700", got)
	}
	wantRemaining := new(big.Int).Sub(weiETH(1_000), wantSeize)
	if got := borrower.CollateralBalance("ETH"); got.Cmp(wantRemaining) != 0 {
		t.Fatalf("borrower collateral %s, want %s", got, wantRemaining)
	}

	liquidator, err := f.ledger.Snapshot(liquidatorAddr)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := liquidator.CollateralBalance("ETH"); got.Cmp(wantSeize) != 0 {
		t.Fatalf("liquidator received %s, want %s", got, wantSeize)
	}
}

func TestLiquidateCloseFactorSpansTotalDebt(t *testing.T) {
	f := newFixture(t)
	// Debt split across assets: 100 USDC plus 0.9 ETH (900 USD at 1000).
	// The close factor admits half of the 1000 USD total, so the full 100
	// USDC leg may be repaid in one call.
	f.seed(t, borrowerAddr, weiETH(1_000), microUSDC(100))
	err := f.ledger.Locked(borrowerAddr, func() error {
		return f.ledger.Apply(borrowerAddr, []ledger.Entry{
			{Asset: "ETH", Kind: ledger.KindDebt, Op: ledger.OpCredit, Amount: weiETH(900)},
		})
	})
	if err != nil {
		t.Fatalf("seed eth debt: %v", err)
	}
	f.prices.Set("ETH", fixedUSD(1_000), *f.clock)

	event, err := f.manager.Liquidate(liquidatorAddr, borrowerAddr, "USDC", microUSDC(100), "ETH")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if event.Repaid.Cmp(microUSDC(100)) != 0 {
		t.Fatalf("repaid %s, want the full 100 USDC leg", event.Repaid)
	}
	// 100 repaid at a 5% bonus seizes 105 USD of ETH at 1000: 0.105 ETH.
	if event.Seized.Cmp(weiETH(105)) != 0 {
		t.Fatalf("seized %s, want %s", event.Seized, weiETH(105))
	}

	borrower, err := f.ledger.Snapshot(borrowerAddr)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if borrower.DebtBalance("USDC").Sign() != 0 {
		t.Fatalf("usdc debt should be fully repaid, got %s", borrower.DebtBalance("USDC"))
	}
	if got := borrower.DebtBalance("ETH"); got.Cmp(weiETH(900)) != 0 {
		t.Fatalf("eth debt %s, want untouched 0.9 ETH", got)
	}
}

func TestLiquidateCapsAtCollateralBalance(t *testing.T) {
	f := newFixture(t)
	// Tiny collateral against a large debt: the seizure caps at the
	// balance and the repayment shrinks with the bonus ratio preserved.
	f.seed(t, borrowerAddr, weiETH(100), microUSDC(1_400))
	f.prices.Set("ETH", fixedUSD(1_600), *f.clock)

	event, err := f.manager.Liquidate(liquidatorAddr, borrowerAddr, "USDC", microUSDC(700), "ETH")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if event.Seized.Cmp(weiETH(100)) != 0 {
		t.Fatalf("seized %s, want the full 0.1 ETH", event.Seized)
	}
	// 0.1 ETH is 160 USD; dividing out the 5% bonus leaves 152.380952 of
	// repaid debt.
	if event.Repaid.Cmp(big.NewInt(152_380_952)) != 0 {
		t.Fatalf("repaid %s, want 152380952", event.Repaid)
	}

	borrower, err := f.ledger.Snapshot(borrowerAddr)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if borrower.CollateralBalance("ETH").Sign() != 0 {
		t.Fatalf("collateral should be fully seized")
	}
}

func TestLiquidateHealthyBorrowerRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, borrowerAddr, weiETH(1_000), microUSDC(1_400))
	f.prices.Set("ETH", fixedUSD(2_000), *f.clock)

	if _, err := f.manager.Liquidate(liquidatorAddr, borrowerAddr, "USDC", microUSDC(700), "ETH"); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("err = %v, want ErrNotLiquidatable", err)
	}
}

func TestLiquidateSelf(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Liquidate(borrowerAddr, borrowerAddr, "USDC", microUSDC(1), "ETH"); !errors.Is(err, ErrSelfLiquidation) {
		t.Fatalf("err = %v, want ErrSelfLiquidation", err)
	}
}

func TestLiquidatePaused(t *testing.T) {
	f := newFixture(t)
	pauses := modcommon.NewPauses()
	pauses.Set("liquidation", true)
	f.manager.SetPauses(pauses)

	if _, err := f.manager.Liquidate(liquidatorAddr, borrowerAddr, "USDC", microUSDC(1), "ETH"); !errors.Is(err, modcommon.ErrModulePaused) {
		t.Fatalf("err = %v, want ErrModulePaused", err)
	}
}

func TestParamsValidate(t *testing.T) {
	if err := (Params{CloseFactorBps: 0, BonusBps: 100}).Validate(); err == nil {
		t.Fatalf("zero close factor must fail")
	}
	if err := (Params{CloseFactorBps: 10_001, BonusBps: 100}).Validate(); err == nil {
		t.Fatalf("close factor above 10000 must fail")
	}
	if err := (Params{CloseFactorBps: 5_000, BonusBps: 2_001}).Validate(); err == nil {
		t.Fatalf("bonus above cap must fail")
	}
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	modcommon "crosslend/native/common"
	"crosslend/native/ledger"
	"crosslend/native/limiter"
	"crosslend/native/oracle"
	"crosslend/native/registry"
	"crosslend/native/settlement"
)

var (
	ErrAssetNotSupported      = errors.New("risk engine: asset not supported")
	ErrAssetInactive          = errors.New("risk engine: asset not active")
	ErrNotCollateral          = errors.New("risk engine: asset cannot be used as collateral")
	ErrNotBorrowable          = errors.New("risk engine: asset cannot be borrowed")
	ErrStalePrice             = errors.New("risk engine: price feed stale")
	ErrInsufficientCollateral = errors.New("risk engine: insufficient collateral for borrow")
	ErrHealthBreach           = errors.New("risk engine: action would push health factor below 1")
	ErrNoOutstandingDebt      = errors.New("risk engine: no outstanding debt to repay")
	ErrInvalidAmount          = errors.New("risk engine: amount must be positive")
	errNotInitialised         = errors.New("risk engine: not initialised")
	errSettlementUnavailable  = errors.New("risk engine: settlement coordinator not configured")
)

const moduleName = "lending"

// Action labels for receipts and rate limiter keys.
const (
	ActionDeposit  = "deposit"
	ActionWithdraw = "withdraw"
	ActionBorrow   = "borrow"
	ActionRepay    = "repay"
)

// Receipt is the committed outcome of a lending action. For cross-chain
// actions MessageID and FeeWei identify the in-flight settlement; the ledger
// effect stays reserved until the relay resolves.
type Receipt struct {
	Action       string
	Address      common.Address
	Asset        string
	Amount       *big.Int
	HealthFactor *big.Int
	MessageID    string
	FeeWei       *big.Int
	CommittedAt  time.Time
}

// Snapshot summarises a position for callers: all values 1e18-scaled USD,
// HealthFactor nil when the position carries no debt.
type Snapshot struct {
	Address           common.Address
	CollateralUSD     *big.Int
	DebtUSD           *big.Int
	BorrowCapacityUSD *big.Int
	HealthFactor      *big.Int
	PriceStale        bool
}

// Evaluation is the priced view of a position. Collateral values exclude
// in-flight collateral holds; debt values include in-flight borrow holds.
type Evaluation struct {
	CollateralUSD         *big.Int
	WeightedCollateralUSD *big.Int
	CapacityUSD           *big.Int
	DebtUSD               *big.Int
	Stale                 bool
	Prices                map[string]oracle.Quote
	Configs               map[string]registry.AssetConfig
}

// Engine orchestrates the lending state transitions: it validates against the
// asset registry, prices positions through the oracle adapter, enforces
// health and rate limits, and commits through the ledger. Cross-chain
// variants route through the settlement coordinator with ledger holds keyed
// by the settlement message ID.
type Engine struct {
	ledger      *ledger.Ledger
	registry    *registry.Registry
	oracle      *oracle.Adapter
	limits      *limiter.Limiter
	settlements *settlement.Coordinator
	pauses      modcommon.PauseView
	clock       func() time.Time
	logger      *slog.Logger
}

// NewEngine constructs a risk engine bound to its ledger, registry and
// oracle. Rate limiting and cross-chain settlement are wired via setters.
func NewEngine(l *ledger.Ledger, r *registry.Registry, o *oracle.Adapter) *Engine {
	return &Engine{
		ledger:   l,
		registry: r,
		oracle:   o,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
}

func (e *Engine) SetLimiter(l *limiter.Limiter) {
	if e == nil {
		return
	}
	e.limits = l
}

func (e *Engine) SetSettlements(c *settlement.Coordinator) {
	if e == nil {
		return
	}
	e.settlements = c
}

func (e *Engine) SetPauses(p modcommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// Deposit credits collateral. Deposits never increase risk, so stale prices
// do not block them.
func (e *Engine) Deposit(addr common.Address, asset string, amount *big.Int) (*Receipt, error) {
	cfg, err := e.assetFor(asset)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%w: %s", ErrAssetInactive, cfg.AssetID)
	}
	if !cfg.CanBeCollateral {
		return nil, fmt.Errorf("%w: %s", ErrNotCollateral, cfg.AssetID)
	}
	if err := e.begin(addr, ActionDeposit, amount); err != nil {
		return nil, err
	}

	err = e.ledger.Locked(addr, func() error {
		return e.ledger.Apply(addr, []ledger.Entry{{
			Asset:  cfg.AssetID,
			Kind:   ledger.KindCollateral,
			Op:     ledger.OpCredit,
			Amount: amount,
		}})
	})
	if err != nil {
		return nil, err
	}
	e.commitLimit(addr, ActionDeposit, amount)
	return e.receipt(addr, ActionDeposit, cfg.AssetID, amount, "", nil), nil
}

// Withdraw debits available collateral. When the position carries debt the
// prices involved must be fresh and the post-withdrawal health factor must
// stay at or above 1. A non-empty destChain other than the local chain turns
// the withdrawal into a cross-chain send backed by a collateral hold.
func (e *Engine) Withdraw(addr common.Address, asset string, amount *big.Int, destChain string) (*Receipt, error) {
	cfg, err := e.assetFor(asset)
	if err != nil {
		return nil, err
	}
	if err := e.begin(addr, ActionWithdraw, amount); err != nil {
		return nil, err
	}

	crossChain, err := e.routesCrossChain(destChain)
	if err != nil {
		return nil, err
	}
	var msg *settlement.Message
	if crossChain {
		msg, err = e.settlements.Prepare(addr, destChain, settlement.ActionWithdraw, cfg.AssetID, amount, addr)
		if err != nil {
			return nil, err
		}
	}
	var health *big.Int

	err = e.ledger.Locked(addr, func() error {
		position, err := e.ledger.Snapshot(addr)
		if err != nil {
			return err
		}
		health, err = e.checkWithdraw(position, cfg, amount)
		if err != nil {
			return err
		}
		if !crossChain {
			return e.ledger.Apply(addr, []ledger.Entry{{
				Asset:  cfg.AssetID,
				Kind:   ledger.KindCollateral,
				Op:     ledger.OpDebit,
				Amount: amount,
			}})
		}
		return e.ledger.Reserve(addr, msg.ID, cfg.AssetID, ledger.KindCollateral, amount)
	})
	if err != nil {
		e.abort(msg, err)
		return nil, err
	}
	if crossChain {
		if msg, err = e.dispatch(msg); err != nil {
			return nil, err
		}
	}
	e.commitLimit(addr, ActionWithdraw, amount)
	receipt := e.receipt(addr, ActionWithdraw, cfg.AssetID, amount, destChain, msg)
	receipt.HealthFactor = health
	return receipt, nil
}

// Borrow creates debt against ltv-weighted collateral capacity. Every price
// the decision depends on must be fresh. A non-empty destChain other than
// the local chain routes the borrowed funds cross-chain behind a debt hold.
func (e *Engine) Borrow(addr common.Address, asset string, amount *big.Int, destChain string) (*Receipt, error) {
	cfg, err := e.assetFor(asset)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%w: %s", ErrAssetInactive, cfg.AssetID)
	}
	if !cfg.CanBeBorrowed {
		return nil, fmt.Errorf("%w: %s", ErrNotBorrowable, cfg.AssetID)
	}
	if err := e.begin(addr, ActionBorrow, amount); err != nil {
		return nil, err
	}

	crossChain, err := e.routesCrossChain(destChain)
	if err != nil {
		return nil, err
	}
	var msg *settlement.Message
	if crossChain {
		msg, err = e.settlements.Prepare(addr, destChain, settlement.ActionBorrow, cfg.AssetID, amount, addr)
		if err != nil {
			return nil, err
		}
	}
	var health *big.Int

	err = e.ledger.Locked(addr, func() error {
		position, err := e.ledger.Snapshot(addr)
		if err != nil {
			return err
		}
		health, err = e.checkBorrow(position, cfg, amount)
		if err != nil {
			return err
		}
		if !crossChain {
			return e.ledger.Apply(addr, []ledger.Entry{{
				Asset:  cfg.AssetID,
				Kind:   ledger.KindDebt,
				Op:     ledger.OpCredit,
				Amount: amount,
			}})
		}
		return e.ledger.Reserve(addr, msg.ID, cfg.AssetID, ledger.KindDebt, amount)
	})
	if err != nil {
		e.abort(msg, err)
		return nil, err
	}
	if crossChain {
		if msg, err = e.dispatch(msg); err != nil {
			return nil, err
		}
	}
	e.commitLimit(addr, ActionBorrow, amount)
	receipt := e.receipt(addr, ActionBorrow, cfg.AssetID, amount, destChain, msg)
	receipt.HealthFactor = health
	return receipt, nil
}

// Repay reduces outstanding debt. Payments above the outstanding amount are
// capped at the debt, never rejected; the receipt reports the amount
// actually applied. Stale prices do not block repayment.
func (e *Engine) Repay(addr common.Address, asset string, amount *big.Int) (*Receipt, error) {
	cfg, err := e.assetFor(asset)
	if err != nil {
		return nil, err
	}
	if err := e.begin(addr, ActionRepay, amount); err != nil {
		return nil, err
	}

	var applied *big.Int
	err = e.ledger.Locked(addr, func() error {
		position, err := e.ledger.Snapshot(addr)
		if err != nil {
			return err
		}
		outstanding := position.DebtBalance(cfg.AssetID)
		if outstanding.Sign() == 0 {
			return fmt.Errorf("%w: %s", ErrNoOutstandingDebt, cfg.AssetID)
		}
		applied = new(big.Int).Set(amount)
		if applied.Cmp(outstanding) > 0 {
			applied.Set(outstanding)
		}
		return e.ledger.Apply(addr, []ledger.Entry{{
			Asset:  cfg.AssetID,
			Kind:   ledger.KindDebt,
			Op:     ledger.OpDebit,
			Amount: applied,
		}})
	})
	if err != nil {
		return nil, err
	}
	e.commitLimit(addr, ActionRepay, applied)
	return e.receipt(addr, ActionRepay, cfg.AssetID, applied, "", nil), nil
}

// Position returns a deep copy of the user's ledger record.
func (e *Engine) Position(addr common.Address) (*ledger.Position, error) {
	if e == nil || e.ledger == nil {
		return nil, errNotInitialised
	}
	return e.ledger.Snapshot(addr)
}

// HealthSnapshot prices the position and reports its health factor along
// with the USD aggregates it was derived from.
func (e *Engine) HealthSnapshot(addr common.Address) (*Snapshot, error) {
	if e == nil || e.ledger == nil {
		return nil, errNotInitialised
	}
	position, err := e.ledger.Snapshot(addr)
	if err != nil {
		return nil, err
	}
	eval, err := e.Evaluate(position)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Address:           addr,
		CollateralUSD:     eval.CollateralUSD,
		DebtUSD:           eval.DebtUSD,
		BorrowCapacityUSD: eval.CapacityUSD,
		HealthFactor:      HealthFactor(eval.WeightedCollateralUSD, eval.DebtUSD),
		PriceStale:        eval.Stale,
	}, nil
}

// Evaluate prices every asset the position references. Collateral aggregates
// use the available balance so in-flight collateral holds stop backing new
// risk, while debt aggregates include in-flight borrow holds.
func (e *Engine) Evaluate(position *ledger.Position, extraAssets ...string) (*Evaluation, error) {
	if e == nil || e.registry == nil || e.oracle == nil {
		return nil, errNotInitialised
	}
	assets := position.Assets()
	for _, extra := range extraAssets {
		id := strings.ToUpper(strings.TrimSpace(extra))
		found := false
		for _, existing := range assets {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			assets = append(assets, id)
		}
	}
	sort.Strings(assets)

	eval := &Evaluation{
		CollateralUSD:         big.NewInt(0),
		WeightedCollateralUSD: big.NewInt(0),
		CapacityUSD:           big.NewInt(0),
		DebtUSD:               big.NewInt(0),
		Prices:                make(map[string]oracle.Quote, len(assets)),
		Configs:               make(map[string]registry.AssetConfig, len(assets)),
	}
	for _, asset := range assets {
		cfg, err := e.registry.Get(asset)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
		}
		quote, stale, err := e.oracle.GetPrice(cfg.PriceFeedRef)
		if err != nil {
			return nil, err
		}
		eval.Prices[cfg.AssetID] = quote
		eval.Configs[cfg.AssetID] = cfg
		if stale {
			eval.Stale = true
		}

		collateralUSD := ValueUSD(position.AvailableCollateral(cfg.AssetID), cfg.Decimals, quote.PriceUSD)
		eval.CollateralUSD.Add(eval.CollateralUSD, collateralUSD)
		eval.WeightedCollateralUSD.Add(eval.WeightedCollateralUSD, ApplyBps(collateralUSD, cfg.LiquidationThresholdBps))
		eval.CapacityUSD.Add(eval.CapacityUSD, ApplyBps(collateralUSD, cfg.LTVBps))
		eval.DebtUSD.Add(eval.DebtUSD, ValueUSD(position.AccountedDebt(cfg.AssetID), cfg.Decimals, quote.PriceUSD))
	}
	return eval, nil
}

// ResolveSettlement finalizes or releases the ledger hold behind a settled
// cross-chain message. The coordinator calls it exactly once per terminal
// transition.
func (e *Engine) ResolveSettlement(msg *settlement.Message, delivered bool) error {
	if e == nil || e.ledger == nil {
		return errNotInitialised
	}
	var err error
	if delivered {
		err = e.ledger.FinalizeHold(msg.ID)
	} else {
		err = e.ledger.ReleaseHold(msg.ID)
	}
	if errors.Is(err, ledger.ErrUnknownHold) {
		// Messages initiated without a reservation have nothing to settle.
		e.logger.Warn("settled message had no ledger hold", slog.String("message", msg.ID))
		return nil
	}
	return err
}

// abort marks a prepared message failed after a risk check rejected the
// action before any reservation was placed.
func (e *Engine) abort(msg *settlement.Message, cause error) {
	if msg == nil || e.settlements == nil {
		return
	}
	if err := e.settlements.Abort(msg.ID, cause.Error()); err != nil {
		e.logger.Warn("abort of prepared message failed",
			slog.String("message", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ApplyInbound lands a message arriving from another chain. Deposit
// settlements credit the receiver's collateral; payout actions carry no
// local position effect and are only logged.
func (e *Engine) ApplyInbound(msg *settlement.Message) error {
	if e == nil || e.ledger == nil {
		return errNotInitialised
	}
	if msg.Action != settlement.ActionDepositSettlement {
		e.logger.Info("inbound payout acknowledged",
			slog.String("message", msg.ID),
			slog.String("action", string(msg.Action)),
		)
		return nil
	}
	cfg, err := e.assetFor(msg.Asset)
	if err != nil {
		return err
	}
	if !cfg.CanBeCollateral {
		return fmt.Errorf("%w: %s", ErrNotCollateral, cfg.AssetID)
	}
	return e.ledger.Locked(msg.Receiver, func() error {
		return e.ledger.Apply(msg.Receiver, []ledger.Entry{{
			Asset:  cfg.AssetID,
			Kind:   ledger.KindCollateral,
			Op:     ledger.OpCredit,
			Amount: msg.Amount,
		}})
	})
}

// RetrySettlement re-sends a failed or timed-out message under a fresh
// nonce. The position is re-checked against current prices and a new hold is
// placed before dispatch, exactly as for a first send.
func (e *Engine) RetrySettlement(id string) (*Receipt, error) {
	if e == nil || e.settlements == nil {
		return nil, errSettlementUnavailable
	}
	msg, err := e.settlements.Retry(id)
	if err != nil {
		return nil, err
	}
	cfg, err := e.assetFor(msg.Asset)
	if err != nil {
		return nil, err
	}

	var health *big.Int
	err = e.ledger.Locked(msg.Sender, func() error {
		position, err := e.ledger.Snapshot(msg.Sender)
		if err != nil {
			return err
		}
		var kind ledger.BalanceKind
		switch msg.Action {
		case settlement.ActionBorrow:
			kind = ledger.KindDebt
			health, err = e.checkBorrow(position, cfg, msg.Amount)
		case settlement.ActionWithdraw:
			kind = ledger.KindCollateral
			health, err = e.checkWithdraw(position, cfg, msg.Amount)
		default:
			return fmt.Errorf("risk engine: action %q not retryable", msg.Action)
		}
		if err != nil {
			return err
		}
		return e.ledger.Reserve(msg.Sender, msg.ID, cfg.AssetID, kind, msg.Amount)
	})
	if err != nil {
		e.abort(msg, err)
		return nil, err
	}
	if msg, err = e.dispatch(msg); err != nil {
		return nil, err
	}
	action := ActionBorrow
	if msg.Action == settlement.ActionWithdraw {
		action = ActionWithdraw
	}
	receipt := e.receipt(msg.Sender, action, cfg.AssetID, msg.Amount, msg.DestChain, msg)
	receipt.HealthFactor = health
	return receipt, nil
}

// checkBorrow validates capacity for new debt. Returns the prospective
// health factor. Caller holds the user lock.
func (e *Engine) checkBorrow(position *ledger.Position, cfg registry.AssetConfig, amount *big.Int) (*big.Int, error) {
	eval, err := e.Evaluate(position, cfg.AssetID)
	if err != nil {
		return nil, err
	}
	if eval.Stale {
		return nil, fmt.Errorf("%w: %s", ErrStalePrice, cfg.AssetID)
	}
	newDebtUSD := ValueUSD(amount, cfg.Decimals, eval.Prices[cfg.AssetID].PriceUSD)
	totalDebtUSD := new(big.Int).Add(eval.DebtUSD, newDebtUSD)
	if eval.CapacityUSD.Cmp(totalDebtUSD) < 0 {
		return nil, fmt.Errorf("%w: capacity %s, debt would be %s",
			ErrInsufficientCollateral, eval.CapacityUSD, totalDebtUSD)
	}
	return HealthFactor(eval.WeightedCollateralUSD, totalDebtUSD), nil
}

// checkWithdraw validates balance and the post-withdrawal health factor.
// Caller holds the user lock.
func (e *Engine) checkWithdraw(position *ledger.Position, cfg registry.AssetConfig, amount *big.Int) (*big.Int, error) {
	if position.AvailableCollateral(cfg.AssetID).Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInsufficientBalance, cfg.AssetID)
	}
	eval, err := e.Evaluate(position, cfg.AssetID)
	if err != nil {
		return nil, err
	}
	if eval.DebtUSD.Sign() == 0 {
		return nil, nil
	}
	if eval.Stale {
		return nil, fmt.Errorf("%w: %s", ErrStalePrice, cfg.AssetID)
	}
	withdrawnUSD := ValueUSD(amount, cfg.Decimals, eval.Prices[cfg.AssetID].PriceUSD)
	newWeighted := new(big.Int).Sub(eval.WeightedCollateralUSD, ApplyBps(withdrawnUSD, cfg.LiquidationThresholdBps))
	if newWeighted.Sign() < 0 {
		newWeighted.SetInt64(0)
	}
	health := HealthFactor(newWeighted, eval.DebtUSD)
	if health != nil && health.Cmp(priceScale) < 0 {
		return nil, fmt.Errorf("%w: post-withdrawal factor %s", ErrHealthBreach, health)
	}
	return health, nil
}

func (e *Engine) assetFor(asset string) (registry.AssetConfig, error) {
	if e == nil || e.ledger == nil || e.registry == nil || e.oracle == nil {
		return registry.AssetConfig{}, errNotInitialised
	}
	cfg, err := e.registry.Get(asset)
	if err != nil {
		return registry.AssetConfig{}, fmt.Errorf("%w: %s", ErrAssetNotSupported, strings.ToUpper(strings.TrimSpace(asset)))
	}
	return cfg, nil
}

// begin runs the shared preamble: pause guard, amount validation, and the
// no-consume rate limit check.
func (e *Engine) begin(addr common.Address, action string, amount *big.Int) error {
	if err := modcommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if e.limits != nil {
		return e.limits.Check(addr.Hex(), action, amount, e.clock())
	}
	return nil
}

// commitLimit consumes the rate limit budget after a successful commit.
func (e *Engine) commitLimit(addr common.Address, action string, amount *big.Int) {
	if e.limits == nil {
		return
	}
	if err := e.limits.Record(addr.Hex(), action, amount, e.clock()); err != nil {
		e.logger.Warn("rate limit record failed",
			slog.String("subject", addr.Hex()),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) routesCrossChain(destChain string) (bool, error) {
	chain := strings.ToLower(strings.TrimSpace(destChain))
	if chain == "" {
		return false, nil
	}
	if e.settlements == nil {
		return false, errSettlementUnavailable
	}
	if chain == e.settlements.LocalChain() {
		return false, nil
	}
	return true, nil
}

// dispatch hands the prepared message to the relay, releasing the hold when
// the relay rejects it so the position returns to its prior shape.
func (e *Engine) dispatch(msg *settlement.Message) (*settlement.Message, error) {
	sent, err := e.settlements.Dispatch(msg.ID)
	if err != nil {
		if releaseErr := e.ledger.ReleaseHold(msg.ID); releaseErr != nil {
			e.logger.Error("hold release after relay rejection failed",
				slog.String("message", msg.ID),
				slog.String("error", releaseErr.Error()),
			)
		}
		return nil, err
	}
	return sent, nil
}

func (e *Engine) receipt(addr common.Address, action, asset string, amount *big.Int, destChain string, msg *settlement.Message) *Receipt {
	r := &Receipt{
		Action:      action,
		Address:     addr,
		Asset:       asset,
		Amount:      new(big.Int).Set(amount),
		CommittedAt: e.clock().UTC(),
	}
	if msg != nil {
		r.MessageID = msg.ID
		if msg.FeeWei != nil {
			r.FeeWei = new(big.Int).Set(msg.FeeWei)
		}
	}
	return r
}

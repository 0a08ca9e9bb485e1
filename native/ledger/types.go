package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceKind selects which side of a position an entry touches.
type BalanceKind uint8

const (
	KindCollateral BalanceKind = iota
	KindDebt
)

func (k BalanceKind) String() string {
	switch k {
	case KindCollateral:
		return "collateral"
	case KindDebt:
		return "debt"
	default:
		return "unknown"
	}
}

// Op is the direction of a ledger entry.
type Op uint8

const (
	OpCredit Op = iota
	OpDebit
)

// Entry is a single balance mutation. A batch of entries passed to Apply
// commits as one unit or not at all.
type Entry struct {
	Asset  string
	Kind   BalanceKind
	Op     Op
	Amount *big.Int
}

// Position is the per-user accounting record. Balances are non-negative
// integers in the asset's native smallest unit. Reserved amounts back
// in-flight cross-chain actions: excluded from the available balance, still
// visible to risk invariants until resolved.
type Position struct {
	Address            common.Address
	Collateral         map[string]*big.Int
	Debt               map[string]*big.Int
	ReservedCollateral map[string]*big.Int
	ReservedDebt       map[string]*big.Int
	LastUpdate         time.Time
}

func newPosition(addr common.Address) *Position {
	return &Position{
		Address:            addr,
		Collateral:         make(map[string]*big.Int),
		Debt:               make(map[string]*big.Int),
		ReservedCollateral: make(map[string]*big.Int),
		ReservedDebt:       make(map[string]*big.Int),
	}
}

// Clone returns a deep copy so callers can never mutate committed state.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := newPosition(p.Address)
	clone.LastUpdate = p.LastUpdate
	for asset, amount := range p.Collateral {
		clone.Collateral[asset] = new(big.Int).Set(amount)
	}
	for asset, amount := range p.Debt {
		clone.Debt[asset] = new(big.Int).Set(amount)
	}
	for asset, amount := range p.ReservedCollateral {
		clone.ReservedCollateral[asset] = new(big.Int).Set(amount)
	}
	for asset, amount := range p.ReservedDebt {
		clone.ReservedDebt[asset] = new(big.Int).Set(amount)
	}
	return clone
}

func balanceOf(m map[string]*big.Int, asset string) *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	if amount, ok := m[asset]; ok && amount != nil {
		return new(big.Int).Set(amount)
	}
	return big.NewInt(0)
}

// CollateralBalance returns the accounted collateral for the asset.
func (p *Position) CollateralBalance(asset string) *big.Int {
	return balanceOf(p.Collateral, normaliseAsset(asset))
}

// DebtBalance returns the materialised debt for the asset, excluding
// in-flight reservations.
func (p *Position) DebtBalance(asset string) *big.Int {
	return balanceOf(p.Debt, normaliseAsset(asset))
}

// AvailableCollateral is the collateral spendable by new actions: accounted
// balance minus in-flight holds.
func (p *Position) AvailableCollateral(asset string) *big.Int {
	id := normaliseAsset(asset)
	available := new(big.Int).Sub(balanceOf(p.Collateral, id), balanceOf(p.ReservedCollateral, id))
	if available.Sign() < 0 {
		return big.NewInt(0)
	}
	return available
}

// AccountedDebt is the debt that risk invariants must see: materialised debt
// plus in-flight borrow reservations.
func (p *Position) AccountedDebt(asset string) *big.Int {
	id := normaliseAsset(asset)
	return new(big.Int).Add(balanceOf(p.Debt, id), balanceOf(p.ReservedDebt, id))
}

// Assets lists every asset the position references on either side.
func (p *Position) Assets() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, len(p.Collateral)+len(p.Debt))
	collect := func(m map[string]*big.Int) {
		for asset := range m {
			if _, ok := seen[asset]; ok {
				continue
			}
			seen[asset] = struct{}{}
			out = append(out, asset)
		}
	}
	collect(p.Collateral)
	collect(p.Debt)
	collect(p.ReservedCollateral)
	collect(p.ReservedDebt)
	return out
}

// HoldKind mirrors BalanceKind for reservation records.
type Hold struct {
	ID        string
	Address   common.Address
	Asset     string
	Kind      BalanceKind
	Amount    *big.Int
	CreatedAt time.Time
}

// Clone returns a deep copy of the hold record.
func (h *Hold) Clone() *Hold {
	if h == nil {
		return nil
	}
	clone := *h
	if h.Amount != nil {
		clone.Amount = new(big.Int).Set(h.Amount)
	}
	return &clone
}

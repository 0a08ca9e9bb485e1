package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Stored records keep amounts as decimal strings so RLP round-trips are
// independent of big.Int internals.
type storedBalance struct {
	Asset  string
	Amount string
}

type storedPosition struct {
	Address            common.Address
	Collateral         []storedBalance
	Debt               []storedBalance
	ReservedCollateral []storedBalance
	ReservedDebt       []storedBalance
	LastUpdate         uint64
}

type storedHold struct {
	ID        string
	Address   common.Address
	Asset     string
	Kind      uint8
	Amount    string
	CreatedAt uint64
}

func toStoredBalances(m map[string]*big.Int) []storedBalance {
	out := make([]storedBalance, 0, len(m))
	for asset, amount := range m {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		out = append(out, storedBalance{Asset: asset, Amount: amount.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func fromStoredBalances(records []storedBalance) (map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(records))
	for _, record := range records {
		amount, ok := new(big.Int).SetString(record.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("ledger: corrupt stored amount %q for %s", record.Amount, record.Asset)
		}
		out[record.Asset] = amount
	}
	return out, nil
}

func (l *Ledger) loadPosition(addr common.Address) (*Position, error) {
	var stored storedPosition
	ok, err := l.store.KVGet(positionKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newPosition(addr), nil
	}
	position := newPosition(addr)
	if position.Collateral, err = fromStoredBalances(stored.Collateral); err != nil {
		return nil, err
	}
	if position.Debt, err = fromStoredBalances(stored.Debt); err != nil {
		return nil, err
	}
	if position.ReservedCollateral, err = fromStoredBalances(stored.ReservedCollateral); err != nil {
		return nil, err
	}
	if position.ReservedDebt, err = fromStoredBalances(stored.ReservedDebt); err != nil {
		return nil, err
	}
	if stored.LastUpdate > 0 {
		position.LastUpdate = time.Unix(int64(stored.LastUpdate), 0).UTC()
	}
	return position, nil
}

func (l *Ledger) persistPosition(position *Position) error {
	stored := storedPosition{
		Address:            position.Address,
		Collateral:         toStoredBalances(position.Collateral),
		Debt:               toStoredBalances(position.Debt),
		ReservedCollateral: toStoredBalances(position.ReservedCollateral),
		ReservedDebt:       toStoredBalances(position.ReservedDebt),
	}
	if !position.LastUpdate.IsZero() {
		stored.LastUpdate = uint64(position.LastUpdate.Unix())
	}
	return l.store.KVPut(positionKey(position.Address), stored)
}

func (l *Ledger) lookupHold(id string) (*Hold, bool, error) {
	if id == "" {
		return nil, false, nil
	}
	var stored storedHold
	ok, err := l.store.KVGet(holdKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	amount, parsed := new(big.Int).SetString(stored.Amount, 10)
	if !parsed {
		return nil, false, fmt.Errorf("ledger: corrupt stored hold amount %q", stored.Amount)
	}
	hold := &Hold{
		ID:      stored.ID,
		Address: stored.Address,
		Asset:   stored.Asset,
		Kind:    BalanceKind(stored.Kind),
		Amount:  amount,
	}
	if stored.CreatedAt > 0 {
		hold.CreatedAt = time.Unix(int64(stored.CreatedAt), 0).UTC()
	}
	return hold, true, nil
}

func (l *Ledger) persistHold(hold *Hold) error {
	stored := storedHold{
		ID:      hold.ID,
		Address: hold.Address,
		Asset:   hold.Asset,
		Kind:    uint8(hold.Kind),
		Amount:  hold.Amount.String(),
	}
	if !hold.CreatedAt.IsZero() {
		stored.CreatedAt = uint64(hold.CreatedAt.Unix())
	}
	return l.store.KVPut(holdKey(hold.ID), stored)
}

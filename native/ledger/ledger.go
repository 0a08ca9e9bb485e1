package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/storage"
)

var (
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrUnknownHold         = errors.New("ledger: unknown hold")
	ErrDuplicateHold       = errors.New("ledger: hold already exists")
	// ErrInvariantViolation marks a negative balance surfacing past the
	// precondition checks. It must never be reachable through any public
	// operation; seeing it means an upstream guard is broken.
	ErrInvariantViolation = errors.New("ledger: balance invariant violated")
)

var (
	positionPrefix = []byte("lend/position/")
	holdPrefix     = []byte("lend/hold/")
)

// Ledger is the authoritative per-user accounting store. All mutation flows
// through the risk engine or liquidation manager, which wrap every
// read-check-write cycle in Locked/LockedPair.
type Ledger struct {
	store storage.KV
	clock func() time.Time

	lockMu sync.Mutex
	locks  map[common.Address]*sync.Mutex
}

// New constructs a ledger bound to the provided record store.
func New(store storage.KV) *Ledger {
	return &Ledger{
		store: store,
		clock: time.Now,
		locks: make(map[common.Address]*sync.Mutex),
	}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

func (l *Ledger) userLock(addr common.Address) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	mu, ok := l.locks[addr]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[addr] = mu
	}
	return mu
}

// Locked serialises fn against every other action touching the same user.
// The health check and the commit it gates must both run inside fn.
func (l *Ledger) Locked(addr common.Address, fn func() error) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	mu := l.userLock(addr)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// LockedPair serialises fn against both users, acquiring locks in address
// order so concurrent liquidations cannot deadlock.
func (l *Ledger) LockedPair(a, b common.Address, fn func() error) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if a == b {
		return l.Locked(a, fn)
	}
	first, second := a, b
	if bytes.Compare(first.Bytes(), second.Bytes()) > 0 {
		first, second = second, first
	}
	muFirst := l.userLock(first)
	muSecond := l.userLock(second)
	muFirst.Lock()
	defer muFirst.Unlock()
	muSecond.Lock()
	defer muSecond.Unlock()
	return fn()
}

// Snapshot returns a deep copy of the most recently committed position. A
// user with no history yields an empty position rather than an error.
func (l *Ledger) Snapshot(addr common.Address) (*Position, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	position, err := l.loadPosition(addr)
	if err != nil {
		return nil, err
	}
	return position.Clone(), nil
}

// Apply commits the batch of entries as one unit: every entry is validated
// against the working copy before anything is persisted, and the position is
// written with a single store put. Callers must hold the user lock.
func (l *Ledger) Apply(addr common.Address, entries []Entry) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger not initialised")
	}
	position, err := l.loadPosition(addr)
	if err != nil {
		return err
	}
	if err := applyEntries(position, entries); err != nil {
		return err
	}
	position.LastUpdate = l.clock().UTC()
	return l.persistPosition(position)
}

// ApplyPair commits entry batches for two users, restoring the first user's
// prior record when persisting the second fails so a liquidation never lands
// half applied.
func (l *Ledger) ApplyPair(addrA common.Address, entriesA []Entry, addrB common.Address, entriesB []Entry) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger not initialised")
	}
	positionA, err := l.loadPosition(addrA)
	if err != nil {
		return err
	}
	positionB, err := l.loadPosition(addrB)
	if err != nil {
		return err
	}
	priorA := positionA.Clone()

	if err := applyEntries(positionA, entriesA); err != nil {
		return err
	}
	if err := applyEntries(positionB, entriesB); err != nil {
		return err
	}
	now := l.clock().UTC()
	positionA.LastUpdate = now
	positionB.LastUpdate = now

	if err := l.persistPosition(positionA); err != nil {
		return err
	}
	if err := l.persistPosition(positionB); err != nil {
		if restoreErr := l.persistPosition(priorA); restoreErr != nil {
			return fmt.Errorf("ledger: pair commit failed (%v) and rollback failed: %w", err, restoreErr)
		}
		return err
	}
	return nil
}

// Reserve places an in-flight hold identified by holdID. Collateral holds
// require available balance; debt holds record prospective debt whose
// headroom the risk engine has already checked.
func (l *Ledger) Reserve(addr common.Address, holdID, asset string, kind BalanceKind, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	id := strings.TrimSpace(holdID)
	if id == "" {
		return fmt.Errorf("ledger: hold id required")
	}
	if existing, ok, err := l.lookupHold(id); err != nil {
		return err
	} else if ok && existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateHold, id)
	}

	assetID := normaliseAsset(asset)
	position, err := l.loadPosition(addr)
	if err != nil {
		return err
	}
	switch kind {
	case KindCollateral:
		if position.AvailableCollateral(assetID).Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		addTo(position.ReservedCollateral, assetID, amount)
	case KindDebt:
		addTo(position.ReservedDebt, assetID, amount)
	default:
		return fmt.Errorf("ledger: unknown balance kind %d", kind)
	}
	position.LastUpdate = l.clock().UTC()

	hold := &Hold{
		ID:        id,
		Address:   addr,
		Asset:     assetID,
		Kind:      kind,
		Amount:    new(big.Int).Set(amount),
		CreatedAt: l.clock().UTC(),
	}
	if err := l.persistHold(hold); err != nil {
		return err
	}
	if err := l.persistPosition(position); err != nil {
		// Drop the orphaned hold record so a retry is not misread as a
		// duplicate.
		_ = l.store.KVDelete(holdKey(id))
		return err
	}
	return nil
}

// FinalizeHold settles a hold after relay delivery: collateral leaves the
// position for good, a debt reservation becomes materialised debt.
func (l *Ledger) FinalizeHold(holdID string) error {
	return l.resolveHold(holdID, true)
}

// ReleaseHold reverses a hold after relay failure or timeout, returning the
// position to its pre-initiate shape.
func (l *Ledger) ReleaseHold(holdID string) error {
	return l.resolveHold(holdID, false)
}

// HoldRecord returns the stored hold, if any.
func (l *Ledger) HoldRecord(holdID string) (*Hold, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, fmt.Errorf("ledger not initialised")
	}
	return l.lookupHold(strings.TrimSpace(holdID))
}

func (l *Ledger) resolveHold(holdID string, finalize bool) error {
	id := strings.TrimSpace(holdID)
	if id == "" {
		return fmt.Errorf("ledger: hold id required")
	}
	hold, ok, err := l.lookupHold(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHold, id)
	}

	return l.Locked(hold.Address, func() error {
		position, err := l.loadPosition(hold.Address)
		if err != nil {
			return err
		}
		switch hold.Kind {
		case KindCollateral:
			if err := subFrom(position.ReservedCollateral, hold.Asset, hold.Amount); err != nil {
				return err
			}
			if finalize {
				if err := subFrom(position.Collateral, hold.Asset, hold.Amount); err != nil {
					return err
				}
			}
		case KindDebt:
			if err := subFrom(position.ReservedDebt, hold.Asset, hold.Amount); err != nil {
				return err
			}
			if finalize {
				addTo(position.Debt, hold.Asset, hold.Amount)
			}
		default:
			return fmt.Errorf("ledger: unknown balance kind %d", hold.Kind)
		}
		if err := assertNonNegative(position); err != nil {
			return err
		}
		position.LastUpdate = l.clock().UTC()
		if err := l.persistPosition(position); err != nil {
			return err
		}
		return l.store.KVDelete(holdKey(id))
	})
}

func applyEntries(position *Position, entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("ledger: entries required")
	}
	for _, entry := range entries {
		if entry.Amount == nil || entry.Amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		asset := normaliseAsset(entry.Asset)
		if asset == "" {
			return fmt.Errorf("ledger: asset required")
		}
		var balances map[string]*big.Int
		switch entry.Kind {
		case KindCollateral:
			balances = position.Collateral
		case KindDebt:
			balances = position.Debt
		default:
			return fmt.Errorf("ledger: unknown balance kind %d", entry.Kind)
		}
		switch entry.Op {
		case OpCredit:
			addTo(balances, asset, entry.Amount)
		case OpDebit:
			if entry.Kind == KindCollateral {
				// Debits may not bite into in-flight holds.
				if position.AvailableCollateral(asset).Cmp(entry.Amount) < 0 {
					return ErrInsufficientBalance
				}
			}
			if err := subFrom(balances, asset, entry.Amount); err != nil {
				return err
			}
		default:
			return fmt.Errorf("ledger: unknown op %d", entry.Op)
		}
	}
	return assertNonNegative(position)
}

func addTo(m map[string]*big.Int, asset string, amount *big.Int) {
	current, ok := m[asset]
	if !ok || current == nil {
		m[asset] = new(big.Int).Set(amount)
		return
	}
	m[asset] = new(big.Int).Add(current, amount)
}

func subFrom(m map[string]*big.Int, asset string, amount *big.Int) error {
	current := balanceOf(m, asset)
	if current.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	next := new(big.Int).Sub(current, amount)
	if next.Sign() == 0 {
		delete(m, asset)
		return nil
	}
	m[asset] = next
	return nil
}

func assertNonNegative(position *Position) error {
	check := func(m map[string]*big.Int) error {
		for asset, amount := range m {
			if amount != nil && amount.Sign() < 0 {
				return fmt.Errorf("%w: %s", ErrInvariantViolation, asset)
			}
		}
		return nil
	}
	if err := check(position.Collateral); err != nil {
		return err
	}
	if err := check(position.Debt); err != nil {
		return err
	}
	if err := check(position.ReservedCollateral); err != nil {
		return err
	}
	return check(position.ReservedDebt)
}

func normaliseAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func positionKey(addr common.Address) []byte {
	return append(append([]byte(nil), positionPrefix...), addr.Bytes()...)
}

func holdKey(id string) []byte {
	return append(append([]byte(nil), holdPrefix...), []byte(id)...)
}

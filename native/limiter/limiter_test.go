package limiter

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"crosslend/storage"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	return New(storage.NewStore(storage.NewMemDB()))
}

func TestWindowCountBudget(t *testing.T) {
	l := newTestLimiter(t)
	l.SetRule("borrow", Rule{Strategy: StrategyWindow, Window: time.Minute, MaxActions: 2})
	now := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 2; i++ {
		if err := l.Check("alice", "borrow", nil, now); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if err := l.Record("alice", "borrow", nil, now); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	err := l.Check("alice", "borrow", nil, now.Add(10*time.Second))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var denial *Denial
	if !errors.As(err, &denial) {
		t.Fatalf("expected Denial, got %T", err)
	}
	if denial.RetryAfter != 50*time.Second {
		t.Fatalf("unexpected retry after: %s", denial.RetryAfter)
	}

	// Other subjects keep their own budget.
	if err := l.Check("bob", "borrow", nil, now); err != nil {
		t.Fatalf("independent subject: %v", err)
	}
}

func TestWindowResetsAfterElapse(t *testing.T) {
	l := newTestLimiter(t)
	l.SetRule("deposit", Rule{Strategy: StrategyWindow, Window: time.Minute, MaxActions: 1})
	now := time.Unix(1_700_000_000, 0).UTC()

	if err := l.Record("alice", "deposit", nil, now); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Check("alice", "deposit", nil, now.Add(30*time.Second)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected denial inside window, got %v", err)
	}
	if err := l.Check("alice", "deposit", nil, now.Add(time.Minute)); err != nil {
		t.Fatalf("expected fresh window, got %v", err)
	}
}

func TestWindowVolumeBudget(t *testing.T) {
	l := newTestLimiter(t)
	l.SetRule("borrow", Rule{Strategy: StrategyWindow, Window: time.Hour, MaxVolume: big.NewInt(1_000)})
	now := time.Unix(1_700_000_000, 0).UTC()

	if err := l.Record("eth", "borrow", big.NewInt(900), now); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Check("eth", "borrow", big.NewInt(100), now); err != nil {
		t.Fatalf("exact fit must pass: %v", err)
	}
	if err := l.Check("eth", "borrow", big.NewInt(101), now); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected volume denial, got %v", err)
	}
}

func TestCheckDoesNotConsume(t *testing.T) {
	l := newTestLimiter(t)
	l.SetRule("borrow", Rule{Strategy: StrategyWindow, Window: time.Minute, MaxActions: 1})
	now := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 5; i++ {
		if err := l.Check("alice", "borrow", nil, now); err != nil {
			t.Fatalf("check %d must not consume: %v", i, err)
		}
	}
	if err := l.Record("alice", "borrow", nil, now); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestUnconfiguredActionAdmits(t *testing.T) {
	l := newTestLimiter(t)
	if err := l.Check("alice", "repay", nil, time.Now()); err != nil {
		t.Fatalf("unconfigured action must admit: %v", err)
	}
}

func TestBucketBudget(t *testing.T) {
	l := newTestLimiter(t)
	l.SetRule("liquidate", Rule{Strategy: StrategyBucket, Capacity: 2, RefillPerS: 1})
	now := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 2; i++ {
		if err := l.Record("carol", "liquidate", nil, now); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	err := l.Record("carol", "liquidate", nil, now)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected bucket exhaustion, got %v", err)
	}

	// Refill restores budget relative to the supplied instant.
	if err := l.Record("carol", "liquidate", nil, now.Add(2*time.Second)); err != nil {
		t.Fatalf("expected refill, got %v", err)
	}
}

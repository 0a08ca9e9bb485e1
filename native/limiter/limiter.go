package limiter

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crosslend/storage"
)

// ErrRateLimited is the sentinel matched by callers; concrete denials wrap it
// and carry the retry hint.
var ErrRateLimited = errors.New("limiter: rate limited")

// Denial reports a rejected action along with when a retry may succeed.
type Denial struct {
	Key        string
	RetryAfter time.Duration
	Limit      uint64
	Current    uint64
}

func (d *Denial) Error() string {
	if d == nil {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("limiter: %s rate limited, retry after %s", d.Key, d.RetryAfter)
}

func (d *Denial) Unwrap() error { return ErrRateLimited }

// Strategy selects how a rule is enforced.
type Strategy uint8

const (
	// StrategyWindow resets a counter when the fixed window elapses.
	StrategyWindow Strategy = iota
	// StrategyBucket refills tokens continuously up to a capacity.
	StrategyBucket
)

// Rule bounds one action kind. Window rules may additionally cap volume in
// the asset's smallest unit; bucket rules count actions only.
type Rule struct {
	Strategy   Strategy
	Window     time.Duration
	MaxActions uint64
	MaxVolume  *big.Int
	Capacity   uint64
	RefillPerS float64
}

type windowRecord struct {
	WindowStart uint64
	Count       uint64
	Volume      string
}

// Limiter enforces per-subject action budgets. Fixed-window counters persist
// in the record store so restarts cannot reset abuse budgets; token buckets
// live in memory only. Every decision is a pure function of the supplied
// timestamp: Check never consumes, Record consumes after the action commits.
type Limiter struct {
	store storage.KV

	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[string]*rate.Limiter
}

// New constructs a limiter backed by the provided record store.
func New(store storage.KV) *Limiter {
	return &Limiter{
		store:   store,
		rules:   make(map[string]Rule),
		buckets: make(map[string]*rate.Limiter),
	}
}

// SetRule installs or replaces the budget for an action kind.
func (l *Limiter) SetRule(action string, rule Rule) {
	if l == nil {
		return
	}
	name := normaliseKey(action)
	if name == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[name] = rule
	// Bucket state restarts when the rule changes.
	for key := range l.buckets {
		if strings.HasPrefix(key, name+"/") {
			delete(l.buckets, key)
		}
	}
}

// Check reports whether the action would be admitted at the supplied instant
// without consuming any budget. Unconfigured actions are always admitted.
func (l *Limiter) Check(subject, action string, volume *big.Int, now time.Time) error {
	return l.evaluate(subject, action, volume, now, false)
}

// Record consumes budget for a committed action. It must only be called
// after every other gate in the same action has passed, so a later rejection
// can never strand partially consumed budget.
func (l *Limiter) Record(subject, action string, volume *big.Int, now time.Time) error {
	return l.evaluate(subject, action, volume, now, true)
}

func (l *Limiter) evaluate(subject, action string, volume *big.Int, now time.Time, consume bool) error {
	if l == nil {
		return fmt.Errorf("limiter not initialised")
	}
	actionKey := normaliseKey(action)
	subjectKey := normaliseKey(subject)
	if actionKey == "" || subjectKey == "" {
		return fmt.Errorf("limiter: subject and action required")
	}
	l.mu.Lock()
	rule, ok := l.rules[actionKey]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	switch rule.Strategy {
	case StrategyWindow:
		return l.evaluateWindow(subjectKey, actionKey, rule, volume, now, consume)
	case StrategyBucket:
		return l.evaluateBucket(subjectKey, actionKey, rule, now, consume)
	default:
		return fmt.Errorf("limiter: unknown strategy %d", rule.Strategy)
	}
}

func (l *Limiter) evaluateWindow(subject, action string, rule Rule, volume *big.Int, now time.Time, consume bool) error {
	if rule.Window <= 0 {
		return nil
	}
	key := windowKey(action, subject)
	var record windowRecord
	if _, err := l.store.KVGet(key, &record); err != nil {
		return err
	}

	windowStart := time.Unix(int64(record.WindowStart), 0).UTC()
	nowUTC := now.UTC()
	if record.WindowStart == 0 || nowUTC.Sub(windowStart) >= rule.Window {
		record = windowRecord{WindowStart: uint64(nowUTC.Unix())}
		windowStart = nowUTC
	}
	retryAfter := rule.Window - nowUTC.Sub(windowStart)
	if retryAfter < 0 {
		retryAfter = 0
	}

	projectedCount := record.Count + 1
	if rule.MaxActions > 0 && projectedCount > rule.MaxActions {
		return &Denial{Key: subject + "/" + action, RetryAfter: retryAfter, Limit: rule.MaxActions, Current: record.Count}
	}

	used := big.NewInt(0)
	if strings.TrimSpace(record.Volume) != "" {
		parsed, ok := new(big.Int).SetString(record.Volume, 10)
		if !ok {
			return fmt.Errorf("limiter: corrupt stored volume %q", record.Volume)
		}
		used = parsed
	}
	projectedVolume := new(big.Int).Set(used)
	if volume != nil && volume.Sign() > 0 {
		projectedVolume.Add(projectedVolume, volume)
	}
	if rule.MaxVolume != nil && rule.MaxVolume.Sign() > 0 && projectedVolume.Cmp(rule.MaxVolume) > 0 {
		return &Denial{Key: subject + "/" + action, RetryAfter: retryAfter}
	}

	if !consume {
		return nil
	}
	record.Count = projectedCount
	record.Volume = projectedVolume.String()
	return l.store.KVPut(key, record)
}

func (l *Limiter) evaluateBucket(subject, action string, rule Rule, now time.Time, consume bool) error {
	if rule.Capacity == 0 || rule.RefillPerS <= 0 {
		return nil
	}
	key := action + "/" + subject
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(rule.RefillPerS), int(rule.Capacity))
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	if !consume {
		if bucket.TokensAt(now) >= 1 {
			return nil
		}
		return &Denial{Key: key, RetryAfter: refillDelay(bucket.TokensAt(now), rule.RefillPerS), Limit: rule.Capacity}
	}
	if bucket.AllowN(now, 1) {
		return nil
	}
	return &Denial{Key: key, RetryAfter: refillDelay(bucket.TokensAt(now), rule.RefillPerS), Limit: rule.Capacity}
}

func refillDelay(tokens float64, refillPerS float64) time.Duration {
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	seconds := missing / refillPerS
	return time.Duration(math.Ceil(seconds*1000)) * time.Millisecond
}

func normaliseKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func windowKey(action, subject string) []byte {
	return []byte("limit/window/" + action + "/" + subject)
}

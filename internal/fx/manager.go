// Package fx manages the KRW/USDT conversion rate used to compare Korean
// and global venue prices on a common basis (spec.md §4.8).
//
// Grounded on the periodic-poll-with-fallback shape of
// internal/analytics/mark_price_poller.go (teacher: ticker-driven poll loop
// over multiple sources, tolerant of partial failure), adapted from
// "poll N venues' mark price, store the latest per venue" to "poll 2 KRW
// quote sources, reconcile into one rate with outlier rejection".
package fx

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollInterval is how often the two KRW/USDT quotes are polled (spec.md
// §4.8: "every minute").
const PollInterval = time.Minute

// OutlierThreshold is the disagreement fraction above which the manager
// picks the quote closer to the last known good rate instead of averaging
// (spec.md §4.8: "disagree by >= 3%").
const OutlierThreshold = 0.03

// ChangeEventThreshold is the minimum fractional move that triggers a
// change event to consumers (spec.md §4.8: "emits change event >= 1%").
const ChangeEventThreshold = 0.01

// QuoteFunc fetches one KRW/USDT quote; returns an error if the source did
// not respond.
type QuoteFunc func(ctx context.Context) (float64, error)

// ChangeHandler is notified whenever the resolved rate moves by at least
// ChangeEventThreshold since the last notification.
type ChangeHandler func(rate float64)

// Manager polls two independent KRW/USDT quote sources every PollInterval
// and reconciles them into a single rate.
type Manager struct {
	quoteA, quoteB QuoteFunc
	onChange       ChangeHandler
	logger         *zap.Logger

	mu              sync.RWMutex
	lastKnownGood   float64
	lastNotified    float64
	hasRate         bool
}

// New creates a Manager. quoteA/quoteB are the two independent sources
// (spec.md names neither as primary — both are polled in parallel on
// every tick).
func New(quoteA, quoteB QuoteFunc, onChange ChangeHandler, logger *zap.Logger) *Manager {
	return &Manager{quoteA: quoteA, quoteB: quoteB, onChange: onChange, logger: logger.Named("fx")}
}

// Rate returns the current resolved KRW/USDT rate and whether one has ever
// been established.
func (m *Manager) Rate() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastKnownGood, m.hasRate
}

// Run polls both sources every PollInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	m.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	var a, b float64
	var errA, errB error

	wg.Add(2)
	go func() { defer wg.Done(); a, errA = m.quoteA(ctx) }()
	go func() { defer wg.Done(); b, errB = m.quoteB(ctx) }()
	wg.Wait()

	resolved, ok := m.reconcile(a, errA, b, errB)
	if !ok {
		m.logger.Warn("fx poll: neither source responded, keeping last known good")
		return
	}

	m.mu.Lock()
	m.lastKnownGood = resolved
	m.hasRate = true
	prev := m.lastNotified
	notify := prev == 0 || math.Abs(resolved-prev)/prev >= ChangeEventThreshold
	if notify {
		m.lastNotified = resolved
	}
	m.mu.Unlock()

	if notify && m.onChange != nil {
		m.onChange(resolved)
	}
}

// reconcile implements the rule from spec.md §4.8: both respond and agree
// (<3% apart) -> mean; both respond and disagree (>=3%) -> the one closer
// to lastKnownGood; only one responds -> use it; neither -> keep
// lastKnownGood (signalled by ok=false, since there is nothing new to set).
func (m *Manager) reconcile(a float64, errA error, b float64, errB error) (float64, bool) {
	okA := errA == nil && a > 0
	okB := errB == nil && b > 0

	switch {
	case okA && okB:
		disagreement := math.Abs(a-b) / math.Max(a, b)
		if disagreement < OutlierThreshold {
			return (a + b) / 2, true
		}
		m.mu.RLock()
		last := m.lastKnownGood
		hasLast := m.hasRate
		m.mu.RUnlock()
		if !hasLast {
			return (a + b) / 2, true
		}
		if math.Abs(a-last) <= math.Abs(b-last) {
			return a, true
		}
		return b, true
	case okA:
		return a, true
	case okB:
		return b, true
	default:
		return 0, false
	}
}

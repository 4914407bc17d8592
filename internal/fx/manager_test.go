package fx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func quoteOf(v float64) QuoteFunc {
	return func(ctx context.Context) (float64, error) { return v, nil }
}

func failingQuote() QuoteFunc {
	return func(ctx context.Context) (float64, error) { return 0, errors.New("timeout") }
}

func TestReconcileAveragesWhenQuotesAgree(t *testing.T) {
	m := New(quoteOf(1350), quoteOf(1360), nil, zap.NewNop())
	rate, ok := m.reconcile(1350, nil, 1360, nil)
	require.True(t, ok)
	require.InDelta(t, 1355, rate, 0.001)
}

func TestReconcilePicksCloserToLastKnownGoodOnDisagreement(t *testing.T) {
	m := New(nil, nil, nil, zap.NewNop())
	m.lastKnownGood = 1300
	m.hasRate = true

	// 1310 vs 1400 is > 3% apart; 1310 is closer to 1300 than 1400 is.
	rate, ok := m.reconcile(1310, nil, 1400, nil)
	require.True(t, ok)
	require.Equal(t, float64(1310), rate)
}

func TestReconcileUsesSoleResponder(t *testing.T) {
	m := New(nil, nil, nil, zap.NewNop())
	rate, ok := m.reconcile(1340, nil, 0, errors.New("down"))
	require.True(t, ok)
	require.Equal(t, float64(1340), rate)

	rate, ok = m.reconcile(0, errors.New("down"), 1340, nil)
	require.True(t, ok)
	require.Equal(t, float64(1340), rate)
}

func TestReconcileKeepsLastKnownGoodWhenNeitherResponds(t *testing.T) {
	m := New(nil, nil, nil, zap.NewNop())
	_, ok := m.reconcile(0, errors.New("down"), 0, errors.New("down"))
	require.False(t, ok)
}

func TestPollOnceEmitsChangeEventOnlyAboveThreshold(t *testing.T) {
	var notified []float64
	m := New(quoteOf(1000), quoteOf(1000), func(rate float64) { notified = append(notified, rate) }, zap.NewNop())

	m.pollOnce(context.Background())
	require.Equal(t, []float64{1000}, notified)

	// Move by less than 1% -- no new notification.
	m.quoteA = quoteOf(1005)
	m.quoteB = quoteOf(1005)
	m.pollOnce(context.Background())
	require.Len(t, notified, 1)

	// Move by more than 1% -- new notification.
	m.quoteA = quoteOf(1050)
	m.quoteB = quoteOf(1050)
	m.pollOnce(context.Background())
	require.Len(t, notified, 2)
	require.Equal(t, float64(1050), notified[1])
}

func TestPollOnceKeepsLastKnownGoodWhenBothFail(t *testing.T) {
	m := New(failingQuote(), failingQuote(), nil, zap.NewNop())
	m.lastKnownGood = 1234
	m.hasRate = true

	m.pollOnce(context.Background())

	rate, ok := m.Rate()
	require.True(t, ok)
	require.Equal(t, float64(1234), rate)
}

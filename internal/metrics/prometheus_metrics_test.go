package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewCanBeCalledRepeatedlyWithoutPanicking(t *testing.T) {
	require.NotPanics(t, func() {
		New(zap.NewNop())
		New(zap.NewNop())
	})
}

func TestRecordTickIncrementsCounter(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordTick("UPBIT_SPOT", "BTC")
	m.RecordTick("UPBIT_SPOT", "BTC")

	got := testutil.ToFloat64(m.TicksProcessed.WithLabelValues("UPBIT_SPOT", "BTC"))
	require.Equal(t, float64(2), got)
}

func TestSetExchangeStatusReflectsConnectionState(t *testing.T) {
	m := New(zap.NewNop())
	m.SetExchangeStatus("BINANCE_SPOT", true)
	require.Equal(t, float64(1), testutil.ToFloat64(m.ExchangeStatus.WithLabelValues("BINANCE_SPOT")))

	m.SetExchangeStatus("BINANCE_SPOT", false)
	require.Equal(t, float64(0), testutil.ToFloat64(m.ExchangeStatus.WithLabelValues("BINANCE_SPOT")))
}

package archive

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momentumd/internal/model"
)

func TestFlushWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, zap.NewNop())

	a.OnBarClose(model.UpbitSpot, "BTC", model.TF1, model.Candle{TimestampMs: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10})
	a.OnBarClose(model.UpbitSpot, "BTC", model.TF1, model.Candle{TimestampMs: 2000, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 20})
	a.Flush()

	data, err := os.ReadFile(a.path(fileKey{model.UpbitSpot, "BTC", model.TF1}))
	require.NoError(t, err)
	require.Contains(t, string(data), header)
	require.Contains(t, string(data), "1000,")
	require.Contains(t, string(data), "2000,")
}

func TestOnBarCloseDedupsByTimestamp(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, zap.NewNop())

	a.OnBarClose(model.UpbitSpot, "BTC", model.TF1, model.Candle{TimestampMs: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10})
	a.OnBarClose(model.UpbitSpot, "BTC", model.TF1, model.Candle{TimestampMs: 1000, Open: 9, High: 9, Low: 9, Close: 9, Volume: 9})

	a.mu.Lock()
	n := len(a.pending[fileKey{model.UpbitSpot, "BTC", model.TF1}])
	a.mu.Unlock()
	require.Equal(t, 1, n)
}

func TestFlushTrimsToMaxCandles(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, zap.NewNop())

	for i := 0; i < MaxCandles+50; i++ {
		a.OnBarClose(model.UpbitSpot, "BTC", model.TF1, model.Candle{TimestampMs: int64(i) * 60_000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	}
	a.Flush()

	rows, err := readRows(a.path(fileKey{model.UpbitSpot, "BTC", model.TF1}))
	require.NoError(t, err)
	require.Len(t, rows, MaxCandles)
	require.Equal(t, int64(50)*60_000, rows[0].TimestampMs)
}

func TestFlushAcrossMultipleCallsAppends(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, zap.NewNop())

	a.OnBarClose(model.UpbitSpot, "BTC", model.TF1, model.Candle{TimestampMs: 1000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	a.Flush()
	a.OnBarClose(model.UpbitSpot, "BTC", model.TF1, model.Candle{TimestampMs: 2000, Open: 2, High: 2, Low: 2, Close: 2, Volume: 2})
	a.Flush()

	rows, err := readRows(a.path(fileKey{model.UpbitSpot, "BTC", model.TF1}))
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

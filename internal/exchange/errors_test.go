package exchange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOfUnwrapsWrappedError(t *testing.T) {
	base := newErr(ClassRateLimited, "okx_spot", "http get", errors.New("429"))
	wrapped := errors.New("caller context: " + base.Error())
	require.Equal(t, ClassNetworkTransient, ClassOf(wrapped), "a plain string error defaults to transient")
	require.Equal(t, ClassRateLimited, ClassOf(base))
	require.Equal(t, ClassRateLimited, ClassOf(fmt.Errorf("caller context: %w", base)))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	e := newErr(ClassParse, "binance_spot", "unmarshal", inner)
	require.Equal(t, inner, errors.Unwrap(e))
}

func TestParseBinanceRow(t *testing.T) {
	row := []interface{}{
		float64(1_700_000_000_000),
		"100.5", "101.0", "99.5", "100.8", "123.45",
		float64(1_700_000_059_999),
	}
	c, err := parseBinanceRow(row)
	require.NoError(t, err)
	require.Equal(t, int64(1_700_000_000_000), c.TimestampMs)
	require.Equal(t, 100.5, c.Open)
	require.Equal(t, 101.0, c.High)
	require.Equal(t, 99.5, c.Low)
	require.Equal(t, 100.8, c.Close)
	require.Equal(t, 123.45, c.Volume)
}

func TestParseBinanceRowRejectsShortRow(t *testing.T) {
	_, err := parseBinanceRow([]interface{}{float64(1), "1"})
	require.Error(t, err)
}

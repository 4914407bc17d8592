package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextGrowsExponentiallyAndCaps(t *testing.T) {
	p := New(1)
	var last time.Duration
	for i := 0; i < 20; i++ {
		d := p.Next()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Duration(float64(Max)*(1+Jitter))+1)
		if i == 1 {
			require.InDelta(t, float64(2*Base), float64(d), float64(2*Base)*Jitter+1, "second delay doubles the base")
		}
		last = d
	}
	require.InDelta(t, float64(Max), float64(last), float64(Max)*Jitter+1, "late delays sit at the cap")
	require.Equal(t, 20, p.Retries())
}

func TestResetZeroesRetries(t *testing.T) {
	p := New(2)
	p.Next()
	p.Next()
	require.Equal(t, 2, p.Retries())
	p.Reset()
	require.Equal(t, 0, p.Retries())
}

func TestFirstDelayNearBase(t *testing.T) {
	p := New(3)
	d := p.Next()
	require.InDelta(t, float64(Base), float64(d), float64(Base)*Jitter+1)
}

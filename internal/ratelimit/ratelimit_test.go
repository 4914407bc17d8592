package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowRefusesAfterBurstExhausted(t *testing.T) {
	l := New()
	fixed := time.Unix(0, 0)
	l.now = func() time.Time { return fixed }

	for i := 0; i < BurstCapacity; i++ {
		require.True(t, l.Allow("1.1.1.1"))
	}
	require.False(t, l.Allow("1.1.1.1"), "burst capacity exhausted")
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New()
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < BurstCapacity; i++ {
		require.True(t, l.Allow("1.1.1.1"))
	}
	require.False(t, l.Allow("1.1.1.1"))

	now = now.Add(time.Second) // full burst refill window
	require.True(t, l.Allow("1.1.1.1"))
}

func TestAllowTracksIndependentIPs(t *testing.T) {
	l := New()
	fixed := time.Unix(0, 0)
	l.now = func() time.Time { return fixed }

	for i := 0; i < BurstCapacity; i++ {
		require.True(t, l.Allow("1.1.1.1"))
	}
	require.True(t, l.Allow("2.2.2.2"), "a different IP has its own bucket")
}

func TestDeniedRequestDoesNotConsumeTheOtherDimension(t *testing.T) {
	l := New()
	fixed := time.Unix(0, 0)
	l.now = func() time.Time { return fixed }

	for i := 0; i < BurstCapacity; i++ {
		l.Allow("3.3.3.3")
	}
	// Burst is now empty; further calls must be refused without silently
	// draining the steady bucket's much larger allowance.
	for i := 0; i < 5; i++ {
		require.False(t, l.Allow("3.3.3.3"))
	}
}

func TestTrackedIPsReportsCacheSize(t *testing.T) {
	l := New()
	l.Allow("1.1.1.1")
	l.Allow("2.2.2.2")
	require.Equal(t, 2, l.TrackedIPs())
}

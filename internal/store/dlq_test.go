package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextRetryDelayPrimesFirstFailure(t *testing.T) {
	require.Equal(t, time.Second, nextRetryDelay(0, time.Hour))
}

func TestNextRetryDelayDoubles(t *testing.T) {
	maxDelay := time.Hour
	require.Equal(t, 2*time.Second, nextRetryDelay(1, maxDelay))
	require.Equal(t, 4*time.Second, nextRetryDelay(2, maxDelay))
	require.Equal(t, 8*time.Second, nextRetryDelay(3, maxDelay))
	require.Equal(t, 1024*time.Second, nextRetryDelay(10, maxDelay))
}

func TestNextRetryDelayCapped(t *testing.T) {
	require.Equal(t, 5*time.Minute, nextRetryDelay(10, 5*time.Minute))
	// Large counts must not overflow into negative durations.
	require.Equal(t, time.Minute, nextRetryDelay(64, time.Minute))
}

func TestNextRetryDelayMonotonic(t *testing.T) {
	maxDelay := 30 * time.Minute
	previous := time.Duration(0)
	for count := 0; count < 20; count++ {
		delay := nextRetryDelay(count, maxDelay)
		require.GreaterOrEqual(t, delay, previous, "count %d", count)
		require.LessOrEqual(t, delay, maxDelay)
		previous = delay
	}
}

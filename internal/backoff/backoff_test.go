package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRetryPolicy_AlwaysPositive(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 50; attempt++ {
		delay := DefaultRetryPolicy(attempt, 20)
		require.Greaterf(t, delay, time.Duration(0), "attempt %d produced non-positive delay", attempt)
	}
}

func TestDefaultRetryPolicy_GrowsWithAttemptUntilClamp(t *testing.T) {
	t.Parallel()

	// Compare unjittered lower/upper bounds rather than exact values since
	// the function jitters by +/-10%.
	small := DefaultRetryPolicy(1, 20)
	large := DefaultRetryPolicy(10, 20)

	require.Greater(t, large, small)
}

func TestDefaultRetryPolicy_ClampsRunawayAttempts(t *testing.T) {
	t.Parallel()

	atClamp := DefaultRetryPolicy(maxAttemptForExponent, 1000)
	beyondClamp := DefaultRetryPolicy(maxAttemptForExponent+50, 1000)

	// Both should be in the same ballpark (within jitter bounds) since the
	// exponent is clamped internally.
	require.InDelta(t, float64(atClamp), float64(beyondClamp), float64(atClamp)*0.25)
}

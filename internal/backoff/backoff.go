// Package backoff computes the retry delay for a failed job attempt.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxAttemptForExponent caps the exponent fed into 2^attempt so that a job
// with a very high max_attempts never produces a delay on the order of
// years. 20 yields a base of a little over 12 days, which is already well
// past any sane retry horizon.
const maxAttemptForExponent = 20

// minPad is added to every computed base delay so that even attempt zero
// backs off by roughly this long (before the +/-10% jitter is applied).
const minPad = 15 * time.Second

// jitterFraction is the symmetric jitter applied to the base delay, as a
// fraction of that delay.
const jitterFraction = 0.10

// DefaultRetryPolicy returns the delay to wait before the next attempt of a
// job currently on attempt, out of maxAttempts total. It never returns a
// non-positive duration.
//
// base = 2^attempt seconds, plus a 15s pad, jittered by +/-10%. attempt is
// clamped internally so the exponential term can't run away for jobs
// configured with an enormous max_attempts.
func DefaultRetryPolicy(attempt, maxAttempts int) time.Duration {
	_ = maxAttempts // retained in the signature to match the handler override shape

	clamped := attempt
	if clamped < 0 {
		clamped = 0
	}
	if clamped > maxAttemptForExponent {
		clamped = maxAttemptForExponent
	}

	base := time.Duration(math.Pow(2, float64(clamped)))*time.Second + minPad

	jitter := (rand.Float64()*2 - 1) * jitterFraction
	delay := time.Duration(float64(base) * (1 + jitter))

	if delay <= 0 {
		return minPad
	}

	return delay
}

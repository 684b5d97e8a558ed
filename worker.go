package barge

import (
	"context"
	"fmt"
	"time"
)

// Worker is implemented by every job handler. T is the concrete JobArgs
// type this worker handles; the Registry uses T's zero value's Kind() to
// route fetched jobs to the right Worker at dispatch time.
type Worker[T JobArgs] interface {
	Work(ctx context.Context, job *Job[T]) error
}

// Backoffer is an optional interface a Worker can implement to override
// the default jittery exponential backoff for its own retries.
type Backoffer[T JobArgs] interface {
	Backoff(job *Job[T]) time.Duration
}

// snoozeError and cancelError are the Go-native stand-ins for the
// original's Snooze/Cancel dataclasses: a Worker signals "retry later,
// don't count this as a failed attempt" or "stop retrying, this job is
// done" by returning one of these from Work, rather than by returning a
// typed sentinel value alongside a nil error -- matching spec.md section
// 9's "sentinel return values vs errors" guidance, resolved here in favor
// of sentinel errors since that's the idiomatic Go shape for an optional
// alternate outcome.
type snoozeError struct{ seconds int }

func (e *snoozeError) Error() string { return fmt.Sprintf("barge: snooze for %ds", e.seconds) }

// Snooze returns an error a Worker can return from Work to reschedule the
// job seconds in the future without consuming a retry attempt.
func Snooze(seconds int) error { return &snoozeError{seconds: seconds} }

type cancelError struct{ reason string }

func (e *cancelError) Error() string { return fmt.Sprintf("barge: cancelled: %s", e.reason) }

// Cancel returns an error a Worker can return from Work to permanently
// stop retrying the job, independent of its remaining attempts.
func Cancel(reason string) error { return &cancelError{reason: reason} }

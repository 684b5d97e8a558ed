// Package workunit defines the boundary between the executor (which only
// knows how to run something and record its outcome) and the root barge
// package (which knows how to decode a JobRow's Args into a typed
// JobArgs value and invoke the right Worker[T]). This split exists so
// internal/jobexecutor never needs generics or knowledge of the worker
// registry, matching spec.md section 9's "sentinel return values vs
// errors" guidance: the translation from a handler's natural return shape
// (value, error, or a recovered panic) into the tagged
// {complete|snooze|cancel|retry|discard} outcome happens once, here, at
// the boundary.
package workunit

import (
	"context"
	"time"

	"github.com/riverstage/barge/bargetype"
)

// Outcome classifies how a single job attempt concluded.
type Outcome int

const (
	OutcomeComplete Outcome = iota
	OutcomeSnooze
	OutcomeCancel
	OutcomeError
)

// Result is what a Unit's Work call produces.
type Result struct {
	Outcome Outcome

	// SnoozeSeconds is set when Outcome is OutcomeSnooze.
	SnoozeSeconds int

	// CancelReason is set when Outcome is OutcomeCancel.
	CancelReason string

	// Err is set when Outcome is OutcomeError; the executor classifies
	// retry-vs-discard itself based on the job's attempt count, but Err's
	// message is what gets recorded and what ModePropagate re-raises.
	Err error

	// BackoffOverride, if non-nil, is used instead of the default jittery
	// backoff policy -- the Go-native equivalent of a worker implementing
	// an optional backoff(job) method.
	BackoffOverride *time.Duration
}

// Unit is a single resolved, ready-to-run job.
type Unit interface {
	Work(ctx context.Context) Result
}

// Resolver turns a fetched job row into a runnable Unit. Implemented by
// the root package's Registry, which decodes row.Args into the
// registered Worker's typed JobArgs and closes over the full row so the
// handler receives every column, not just its own arguments.
type Resolver interface {
	Resolve(row *bargetype.JobRow) (Unit, error)
}

// Package jobexecutor runs a single fetched job to completion, matching
// spec.md section 4.3: resolve the handler, invoke it, classify the
// result, record the corresponding state transition, and emit telemetry.
// Grounded on the Python original's oban/_executor.py Executor class and
// the teacher's own internal/jobcompleter package (same responsibility,
// split across a dispatch half and a completion half there; kept as one
// service here since barge's executor owns both ends of a single job).
package jobexecutor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/bargetype"
	"github.com/riverstage/barge/internal/backoff"
	"github.com/riverstage/barge/internal/telemetry"
	"github.com/riverstage/barge/internal/workunit"
)

// ExecutionMode controls what happens to a handler's error after it has
// been recorded: swallowed (production) or re-raised (tests), per
// spec.md section 9's "safe vs unsafe execution flag" guidance.
type ExecutionMode int

const (
	ModeRecord ExecutionMode = iota
	ModePropagate
)

// Executor runs fetched jobs against a Resolver and records their outcome
// through a bargedriver.Executor.
type Executor struct {
	Driver   bargedriver.Executor
	Resolver workunit.Resolver
	Bus      *telemetry.Bus
	Mode     ExecutionMode
}

// Run executes job to completion: resolves the worker, invokes it,
// classifies and records the outcome, and emits telemetry. It returns an
// error when recording the outcome through the driver fails (in either
// mode), or when Mode is ModePropagate and the job's attempt resulted in
// a retry or discard -- in ModeRecord (the production default) handler
// errors are always swallowed after being recorded, so the caller (the
// producer loop) never needs to special-case a failed job.
func (e *Executor) Run(ctx context.Context, job *bargetype.JobRow) error {
	startTime := time.Now()

	span := telemetry.StartSpan(e.Bus, "job", telemetry.Meta{"job": job, "monotonic_time": startTime})

	result := e.process(ctx, job)

	updated, recordErr := e.record(ctx, job, result)
	if recordErr != nil {
		return fmt.Errorf("jobexecutor: recording outcome for job %d: %w", job.ID, recordErr)
	}

	e.reportStopped(span, job, updated, result, time.Since(startTime))

	if e.Mode == ModePropagate && result.Outcome == workunit.OutcomeError {
		return result.Err
	}

	return nil
}

func (e *Executor) process(ctx context.Context, job *bargetype.JobRow) (result workunit.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = workunit.Result{
				Outcome: workunit.OutcomeError,
				Err:     fmt.Errorf("panic in worker %q: %v\n%s", job.Worker, r, debug.Stack()),
			}
		}
	}()

	unit, err := e.Resolver.Resolve(job)
	if err != nil {
		return workunit.Result{Outcome: workunit.OutcomeError, Err: err}
	}

	return unit.Work(ctx)
}

func (e *Executor) record(ctx context.Context, job *bargetype.JobRow, result workunit.Result) (*bargetype.JobRow, error) {
	switch result.Outcome {
	case workunit.OutcomeSnooze:
		return e.Driver.SnoozeJob(ctx, job.ID, result.SnoozeSeconds)

	case workunit.OutcomeCancel:
		return e.Driver.CancelJob(ctx, job.ID, result.CancelReason)

	case workunit.OutcomeError:
		delay := e.backoffFor(job, result)
		return e.Driver.ErrorJob(ctx, &bargedriver.ErrorJobParams{
			JobID: job.ID,
			Error: bargetype.AttemptError{
				At:      time.Now().UTC(),
				Attempt: job.Attempt,
				Error:   result.Err.Error(),
			},
			BackoffSeconds: int(delay / time.Second),
		})

	default:
		return e.Driver.CompleteJob(ctx, job.ID)
	}
}

func (e *Executor) backoffFor(job *bargetype.JobRow, result workunit.Result) time.Duration {
	if result.BackoffOverride != nil {
		return *result.BackoffOverride
	}
	return backoff.DefaultRetryPolicy(job.Attempt, job.MaxAttempts)
}

func (e *Executor) reportStopped(span *telemetry.Span, original, updated *bargetype.JobRow, result workunit.Result, duration time.Duration) {
	var queueTime time.Duration
	if original.AttemptedAt != nil {
		queueTime = original.AttemptedAt.Sub(original.ScheduledAt)
	}

	meta := telemetry.Meta{
		"job":        original,
		"duration":   duration,
		"queue_time": queueTime,
	}
	if updated != nil {
		meta["state"] = updated.State
	}

	if result.Outcome == workunit.OutcomeError {
		meta["error_message"] = result.Err.Error()
		meta["error_type"] = fmt.Sprintf("%T", result.Err)
		e.Bus.Emit(telemetry.EventJobException, meta)
		return
	}

	span.Add(meta)
	span.Finish()
}

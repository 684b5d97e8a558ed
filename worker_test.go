package barge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstage/barge/bargetype"
	"github.com/riverstage/barge/internal/workunit"
)

type recordingWorker struct {
	result error
	calls  int
}

func (w *recordingWorker) Work(ctx context.Context, job *Job[greetingArgs]) error {
	w.calls++
	return w.result
}

type backoffWorker struct {
	recordingWorker
	delay time.Duration
}

func (w *backoffWorker) Backoff(job *Job[greetingArgs]) time.Duration { return w.delay }

func TestWorkerUnit_CompleteOnNilError(t *testing.T) {
	w := &recordingWorker{}
	unit := workerUnit[greetingArgs]{worker: w, job: &Job[greetingArgs]{JobRow: &bargetype.JobRow{}}}

	result := unit.Work(context.Background())

	require.Equal(t, workunit.OutcomeComplete, result.Outcome)
	require.Equal(t, 1, w.calls)
}

func TestWorkerUnit_SnoozeSentinel(t *testing.T) {
	w := &recordingWorker{result: Snooze(30)}
	unit := workerUnit[greetingArgs]{worker: w, job: &Job[greetingArgs]{JobRow: &bargetype.JobRow{}}}

	result := unit.Work(context.Background())

	require.Equal(t, workunit.OutcomeSnooze, result.Outcome)
	require.Equal(t, 30, result.SnoozeSeconds)
}

func TestWorkerUnit_CancelSentinel(t *testing.T) {
	w := &recordingWorker{result: Cancel("no longer needed")}
	unit := workerUnit[greetingArgs]{worker: w, job: &Job[greetingArgs]{JobRow: &bargetype.JobRow{}}}

	result := unit.Work(context.Background())

	require.Equal(t, workunit.OutcomeCancel, result.Outcome)
	require.Equal(t, "no longer needed", result.CancelReason)
}

func TestWorkerUnit_OrdinaryErrorWithoutBackoffer(t *testing.T) {
	w := &recordingWorker{result: errors.New("boom")}
	unit := workerUnit[greetingArgs]{worker: w, job: &Job[greetingArgs]{JobRow: &bargetype.JobRow{}}}

	result := unit.Work(context.Background())

	require.Equal(t, workunit.OutcomeError, result.Outcome)
	require.EqualError(t, result.Err, "boom")
	require.Nil(t, result.BackoffOverride)
}

func TestWorkerUnit_OrdinaryErrorUsesBackofferOverride(t *testing.T) {
	w := &backoffWorker{recordingWorker: recordingWorker{result: errors.New("boom")}, delay: 5 * time.Minute}
	unit := workerUnit[greetingArgs]{worker: w, job: &Job[greetingArgs]{JobRow: &bargetype.JobRow{}}}

	result := unit.Work(context.Background())

	require.Equal(t, workunit.OutcomeError, result.Outcome)
	require.NotNil(t, result.BackoffOverride)
	require.Equal(t, 5*time.Minute, *result.BackoffOverride)
}

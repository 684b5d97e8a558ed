package jobexecutor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/bargetype"
	"github.com/riverstage/barge/internal/telemetry"
	"github.com/riverstage/barge/internal/workunit"
)

type stubDriver struct {
	bargedriver.Executor

	completed []int64
	cancelled []int64
	snoozed   []int64
	errored   []int64
}

func (s *stubDriver) CompleteJob(ctx context.Context, jobID int64) (*bargetype.JobRow, error) {
	s.completed = append(s.completed, jobID)
	return &bargetype.JobRow{ID: jobID, State: bargetype.JobStateCompleted}, nil
}

func (s *stubDriver) CancelJob(ctx context.Context, jobID int64, reason string) (*bargetype.JobRow, error) {
	s.cancelled = append(s.cancelled, jobID)
	return &bargetype.JobRow{ID: jobID, State: bargetype.JobStateCancelled}, nil
}

func (s *stubDriver) SnoozeJob(ctx context.Context, jobID int64, seconds int) (*bargetype.JobRow, error) {
	s.snoozed = append(s.snoozed, jobID)
	return &bargetype.JobRow{ID: jobID, State: bargetype.JobStateScheduled}, nil
}

func (s *stubDriver) ErrorJob(ctx context.Context, params *bargedriver.ErrorJobParams) (*bargetype.JobRow, error) {
	s.errored = append(s.errored, params.JobID)
	return &bargetype.JobRow{ID: params.JobID, State: bargetype.JobStateRetryable}, nil
}

type stubUnit struct {
	result workunit.Result
}

func (u stubUnit) Work(ctx context.Context) workunit.Result { return u.result }

type stubResolver struct {
	unit workunit.Unit
	err  error
}

func (r stubResolver) Resolve(row *bargetype.JobRow) (workunit.Unit, error) {
	return r.unit, r.err
}

func TestExecutor_Complete(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{}
	exec := &Executor{
		Driver:   driver,
		Resolver: stubResolver{unit: stubUnit{result: workunit.Result{Outcome: workunit.OutcomeComplete}}},
		Bus:      &telemetry.Bus{},
	}

	job := &bargetype.JobRow{ID: 1, Worker: "noop", ScheduledAt: time.Now()}
	require.NoError(t, exec.Run(context.Background(), job))
	require.Equal(t, []int64{1}, driver.completed)
}

func TestExecutor_ErrorRecordsAndSwallowsInRecordMode(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{}
	exec := &Executor{
		Driver:   driver,
		Resolver: stubResolver{unit: stubUnit{result: workunit.Result{Outcome: workunit.OutcomeError, Err: errors.New("boom")}}},
		Bus:      &telemetry.Bus{},
		Mode:     ModeRecord,
	}

	job := &bargetype.JobRow{ID: 2, Worker: "noop", Attempt: 1, MaxAttempts: 5, ScheduledAt: time.Now()}
	require.NoError(t, exec.Run(context.Background(), job))
	require.Equal(t, []int64{2}, driver.errored)
}

func TestExecutor_ErrorPropagatesInPropagateMode(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{}
	wantErr := errors.New("boom")
	exec := &Executor{
		Driver:   driver,
		Resolver: stubResolver{unit: stubUnit{result: workunit.Result{Outcome: workunit.OutcomeError, Err: wantErr}}},
		Bus:      &telemetry.Bus{},
		Mode:     ModePropagate,
	}

	job := &bargetype.JobRow{ID: 3, Worker: "noop", ScheduledAt: time.Now()}
	err := exec.Run(context.Background(), job)
	require.ErrorIs(t, err, wantErr)
}

func TestExecutor_Snooze(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{}
	exec := &Executor{
		Driver:   driver,
		Resolver: stubResolver{unit: stubUnit{result: workunit.Result{Outcome: workunit.OutcomeSnooze, SnoozeSeconds: 5}}},
		Bus:      &telemetry.Bus{},
	}

	job := &bargetype.JobRow{ID: 4, Worker: "noop", ScheduledAt: time.Now()}
	require.NoError(t, exec.Run(context.Background(), job))
	require.Equal(t, []int64{4}, driver.snoozed)
}

func TestExecutor_Cancel(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{}
	exec := &Executor{
		Driver:   driver,
		Resolver: stubResolver{unit: stubUnit{result: workunit.Result{Outcome: workunit.OutcomeCancel, CancelReason: "no reason"}}},
		Bus:      &telemetry.Bus{},
	}

	job := &bargetype.JobRow{ID: 5, Worker: "noop", ScheduledAt: time.Now()}
	require.NoError(t, exec.Run(context.Background(), job))
	require.Equal(t, []int64{5}, driver.cancelled)
}

func TestExecutor_PanicIsRecoveredAndRecordedAsError(t *testing.T) {
	t.Parallel()

	driver := &stubDriver{}
	exec := &Executor{
		Driver: driver,
		Resolver: stubResolver{unit: panicUnit{}},
		Bus:    &telemetry.Bus{},
	}

	job := &bargetype.JobRow{ID: 6, Worker: "noop", Attempt: 1, MaxAttempts: 5, ScheduledAt: time.Now()}
	require.NoError(t, exec.Run(context.Background(), job))
	require.Equal(t, []int64{6}, driver.errored)
}

type panicUnit struct{}

func (panicUnit) Work(ctx context.Context) workunit.Result {
	panic("kaboom")
}

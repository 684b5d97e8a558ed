package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/bargetype"
	"github.com/riverstage/barge/internal/baseservice"
	"github.com/riverstage/barge/internal/telemetry"
)

type staticLeadership bool

func (s staticLeadership) IsLeader() bool { return bool(s) }

type fakeInsertDriver struct {
	bargedriver.Executor
	calls atomic.Int32
	last  []*bargedriver.InsertJobsParams
}

func (f *fakeInsertDriver) InsertJobs(ctx context.Context, params []*bargedriver.InsertJobsParams) ([]*bargetype.JobRow, error) {
	f.calls.Add(1)
	f.last = params
	return nil, nil
}

func TestScheduler_RejectsInvalidExpression(t *testing.T) {
	t.Parallel()

	_, err := New([]Entry{{Expr: "not a cron expr", Worker: "noop"}}, &fakeInsertDriver{}, &telemetry.Bus{}, baseservice.NewArchetype(nil), staticLeadership(true), time.Millisecond)
	require.Error(t, err)
}

func TestScheduler_InsertsOnlyWhenLeader(t *testing.T) {
	t.Parallel()

	driver := &fakeInsertDriver{}
	s, err := New([]Entry{{Expr: "@every 1ns", Worker: "noop", Queue: "default"}}, driver, &telemetry.Bus{}, baseservice.NewArchetype(nil), staticLeadership(false), 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, driver.calls.Load())
}

func TestScheduler_InsertsDueEntryWithUniqueKey(t *testing.T) {
	t.Parallel()

	driver := &fakeInsertDriver{}
	s, err := New([]Entry{{Expr: "@every 1ns", Worker: "noop", Queue: "default"}}, driver, &telemetry.Bus{}, baseservice.NewArchetype(nil), staticLeadership(true), 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return driver.calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	require.Len(t, driver.last, 1)
	require.NotNil(t, driver.last[0].UniqueKey)
}

package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/internal/baseservice"
	"github.com/riverstage/barge/internal/telemetry"
)

type fakePruneDriver struct {
	bargedriver.Executor
	calls atomic.Int32
}

func (f *fakePruneDriver) PruneJobs(ctx context.Context, params *bargedriver.PruneJobsParams) (int, error) {
	f.calls.Add(1)
	return 7, nil
}

func TestPruner_PrunesOnlyWhenLeader(t *testing.T) {
	t.Parallel()

	driver := &fakePruneDriver{}
	p := NewPruner(driver, &telemetry.Bus{}, baseservice.NewArchetype(nil), staticLeadership(false), 10*time.Millisecond, time.Hour, 100)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, driver.calls.Load())
}

func TestPruner_PrunesWhenLeader(t *testing.T) {
	t.Parallel()

	driver := &fakePruneDriver{}
	p := NewPruner(driver, &telemetry.Bus{}, baseservice.NewArchetype(nil), staticLeadership(true), 10*time.Millisecond, time.Hour, 100)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Eventually(t, func() bool {
		return driver.calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/internal/baseservice"
)

type fakeLeaderDriver struct {
	bargedriver.Executor

	acquireCalls atomic.Int32
	extendCalls  atomic.Int32
	released     atomic.Bool

	grant bool
}

func (f *fakeLeaderDriver) AcquireLeader(ctx context.Context, params *bargedriver.AcquireLeaderParams) (bool, error) {
	f.acquireCalls.Add(1)
	return f.grant, nil
}

func (f *fakeLeaderDriver) ExtendLeader(ctx context.Context, params *bargedriver.AcquireLeaderParams) (bool, error) {
	f.extendCalls.Add(1)
	return true, nil
}

func (f *fakeLeaderDriver) ReleaseLeader(ctx context.Context, name, uuid string) error {
	f.released.Store(true)
	return nil
}

func TestLeader_AcquiresAndHoldsLease(t *testing.T) {
	t.Parallel()

	driver := &fakeLeaderDriver{grant: true}
	l := NewLeader(driver, baseservice.NewArchetype(nil), "default", "node-1", 60*time.Millisecond)

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	require.True(t, l.IsLeader())

	require.Eventually(t, func() bool {
		return driver.extendCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestLeader_LosesElectionWhenNotGranted(t *testing.T) {
	t.Parallel()

	driver := &fakeLeaderDriver{grant: false}
	l := NewLeader(driver, baseservice.NewArchetype(nil), "default", "node-2", 60*time.Millisecond)

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	require.False(t, l.IsLeader())
}

func TestLeader_ReleasesOnStopWhenLeading(t *testing.T) {
	t.Parallel()

	driver := &fakeLeaderDriver{grant: true}
	l := NewLeader(driver, baseservice.NewArchetype(nil), "default", "node-3", 60*time.Millisecond)

	require.NoError(t, l.Start(context.Background()))
	l.Stop()

	require.True(t, driver.released.Load())
}

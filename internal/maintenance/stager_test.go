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

type fakeStageDriver struct {
	bargedriver.Executor
	queues []string
}

func (f *fakeStageDriver) StageJobs(ctx context.Context, params *bargedriver.StageJobsParams) ([]string, error) {
	return f.queues, nil
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

func TestStager_NotifiesRegisteredQueuesThatGainedWork(t *testing.T) {
	t.Parallel()

	driver := &fakeStageDriver{queues: []string{"default", "priority"}}
	s := NewStager(driver, &telemetry.Bus{}, baseservice.NewArchetype(nil), 10*time.Millisecond, 100)

	defaultNotifier := &countingNotifier{}
	otherNotifier := &countingNotifier{}
	s.RegisterQueue("default", defaultNotifier)
	s.RegisterQueue("unrelated", otherNotifier)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return defaultNotifier.n.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	require.Zero(t, otherNotifier.n.Load())
}

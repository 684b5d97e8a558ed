package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/internal/baseservice"
)

type fakeListenDriver struct {
	bargedriver.Executor

	notifications chan string
	notifyCalls   chan string
}

func (f *fakeListenDriver) Listen(ctx context.Context, channel string) (<-chan string, func(), error) {
	return f.notifications, func() { close(f.notifications) }, nil
}

func (f *fakeListenDriver) Notify(ctx context.Context, channel, payload string) error {
	f.notifyCalls <- payload
	return nil
}

func TestNotifier_RoutesPayloadToSubscribedQueue(t *testing.T) {
	t.Parallel()

	driver := &fakeListenDriver{notifications: make(chan string, 4), notifyCalls: make(chan string, 4)}
	n := New(driver, baseservice.NewArchetype(nil))

	defaultCh := n.Subscribe("default")
	otherCh := n.Subscribe("priority")

	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	driver.notifications <- "default"

	select {
	case q := <-defaultCh:
		require.Equal(t, "default", q)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed queue notification")
	}

	select {
	case <-otherCh:
		t.Fatal("unrelated queue should not have been notified")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNotifier_NotifyInsertCallsDriver(t *testing.T) {
	t.Parallel()

	driver := &fakeListenDriver{notifications: make(chan string), notifyCalls: make(chan string, 1)}
	n := New(driver, baseservice.NewArchetype(nil))

	require.NoError(t, n.NotifyInsert(context.Background(), "default"))
	require.Equal(t, "default", <-driver.notifyCalls)
}

package barge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/bargetype"
)

// fakeClientDriver implements just enough of bargedriver.Executor to drive
// a Client through New/Start/Stop/InsertMany in tests; every other method
// panics via the nil embedded interface if a service ever calls it
// unexpectedly, which is the signal a new code path needs a stub here.
type fakeClientDriver struct {
	bargedriver.Executor

	mu         sync.Mutex
	inserted   []*bargedriver.InsertJobsParams
	notified   []string
	nextID     int64
	insertErr  error
}

func (d *fakeClientDriver) InsertJobs(ctx context.Context, params []*bargedriver.InsertJobsParams) ([]*bargetype.JobRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.insertErr != nil {
		return nil, d.insertErr
	}

	rows := make([]*bargetype.JobRow, len(params))
	for i, p := range params {
		d.nextID++
		d.inserted = append(d.inserted, p)
		rows[i] = &bargetype.JobRow{
			ID: d.nextID, Queue: p.Queue, Worker: p.Worker, Args: p.Args,
			Tags: p.Tags, MaxAttempts: p.MaxAttempts, Priority: p.Priority,
			State: bargetype.JobStateAvailable,
		}
	}
	return rows, nil
}

func (d *fakeClientDriver) Notify(ctx context.Context, channel, payload string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified = append(d.notified, payload)
	return nil
}

func (d *fakeClientDriver) Listen(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string)
	return ch, func() { close(ch) }, nil
}

func (d *fakeClientDriver) InsertProducer(ctx context.Context, params *bargedriver.InsertProducerParams) error {
	return nil
}

func (d *fakeClientDriver) DeleteProducer(ctx context.Context, uuid string) error { return nil }

func (d *fakeClientDriver) AcquireLeader(ctx context.Context, params *bargedriver.AcquireLeaderParams) (bool, error) {
	return true, nil
}

func (d *fakeClientDriver) ExtendLeader(ctx context.Context, params *bargedriver.AcquireLeaderParams) (bool, error) {
	return true, nil
}

func (d *fakeClientDriver) ReleaseLeader(ctx context.Context, name, uuid string) error { return nil }

func TestNew_RequiresAtLeastOneQueue(t *testing.T) {
	_, err := New(&fakeClientDriver{})
	require.Error(t, err)
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeClientDriver) {
	t.Helper()
	driver := &fakeClientDriver{}
	allOpts := append([]Option{WithQueue("default", 2)}, opts...)
	client, err := New(driver, allOpts...)
	require.NoError(t, err)
	return client, driver
}

func TestClient_InsertMany_RejectsUnknownQueue(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.InsertMany(context.Background(), []InsertParams{
		{Args: plainArgs{}, Opts: InsertOpts{Queue: "does_not_exist"}},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownQueue))
}

func TestClient_InsertMany_RejectsInvalidPriority(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.InsertMany(context.Background(), []InsertParams{
		{Args: plainArgs{}, Opts: InsertOpts{Queue: "default", Priority: Priority(99)}},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidPriority))
}

func TestClient_InsertMany_RejectsInvalidMaxAttempts(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.InsertMany(context.Background(), []InsertParams{
		{Args: plainArgs{}, Opts: InsertOpts{Queue: "default", MaxAttempts: -1}},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidMaxAttempts))
}

func TestClient_Insert_NormalizesTagsAndNotifies(t *testing.T) {
	client, driver := newTestClient(t)

	row, err := client.Insert(context.Background(), plainArgs{}, InsertOpts{
		Queue: "default",
		Tags:  []string{" Urgent ", "urgent", "Billing", ""},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"billing", "urgent"}, row.Tags)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	require.Equal(t, []string{"default"}, driver.notified)
}

func TestClient_InsertMany_PropagatesDriverError(t *testing.T) {
	client, driver := newTestClient(t)
	driver.insertErr = errors.New("connection refused")

	_, err := client.InsertMany(context.Background(), []InsertParams{
		{Args: plainArgs{}, Opts: InsertOpts{Queue: "default"}},
	})
	require.Error(t, err)
}

func TestClient_StartStop_RegistersAndUnregistersByName(t *testing.T) {
	client, _ := newTestClient(t, WithName("test-instance"))

	require.NoError(t, client.Start(context.Background()))

	found, ok := ClientByName("test-instance")
	require.True(t, ok)
	require.Same(t, client, found)

	client.Stop()

	_, ok = ClientByName("test-instance")
	require.False(t, ok)
}

func TestNormalizeTags(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, normalizeTags([]string{"B", " a ", "b"}))
	require.Nil(t, normalizeTags(nil))
	require.Nil(t, normalizeTags([]string{"   ", ""}))
}

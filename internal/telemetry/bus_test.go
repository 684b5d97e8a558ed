package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_EmitDispatchesToAttachedHandlers(t *testing.T) {
	t.Parallel()

	var bus Bus

	var got []string
	bus.Attach(func(event string, meta Meta) {
		got = append(got, event)
	})

	bus.Emit(EventJobStart, Meta{"job_id": int64(1)})
	bus.Emit(EventJobStop, Meta{"job_id": int64(1)})

	require.Equal(t, []string{EventJobStart, EventJobStop}, got)
}

func TestBus_DetachStopsDelivery(t *testing.T) {
	t.Parallel()

	var bus Bus

	count := 0
	detach := bus.Attach(func(event string, meta Meta) { count++ })

	bus.Emit(EventJobStart, nil)
	detach()
	bus.Emit(EventJobStart, nil)

	require.Equal(t, 1, count)
}

func TestSpan_FinishMergesAddedFields(t *testing.T) {
	t.Parallel()

	var bus Bus

	var gotMeta Meta
	bus.Attach(func(event string, meta Meta) {
		if event == "producer.fetch.stop" {
			gotMeta = meta
		}
	})

	span := StartSpan(&bus, "producer.fetch", Meta{"queue": "default"})
	span.Add(Meta{"count": 3})
	span.Finish()

	require.Equal(t, 3, gotMeta["count"])
}

package metrics_test

import (
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ramazulay/email-relay/internal/events"
	"github.com/ramazulay/email-relay/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestDroppedEventsCounterReadsLiveValue(t *testing.T) {
	t.Parallel()
	var dropped atomic.Uint64
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewDroppedEventsCounter(dropped.Load))

	assert.Zero(t, gatherCounter(t, reg, "email_relay_relay_events_dropped_total"))

	dropped.Add(3)
	assert.InDelta(t, 3, gatherCounter(t, reg, "email_relay_relay_events_dropped_total"), 0)
}

func TestDroppedEventsCounterTracksBus(t *testing.T) {
	t.Parallel()
	bus := events.NewEventBus()
	_, ch := bus.Subscribe(1)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewDroppedEventsCounter(bus.Dropped))

	bus.Publish(events.ArchivedEvent{MessageID: "m1"})
	bus.Publish(events.ArchivedEvent{MessageID: "m2"})
	bus.Publish(events.ArchivedEvent{MessageID: "m3"})

	assert.Len(t, ch, 1)
	assert.InDelta(t, 2, gatherCounter(t, reg, "email_relay_relay_events_dropped_total"), 0)
}

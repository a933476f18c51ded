package vm

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFansOut(t *testing.T) {
	b := NewBroker(nil)
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelA()
	defer cancelC()

	ev := Event{MachineID: "m", Old: StateStopped, New: StateStarting}
	b.Publish(ev)

	assert.Equal(t, ev, <-a)
	assert.Equal(t, ev, <-c)
}

func TestBrokerDropsForFullSubscriber(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	b := NewBroker(metrics)
	slow, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(Event{New: StateStarting})
	b.Publish(Event{New: StateStarted})

	assert.Equal(t, StateStarting, (<-slow).New)
	assert.Empty(t, slow)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.droppedEvents))
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	b.Publish(Event{New: StateStarted})
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker(nil)
	ch, cancel := b.Subscribe(1)
	b.Close()
	b.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestNilBrokerPublish(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() { b.Publish(Event{}) })
}

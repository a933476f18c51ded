package vm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vmdeck"

// Metrics holds the lifecycle collectors. A nil *Metrics records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	droppedEvents prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "state_transitions_total",
			Help:      "Committed machine state transitions.",
		}, []string{"from", "to"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_rejected_total",
			Help:      "Operations refused before reaching the engine.",
		}, []string{"op", "reason"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine round-trips by operation and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"op", "result"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "State events not delivered to a full subscriber.",
		}),
	}
	for _, c := range []prometheus.Collector{m.transitions, m.rejected, m.opDuration, m.droppedEvents} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) reject(op, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.opDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) droppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dcnieho/Titta/metric"
)

// bufferMetrics holds Prometheus metrics for buffer operations.
type bufferMetrics struct {
	appends  prometheus.Counter
	peeks    prometheus.Counter
	consumed prometheus.Counter
	cleared  prometheus.Counter
	drops    prometheus.Counter
	size     prometheus.Gauge
}

// newBufferMetrics creates and registers buffer metrics with the provided registry.
func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "titta",
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        help,
		})
	}

	m := &bufferMetrics{
		appends:  counter("appends_total", "Total number of samples appended"),
		peeks:    counter("peeks_total", "Total number of peek operations"),
		consumed: counter("consumed_total", "Total number of samples consumed"),
		cleared:  counter("cleared_total", "Total number of samples cleared"),
		drops:    counter("drops_total", "Total number of samples evicted by the drop-oldest policy"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "titta",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Current number of samples in buffer",
		}),
	}

	counters := []struct {
		name string
		c    prometheus.Counter
	}{
		{"buffer_appends", m.appends},
		{"buffer_peeks", m.peeks},
		{"buffer_consumed", m.consumed},
		{"buffer_cleared", m.cleared},
		{"buffer_drops", m.drops},
	}
	for _, c := range counters {
		if err := registry.RegisterCounter(prefix, c.name, c.c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordAppend(size int) {
	m.appends.Inc()
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordPeek() {
	m.peeks.Inc()
}

func (m *bufferMetrics) recordConsume(n, size int) {
	m.consumed.Add(float64(n))
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordClear(n, size int) {
	m.cleared.Add(float64(n))
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

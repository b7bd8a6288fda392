package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "titta"

// Metrics contains the metrics shared by all capture and relay components
type Metrics struct {
	// Capture metrics
	StreamActive    *prometheus.GaugeVec
	SamplesCaptured *prometheus.CounterVec

	// Calibration metrics
	CalibrationQueueDepth prometheus.Gauge
	CalibrationResults    *prometheus.CounterVec

	// Relay metrics
	RelaySamplesPublished *prometheus.CounterVec
	RelaySamplesReceived  *prometheus.CounterVec
	RelayListeners        prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		StreamActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "stream_active",
				Help:      "Whether a stream kind is being recorded (0=stopped, 1=recording)",
			},
			[]string{"stream"},
		),

		SamplesCaptured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "samples_total",
				Help:      "Total number of samples appended to capture buffers",
			},
			[]string{"stream"},
		),

		CalibrationQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "calibration",
				Name:      "pending_work_items",
				Help:      "Number of calibration work items submitted but not yet resolved",
			},
		),

		CalibrationResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "calibration",
				Name:      "results_total",
				Help:      "Total number of calibration results produced",
			},
			[]string{"action", "status"},
		),

		RelaySamplesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "published_total",
				Help:      "Total number of samples published by relay outlets",
			},
			[]string{"stream"},
		),

		RelaySamplesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "received_total",
				Help:      "Total number of samples received by relay listeners",
			},
			[]string{"stream"},
		),

		RelayListeners: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "listeners",
				Help:      "Number of registered relay listeners",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordStreamActive updates the recording state of a stream kind
func (c *Metrics) RecordStreamActive(stream string, active bool) {
	c.StreamActive.WithLabelValues(stream).Set(boolToFloat(active))
}

// RecordSampleCaptured increments the captured sample counter
func (c *Metrics) RecordSampleCaptured(stream string) {
	c.SamplesCaptured.WithLabelValues(stream).Inc()
}

// RecordCalibrationPending sets the number of queued calibration work items
func (c *Metrics) RecordCalibrationPending(n int) {
	c.CalibrationQueueDepth.Set(float64(n))
}

// RecordCalibrationResult counts a produced calibration result
func (c *Metrics) RecordCalibrationResult(action, status string) {
	c.CalibrationResults.WithLabelValues(action, status).Inc()
}

// RecordPublished adds n published samples for a stream kind
func (c *Metrics) RecordPublished(stream string, n int) {
	c.RelaySamplesPublished.WithLabelValues(stream).Add(float64(n))
}

// RecordReceived adds n received samples for a stream kind
func (c *Metrics) RecordReceived(stream string, n int) {
	c.RelaySamplesReceived.WithLabelValues(stream).Add(float64(n))
}

// RecordListeners sets the number of registered relay listeners
func (c *Metrics) RecordListeners(n int) {
	c.RelayListeners.Set(float64(n))
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	c.NATSConnected.Set(boolToFloat(connected))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

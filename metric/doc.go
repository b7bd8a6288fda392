// Package metric provides Prometheus-based metrics collection and an HTTP server
// exposing them.
//
// The registry carries a fixed set of core metrics (stream recording state,
// captured samples, calibration queue depth and results, relay throughput, NATS
// health) and accepts component-specific collectors through MetricsRegistrar.
// Buffers, worker pools and listeners register their own collectors under their
// component name so they can be removed together with UnregisterComponent.
//
// Basic usage:
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry)
//	go func() { _ = server.Start() }()
//	defer server.Stop(context.Background())
package metric

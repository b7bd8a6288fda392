// Package titta captures samples from an eye tracker into per-stream buffers,
// drives the tracker's calibration procedure without blocking the caller, and
// relays live streams to other hosts.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        device.Device                │  Tracker driver callbacks
//	│  (gaze, eye images, TTL, ...)       │  device/simulated for tests
//	└─────────────────────────────────────┘
//	           ↓ delivers samples to
//	┌─────────────────────────────────────┐
//	│        capture.Session              │  One pkg/buffer per stream kind,
//	│  (start, stop, peek, consume)       │  eye openness fused into gaze
//	└─────────────────────────────────────┘
//	     ↓ read by                 ↓ read by
//	┌──────────────────┐    ┌──────────────────────┐
//	│   relay.Outlet   │    │  gateway/websocket   │
//	│ advertise, push  │    │  browser control     │
//	└────────┬─────────┘    └──────────────────────┘
//	         │ relay.Transport (NATS subjects + KV, or in-process)
//	         ↓
//	┌─────────────────────────────────────┐
//	│     relay.ListenerRegistry          │  Remote streams buffered with
//	│  (discover, create, listen, read)   │  remote and local timestamps
//	└─────────────────────────────────────┘
//
// Calibration runs separately: calibration.Workflow queues each request on a
// single worker (pkg/worker) that talks to the device in order, and results are
// collected with RetrieveResult, which never blocks.
//
// # Packages
//
//   - pkg/buffer: thread-safe, time-ordered sample buffer
//   - pkg/clock, pkg/retry, pkg/worker: shared primitives
//   - sample: stream kinds, sample records, relay schemas and frames
//   - capture: the stream registry of one tracker
//   - calibration: asynchronous calibration workflow
//   - relay: outlets, listeners and their transports
//   - natsclient: NATS connection with circuit breaker and KV helpers
//   - metric: Prometheus registry and HTTP endpoint
//   - errors: invalid, transient and fatal error classes
//   - config: YAML configuration with TITTA_* overrides
//   - cmd/titta: the command line tool
package titta

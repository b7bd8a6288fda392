package buffer

import (
	"github.com/dcnieho/Titta/metric"
)

// CapacityPolicy defines how the buffer behaves as it grows.
type CapacityPolicy int

const (
	// Unbounded lets the buffer grow until memory runs out.
	Unbounded CapacityPolicy = iota

	// DropOldest bounds the buffer to a ring size and evicts the oldest sample
	// to make room for a new one. Every eviction is counted and reported.
	DropOldest
)

// String returns a human-readable representation of the capacity policy.
func (p CapacityPolicy) String() string {
	switch p {
	case Unbounded:
		return "unbounded"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each sample evicted by
// the DropOldest policy.
type DropCallback[T any] func(item T)

// Option configures buffer behavior using the functional options pattern.
type Option[T any] func(*bufferOptions[T])

// bufferOptions holds internal configuration for buffer instances.
// Stats are ALWAYS collected - they are not optional.
type bufferOptions[T any] struct {
	policy          CapacityPolicy
	ringSize        int
	initialCapacity int
	dropCallback    DropCallback[T]

	// metricsReg is optional - if provided, buffer stats are also exposed as Prometheus metrics
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithCapacityPolicy sets the capacity policy. size is the ring size and is only
// used by DropOldest.
func WithCapacityPolicy[T any](policy CapacityPolicy, size int) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.policy = policy
		opts.ringSize = size
	}
}

// WithInitialCapacity preallocates room for n samples.
func WithInitialCapacity[T any](n int) Option[T] {
	return func(opts *bufferOptions[T]) {
		if n > 0 {
			opts.initialCapacity = n
		}
	}
}

// WithMetrics enables Prometheus metrics export for buffer statistics.
// If registry is nil or prefix is empty, this option is ignored.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithDropCallback sets a callback function that is called when samples are dropped.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{
		policy: Unbounded,
	}

	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	return opts
}

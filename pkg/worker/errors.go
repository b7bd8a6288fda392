package worker

import (
	stderrors "errors"

	"github.com/dcnieho/Titta/errors"
)

// Sentinel errors for worker pool operations
var (
	// ErrPoolNotStarted indicates Submit was called before Start
	ErrPoolNotStarted = stderrors.New("worker pool not started")

	// ErrPoolStopped indicates the pool no longer accepts work
	ErrPoolStopped = stderrors.New("worker pool stopped")

	// ErrPoolAlreadyStarted indicates Start was called twice
	ErrPoolAlreadyStarted = stderrors.New("worker pool already started")

	// ErrQueueFull indicates the work queue is at capacity
	ErrQueueFull = errors.ErrQueueFull

	// ErrNilProcessor indicates a nil processor function was provided
	ErrNilProcessor = stderrors.New("processor function cannot be nil")

	// ErrStopTimeout indicates in-flight work did not finish within the timeout
	ErrStopTimeout = stderrors.New("timeout waiting for workers to stop")
)

// Package worker provides a generic worker pool with a bounded, non-blocking
// submission queue.
//
// # Overview
//
// A Pool runs a fixed number of goroutines that take work items from a buffered
// channel and hand them to a processor function. Submit never blocks: when the
// queue is full it returns ErrQueueFull and the item is counted as dropped.
//
// With a single worker the pool is a FIFO executor. The calibration workflow
// relies on this to run device operations in submission order.
//
//	pool := worker.NewPool[job](1, 64, func(ctx context.Context, j job) error {
//		return j.run(ctx)
//	})
//	if err := pool.Start(ctx); err != nil {
//		return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(job{...}); errors.Is(err, worker.ErrQueueFull) {
//		// shed load
//	}
//
// # Lifecycle
//
// Start launches the workers under ctx. Stop closes the queue, lets the workers
// finish what was already queued and waits up to the given timeout. Cancelling
// ctx makes workers exit without draining the queue.
//
// # Observability
//
// Statistics (submitted, processed, failed, dropped, in flight) are always kept
// and returned by Stats. WithMetricsRegistry additionally exports them as
// Prometheus metrics labelled with the pool prefix.
package worker

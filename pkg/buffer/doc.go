// Package buffer provides the Stream Buffer: a typed, growable, time-ordered sample
// store with producer-side append and consumer-side peek, consume and clear.
//
// A Buffer is safe for one producer goroutine and any number of reader goroutines.
// Every operation takes the buffer lock for the minimum time needed to copy the
// selection in or out; no lock is held while callers process results.
//
// Samples are selected either by count from one end of the buffer (PeekN,
// ConsumeN) or by an inclusive system-time range (PeekTimeRange,
// ConsumeTimeRange, ClearTimeRange). Results are always in arrival order.
//
// Capacity is unbounded by default. WithCapacityPolicy(DropOldest) turns the buffer
// into a ring that evicts its oldest sample on overflow; every eviction is counted
// in Statistics and reported to the optional drop callback.
//
// Statistics are always collected. Prometheus metrics are enabled with WithMetrics.
//
// # Quick Start
//
//	buf, err := buffer.New[sample.Gaze](
//		buffer.WithInitialCapacity[sample.Gaze](1<<16),
//	)
//	if err != nil {
//		return err
//	}
//
//	_ = buf.Append(g)                                 // producer goroutine
//	latest, _ := buf.PeekN(1, buffer.SideEnd)         // newest sample, left in place
//	drained, _ := buf.ConsumeN(buffer.All, buffer.SideStart)
//	window, _ := buf.PeekTimeRange(buffer.Between(t0, t1))
//
// # Ordering
//
// SystemTimeStamp must be non-decreasing in arrival order; time-range selection
// relies on it. Append refuses a sample that would go back in time.
//
// # Followers
//
// Readers that must see every sample without consuming it, such as a relay
// outlet, use PeekFrom with a cursor and wait on Changed between reads. The
// missed count returned by PeekFrom reports samples removed before the follower
// got to them.
//
// # Resource exhaustion
//
// Append has no recoverable allocation failure: when the Go runtime cannot grow
// the backing array the process aborts. Use DropOldest when memory must be bounded.
package buffer

package buffer

import (
	"math"
	"sort"
	"sync"

	"github.com/dcnieho/Titta/errors"
)

// All selects every retained sample when passed as a count.
const All = math.MaxInt

// Timestamped is implemented by everything a Buffer can hold.
type Timestamped interface {
	// SystemTimeStamp returns the host-clock time of the sample in microseconds.
	SystemTimeStamp() int64
}

// KeyFunc extracts an alternative time key from a buffered item. Keys must be
// non-decreasing in arrival order, like SystemTimeStamp.
type KeyFunc[T any] func(T) int64

// Side selects which end of the buffer a count-based operation works from.
type Side int

const (
	// SideStart selects the oldest samples.
	SideStart Side = iota
	// SideEnd selects the newest samples.
	SideEnd
)

// String returns the wire name of the side.
func (s Side) String() string {
	switch s {
	case SideStart:
		return "start"
	case SideEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ParseSide converts "start"/"first" and "end"/"last" to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "start", "first", "begin":
		return SideStart, nil
	case "end", "last":
		return SideEnd, nil
	default:
		return 0, errors.Invalidf(errors.ErrInvalidArgument, "buffer", "ParseSide", "unknown buffer side %q", s)
	}
}

// TimeRange is an inclusive range of timestamps. A nil bound defaults to the
// earliest or latest retained sample, so the zero value selects everything.
type TimeRange struct {
	Start *int64
	End   *int64
}

// Between returns the inclusive range [t0, t1].
func Between(t0, t1 int64) TimeRange {
	return TimeRange{Start: &t0, End: &t1}
}

// Since returns the range from t0 to the newest sample.
func Since(t0 int64) TimeRange {
	return TimeRange{Start: &t0}
}

// Until returns the range from the oldest sample up to t1.
func Until(t1 int64) TimeRange {
	return TimeRange{End: &t1}
}

func (r TimeRange) bounds() (int64, int64, error) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if r.Start != nil {
		lo = *r.Start
	}
	if r.End != nil {
		hi = *r.End
	}
	if lo > hi {
		return 0, 0, errors.Invalidf(errors.ErrInvalidArgument, "buffer", "TimeRange",
			"range start %d is after end %d", lo, hi)
	}
	return lo, hi, nil
}

type entry[T any] struct {
	seq  uint64
	item T
}

// Buffer is a Stream Buffer holding samples of one kind.
type Buffer[T Timestamped] struct {
	mu       sync.RWMutex
	items    []entry[T]
	head     int // items[head:] are retained
	produced uint64
	lastKey  int64
	hasLast  bool
	changed  chan struct{}

	capacity int
	stats    *Statistics    // always present
	metrics  *bufferMetrics // optional
	opts     *bufferOptions[T]
}

// New creates a Buffer. Returns an error only if metrics registration fails.
func New[T Timestamped](options ...Option[T]) (*Buffer[T], error) {
	opts := applyOptions(options...)

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "New", "metrics registration")
		}
	}

	capacity := 0
	if opts.policy == DropOldest {
		capacity = opts.ringSize
		if capacity <= 0 {
			capacity = 1
		}
	}

	initial := opts.initialCapacity
	if capacity > 0 && (initial == 0 || initial > capacity) {
		initial = capacity
	}

	return &Buffer[T]{
		items:    make([]entry[T], 0, initial),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// Append adds a sample at the end of the buffer. It is the producer-side operation.
//
// The sample's SystemTimeStamp must not precede the previously appended one; a
// sample that would break ordering is rejected with an invalid-class error and the
// buffer is left untouched. With the DropOldest policy a full buffer evicts its
// oldest sample first.
func (b *Buffer[T]) Append(item T) error {
	key := item.SystemTimeStamp()

	b.mu.Lock()
	if b.hasLast && key < b.lastKey {
		last := b.lastKey
		b.mu.Unlock()
		b.stats.Reject()
		return errors.Invalidf(errors.ErrInvalidArgument, "buffer", "Append",
			"system_time_stamp %d precedes last appended %d", key, last)
	}

	var dropped T
	didDrop := false
	if b.capacity > 0 && len(b.items)-b.head >= b.capacity {
		dropped = b.items[b.head].item
		b.items[b.head] = entry[T]{}
		b.head++
		didDrop = true
	}
	b.compactLocked()

	b.items = append(b.items, entry[T]{seq: b.produced, item: item})
	b.produced++
	b.lastKey = key
	b.hasLast = true
	size := len(b.items) - b.head

	if b.changed != nil {
		close(b.changed)
		b.changed = nil
	}
	b.mu.Unlock()

	b.stats.Append()
	b.stats.UpdateSize(int64(size))
	if b.metrics != nil {
		b.metrics.recordAppend(size)
	}
	if didDrop {
		b.stats.Drop()
		if b.metrics != nil {
			b.metrics.recordDrop()
		}
		if b.opts.dropCallback != nil {
			b.opts.dropCallback(dropped)
		}
	}
	return nil
}

// compactLocked reclaims the consumed prefix once it dominates the backing array.
func (b *Buffer[T]) compactLocked() {
	if b.head == 0 {
		return
	}
	live := len(b.items) - b.head
	if live == 0 {
		b.items = b.items[:0]
		b.head = 0
		return
	}
	if b.head < 1024 || b.head < live {
		return
	}
	n := copy(b.items, b.items[b.head:])
	clear(b.items[n:])
	b.items = b.items[:n]
	b.head = 0
}

func validateCount(n int, method string) error {
	if n <= 0 {
		return errors.Invalidf(errors.ErrInvalidArgument, "buffer", method, "sample count must be positive, got %d", n)
	}
	return nil
}

func (b *Buffer[T]) countWindow(n int, side Side) (int, int) {
	live := len(b.items) - b.head
	k := min(n, live)
	if side == SideEnd {
		return live - k, live
	}
	return 0, k
}

// PeekN returns up to n samples from the given side without removing them.
// n must be positive; All selects everything.
func (b *Buffer[T]) PeekN(n int, side Side) ([]T, error) {
	if err := validateCount(n, "PeekN"); err != nil {
		return nil, err
	}

	b.mu.RLock()
	i, j := b.countWindow(n, side)
	out := b.copyOutLocked(i, j)
	b.mu.RUnlock()

	b.recordPeek()
	return out, nil
}

// ConsumeN removes and returns up to n samples from the given side.
// n must be positive; All selects everything.
func (b *Buffer[T]) ConsumeN(n int, side Side) ([]T, error) {
	if err := validateCount(n, "ConsumeN"); err != nil {
		return nil, err
	}

	b.mu.Lock()
	i, j := b.countWindow(n, side)
	out := b.copyOutLocked(i, j)
	size := b.removeLocked(i, j)
	b.mu.Unlock()

	b.recordConsume(len(out), size)
	return out, nil
}

// PeekTimeRange returns all samples whose SystemTimeStamp lies in r.
// An empty result is not an error.
func (b *Buffer[T]) PeekTimeRange(r TimeRange) ([]T, error) {
	return b.PeekTimeRangeBy(nil, r)
}

// PeekTimeRangeBy is PeekTimeRange using key instead of SystemTimeStamp.
// A nil key selects SystemTimeStamp.
func (b *Buffer[T]) PeekTimeRangeBy(key KeyFunc[T], r TimeRange) ([]T, error) {
	lo, hi, err := r.bounds()
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	i, j := b.rangeWindowLocked(key, lo, hi)
	out := b.copyOutLocked(i, j)
	b.mu.RUnlock()

	b.recordPeek()
	return out, nil
}

// ConsumeTimeRange removes and returns all samples whose SystemTimeStamp lies in r.
func (b *Buffer[T]) ConsumeTimeRange(r TimeRange) ([]T, error) {
	return b.ConsumeTimeRangeBy(nil, r)
}

// ConsumeTimeRangeBy is ConsumeTimeRange using key instead of SystemTimeStamp.
func (b *Buffer[T]) ConsumeTimeRangeBy(key KeyFunc[T], r TimeRange) ([]T, error) {
	lo, hi, err := r.bounds()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	i, j := b.rangeWindowLocked(key, lo, hi)
	out := b.copyOutLocked(i, j)
	size := b.removeLocked(i, j)
	b.mu.Unlock()

	b.recordConsume(len(out), size)
	return out, nil
}

// ClearTimeRange removes all samples whose SystemTimeStamp lies in r without
// returning them. It reports how many samples were removed.
func (b *Buffer[T]) ClearTimeRange(r TimeRange) (int, error) {
	return b.ClearTimeRangeBy(nil, r)
}

// ClearTimeRangeBy is ClearTimeRange using key instead of SystemTimeStamp.
func (b *Buffer[T]) ClearTimeRangeBy(key KeyFunc[T], r TimeRange) (int, error) {
	lo, hi, err := r.bounds()
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	i, j := b.rangeWindowLocked(key, lo, hi)
	size := b.removeLocked(i, j)
	b.mu.Unlock()

	b.recordClear(j-i, size)
	return j - i, nil
}

// Clear removes every retained sample.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	n := len(b.items) - b.head
	b.removeLocked(0, n)
	b.mu.Unlock()

	b.recordClear(n, 0)
}

// PeekFrom returns up to max retained samples whose index is at least cursor,
// without removing them. Indices count every sample ever appended, starting at 0.
//
// next is the cursor to pass on the following call. missed counts samples at or
// after cursor that were consumed, cleared or dropped before they could be read.
func (b *Buffer[T]) PeekFrom(cursor uint64, max int) (items []T, next uint64, missed uint64) {
	if max <= 0 {
		max = All
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	live := b.items[b.head:]
	i := sort.Search(len(live), func(k int) bool { return live[k].seq >= cursor })
	if i == len(live) {
		if b.produced > cursor {
			missed = b.produced - cursor
			return nil, b.produced, missed
		}
		return nil, cursor, 0
	}

	j := min(len(live), i+max)
	items = make([]T, 0, j-i)
	expect := cursor
	for _, e := range live[i:j] {
		missed += e.seq - expect
		expect = e.seq + 1
		items = append(items, e.item)
	}
	return items, expect, missed
}

// Changed returns a channel that is closed on the next Append. Take the channel
// before reading so an append between the read and the wait is not lost.
func (b *Buffer[T]) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.changed == nil {
		b.changed = make(chan struct{})
	}
	return b.changed
}

// Len returns the number of retained samples.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items) - b.head
}

// Produced returns the number of samples ever appended.
func (b *Buffer[T]) Produced() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.produced
}

// OldestIndex returns the index of the oldest retained sample, or Produced when
// the buffer is empty. It never decreases.
func (b *Buffer[T]) OldestIndex() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.head == len(b.items) {
		return b.produced
	}
	return b.items[b.head].seq
}

// Capacity returns the ring size, or 0 for an unbounded buffer.
func (b *Buffer[T]) Capacity() int {
	return b.capacity
}

// Stats returns buffer statistics (always available for observability).
func (b *Buffer[T]) Stats() *Statistics {
	return b.stats
}

// rangeWindowLocked returns the live window [i, j) whose keys lie in [lo, hi].
func (b *Buffer[T]) rangeWindowLocked(key KeyFunc[T], lo, hi int64) (int, int) {
	live := b.items[b.head:]
	keyAt := func(k int) int64 { return live[k].item.SystemTimeStamp() }
	if key != nil {
		keyAt = func(k int) int64 { return key(live[k].item) }
	}
	i := sort.Search(len(live), func(k int) bool { return keyAt(k) >= lo })
	j := sort.Search(len(live), func(k int) bool { return keyAt(k) > hi })
	if j < i {
		j = i
	}
	return i, j
}

func (b *Buffer[T]) copyOutLocked(i, j int) []T {
	out := make([]T, j-i)
	for k, e := range b.items[b.head+i : b.head+j] {
		out[k] = e.item
	}
	return out
}

// removeLocked drops the live window [i, j) and returns the new size.
func (b *Buffer[T]) removeLocked(i, j int) int {
	live := len(b.items) - b.head
	switch {
	case i >= j:
	case i == 0:
		clear(b.items[b.head : b.head+j])
		b.head += j
	case j == live:
		clear(b.items[b.head+i:])
		b.items = b.items[:b.head+i]
	default:
		n := copy(b.items[b.head+i:], b.items[b.head+j:])
		clear(b.items[b.head+i+n:])
		b.items = b.items[:b.head+i+n]
	}
	b.compactLocked()
	return len(b.items) - b.head
}

func (b *Buffer[T]) recordPeek() {
	b.stats.Peek()
	if b.metrics != nil {
		b.metrics.recordPeek()
	}
}

func (b *Buffer[T]) recordConsume(n, size int) {
	b.stats.Consume(int64(n))
	b.stats.UpdateSize(int64(size))
	if b.metrics != nil {
		b.metrics.recordConsume(n, size)
	}
}

func (b *Buffer[T]) recordClear(n, size int) {
	b.stats.Clear(int64(n))
	b.stats.UpdateSize(int64(size))
	if b.metrics != nil {
		b.metrics.recordClear(n, size)
	}
}

// Package clock provides the host time source stamped onto every captured sample.
//
// All timestamps are int64 microseconds. The system clock is monotonic: it is
// anchored to the wall clock once at process start and then advances with Go's
// monotonic reading, so NTP slews never make system_time_stamp go backwards.
//
// Zero Value Semantics:
//   - A timestamp value of 0 means "not set"
//   - Format returns an empty string for zero timestamps
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic microsecond time source shared by producers and consumers.
type Clock interface {
	// Now returns the current host time in microseconds.
	Now() int64
}

type systemClock struct {
	anchor   time.Time
	anchorUs int64
}

var (
	sysOnce sync.Once
	sys     *systemClock
)

// System returns the process-wide monotonic clock.
func System() Clock {
	sysOnce.Do(func() {
		now := time.Now()
		sys = &systemClock{anchor: now, anchorUs: now.UnixMicro()}
	})
	return sys
}

// Now returns microseconds since the Unix epoch, advancing monotonically.
func (c *systemClock) Now() int64 {
	return c.anchorUs + time.Since(c.anchor).Microseconds()
}

// Manual is a Clock whose value only changes when told to. Used in tests and for
// replaying recorded data.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual returns a manual clock starting at start microseconds.
func NewManual(start int64) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to us. Moving backwards is ignored.
func (m *Manual) Set(us int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if us > m.now {
		m.now = us
	}
}

// Advance moves the clock forward by d, truncated to microseconds.
func (m *Manual) Advance(d time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now += d.Microseconds()
	}
	return m.now
}

// ToMicros converts a time.Time to Unix microseconds.
func ToMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// FromMicros converts Unix microseconds to time.Time.
// Returns zero time if us is 0.
func FromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}

// Format converts Unix microseconds to an RFC3339 string with microsecond precision.
func Format(us int64) string {
	if us == 0 {
		return ""
	}
	return time.UnixMicro(us).UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// Since returns the elapsed duration between us and the clock's current time.
func Since(c Clock, us int64) time.Duration {
	return time.Duration(c.Now()-us) * time.Microsecond
}

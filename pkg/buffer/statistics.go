package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity.
type Statistics struct {
	appends  int64
	peeks    int64
	consumed int64
	cleared  int64
	drops    int64
	rejects  int64

	// Protected by mutex
	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// Append records an appended sample.
func (s *Statistics) Append() {
	atomic.AddInt64(&s.appends, 1)
}

// Peek records a peek operation.
func (s *Statistics) Peek() {
	atomic.AddInt64(&s.peeks, 1)
}

// Consume records n consumed samples.
func (s *Statistics) Consume(n int64) {
	atomic.AddInt64(&s.consumed, n)
}

// Clear records n cleared samples.
func (s *Statistics) Clear(n int64) {
	atomic.AddInt64(&s.cleared, n)
}

// Drop records a sample evicted by the DropOldest policy.
func (s *Statistics) Drop() {
	atomic.AddInt64(&s.drops, 1)
}

// Reject records a sample refused because it would break time ordering.
func (s *Statistics) Reject() {
	atomic.AddInt64(&s.rejects, 1)
}

// UpdateSize updates the current buffer size.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// Appends returns the total number of appended samples.
func (s *Statistics) Appends() int64 {
	return atomic.LoadInt64(&s.appends)
}

// Peeks returns the total number of peek operations.
func (s *Statistics) Peeks() int64 {
	return atomic.LoadInt64(&s.peeks)
}

// Consumed returns the total number of consumed samples.
func (s *Statistics) Consumed() int64 {
	return atomic.LoadInt64(&s.consumed)
}

// Cleared returns the total number of cleared samples.
func (s *Statistics) Cleared() int64 {
	return atomic.LoadInt64(&s.cleared)
}

// Drops returns the total number of evicted samples.
func (s *Statistics) Drops() int64 {
	return atomic.LoadInt64(&s.drops)
}

// Rejects returns the total number of out-of-order samples refused.
func (s *Statistics) Rejects() int64 {
	return atomic.LoadInt64(&s.rejects)
}

// CurrentSize returns the current number of samples in the buffer.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the maximum number of samples the buffer has held.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// Throughput returns the average number of appends per second.
func (s *Statistics) Throughput() float64 {
	elapsed := s.Uptime()
	if elapsed == 0 {
		return 0.0
	}
	return float64(s.Appends()) / elapsed.Seconds()
}

// DropRate returns the fraction of appends that evicted a sample (0.0 to 1.0).
func (s *Statistics) DropRate() float64 {
	appends := s.Appends()
	if appends == 0 {
		return 0.0
	}
	return float64(s.Drops()) / float64(appends)
}

// Uptime returns how long the buffer has existed.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// StatsSummary is a snapshot of all statistics.
type StatsSummary struct {
	Appends     int64         `json:"appends"`
	Peeks       int64         `json:"peeks"`
	Consumed    int64         `json:"consumed"`
	Cleared     int64         `json:"cleared"`
	Drops       int64         `json:"drops"`
	Rejects     int64         `json:"rejects"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	Throughput  float64       `json:"throughput"`
	DropRate    float64       `json:"drop_rate"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Appends:     s.Appends(),
		Peeks:       s.Peeks(),
		Consumed:    s.Consumed(),
		Cleared:     s.Cleared(),
		Drops:       s.Drops(),
		Rejects:     s.Rejects(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		Throughput:  s.Throughput(),
		DropRate:    s.DropRate(),
		Uptime:      s.Uptime(),
	}
}

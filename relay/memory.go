package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dcnieho/Titta/errors"
)

// DefaultSubscriptionQueue is the number of packets a subscription holds
// before new packets are dropped.
const DefaultSubscriptionQueue = 1024

// MemoryTransport connects outlets and listeners in the same process.
type MemoryTransport struct {
	queueSize int

	mu     sync.RWMutex
	ads    map[string]ChannelInfo
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryTransport creates an empty in-process transport. queueSize <= 0
// uses DefaultSubscriptionQueue.
func NewMemoryTransport(queueSize int) *MemoryTransport {
	if queueSize <= 0 {
		queueSize = DefaultSubscriptionQueue
	}
	return &MemoryTransport{
		queueSize: queueSize,
		ads:       make(map[string]ChannelInfo),
		subs:      make(map[string]map[*memorySubscription]struct{}),
	}
}

// Advertise implements Transport.
func (t *MemoryTransport) Advertise(_ context.Context, info ChannelInfo) error {
	if info.SourceID == "" {
		return errors.Invalidf(errors.ErrInvalidArgument, "MemoryTransport", "Advertise", "empty source id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.WrapTransient(errors.ErrConnectionLost, "MemoryTransport", "Advertise", "transport closed")
	}
	t.ads[info.SourceID] = info
	return nil
}

// Withdraw implements Transport.
func (t *MemoryTransport) Withdraw(_ context.Context, sourceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ads, sourceID)
	return nil
}

// Discover implements Transport. Results are sorted by source id.
func (t *MemoryTransport) Discover(_ context.Context) ([]ChannelInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(t.ads))
	for _, info := range t.ads {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// Lookup implements Transport.
func (t *MemoryTransport) Lookup(_ context.Context, sourceID string) (ChannelInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.ads[sourceID]
	if !ok {
		return ChannelInfo{}, errors.WrapTransient(
			fmt.Errorf("%s: %w", sourceID, errors.ErrSourceNotFound), "MemoryTransport", "Lookup", "resolve source")
	}
	return info, nil
}

// Publish implements Transport. A subscriber with a full queue misses p.
func (t *MemoryTransport) Publish(_ context.Context, p Packet) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.WrapTransient(errors.ErrConnectionLost, "MemoryTransport", "Publish", "transport closed")
	}
	for sub := range t.subs[p.SourceID] {
		sub.offer(p)
	}
	return nil
}

// Subscribe implements Transport. Subscribing to a source that is not
// advertised is allowed; packets flow once an outlet publishes.
func (t *MemoryTransport) Subscribe(_ context.Context, sourceID string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "MemoryTransport", "Subscribe", "transport closed")
	}
	sub := &memorySubscription{
		transport: t,
		sourceID:  sourceID,
		ch:        make(chan Packet, t.queueSize),
	}
	if t.subs[sourceID] == nil {
		t.subs[sourceID] = make(map[*memorySubscription]struct{})
	}
	t.subs[sourceID][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of open subscriptions for sourceID.
func (t *MemoryTransport) Subscribers(sourceID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[sourceID])
}

// Close rejects further publishing and subscribing.
func (t *MemoryTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

type memorySubscription struct {
	transport *MemoryTransport
	sourceID  string
	ch        chan Packet
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func (s *memorySubscription) offer(p Packet) {
	select {
	case s.ch <- p:
	default:
		s.dropped.Add(1)
	}
}

func (s *memorySubscription) C() <-chan Packet {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		t := s.transport
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs[s.sourceID], s)
		if len(t.subs[s.sourceID]) == 0 {
			delete(t.subs, s.sourceID)
		}
	})
	return nil
}

package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/pkg/buffer"
	"github.com/dcnieho/Titta/pkg/clock"
	"github.com/dcnieho/Titta/sample"
)

// Received is a sample taken off the network together with the local time it
// arrived.
type Received struct {
	Sample               sample.Sample `json:"sample"`
	LocalSystemTimeStamp int64         `json:"local_system_time_stamp"`
}

// SystemTimeStamp returns the remote system time stamp of the sample.
func (r Received) SystemTimeStamp() int64 {
	return r.Sample.SystemTimeStamp()
}

func localTimeStamp(r Received) int64 {
	return r.LocalSystemTimeStamp
}

// ListenerStats counts what a listener received.
type ListenerStats struct {
	Packets  uint64 `json:"packets"`
	Samples  uint64 `json:"samples"`
	Lost     uint64 `json:"lost_packets"`
	Rejected uint64 `json:"rejected"`
	Buffered int    `json:"buffered"`
}

// ListenerOption configures a listener at creation.
type ListenerOption func(*listenerOptions)

type listenerOptions struct {
	initialCapacity int
	ringSize        int
	start           bool
}

// WithInitialCapacity preallocates room for n samples.
func WithInitialCapacity(n int) ListenerOption {
	return func(o *listenerOptions) {
		o.initialCapacity = n
	}
}

// WithRingSize bounds the listener buffer to n samples, dropping the oldest.
func WithRingSize(n int) ListenerOption {
	return func(o *listenerOptions) {
		o.ringSize = n
	}
}

// WithStartListening starts receiving as soon as the listener is created.
func WithStartListening() ListenerOption {
	return func(o *listenerOptions) {
		o.start = true
	}
}

type listener struct {
	id     string
	info   ChannelInfo
	buf    *buffer.Buffer[Received]
	clk    clock.Clock
	onRecv func(n int)

	// mu serializes start, stop and release.
	mu       sync.Mutex
	released bool
	sub      Subscription
	cancel context.CancelFunc
	done   chan struct{}

	packets  atomic.Uint64
	samples  atomic.Uint64
	lost     atomic.Uint64
	rejected atomic.Uint64

	// touched only by the receive goroutine
	session string
	nextSeq uint64
}

func (l *listener) listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done != nil
}

func (l *listener) start(ctx context.Context, t Transport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return errors.WrapInvalid(
			fmt.Errorf("listener %q: %w", l.id, errors.ErrNotFound), "ListenerRegistry", "StartListening", "start deleted listener")
	}
	if l.done != nil {
		return nil
	}

	sub, err := t.Subscribe(ctx, l.info.SourceID)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	l.sub = sub
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.receive(runCtx, sub, l.done)
	return nil
}

// stop ends the receive goroutine and waits for it. The buffer is kept.
func (l *listener) stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked()
}

// release stops the listener for good and empties its buffer. Later starts fail.
func (l *listener) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	err := l.stopLocked()
	l.buf.Clear()
	return err
}

func (l *listener) stopLocked() error {
	if l.done == nil {
		return nil
	}
	l.cancel()
	<-l.done
	err := l.sub.Close()
	l.sub, l.cancel, l.done = nil, nil, nil
	return err
}

func (l *listener) receive(ctx context.Context, sub Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-sub.C():
			l.handle(p)
		}
	}
}

func (l *listener) handle(p Packet) {
	l.packets.Add(1)
	if p.SessionID != l.session {
		// New outlet session: sequence numbers restart.
		l.session = p.SessionID
	} else if p.Seq > l.nextSeq {
		l.lost.Add(p.Seq - l.nextSeq)
	}
	l.nextSeq = p.Seq + 1

	now := l.clk.Now()
	n := 0
	for _, f := range p.Frames {
		smp, err := l.info.Schema.Decode(f)
		if err != nil {
			l.rejected.Add(1)
			continue
		}
		if err := l.buf.Append(Received{Sample: smp, LocalSystemTimeStamp: now}); err != nil {
			l.rejected.Add(1)
			continue
		}
		n++
	}
	l.samples.Add(uint64(n))
	if n > 0 && l.onRecv != nil {
		l.onRecv(n)
	}
}

func (l *listener) stats() ListenerStats {
	return ListenerStats{
		Packets:  l.packets.Load(),
		Samples:  l.samples.Load(),
		Lost:     l.lost.Load(),
		Rejected: l.rejected.Load(),
		Buffered: l.buf.Len(),
	}
}

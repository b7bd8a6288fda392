package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/pkg/buffer"
	"github.com/dcnieho/Titta/pkg/clock"
	"github.com/dcnieho/Titta/sample"
)

// RegistryOption configures a ListenerRegistry.
type RegistryOption func(*ListenerRegistry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ListenerRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryMetrics reports listener counts and received samples to registry.
func WithRegistryMetrics(registry *metric.MetricsRegistry) RegistryOption {
	return func(r *ListenerRegistry) {
		if registry != nil {
			r.metrics = registry.CoreMetrics()
		}
	}
}

// WithRegistryClock sets the clock used for local receive time stamps.
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *ListenerRegistry) {
		if c != nil {
			r.clk = c
		}
	}
}

// ListenerRegistry discovers remote channels and owns the listeners created
// for them. At most one listener exists per source id.
type ListenerRegistry struct {
	transport Transport
	clk       clock.Clock
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu        sync.RWMutex
	listeners map[string]*listener
	bySource  map[string]string
}

// NewListenerRegistry creates an empty registry receiving from transport.
func NewListenerRegistry(transport Transport, opts ...RegistryOption) (*ListenerRegistry, error) {
	if transport == nil {
		return nil, errors.Invalidf(errors.ErrInvalidArgument, "ListenerRegistry", "New", "nil transport")
	}
	r := &ListenerRegistry{
		transport: transport,
		clk:       clock.System(),
		logger:    slog.Default(),
		listeners: make(map[string]*listener),
		bySource:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay-listeners")
	return r, nil
}

// Discover returns the channels currently advertised, restricted to kinds
// when any are given.
func (r *ListenerRegistry) Discover(ctx context.Context, kinds ...sample.Kind) ([]ChannelInfo, error) {
	all, err := r.transport.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		return all, nil
	}
	out := all[:0:0]
	for _, info := range all {
		for _, k := range kinds {
			if info.Kind() == k {
				out = append(out, info)
				break
			}
		}
	}
	return out, nil
}

// CreateListener registers a listener for sourceID and returns its id. The
// source must be advertised. If a listener for sourceID already exists its
// id is returned together with an error wrapping errors.ErrAlreadyExists.
func (r *ListenerRegistry) CreateListener(ctx context.Context, sourceID string, opts ...ListenerOption) (string, error) {
	var lo listenerOptions
	for _, opt := range opts {
		opt(&lo)
	}
	if lo.initialCapacity < 0 || lo.ringSize < 0 {
		return "", errors.Invalidf(errors.ErrInvalidArgument, "ListenerRegistry", "CreateListener",
			"negative buffer size (initial %d, ring %d)", lo.initialCapacity, lo.ringSize)
	}

	info, err := r.transport.Lookup(ctx, sourceID)
	if err != nil {
		return "", err
	}

	bufOpts := []buffer.Option[Received]{buffer.WithInitialCapacity[Received](lo.initialCapacity)}
	if lo.ringSize > 0 {
		bufOpts = append(bufOpts, buffer.WithCapacityPolicy[Received](buffer.DropOldest, lo.ringSize))
	}
	buf, err := buffer.New[Received](bufOpts...)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if existing, ok := r.bySource[sourceID]; ok {
		r.mu.Unlock()
		return existing, errors.WrapInvalid(
			fmt.Errorf("listener %s for %s: %w", existing, sourceID, errors.ErrAlreadyExists),
			"ListenerRegistry", "CreateListener", "check duplicate")
	}
	l := &listener{
		id:   uuid.NewString(),
		info: info,
		buf:  buf,
		clk:  r.clk,
	}
	if r.metrics != nil {
		kind := info.Kind().String()
		l.onRecv = func(n int) { r.metrics.RecordReceived(kind, n) }
	}
	r.listeners[l.id] = l
	r.bySource[sourceID] = l.id
	count := len(r.listeners)
	r.mu.Unlock()

	r.recordListeners(count)
	r.logger.Info("Listener created", "listener_id", l.id, "source_id", sourceID)

	if lo.start {
		if err := r.StartListening(ctx, l.id); err != nil {
			return l.id, err
		}
	}
	return l.id, nil
}

func (r *ListenerRegistry) get(id, method string) (*listener, error) {
	r.mu.RLock()
	l, ok := r.listeners[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("listener %q: %w", id, errors.ErrNotFound), "ListenerRegistry", method, "look up listener")
	}
	return l, nil
}

// StartListening starts the receive goroutine of listener id. Starting a
// listener that is already listening does nothing.
func (r *ListenerRegistry) StartListening(ctx context.Context, id string) error {
	l, err := r.get(id, "StartListening")
	if err != nil {
		return err
	}
	if err := l.start(ctx, r.transport); err != nil {
		r.recordError(err)
		return err
	}
	return nil
}

// StopListening stops the receive goroutine of listener id and waits for it.
// Buffered samples are kept.
func (r *ListenerRegistry) StopListening(id string) error {
	l, err := r.get(id, "StopListening")
	if err != nil {
		return err
	}
	return l.stop()
}

// IsListening reports whether listener id is receiving. Unknown ids report false.
func (r *ListenerRegistry) IsListening(id string) bool {
	l, err := r.get(id, "IsListening")
	if err != nil {
		return false
	}
	return l.listening()
}

// DeleteListener stops listener id, waits for its receive goroutine and
// releases its buffer. The id is invalid afterwards.
func (r *ListenerRegistry) DeleteListener(id string) error {
	r.mu.Lock()
	l, ok := r.listeners[id]
	if !ok {
		r.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("listener %q: %w", id, errors.ErrNotFound), "ListenerRegistry", "DeleteListener", "look up listener")
	}
	delete(r.listeners, id)
	delete(r.bySource, l.info.SourceID)
	count := len(r.listeners)
	r.mu.Unlock()

	err := l.release()
	r.recordListeners(count)
	r.logger.Info("Listener deleted", "listener_id", id, "source_id", l.info.SourceID)
	return err
}

// Listeners returns the ids of all registered listeners in creation-independent order.
func (r *ListenerRegistry) Listeners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close deletes every listener.
func (r *ListenerRegistry) Close() error {
	var first error
	for _, id := range r.Listeners() {
		if err := r.DeleteListener(id); err != nil && first == nil && !errors.IsInvalid(err) {
			first = err
		}
	}
	return first
}

// GetInletInfo returns the advertisement listener id was created from.
func (r *ListenerRegistry) GetInletInfo(id string) (ChannelInfo, error) {
	l, err := r.get(id, "GetInletInfo")
	if err != nil {
		return ChannelInfo{}, err
	}
	return l.info, nil
}

// GetInletType returns the stream kind listener id receives.
func (r *ListenerRegistry) GetInletType(id string) (sample.Kind, error) {
	l, err := r.get(id, "GetInletType")
	if err != nil {
		return 0, err
	}
	return l.info.Kind(), nil
}

// Stats returns receive counters of listener id.
func (r *ListenerRegistry) Stats(id string) (ListenerStats, error) {
	l, err := r.get(id, "Stats")
	if err != nil {
		return ListenerStats{}, err
	}
	return l.stats(), nil
}

// PeekN returns up to n samples of listener id from side without removing them.
func (r *ListenerRegistry) PeekN(id string, n int, side buffer.Side) ([]Received, error) {
	l, err := r.get(id, "PeekN")
	if err != nil {
		return nil, err
	}
	return l.buf.PeekN(n, side)
}

// ConsumeN removes and returns up to n samples of listener id from side.
func (r *ListenerRegistry) ConsumeN(id string, n int, side buffer.Side) ([]Received, error) {
	l, err := r.get(id, "ConsumeN")
	if err != nil {
		return nil, err
	}
	return l.buf.ConsumeN(n, side)
}

func timeKey(timeIsLocal bool) buffer.KeyFunc[Received] {
	if timeIsLocal {
		return localTimeStamp
	}
	return Received.SystemTimeStamp
}

// PeekTimeRange returns the samples of listener id in rng. With timeIsLocal
// the range applies to local receive time, otherwise to the remote system
// time stamp.
func (r *ListenerRegistry) PeekTimeRange(id string, rng buffer.TimeRange, timeIsLocal bool) ([]Received, error) {
	l, err := r.get(id, "PeekTimeRange")
	if err != nil {
		return nil, err
	}
	return l.buf.PeekTimeRangeBy(timeKey(timeIsLocal), rng)
}

// ConsumeTimeRange removes and returns the samples of listener id in rng.
func (r *ListenerRegistry) ConsumeTimeRange(id string, rng buffer.TimeRange, timeIsLocal bool) ([]Received, error) {
	l, err := r.get(id, "ConsumeTimeRange")
	if err != nil {
		return nil, err
	}
	return l.buf.ConsumeTimeRangeBy(timeKey(timeIsLocal), rng)
}

// ClearTimeRange removes the samples of listener id in rng and returns how many were removed.
func (r *ListenerRegistry) ClearTimeRange(id string, rng buffer.TimeRange, timeIsLocal bool) (int, error) {
	l, err := r.get(id, "ClearTimeRange")
	if err != nil {
		return 0, err
	}
	return l.buf.ClearTimeRangeBy(timeKey(timeIsLocal), rng)
}

// Clear empties the buffer of listener id.
func (r *ListenerRegistry) Clear(id string) error {
	l, err := r.get(id, "Clear")
	if err != nil {
		return err
	}
	l.buf.Clear()
	return nil
}

// Len returns the number of samples buffered by listener id, 0 for unknown ids.
func (r *ListenerRegistry) Len(id string) int {
	l, err := r.get(id, "Len")
	if err != nil {
		return 0
	}
	return l.buf.Len()
}

func (r *ListenerRegistry) recordListeners(n int) {
	if r.metrics != nil {
		r.metrics.RecordListeners(n)
	}
}

func (r *ListenerRegistry) recordError(err error) {
	if r.metrics != nil {
		r.metrics.RecordError("relay_listener", errors.Classify(err).String())
	}
}

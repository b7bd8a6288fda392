package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dcnieho/Titta/device"
	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/pkg/buffer"
	"github.com/dcnieho/Titta/pkg/clock"
	"github.com/dcnieho/Titta/sample"
)

// Option configures a Session.
type Option func(*Session)

// WithClock sets the host clock used to stamp samples the device left unstamped.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clk = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics enables Prometheus metrics for the session and its buffers.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Session) { s.metrics = registry }
}

// WithName sets the name used as metrics prefix. Defaults to "capture".
func WithName(name string) Option {
	return func(s *Session) { s.name = name }
}

// Session is the stream registry of one connected eye tracker. It owns one
// buffer per stream kind and the device subscriptions feeding them.
type Session struct {
	name    string
	dev     device.Device
	cfg     Config
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	core    *metric.Metrics

	// lifecycle serializes Start, Stop, SetIncludeEyeOpennessInGaze and Close.
	// Device callbacks never take it, so unsubscribing while holding it is safe.
	lifecycle          sync.Mutex
	subs               map[sample.Kind]device.Subscription
	includeEyeOpenness bool
	closed             bool

	// fusing routes gaze and eye openness callbacks through the fuser.
	fusing atomic.Bool
	fuser  *fuser

	mu     sync.RWMutex
	stores map[sample.Kind]store
}

// NewSession creates a Session reading from dev.
func NewSession(dev device.Device, cfg Config, opts ...Option) (*Session, error) {
	if dev == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "capture", "NewSession", "device is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IncludeEyeOpennessInGaze && !dev.Supports(sample.KindEyeOpenness) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%s: %w", sample.KindEyeOpenness, errors.ErrUnsupportedStream),
			"capture", "NewSession", "include eye openness in gaze")
	}

	s := &Session{
		name:               "capture",
		dev:                dev,
		cfg:                cfg,
		clk:                clock.System(),
		subs:               make(map[sample.Kind]device.Subscription),
		stores:             make(map[sample.Kind]store),
		includeEyeOpenness: cfg.IncludeEyeOpennessInGaze,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", s.name)
	}
	if s.metrics != nil {
		s.core = s.metrics.CoreMetrics()
	}
	s.fuser = newFuser(s.appendFused)
	return s, nil
}

// Device returns the device the session reads from.
func (s *Session) Device() device.Device {
	return s.dev
}

func validKind(kind sample.Kind, method string) error {
	if !kind.Valid() {
		return errors.Invalidf(errors.ErrUnknownStream, "capture", method, "stream kind %d", int(kind))
	}
	return nil
}

// HasStream reports whether the device can produce kind.
func (s *Session) HasStream(kind sample.Kind) bool {
	return kind.Valid() && s.dev.Supports(kind)
}

// IsRecording reports whether samples of kind are being captured. While gaze and
// eye openness are fused, both report true.
func (s *Session) IsRecording(kind sample.Kind) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	_, ok := s.subs[kind]
	return ok
}

// Recording returns the kinds currently being captured.
func (s *Session) Recording() []sample.Kind {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	var kinds []sample.Kind
	for _, k := range sample.Kinds() {
		if _, ok := s.subs[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// IncludeEyeOpennessInGaze returns the fusion toggle.
func (s *Session) IncludeEyeOpennessInGaze() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.includeEyeOpenness
}

// Fusing reports whether recorded gaze samples currently carry eye openness.
func (s *Session) Fusing() bool {
	return s.fusing.Load()
}

// SetIncludeEyeOpennessInGaze changes the fusion toggle and returns the previous
// value. The change applies from the next Start or Stop of gaze or eye openness;
// streams already running keep their mode and buffered samples are untouched.
func (s *Session) SetIncludeEyeOpennessInGaze(include bool) (bool, error) {
	if include && !s.dev.Supports(sample.KindEyeOpenness) {
		return false, errors.WrapTransient(
			fmt.Errorf("%s: %w", sample.KindEyeOpenness, errors.ErrUnsupportedStream),
			"capture", "SetIncludeEyeOpennessInGaze", "check device capability")
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	previous := s.includeEyeOpenness
	s.includeEyeOpenness = include
	return previous, nil
}

func fusable(kind sample.Kind) bool {
	return kind == sample.KindGaze || kind == sample.KindEyeOpenness
}

// Start begins capturing kind. Starting a running stream is a no-op. With the
// fusion toggle set, starting gaze or eye openness starts both, and eye openness
// is merged into the gaze buffer instead of its own.
func (s *Session) Start(kind sample.Kind) error {
	if err := validKind(kind, "Start"); err != nil {
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "capture", "Start", "session closed")
	}
	if !s.dev.Supports(kind) {
		return errors.WrapTransient(
			fmt.Errorf("%s: %w", kind, errors.ErrUnsupportedStream), "capture", "Start", "check device capability")
	}

	if _, err := s.storeFor(kind); err != nil {
		return err
	}

	if fusable(kind) && s.includeEyeOpenness {
		return s.startFusedLocked()
	}
	if _, ok := s.subs[kind]; ok {
		return nil
	}
	if kind == sample.KindGaze {
		return s.subscribeLocked(kind, s.gazeCallback())
	}
	return s.subscribeLocked(kind, s.appender(kind))
}

// startFusedLocked makes sure gaze and eye openness both run in fused mode.
func (s *Session) startFusedLocked() error {
	if s.fusing.Load() {
		return nil
	}
	// A standalone eye openness run would keep filling its own buffer.
	if sub, ok := s.subs[sample.KindEyeOpenness]; ok {
		if err := s.unsubscribeLocked(sample.KindEyeOpenness, sub); err != nil {
			return err
		}
	}
	if _, err := s.storeFor(sample.KindGaze); err != nil {
		return err
	}
	if _, err := s.storeFor(sample.KindEyeOpenness); err != nil {
		return err
	}

	s.fusing.Store(true)
	if _, ok := s.subs[sample.KindGaze]; !ok {
		if err := s.subscribeLocked(sample.KindGaze, s.gazeCallback()); err != nil {
			s.fusing.Store(false)
			return err
		}
	}
	if err := s.subscribeLocked(sample.KindEyeOpenness, s.opennessCallback()); err != nil {
		s.logger.Warn("Eye openness could not be fused into gaze", "error", err)
		s.fusing.Store(false)
		return err
	}
	s.logger.Debug("fusing eye openness into gaze")
	return nil
}

func (s *Session) subscribeLocked(kind sample.Kind, fn device.Callback) error {
	sub, err := s.dev.Subscribe(kind, fn)
	if err != nil {
		s.recordError(err)
		return errors.WrapTransient(err, "capture", "Start", "subscribe to "+kind.String())
	}
	s.subs[kind] = sub
	if s.core != nil {
		s.core.RecordStreamActive(kind.String(), true)
	}
	s.logger.Info("Started recording", "stream", kind.String())
	return nil
}

func (s *Session) unsubscribeLocked(kind sample.Kind, sub device.Subscription) error {
	delete(s.subs, kind)
	if s.core != nil {
		s.core.RecordStreamActive(kind.String(), false)
	}
	if err := sub.Unsubscribe(); err != nil {
		s.recordError(err)
		return errors.WrapTransient(err, "capture", "Stop", "unsubscribe from "+kind.String())
	}
	s.logger.Info("Stopped recording", "stream", kind.String())
	return nil
}

// Stop ends capturing kind, keeping its buffered samples unless clearBuffer is
// set. Stopping a stopped stream is a no-op. While gaze and eye openness are
// fused, or the fusion toggle is set, stopping either stops both.
func (s *Session) Stop(kind sample.Kind, clearBuffer bool) error {
	if err := validKind(kind, "Stop"); err != nil {
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked(kind, clearBuffer)
}

func (s *Session) stopLocked(kind sample.Kind, clearBuffer bool) error {
	kinds := []sample.Kind{kind}
	if fusable(kind) && (s.fusing.Load() || s.includeEyeOpenness) {
		kinds = []sample.Kind{sample.KindGaze, sample.KindEyeOpenness}
	}

	var firstErr error
	for _, k := range kinds {
		if sub, ok := s.subs[k]; ok {
			if err := s.unsubscribeLocked(k, sub); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if fusable(kind) && s.fusing.Load() {
		s.fuser.flush()
		s.fusing.Store(false)
	}

	if clearBuffer {
		for _, k := range kinds {
			if st := s.existingStore(k); st != nil {
				st.clear()
			}
		}
	}
	return firstErr
}

// Close stops every stream. The buffers stay readable.
func (s *Session) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, k := range sample.Kinds() {
		if _, ok := s.subs[k]; !ok {
			continue
		}
		if err := s.stopLocked(k, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// appender returns the callback appending samples of kind to their own buffer.
func (s *Session) appender(kind sample.Kind) device.Callback {
	st, _ := s.storeFor(kind)
	return func(smp sample.Sample) {
		s.append(st, s.stamp(smp))
	}
}

func (s *Session) gazeCallback() device.Callback {
	st, _ := s.storeFor(sample.KindGaze)
	return func(smp sample.Sample) {
		smp = s.stamp(smp)
		if g, ok := smp.(sample.Gaze); ok && s.fusing.Load() {
			s.fuser.addGaze(g)
			return
		}
		s.append(st, smp)
	}
}

func (s *Session) opennessCallback() device.Callback {
	return func(smp sample.Sample) {
		if o, ok := s.stamp(smp).(sample.EyeOpenness); ok {
			s.fuser.addOpenness(o)
		}
	}
}

func (s *Session) appendFused(g sample.Gaze) {
	s.append(s.existingStore(sample.KindGaze), g)
}

func (s *Session) stamp(smp sample.Sample) sample.Sample {
	if smp.SystemTimeStamp() == 0 {
		return sample.Stamp(smp, s.clk.Now())
	}
	return smp
}

func (s *Session) append(st store, smp sample.Sample) {
	if err := st.append(smp); err != nil {
		s.recordError(err)
		s.logger.Debug("sample dropped", "stream", smp.Kind().String(), "error", err)
		return
	}
	if s.core != nil {
		s.core.RecordSampleCaptured(smp.Kind().String())
	}
}

func (s *Session) recordError(err error) {
	if s.core != nil {
		s.core.RecordError(s.name, errors.Classify(err).String())
	}
}

// storeFor returns the buffer of kind, allocating it on first use.
func (s *Session) storeFor(kind sample.Kind) (store, error) {
	if st := s.existingStore(kind); st != nil {
		return st, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[kind]; ok {
		return st, nil
	}
	bc, err := s.cfg.bufferConfig(kind)
	if err != nil {
		return nil, err
	}
	st, err := newStoreFor(kind, bc, s)
	if err != nil {
		return nil, err
	}
	s.stores[kind] = st
	return st, nil
}

func (s *Session) existingStore(kind sample.Kind) store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stores[kind]
}

// Source returns a follower view on the buffer of kind, used by relay outlets.
func (s *Session) Source(kind sample.Kind) (Source, error) {
	if err := validKind(kind, "Source"); err != nil {
		return nil, err
	}
	return s.storeFor(kind)
}

func (s *Session) reader(kind sample.Kind, method string) (store, error) {
	if err := validKind(kind, method); err != nil {
		return nil, err
	}
	return s.storeFor(kind)
}

// PeekN returns up to n samples of kind from side without removing them.
func (s *Session) PeekN(kind sample.Kind, n int, side buffer.Side) ([]sample.Sample, error) {
	st, err := s.reader(kind, "PeekN")
	if err != nil {
		return nil, err
	}
	return st.peekN(n, side)
}

// ConsumeN removes and returns up to n samples of kind from side.
func (s *Session) ConsumeN(kind sample.Kind, n int, side buffer.Side) ([]sample.Sample, error) {
	st, err := s.reader(kind, "ConsumeN")
	if err != nil {
		return nil, err
	}
	return st.consumeN(n, side)
}

// PeekTimeRange returns the samples of kind within r without removing them.
func (s *Session) PeekTimeRange(kind sample.Kind, r buffer.TimeRange) ([]sample.Sample, error) {
	st, err := s.reader(kind, "PeekTimeRange")
	if err != nil {
		return nil, err
	}
	return st.peekRange(r)
}

// ConsumeTimeRange removes and returns the samples of kind within r.
func (s *Session) ConsumeTimeRange(kind sample.Kind, r buffer.TimeRange) ([]sample.Sample, error) {
	st, err := s.reader(kind, "ConsumeTimeRange")
	if err != nil {
		return nil, err
	}
	return st.consumeRange(r)
}

// ClearTimeRange removes the samples of kind within r and returns how many.
func (s *Session) ClearTimeRange(kind sample.Kind, r buffer.TimeRange) (int, error) {
	st, err := s.reader(kind, "ClearTimeRange")
	if err != nil {
		return 0, err
	}
	return st.clearRange(r)
}

// Clear empties the buffer of kind.
func (s *Session) Clear(kind sample.Kind) error {
	st, err := s.reader(kind, "Clear")
	if err != nil {
		return err
	}
	st.clear()
	return nil
}

// Len returns the number of buffered samples of kind.
func (s *Session) Len(kind sample.Kind) int {
	if st := s.existingStore(kind); st != nil {
		return st.len()
	}
	return 0
}

// Stats returns the buffer statistics of kind. ok is false if the buffer was never used.
func (s *Session) Stats(kind sample.Kind) (summary buffer.StatsSummary, ok bool) {
	if st := s.existingStore(kind); st != nil {
		return st.stats(), true
	}
	return buffer.StatsSummary{}, false
}

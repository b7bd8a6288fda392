package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcnieho/Titta/capture"
	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/pkg/retry"
	"github.com/dcnieho/Titta/sample"
)

// DefaultBatchSize is the maximum number of samples per published packet.
const DefaultBatchSize = 64

// OutletOption configures an Outlet.
type OutletOption func(*Outlet)

// WithOutletLogger sets the outlet logger.
func WithOutletLogger(logger *slog.Logger) OutletOption {
	return func(o *Outlet) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOutletMetrics reports published samples and errors to registry.
func WithOutletMetrics(registry *metric.MetricsRegistry) OutletOption {
	return func(o *Outlet) {
		if registry != nil {
			o.metrics = registry.CoreMetrics()
		}
	}
}

// WithBatchSize bounds how many samples go into one packet.
func WithBatchSize(n int) OutletOption {
	return func(o *Outlet) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithReadvertiseInterval refreshes advertisements at interval while a
// channel is streaming. Use it with transports that expire advertisements.
func WithReadvertiseInterval(interval time.Duration) OutletOption {
	return func(o *Outlet) {
		o.readvertise = interval
	}
}

// WithAdvertiseRetry sets the retry policy for advertising a channel.
func WithAdvertiseRetry(cfg retry.Config) OutletOption {
	return func(o *Outlet) {
		o.advertiseRetry = cfg
	}
}

// Outlet republishes streams of a capture session on a Transport. It reads
// the session buffers without consuming them; samples a client consumes
// before the outlet reads them are not published.
type Outlet struct {
	session   *capture.Session
	transport Transport
	logger    *slog.Logger
	metrics   *metric.Metrics

	batchSize      int
	readvertise    time.Duration
	advertiseRetry retry.Config

	mu                 sync.Mutex
	streams            map[sample.Kind]*outletStream
	includeEyeOpenness bool
	closed             bool
}

type outletStream struct {
	info   ChannelInfo
	owns   bool // the outlet started the capture stream
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutlet creates an outlet for session publishing on transport.
func NewOutlet(session *capture.Session, transport Transport, opts ...OutletOption) (*Outlet, error) {
	if session == nil || transport == nil {
		return nil, errors.Invalidf(errors.ErrInvalidArgument, "Outlet", "NewOutlet", "session and transport are required")
	}
	o := &Outlet{
		session:            session,
		transport:          transport,
		logger:             slog.Default(),
		batchSize:          DefaultBatchSize,
		advertiseRetry:     retry.DefaultConfig(),
		streams:            make(map[sample.Kind]*outletStream),
		includeEyeOpenness: session.IncludeEyeOpennessInGaze(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "relay-outlet")
	return o, nil
}

// IncludeEyeOpennessInGaze reports the outlet's fusion toggle.
func (o *Outlet) IncludeEyeOpennessInGaze() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.includeEyeOpenness
}

// SetIncludeEyeOpennessInGaze sets whether the gaze channel carries eye
// openness and returns the previous value. The capture session follows the
// same toggle. The change applies the next time gaze is started.
func (o *Outlet) SetIncludeEyeOpennessInGaze(include bool) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.session.SetIncludeEyeOpennessInGaze(include); err != nil {
		return o.includeEyeOpenness, err
	}
	prev := o.includeEyeOpenness
	o.includeEyeOpenness = include
	return prev, nil
}

// channelKind maps a requested kind to the channel that carries it.
func (o *Outlet) channelKind(kind sample.Kind, method string) (sample.Kind, error) {
	if !kind.Valid() {
		return kind, errors.Invalidf(errors.ErrUnknownStream, "Outlet", method, "stream kind %d", int(kind))
	}
	if kind == sample.KindEyeOpenness && o.includeEyeOpenness {
		return sample.KindGaze, nil
	}
	if !sample.Relayable(kind) {
		return kind, errors.WrapTransient(
			fmt.Errorf("%s: %w", kind, errors.ErrUnsupportedStream), "Outlet", method, "check relayable")
	}
	return kind, nil
}

// IsStreaming reports whether kind is being published. With the fusion toggle
// on, eye openness reports the gaze channel.
func (o *Outlet) IsStreaming(kind sample.Kind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ck, err := o.channelKind(kind, "IsStreaming")
	if err != nil {
		return false
	}
	_, ok := o.streams[ck]
	return ok
}

// Streaming returns the channel infos of every active channel.
func (o *Outlet) Streaming() []ChannelInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ChannelInfo, 0, len(o.streams))
	for _, k := range sample.Kinds() {
		if st, ok := o.streams[k]; ok {
			out = append(out, st.info)
		}
	}
	return out
}

// Start advertises a channel for kind and publishes every sample captured from
// now on. The capture stream is started if it is not already recording.
// Starting a channel that is already streaming does nothing.
func (o *Outlet) Start(ctx context.Context, kind sample.Kind) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Outlet", "Start", "check outlet state")
	}
	ck, err := o.channelKind(kind, "Start")
	if err != nil {
		return err
	}
	if _, ok := o.streams[ck]; ok {
		return nil
	}
	if !o.session.HasStream(ck) {
		return errors.WrapTransient(
			fmt.Errorf("%s: %w", ck, errors.ErrUnsupportedStream), "Outlet", "Start", "check device capability")
	}

	owns := !o.session.IsRecording(ck)
	// A gaze stream recorded without eye openness is switched to fused mode in place.
	upgrade := !owns && ck == sample.KindGaze && o.includeEyeOpenness && !o.session.Fusing()
	if owns || upgrade {
		if err := o.session.Start(ck); err != nil {
			return err
		}
	}

	// Advertise the layout the session actually produces.
	schema, err := sample.SchemaFor(ck, ck == sample.KindGaze && o.includeEyeOpenness && o.session.Fusing())
	if err != nil {
		o.rollback(ck, owns)
		return err
	}
	devInfo := o.session.Device().Info()
	info := ChannelInfo{
		SourceID:     SourceID(ck, devInfo.SerialNumber),
		SessionID:    uuid.NewString(),
		Name:         ChannelName(ck),
		Type:         ChannelType(ck),
		Schema:       schema,
		Device:       devInfo,
		AdvertisedAt: time.Now().UTC(),
	}
	if ck == sample.KindGaze {
		info.NominalRate = devInfo.Frequency
	}

	src, err := o.session.Source(ck)
	if err != nil {
		o.rollback(ck, owns)
		return err
	}
	// Everything captured before this point stays local.
	cursor := src.Produced()

	if err := retry.Do(ctx, o.advertiseRetry, func() error {
		return o.transport.Advertise(ctx, info)
	}); err != nil {
		o.rollback(ck, owns)
		o.recordError(err)
		return errors.WrapTransient(err, "Outlet", "Start", "advertise "+info.SourceID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st := &outletStream{info: info, owns: owns, cancel: cancel, done: make(chan struct{})}
	o.streams[ck] = st
	go o.publish(runCtx, st, src, cursor)

	o.logger.Info("Outlet started", "source_id", info.SourceID, "session_id", info.SessionID,
		"channels", info.ChannelCount())
	return nil
}

func (o *Outlet) rollback(kind sample.Kind, owns bool) {
	if owns {
		if err := o.session.Stop(kind, false); err != nil {
			o.logger.Debug("rollback stop failed", "kind", kind, "error", err)
		}
	}
}

// Stop withdraws the advertisement for kind and stops publishing. Listeners
// already subscribed are not told: they stop receiving samples and keep what
// they buffered. Stopping a channel that is not streaming does nothing.
func (o *Outlet) Stop(ctx context.Context, kind sample.Kind) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ck, err := o.channelKind(kind, "Stop")
	if err != nil {
		return err
	}
	return o.stopLocked(ctx, ck)
}

func (o *Outlet) stopLocked(ctx context.Context, kind sample.Kind) error {
	st, ok := o.streams[kind]
	if !ok {
		return nil
	}
	delete(o.streams, kind)

	st.cancel()
	<-st.done

	var errs []error
	if err := o.transport.Withdraw(ctx, st.info.SourceID); err != nil {
		o.recordError(err)
		errs = append(errs, err)
	}
	if st.owns {
		if err := o.session.Stop(kind, false); err != nil {
			errs = append(errs, err)
		}
	}
	o.logger.Info("Outlet stopped", "source_id", st.info.SourceID)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Close stops every channel. The outlet cannot be restarted.
func (o *Outlet) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true

	var first error
	for _, k := range sample.Kinds() {
		if err := o.stopLocked(ctx, k); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// publish runs on its own goroutine until ctx is cancelled.
func (o *Outlet) publish(ctx context.Context, st *outletStream, src capture.Source, cursor uint64) {
	defer close(st.done)

	info := st.info
	logger := o.logger.With("source_id", info.SourceID)
	kind := info.Kind().String()

	var refresh <-chan time.Time
	if o.readvertise > 0 {
		ticker := time.NewTicker(o.readvertise)
		defer ticker.Stop()
		refresh = ticker.C
	}

	var seq uint64
	for {
		changed := src.Changed()
		items, next, missed := src.PeekFrom(cursor, o.batchSize)
		cursor = next
		if missed > 0 {
			logger.Debug("samples left the buffer before publishing", "missed", missed)
		}

		if len(items) > 0 {
			frames := make([]sample.Frame, 0, len(items))
			for _, smp := range items {
				f, err := info.Schema.Encode(smp)
				if err != nil {
					logger.Debug("skipping unencodable sample", "error", err)
					continue
				}
				frames = append(frames, f)
			}
			if len(frames) > 0 {
				p := Packet{SourceID: info.SourceID, SessionID: info.SessionID, Seq: seq, Frames: frames}
				seq++
				if err := o.transport.Publish(ctx, p); err != nil {
					// A lost packet shows up as a sequence gap at the listener.
					o.recordError(err)
					logger.Debug("publish failed", "error", err)
				} else if o.metrics != nil {
					o.metrics.RecordPublished(kind, len(frames))
				}
			}
			if len(items) == o.batchSize {
				if ctx.Err() != nil {
					return
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-refresh:
			info.AdvertisedAt = time.Now().UTC()
			if err := o.transport.Advertise(ctx, info); err != nil && ctx.Err() == nil {
				o.recordError(err)
				logger.Warn("Failed to refresh advertisement", "error", err)
			}
		}
	}
}

func (o *Outlet) recordError(err error) {
	if o.metrics != nil {
		o.metrics.RecordError("relay_outlet", errors.Classify(err).String())
	}
}

// Package simulated provides an in-process eye tracker used by tests, demos and the
// CLI when no hardware is attached.
//
// In generator mode (WithRate) each subscription gets its own goroutine producing
// synthetic samples. Without a rate the device is manual: samples are injected
// with Push and delivered synchronously to the subscribers of their kind.
package simulated

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dcnieho/Titta/device"
	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/pkg/clock"
	"github.com/dcnieho/Titta/sample"
)

const deviceClockOffset = 1_234_567

// Option configures a simulated Device.
type Option func(*Device)

// WithInfo sets the identity reported by Info.
func WithInfo(info device.Info) Option {
	return func(d *Device) { d.info = info }
}

// WithKinds restricts the stream kinds the device supports.
func WithKinds(kinds ...sample.Kind) Option {
	return func(d *Device) {
		d.supported = make(map[sample.Kind]bool, len(kinds))
		for _, k := range kinds {
			d.supported[k] = true
		}
	}
}

// WithClock sets the host clock used to stamp samples.
func WithClock(c clock.Clock) Option {
	return func(d *Device) { d.clk = c }
}

// WithRate enables generator mode at hz samples per second for gaze-rate streams.
func WithRate(hz float64) Option {
	return func(d *Device) { d.rate = hz }
}

// WithCalibrationDelay makes every calibration primitive take at least delay.
func WithCalibrationDelay(delay time.Duration) Option {
	return func(d *Device) { d.calDelay = delay }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// Device is a simulated eye tracker. It implements device.Device and device.Calibrator.
type Device struct {
	info      device.Info
	supported map[sample.Kind]bool
	clk       clock.Clock
	rate      float64
	logger    *slog.Logger
	epoch     int64

	mu     sync.Mutex
	subs   map[sample.Kind]map[uint64]*subscription
	nextID uint64

	calMu       sync.Mutex
	calDelay    time.Duration
	calibrating bool
	monocular   bool
	points      []device.CalibrationPoint
	applied     []byte
	failures    map[string]error
	calls       []string
}

var (
	_ device.Device     = (*Device)(nil)
	_ device.Calibrator = (*Device)(nil)
)

// New creates a simulated device supporting every stream kind by default.
func New(opts ...Option) *Device {
	d := &Device{
		info: device.Info{
			Name:         "simulated",
			SerialNumber: "SIM-0001",
			Model:        "Simulated Tracker",
			Address:      "sim://local",
			Frequency:    600,
			TrackingMode: "human",
		},
		clk:      clock.System(),
		subs:     make(map[sample.Kind]map[uint64]*subscription),
		failures: make(map[string]error),
	}
	WithKinds(sample.Kinds()...)(d)
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default().With("component", "simulated-device")
	}
	if d.rate > 0 {
		d.info.Frequency = d.rate
	}
	d.epoch = d.clk.Now()
	return d
}

// Info returns the device identity.
func (d *Device) Info() device.Info {
	return d.info
}

// Supports reports whether kind was enabled.
func (d *Device) Supports(kind sample.Kind) bool {
	return d.supported[kind]
}

// Subscribe registers fn for kind. In generator mode a producer goroutine starts.
func (d *Device) Subscribe(kind sample.Kind, fn device.Callback) (device.Subscription, error) {
	if !d.Supports(kind) {
		return nil, errors.WrapTransient(
			fmt.Errorf("%s: %w", kind, errors.ErrUnsupportedStream), "simulated", "Subscribe", "subscribe")
	}

	d.mu.Lock()
	d.nextID++
	sub := &subscription{
		id:     d.nextID,
		kind:   kind,
		fn:     fn,
		device: d,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if d.subs[kind] == nil {
		d.subs[kind] = make(map[uint64]*subscription)
	}
	d.subs[kind][sub.id] = sub
	d.mu.Unlock()

	if interval := d.interval(kind); interval > 0 {
		go sub.generate(interval)
	} else {
		close(sub.done)
	}

	d.logger.Debug("subscribed", "stream", kind.String(), "id", sub.id)
	return sub, nil
}

// Subscribers returns the number of active subscriptions for kind.
func (d *Device) Subscribers(kind sample.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[kind])
}

// Push delivers s to every subscriber of its kind on the calling goroutine.
func (d *Device) Push(s sample.Sample) {
	d.mu.Lock()
	subs := make([]*subscription, 0, len(d.subs[s.Kind()]))
	for _, sub := range d.subs[s.Kind()] {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(s)
	}
}

// Now returns the device clock, which runs at a fixed offset from the host clock.
func (d *Device) Now() int64 {
	return d.clk.Now() + deviceClockOffset
}

func (d *Device) interval(kind sample.Kind) time.Duration {
	if d.rate <= 0 {
		return 0
	}
	period := time.Duration(float64(time.Second) / d.rate)
	switch kind {
	case sample.KindGaze, sample.KindEyeOpenness, sample.KindPositioning:
		return period
	case sample.KindEyeImage:
		return 10 * period
	case sample.KindExtSignal:
		return 500 * time.Millisecond
	case sample.KindTimeSync:
		return time.Second
	default:
		return 0
	}
}

func (d *Device) remove(sub *subscription) {
	d.mu.Lock()
	delete(d.subs[sub.kind], sub.id)
	d.mu.Unlock()
}

type subscription struct {
	id     uint64
	kind   sample.Kind
	fn     device.Callback
	device *Device

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	stop   chan struct{}
	done   chan struct{}
}

// Unsubscribe stops delivery and waits for the producer goroutine and any
// in-flight callback to finish.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.device.remove(s)
		close(s.stop)
		<-s.done
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.device.logger.Debug("unsubscribed", "stream", s.kind.String(), "id", s.id)
	})
	return nil
}

func (s *subscription) deliver(smp sample.Sample) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.closed {
		s.fn(smp)
	}
}

func (s *subscription) generate(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n uint64
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n++
			s.deliver(s.device.synthesize(s.kind, n, interval))
		}
	}
}

// synthesize builds the n-th generated sample. Gaze and eye openness generated at
// the same moment share a device timestamp so they can be fused.
func (d *Device) synthesize(kind sample.Kind, n uint64, interval time.Duration) sample.Sample {
	now := d.clk.Now()
	periodUs := max(interval.Microseconds(), 1)
	deviceTS := (now-d.epoch)/periodUs*periodUs + d.epoch + deviceClockOffset
	phase := float64(now-d.epoch) / 1e6

	switch kind {
	case sample.KindGaze:
		eye := func(dx float64) sample.EyeData {
			return sample.EyeData{
				GazePoint: sample.GazePoint{
					OnDisplayArea:     sample.Point2D{X: 0.5 + 0.3*math.Cos(phase) + dx, Y: 0.5 + 0.3*math.Sin(phase)},
					InUserCoordinates: sample.Point3D{X: 200 * math.Cos(phase), Y: 150 * math.Sin(phase), Z: 30},
					Valid:             true,
					Available:         true,
				},
				Pupil:      sample.PupilData{Diameter: 3 + 0.5*math.Sin(phase/3), Valid: true, Available: true},
				GazeOrigin: sample.GazeOrigin{InUserCoordinates: sample.Point3D{X: 30 - 60*dx*100, Y: 0, Z: 650}, Valid: true, Available: true},
			}
		}
		return sample.Gaze{Left: eye(-0.01), Right: eye(0.01), DeviceTS: deviceTS, SystemTS: now}
	case sample.KindEyeOpenness:
		open := sample.EyeOpennessData{Diameter: 11 + math.Sin(phase*2), Valid: true, Available: true}
		return sample.EyeOpenness{Left: open, Right: open, DeviceTS: deviceTS, SystemTS: now}
	case sample.KindPositioning:
		eye := func(x float64) sample.PositioningEye {
			return sample.PositioningEye{InTrackBox: sample.Point3D{X: x, Y: 0.5, Z: 0.5}, Valid: true}
		}
		return sample.Positioning{Left: eye(0.45), Right: eye(0.55), SystemTS: now}
	case sample.KindEyeImage:
		const w, h = 32, 16
		data := make([]byte, w*h)
		for i := range data {
			data[i] = byte(int(n) + i)
		}
		return sample.EyeImage{
			DeviceTS: deviceTS, SystemTS: now, BitsPerPixel: 8, Width: w, Height: h,
			Type: "cropped", CameraID: int(n % 2), Data: data,
		}
	case sample.KindExtSignal:
		change := sample.ExtSignalValueChanged
		if n == 1 {
			change = sample.ExtSignalInitialValue
		}
		return sample.ExtSignal{DeviceTS: deviceTS, SystemTS: now, Value: uint32(n % 2), ChangeType: change}
	case sample.KindTimeSync:
		return sample.TimeSync{SystemRequestTS: now, DeviceTS: deviceTS, SystemResponseTS: d.clk.Now()}
	default:
		return sample.Notification{SystemTS: now, Type: "unknown"}
	}
}

// FailNext makes the next call of the named calibration primitive return err.
// Names match the Calibrator method names.
func (d *Device) FailNext(method string, err error) {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	d.failures[method] = err
}

// Calls returns the calibration primitives invoked so far, in order.
func (d *Device) Calls() []string {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	return append([]string(nil), d.calls...)
}

// Calibrating reports whether the device is in calibration mode.
func (d *Device) Calibrating() bool {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	return d.calibrating
}

// begin records a call, waits out the configured delay and returns any injected failure.
// It must be called with calMu held; the lock is released while waiting.
func (d *Device) begin(ctx context.Context, method string) error {
	d.calls = append(d.calls, method)
	if err, ok := d.failures[method]; ok {
		delete(d.failures, method)
		return err
	}
	if d.calDelay > 0 {
		d.calMu.Unlock()
		defer d.calMu.Lock()
		select {
		case <-time.After(d.calDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Device) requireCalibrating(method string) error {
	if !d.calibrating {
		return errors.WrapTransient(errors.ErrWrongState, "simulated", method, "not in calibration mode")
	}
	return nil
}

// EnterCalibrationMode enters calibration mode.
func (d *Device) EnterCalibrationMode(ctx context.Context, monocular bool) error {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	if err := d.begin(ctx, "EnterCalibrationMode"); err != nil {
		return err
	}
	if d.calibrating {
		return errors.WrapTransient(errors.ErrWrongState, "simulated", "EnterCalibrationMode", "already in calibration mode")
	}
	d.calibrating = true
	d.monocular = monocular
	d.points = nil
	return nil
}

// LeaveCalibrationMode leaves calibration mode.
func (d *Device) LeaveCalibrationMode(ctx context.Context) error {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	if err := d.begin(ctx, "LeaveCalibrationMode"); err != nil {
		return err
	}
	if err := d.requireCalibrating("LeaveCalibrationMode"); err != nil {
		return err
	}
	d.calibrating = false
	return nil
}

// CollectData records synthetic samples for point.
func (d *Device) CollectData(ctx context.Context, point sample.Point2D, eye device.Eye) error {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	if err := d.begin(ctx, "CollectData"); err != nil {
		return err
	}
	if err := d.requireCalibrating("CollectData"); err != nil {
		return err
	}

	cs := []device.CalibrationSample{{PositionOnDisplayArea: point, Validity: "valid_and_used"}}
	p := device.CalibrationPoint{Position: point}
	if eye != device.EyeRight {
		p.Left = cs
	}
	if eye != device.EyeLeft {
		p.Right = cs
	}
	d.points = append(d.points, p)
	return nil
}

// DiscardData removes the data collected for point.
func (d *Device) DiscardData(ctx context.Context, point sample.Point2D, eye device.Eye) error {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	if err := d.begin(ctx, "DiscardData"); err != nil {
		return err
	}
	if err := d.requireCalibrating("DiscardData"); err != nil {
		return err
	}

	kept := d.points[:0]
	for _, p := range d.points {
		if p.Position == point {
			switch eye {
			case device.EyeLeft:
				p.Left = nil
			case device.EyeRight:
				p.Right = nil
			default:
				p.Left, p.Right = nil, nil
			}
			if p.Left == nil && p.Right == nil {
				continue
			}
		}
		kept = append(kept, p)
	}
	d.points = kept
	return nil
}

// ComputeAndApply computes a calibration from the collected points.
func (d *Device) ComputeAndApply(ctx context.Context) (device.CalibrationResult, error) {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	if err := d.begin(ctx, "ComputeAndApply"); err != nil {
		return device.CalibrationResult{}, err
	}
	if err := d.requireCalibrating("ComputeAndApply"); err != nil {
		return device.CalibrationResult{}, err
	}

	res := device.CalibrationResult{Status: "failure"}
	if len(d.points) > 0 {
		res.Status = "success"
		if d.monocular {
			res.Status = "success_left_eye"
		}
		res.Points = append(res.Points, d.points...)
	}
	return res, nil
}

// RetrieveCalibrationData serializes the current calibration.
func (d *Device) RetrieveCalibrationData(ctx context.Context) ([]byte, error) {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	if err := d.begin(ctx, "RetrieveCalibrationData"); err != nil {
		return nil, err
	}
	if d.applied != nil && len(d.points) == 0 {
		return append([]byte(nil), d.applied...), nil
	}
	return json.Marshal(d.points)
}

// ApplyCalibrationData loads a calibration previously produced by RetrieveCalibrationData.
func (d *Device) ApplyCalibrationData(ctx context.Context, data []byte) error {
	d.calMu.Lock()
	defer d.calMu.Unlock()
	if err := d.begin(ctx, "ApplyCalibrationData"); err != nil {
		return err
	}
	var points []device.CalibrationPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "simulated", "ApplyCalibrationData", "decode calibration data")
	}
	d.applied = append([]byte(nil), data...)
	d.points = points
	return nil
}

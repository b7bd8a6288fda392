package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dcnieho/Titta/device"
	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/pkg/worker"
	"github.com/dcnieho/Titta/sample"
)

const (
	defaultQueueSize    = 256
	defaultLeaveTimeout = 30 * time.Second
	poolPrefix          = "calibration"
)

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) { w.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(w *Workflow) { w.metrics = registry }
}

// WithQueueSize bounds the number of work items waiting for the device.
func WithQueueSize(n int) Option {
	return func(w *Workflow) { w.queueSize = n }
}

// WithLeaveTimeout bounds how long Leave waits for queued work to drain.
func WithLeaveTimeout(d time.Duration) Option {
	return func(w *Workflow) { w.leaveTimeout = d }
}

type workItem struct {
	seq       uint64
	action    Action
	point     *sample.Point2D
	eye       *device.Eye
	monocular bool
	data      []byte
}

// Workflow sequences the calibration steps of one device session.
//
// Entering calibration mode starts a single worker that executes submitted work
// items one at a time in submission order. Every work item, including enter and
// leave, produces exactly one Result, retrieved in order with RetrieveResult.
type Workflow struct {
	cal          device.Calibrator
	logger       *slog.Logger
	metrics      *metric.MetricsRegistry
	core         *metric.Metrics
	queueSize    int
	leaveTimeout time.Duration

	// lifecycle serializes Enter and Leave.
	lifecycle sync.Mutex

	mu        sync.Mutex
	pool      *worker.Pool[workItem]
	cancel    context.CancelFunc
	leaving   bool
	monocular bool
	state     State
	points    map[sample.Point2D]struct{}
	nextSeq   uint64
	pending   int

	resMu   sync.Mutex
	results []Result
}

// New creates a Workflow driving cal.
func New(cal device.Calibrator, opts ...Option) *Workflow {
	w := &Workflow{
		cal:          cal,
		queueSize:    defaultQueueSize,
		leaveTimeout: defaultLeaveTimeout,
		points:       make(map[sample.Point2D]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default().With("component", "calibration")
	}
	if w.metrics != nil {
		w.core = w.metrics.CoreMetrics()
	}
	return w
}

// InCalibrationMode reports whether Enter has been called without a matching Leave.
func (w *Workflow) InCalibrationMode() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pool != nil
}

// Enter puts the device in calibration mode. It fails with ErrWrongState if the
// workflow is already in calibration mode, unless leaveFirst is set, in which
// case the current mode is left first. The device call itself runs on the
// worker and reports through a Result.
func (w *Workflow) Enter(monocular, leaveFirst bool) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.InCalibrationMode() {
		if !leaveFirst {
			return errors.WrapInvalid(errors.ErrWrongState, "calibration", "Enter", "already in calibration mode")
		}
		if _, err := w.leaveLocked(false); err != nil {
			return err
		}
	}

	if w.metrics != nil {
		// A previous pool's collectors stay registered until replaced.
		w.metrics.UnregisterComponent("worker_" + poolPrefix)
	}
	var poolOpts []worker.Option[workItem]
	if w.metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[workItem](w.metrics, poolPrefix))
	}
	pool := worker.NewPool(1, w.queueSize, w.process, poolOpts...)
	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		cancel()
		return errors.WrapFatal(err, "calibration", "Enter", "start worker")
	}

	w.mu.Lock()
	w.pool = pool
	w.cancel = cancel
	w.monocular = monocular
	w.state = StateNotYetEntered
	clear(w.points)
	err := w.submitLocked(workItem{action: ActionEnter, monocular: monocular})
	w.mu.Unlock()
	if err != nil {
		_ = w.shutdownPool(pool, cancel)
		w.mu.Lock()
		w.pool, w.cancel = nil, nil
		w.mu.Unlock()
		return err
	}

	w.logger.Info("Entered calibration mode", "monocular", monocular)
	return nil
}

// Leave ends calibration mode. Work already submitted is executed first, then the
// device leaves calibration mode; Leave returns once that is done. With force set
// the device is told to leave calibration mode immediately as well, ignoring
// errors, which recovers a device left in calibration mode by an earlier process.
// issued reports whether a leave work item was queued.
func (w *Workflow) Leave(force bool) (issued bool, err error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.leaveLocked(force)
}

func (w *Workflow) leaveLocked(force bool) (bool, error) {
	if force {
		ctx, cancel := context.WithTimeout(context.Background(), w.leaveTimeout)
		if err := w.cal.LeaveCalibrationMode(ctx); err != nil {
			w.logger.Debug("forced leave ignored error", "error", err)
		}
		cancel()
	}

	w.mu.Lock()
	pool, cancel := w.pool, w.cancel
	if pool == nil {
		w.mu.Unlock()
		return false, nil
	}
	// Steps submitted from here on are refused so the leave item runs last.
	w.leaving = true
	leave := workItem{action: ActionLeave, seq: w.nextSeq}
	w.nextSeq++
	w.pending++
	w.mu.Unlock()

	// The worker takes w.mu while processing, so wait for queue space without it.
	ctx, stop := context.WithTimeout(context.Background(), w.leaveTimeout)
	err := pool.SubmitWait(ctx, leave)
	stop()

	w.mu.Lock()
	if err != nil {
		// Nothing was dropped; the workflow stays in calibration mode.
		w.leaving = false
		w.nextSeq--
		w.pending--
		w.mu.Unlock()
		return false, errors.WrapTransient(err, "calibration", "Leave", "queue leave")
	}
	w.pool, w.cancel, w.leaving = nil, nil, false
	if w.core != nil {
		w.core.RecordCalibrationPending(w.pending)
	}
	w.mu.Unlock()

	if err := w.shutdownPool(pool, cancel); err != nil {
		return true, err
	}
	w.logger.Info("Left calibration mode")
	return true, nil
}

func (w *Workflow) shutdownPool(pool *worker.Pool[workItem], cancel context.CancelFunc) error {
	defer cancel()
	if err := pool.Stop(w.leaveTimeout); err != nil {
		cancel()
		return errors.WrapTransient(err, "calibration", "Leave", "drain work queue")
	}
	return nil
}

// Close leaves calibration mode if needed.
func (w *Workflow) Close() error {
	_, err := w.Leave(false)
	return err
}

// CollectData queues data collection at point. In monocular mode eye must be
// EyeLeft or EyeRight.
func (w *Workflow) CollectData(point sample.Point2D, eye device.Eye) error {
	return w.submitPoint(ActionCollectData, "CollectData", point, eye)
}

// DiscardData queues removal of the data collected at point.
func (w *Workflow) DiscardData(point sample.Point2D, eye device.Eye) error {
	return w.submitPoint(ActionDiscardData, "DiscardData", point, eye)
}

// ComputeAndApply queues computing and applying the calibration.
func (w *Workflow) ComputeAndApply() error {
	return w.submit("ComputeAndApply", workItem{action: ActionComputeAndApply})
}

// GetCalibrationData queues retrieval of the active calibration. The Result
// carries the data.
func (w *Workflow) GetCalibrationData() error {
	return w.submit("GetCalibrationData", workItem{action: ActionGetCalibrationData})
}

// ApplyCalibrationData queues loading a calibration retrieved earlier.
func (w *Workflow) ApplyCalibrationData(data []byte) error {
	if len(data) == 0 {
		return errors.Invalidf(errors.ErrInvalidArgument, "calibration", "ApplyCalibrationData", "calibration data is empty")
	}
	return w.submit("ApplyCalibrationData", workItem{
		action: ActionApplyCalibrationData,
		data:   append([]byte(nil), data...),
	})
}

func (w *Workflow) submitPoint(action Action, method string, point sample.Point2D, eye device.Eye) error {
	if !finite(point.X) || !finite(point.Y) {
		return errors.Invalidf(errors.ErrInvalidArgument, "calibration", method, "point (%v, %v) is not finite", point.X, point.Y)
	}
	if eye < device.EyeBoth || eye > device.EyeRight {
		return errors.Invalidf(errors.ErrInvalidArgument, "calibration", method, "unknown eye %d", int(eye))
	}
	it := workItem{action: action, point: &point}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.acceptingLocked(method); err != nil {
		return err
	}
	if w.monocular {
		if eye == device.EyeBoth {
			return errors.Invalidf(errors.ErrInvalidArgument, "calibration", method, "monocular calibration needs the left or right eye")
		}
		it.eye = &eye
	}
	return w.submitLocked(it)
}

func (w *Workflow) submit(method string, it workItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.acceptingLocked(method); err != nil {
		return err
	}
	return w.submitLocked(it)
}

func (w *Workflow) acceptingLocked(method string) error {
	switch {
	case w.pool == nil:
		return errors.WrapInvalid(errors.ErrWrongState, "calibration", method, "not in calibration mode, call Enter first")
	case w.leaving:
		return errors.WrapInvalid(errors.ErrWrongState, "calibration", method, "leaving calibration mode")
	}
	return nil
}

func (w *Workflow) submitLocked(it workItem) error {
	it.seq = w.nextSeq
	if err := w.pool.Submit(it); err != nil {
		return errors.WrapTransient(err, "calibration", "submit", it.action.String())
	}
	w.nextSeq++
	w.pending++
	if w.core != nil {
		w.core.RecordCalibrationPending(w.pending)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (w *Workflow) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// process runs on the single worker goroutine.
func (w *Workflow) process(ctx context.Context, it workItem) error {
	res := Result{Seq: it.seq, Action: it.action, Point: it.point, Eye: it.eye}
	next := StateAwaitingCalPoint

	var err error
	switch it.action {
	case ActionEnter:
		err = w.cal.EnterCalibrationMode(ctx, it.monocular)
	case ActionCollectData:
		w.setState(StateCollectingData)
		err = w.cal.CollectData(ctx, *it.point, eyeOf(it))
	case ActionDiscardData:
		w.setState(StateDiscardingData)
		err = w.cal.DiscardData(ctx, *it.point, eyeOf(it))
	case ActionComputeAndApply:
		w.setState(StateComputing)
		var cr device.CalibrationResult
		cr, err = w.cal.ComputeAndApply(ctx)
		if err == nil {
			res.Calibration = &cr
		}
	case ActionGetCalibrationData:
		w.setState(StateGettingCalibrationData)
		res.Data, err = w.cal.RetrieveCalibrationData(ctx)
	case ActionApplyCalibrationData:
		w.setState(StateApplyingCalibrationData)
		err = w.cal.ApplyCalibrationData(ctx, it.data)
	case ActionLeave:
		err = w.cal.LeaveCalibrationMode(ctx)
		next = StateLeft
	}

	if err != nil {
		res.Status = StatusFailed
		res.Message = err.Error()
		w.logger.Warn("Calibration step failed", "action", it.action.String(), "error", err)
	}

	w.mu.Lock()
	w.state = next
	if err == nil && it.point != nil {
		switch it.action {
		case ActionCollectData:
			w.points[*it.point] = struct{}{}
		case ActionDiscardData:
			delete(w.points, *it.point)
		}
	}
	w.pending--
	if w.core != nil {
		w.core.RecordCalibrationPending(w.pending)
	}
	w.mu.Unlock()

	w.resMu.Lock()
	w.results = append(w.results, res)
	w.resMu.Unlock()

	if w.core != nil {
		w.core.RecordCalibrationResult(it.action.String(), res.Status.String())
	}
	return err
}

func eyeOf(it workItem) device.Eye {
	if it.eye == nil {
		return device.EyeBoth
	}
	return *it.eye
}

// RetrieveResult returns the oldest unretrieved Result without blocking. ok is
// false if no result is ready. With makeStatusString set, the Result carries a
// human-readable summary.
func (w *Workflow) RetrieveResult(makeStatusString bool) (res Result, ok bool) {
	w.resMu.Lock()
	if len(w.results) == 0 {
		w.resMu.Unlock()
		return Result{}, false
	}
	res = w.results[0]
	w.results[0] = Result{}
	w.results = w.results[1:]
	w.resMu.Unlock()

	if makeStatusString {
		res.StatusString = statusString(res)
	}
	return res, true
}

func statusString(r Result) string {
	if r.OK() {
		return fmt.Sprintf("%s: %s", r.Action, r.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", r.Action, r.Status, r.Message)
}

// Status returns the current progress of the workflow.
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		State:           w.state,
		InMode:          w.pool != nil,
		Monocular:       w.monocular,
		PointsCollected: len(w.points),
		Pending:         w.pending,
	}
}

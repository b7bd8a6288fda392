package capture

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dcnieho/Titta/device/simulated"
	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/pkg/buffer"
	"github.com/dcnieho/Titta/pkg/clock"
	"github.com/dcnieho/Titta/sample"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSession(t *testing.T, cfg Config, devOpts ...simulated.Option) (*Session, *simulated.Device) {
	t.Helper()
	dev := simulated.New(devOpts...)
	// A clock pinned at zero leaves unstamped samples at zero.
	sess, err := NewSession(dev, cfg, WithClock(clock.NewManual(0)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess, dev
}

func pushGaze(dev *simulated.Device, from, to int) {
	for i := from; i < to; i++ {
		dev.Push(sample.Gaze{DeviceTS: int64(i) * 10, SystemTS: int64(i) * 1000})
	}
}

func systemTimes(samples []sample.Sample) []int64 {
	out := make([]int64, len(samples))
	for i, s := range samples {
		out[i] = s.SystemTimeStamp()
	}
	return out
}

func msRange(from, to int) []int64 {
	out := make([]int64, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, int64(i)*1000)
	}
	return out
}

func TestSessionGazeScenario(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())
	require.NoError(t, sess.Start(sample.KindGaze))
	pushGaze(dev, 0, 100)

	consumed, err := sess.ConsumeN(sample.KindGaze, 50, buffer.SideStart)
	require.NoError(t, err)
	assert.Equal(t, msRange(0, 50), systemTimes(consumed))

	rest, err := sess.PeekN(sample.KindGaze, buffer.All, buffer.SideEnd)
	require.NoError(t, err)
	assert.Equal(t, msRange(50, 100), systemTimes(rest))

	require.NoError(t, sess.Clear(sample.KindGaze))
	empty, err := sess.PeekN(sample.KindGaze, buffer.All, buffer.SideEnd)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSessionStartStopIdempotent(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())

	require.NoError(t, sess.Start(sample.KindExtSignal))
	require.NoError(t, sess.Start(sample.KindExtSignal))
	assert.Equal(t, 1, dev.Subscribers(sample.KindExtSignal))
	assert.True(t, sess.IsRecording(sample.KindExtSignal))

	dev.Push(sample.ExtSignal{SystemTS: 5, Value: 1})

	require.NoError(t, sess.Stop(sample.KindExtSignal, false))
	require.NoError(t, sess.Stop(sample.KindExtSignal, false))
	assert.False(t, sess.IsRecording(sample.KindExtSignal))
	assert.Zero(t, dev.Subscribers(sample.KindExtSignal))

	// Stopping keeps the data.
	assert.Equal(t, 1, sess.Len(sample.KindExtSignal))

	// Samples after stop do not arrive.
	dev.Push(sample.ExtSignal{SystemTS: 6, Value: 2})
	assert.Equal(t, 1, sess.Len(sample.KindExtSignal))
}

func TestSessionStopClearsBuffer(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())
	require.NoError(t, sess.Start(sample.KindGaze))
	pushGaze(dev, 0, 10)

	require.NoError(t, sess.Stop(sample.KindGaze, true))
	assert.Zero(t, sess.Len(sample.KindGaze))
}

func TestSessionUnsupportedAndUnknown(t *testing.T) {
	sess, _ := newTestSession(t, DefaultConfig(), simulated.WithKinds(sample.KindGaze))

	assert.True(t, sess.HasStream(sample.KindGaze))
	assert.False(t, sess.HasStream(sample.KindEyeImage))
	assert.False(t, sess.HasStream(sample.Kind(99)))

	err := sess.Start(sample.KindEyeImage)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedStream)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, sess.IsRecording(sample.KindEyeImage))

	err = sess.Start(sample.Kind(99))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownStream)
	assert.True(t, errors.IsInvalid(err))

	_, err = sess.PeekN(sample.Kind(99), 1, buffer.SideEnd)
	assert.ErrorIs(t, err, errors.ErrUnknownStream)

	_, err = sess.SetIncludeEyeOpennessInGaze(true)
	assert.ErrorIs(t, err, errors.ErrUnsupportedStream)
	assert.False(t, sess.IncludeEyeOpennessInGaze())
}

func TestSessionEmptyReadsOnUnstartedStream(t *testing.T) {
	sess, _ := newTestSession(t, DefaultConfig())

	got, err := sess.PeekN(sample.KindTimeSync, 5, buffer.SideEnd)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = sess.ConsumeTimeRange(sample.KindPositioning, buffer.TimeRange{})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = sess.PeekN(sample.KindTimeSync, 0, buffer.SideEnd)
	assert.True(t, errors.IsInvalid(err))
}

func TestSessionTimeRange(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())
	require.NoError(t, sess.Start(sample.KindGaze))
	pushGaze(dev, 0, 20)

	got, err := sess.PeekTimeRange(sample.KindGaze, buffer.Between(5000, 9000))
	require.NoError(t, err)
	assert.Equal(t, msRange(5, 10), systemTimes(got))

	n, err := sess.ClearTimeRange(sample.KindGaze, buffer.Until(4000))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err = sess.ConsumeTimeRange(sample.KindGaze, buffer.Since(15000))
	require.NoError(t, err)
	assert.Equal(t, msRange(15, 20), systemTimes(got))
	assert.Equal(t, 10, sess.Len(sample.KindGaze))
}

func TestSessionStampsUnstampedSamples(t *testing.T) {
	clk := clock.NewManual(42_000)
	dev := simulated.New()
	sess, err := NewSession(dev, DefaultConfig(), WithClock(clk))
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Start(sample.KindNotification))
	dev.Push(sample.Notification{Type: "calibration_mode_entered"})

	got, err := sess.PeekN(sample.KindNotification, 1, buffer.SideEnd)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(42_000), got[0].SystemTimeStamp())
}

func TestSessionDropsOutOfOrderSamples(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())
	require.NoError(t, sess.Start(sample.KindGaze))

	dev.Push(sample.Gaze{SystemTS: 2000})
	dev.Push(sample.Gaze{SystemTS: 1000})
	dev.Push(sample.Gaze{SystemTS: 3000})

	got, err := sess.PeekN(sample.KindGaze, buffer.All, buffer.SideEnd)
	require.NoError(t, err)
	assert.Equal(t, []int64{2000, 3000}, systemTimes(got))

	stats, ok := sess.Stats(sample.KindGaze)
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Rejects)
}

func TestSessionRingBuffer(t *testing.T) {
	cfg := Config{Buffers: map[string]BufferConfig{
		"gaze": {Capacity: "ring", RingSize: 10},
	}}
	sess, dev := newTestSession(t, cfg)
	require.NoError(t, sess.Start(sample.KindGaze))
	pushGaze(dev, 0, 25)

	got, err := sess.PeekN(sample.KindGaze, buffer.All, buffer.SideEnd)
	require.NoError(t, err)
	assert.Equal(t, msRange(15, 25), systemTimes(got))

	stats, _ := sess.Stats(sample.KindGaze)
	assert.Equal(t, int64(15), stats.Drops)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"camel case stream name", Config{Buffers: map[string]BufferConfig{"eyeImage": {InitialCapacity: 4}}}, false},
		{"unknown stream", Config{Buffers: map[string]BufferConfig{"heartbeat": {}}}, true},
		{"ring without size", Config{Buffers: map[string]BufferConfig{"gaze": {Capacity: "ring"}}}, true},
		{"unknown capacity", Config{Buffers: map[string]BufferConfig{"gaze": {Capacity: "elastic"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSessionFusionStartStop(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())

	prev, err := sess.SetIncludeEyeOpennessInGaze(true)
	require.NoError(t, err)
	assert.False(t, prev)

	require.NoError(t, sess.Start(sample.KindGaze))
	assert.True(t, sess.IsRecording(sample.KindGaze))
	assert.True(t, sess.IsRecording(sample.KindEyeOpenness))
	assert.Equal(t, 1, dev.Subscribers(sample.KindEyeOpenness))

	require.NoError(t, sess.Stop(sample.KindGaze, false))
	assert.False(t, sess.IsRecording(sample.KindGaze))
	assert.False(t, sess.IsRecording(sample.KindEyeOpenness))
	assert.Zero(t, dev.Subscribers(sample.KindEyeOpenness))
}

func TestSessionFusionStartViaEyeOpenness(t *testing.T) {
	sess, _ := newTestSession(t, Config{IncludeEyeOpennessInGaze: true})

	require.NoError(t, sess.Start(sample.KindEyeOpenness))
	assert.True(t, sess.IsRecording(sample.KindGaze))

	require.NoError(t, sess.Stop(sample.KindEyeOpenness, false))
	assert.False(t, sess.IsRecording(sample.KindGaze))
}

func TestSessionNoFusionLeavesEyeOpenness(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())

	require.NoError(t, sess.Start(sample.KindEyeOpenness))
	require.NoError(t, sess.Start(sample.KindGaze))
	require.NoError(t, sess.Stop(sample.KindGaze, false))

	assert.False(t, sess.IsRecording(sample.KindGaze))
	assert.True(t, sess.IsRecording(sample.KindEyeOpenness))

	dev.Push(sample.EyeOpenness{DeviceTS: 1, SystemTS: 1})
	assert.Equal(t, 1, sess.Len(sample.KindEyeOpenness))
	assert.Zero(t, sess.Len(sample.KindGaze))
}

func TestSessionFusionMergesIntoGazeBuffer(t *testing.T) {
	sess, dev := newTestSession(t, Config{IncludeEyeOpennessInGaze: true})
	require.NoError(t, sess.Start(sample.KindGaze))

	dev.Push(gazeAt(10, 1000))
	dev.Push(opennessAt(10, 1001))
	dev.Push(opennessAt(20, 2000))
	dev.Push(gazeAt(20, 2001))
	dev.Push(gazeAt(30, 3000))

	// The sample at device time 30 is still waiting for its eye openness.
	got, err := sess.PeekN(sample.KindGaze, buffer.All, buffer.SideEnd)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, s := range got {
		g := s.(sample.Gaze)
		assert.True(t, g.Left.Pupil.Valid)
		assert.True(t, g.Left.EyeOpenness.Valid)
	}
	assert.Zero(t, sess.Len(sample.KindEyeOpenness))

	require.NoError(t, sess.Stop(sample.KindGaze, false))
	assert.Equal(t, 3, sess.Len(sample.KindGaze))
}

func TestSessionToggleAppliesOnNextStart(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())
	require.NoError(t, sess.Start(sample.KindGaze))

	_, err := sess.SetIncludeEyeOpennessInGaze(true)
	require.NoError(t, err)
	assert.False(t, sess.IsRecording(sample.KindEyeOpenness))
	assert.Zero(t, dev.Subscribers(sample.KindEyeOpenness))

	// Starting gaze again establishes fusion.
	require.NoError(t, sess.Start(sample.KindGaze))
	assert.True(t, sess.IsRecording(sample.KindEyeOpenness))

	prev, err := sess.SetIncludeEyeOpennessInGaze(false)
	require.NoError(t, err)
	assert.True(t, prev)

	// The running pair stays fused until stopped.
	require.NoError(t, sess.Stop(sample.KindGaze, false))
	assert.False(t, sess.IsRecording(sample.KindEyeOpenness))
}

func TestSessionFusionReplacesStandaloneEyeOpenness(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())
	require.NoError(t, sess.Start(sample.KindEyeOpenness))

	_, err := sess.SetIncludeEyeOpennessInGaze(true)
	require.NoError(t, err)
	require.NoError(t, sess.Start(sample.KindGaze))
	assert.Equal(t, 1, dev.Subscribers(sample.KindEyeOpenness))

	dev.Push(opennessAt(10, 1000))
	dev.Push(gazeAt(10, 1000))
	assert.Zero(t, sess.Len(sample.KindEyeOpenness))
	assert.Equal(t, 1, sess.Len(sample.KindGaze))
}

func TestSessionConcurrentConsumers(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())
	require.NoError(t, sess.Start(sample.KindGaze))

	const total = 2000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pushGaze(dev, 0, total)
	}()

	var mu sync.Mutex
	seen := make(map[int64]int)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				got, err := sess.ConsumeN(sample.KindGaze, 7, buffer.SideStart)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				for _, s := range got {
					seen[s.SystemTimeStamp()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	rest, err := sess.ConsumeN(sample.KindGaze, buffer.All, buffer.SideStart)
	require.NoError(t, err)
	for _, s := range rest {
		seen[s.SystemTimeStamp()]++
	}
	assert.Len(t, seen, total)
	for ts, n := range seen {
		assert.Equal(t, 1, n, "sample %d consumed %d times", ts, n)
	}
}

func TestSessionMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	dev := simulated.New()
	sess, err := NewSession(dev, DefaultConfig(), WithMetrics(reg), WithName("session_a"))
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Start(sample.KindGaze))
	pushGaze(dev, 0, 3)

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["titta_capture_samples_total"])
	assert.True(t, names["titta_buffer_appends_total"])
}

func TestSessionClosed(t *testing.T) {
	sess, dev := newTestSession(t, DefaultConfig())
	require.NoError(t, sess.Start(sample.KindGaze))
	require.NoError(t, sess.Close())
	assert.Zero(t, dev.Subscribers(sample.KindGaze))

	err := sess.Start(sample.KindGaze)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/pkg/buffer"
	"github.com/dcnieho/Titta/pkg/clock"
	"github.com/dcnieho/Titta/sample"
)

const extSource = "TittaRelay:Tobii_external_signal@REMOTE"

func advertiseExtSignal(t *testing.T, tr Transport) ChannelInfo {
	t.Helper()
	schema, err := sample.SchemaFor(sample.KindExtSignal, false)
	require.NoError(t, err)
	info := ChannelInfo{
		SourceID:  extSource,
		SessionID: "s1",
		Name:      ChannelName(sample.KindExtSignal),
		Type:      ChannelType(sample.KindExtSignal),
		Schema:    schema,
	}
	require.NoError(t, tr.Advertise(context.Background(), info))
	return info
}

func extFrames(t *testing.T, schema sample.Schema, systemTimes ...int64) []sample.Frame {
	t.Helper()
	frames := make([]sample.Frame, 0, len(systemTimes))
	for _, ts := range systemTimes {
		f, err := schema.Encode(sample.ExtSignal{DeviceTS: ts, SystemTS: ts, Value: 1})
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func newRegistry(t *testing.T, opts ...RegistryOption) (*ListenerRegistry, *MemoryTransport) {
	t.Helper()
	tr := NewMemoryTransport(0)
	r, err := NewListenerRegistry(tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, tr
}

func TestDiscoverFiltersByKind(t *testing.T) {
	r, tr := newRegistry(t)
	ctx := context.Background()
	advertiseExtSignal(t, tr)

	gaze, err := sample.SchemaFor(sample.KindGaze, false)
	require.NoError(t, err)
	require.NoError(t, tr.Advertise(ctx, ChannelInfo{SourceID: SourceID(sample.KindGaze, "REMOTE"), Schema: gaze}))

	all, err := r.Discover(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyGaze, err := r.Discover(ctx, sample.KindGaze)
	require.NoError(t, err)
	require.Len(t, onlyGaze, 1)
	assert.Equal(t, sample.KindGaze, onlyGaze[0].Kind())

	none, err := r.Discover(ctx, sample.KindPositioning)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreateListenerUnknownSource(t *testing.T) {
	r, _ := newRegistry(t)

	id, err := r.CreateListener(context.Background(), "TittaRelay:Tobii_gaze@NOBODY")
	require.Error(t, err)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, errors.ErrSourceNotFound)
	assert.True(t, errors.IsTransient(err))
	assert.Empty(t, r.Listeners())
}

func TestCreateListenerDuplicate(t *testing.T) {
	r, tr := newRegistry(t)
	advertiseExtSignal(t, tr)
	ctx := context.Background()

	id, err := r.CreateListener(ctx, extSource)
	require.NoError(t, err)

	again, err := r.CreateListener(ctx, extSource)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, id, again)
	assert.Contains(t, err.Error(), id)
	assert.Len(t, r.Listeners(), 1)
}

func TestCreateListenerInvalidSizes(t *testing.T) {
	r, tr := newRegistry(t)
	advertiseExtSignal(t, tr)

	_, err := r.CreateListener(context.Background(), extSource, WithRingSize(-1))
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	assert.Empty(t, r.Listeners())
}

func TestListenerLifecycle(t *testing.T) {
	r, tr := newRegistry(t)
	info := advertiseExtSignal(t, tr)
	ctx := context.Background()

	id, err := r.CreateListener(ctx, extSource)
	require.NoError(t, err)
	assert.False(t, r.IsListening(id))
	assert.Zero(t, tr.Subscribers(extSource))

	require.NoError(t, r.StartListening(ctx, id))
	require.NoError(t, r.StartListening(ctx, id))
	assert.True(t, r.IsListening(id))
	assert.Equal(t, 1, tr.Subscribers(extSource))

	require.NoError(t, tr.Publish(ctx, Packet{SourceID: extSource, SessionID: "s1", Frames: extFrames(t, info.Schema, 1, 2, 3)}))
	require.Eventually(t, func() bool { return r.Len(id) == 3 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, r.StopListening(id))
	require.NoError(t, r.StopListening(id))
	assert.False(t, r.IsListening(id))
	assert.Zero(t, tr.Subscribers(extSource))
	assert.Equal(t, 3, r.Len(id), "stopping keeps the buffer")

	require.NoError(t, r.StartListening(ctx, id))
	require.NoError(t, r.DeleteListener(id))
	assert.Zero(t, tr.Subscribers(extSource))
	assert.False(t, r.IsListening(id))
	assert.Zero(t, r.Len(id))

	err = r.DeleteListener(id)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.True(t, errors.IsInvalid(err))

	_, err = r.PeekN(id, 1, buffer.SideEnd)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	err = r.StartListening(ctx, id)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// The source can be listened to again through a new listener.
	newID, err := r.CreateListener(ctx, extSource)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
}

func TestStartAfterDeleteIsRefused(t *testing.T) {
	r, tr := newRegistry(t)
	advertiseExtSignal(t, tr)
	ctx := context.Background()

	id, err := r.CreateListener(ctx, extSource)
	require.NoError(t, err)

	// StartListening resolves the listener before starting it; a delete may land in between.
	l, err := r.get(id, "StartListening")
	require.NoError(t, err)
	require.NoError(t, r.DeleteListener(id))

	err = l.start(ctx, tr)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, l.listening())
	assert.Zero(t, tr.Subscribers(extSource))
}

func TestConcurrentStartAndDelete(t *testing.T) {
	r, tr := newRegistry(t)
	advertiseExtSignal(t, tr)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		id, err := r.CreateListener(ctx, extSource)
		require.NoError(t, err)

		started := make(chan struct{})
		go func() {
			defer close(started)
			_ = r.StartListening(ctx, id)
		}()
		require.NoError(t, r.DeleteListener(id))
		<-started

		assert.Zero(t, tr.Subscribers(extSource), "iteration %d", i)
	}
}

func TestInletInfoAndType(t *testing.T) {
	r, tr := newRegistry(t)
	info := advertiseExtSignal(t, tr)

	id, err := r.CreateListener(context.Background(), extSource)
	require.NoError(t, err)

	got, err := r.GetInletInfo(id)
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Equal(t, sample.FormatInt64, got.Format())
	assert.Equal(t, 2, got.ChannelCount())

	kind, err := r.GetInletType(id)
	require.NoError(t, err)
	assert.Equal(t, sample.KindExtSignal, kind)

	_, err = r.GetInletType("missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestListenerLocalAndRemoteTime(t *testing.T) {
	clk := clock.NewManual(1_000_000)
	r, tr := newRegistry(t, WithRegistryClock(clk))
	info := advertiseExtSignal(t, tr)
	ctx := context.Background()

	id, err := r.CreateListener(ctx, extSource, WithStartListening(), WithInitialCapacity(16))
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, Packet{SourceID: extSource, SessionID: "s1", Seq: 0, Frames: extFrames(t, info.Schema, 10, 20)}))
	require.Eventually(t, func() bool { return r.Len(id) == 2 }, 5*time.Second, 5*time.Millisecond)

	clk.Set(2_000_000)
	require.NoError(t, tr.Publish(ctx, Packet{SourceID: extSource, SessionID: "s1", Seq: 1, Frames: extFrames(t, info.Schema, 30)}))
	require.Eventually(t, func() bool { return r.Len(id) == 3 }, 5*time.Second, 5*time.Millisecond)

	remote, err := r.PeekTimeRange(id, buffer.Between(15, 30), false)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 30}, remoteTimes(remote))

	local, err := r.PeekTimeRange(id, buffer.Until(1_500_000), true)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, remoteTimes(local))
	assert.Equal(t, int64(1_000_000), local[0].LocalSystemTimeStamp)

	n, err := r.ClearTimeRange(id, buffer.Since(2_000_000), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	consumed, err := r.ConsumeTimeRange(id, buffer.Until(10), false)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, remoteTimes(consumed))

	rest, err := r.ConsumeN(id, buffer.All, buffer.SideStart)
	require.NoError(t, err)
	assert.Equal(t, []int64{20}, remoteTimes(rest))
	require.NoError(t, r.Clear(id))
	assert.Zero(t, r.Len(id))
}

func TestListenerCountsLostAndRejected(t *testing.T) {
	r, tr := newRegistry(t)
	info := advertiseExtSignal(t, tr)
	ctx := context.Background()

	id, err := r.CreateListener(ctx, extSource, WithStartListening())
	require.NoError(t, err)

	bad := sample.Frame{SystemTS: 5, Ints: []int64{1}}
	packets := []Packet{
		{SourceID: extSource, SessionID: "s1", Seq: 4, Frames: extFrames(t, info.Schema, 1)},
		{SourceID: extSource, SessionID: "s1", Seq: 7, Frames: append(extFrames(t, info.Schema, 2), bad)},
		// A restarted outlet begins a new sequence.
		{SourceID: extSource, SessionID: "s2", Seq: 0, Frames: extFrames(t, info.Schema, 3)},
		// Time going backwards is rejected by the buffer.
		{SourceID: extSource, SessionID: "s2", Seq: 1, Frames: extFrames(t, info.Schema, 0)},
	}
	for _, p := range packets {
		require.NoError(t, tr.Publish(ctx, p))
	}

	require.Eventually(t, func() bool {
		s, err := r.Stats(id)
		return err == nil && s.Packets == 4
	}, 5*time.Second, 5*time.Millisecond)

	stats, err := r.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Samples)
	assert.Equal(t, uint64(2), stats.Lost)
	assert.Equal(t, uint64(2), stats.Rejected)
	assert.Equal(t, 3, stats.Buffered)
}

func TestListenerRingBuffer(t *testing.T) {
	r, tr := newRegistry(t)
	info := advertiseExtSignal(t, tr)
	ctx := context.Background()

	id, err := r.CreateListener(ctx, extSource, WithStartListening(), WithRingSize(2))
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, Packet{SourceID: extSource, SessionID: "s1", Frames: extFrames(t, info.Schema, 1, 2, 3, 4)}))

	require.Eventually(t, func() bool {
		s, _ := r.Stats(id)
		return s.Samples == 4
	}, 5*time.Second, 5*time.Millisecond)

	got, err := r.PeekN(id, buffer.All, buffer.SideEnd)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, remoteTimes(got))
}

func TestRegistryClose(t *testing.T) {
	r, tr := newRegistry(t)
	advertiseExtSignal(t, tr)
	ctx := context.Background()

	id, err := r.CreateListener(ctx, extSource, WithStartListening())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	assert.Empty(t, r.Listeners())
	assert.False(t, r.IsListening(id))
	assert.Zero(t, tr.Subscribers(extSource))
}

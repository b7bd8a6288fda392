package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/metric"
)

type testSample struct {
	id    int
	ts    int64
	local int64
}

func (s testSample) SystemTimeStamp() int64 { return s.ts }

func newTestBuffer(t *testing.T, options ...Option[testSample]) *Buffer[testSample] {
	t.Helper()
	buf, err := New[testSample](options...)
	require.NoError(t, err)
	return buf
}

func fill(t *testing.T, buf *Buffer[testSample], n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, buf.Append(testSample{id: i, ts: int64(i) * 1000}))
	}
}

func ids(samples []testSample) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = s.id
	}
	return out
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestConsumePeekClearScenario(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 100)

	consumed, err := buf.ConsumeN(50, SideStart)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 50), ids(consumed))

	rest, err := buf.PeekN(All, SideEnd)
	require.NoError(t, err)
	assert.Equal(t, seq(50, 100), ids(rest))

	buf.Clear()
	empty, err := buf.PeekN(All, SideEnd)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, uint64(100), buf.Produced())
	assert.Equal(t, uint64(100), buf.OldestIndex())
}

func TestCountValidation(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 3)

	for _, n := range []int{0, -1, -100} {
		_, err := buf.PeekN(n, SideEnd)
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))

		_, err = buf.ConsumeN(n, SideStart)
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	}

	assert.Equal(t, 3, buf.Len(), "invalid calls must not change buffer state")
}

func TestPeekNSides(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 10)

	newest, err := buf.PeekN(3, SideEnd)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8, 9}, ids(newest), "results stay in arrival order")

	oldest, err := buf.PeekN(3, SideStart)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids(oldest))

	more, err := buf.PeekN(50, SideStart)
	require.NoError(t, err)
	assert.Len(t, more, 10)

	again, err := buf.PeekN(3, SideEnd)
	require.NoError(t, err)
	assert.Equal(t, newest, again, "peek is idempotent")
}

func TestConsumeNFromEnd(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 10)

	tail, err := buf.ConsumeN(4, SideEnd)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 7, 8, 9}, ids(tail))

	rest, err := buf.PeekN(All, SideStart)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 6), ids(rest))
}

func TestConsumeThenPeekIsEmpty(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 20)

	_, err := buf.ConsumeN(All, SideStart)
	require.NoError(t, err)

	got, err := buf.PeekN(All, SideEnd)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = buf.ConsumeN(5, SideStart)
	require.NoError(t, err)
	assert.Empty(t, got, "empty result is not an error")
}

func TestTimeRange(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 10) // ts 0, 1000, ..., 9000

	tests := []struct {
		name string
		r    TimeRange
		want []int
	}{
		{"everything", TimeRange{}, seq(0, 10)},
		{"inclusive bounds", Between(2000, 5000), []int{2, 3, 4, 5}},
		{"between samples", Between(2500, 5500), []int{3, 4, 5}},
		{"since", Since(8000), []int{8, 9}},
		{"until", Until(1000), []int{0, 1}},
		{"single point", Between(4000, 4000), []int{4}},
		{"before all", Between(-5000, -1), []int{}},
		{"after all", Since(9001), []int{}},
		{"gap", Between(4001, 4999), []int{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := buf.PeekTimeRange(tc.r)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(got))
		})
	}

	_, err := buf.PeekTimeRange(Between(5, 4))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestTimeRangeEmptyBuffer(t *testing.T) {
	buf := newTestBuffer(t)

	got, err := buf.PeekTimeRange(Between(0, 100))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = buf.ConsumeTimeRange(TimeRange{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTimeRangeTies(t *testing.T) {
	buf := newTestBuffer(t)
	for i, ts := range []int64{10, 20, 20, 20, 30} {
		require.NoError(t, buf.Append(testSample{id: i, ts: ts}))
	}

	got, err := buf.PeekTimeRange(Between(20, 20))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids(got))
}

func TestConsumeTimeRangeMiddle(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 10)

	mid, err := buf.ConsumeTimeRange(Between(3000, 6000))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5, 6}, ids(mid))

	again, err := buf.ConsumeTimeRange(Between(3000, 6000))
	require.NoError(t, err)
	assert.Empty(t, again, "consumed samples are never re-delivered")

	rest, err := buf.PeekN(All, SideStart)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 7, 8, 9}, ids(rest))
	assert.Equal(t, uint64(0), buf.OldestIndex())
}

func TestClearTimeRange(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 10)

	n, err := buf.ClearTimeRange(Until(4000))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, uint64(5), buf.OldestIndex())

	n, err = buf.ClearTimeRange(Between(100000, 200000))
	require.NoError(t, err)
	assert.Zero(t, n)

	rest, err := buf.PeekN(All, SideStart)
	require.NoError(t, err)
	assert.Equal(t, seq(5, 10), ids(rest))
	assert.Equal(t, int64(5), buf.Stats().Cleared())
}

func TestAlternativeKey(t *testing.T) {
	buf := newTestBuffer(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Append(testSample{id: i, ts: int64(i), local: 100 + int64(i)*10}))
	}
	local := func(s testSample) int64 { return s.local }

	got, err := buf.PeekTimeRangeBy(local, Between(110, 130))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids(got))

	got, err = buf.ConsumeTimeRangeBy(local, Since(130))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, ids(got))

	n, err := buf.ClearTimeRangeBy(local, Until(100))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, buf.Len())
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	buf := newTestBuffer(t)
	require.NoError(t, buf.Append(testSample{id: 0, ts: 100}))

	err := buf.Append(testSample{id: 1, ts: 99})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 1, buf.Len())
	assert.Equal(t, int64(1), buf.Stats().Rejects())

	buf.Clear()
	require.Error(t, buf.Append(testSample{id: 2, ts: 50}), "ordering survives a clear")
	require.NoError(t, buf.Append(testSample{id: 3, ts: 100}))
}

func TestDropOldest(t *testing.T) {
	var mu sync.Mutex
	var dropped []int
	buf := newTestBuffer(t,
		WithCapacityPolicy[testSample](DropOldest, 5),
		WithDropCallback[testSample](func(s testSample) {
			mu.Lock()
			dropped = append(dropped, s.id)
			mu.Unlock()
		}),
	)
	assert.Equal(t, 5, buf.Capacity())

	fill(t, buf, 8)

	got, err := buf.PeekN(All, SideStart)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5, 6, 7}, ids(got))
	assert.Equal(t, []int{0, 1, 2}, dropped)
	assert.Equal(t, int64(3), buf.Stats().Drops())
	assert.Equal(t, uint64(3), buf.OldestIndex())
	assert.InDelta(t, 3.0/8.0, buf.Stats().DropRate(), 1e-9)
}

func TestPeekFrom(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 10)

	items, next, missed := buf.PeekFrom(0, 4)
	assert.Equal(t, []int{0, 1, 2, 3}, ids(items))
	assert.Equal(t, uint64(4), next)
	assert.Zero(t, missed)

	// A client consumes part of what the follower has not seen yet.
	_, err := buf.ConsumeN(6, SideStart)
	require.NoError(t, err)

	items, next, missed = buf.PeekFrom(next, 0)
	assert.Equal(t, []int{6, 7, 8, 9}, ids(items))
	assert.Equal(t, uint64(10), next)
	assert.Equal(t, uint64(2), missed)

	items, next, missed = buf.PeekFrom(next, 0)
	assert.Empty(t, items)
	assert.Equal(t, uint64(10), next)
	assert.Zero(t, missed)

	buf.Clear()
	fill2 := testSample{id: 10, ts: 10000}
	require.NoError(t, buf.Append(fill2))
	require.NoError(t, buf.Append(testSample{id: 11, ts: 11000}))
	_, err = buf.ConsumeN(All, SideStart)
	require.NoError(t, err)

	items, next, missed = buf.PeekFrom(10, 0)
	assert.Empty(t, items)
	assert.Equal(t, uint64(12), next)
	assert.Equal(t, uint64(2), missed)
}

func TestChangedSignalsAppend(t *testing.T) {
	buf := newTestBuffer(t)
	ch := buf.Changed()

	select {
	case <-ch:
		t.Fatal("changed fired before append")
	default:
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = buf.Append(testSample{id: 1, ts: 1})
	}()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("changed did not fire")
	}
}

func TestCompaction(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 5000)

	for i := 0; i < 30; i++ {
		_, err := buf.ConsumeN(100, SideStart)
		require.NoError(t, err)
	}
	for i := 5000; i < 6000; i++ {
		require.NoError(t, buf.Append(testSample{id: i, ts: int64(i) * 1000}))
	}

	got, err := buf.PeekN(All, SideStart)
	require.NoError(t, err)
	assert.Equal(t, seq(3000, 6000), ids(got))

	window, err := buf.PeekTimeRange(Between(3000000, 3002000))
	require.NoError(t, err)
	assert.Equal(t, []int{3000, 3001, 3002}, ids(window))
	assert.Equal(t, uint64(3000), buf.OldestIndex())
}

func TestConcurrentConsumersNeverShareSamples(t *testing.T) {
	const total = 20000
	buf := newTestBuffer(t)

	var producerDone sync.WaitGroup
	producerDone.Add(1)
	go func() {
		defer producerDone.Done()
		for i := 0; i < total; i++ {
			_ = buf.Append(testSample{id: i, ts: int64(i)})
		}
	}()

	done := make(chan struct{})
	results := make([][]int, 4)
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func(r int) {
			defer readers.Done()
			for {
				got, err := buf.ConsumeN(7, SideStart)
				if err != nil {
					return
				}
				results[r] = append(results[r], ids(got)...)
				_, _ = buf.PeekTimeRange(TimeRange{})
				if len(got) == 0 {
					select {
					case <-done:
						if buf.Len() == 0 {
							return
						}
					default:
					}
				}
			}
		}(r)
	}

	producerDone.Wait()
	close(done)
	readers.Wait()

	seen := make(map[int]int, total)
	for _, r := range results {
		for _, id := range r {
			seen[id]++
		}
	}
	assert.Len(t, seen, total)
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("sample %d consumed %d times", id, n)
		}
	}
}

func TestBufferMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	buf := newTestBuffer(t, WithMetrics[testSample](registry, "gaze"))
	fill(t, buf, 4)
	_, err := buf.ConsumeN(1, SideStart)
	require.NoError(t, err)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 4.0, values["titta_buffer_appends_total"])
	assert.Equal(t, 1.0, values["titta_buffer_consumed_total"])
	assert.Equal(t, 3.0, values["titta_buffer_size"])

	_, err = New[testSample](WithMetrics[testSample](registry, "gaze"))
	require.Error(t, err, "duplicate metric registration is reported")
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"start": SideStart, "first": SideStart, "end": SideEnd, "last": SideEnd} {
		got, err := ParseSide(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSide("middle")
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, "end", SideEnd.String())
	assert.Equal(t, "drop_oldest", DropOldest.String())
}

func TestStatisticsSummary(t *testing.T) {
	buf := newTestBuffer(t)
	fill(t, buf, 3)
	_, _ = buf.PeekN(1, SideEnd)
	_, _ = buf.ConsumeN(2, SideStart)

	s := buf.Stats().Summary()
	assert.Equal(t, int64(3), s.Appends)
	assert.Equal(t, int64(1), s.Peeks)
	assert.Equal(t, int64(2), s.Consumed)
	assert.Equal(t, int64(1), s.CurrentSize)
	assert.Equal(t, int64(3), s.MaxSize)
}

package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dcnieho/Titta/sample"
)

type collected struct{ out []sample.Gaze }

func (c *collected) emit(g sample.Gaze) { c.out = append(c.out, g) }

func gazeAt(dts, sts int64) sample.Gaze {
	g := sample.Gaze{DeviceTS: dts, SystemTS: sts}
	g.Left.Pupil = sample.PupilData{Diameter: 3, Valid: true, Available: true}
	return g
}

func opennessAt(dts, sts int64) sample.EyeOpenness {
	return sample.EyeOpenness{
		DeviceTS: dts,
		SystemTS: sts,
		Left:     sample.EyeOpennessData{Diameter: 11, Valid: true, Available: true},
		Right:    sample.EyeOpennessData{Diameter: 12, Valid: true, Available: true},
	}
}

func TestFuserMergesOnDeviceTimestamp(t *testing.T) {
	c := &collected{}
	f := newFuser(c.emit)

	f.addGaze(gazeAt(100, 1000))
	assert.Empty(t, c.out)
	assert.Equal(t, 1, f.pending())

	f.addOpenness(opennessAt(100, 1001))
	if assert.Len(t, c.out, 1) {
		got := c.out[0]
		assert.Equal(t, int64(100), got.DeviceTS)
		assert.Equal(t, int64(1000), got.SystemTS)
		assert.True(t, got.Left.Pupil.Valid)
		assert.Equal(t, 11.0, got.Left.EyeOpenness.Diameter)
		assert.Equal(t, 12.0, got.Right.EyeOpenness.Diameter)
	}
	assert.Zero(t, f.pending())
}

func TestFuserOpennessFirst(t *testing.T) {
	c := &collected{}
	f := newFuser(c.emit)

	f.addOpenness(opennessAt(100, 1000))
	f.addGaze(gazeAt(100, 1001))

	if assert.Len(t, c.out, 1) {
		assert.True(t, c.out[0].Left.Pupil.Valid)
		assert.True(t, c.out[0].Left.EyeOpenness.Available)
		assert.Equal(t, int64(1001), c.out[0].SystemTS)
	}
}

func TestFuserEmitsUnmatchedOpenness(t *testing.T) {
	c := &collected{}
	f := newFuser(c.emit)

	f.addOpenness(opennessAt(100, 1000))
	// A newer gaze sample proves the gaze for device time 100 is not coming.
	f.addGaze(gazeAt(200, 2000))

	if assert.Len(t, c.out, 1) {
		assert.Equal(t, int64(100), c.out[0].DeviceTS)
		assert.False(t, c.out[0].Left.Pupil.Available)
		assert.True(t, c.out[0].Left.EyeOpenness.Valid)
	}
	assert.Equal(t, 1, f.pending())
}

func TestFuserEmitsUnmatchedGaze(t *testing.T) {
	c := &collected{}
	f := newFuser(c.emit)

	f.addGaze(gazeAt(100, 1000))
	f.addOpenness(opennessAt(200, 2000))

	if assert.Len(t, c.out, 1) {
		assert.Equal(t, int64(100), c.out[0].DeviceTS)
		assert.False(t, c.out[0].Left.EyeOpenness.Available)
	}
}

func TestFuserFlushKeepsSystemTimeOrder(t *testing.T) {
	c := &collected{}
	f := newFuser(c.emit)

	f.addGaze(gazeAt(100, 1000))
	f.addGaze(gazeAt(200, 900))
	f.flush()

	if assert.Len(t, c.out, 2) {
		assert.Equal(t, int64(1000), c.out[0].SystemTS)
		assert.Equal(t, int64(1000), c.out[1].SystemTS)
	}
	assert.Zero(t, f.pending())
}

package capture

import (
	"sync"

	"github.com/dcnieho/Titta/sample"
)

type staged struct {
	gaze        sample.Gaze
	hasGaze     bool
	hasOpenness bool
}

// fuser merges gaze and eye openness samples that share a device timestamp into
// one gaze sample. Both device callbacks feed it concurrently.
//
// A staged sample is emitted when its partner arrives, or when a newer sample of
// the partner's kind arrives and proves the partner is never coming. Emission
// happens under the fuser lock so output order matches merge order.
type fuser struct {
	mu     sync.Mutex
	staged []staged
	lastTS int64
	emit   func(sample.Gaze)
}

func newFuser(emit func(sample.Gaze)) *fuser {
	return &fuser{emit: emit}
}

func (f *fuser) addGaze(g sample.Gaze) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.staged[:0]
	matched := false
	for i := range f.staged {
		st := f.staged[i]
		switch {
		case !matched && st.gaze.DeviceTS == g.DeviceTS && !st.hasGaze:
			matched = true
			f.out(sample.WithEyeOpenness(g, sample.EyeOpenness{
				Left:  st.gaze.Left.EyeOpenness,
				Right: st.gaze.Right.EyeOpenness,
			}))
		case st.hasOpenness && !st.hasGaze && st.gaze.DeviceTS < g.DeviceTS:
			f.out(st.gaze)
		default:
			kept = append(kept, st)
		}
	}
	clear(f.staged[len(kept):])
	f.staged = kept

	if !matched {
		f.staged = append(f.staged, staged{gaze: g, hasGaze: true})
	}
}

func (f *fuser) addOpenness(o sample.EyeOpenness) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.staged[:0]
	matched := false
	for i := range f.staged {
		st := f.staged[i]
		switch {
		case !matched && st.gaze.DeviceTS == o.DeviceTS && !st.hasOpenness:
			matched = true
			f.out(sample.WithEyeOpenness(st.gaze, o))
		case st.hasGaze && !st.hasOpenness && st.gaze.DeviceTS < o.DeviceTS:
			f.out(st.gaze)
		default:
			kept = append(kept, st)
		}
	}
	clear(f.staged[len(kept):])
	f.staged = kept

	if !matched {
		f.staged = append(f.staged, staged{gaze: sample.GazeFromEyeOpenness(o), hasOpenness: true})
	}
}

// flush emits everything still staged, in arrival order.
func (f *fuser) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.staged {
		f.out(st.gaze)
	}
	clear(f.staged)
	f.staged = f.staged[:0]
}

func (f *fuser) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.staged)
}

// out keeps system timestamps non-decreasing across merged output.
func (f *fuser) out(g sample.Gaze) {
	if g.SystemTS < f.lastTS {
		g.SystemTS = f.lastTS
	}
	f.lastTS = g.SystemTS
	f.emit(g)
}

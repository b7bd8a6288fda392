package sample

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dcnieho/Titta/errors"
)

// SchemaVersion is bumped whenever a channel layout below changes.
const SchemaVersion = 1

// ChannelFormat is the value type of every channel in a schema.
type ChannelFormat string

const (
	FormatFloat64 ChannelFormat = "float64"
	FormatInt64   ChannelFormat = "int64"
)

// Schema is the fixed channel layout used to put one stream kind on the wire.
type Schema struct {
	Kind     Kind          `json:"kind"`
	Version  int           `json:"version"`
	Format   ChannelFormat `json:"format"`
	Channels []string      `json:"channels"`
	// EyeOpenness reports whether gaze channels include eye openness.
	EyeOpenness bool `json:"eye_openness,omitempty"`
}

// Frame is one encoded sample. Timestamps travel outside the channel values so
// they keep full integer precision.
type Frame struct {
	DeviceTS int64   `json:"d"`
	SystemTS int64   `json:"s"`
	Floats   Values  `json:"f,omitempty"`
	Ints     []int64 `json:"i,omitempty"`
}

// Values holds float channel values. Non-finite values travel as JSON null and
// decode as NaN.
type Values []float64

func (v Values) MarshalJSON() ([]byte, error) {
	out := make([]*float64, len(v))
	for i := range v {
		if !math.IsNaN(v[i]) && !math.IsInf(v[i], 0) {
			out[i] = &v[i]
		}
	}
	return json.Marshal(out)
}

func (v *Values) UnmarshalJSON(b []byte) error {
	var in []*float64
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in == nil {
		*v = nil
		return nil
	}
	out := make(Values, len(in))
	for i, x := range in {
		if x == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *x
		}
	}
	*v = out
	return nil
}

// Relayable reports whether kind can be put on the wire. Eye images and
// notifications are local only; eye openness travels inside gaze.
func Relayable(kind Kind) bool {
	switch kind {
	case KindGaze, KindExtSignal, KindTimeSync, KindPositioning:
		return true
	default:
		return false
	}
}

// SchemaFor returns the channel layout for kind. includeEyeOpenness only affects gaze.
func SchemaFor(kind Kind, includeEyeOpenness bool) (Schema, error) {
	s := Schema{Kind: kind, Version: SchemaVersion}
	switch kind {
	case KindGaze:
		s.Format = FormatFloat64
		s.EyeOpenness = includeEyeOpenness
		for _, eye := range []string{"left", "right"} {
			s.Channels = append(s.Channels,
				eye+"_gaze_point_on_display_area_x",
				eye+"_gaze_point_on_display_area_y",
				eye+"_gaze_point_in_user_coordinates_x",
				eye+"_gaze_point_in_user_coordinates_y",
				eye+"_gaze_point_in_user_coordinates_z",
				eye+"_gaze_point_validity",
				eye+"_pupil_diameter",
				eye+"_pupil_validity",
				eye+"_gaze_origin_in_user_coordinates_x",
				eye+"_gaze_origin_in_user_coordinates_y",
				eye+"_gaze_origin_in_user_coordinates_z",
				eye+"_gaze_origin_validity",
			)
			if includeEyeOpenness {
				s.Channels = append(s.Channels, eye+"_eye_openness_diameter", eye+"_eye_openness_validity")
			}
		}
	case KindExtSignal:
		s.Format = FormatInt64
		s.Channels = []string{"value", "change_type"}
	case KindTimeSync:
		s.Format = FormatInt64
		s.Channels = []string{"system_response_time_stamp"}
	case KindPositioning:
		s.Format = FormatFloat64
		for _, eye := range []string{"left", "right"} {
			s.Channels = append(s.Channels,
				eye+"_user_position_x", eye+"_user_position_y", eye+"_user_position_z", eye+"_user_position_validity")
		}
	default:
		return Schema{}, errors.WrapInvalid(
			fmt.Errorf("%s: %w", kind, errors.ErrUnsupportedStream), "sample", "SchemaFor", "look up channel layout")
	}
	return s, nil
}

// Compatible checks that a peer's schema describes the same layout as s.
func (s Schema) Compatible(other Schema) error {
	if other.Version != s.Version || other.Kind != s.Kind || other.Format != s.Format ||
		len(other.Channels) != len(s.Channels) {
		return errors.Invalidf(errors.ErrSchemaMismatch, "sample", "Compatible",
			"got %s v%d (%d channels), want %s v%d (%d channels)",
			other.Kind, other.Version, len(other.Channels), s.Kind, s.Version, len(s.Channels))
	}
	return nil
}

// validity encodes availability and validity in one channel:
// -1 not available, 0 invalid, 1 valid.
func validity(valid, available bool) float64 {
	switch {
	case !available:
		return -1
	case valid:
		return 1
	default:
		return 0
	}
}

func fromValidity(v float64) (valid, available bool) {
	return v == 1, v >= 0
}

// Encode flattens smp into a Frame following s.
func (s Schema) Encode(smp Sample) (Frame, error) {
	if smp.Kind() != s.Kind {
		return Frame{}, errors.Invalidf(errors.ErrSchemaMismatch, "sample", "Encode",
			"%s sample for %s schema", smp.Kind(), s.Kind)
	}
	f := Frame{DeviceTS: smp.DeviceTimeStamp(), SystemTS: smp.SystemTimeStamp()}

	switch v := smp.(type) {
	case Gaze:
		f.Floats = make([]float64, 0, len(s.Channels))
		for _, eye := range []EyeData{v.Left, v.Right} {
			gp, pu, orig := eye.GazePoint, eye.Pupil, eye.GazeOrigin
			f.Floats = append(f.Floats,
				gp.OnDisplayArea.X, gp.OnDisplayArea.Y,
				gp.InUserCoordinates.X, gp.InUserCoordinates.Y, gp.InUserCoordinates.Z,
				validity(gp.Valid, gp.Available),
				pu.Diameter, validity(pu.Valid, pu.Available),
				orig.InUserCoordinates.X, orig.InUserCoordinates.Y, orig.InUserCoordinates.Z,
				validity(orig.Valid, orig.Available),
			)
			if s.EyeOpenness {
				eo := eye.EyeOpenness
				f.Floats = append(f.Floats, eo.Diameter, validity(eo.Valid, eo.Available))
			}
		}
	case ExtSignal:
		f.Ints = []int64{int64(v.Value), int64(v.ChangeType)}
	case TimeSync:
		f.Ints = []int64{v.SystemResponseTS}
	case Positioning:
		f.Floats = make([]float64, 0, len(s.Channels))
		for _, eye := range []PositioningEye{v.Left, v.Right} {
			f.Floats = append(f.Floats, eye.InTrackBox.X, eye.InTrackBox.Y, eye.InTrackBox.Z, validity(eye.Valid, true))
		}
	default:
		return Frame{}, errors.WrapInvalid(errors.ErrUnsupportedStream, "sample", "Encode", "encode "+s.Kind.String())
	}

	return f, nil
}

// Decode rebuilds a sample from a Frame following s.
func (s Schema) Decode(f Frame) (Sample, error) {
	want := len(s.Channels)
	got := len(f.Floats)
	if s.Format == FormatInt64 {
		got = len(f.Ints)
	}
	if got != want {
		return nil, errors.Invalidf(errors.ErrInvalidData, "sample", "Decode",
			"%s frame has %d channels, want %d", s.Kind, got, want)
	}

	switch s.Kind {
	case KindGaze:
		g := Gaze{DeviceTS: f.DeviceTS, SystemTS: f.SystemTS}
		per := want / 2
		g.Left = decodeEye(f.Floats[:per], s.EyeOpenness)
		g.Right = decodeEye(f.Floats[per:], s.EyeOpenness)
		return g, nil
	case KindExtSignal:
		if f.Ints[0] < 0 || f.Ints[0] > math.MaxUint32 {
			return nil, errors.Invalidf(errors.ErrInvalidData, "sample", "Decode", "external signal value %d", f.Ints[0])
		}
		return ExtSignal{
			DeviceTS:   f.DeviceTS,
			SystemTS:   f.SystemTS,
			Value:      uint32(f.Ints[0]),
			ChangeType: ExtSignalChange(f.Ints[1]),
		}, nil
	case KindTimeSync:
		return TimeSync{SystemRequestTS: f.SystemTS, DeviceTS: f.DeviceTS, SystemResponseTS: f.Ints[0]}, nil
	case KindPositioning:
		p := Positioning{SystemTS: f.SystemTS}
		eye := func(v []float64) PositioningEye {
			return PositioningEye{InTrackBox: Point3D{v[0], v[1], v[2]}, Valid: v[3] == 1}
		}
		p.Left = eye(f.Floats[:4])
		p.Right = eye(f.Floats[4:])
		return p, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrUnsupportedStream, "sample", "Decode", "decode "+s.Kind.String())
	}
}

func decodeEye(v []float64, eyeOpenness bool) EyeData {
	var e EyeData
	e.GazePoint.OnDisplayArea = Point2D{v[0], v[1]}
	e.GazePoint.InUserCoordinates = Point3D{v[2], v[3], v[4]}
	e.GazePoint.Valid, e.GazePoint.Available = fromValidity(v[5])
	e.Pupil.Diameter = v[6]
	e.Pupil.Valid, e.Pupil.Available = fromValidity(v[7])
	e.GazeOrigin.InUserCoordinates = Point3D{v[8], v[9], v[10]}
	e.GazeOrigin.Valid, e.GazeOrigin.Available = fromValidity(v[11])
	if eyeOpenness {
		e.EyeOpenness.Diameter = v[12]
		e.EyeOpenness.Valid, e.EyeOpenness.Available = fromValidity(v[13])
	}
	return e
}

// Package sample defines the records produced by an eye tracker: one immutable,
// fixed-schema struct per stream kind, each carrying a device-clock and a
// host-clock timestamp in microseconds.
//
// Samples are values. Slices inside a sample (eye image pixels) are shared
// between copies and must be treated as read-only once the sample is produced.
package sample

// Sample is implemented by every per-kind record.
type Sample interface {
	// Kind returns the stream kind the sample belongs to.
	Kind() Kind
	// DeviceTimeStamp returns the eye tracker clock time, or 0 when the kind has none.
	DeviceTimeStamp() int64
	// SystemTimeStamp returns the host clock time used to order and select samples.
	SystemTimeStamp() int64
}

// Point2D is a position in normalized display-area coordinates.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Point3D is a position in millimeters or normalized track-box coordinates.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// GazePoint is where one eye is looking.
type GazePoint struct {
	OnDisplayArea     Point2D `json:"position_on_display_area"`
	InUserCoordinates Point3D `json:"position_in_user_coordinates"`
	Valid             bool    `json:"valid"`
	Available         bool    `json:"available"`
}

// PupilData holds the pupil diameter in millimeters.
type PupilData struct {
	Diameter  float64 `json:"diameter"`
	Valid     bool    `json:"valid"`
	Available bool    `json:"available"`
}

// GazeOrigin is the position of one eye in user coordinates.
type GazeOrigin struct {
	InUserCoordinates Point3D `json:"position_in_user_coordinates"`
	Valid             bool    `json:"valid"`
	Available         bool    `json:"available"`
}

// EyeOpennessData is the absolute eye openness in millimeters.
type EyeOpennessData struct {
	Diameter  float64 `json:"diameter"`
	Valid     bool    `json:"valid"`
	Available bool    `json:"available"`
}

// EyeData is everything reported for one eye in a gaze sample.
type EyeData struct {
	GazePoint   GazePoint       `json:"gaze_point"`
	Pupil       PupilData       `json:"pupil"`
	GazeOrigin  GazeOrigin      `json:"gaze_origin"`
	EyeOpenness EyeOpennessData `json:"eye_openness"`
}

// Gaze is one binocular gaze sample. EyeOpenness is only available when the
// eye-openness stream was fused in.
type Gaze struct {
	Left     EyeData `json:"left_eye"`
	Right    EyeData `json:"right_eye"`
	DeviceTS int64   `json:"device_time_stamp"`
	SystemTS int64   `json:"system_time_stamp"`
}

func (Gaze) Kind() Kind { return KindGaze }
func (g Gaze) DeviceTimeStamp() int64 { return g.DeviceTS }
func (g Gaze) SystemTimeStamp() int64 { return g.SystemTS }

// EyeOpenness is a standalone eye openness sample.
type EyeOpenness struct {
	Left     EyeOpennessData `json:"left_eye"`
	Right    EyeOpennessData `json:"right_eye"`
	DeviceTS int64           `json:"device_time_stamp"`
	SystemTS int64           `json:"system_time_stamp"`
}

func (EyeOpenness) Kind() Kind { return KindEyeOpenness }
func (o EyeOpenness) DeviceTimeStamp() int64 { return o.DeviceTS }
func (o EyeOpenness) SystemTimeStamp() int64 { return o.SystemTS }

// EyeImage is one camera image, either raw pixels or a GIF-encoded blob.
type EyeImage struct {
	DeviceTS        int64  `json:"device_time_stamp"`
	SystemTS        int64  `json:"system_time_stamp"`
	IsGIF           bool   `json:"is_gif"`
	BitsPerPixel    int    `json:"bits_per_pixel"`
	PaddingPerPixel int    `json:"padding_per_pixel"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	RegionID        int    `json:"region_id"`
	RegionTop       int    `json:"region_top"`
	RegionLeft      int    `json:"region_left"`
	Type            string `json:"type"`
	CameraID        int    `json:"camera_id"`
	Data            []byte `json:"data"`
}

func (EyeImage) Kind() Kind { return KindEyeImage }
func (e EyeImage) DeviceTimeStamp() int64 { return e.DeviceTS }
func (e EyeImage) SystemTimeStamp() int64 { return e.SystemTS }

// ExtSignalChange describes why an external signal sample was emitted.
type ExtSignalChange int

const (
	ExtSignalValueChanged ExtSignalChange = iota
	ExtSignalInitialValue
	ExtSignalConnectionRestored
)

func (c ExtSignalChange) String() string {
	switch c {
	case ExtSignalValueChanged:
		return "value_changed"
	case ExtSignalInitialValue:
		return "initial_value"
	case ExtSignalConnectionRestored:
		return "connection_restored"
	default:
		return "unknown"
	}
}

// ExtSignal is a change on the tracker's TTL input port.
type ExtSignal struct {
	DeviceTS   int64           `json:"device_time_stamp"`
	SystemTS   int64           `json:"system_time_stamp"`
	Value      uint32          `json:"value"`
	ChangeType ExtSignalChange `json:"change_type"`
}

func (ExtSignal) Kind() Kind { return KindExtSignal }
func (e ExtSignal) DeviceTimeStamp() int64 { return e.DeviceTS }
func (e ExtSignal) SystemTimeStamp() int64 { return e.SystemTS }

// TimeSync is one clock synchronization exchange between host and tracker.
// It is ordered and selected by the request time.
type TimeSync struct {
	SystemRequestTS  int64 `json:"system_request_time_stamp"`
	DeviceTS         int64 `json:"device_time_stamp"`
	SystemResponseTS int64 `json:"system_response_time_stamp"`
}

func (TimeSync) Kind() Kind { return KindTimeSync }
func (t TimeSync) DeviceTimeStamp() int64 { return t.DeviceTS }
func (t TimeSync) SystemTimeStamp() int64 { return t.SystemRequestTS }

// PositioningEye is the position of one eye in the track box.
type PositioningEye struct {
	InTrackBox Point3D `json:"user_position"`
	Valid      bool    `json:"valid"`
}

// Positioning is a head-position sample used for participant setup. The tracker
// provides no timestamp, so only the host time is set.
type Positioning struct {
	Left     PositioningEye `json:"left_eye"`
	Right    PositioningEye `json:"right_eye"`
	SystemTS int64          `json:"system_time_stamp"`
}

func (Positioning) Kind() Kind { return KindPositioning }
func (Positioning) DeviceTimeStamp() int64 { return 0 }
func (p Positioning) SystemTimeStamp() int64 { return p.SystemTS }

// DisplayArea is the calibrated screen plane in user coordinates.
type DisplayArea struct {
	TopLeft    Point3D `json:"top_left"`
	TopRight   Point3D `json:"top_right"`
	BottomLeft Point3D `json:"bottom_left"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Notification is an asynchronous device event.
type Notification struct {
	SystemTS         int64        `json:"system_time_stamp"`
	Type             string       `json:"notification_type"`
	OutputFrequency  *float64     `json:"output_frequency,omitempty"`
	DisplayArea      *DisplayArea `json:"display_area,omitempty"`
	ErrorsOrWarnings string       `json:"errors_or_warnings,omitempty"`
}

func (Notification) Kind() Kind { return KindNotification }
func (Notification) DeviceTimeStamp() int64 { return 0 }
func (n Notification) SystemTimeStamp() int64 { return n.SystemTS }

// Stamp returns a copy of s with its host timestamp set to ts. For time sync
// samples the request timestamp is set.
func Stamp(s Sample, ts int64) Sample {
	switch v := s.(type) {
	case Gaze:
		v.SystemTS = ts
		return v
	case EyeOpenness:
		v.SystemTS = ts
		return v
	case EyeImage:
		v.SystemTS = ts
		return v
	case ExtSignal:
		v.SystemTS = ts
		return v
	case TimeSync:
		v.SystemRequestTS = ts
		return v
	case Positioning:
		v.SystemTS = ts
		return v
	case Notification:
		v.SystemTS = ts
		return v
	default:
		return s
	}
}

// WithEyeOpenness returns g with the eye openness of o folded in.
func WithEyeOpenness(g Gaze, o EyeOpenness) Gaze {
	g.Left.EyeOpenness = o.Left
	g.Right.EyeOpenness = o.Right
	return g
}

// GazeFromEyeOpenness builds a gaze sample carrying only eye openness, used when
// an eye openness sample has no gaze partner.
func GazeFromEyeOpenness(o EyeOpenness) Gaze {
	return WithEyeOpenness(Gaze{DeviceTS: o.DeviceTS, SystemTS: o.SystemTS}, o)
}

// WithoutEyeOpenness returns g with eye openness marked unavailable.
func WithoutEyeOpenness(g Gaze) Gaze {
	g.Left.EyeOpenness = EyeOpennessData{}
	g.Right.EyeOpenness = EyeOpennessData{}
	return g
}

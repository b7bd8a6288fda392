// Package device defines the eye tracker driver consumed by capture and calibration.
//
// A driver delivers samples through per-kind callbacks invoked on its own
// goroutines, answers capability queries, and exposes the calibration primitives
// sequenced by the calibration workflow. Connecting to hardware is the driver's
// business; this package only fixes the contract.
package device

import (
	"context"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/sample"
)

// Info describes a connected eye tracker.
type Info struct {
	Name            string  `json:"device_name"`
	SerialNumber    string  `json:"serial_number"`
	Model           string  `json:"model"`
	FirmwareVersion string  `json:"firmware_version"`
	RuntimeVersion  string  `json:"runtime_version"`
	Address         string  `json:"address"`
	Frequency       float64 `json:"frequency"`
	TrackingMode    string  `json:"tracking_mode"`
}

// Callback receives one sample. It runs on a driver goroutine and must not block
// for longer than a buffer append.
type Callback func(sample.Sample)

// Subscription is an active callback registration.
type Subscription interface {
	// Unsubscribe stops delivery. When it returns, the callback is not running and
	// will not run again.
	Unsubscribe() error
}

// Device is a connected eye tracker.
type Device interface {
	Info() Info
	// Supports reports whether the tracker can produce kind.
	Supports(kind sample.Kind) bool
	// Subscribe starts delivering samples of kind to fn.
	Subscribe(kind sample.Kind, fn Callback) (Subscription, error)
}

// Eye selects which eye a monocular calibration step applies to.
type Eye int

const (
	EyeBoth Eye = iota
	EyeLeft
	EyeRight
)

// ParseEye converts "left", "right" or "" / "both" to an Eye.
func ParseEye(s string) (Eye, error) {
	switch s {
	case "", "both":
		return EyeBoth, nil
	case "left":
		return EyeLeft, nil
	case "right":
		return EyeRight, nil
	default:
		return EyeBoth, errors.Invalidf(errors.ErrInvalidArgument, "device", "ParseEye",
			"unknown eye %q, expected left or right", s)
	}
}

// MarshalText encodes the eye by name.
func (e Eye) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e Eye) String() string {
	switch e {
	case EyeLeft:
		return "left"
	case EyeRight:
		return "right"
	default:
		return "both"
	}
}

// CalibrationSample is where one eye was measured while looking at a point.
type CalibrationSample struct {
	PositionOnDisplayArea sample.Point2D `json:"position_on_display_area"`
	Validity              string         `json:"validity"`
}

// CalibrationPoint is a calibration target with the samples collected for it.
type CalibrationPoint struct {
	Position sample.Point2D      `json:"position_on_display_area"`
	Left     []CalibrationSample `json:"left"`
	Right    []CalibrationSample `json:"right"`
}

// CalibrationResult is the outcome of computing a calibration.
type CalibrationResult struct {
	Status string             `json:"status"`
	Points []CalibrationPoint `json:"calibration_points"`
}

// Calibrator exposes the calibration primitives of a tracker. Every method blocks
// until the tracker has finished the step.
type Calibrator interface {
	EnterCalibrationMode(ctx context.Context, monocular bool) error
	LeaveCalibrationMode(ctx context.Context) error
	CollectData(ctx context.Context, point sample.Point2D, eye Eye) error
	DiscardData(ctx context.Context, point sample.Point2D, eye Eye) error
	ComputeAndApply(ctx context.Context) (CalibrationResult, error)
	RetrieveCalibrationData(ctx context.Context) ([]byte, error)
	ApplyCalibrationData(ctx context.Context, data []byte) error
}

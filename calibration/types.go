package calibration

import (
	"github.com/dcnieho/Titta/device"
	"github.com/dcnieho/Titta/sample"
)

// Action identifies the kind of a work item.
type Action int

const (
	ActionEnter Action = iota
	ActionCollectData
	ActionDiscardData
	ActionComputeAndApply
	ActionGetCalibrationData
	ActionApplyCalibrationData
	ActionLeave
)

func (a Action) String() string {
	switch a {
	case ActionEnter:
		return "enter"
	case ActionCollectData:
		return "collect_data"
	case ActionDiscardData:
		return "discard_data"
	case ActionComputeAndApply:
		return "compute_and_apply"
	case ActionGetCalibrationData:
		return "get_calibration_data"
	case ActionApplyCalibrationData:
		return "apply_calibration_data"
	case ActionLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// MarshalText encodes the action by name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// State is the progress of the calibration worker.
type State int

const (
	StateNotYetEntered State = iota
	StateAwaitingCalPoint
	StateCollectingData
	StateDiscardingData
	StateComputing
	StateGettingCalibrationData
	StateApplyingCalibrationData
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateNotYetEntered:
		return "not_yet_entered"
	case StateAwaitingCalPoint:
		return "awaiting_cal_point"
	case StateCollectingData:
		return "collecting_data"
	case StateDiscardingData:
		return "discarding_data"
	case StateComputing:
		return "computing"
	case StateGettingCalibrationData:
		return "getting_calibration_data"
	case StateApplyingCalibrationData:
		return "applying_calibration_data"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of the workflow.
type Status struct {
	State           State `json:"state"`
	InMode          bool  `json:"in_calibration_mode"`
	Monocular       bool  `json:"monocular"`
	PointsCollected int   `json:"points_collected"`
	Pending         int   `json:"pending"`
}

// ResultStatus tells whether the device completed a work item.
type ResultStatus int

const (
	StatusOK ResultStatus = iota
	StatusFailed
)

func (s ResultStatus) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "failed"
}

// MarshalText encodes the status by name.
func (s ResultStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the outcome of one work item. Results are immutable once produced.
type Result struct {
	Seq    uint64          `json:"seq"`
	Action Action          `json:"action"`
	Point  *sample.Point2D `json:"point,omitempty"`
	Eye    *device.Eye     `json:"eye,omitempty"`

	Status  ResultStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	// StatusString is filled by RetrieveResult on request.
	StatusString string `json:"status_string,omitempty"`

	Calibration *device.CalibrationResult `json:"calibration_result,omitempty"`
	Data        []byte                    `json:"calibration_data,omitempty"`
}

// OK reports whether the device completed the work item.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

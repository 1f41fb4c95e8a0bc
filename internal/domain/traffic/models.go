// Package traffic holds the shared data model for the detection-to-violation
// pipeline.
//
// Units convention: camera geometry (stop line, lane boundaries) is expressed
// in percent of the frame (0-100). Bounding boxes arrive normalized to 0-1.
// Track positions are pixel coordinates as produced by the upstream tracker,
// with y increasing downward; smaller y means before the stop line, larger y
// means past it. Evaluators convert geometry into the input's space at the
// evaluation boundary; pixel conversion for rendering happens only in the
// overlay layer.
package traffic

import (
	"strings"
	"time"
)

type SignalStatus string

const (
	SignalRed     SignalStatus = "RED"
	SignalYellow  SignalStatus = "YELLOW"
	SignalGreen   SignalStatus = "GREEN"
	SignalUnknown SignalStatus = "UNKNOWN"
)

// ParseSignalStatus maps a raw inference label (e.g. "red_light 0.92") to a
// signal status. Anything unrecognized resolves to UNKNOWN.
func ParseSignalStatus(raw string) SignalStatus {
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "RED"):
		return SignalRed
	case strings.Contains(upper, "GREEN"):
		return SignalGreen
	case strings.Contains(upper, "YELLOW"):
		return SignalYellow
	default:
		return SignalUnknown
	}
}

const (
	ClassCar        = "car"
	ClassTruck      = "truck"
	ClassBus        = "bus"
	ClassMotorcycle = "motorcycle"
	ClassBicycle    = "bicycle"

	// ClassAny is the wildcard entry in a lane's allowed-class list.
	ClassAny = "ANY"
)

// VehicleClasses lists the classes counted in traffic statistics.
var VehicleClasses = []string{ClassCar, ClassTruck, ClassBus, ClassMotorcycle, ClassBicycle}

type ViolationType string

const (
	RedLightViolation ViolationType = "RED_LIGHT_VIOLATION"
	LaneEncroachment  ViolationType = "LANE_ENCROACHMENT"
)

type ViolationStatus string

const (
	ViolationPending   ViolationStatus = "PENDING"
	ViolationProcessed ViolationStatus = "PROCESSED"
	ViolationDismissed ViolationStatus = "DISMISSED"
)

// BBox is a detection bounding box, normalized to 0-1 of the frame.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type Detection struct {
	TrackID      int     `json:"track_id"`
	Class        string  `json:"class"`
	Confidence   float64 `json:"confidence"`
	LicensePlate string  `json:"license_plate,omitempty"`
	BBox         BBox    `json:"bbox"`
}

// Position is one trajectory sample in pixel coordinates. Time is unix
// milliseconds, as sent by the inference service.
type Position struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Time int64   `json:"time"`
}

type Track struct {
	ID        int        `json:"id"`
	Class     string     `json:"class"`
	Positions []Position `json:"positions"`
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Crossing struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
}

// TrafficLightResult is the traffic-light half of an inference cycle.
type TrafficLightResult struct {
	Status        string      `json:"traffic_status"`
	Detections    []Detection `json:"detections,omitempty"`
	InferenceTime float64     `json:"inference_time,omitempty"`
}

// DetectionMessage is one inference cycle for one camera: current-frame
// detections plus tracked trajectories, and optionally the traffic-light
// state observed in the same frame.
type DetectionMessage struct {
	CameraID        string              `json:"camera_id"`
	ImageID         string              `json:"image_id,omitempty"`
	Detections      []Detection         `json:"detections"`
	Tracks          []Track             `json:"tracks"`
	NewCrossings    []Crossing          `json:"new_crossings,omitempty"`
	ImageDimensions Dimensions          `json:"image_dimensions"`
	TrafficLight    *TrafficLightResult `json:"traffic_light,omitempty"`
	InferenceTime   float64             `json:"inference_time,omitempty"`
	CreatedAt       int64               `json:"created_at"`
}

// Timestamp returns the cycle's creation time, falling back to now when the
// producer omitted it.
func (m DetectionMessage) Timestamp() time.Time {
	if m.CreatedAt == 0 {
		return time.Now()
	}
	return time.UnixMilli(m.CreatedAt)
}

// CameraGeometry is the per-camera line/lane configuration, read-only to the
// pipeline. All values are percent of the frame.
type CameraGeometry struct {
	StopLineY      float64    `json:"stop_line_y_percent"`
	LaneBoundaries []float64  `json:"lane_boundaries_percent"`
	LaneClasses    [][]string `json:"lane_allowed_classes"`
}

// Consistent reports whether the allowed-class list matches the lane count
// implied by the boundaries (boundaries+1 lanes).
func (g CameraGeometry) Consistent() bool {
	return len(g.LaneClasses) == len(g.LaneBoundaries)+1
}

// EvidenceFrame is one context frame attached to a violation record.
type EvidenceFrame struct {
	Timestamp time.Time `json:"timestamp"`
	Image     []byte    `json:"-"`
}

// ViolationRecord is the normalized output of the aggregator.
type ViolationRecord struct {
	ID            string          `json:"id"`
	CameraID      string          `json:"camera_id"`
	ObjectID      int             `json:"object_id"`
	LicensePlate  string          `json:"license_plate,omitempty"`
	Type          ViolationType   `json:"violation_type"`
	Status        ViolationStatus `json:"violation_status"`
	DetectedAt    time.Time       `json:"detection_time"`
	ImageID       string          `json:"image_id,omitempty"`
	Image         []byte          `json:"-"`
	ContextFrames []EvidenceFrame `json:"-"`
}

// SensorReading is a raw payload from a roadside sensor, persisted as-is.
type SensorReading struct {
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload"`
	ReceivedAt time.Time      `json:"received_at"`
}

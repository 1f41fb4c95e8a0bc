// Package overlay maintains the per-camera annotation state consumed by
// stream renderers: the latest vehicle and traffic-light boxes plus a short
// motion trail per tracked object. Everything here is pixel space; this is
// the only layer that converts out of normalized coordinates.
package overlay

import (
	"math"
	"sync"

	"traffic-violation-service/internal/domain/traffic"
)

// DefaultTrailLength caps the retained trail per tracked object.
const DefaultTrailLength = 30

// Kind distinguishes the two detector outputs merged into one overlay.
type Kind int

const (
	KindVehicle Kind = iota
	KindTrafficLight
)

// ClassColors maps detection classes to overlay colors for renderers.
var ClassColors = map[string]string{
	traffic.ClassCar:        "#00FF00",
	traffic.ClassTruck:      "#0000FF",
	traffic.ClassBus:        "#FFFF00",
	traffic.ClassMotorcycle: "#FF00FF",
	traffic.ClassBicycle:    "#00FFFF",
}

// Point is a pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Box is a detection converted to pixel space for drawing.
type Box struct {
	TrackID      int     `json:"track_id"`
	Class        string  `json:"class"`
	Confidence   float64 `json:"confidence"`
	LicensePlate string  `json:"license_plate,omitempty"`
	X1           int     `json:"x1"`
	Y1           int     `json:"y1"`
	X2           int     `json:"x2"`
	Y2           int     `json:"y2"`
}

// State is a renderable snapshot for one camera.
type State struct {
	CameraID string          `json:"camera_id"`
	Boxes    []Box           `json:"boxes"`
	Trails   map[int][]Point `json:"trails,omitempty"`
}

type cameraState struct {
	vehicles []Box
	lights   []Box
	trails   map[int][]Point
}

// Manager is the keyed registry of overlay state, one entry per camera,
// created on first frame and dropped on idle timeout.
type Manager struct {
	mu          sync.RWMutex
	cameras     map[string]*cameraState
	trailLength int
}

func NewManager() *Manager {
	return &Manager{
		cameras:     make(map[string]*cameraState),
		trailLength: DefaultTrailLength,
	}
}

// Update replaces one detector's boxes for the camera and extends the trail
// of every tracked vehicle with its new box center. Trails of ids absent
// from the current detections are dropped.
func (m *Manager) Update(cameraID string, kind Kind, detections []traffic.Detection, dims traffic.Dimensions) {
	boxes := make([]Box, 0, len(detections))
	for _, det := range detections {
		boxes = append(boxes, Box{
			TrackID:      det.TrackID,
			Class:        det.Class,
			Confidence:   det.Confidence,
			LicensePlate: det.LicensePlate,
			X1:           int(math.Round(det.BBox.X1 * float64(dims.Width))),
			Y1:           int(math.Round(det.BBox.Y1 * float64(dims.Height))),
			X2:           int(math.Round(det.BBox.X2 * float64(dims.Width))),
			Y2:           int(math.Round(det.BBox.Y2 * float64(dims.Height))),
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.cameras[cameraID]
	if !ok {
		state = &cameraState{trails: make(map[int][]Point)}
		m.cameras[cameraID] = state
	}

	switch kind {
	case KindVehicle:
		state.vehicles = boxes
	case KindTrafficLight:
		state.lights = boxes
	}

	if kind != KindVehicle {
		return
	}

	active := make(map[int]struct{}, len(boxes))
	for _, box := range boxes {
		active[box.TrackID] = struct{}{}
		center := Point{X: (box.X1 + box.X2) / 2, Y: (box.Y1 + box.Y2) / 2}
		trail := append(state.trails[box.TrackID], center)
		if len(trail) > m.trailLength {
			trail = trail[len(trail)-m.trailLength:]
		}
		state.trails[box.TrackID] = trail
	}
	for id := range state.trails {
		if _, ok := active[id]; !ok {
			delete(state.trails, id)
		}
	}
}

// Snapshot returns a copy of the camera's overlay state: traffic-light
// boxes follow vehicle boxes, mirroring draw order.
func (m *Manager) Snapshot(cameraID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := State{CameraID: cameraID}
	state, ok := m.cameras[cameraID]
	if !ok {
		return out
	}

	out.Boxes = make([]Box, 0, len(state.vehicles)+len(state.lights))
	out.Boxes = append(out.Boxes, state.vehicles...)
	out.Boxes = append(out.Boxes, state.lights...)

	if len(state.trails) > 0 {
		out.Trails = make(map[int][]Point, len(state.trails))
		for id, trail := range state.trails {
			copied := make([]Point, len(trail))
			copy(copied, trail)
			out.Trails[id] = copied
		}
	}
	return out
}

// DropCamera removes all overlay state for a camera.
func (m *Manager) DropCamera(cameraID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cameras, cameraID)
}

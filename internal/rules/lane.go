package rules

import (
	"errors"

	"traffic-violation-service/internal/domain/traffic"
)

// ErrInconsistentGeometry signals a lane boundary / allowed-class length
// mismatch. The caller skips the camera's lane check for the frame and logs
// a configuration warning; the pipeline keeps running.
var ErrInconsistentGeometry = errors.New("lane boundaries and allowed classes are inconsistent")

// LaneEncroachments returns the ids of detections occupying a lane that
// permits neither their class nor the ANY wildcard. A box straddling a lane
// divider is flagged when any occupied lane is restricted: partial
// encroachment is still a lane discipline violation.
func LaneEncroachments(geom traffic.CameraGeometry, detections []traffic.Detection, dims traffic.Dimensions) ([]int, error) {
	if len(geom.LaneClasses) == 0 {
		return nil, nil
	}
	if !geom.Consistent() {
		return nil, ErrInconsistentGeometry
	}
	if dims.Width <= 0 {
		return nil, nil
	}

	// Close the final lane's right edge.
	boundaries := make([]float64, 0, len(geom.LaneBoundaries)+1)
	boundaries = append(boundaries, geom.LaneBoundaries...)
	boundaries = append(boundaries, 100)

	var violating []int
	for _, det := range detections {
		leftPct := det.BBox.X1 * 100
		rightPct := det.BBox.X2 * 100

		start := firstBoundaryAbove(boundaries, leftPct)
		end := firstBoundaryAbove(boundaries, rightPct)

		for lane := start; lane <= end; lane++ {
			if !laneAllows(geom.LaneClasses[lane], det.Class) {
				violating = append(violating, det.TrackID)
				break
			}
		}
	}
	return violating, nil
}

// firstBoundaryAbove returns the index of the first boundary strictly
// greater than the given percent position, clamped to the last lane when the
// position sits at or past the frame edge.
func firstBoundaryAbove(boundaries []float64, pct float64) int {
	for i, b := range boundaries {
		if b > pct {
			return i
		}
	}
	return len(boundaries) - 1
}

func laneAllows(allowed []string, class string) bool {
	for _, c := range allowed {
		if c == traffic.ClassAny || c == class {
			return true
		}
	}
	return false
}

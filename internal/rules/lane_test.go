package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-violation-service/internal/domain/traffic"
)

var threeLanes = traffic.CameraGeometry{
	StopLineY:      50,
	LaneBoundaries: []float64{30, 70},
	LaneClasses:    [][]string{{"car"}, {"ANY"}, {"truck"}},
}

var frame = traffic.Dimensions{Width: 640, Height: 480}

func det(id int, class string, x1, x2 float64) traffic.Detection {
	return traffic.Detection{
		TrackID:    id,
		Class:      class,
		Confidence: 0.9,
		BBox:       traffic.BBox{X1: x1, Y1: 0.4, X2: x2, Y2: 0.6},
	}
}

func TestBoxSpanningRestrictedLaneFires(t *testing.T) {
	// 20-40% spans lane 0 (car only) and lane 1 (ANY); a truck violates
	// lane 0 even though lane 1 would allow it.
	ids, err := LaneEncroachments(threeLanes, []traffic.Detection{det(7, "truck", 0.2, 0.4)}, frame)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, ids)
}

func TestBoxInsideWildcardLaneNeverFires(t *testing.T) {
	ids, err := LaneEncroachments(threeLanes, []traffic.Detection{det(7, "truck", 0.35, 0.45)}, frame)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAllowedClassInOwnLane(t *testing.T) {
	ids, err := LaneEncroachments(threeLanes, []traffic.Detection{det(3, "car", 0.05, 0.25)}, frame)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDisallowedClassInFinalLane(t *testing.T) {
	// 80-95% is fully inside lane 2, which only admits trucks.
	ids, err := LaneEncroachments(threeLanes, []traffic.Detection{det(9, "car", 0.8, 0.95)}, frame)
	require.NoError(t, err)
	assert.Equal(t, []int{9}, ids)
}

func TestBoxAtFrameEdgeClampsToLastLane(t *testing.T) {
	ids, err := LaneEncroachments(threeLanes, []traffic.Detection{det(4, "truck", 0.9, 1.0)}, frame)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMultipleDetectionsMixed(t *testing.T) {
	dets := []traffic.Detection{
		det(1, "car", 0.05, 0.2),    // lane 0, allowed
		det(2, "bus", 0.1, 0.25),    // lane 0, car only
		det(3, "truck", 0.75, 0.95), // lane 2, allowed
	}
	ids, err := LaneEncroachments(threeLanes, dets, frame)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, ids)
}

func TestInconsistentGeometryReturnsError(t *testing.T) {
	geom := traffic.CameraGeometry{
		LaneBoundaries: []float64{30, 70},
		LaneClasses:    [][]string{{"car"}, {"ANY"}},
	}
	_, err := LaneEncroachments(geom, []traffic.Detection{det(1, "car", 0.1, 0.2)}, frame)
	assert.ErrorIs(t, err, ErrInconsistentGeometry)
}

func TestMissingGeometryYieldsNoViolations(t *testing.T) {
	ids, err := LaneEncroachments(traffic.CameraGeometry{}, []traffic.Detection{det(1, "car", 0.1, 0.2)}, frame)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/track"
)

func sampleAt(y float64, ms int64) track.Sample {
	return track.Sample{X: 100, Y: y, Time: time.UnixMilli(ms)}
}

func constantSignal(status traffic.SignalStatus) SignalLookup {
	return func(context.Context, string, time.Time) traffic.SignalStatus {
		return status
	}
}

func TestCrossingOnRedFires(t *testing.T) {
	// Object 42 moves from y=40 to y=60 across line_y=50 under a red light.
	samples := []track.Sample{sampleAt(40, 1000), sampleAt(60, 1100)}

	fired := CrossedOnRed(context.Background(), "cam-1", 50, 100, samples, constantSignal(traffic.SignalRed))
	assert.True(t, fired)
}

func TestGreenAtSecondSampleDoesNotFire(t *testing.T) {
	samples := []track.Sample{sampleAt(40, 1000), sampleAt(60, 1100)}

	lookup := func(_ context.Context, _ string, at time.Time) traffic.SignalStatus {
		if at.UnixMilli() == 1100 {
			return traffic.SignalGreen
		}
		return traffic.SignalRed
	}

	assert.False(t, CrossedOnRed(context.Background(), "cam-1", 50, 100, samples, lookup))
}

func TestNoCrossingDoesNotFire(t *testing.T) {
	tests := []struct {
		name    string
		samples []track.Sample
	}{
		{"stays before line", []track.Sample{sampleAt(30, 1000), sampleAt(45, 1100)}},
		{"already past line", []track.Sample{sampleAt(55, 1000), sampleAt(70, 1100)}},
		{"moving backwards", []track.Sample{sampleAt(60, 1000), sampleAt(40, 1100)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fired := CrossedOnRed(context.Background(), "cam-1", 50, 100, tc.samples, constantSignal(traffic.SignalRed))
			assert.False(t, fired)
		})
	}
}

func TestFewerThanTwoSamplesNeverFires(t *testing.T) {
	assert.False(t, CrossedOnRed(context.Background(), "cam-1", 50, 100, nil, constantSignal(traffic.SignalRed)))
	assert.False(t, CrossedOnRed(context.Background(), "cam-1", 50, 100, []track.Sample{sampleAt(60, 1000)}, constantSignal(traffic.SignalRed)))
}

func TestUnknownSignalFailsClosed(t *testing.T) {
	samples := []track.Sample{sampleAt(40, 1000), sampleAt(60, 1100)}

	assert.False(t, CrossedOnRed(context.Background(), "cam-1", 50, 100, samples, constantSignal(traffic.SignalUnknown)))
}

func TestOnlyLatestWindowChecked(t *testing.T) {
	// The crossing happened two cycles ago; the latest window shows the
	// object already past the line, so nothing fires now.
	samples := []track.Sample{
		sampleAt(40, 1000),
		sampleAt(60, 1100),
		sampleAt(80, 1200),
	}

	assert.False(t, CrossedOnRed(context.Background(), "cam-1", 50, 100, samples, constantSignal(traffic.SignalRed)))
}

func TestLineScaledToFrameHeight(t *testing.T) {
	// stop_line_y_percent=50 on a 480px frame puts the line at 240px.
	samples := []track.Sample{sampleAt(230, 1000), sampleAt(250, 1100)}

	fired := CrossedOnRed(context.Background(), "cam-1", 50, 480, samples, constantSignal(traffic.SignalRed))
	assert.True(t, fired)
}

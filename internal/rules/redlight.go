// Package rules contains the pure violation evaluators. Both run
// synchronously on the per-frame hot path and allocate as little as
// possible.
package rules

import (
	"context"
	"time"

	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/track"
)

// SignalLookup resolves the signal state in effect at a past instant.
type SignalLookup func(ctx context.Context, cameraID string, at time.Time) traffic.SignalStatus

// CrossedOnRed reports whether the object's two most recent samples show it
// crossing the stop line while the signal was red at both sample times.
//
// Only the latest two-sample window is checked per cycle; older transitions
// were already evaluated in prior cycles. An UNKNOWN signal at either sample
// fails closed.
func CrossedOnRed(ctx context.Context, cameraID string, stopLinePercent float64, frameHeight int, samples []track.Sample, lookup SignalLookup) bool {
	if len(samples) < 2 || frameHeight <= 0 {
		return false
	}

	lineY := stopLinePercent * float64(frameHeight) / 100

	prev := samples[len(samples)-2]
	curr := samples[len(samples)-1]

	// Smaller y = before the line, larger y = past it.
	before := prev.Y < lineY
	after := curr.Y >= lineY
	if !before || !after {
		return false
	}

	if lookup(ctx, cameraID, prev.Time) != traffic.SignalRed {
		return false
	}
	if lookup(ctx, cameraID, curr.Time) != traffic.SignalRed {
		return false
	}
	return true
}

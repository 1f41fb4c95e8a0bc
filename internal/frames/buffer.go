// Package frames keeps a short per-camera window of raw frames in memory so
// violation records can attach the frame that triggered them plus a few
// seconds of surrounding context. The persistence layer holds a slower
// 1 FPS fallback for frames that have already left the window.
package frames

import (
	"sync"
	"time"
)

// DefaultWindow matches the upstream cadence: a minute of frames is enough
// to cover any in-flight detection cycle.
const DefaultWindow = time.Minute

// Frame is one captured camera frame.
type Frame struct {
	ID        string
	Image     []byte
	Width     int
	Height    int
	CreatedAt time.Time
}

// Buffer is a keyed registry of per-camera rolling frame windows. One writer
// per camera (the camera's ingest path), concurrent readers.
type Buffer struct {
	mu      sync.RWMutex
	cameras map[string][]Frame
	window  time.Duration

	now func() time.Time
}

type Option func(*Buffer)

func WithWindow(w time.Duration) Option {
	return func(b *Buffer) { b.window = w }
}

func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{
		cameras: make(map[string][]Frame),
		window:  DefaultWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Push appends a frame and drops everything older than the window. Frames
// arrive in capture order per camera.
func (b *Buffer) Push(cameraID string, f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frames := append(b.cameras[cameraID], f)

	cutoff := b.now().Add(-b.window)
	start := 0
	for start < len(frames) && frames[start].CreatedAt.Before(cutoff) {
		start++
	}
	b.cameras[cameraID] = frames[start:]
}

// Nearest returns the frame closest to the given instant, or false when the
// closest one is further away than tolerance. A miss is tolerated by
// callers: the violation is still recorded without image evidence.
func (b *Buffer) Nearest(cameraID string, at time.Time, tolerance time.Duration) (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var best Frame
	bestDelta := tolerance + 1
	for _, f := range b.cameras[cameraID] {
		delta := f.CreatedAt.Sub(at)
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance && delta < bestDelta {
			best = f
			bestDelta = delta
		}
	}
	return best, bestDelta <= tolerance
}

// ByID returns the frame with the given id, if still buffered.
func (b *Buffer) ByID(cameraID, frameID string) (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, f := range b.cameras[cameraID] {
		if f.ID == frameID {
			return f, true
		}
	}
	return Frame{}, false
}

// Range returns the frames within [from, to] in capture order.
func (b *Buffer) Range(cameraID string, from, to time.Time) []Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Frame
	for _, f := range b.cameras[cameraID] {
		if !f.CreatedAt.Before(from) && !f.CreatedAt.After(to) {
			out = append(out, f)
		}
	}
	return out
}

// DropCamera removes the window for a camera (idle-timeout eviction).
func (b *Buffer) DropCamera(cameraID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cameras, cameraID)
}

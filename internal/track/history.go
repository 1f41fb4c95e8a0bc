// Package track maintains the per-camera, per-object rolling position
// history used by the violation evaluators and the overlay trail.
package track

import (
	"sync"
	"time"
)

// DefaultMaxSamples bounds a single object's retained trail.
const DefaultMaxSamples = 30

// Sample is one recorded position for a tracked object.
type Sample struct {
	X, Y float64
	Time time.Time
}

type entry struct {
	class   string
	samples []Sample
	misses  int
}

// Store is a keyed registry of per-camera track histories. A single logical
// writer mutates each camera's entries (the camera's detection worker);
// readers may run concurrently.
type Store struct {
	mu            sync.RWMutex
	cameras       map[string]map[int]*entry
	maxSamples    int
	missTolerance int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSamples overrides the per-object retention cap.
func WithMaxSamples(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSamples = n
		}
	}
}

// WithMissTolerance retains a track for n consecutive absent cycles before
// eviction. Zero evicts on first absence.
func WithMissTolerance(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.missTolerance = n
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		cameras:    make(map[string]map[int]*entry),
		maxSamples: DefaultMaxSamples,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends a position sample for the object, creating the entry on
// first sighting. Samples at or before the latest recorded timestamp are
// ignored so a reordering or duplicating transport cannot corrupt trajectory
// order. The trail is trimmed FIFO to the retention cap.
func (s *Store) Record(cameraID string, objectID int, class string, x, y float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.cameras[cameraID]
	if !ok {
		objects = make(map[int]*entry)
		s.cameras[cameraID] = objects
	}

	e, ok := objects[objectID]
	if !ok {
		e = &entry{class: class}
		objects[objectID] = e
	}
	e.class = class
	e.misses = 0

	if n := len(e.samples); n > 0 && !at.After(e.samples[n-1].Time) {
		return
	}

	e.samples = append(e.samples, Sample{X: x, Y: y, Time: at})
	if len(e.samples) > s.maxSamples {
		e.samples = e.samples[len(e.samples)-s.maxSamples:]
	}
}

// Recent returns the last n samples for the object in chronological order,
// or fewer if not available. Unknown camera or object yields nil.
func (s *Store) Recent(cameraID string, objectID int, n int) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cameras[cameraID][objectID]
	if !ok || n <= 0 {
		return nil
	}
	samples := e.samples
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	out := make([]Sample, len(samples))
	copy(out, samples)
	return out
}

// Class returns the last recorded class label for the object.
func (s *Store) Class(cameraID string, objectID int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cameras[cameraID][objectID]
	if !ok {
		return "", false
	}
	return e.class, true
}

// Prune drops objects absent from activeIDs, called once per detection cycle
// with the full set of live ids. With a non-zero miss tolerance an object
// survives that many consecutive absent cycles before eviction.
func (s *Store) Prune(cameraID string, activeIDs map[int]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects := s.cameras[cameraID]
	for id, e := range objects {
		if _, ok := activeIDs[id]; ok {
			continue
		}
		e.misses++
		if e.misses > s.missTolerance {
			delete(objects, id)
		}
	}
	if len(objects) == 0 {
		delete(s.cameras, cameraID)
	}
}

// DropCamera removes all state for a camera (idle-timeout eviction).
func (s *Store) DropCamera(cameraID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cameras, cameraID)
}

// Snapshot copies every live trail for a camera, keyed by object id.
func (s *Store) Snapshot(cameraID string) map[int][]Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects := s.cameras[cameraID]
	if len(objects) == 0 {
		return nil
	}
	out := make(map[int][]Sample, len(objects))
	for id, e := range objects {
		samples := make([]Sample, len(e.samples))
		copy(samples, e.samples)
		out[id] = samples
	}
	return out
}

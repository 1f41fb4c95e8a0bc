package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/frames"
	"traffic-violation-service/internal/metrics"
	"traffic-violation-service/internal/notify"
	"traffic-violation-service/internal/overlay"
	"traffic-violation-service/internal/rules"
	"traffic-violation-service/internal/signal"
	"traffic-violation-service/internal/track"
)

// PipelineStore is the persistence surface of the detection pipeline.
// Implemented by repository.Repository.
type PipelineStore interface {
	CameraGeometry(ctx context.Context, cameraID string) (traffic.CameraGeometry, error)
	SaveDetectionCycle(ctx context.Context, msg traffic.DetectionMessage) error
	SaveSignalSample(ctx context.Context, cameraID string, status traffic.SignalStatus, observedAt time.Time) error
	IncrementVehicleCounts(ctx context.Context, cameraID string, at time.Time, counts map[string]int) error
	SaveFrame(ctx context.Context, cameraID, frameID string, image []byte, width, height int, createdAt time.Time) error
}

const geometryCacheTTL = time.Minute

type cachedGeometry struct {
	geom      traffic.CameraGeometry
	fetchedAt time.Time
}

type cameraWorker struct {
	ch         chan traffic.DetectionMessage
	lastActive time.Time
}

// DetectionService runs the detection-to-violation pipeline. Each camera
// gets its own worker goroutine and bounded queue so messages stay in
// arrival order per camera while cameras proceed independently. Evaluators
// run synchronously inside the worker; all I/O is issued with short
// timeouts and never blocks the frame loop.
type DetectionService struct {
	store      PipelineStore
	tracks     *track.Store
	signals    *signal.Cache
	frames     *frames.Buffer
	overlay    *overlay.Manager
	violations *ViolationService
	notifier   Notifier
	metrics    *metrics.Metrics
	log        zerolog.Logger

	queueSize   int
	idleTimeout time.Duration
	ioTimeout   time.Duration

	mu      sync.Mutex
	workers map[string]*cameraWorker
	runCtx  context.Context

	geomMu   sync.Mutex
	geometry map[string]cachedGeometry

	frameMu       sync.Mutex
	lastFrameSave map[string]time.Time
}

type DetectionServiceParams struct {
	Store       PipelineStore
	Tracks      *track.Store
	Signals     *signal.Cache
	Frames      *frames.Buffer
	Overlay     *overlay.Manager
	Violations  *ViolationService
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
	QueueSize   int
	IdleTimeout time.Duration
	IOTimeout   time.Duration
}

func NewDetectionService(p DetectionServiceParams) *DetectionService {
	s := &DetectionService{
		store:         p.Store,
		tracks:        p.Tracks,
		signals:       p.Signals,
		frames:        p.Frames,
		overlay:       p.Overlay,
		violations:    p.Violations,
		notifier:      p.Notifier,
		metrics:       p.Metrics,
		log:           p.Log,
		queueSize:     p.QueueSize,
		idleTimeout:   p.IdleTimeout,
		ioTimeout:     p.IOTimeout,
		workers:       make(map[string]*cameraWorker),
		runCtx:        context.Background(),
		geometry:      make(map[string]cachedGeometry),
		lastFrameSave: make(map[string]time.Time),
	}
	if s.queueSize <= 0 {
		s.queueSize = 32
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 5 * time.Minute
	}
	if s.ioTimeout <= 0 {
		s.ioTimeout = 500 * time.Millisecond
	}
	return s
}

// Run owns worker lifecycles until the context is cancelled: idle cameras
// are evicted along with their in-memory state.
func (s *DetectionService) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for id, w := range s.workers {
				close(w.ch)
				delete(s.workers, id)
			}
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			s.evictIdleCameras()
		}
	}
}

func (s *DetectionService) evictIdleCameras() {
	cutoff := time.Now().Add(-s.idleTimeout)

	s.mu.Lock()
	var evicted []string
	for id, w := range s.workers {
		if w.lastActive.Before(cutoff) {
			close(w.ch)
			delete(s.workers, id)
			evicted = append(evicted, id)
		}
	}
	s.metrics.ActiveCameras.Store(uint64(len(s.workers)))
	s.mu.Unlock()

	for _, id := range evicted {
		s.tracks.DropCamera(id)
		s.signals.DropCamera(id)
		s.frames.DropCamera(id)
		s.overlay.DropCamera(id)
		s.log.Info().Str("camera_id", id).Msg("evicted idle camera state")
	}
}

// Dispatch hands a detection cycle to the camera's worker, creating it on
// the camera's first frame. When the queue is full the message is dropped
// rather than stalling the transport.
func (s *DetectionService) Dispatch(msg traffic.DetectionMessage) {
	if msg.CameraID == "" {
		s.metrics.MalformedMessages.Add(1)
		s.log.Warn().Msg("dropping detection message without camera_id")
		return
	}

	s.mu.Lock()
	w, ok := s.workers[msg.CameraID]
	if !ok {
		w = &cameraWorker{ch: make(chan traffic.DetectionMessage, s.queueSize)}
		s.workers[msg.CameraID] = w
		s.metrics.ActiveCameras.Store(uint64(len(s.workers)))
		go s.runWorker(msg.CameraID, w.ch)
	}
	w.lastActive = time.Now()

	// The send stays under the lock that closes worker channels, so a
	// shutdown or idle eviction can never close the channel mid-send.
	var dropped bool
	select {
	case w.ch <- msg:
	default:
		dropped = true
	}
	s.mu.Unlock()

	if dropped {
		s.metrics.DetectionsDropped.Add(1)
		s.log.Warn().Str("camera_id", msg.CameraID).Msg("camera queue full, dropping detection cycle")
	}
}

func (s *DetectionService) runWorker(cameraID string, ch <-chan traffic.DetectionMessage) {
	log := s.log.With().Str("camera_id", cameraID).Logger()
	log.Info().Msg("camera worker started")
	for msg := range ch {
		// Run may swap the context after workers already exist; read it
		// under the lock that writes it.
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if err := s.Process(ctx, msg); err != nil {
			log.Warn().Err(err).Msg("detection cycle dropped")
		}
	}
	log.Info().Msg("camera worker stopped")
}

// Process handles one detection cycle synchronously. Exported for the HTTP
// ingest path and tests; transport consumers normally go through Dispatch.
func (s *DetectionService) Process(ctx context.Context, msg traffic.DetectionMessage) error {
	if msg.CameraID == "" {
		s.metrics.MalformedMessages.Add(1)
		return fmt.Errorf("%w: camera_id is required", ErrInvalidInput)
	}
	if len(msg.Detections) > 0 && (msg.ImageDimensions.Width <= 0 || msg.ImageDimensions.Height <= 0) {
		s.metrics.MalformedMessages.Add(1)
		return fmt.Errorf("%w: image_dimensions are required", ErrInvalidInput)
	}

	if msg.TrafficLight != nil {
		s.processTrafficLight(ctx, msg)
	}
	if len(msg.Detections) > 0 || len(msg.Tracks) > 0 {
		s.processVehicles(ctx, msg)
	}

	s.metrics.DetectionCycles.Add(1)
	return nil
}

func (s *DetectionService) processTrafficLight(ctx context.Context, msg traffic.DetectionMessage) {
	result := msg.TrafficLight
	status := traffic.ParseSignalStatus(result.Status)
	observedAt := msg.Timestamp()

	if len(result.Detections) > 0 {
		s.overlay.Update(msg.CameraID, overlay.KindTrafficLight, result.Detections, msg.ImageDimensions)
	}

	s.publishAsync(notify.Event{
		Type:     notify.EventTrafficLight,
		CameraID: msg.CameraID,
		Payload: map[string]any{
			"traffic_status": status,
			"detections":     result.Detections,
			"inference_time": result.InferenceTime,
		},
	})

	if status == traffic.SignalUnknown {
		return
	}

	s.signals.Set(msg.CameraID, status, observedAt)
	s.metrics.SignalSamples.Add(1)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ioTimeout)
	defer cancel()
	if err := s.store.SaveSignalSample(saveCtx, msg.CameraID, status, observedAt); err != nil {
		s.metrics.PersistErrors.Add(1)
		s.log.Error().Err(err).Str("camera_id", msg.CameraID).Msg("failed to persist signal sample")
	}
}

func (s *DetectionService) processVehicles(ctx context.Context, msg traffic.DetectionMessage) {
	s.publishAsync(notify.Event{
		Type:     notify.EventCarDetected,
		CameraID: msg.CameraID,
		Payload:  msg,
	})

	// Only tracks backed by a current-frame detection are considered live.
	activeIDs := make(map[int]struct{}, len(msg.Detections))
	for _, det := range msg.Detections {
		activeIDs[det.TrackID] = struct{}{}
	}

	live := msg.Tracks[:0:0]
	for _, tr := range msg.Tracks {
		if _, ok := activeIDs[tr.ID]; !ok {
			continue
		}
		live = append(live, tr)
		// A newly-seen track arrives with its whole trajectory; the store
		// rejects stale samples, so re-recording prior positions is a no-op.
		for _, pos := range tr.Positions {
			s.tracks.Record(msg.CameraID, tr.ID, tr.Class, pos.X, pos.Y, time.UnixMilli(pos.Time))
		}
	}

	geom, hasGeometry := s.cameraGeometry(ctx, msg.CameraID)

	var redLightIDs []int
	if hasGeometry {
		lookup := func(ctx context.Context, cameraID string, at time.Time) traffic.SignalStatus {
			return s.signals.StatusAt(ctx, cameraID, at)
		}
		for _, tr := range live {
			samples := s.tracks.Recent(msg.CameraID, tr.ID, 2)
			if rules.CrossedOnRed(ctx, msg.CameraID, geom.StopLineY, msg.ImageDimensions.Height, samples, lookup) {
				redLightIDs = append(redLightIDs, tr.ID)
			}
		}
	}

	var laneIDs []int
	if hasGeometry {
		var err error
		laneIDs, err = rules.LaneEncroachments(geom, msg.Detections, msg.ImageDimensions)
		if err != nil {
			s.log.Warn().
				Err(err).
				Str("camera_id", msg.CameraID).
				Msg("skipping lane check for malformed geometry")
		}
	}

	s.tracks.Prune(msg.CameraID, activeIDs)
	s.overlay.Update(msg.CameraID, overlay.KindVehicle, msg.Detections, msg.ImageDimensions)

	if len(redLightIDs) > 0 || len(laneIDs) > 0 {
		s.violations.RecordViolations(ctx, msg, redLightIDs, laneIDs)
	}

	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ioTimeout)
	if err := s.store.SaveDetectionCycle(archiveCtx, msg); err != nil {
		s.metrics.PersistErrors.Add(1)
		s.log.Error().Err(err).Str("camera_id", msg.CameraID).Msg("failed to archive detection cycle")
	}
	cancel()

	if len(msg.NewCrossings) > 0 {
		s.recordCrossings(ctx, msg)
	}
}

// recordCrossings feeds the per-minute statistics from the tracker's
// counting-line crossings and broadcasts the delta.
func (s *DetectionService) recordCrossings(ctx context.Context, msg traffic.DetectionMessage) {
	classByID := make(map[string]string, len(msg.Tracks))
	for _, tr := range msg.Tracks {
		classByID[fmt.Sprint(tr.ID)] = tr.Class
	}

	counts := make(map[string]int, len(traffic.VehicleClasses))
	total := 0
	for _, crossing := range msg.NewCrossings {
		class, ok := classByID[crossing.ID]
		if !ok {
			continue
		}
		for _, known := range traffic.VehicleClasses {
			if class == known {
				counts[class]++
				total++
				break
			}
		}
	}
	if total == 0 {
		return
	}

	statsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ioTimeout)
	defer cancel()
	if err := s.store.IncrementVehicleCounts(statsCtx, msg.CameraID, msg.Timestamp(), counts); err != nil {
		s.metrics.PersistErrors.Add(1)
		s.log.Error().Err(err).Str("camera_id", msg.CameraID).Msg("failed to update traffic statistics")
	}

	s.publishAsync(notify.Event{
		Type:     notify.EventStatsUpdate,
		CameraID: msg.CameraID,
		Payload: map[string]any{
			"new_vehicles":  total,
			"vehicle_types": counts,
		},
	})
}

// HandleFrame buffers a raw camera frame and persists a 1 FPS fallback copy.
// Frames without a producer-assigned id get one here; the id is a primary
// key in the fallback table.
func (s *DetectionService) HandleFrame(ctx context.Context, cameraID, frameID string, image []byte, width, height int) {
	if frameID == "" {
		frameID = uuid.NewString()
	}
	now := time.Now()
	s.frames.Push(cameraID, frames.Frame{
		ID:        frameID,
		Image:     image,
		Width:     width,
		Height:    height,
		CreatedAt: now,
	})
	s.metrics.FramesBuffered.Add(1)

	s.frameMu.Lock()
	last := s.lastFrameSave[cameraID]
	throttled := now.Sub(last) < time.Second
	if !throttled {
		s.lastFrameSave[cameraID] = now
	}
	s.frameMu.Unlock()
	if throttled {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ioTimeout)
	defer cancel()
	if err := s.store.SaveFrame(saveCtx, cameraID, frameID, image, width, height, now); err != nil {
		s.metrics.PersistErrors.Add(1)
		s.log.Error().Err(err).Str("camera_id", cameraID).Msg("failed to persist fallback frame")
	}
}

// OverlaySnapshot returns the camera's current annotation state.
func (s *DetectionService) OverlaySnapshot(cameraID string) overlay.State {
	return s.overlay.Snapshot(cameraID)
}

// cameraGeometry serves geometry from a short-lived cache; the config is
// rarely-changing. A camera without geometry yields no violations.
func (s *DetectionService) cameraGeometry(ctx context.Context, cameraID string) (traffic.CameraGeometry, bool) {
	s.geomMu.Lock()
	entry, ok := s.geometry[cameraID]
	s.geomMu.Unlock()
	if ok && time.Since(entry.fetchedAt) < geometryCacheTTL {
		return entry.geom, true
	}

	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ioTimeout)
	defer cancel()
	geom, err := s.store.CameraGeometry(lookupCtx, cameraID)
	if err != nil {
		if ok {
			// Stale cache beats no geometry while the config store flaps.
			return entry.geom, true
		}
		s.log.Debug().Err(err).Str("camera_id", cameraID).Msg("no geometry for camera")
		return traffic.CameraGeometry{}, false
	}

	s.geomMu.Lock()
	s.geometry[cameraID] = cachedGeometry{geom: geom, fetchedAt: time.Now()}
	s.geomMu.Unlock()
	return geom, true
}

func (s *DetectionService) publishAsync(event notify.Event) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.ioTimeout)
		defer cancel()
		if err := s.notifier.Publish(ctx, event); err != nil {
			s.metrics.NotifyErrors.Add(1)
		}
	}()
}

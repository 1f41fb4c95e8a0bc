package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/frames"
	"traffic-violation-service/internal/metrics"
	"traffic-violation-service/internal/notify"
	"traffic-violation-service/internal/repository"
	"traffic-violation-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Notifier broadcasts pipeline events to dashboard consumers.
type Notifier interface {
	Publish(ctx context.Context, event notify.Event) error
}

// ViolationStore is the persistence surface the aggregator needs.
// Implemented by repository.Repository.
type ViolationStore interface {
	UpsertPendingViolation(ctx context.Context, rec *traffic.ViolationRecord, window time.Duration) (bool, error)
	ViolationsGroupedByPlate(ctx context.Context) ([]repository.PlateViolations, error)
	UpdateViolationStatus(ctx context.Context, id string, status traffic.ViolationStatus) error
	ViolationImage(ctx context.Context, id string) ([]byte, error)
	ViolationFrames(ctx context.Context, id string) ([]traffic.EvidenceFrame, error)
	FrameNearest(ctx context.Context, cameraID string, at time.Time, tolerance time.Duration) ([]byte, time.Time, error)
}

// ViolationService merges evaluator output into normalized violation
// records, deduplicates them against the recent PENDING window, attaches
// evidence frames and fans the result out. The real-time notification is
// considered more time-critical than the archival record, so it is emitted
// first and a persistence failure never blocks the frame loop.
type ViolationService struct {
	store    ViolationStore
	frames   *frames.Buffer
	notifier Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger

	dedupWindow  time.Duration
	evidenceSpan time.Duration
	ioTimeout    time.Duration
}

type ViolationServiceParams struct {
	Store        ViolationStore
	Frames       *frames.Buffer
	Notifier     Notifier
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
	DedupWindow  time.Duration
	EvidenceSpan time.Duration
	IOTimeout    time.Duration
}

func NewViolationService(p ViolationServiceParams) *ViolationService {
	s := &ViolationService{
		store:        p.Store,
		frames:       p.Frames,
		notifier:     p.Notifier,
		metrics:      p.Metrics,
		log:          p.Log,
		dedupWindow:  p.DedupWindow,
		evidenceSpan: p.EvidenceSpan,
		ioTimeout:    p.IOTimeout,
	}
	if s.dedupWindow <= 0 {
		s.dedupWindow = time.Minute
	}
	if s.evidenceSpan <= 0 {
		s.evidenceSpan = 7 * time.Second
	}
	if s.ioTimeout <= 0 {
		s.ioTimeout = 500 * time.Millisecond
	}
	return s
}

// RecordViolations turns the evaluators' flagged ids into violation records
// for one detection cycle. Returns the records it emitted.
func (s *ViolationService) RecordViolations(ctx context.Context, msg traffic.DetectionMessage, redLightIDs, laneIDs []int) []traffic.ViolationRecord {
	type flagged struct {
		id  int
		typ traffic.ViolationType
	}
	all := make([]flagged, 0, len(redLightIDs)+len(laneIDs))
	for _, id := range redLightIDs {
		all = append(all, flagged{id, traffic.RedLightViolation})
	}
	for _, id := range laneIDs {
		all = append(all, flagged{id, traffic.LaneEncroachment})
	}
	if len(all) == 0 {
		return nil
	}

	plates := make(map[int]string, len(msg.Detections))
	for _, det := range msg.Detections {
		if det.LicensePlate != "" {
			plates[det.TrackID] = utils.NormalizePlate(det.LicensePlate)
		}
	}

	detectedAt := msg.Timestamp()
	mainImage, imageID := s.lookupEvidenceImage(ctx, msg, detectedAt)
	context7s := s.frames.Range(msg.CameraID, detectedAt.Add(-s.evidenceSpan), detectedAt.Add(s.evidenceSpan))
	contextFrames := make([]traffic.EvidenceFrame, 0, len(context7s))
	for _, f := range context7s {
		contextFrames = append(contextFrames, traffic.EvidenceFrame{Timestamp: f.CreatedAt, Image: f.Image})
	}

	records := make([]traffic.ViolationRecord, 0, len(all))
	for _, fl := range all {
		records = append(records, traffic.ViolationRecord{
			CameraID:      msg.CameraID,
			ObjectID:      fl.id,
			LicensePlate:  plates[fl.id],
			Type:          fl.typ,
			Status:        traffic.ViolationPending,
			DetectedAt:    detectedAt,
			ImageID:       imageID,
			Image:         mainImage,
			ContextFrames: contextFrames,
		})
	}

	// Notification first: the operator alert must not wait for the
	// archival write.
	s.publishAsync(notify.Event{
		Type:     notify.EventViolation,
		CameraID: msg.CameraID,
		Payload: map[string]any{
			"image_id":   imageID,
			"violations": records,
			"detections": msg.Detections,
		},
	})

	for i := range records {
		rec := &records[i]
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ioTimeout)
		created, err := s.store.UpsertPendingViolation(persistCtx, rec, s.dedupWindow)
		cancel()
		if err != nil {
			s.metrics.PersistErrors.Add(1)
			s.log.Error().
				Err(err).
				Str("camera_id", rec.CameraID).
				Int("object_id", rec.ObjectID).
				Str("violation_type", string(rec.Type)).
				Msg("failed to persist violation")
			continue
		}
		if created {
			switch rec.Type {
			case traffic.RedLightViolation:
				s.metrics.RedLightViolations.Add(1)
			case traffic.LaneEncroachment:
				s.metrics.LaneViolations.Add(1)
			}
		}
		s.log.Info().
			Str("violation_id", rec.ID).
			Str("camera_id", rec.CameraID).
			Int("object_id", rec.ObjectID).
			Str("license_plate", rec.LicensePlate).
			Str("violation_type", string(rec.Type)).
			Bool("created", created).
			Msg("violation recorded")
	}
	return records
}

// lookupEvidenceImage finds the frame that triggered the cycle: the
// in-memory window first, then the persisted 1 FPS fallback. A miss is
// tolerated; the violation is recorded without image evidence.
func (s *ViolationService) lookupEvidenceImage(ctx context.Context, msg traffic.DetectionMessage, at time.Time) ([]byte, string) {
	if msg.ImageID != "" {
		if f, ok := s.frames.ByID(msg.CameraID, msg.ImageID); ok {
			return f.Image, f.ID
		}
	}
	if f, ok := s.frames.Nearest(msg.CameraID, at, 100*time.Millisecond); ok {
		return f.Image, f.ID
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	defer cancel()
	image, _, err := s.store.FrameNearest(lookupCtx, msg.CameraID, at, time.Second)
	if err != nil {
		s.log.Debug().
			Str("camera_id", msg.CameraID).
			Time("detected_at", at).
			Msg("no evidence frame available")
		return nil, msg.ImageID
	}
	return image, msg.ImageID
}

func (s *ViolationService) publishAsync(event notify.Event) {
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

/* --------------------------------- Queries --------------------------------- */

// ListViolations returns all violations grouped by license plate.
func (s *ViolationService) ListViolations(ctx context.Context) ([]repository.PlateViolations, error) {
	grouped, err := s.store.ViolationsGroupedByPlate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	return grouped, nil
}

// UpdateStatus transitions a violation's review status.
func (s *ViolationService) UpdateStatus(ctx context.Context, id string, status traffic.ViolationStatus) error {
	switch status {
	case traffic.ViolationPending, traffic.ViolationProcessed, traffic.ViolationDismissed:
	default:
		return fmt.Errorf("%w: unknown violation status %q", ErrInvalidInput, status)
	}

	if err := s.store.UpdateViolationStatus(ctx, id, status); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: violation %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to update violation status: %w", err)
	}
	return nil
}

// Image returns a violation's main evidence image.
func (s *ViolationService) Image(ctx context.Context, id string) ([]byte, error) {
	image, err := s.store.ViolationImage(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: violation %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load violation image: %w", err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: violation %s has no image", ErrNotFound, id)
	}
	return image, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// Frames returns a violation's context frames in capture order.
func (s *ViolationService) Frames(ctx context.Context, id string) ([]traffic.EvidenceFrame, error) {
	evidence, err := s.store.ViolationFrames(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load violation frames: %w", err)
	}
	return evidence, nil
}

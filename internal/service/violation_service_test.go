package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-violation-service/internal/domain/traffic"
	"traffic-violation-service/internal/frames"
	"traffic-violation-service/internal/metrics"
	"traffic-violation-service/internal/notify"
	"traffic-violation-service/internal/repository"
)

type violationFixture struct {
	service  *ViolationService
	store    *fakeStore
	notifier *fakeNotifier
	frames   *frames.Buffer
}

func newViolationService(t *testing.T) *violationFixture {
	t.Helper()

	store := newFakeStore()
	notifier := &fakeNotifier{}
	frameBuffer := frames.NewBuffer()

	svc := NewViolationService(ViolationServiceParams{
		Store:    store,
		Frames:   frameBuffer,
		Notifier: notifier,
		Metrics:  metrics.New(),
		Log:      zerolog.Nop(),
	})
	return &violationFixture{service: svc, store: store, notifier: notifier, frames: frameBuffer}
}

func TestRecordViolationsNothingFlagged(t *testing.T) {
	f := newViolationService(t)

	records := f.service.RecordViolations(context.Background(), traffic.DetectionMessage{CameraID: "cam-1"}, nil, nil)
	assert.Empty(t, records)
	assert.Empty(t, f.store.storedViolations())
}

func TestRecordViolationsAttachesEvidence(t *testing.T) {
	f := newViolationService(t)

	now := time.Now()
	image := []byte{0xff, 0xd8}
	f.frames.Push("cam-1", frames.Frame{ID: "f1", Image: image, CreatedAt: now})
	f.frames.Push("cam-1", frames.Frame{ID: "f2", Image: []byte{0x01}, CreatedAt: now.Add(2 * time.Second)})
	f.frames.Push("cam-1", frames.Frame{ID: "old", Image: []byte{0x02}, CreatedAt: now.Add(-30 * time.Second)})

	msg := traffic.DetectionMessage{
		CameraID:   "cam-1",
		ImageID:    "f1",
		CreatedAt:  now.UnixMilli(),
		Detections: []traffic.Detection{{TrackID: 9, Class: traffic.ClassCar, LicensePlate: "ab-123"}},
	}
	records := f.service.RecordViolations(context.Background(), msg, []int{9}, nil)

	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, traffic.RedLightViolation, rec.Type)
	assert.Equal(t, traffic.ViolationPending, rec.Status)
	assert.Equal(t, "AB123", rec.LicensePlate)
	assert.Equal(t, "f1", rec.ImageID)
	assert.Equal(t, image, rec.Image)
	// f1 and f2 fall inside the ±7s context span, "old" does not.
	assert.Len(t, rec.ContextFrames, 2)
}

func TestRecordViolationsBothTypes(t *testing.T) {
	f := newViolationService(t)

	msg := traffic.DetectionMessage{CameraID: "cam-1", CreatedAt: time.Now().UnixMilli()}
	records := f.service.RecordViolations(context.Background(), msg, []int{1}, []int{2, 3})

	require.Len(t, records, 3)
	assert.Equal(t, traffic.RedLightViolation, records[0].Type)
	assert.Equal(t, traffic.LaneEncroachment, records[1].Type)
	assert.Equal(t, traffic.LaneEncroachment, records[2].Type)
	assert.Len(t, f.store.storedViolations(), 3)
}

func TestDuplicateViolationWithinWindowStoredOnce(t *testing.T) {
	f := newViolationService(t)

	now := time.Now()
	f.frames.Push("cam-1", frames.Frame{ID: "f1", Image: []byte{0x01}, CreatedAt: now})
	msg := traffic.DetectionMessage{
		CameraID:   "cam-1",
		ImageID:    "f1",
		CreatedAt:  now.UnixMilli(),
		Detections: []traffic.Detection{{TrackID: 9, Class: traffic.ClassCar, LicensePlate: "AB-123"}},
	}
	first := f.service.RecordViolations(context.Background(), msg, []int{9}, nil)
	require.Len(t, first, 1)

	// The same vehicle is still over the line one cycle later, with a
	// fresher evidence frame.
	later := now.Add(200 * time.Millisecond)
	f.frames.Push("cam-1", frames.Frame{ID: "f2", Image: []byte{0x02}, CreatedAt: later})
	msg.ImageID = "f2"
	msg.CreatedAt = later.UnixMilli()
	second := f.service.RecordViolations(context.Background(), msg, []int{9}, nil)
	require.Len(t, second, 1)

	stored := f.store.storedViolations()
	require.Len(t, stored, 1, "duplicate within the window must not create a second record")
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, []byte{0x02}, stored[0].Image, "evidence refreshed on the dedup hit")
	assert.Equal(t, "f2", stored[0].ImageID)
	assert.Equal(t, later.UnixMilli(), stored[0].DetectedAt.UnixMilli())
}

func TestPlatelessDuplicateDedupedByObjectID(t *testing.T) {
	f := newViolationService(t)

	msg := traffic.DetectionMessage{
		CameraID:   "cam-1",
		CreatedAt:  time.Now().UnixMilli(),
		Detections: []traffic.Detection{{TrackID: 7, Class: traffic.ClassCar}},
	}
	f.service.RecordViolations(context.Background(), msg, []int{7}, nil)
	f.service.RecordViolations(context.Background(), msg, []int{7}, nil)

	require.Len(t, f.store.storedViolations(), 1)

	// A different tracker id is a different subject.
	f.service.RecordViolations(context.Background(), msg, []int{8}, nil)
	assert.Len(t, f.store.storedViolations(), 2)
}

func TestNotificationSurvivesPersistenceFailure(t *testing.T) {
	f := newViolationService(t)
	f.store.upsertErr = errors.New("database down")

	msg := traffic.DetectionMessage{CameraID: "cam-1", CreatedAt: time.Now().UnixMilli()}
	records := f.service.RecordViolations(context.Background(), msg, []int{1}, nil)

	require.Len(t, records, 1)
	assert.Empty(t, f.store.storedViolations())
	require.Eventually(t, func() bool {
		return len(f.notifier.byType(notify.EventViolation)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDedupWindowForwardedToStore(t *testing.T) {
	f := newViolationService(t)

	msg := traffic.DetectionMessage{CameraID: "cam-1", CreatedAt: time.Now().UnixMilli()}
	f.service.RecordViolations(context.Background(), msg, []int{1}, nil)

	require.Len(t, f.store.dedupWindows, 1)
	assert.Equal(t, time.Minute, f.store.dedupWindows[0])
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	f := newViolationService(t)

	err := f.service.UpdateStatus(context.Background(), "v-1", traffic.ViolationStatus("ARCHIVED"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateStatusMapsNotFound(t *testing.T) {
	f := newViolationService(t)
	f.store.updateErr = repository.ErrNotFound

	err := f.service.UpdateStatus(context.Background(), "missing", traffic.ViolationProcessed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImageNotFound(t *testing.T) {
	f := newViolationService(t)

	_, err := f.service.Image(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

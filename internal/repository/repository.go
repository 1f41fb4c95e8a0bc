package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"traffic-violation-service/internal/domain/traffic"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type Camera struct {
	ID                 string `gorm:"primaryKey"`
	Name               string
	APIKey             string         `gorm:"column:api_key"`
	StopLineYPercent   float64        `gorm:"column:stop_line_y_percent"`
	LaneBoundaries     datatypes.JSON `gorm:"column:lane_boundaries"`
	LaneAllowedClasses datatypes.JSON `gorm:"column:lane_allowed_classes"`
	CreatedAt          time.Time
}

type Violation struct {
	ID            string `gorm:"primaryKey"`
	CameraID      string `gorm:"not null"`
	ObjectID      int
	LicensePlate  *string
	ViolationType string `gorm:"not null"`
	Status        string `gorm:"not null"`
	DetectionTime time.Time
	ImageID       *string
	Image         []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ViolationFrame struct {
	ID          int64  `gorm:"primaryKey"`
	ViolationID string `gorm:"not null"`
	Timestamp   time.Time
	Image       []byte
}

type SignalSample struct {
	ID         int64     `gorm:"primaryKey"`
	CameraID   string    `gorm:"not null"`
	Status     string    `gorm:"not null"`
	ObservedAt time.Time `gorm:"not null"`
	CreatedAt  time.Time
}

type CameraFrame struct {
	ID        string `gorm:"primaryKey"`
	CameraID  string `gorm:"not null"`
	Image     []byte `gorm:"not null"`
	Width     int
	Height    int
	CreatedAt time.Time
}

type DetectionCycle struct {
	ID           int64  `gorm:"primaryKey"`
	CameraID     string `gorm:"not null"`
	ImageID      *string
	VehicleCount int
	Payload      datatypes.JSON
	CreatedAt    time.Time
}

type SensorReading struct {
	ID         int64  `gorm:"primaryKey"`
	Topic      string `gorm:"not null"`
	Payload    datatypes.JSON
	ReceivedAt time.Time
}

/* ------------------------------ Camera config ----------------------------- */

// CameraGeometry loads the line/lane configuration for a camera.
func (r *Repository) CameraGeometry(ctx context.Context, cameraID string) (traffic.CameraGeometry, error) {
	var cam Camera
	if err := r.db.WithContext(ctx).First(&cam, "id = ?", cameraID).Error; err != nil {
		return traffic.CameraGeometry{}, err
	}

	geom := traffic.CameraGeometry{StopLineY: cam.StopLineYPercent}
	if len(cam.LaneBoundaries) > 0 {
		if err := json.Unmarshal(cam.LaneBoundaries, &geom.LaneBoundaries); err != nil {
			return traffic.CameraGeometry{}, fmt.Errorf("camera %s lane boundaries: %w", cameraID, err)
		}
	}
	if len(cam.LaneAllowedClasses) > 0 {
		if err := json.Unmarshal(cam.LaneAllowedClasses, &geom.LaneClasses); err != nil {
			return traffic.CameraGeometry{}, fmt.Errorf("camera %s lane classes: %w", cameraID, err)
		}
	}
	return geom, nil
}

// CameraByKey authenticates a camera's ingest credentials.
func (r *Repository) CameraByKey(ctx context.Context, cameraID, apiKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Camera{}).
		Where("id = ? AND api_key = ?", cameraID, apiKey).
		Count(&count).Error
	return count > 0, err
}

/* -------------------------------- Violations ------------------------------ */

// UpsertPendingViolation deduplicates against an existing PENDING record for
// the same (camera, plate-or-object, type) created within the window. A hit
// gets its evidence refreshed; otherwise a new record is created. Returns
// whether a new record was created, and the stored record's id.
func (r *Repository) UpsertPendingViolation(ctx context.Context, rec *traffic.ViolationRecord, window time.Duration) (bool, error) {
	var candidates []Violation
	err := r.db.WithContext(ctx).
		Where("camera_id = ?", rec.CameraID).
		Where("violation_type = ?", string(rec.Type)).
		Where("status = ?", string(traffic.ViolationPending)).
		Where("created_at >= ?", time.Now().Add(-window)).
		Find(&candidates).Error
	if err != nil {
		return false, err
	}

	for _, existing := range candidates {
		if !sameSubject(existing, rec) {
			continue
		}
		updates := map[string]any{
			"detection_time": rec.DetectedAt,
			"updated_at":     time.Now(),
		}
		if len(rec.Image) > 0 {
			updates["image"] = rec.Image
		}
		if rec.ImageID != "" {
			updates["image_id"] = rec.ImageID
		}
		if err := r.db.WithContext(ctx).Model(&Violation{}).
			Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return false, err
		}
		rec.ID = existing.ID
		if len(rec.ContextFrames) > 0 {
			if err := r.replaceFrames(ctx, existing.ID, rec.ContextFrames); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	row := Violation{
		ID:            uuid.NewString(),
		CameraID:      rec.CameraID,
		ObjectID:      rec.ObjectID,
		ViolationType: string(rec.Type),
		Status:        string(traffic.ViolationPending),
		DetectionTime: rec.DetectedAt,
		Image:         rec.Image,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if rec.LicensePlate != "" {
		row.LicensePlate = &rec.LicensePlate
	}
	if rec.ImageID != "" {
		row.ImageID = &rec.ImageID
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return false, err
	}
	rec.ID = row.ID
	if len(rec.ContextFrames) > 0 {
		if err := r.replaceFrames(ctx, row.ID, rec.ContextFrames); err != nil {
			return true, err
		}
	}
	return true, nil
}

// sameSubject reports whether an existing row refers to the same vehicle as
// the incoming record: by plate when one was recognized, otherwise by
// tracker object id among plateless rows. A plated record never collapses
// into a plateless one or vice versa; object ids are only stable within a
// tracking session.
func sameSubject(row Violation, rec *traffic.ViolationRecord) bool {
	if rec.LicensePlate != "" {
		return row.LicensePlate != nil && *row.LicensePlate == rec.LicensePlate
	}
	return row.LicensePlate == nil && row.ObjectID == rec.ObjectID
}

func (r *Repository) replaceFrames(ctx context.Context, violationID string, frames []traffic.EvidenceFrame) error {
	if err := r.db.WithContext(ctx).
		Where("violation_id = ?", violationID).
		Delete(&ViolationFrame{}).Error; err != nil {
		return err
	}
	rows := make([]ViolationFrame, 0, len(frames))
	for _, f := range frames {
		rows = append(rows, ViolationFrame{
			ViolationID: violationID,
			Timestamp:   f.Timestamp,
			Image:       f.Image,
		})
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

// PlateViolations groups a plate's violation history for the dashboard.
type PlateViolations struct {
	LicensePlate string                    `json:"license_plate"`
	Violations   []traffic.ViolationRecord `json:"violations"`
}

// ViolationsGroupedByPlate returns all violations grouped by license plate.
// Records without a recognized plate are grouped under the empty key.
func (r *Repository) ViolationsGroupedByPlate(ctx context.Context) ([]PlateViolations, error) {
	var rows []Violation
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var out []PlateViolations
	for _, row := range rows {
		plate := ""
		if row.LicensePlate != nil {
			plate = *row.LicensePlate
		}
		i, ok := index[plate]
		if !ok {
			i = len(out)
			index[plate] = i
			out = append(out, PlateViolations{LicensePlate: plate})
		}
		out[i].Violations = append(out[i].Violations, violationRecord(row))
	}
	return out, nil
}

func violationRecord(row Violation) traffic.ViolationRecord {
	rec := traffic.ViolationRecord{
		ID:         row.ID,
		CameraID:   row.CameraID,
		ObjectID:   row.ObjectID,
		Type:       traffic.ViolationType(row.ViolationType),
		Status:     traffic.ViolationStatus(row.Status),
		DetectedAt: row.DetectionTime,
	}
	if row.LicensePlate != nil {
		rec.LicensePlate = *row.LicensePlate
	}
	if row.ImageID != nil {
		rec.ImageID = *row.ImageID
	}
	return rec
}

// UpdateViolationStatus transitions a record's review status.
func (r *Repository) UpdateViolationStatus(ctx context.Context, id string, status traffic.ViolationStatus) error {
	res := r.db.WithContext(ctx).Model(&Violation{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ViolationImage returns the main evidence image for a violation.
func (r *Repository) ViolationImage(ctx context.Context, id string) ([]byte, error) {
	var row Violation
	if err := r.db.WithContext(ctx).Select("image").First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return row.Image, nil
}

// ViolationFrames returns the context frames attached to a violation in
// capture order.
func (r *Repository) ViolationFrames(ctx context.Context, id string) ([]traffic.EvidenceFrame, error) {
	var rows []ViolationFrame
	if err := r.db.WithContext(ctx).
		Where("violation_id = ?", id).
		Order("timestamp ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	frames := make([]traffic.EvidenceFrame, 0, len(rows))
	for _, row := range rows {
		frames = append(frames, traffic.EvidenceFrame{Timestamp: row.Timestamp, Image: row.Image})
	}
	return frames, nil
}

/* ------------------------------ Signal samples ----------------------------- */

func (r *Repository) SaveSignalSample(ctx context.Context, cameraID string, status traffic.SignalStatus, observedAt time.Time) error {
	return r.db.WithContext(ctx).Create(&SignalSample{
		CameraID:   cameraID,
		Status:     string(status),
		ObservedAt: observedAt,
		CreatedAt:  time.Now(),
	}).Error
}

// SignalStatusAt returns the most recent sample observed at or before the
// given instant. No sample resolves to UNKNOWN, not an error.
func (r *Repository) SignalStatusAt(ctx context.Context, cameraID string, at time.Time) (traffic.SignalStatus, error) {
	var row SignalSample
	err := r.db.WithContext(ctx).
		Where("camera_id = ? AND observed_at <= ?", cameraID, at).
		Order("observed_at DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return traffic.SignalUnknown, nil
	}
	if err != nil {
		return traffic.SignalUnknown, err
	}
	return traffic.SignalStatus(row.Status), nil
}

/* --------------------------------- Frames ---------------------------------- */

// SaveFrame persists a throttled fallback copy of a camera frame.
func (r *Repository) SaveFrame(ctx context.Context, cameraID, frameID string, image []byte, width, height int, createdAt time.Time) error {
	return r.db.WithContext(ctx).Create(&CameraFrame{
		ID:        frameID,
		CameraID:  cameraID,
		Image:     image,
		Width:     width,
		Height:    height,
		CreatedAt: createdAt,
	}).Error
}

// FrameNearest returns the persisted frame closest to the instant within the
// tolerance, used when the in-memory window has already expired.
func (r *Repository) FrameNearest(ctx context.Context, cameraID string, at time.Time, tolerance time.Duration) ([]byte, time.Time, error) {
	var rows []CameraFrame
	err := r.db.WithContext(ctx).
		Where("camera_id = ? AND created_at BETWEEN ? AND ?", cameraID, at.Add(-tolerance), at.Add(tolerance)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(rows) == 0 {
		return nil, time.Time{}, gorm.ErrRecordNotFound
	}

	best := rows[0]
	bestDelta := absDuration(best.CreatedAt.Sub(at))
	for _, row := range rows[1:] {
		if delta := absDuration(row.CreatedAt.Sub(at)); delta < bestDelta {
			best, bestDelta = row, delta
		}
	}
	return best.Image, best.CreatedAt, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

/* ----------------------------- Detection cycles ---------------------------- */

// SaveDetectionCycle archives one inference cycle with a short retention.
func (r *Repository) SaveDetectionCycle(ctx context.Context, msg traffic.DetectionMessage) error {
	payload, err := json.Marshal(map[string]any{
		"detections":       msg.Detections,
		"tracks":           msg.Tracks,
		"new_crossings":    msg.NewCrossings,
		"image_dimensions": msg.ImageDimensions,
		"inference_time":   msg.InferenceTime,
	})
	if err != nil {
		return err
	}

	row := DetectionCycle{
		CameraID:     msg.CameraID,
		VehicleCount: len(msg.Detections),
		Payload:      payload,
		CreatedAt:    msg.Timestamp(),
	}
	if msg.ImageID != "" {
		row.ImageID = &msg.ImageID
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

/* ------------------------------ Traffic stats ------------------------------ */

// IncrementVehicleCounts upserts per-minute crossing counts by class.
func (r *Repository) IncrementVehicleCounts(ctx context.Context, cameraID string, at time.Time, counts map[string]int) error {
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return nil
	}

	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	minuteOfDay := at.Hour()*60 + at.Minute()

	return r.db.WithContext(ctx).Exec(`
		INSERT INTO traffic_stats (camera_id, date, minute_of_day, vehicle_count, car_count, truck_count, bus_count, motorcycle_count, bicycle_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (camera_id, date, minute_of_day) DO UPDATE SET
			vehicle_count    = traffic_stats.vehicle_count + EXCLUDED.vehicle_count,
			car_count        = traffic_stats.car_count + EXCLUDED.car_count,
			truck_count      = traffic_stats.truck_count + EXCLUDED.truck_count,
			bus_count        = traffic_stats.bus_count + EXCLUDED.bus_count,
			motorcycle_count = traffic_stats.motorcycle_count + EXCLUDED.motorcycle_count,
			bicycle_count    = traffic_stats.bicycle_count + EXCLUDED.bicycle_count`,
		cameraID, day, minuteOfDay, total,
		counts[traffic.ClassCar], counts[traffic.ClassTruck], counts[traffic.ClassBus],
		counts[traffic.ClassMotorcycle], counts[traffic.ClassBicycle],
	).Error
}

// StatRow is one per-minute statistics bucket.
type StatRow struct {
	CameraID        string    `json:"camera_id"`
	Date            time.Time `json:"date"`
	MinuteOfDay     int       `json:"minute_of_day"`
	VehicleCount    int       `json:"vehicle_count"`
	CarCount        int       `json:"car_count"`
	TruckCount      int       `json:"truck_count"`
	BusCount        int       `json:"bus_count"`
	MotorcycleCount int       `json:"motorcycle_count"`
	BicycleCount    int       `json:"bicycle_count"`
}

// VehicleCounts lists a camera's per-minute buckets for a day.
func (r *Repository) VehicleCounts(ctx context.Context, cameraID string, day time.Time) ([]StatRow, error) {
	var rows []StatRow
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	err := r.db.WithContext(ctx).
		Table("traffic_stats").
		Where("camera_id = ? AND date = ?", cameraID, start).
		Order("minute_of_day ASC").
		Scan(&rows).Error
	return rows, err
}

/* --------------------------------- Sensors --------------------------------- */

func (r *Repository) SaveSensorReading(ctx context.Context, reading traffic.SensorReading) error {
	payload, err := json.Marshal(reading.Payload)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&SensorReading{
		Topic:      reading.Topic,
		Payload:    payload,
		ReceivedAt: reading.ReceivedAt,
	}).Error
}

/* -------------------------------- Retention -------------------------------- */

// DeleteOldDetectionCycles drops archived cycles older than the retention.
func (r *Repository) DeleteOldDetectionCycles(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", time.Now().Add(-olderThan)).
		Delete(&DetectionCycle{})
	return res.RowsAffected, res.Error
}

// DeleteOldFrames drops fallback frames older than the retention.
func (r *Repository) DeleteOldFrames(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", time.Now().Add(-olderThan)).
		Delete(&CameraFrame{})
	return res.RowsAffected, res.Error
}

// DeleteOldSignalSamples trims the historical signal log.
func (r *Repository) DeleteOldSignalSamples(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("observed_at < ?", time.Now().Add(-olderThan)).
		Delete(&SignalSample{})
	return res.RowsAffected, res.Error
}

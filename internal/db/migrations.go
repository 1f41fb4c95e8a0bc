package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS cameras (
		id                      TEXT PRIMARY KEY,
		name                    TEXT,
		api_key                 TEXT NOT NULL,
		stop_line_y_percent     NUMERIC(5,2) NOT NULL DEFAULT 50,
		lane_boundaries         JSONB NOT NULL DEFAULT '[]',
		lane_allowed_classes    JSONB NOT NULL DEFAULT '[]',
		created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS violations (
		id              TEXT PRIMARY KEY,
		camera_id       TEXT NOT NULL REFERENCES cameras(id),
		object_id       INT,
		license_plate   TEXT,
		violation_type  TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'PENDING',
		detection_time  TIMESTAMPTZ,
		image_id        TEXT,
		image           BYTEA,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_dedup
		ON violations(camera_id, violation_type, status, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_plate ON violations(license_plate);`,
	`CREATE TABLE IF NOT EXISTS violation_frames (
		id              BIGSERIAL PRIMARY KEY,
		violation_id    TEXT NOT NULL REFERENCES violations(id) ON DELETE CASCADE,
		timestamp       TIMESTAMPTZ NOT NULL,
		image           BYTEA NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violation_frames_violation
		ON violation_frames(violation_id);`,
	`CREATE TABLE IF NOT EXISTS signal_samples (
		id              BIGSERIAL PRIMARY KEY,
		camera_id       TEXT NOT NULL,
		status          TEXT NOT NULL,
		observed_at     TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_signal_samples_lookup
		ON signal_samples(camera_id, observed_at DESC);`,
	`CREATE TABLE IF NOT EXISTS camera_frames (
		id              TEXT PRIMARY KEY,
		camera_id       TEXT NOT NULL,
		image           BYTEA NOT NULL,
		width           INT,
		height          INT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_camera_frames_lookup
		ON camera_frames(camera_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS detection_cycles (
		id              BIGSERIAL PRIMARY KEY,
		camera_id       TEXT NOT NULL,
		image_id        TEXT,
		vehicle_count   INT NOT NULL DEFAULT 0,
		payload         JSONB,
		created_at      TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_detection_cycles_created
		ON detection_cycles(created_at);`,
	`CREATE TABLE IF NOT EXISTS traffic_stats (
		camera_id           TEXT NOT NULL,
		date                TIMESTAMPTZ NOT NULL,
		minute_of_day       INT NOT NULL,
		vehicle_count       INT NOT NULL DEFAULT 0,
		car_count           INT NOT NULL DEFAULT 0,
		truck_count         INT NOT NULL DEFAULT 0,
		bus_count           INT NOT NULL DEFAULT 0,
		motorcycle_count    INT NOT NULL DEFAULT 0,
		bicycle_count       INT NOT NULL DEFAULT 0,
		PRIMARY KEY (camera_id, date, minute_of_day)
	);`,
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		id              BIGSERIAL PRIMARY KEY,
		topic           TEXT NOT NULL,
		payload         JSONB,
		received_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
}

// Migrate applies the schema statements in order. All statements are
// idempotent.
func Migrate(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

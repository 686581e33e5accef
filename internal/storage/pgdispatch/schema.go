package pgdispatch

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS rides (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  driver_id TEXT NULL,
  pickup_date TEXT NOT NULL,
  pickup_time TEXT NOT NULL,
  patient_name TEXT NOT NULL DEFAULT '',
  destination_name TEXT NOT NULL DEFAULT '',
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_rides_status ON rides(status)`,
		`CREATE INDEX IF NOT EXISTS idx_rides_driver_id ON rides(driver_id)`,
		`
CREATE TABLE IF NOT EXISTS acceptance_trackings (
  id TEXT PRIMARY KEY,
  ride_id TEXT NOT NULL REFERENCES rides(id) ON DELETE CASCADE,
  driver_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  is_short_notice BOOLEAN NOT NULL,
  notified_at TIMESTAMPTZ NOT NULL,
  reminder_1_at TIMESTAMPTZ NULL,
  reminder_2_at TIMESTAMPTZ NULL,
  resolved_at TIMESTAMPTZ NULL,
  resolved_by TEXT NULL,
  rejection_reason_code TEXT NULL,
  rejection_reason_text TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_acceptance_trackings_stage ON acceptance_trackings(stage)`,
		// one active record per ride, enforced alongside the application logic
		`
CREATE UNIQUE INDEX IF NOT EXISTS uq_acceptance_trackings_active_ride
ON acceptance_trackings(ride_id)
WHERE stage IN ('notified','reminder_1','reminder_2')`,
		`
CREATE TABLE IF NOT EXISTS ride_events (
  id BIGSERIAL PRIMARY KEY,
  ride_id TEXT NOT NULL REFERENCES rides(id) ON DELETE CASCADE,
  event_type TEXT NOT NULL,
  from_status TEXT NULL,
  to_status TEXT NULL,
  actor_role TEXT NULL,
  actor_id TEXT NULL,
  stage TEXT NULL,
  message TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_ride_events_ride_id_created_at ON ride_events(ride_id, created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS respond_tokens (
  token TEXT PRIMARY KEY,
  ride_id TEXT NOT NULL REFERENCES rides(id) ON DELETE CASCADE,
  driver_id TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  used_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_respond_tokens_ride_id ON respond_tokens(ride_id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

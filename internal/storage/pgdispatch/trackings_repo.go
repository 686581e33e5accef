package pgdispatch

import (
	"context"
	"time"

	"github.com/CuraFleet/dispatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const trackingColumns = `
  id, ride_id, driver_id, stage, is_short_notice,
  notified_at, reminder_1_at, reminder_2_at,
  resolved_at, resolved_by, rejection_reason_code, rejection_reason_text,
  created_at, updated_at`

func (s *Storage) InsertTracking(ctx context.Context, tr *models.AcceptanceTracking) error {
	now := time.Now().UTC()
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = now
	}
	tr.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
INSERT INTO acceptance_trackings (
  id, ride_id, driver_id, stage, is_short_notice, notified_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, tr.ID, tr.RideID, tr.DriverID, string(tr.Stage), tr.IsShortNotice, tr.NotifiedAt.UTC(), tr.CreatedAt, tr.UpdatedAt)
	return errors.Wrap(err, "insert acceptance tracking")
}

func (s *Storage) CancelActiveTracking(ctx context.Context, rideID string, at time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE acceptance_trackings
SET stage = $2, resolved_at = $3, resolved_by = $4, updated_at = now()
WHERE ride_id = $1
  AND stage IN ('notified','reminder_1','reminder_2')
`, rideID, string(models.StageCancelled), at.UTC(), string(models.ResolvedByDispatcherOverride))
	if err != nil {
		return 0, errors.Wrap(err, "cancel acceptance tracking")
	}
	return tag.RowsAffected(), nil
}

func (s *Storage) ResolveActiveTracking(ctx context.Context, rideID string, stage models.AcceptanceStage, at time.Time,
	method models.ResolutionMethod, reasonCode *models.RejectionReason, reasonText *string) (int64, error) {
	var code *string
	if reasonCode != nil {
		v := string(*reasonCode)
		code = &v
	}
	tag, err := s.db.Exec(ctx, `
UPDATE acceptance_trackings
SET stage = $2, resolved_at = $3, resolved_by = $4,
    rejection_reason_code = $5, rejection_reason_text = $6, updated_at = now()
WHERE ride_id = $1
  AND stage IN ('notified','reminder_1','reminder_2')
`, rideID, string(stage), at.UTC(), string(method), code, reasonText)
	if err != nil {
		return 0, errors.Wrap(err, "resolve acceptance tracking")
	}
	return tag.RowsAffected(), nil
}

// EscalateTracking is the engine's compare-and-swap: the row is only touched
// when the stored stage still equals expected. This is the sole concurrency
// control between overlapping sweep passes.
func (s *Storage) EscalateTracking(ctx context.Context, trackingID string, expected, next models.AcceptanceStage, at time.Time) (bool, error) {
	var q string
	switch next {
	case models.StageReminder1:
		q = `UPDATE acceptance_trackings
SET stage = $3, reminder_1_at = $4, updated_at = now()
WHERE id = $1 AND stage = $2`
	case models.StageReminder2:
		q = `UPDATE acceptance_trackings
SET stage = $3, reminder_2_at = $4, updated_at = now()
WHERE id = $1 AND stage = $2`
	case models.StageTimedOut:
		q = `UPDATE acceptance_trackings
SET stage = $3, resolved_at = $4, resolved_by = 'timeout', updated_at = now()
WHERE id = $1 AND stage = $2`
	default:
		return false, errors.Errorf("escalate tracking: unsupported target stage %q", next)
	}

	tag, err := s.db.Exec(ctx, q, trackingID, string(expected), string(next), at.UTC())
	if err != nil {
		return false, errors.Wrap(err, "escalate tracking")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) ListActiveTrackings(ctx context.Context) ([]*models.AcceptanceTracking, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+trackingColumns+`
FROM acceptance_trackings
WHERE stage IN ('notified','reminder_1','reminder_2')
ORDER BY notified_at ASC
`)
	if err != nil {
		return nil, errors.Wrap(err, "select active trackings")
	}
	defer rows.Close()

	var out []*models.AcceptanceTracking
	for rows.Next() {
		tr, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// GetActiveTracking returns the single active record for a ride, or nil when
// none exists.
func (s *Storage) GetActiveTracking(ctx context.Context, rideID string) (*models.AcceptanceTracking, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+trackingColumns+`
FROM acceptance_trackings
WHERE ride_id = $1
  AND stage IN ('notified','reminder_1','reminder_2')
`, rideID)
	if err != nil {
		return nil, errors.Wrap(err, "select active tracking")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return scanTracking(rows)
}

func scanTracking(rows pgx.Rows) (*models.AcceptanceTracking, error) {
	var tr models.AcceptanceTracking
	var stage string
	var resolvedBy, reasonCode *string
	if err := rows.Scan(
		&tr.ID, &tr.RideID, &tr.DriverID, &stage, &tr.IsShortNotice,
		&tr.NotifiedAt, &tr.Reminder1At, &tr.Reminder2At,
		&tr.ResolvedAt, &resolvedBy, &reasonCode, &tr.RejectionReasonText,
		&tr.CreatedAt, &tr.UpdatedAt,
	); err != nil {
		return nil, errors.Wrap(err, "scan tracking")
	}
	tr.Stage = models.AcceptanceStage(stage)
	if resolvedBy != nil {
		m := models.ResolutionMethod(*resolvedBy)
		tr.ResolvedBy = &m
	}
	if reasonCode != nil {
		c := models.RejectionReason(*reasonCode)
		tr.RejectionReasonCode = &c
	}
	return &tr, nil
}

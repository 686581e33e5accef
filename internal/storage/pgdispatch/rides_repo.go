package pgdispatch

import (
	"context"
	"time"

	"github.com/CuraFleet/dispatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var ErrRideNotFound = errors.New("ride not found")

func (s *Storage) CreateRide(ctx context.Context, r *models.Ride) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
INSERT INTO rides (
  id, status, driver_id, pickup_date, pickup_time,
  patient_name, destination_name, is_active, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, r.ID, string(r.Status), r.DriverID, r.PickupDate, r.PickupTime,
		r.PatientName, r.DestinationName, r.IsActive, r.CreatedAt, r.UpdatedAt)
	return errors.Wrap(err, "insert ride")
}

func (s *Storage) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := s.db.QueryRow(ctx, `
SELECT
  id, status, driver_id, pickup_date, pickup_time,
  patient_name, destination_name, is_active, created_at, updated_at
FROM rides
WHERE id = $1
`, id)

	var r models.Ride
	var status string
	if err := row.Scan(
		&r.ID, &status, &r.DriverID, &r.PickupDate, &r.PickupTime,
		&r.PatientName, &r.DestinationName, &r.IsActive, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRideNotFound
		}
		return nil, errors.Wrap(err, "select ride")
	}
	r.Status = models.RideStatus(status)
	return &r, nil
}

// UpdateRideStatus applies a status change conditioned on the current stored
// status, so two racing dispatch actions cannot both win. Reports whether the
// row changed.
func (s *Storage) UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE rides
SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2
`, id, string(from), string(to))
	if err != nil {
		return false, errors.Wrap(err, "update ride status")
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateRideAssignment sets the driver and, optionally, a derived status in
// one statement (the unplanned<->planned auto transitions ride along with the
// assignment change).
func (s *Storage) UpdateRideAssignment(ctx context.Context, id string, driverID *string, status *models.RideStatus) error {
	var err error
	if status != nil {
		_, err = s.db.Exec(ctx, `
UPDATE rides SET driver_id = $2, status = $3, updated_at = now() WHERE id = $1
`, id, driverID, string(*status))
	} else {
		_, err = s.db.Exec(ctx, `
UPDATE rides SET driver_id = $2, updated_at = now() WHERE id = $1
`, id, driverID)
	}
	return errors.Wrap(err, "update ride assignment")
}

package pgdispatch

import (
	"context"
	"time"

	"github.com/CuraFleet/dispatch/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) AppendRideEvent(ctx context.Context, ev *models.RideEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var fromStatus, toStatus, actorRole, stage *string
	if ev.FromStatus != nil {
		v := string(*ev.FromStatus)
		fromStatus = &v
	}
	if ev.ToStatus != nil {
		v := string(*ev.ToStatus)
		toStatus = &v
	}
	if ev.ActorRole != nil {
		v := string(*ev.ActorRole)
		actorRole = &v
	}
	if ev.Stage != nil {
		v := string(*ev.Stage)
		stage = &v
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO ride_events (
  ride_id, event_type, from_status, to_status, actor_role, actor_id, stage, message, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, ev.RideID, string(ev.Type), fromStatus, toStatus, actorRole, ev.ActorID, stage, ev.Message, ev.CreatedAt)
	return errors.Wrap(err, "insert ride event")
}

func (s *Storage) ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]*models.RideEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, ride_id, event_type, from_status, to_status,
  actor_role, actor_id, stage, message, created_at
FROM ride_events
WHERE ride_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3
`, rideID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select ride events")
	}
	defer rows.Close()

	var out []*models.RideEvent
	for rows.Next() {
		var ev models.RideEvent
		var evType string
		var fromStatus, toStatus, actorRole, stage *string
		if err := rows.Scan(
			&ev.ID, &ev.RideID, &evType, &fromStatus, &toStatus,
			&actorRole, &ev.ActorID, &stage, &ev.Message, &ev.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan ride event")
		}
		ev.Type = models.RideEventType(evType)
		if fromStatus != nil {
			v := models.RideStatus(*fromStatus)
			ev.FromStatus = &v
		}
		if toStatus != nil {
			v := models.RideStatus(*toStatus)
			ev.ToStatus = &v
		}
		if actorRole != nil {
			v := models.ActorRole(*actorRole)
			ev.ActorRole = &v
		}
		if stage != nil {
			v := models.AcceptanceStage(*stage)
			ev.Stage = &v
		}
		out = append(out, &ev)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

package pgdispatch

import (
	"context"
	"time"

	"github.com/CuraFleet/dispatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) InsertRespondToken(ctx context.Context, tok *models.RespondToken) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO respond_tokens (token, ride_id, driver_id, expires_at, created_at)
VALUES ($1,$2,$3,$4,$5)
`, tok.Token, tok.RideID, tok.DriverID, tok.ExpiresAt.UTC(), tok.CreatedAt)
	return errors.Wrap(err, "insert respond token")
}

// ConsumeRespondToken validates and burns a token in one conditional update.
// Returns nil when the token is unknown, expired or already used.
func (s *Storage) ConsumeRespondToken(ctx context.Context, token string, now time.Time) (*models.RespondToken, error) {
	row := s.db.QueryRow(ctx, `
UPDATE respond_tokens
SET used_at = $2
WHERE token = $1
  AND used_at IS NULL
  AND expires_at > $2
RETURNING token, ride_id, driver_id, expires_at, used_at, created_at
`, token, now.UTC())

	var tok models.RespondToken
	if err := row.Scan(&tok.Token, &tok.RideID, &tok.DriverID, &tok.ExpiresAt, &tok.UsedAt, &tok.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "consume respond token")
	}
	return &tok, nil
}

// InvalidateRespondTokens burns every outstanding token for a ride. Called
// whenever the assignment resolves or changes so stale email links die.
func (s *Storage) InvalidateRespondTokens(ctx context.Context, rideID string, now time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE respond_tokens
SET used_at = $2
WHERE ride_id = $1 AND used_at IS NULL
`, rideID, now.UTC())
	return errors.Wrap(err, "invalidate respond tokens")
}

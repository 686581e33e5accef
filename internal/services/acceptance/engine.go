// Package acceptance implements the driver-acceptance escalation engine: it
// tracks whether an assigned driver has confirmed or rejected a ride within
// the SLA window and escalates overdue assignments through reminders up to a
// dispatcher timeout notice.
package acceptance

import (
	"context"
	"log/slog"
	"time"

	"github.com/CuraFleet/dispatch/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	InsertTracking(ctx context.Context, tr *models.AcceptanceTracking) error
	// CancelActiveTracking moves any active record for the ride to cancelled
	// with resolved_by=dispatcher_override. Returns rows affected (0 or 1).
	CancelActiveTracking(ctx context.Context, rideID string, at time.Time) (int64, error)
	// ResolveActiveTracking moves any active record for the ride directly to
	// the target terminal stage. Returns rows affected (0 or 1).
	ResolveActiveTracking(ctx context.Context, rideID string, stage models.AcceptanceStage, at time.Time,
		method models.ResolutionMethod, reasonCode *models.RejectionReason, reasonText *string) (int64, error)
	// EscalateTracking is the CAS: the update applies only if the stored stage
	// still equals expected. Reports whether the row changed.
	EscalateTracking(ctx context.Context, trackingID string, expected, next models.AcceptanceStage, at time.Time) (bool, error)
	ListActiveTrackings(ctx context.Context) ([]*models.AcceptanceTracking, error)
	GetActiveTracking(ctx context.Context, rideID string) (*models.AcceptanceTracking, error)
	AppendRideEvent(ctx context.Context, ev *models.RideEvent) error
}

type Notifier interface {
	SendDriverReminder(ctx context.Context, rideID, driverID string, stage models.AcceptanceStage) error
	SendDispatcherEscalation(ctx context.Context, rideID, driverID string) error
}

type EscalationResult struct {
	TrackingID string                 `json:"trackingId"`
	RideID     string                 `json:"rideId"`
	DriverID   string                 `json:"driverId"`
	FromStage  models.AcceptanceStage `json:"fromStage"`
	ToStage    models.AcceptanceStage `json:"toStage"`
	Escalated  bool                   `json:"escalated"`
}

type Engine struct {
	repo     Repository
	notifier Notifier
	enabled  bool

	now func() time.Time
	loc *time.Location
}

func New(repo Repository, notifier Notifier, enabled bool) *Engine {
	return &Engine{
		repo:     repo,
		notifier: notifier,
		enabled:  enabled,
		now:      time.Now,
		loc:      time.Local,
	}
}

// WithClock replaces the wall clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithLocation sets the timezone pickup date/time strings are interpreted in.
func (e *Engine) WithLocation(loc *time.Location) *Engine {
	if loc != nil {
		e.loc = loc
	}
	return e
}

func (e *Engine) Enabled() bool { return e.enabled }

// CreateAcceptanceTracking starts tracking a fresh driver assignment. Any
// prior active tracking for the ride is cancelled first, so the one-active-
// record invariant holds. Short-notice classification is computed once, now,
// and frozen on the record. Store errors are logged and swallowed: a lost
// insert means no escalation for this assignment, the dispatcher remains the
// fallback.
func (e *Engine) CreateAcceptanceTracking(ctx context.Context, rideID, driverID, pickupDate, pickupTime string) {
	if !e.enabled {
		return
	}
	e.CancelAcceptanceTracking(ctx, rideID)

	now := e.now()
	shortNotice := false
	if pickupAt, err := models.PickupAt(pickupDate, pickupTime, e.loc); err != nil {
		slog.Warn("unparseable pickup time, assuming normal notice",
			"ride_id", rideID, "pickup_date", pickupDate, "pickup_time", pickupTime, "error", err.Error())
	} else {
		shortNotice = IsShortNotice(pickupAt, now)
	}

	tr := &models.AcceptanceTracking{
		ID:            models.NewID(),
		RideID:        rideID,
		DriverID:      driverID,
		Stage:         models.StageNotified,
		IsShortNotice: shortNotice,
		NotifiedAt:    now,
	}
	if err := e.repo.InsertTracking(ctx, tr); err != nil {
		slog.Error("create acceptance tracking", "ride_id", rideID, "driver_id", driverID, "error", err.Error())
	}
}

// CancelAcceptanceTracking resolves any active tracking for the ride as
// cancelled by dispatcher override. Idempotent: zero active records is fine.
func (e *Engine) CancelAcceptanceTracking(ctx context.Context, rideID string) {
	if _, err := e.repo.CancelActiveTracking(ctx, rideID, e.now()); err != nil {
		slog.Error("cancel acceptance tracking", "ride_id", rideID, "error", err.Error())
	}
}

// ResolveAcceptance resolves the active tracking for a ride directly to
// confirmed or rejected.
func (e *Engine) ResolveAcceptance(ctx context.Context, rideID string, target models.AcceptanceStage,
	method models.ResolutionMethod, reasonCode *models.RejectionReason, reasonText *string) error {
	if target != models.StageConfirmed && target != models.StageRejected {
		return errors.Errorf("resolve acceptance: %q is not a resolution stage", target)
	}
	if _, err := e.repo.ResolveActiveTracking(ctx, rideID, target, e.now(), method, reasonCode, reasonText); err != nil {
		slog.Error("resolve acceptance", "ride_id", rideID, "stage", string(target), "error", err.Error())
	}
	return nil
}

// EscalateToStage applies the compare-and-swap stage transition. False means
// the precondition no longer held and nothing changed.
func (e *Engine) EscalateToStage(ctx context.Context, trackingID string, expected, next models.AcceptanceStage) (bool, error) {
	return e.repo.EscalateTracking(ctx, trackingID, expected, next, e.now())
}

// CheckPendingAcceptances is one sweep pass: load every active tracking,
// compare elapsed time against its SLA windows and escalate the ones that are
// overdue. Escalation is strictly sequential: at most one stage per record
// per pass, even when several thresholds have been blown. A failure on one
// record never stops the rest.
func (e *Engine) CheckPendingAcceptances(ctx context.Context) ([]EscalationResult, error) {
	if !e.enabled {
		return nil, nil
	}

	trackings, err := e.repo.ListActiveTrackings(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list active trackings")
	}

	now := e.now()
	var results []EscalationResult

	for _, tr := range trackings {
		windows := Windows(tr.IsShortNotice)
		elapsed := now.Sub(tr.NotifiedAt)

		var next models.AcceptanceStage
		switch {
		case tr.Stage == models.StageNotified && elapsed >= windows.Reminder1:
			next = models.StageReminder1
		case tr.Stage == models.StageReminder1 && elapsed >= windows.Reminder2:
			next = models.StageReminder2
		case tr.Stage == models.StageReminder2 && elapsed >= windows.Timeout:
			next = models.StageTimedOut
		}
		if next == "" {
			continue
		}

		escalated, err := e.repo.EscalateTracking(ctx, tr.ID, tr.Stage, next, now)
		if err != nil {
			slog.Error("escalate tracking", "tracking_id", tr.ID, "ride_id", tr.RideID, "error", err.Error())
			escalated = false
		}
		results = append(results, EscalationResult{
			TrackingID: tr.ID,
			RideID:     tr.RideID,
			DriverID:   tr.DriverID,
			FromStage:  tr.Stage,
			ToStage:    next,
			Escalated:  escalated,
		})
		if !escalated {
			// Lost the CAS (concurrent sweep, or a resolution landed first).
			// The next pass re-evaluates from the stored stage.
			continue
		}

		e.logEscalationEvent(ctx, tr, next)
		e.notify(ctx, tr, next)
	}

	return results, nil
}

func (e *Engine) logEscalationEvent(ctx context.Context, tr *models.AcceptanceTracking, stage models.AcceptanceStage) {
	st := stage
	ev := &models.RideEvent{
		RideID:  tr.RideID,
		Type:    models.RideEventEscalation,
		ActorID: &tr.DriverID,
		Stage:   &st,
	}
	if err := e.repo.AppendRideEvent(ctx, ev); err != nil {
		slog.Error("append escalation event", "ride_id", tr.RideID, "error", err.Error())
	}
}

// notify runs outside the data-mutation path: the persisted stage is
// authoritative, notification failures are logged only.
func (e *Engine) notify(ctx context.Context, tr *models.AcceptanceTracking, stage models.AcceptanceStage) {
	if e.notifier == nil {
		return
	}
	var err error
	switch stage {
	case models.StageReminder1, models.StageReminder2:
		err = e.notifier.SendDriverReminder(ctx, tr.RideID, tr.DriverID, stage)
	case models.StageTimedOut:
		err = e.notifier.SendDispatcherEscalation(ctx, tr.RideID, tr.DriverID)
	}
	if err != nil {
		slog.Error("send escalation notification",
			"tracking_id", tr.ID, "ride_id", tr.RideID, "stage", string(stage), "error", err.Error())
	}
}

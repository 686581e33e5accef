// Package dispatch owns the ride lifecycle: status changes gated by role,
// driver assignment with acceptance tracking, and the one-time email respond
// flow.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/CuraFleet/dispatch/internal/broker/messages"
	"github.com/CuraFleet/dispatch/internal/cache"
	"github.com/CuraFleet/dispatch/internal/models"
	"github.com/CuraFleet/dispatch/internal/rides"
)

// Lookup misses surface as pgdispatch.ErrRideNotFound from the repository.
var (
	ErrRideInactive      = errors.New("ride is not active")
	ErrStatusConflict    = errors.New("ride status changed concurrently")
	ErrNotAssignedDriver = errors.New("driver is not assigned to this ride")
	ErrAssignForbidden   = errors.New("only dispatch staff may change assignments")
	ErrInvalidReason     = errors.New("unknown rejection reason")
	ErrInvalidAction     = errors.New("action must be confirm or reject")
	ErrTokenInvalid      = errors.New("respond token is invalid or expired")
	ErrAssignmentChanged = errors.New("assignment changed since the link was sent")
)

type Repository interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRideStatus applies the change only if the stored status still
	// equals from. Reports whether the row changed.
	UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus) (bool, error)
	UpdateRideAssignment(ctx context.Context, id string, driverID *string, status *models.RideStatus) error
	AppendRideEvent(ctx context.Context, ev *models.RideEvent) error
	ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]*models.RideEvent, error)
	GetActiveTracking(ctx context.Context, rideID string) (*models.AcceptanceTracking, error)
	InsertRespondToken(ctx context.Context, tok *models.RespondToken) error
	ConsumeRespondToken(ctx context.Context, token string, now time.Time) (*models.RespondToken, error)
	InvalidateRespondTokens(ctx context.Context, rideID string, now time.Time) error
}

// Tracker is the slice of the acceptance engine the ride lifecycle drives.
type Tracker interface {
	CreateAcceptanceTracking(ctx context.Context, rideID, driverID, pickupDate, pickupTime string)
	CancelAcceptanceTracking(ctx context.Context, rideID string)
	ResolveAcceptance(ctx context.Context, rideID string, target models.AcceptanceStage,
		method models.ResolutionMethod, reasonCode *models.RejectionReason, reasonText *string) error
	Enabled() bool
}

type AssignmentNotifier interface {
	SendDriverAssignment(ctx context.Context, ride *models.Ride, driverID, confirmURL, rejectURL string) error
}

// Actor identifies who requests a change. Drivers may only act on rides they
// are assigned to.
type Actor struct {
	Role models.ActorRole
	ID   string
}

type Service struct {
	repo     Repository
	tracker  Tracker
	notifier AssignmentNotifier
	cache    cache.BytesCache

	acceptanceTTL  time.Duration
	respondBaseURL string
	tokenTTL       time.Duration

	now func() time.Time
}

func New(repo Repository, tracker Tracker) *Service {
	return &Service{
		repo:     repo,
		tracker:  tracker,
		tokenTTL: 48 * time.Hour,
		now:      time.Now,
	}
}

func (s *Service) WithNotifier(n AssignmentNotifier, respondBaseURL string) *Service {
	s.notifier = n
	s.respondBaseURL = respondBaseURL
	return s
}

func (s *Service) WithCache(c cache.BytesCache, ttl time.Duration) *Service {
	s.cache = c
	s.acceptanceTTL = ttl
	return s
}

func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateRideInput struct {
	PickupDate      string `json:"pickupDate"`
	PickupTime      string `json:"pickupTime"`
	PatientName     string `json:"patientName"`
	DestinationName string `json:"destinationName"`
}

func (s *Service) CreateRide(ctx context.Context, in CreateRideInput) (*models.Ride, error) {
	if in.PatientName == "" {
		return nil, errors.New("patientName is required")
	}
	if _, err := models.PickupAt(in.PickupDate, in.PickupTime, time.UTC); err != nil {
		return nil, errors.Wrap(err, "invalid pickup date/time")
	}

	r := &models.Ride{
		ID:              models.NewID(),
		Status:          models.RideStatusUnplanned,
		PickupDate:      in.PickupDate,
		PickupTime:      in.PickupTime,
		PatientName:     in.PatientName,
		DestinationName: in.DestinationName,
		IsActive:        true,
	}
	if err := s.repo.CreateRide(ctx, r); err != nil {
		return nil, errors.Wrap(err, "create ride")
	}
	return s.repo.GetRide(ctx, r.ID)
}

func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.repo.GetRide(ctx, rideID)
}

func (s *Service) ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]*models.RideEvent, error) {
	return s.repo.ListRideEvents(ctx, rideID, limit, offset)
}

// AssignDriver sets or clears the driver of a ride. Assigning moves an
// unplanned ride to planned, clearing moves a planned ride back to unplanned.
// A fresh assignment restarts acceptance tracking and sends the driver a
// notification with one-time confirm/reject links.
func (s *Service) AssignDriver(ctx context.Context, rideID string, driverID *string, actor Actor) (*models.Ride, error) {
	if actor.Role == models.RoleDriver {
		return nil, ErrAssignForbidden
	}
	ride, err := s.repo.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.IsActive {
		return nil, ErrRideInactive
	}

	if driverID == nil {
		return s.unassignDriver(ctx, ride, actor)
	}
	return s.assignDriver(ctx, ride, *driverID, actor)
}

func (s *Service) assignDriver(ctx context.Context, ride *models.Ride, driverID string, actor Actor) (*models.Ride, error) {
	var newStatus *models.RideStatus
	if ride.Status != models.RideStatusPlanned {
		if !rides.CanTransition(ride.Status, models.RideStatusPlanned) {
			return nil, &rides.InvalidTransitionError{From: ride.Status, To: models.RideStatusPlanned}
		}
		st := models.RideStatusPlanned
		newStatus = &st
	}

	if err := s.repo.UpdateRideAssignment(ctx, ride.ID, &driverID, newStatus); err != nil {
		return nil, errors.Wrap(err, "assign driver")
	}
	if newStatus != nil {
		s.appendStatusEvent(ctx, ride.ID, ride.Status, *newStatus, actor)
	}

	// Restart tracking for the new driver and rotate the respond token.
	s.tracker.CreateAcceptanceTracking(ctx, ride.ID, driverID, ride.PickupDate, ride.PickupTime)
	s.invalidateAcceptanceCache(ctx, ride.ID)
	if err := s.repo.InvalidateRespondTokens(ctx, ride.ID, s.now()); err != nil {
		slog.Error("invalidate respond tokens", "ride_id", ride.ID, "error", err.Error())
	}
	s.notifyAssignment(ctx, ride.ID, driverID)

	return s.repo.GetRide(ctx, ride.ID)
}

func (s *Service) unassignDriver(ctx context.Context, ride *models.Ride, actor Actor) (*models.Ride, error) {
	var newStatus *models.RideStatus
	if ride.Status == models.RideStatusPlanned {
		st := models.RideStatusUnplanned
		newStatus = &st
	}

	if err := s.repo.UpdateRideAssignment(ctx, ride.ID, nil, newStatus); err != nil {
		return nil, errors.Wrap(err, "unassign driver")
	}
	if newStatus != nil {
		s.appendStatusEvent(ctx, ride.ID, ride.Status, *newStatus, actor)
	}

	s.tracker.CancelAcceptanceTracking(ctx, ride.ID)
	s.invalidateAcceptanceCache(ctx, ride.ID)
	if err := s.repo.InvalidateRespondTokens(ctx, ride.ID, s.now()); err != nil {
		slog.Error("invalidate respond tokens", "ride_id", ride.ID, "error", err.Error())
	}

	return s.repo.GetRide(ctx, ride.ID)
}

// UpdateRideStatus applies a role-gated status transition. Acceptance
// bookkeeping follows the outcome: confirmed and rejected resolve the active
// tracking, cancellation cancels it.
func (s *Service) UpdateRideStatus(ctx context.Context, rideID string, to models.RideStatus, actor Actor) (*models.Ride, error) {
	method := models.ResolvedByDispatcherOverride
	if actor.Role == models.RoleDriver {
		method = models.ResolvedByDriverApp
	}
	return s.updateStatus(ctx, rideID, to, actor, method, nil, nil)
}

// ConfirmAssignment is the in-app confirmation by the assigned driver.
// Acceptance responses are not status changes in the role table's sense, so
// only the physical machine applies.
func (s *Service) ConfirmAssignment(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.respondStatus(ctx, rideID, models.RideStatusConfirmed, driverID, models.ResolvedByDriverApp, nil, nil)
}

// RejectAssignment is the in-app rejection by the assigned driver, with a
// structured reason.
func (s *Service) RejectAssignment(ctx context.Context, rideID, driverID string,
	reasonCode models.RejectionReason, reasonText *string) (*models.Ride, error) {
	if !reasonCode.Valid() {
		return nil, ErrInvalidReason
	}
	return s.respondStatus(ctx, rideID, models.RideStatusRejected, driverID, models.ResolvedByDriverApp, &reasonCode, reasonText)
}

// respondStatus applies a driver's acceptance answer: ownership and physical
// transition checks, then the conditional update.
func (s *Service) respondStatus(ctx context.Context, rideID string, target models.RideStatus, driverID string,
	method models.ResolutionMethod, reasonCode *models.RejectionReason, reasonText *string) (*models.Ride, error) {

	ride, err := s.repo.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.IsActive {
		return nil, ErrRideInactive
	}
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return nil, ErrNotAssignedDriver
	}
	if err := rides.AssertTransition(ride.Status, target); err != nil {
		return nil, err
	}

	ok, err := s.repo.UpdateRideStatus(ctx, rideID, ride.Status, target)
	if err != nil {
		return nil, errors.Wrap(err, "update ride status")
	}
	if !ok {
		return nil, ErrStatusConflict
	}
	s.appendStatusEvent(ctx, rideID, ride.Status, target, Actor{Role: models.RoleDriver, ID: driverID})
	s.afterStatusChange(ctx, rideID, target, method, reasonCode, reasonText)

	return s.repo.GetRide(ctx, rideID)
}

func (s *Service) updateStatus(ctx context.Context, rideID string, to models.RideStatus, actor Actor,
	method models.ResolutionMethod, reasonCode *models.RejectionReason, reasonText *string) (*models.Ride, error) {

	ride, err := s.repo.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.IsActive {
		return nil, ErrRideInactive
	}
	if actor.Role == models.RoleDriver {
		if ride.DriverID == nil || *ride.DriverID != actor.ID {
			return nil, ErrNotAssignedDriver
		}
	}
	if err := rides.AssertTransitionForRole(ride.Status, to, actor.Role); err != nil {
		return nil, err
	}

	ok, err := s.repo.UpdateRideStatus(ctx, rideID, ride.Status, to)
	if err != nil {
		return nil, errors.Wrap(err, "update ride status")
	}
	if !ok {
		return nil, ErrStatusConflict
	}
	s.appendStatusEvent(ctx, rideID, ride.Status, to, actor)
	s.afterStatusChange(ctx, rideID, to, method, reasonCode, reasonText)

	return s.repo.GetRide(ctx, rideID)
}

func (s *Service) afterStatusChange(ctx context.Context, rideID string, to models.RideStatus,
	method models.ResolutionMethod, reasonCode *models.RejectionReason, reasonText *string) {

	switch to {
	case models.RideStatusConfirmed:
		_ = s.tracker.ResolveAcceptance(ctx, rideID, models.StageConfirmed, method, nil, nil)
	case models.RideStatusRejected:
		_ = s.tracker.ResolveAcceptance(ctx, rideID, models.StageRejected, method, reasonCode, reasonText)
	case models.RideStatusCancelled:
		s.tracker.CancelAcceptanceTracking(ctx, rideID)
	default:
		return
	}

	s.invalidateAcceptanceCache(ctx, rideID)
	if err := s.repo.InvalidateRespondTokens(ctx, rideID, s.now()); err != nil {
		slog.Error("invalidate respond tokens", "ride_id", rideID, "error", err.Error())
	}
}

// RespondByToken handles the email link: the token is consumed exactly once,
// and the answer only counts while the assignment it was issued for is still
// current.
func (s *Service) RespondByToken(ctx context.Context, token, action string,
	reasonCode *models.RejectionReason, reasonText *string) (*models.Ride, error) {

	var target models.RideStatus
	switch action {
	case "confirm":
		target = models.RideStatusConfirmed
	case "reject":
		target = models.RideStatusRejected
	default:
		return nil, ErrInvalidAction
	}
	if reasonCode != nil && !reasonCode.Valid() {
		return nil, ErrInvalidReason
	}

	tok, err := s.repo.ConsumeRespondToken(ctx, token, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "consume respond token")
	}
	if tok == nil {
		return nil, ErrTokenInvalid
	}

	ride, err := s.repo.GetRide(ctx, tok.RideID)
	if err != nil {
		return nil, ErrAssignmentChanged
	}
	if !ride.IsActive || ride.DriverID == nil || *ride.DriverID != tok.DriverID {
		return nil, ErrAssignmentChanged
	}
	if !rides.CanTransition(ride.Status, target) {
		return nil, ErrAssignmentChanged
	}

	ok, err := s.repo.UpdateRideStatus(ctx, ride.ID, ride.Status, target)
	if err != nil {
		return nil, errors.Wrap(err, "update ride status")
	}
	if !ok {
		return nil, ErrStatusConflict
	}
	actor := Actor{Role: models.RoleDriver, ID: tok.DriverID}
	s.appendStatusEvent(ctx, ride.ID, ride.Status, target, actor)
	s.afterStatusChange(ctx, ride.ID, target, models.ResolvedByDriverEmail, reasonCode, reasonText)

	return s.repo.GetRide(ctx, ride.ID)
}

type acceptanceEnvelope struct {
	Tracking *models.AcceptanceTracking `json:"tracking"`
}

// GetRideAcceptance returns the active acceptance tracking for a ride, nil
// when there is none. Reads go through the cache; the envelope makes "no
// active tracking" cacheable too.
func (s *Service) GetRideAcceptance(ctx context.Context, rideID string) (*models.AcceptanceTracking, error) {
	key := acceptanceKey(rideID)

	if s.cache != nil && s.acceptanceTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var env acceptanceEnvelope
			if json.Unmarshal(b, &env) == nil {
				return env.Tracking, nil
			}
		}
	}

	tr, err := s.repo.GetActiveTracking(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && s.acceptanceTTL > 0 {
		b, _ := json.Marshal(acceptanceEnvelope{Tracking: tr})
		_ = s.cache.Set(ctx, key, b, s.acceptanceTTL)
	}
	return tr, nil
}

// ApplyDriverNotification lands a delivered driver notification from Kafka in
// the ride's communication log.
func (s *Service) ApplyDriverNotification(ctx context.Context, msg messages.DriverNotification) error {
	if msg.RideID == "" {
		return errors.New("ride_id is required")
	}
	stage := models.AcceptanceStage(msg.Stage)
	driverID := msg.DriverID
	ev := &models.RideEvent{
		RideID:  msg.RideID,
		Type:    models.RideEventNotification,
		ActorID: &driverID,
		Stage:   &stage,
		Message: "driver " + string(msg.Kind) + " notification sent",
	}
	return s.repo.AppendRideEvent(ctx, ev)
}

// ApplyDispatcherEscalation records that dispatchers were alerted about a
// timed out acceptance.
func (s *Service) ApplyDispatcherEscalation(ctx context.Context, msg messages.DispatcherEscalation) error {
	if msg.RideID == "" {
		return errors.New("ride_id is required")
	}
	stage := models.StageTimedOut
	driverID := msg.DriverID
	ev := &models.RideEvent{
		RideID:  msg.RideID,
		Type:    models.RideEventNotification,
		ActorID: &driverID,
		Stage:   &stage,
		Message: "dispatcher escalation sent",
	}
	return s.repo.AppendRideEvent(ctx, ev)
}

func (s *Service) appendStatusEvent(ctx context.Context, rideID string, from, to models.RideStatus, actor Actor) {
	f, t, role := from, to, actor.Role
	ev := &models.RideEvent{
		RideID:     rideID,
		Type:       models.RideEventStatusChange,
		FromStatus: &f,
		ToStatus:   &t,
		ActorRole:  &role,
	}
	if actor.ID != "" {
		id := actor.ID
		ev.ActorID = &id
	}
	if err := s.repo.AppendRideEvent(ctx, ev); err != nil {
		slog.Error("append status event", "ride_id", rideID, "error", err.Error())
	}
}

func (s *Service) notifyAssignment(ctx context.Context, rideID, driverID string) {
	if s.notifier == nil {
		return
	}
	ride, err := s.repo.GetRide(ctx, rideID)
	if err != nil {
		slog.Error("load ride for assignment notification", "ride_id", rideID, "error", err.Error())
		return
	}

	var confirmURL, rejectURL string
	if s.respondBaseURL != "" {
		tok := &models.RespondToken{
			Token:     models.NewID(),
			RideID:    rideID,
			DriverID:  driverID,
			ExpiresAt: s.now().Add(s.tokenTTL),
		}
		if err := s.repo.InsertRespondToken(ctx, tok); err != nil {
			slog.Error("issue respond token", "ride_id", rideID, "error", err.Error())
		} else {
			confirmURL = s.respondBaseURL + "/respond/" + tok.Token + "?action=confirm"
			rejectURL = s.respondBaseURL + "/respond/" + tok.Token + "?action=reject"
		}
	}

	if err := s.notifier.SendDriverAssignment(ctx, ride, driverID, confirmURL, rejectURL); err != nil {
		slog.Error("send assignment notification", "ride_id", rideID, "driver_id", driverID, "error", err.Error())
	}
}

func (s *Service) invalidateAcceptanceCache(ctx context.Context, rideID string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, acceptanceKey(rideID))
}

func acceptanceKey(rideID string) string {
	return "acceptance:" + rideID + ":current"
}

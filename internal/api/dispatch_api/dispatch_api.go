// Package dispatch_api exposes the ride lifecycle over JSON/HTTP: ride CRUD,
// role-gated status changes, driver assignment, the acceptance read model and
// the email respond links.
package dispatch_api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/CuraFleet/dispatch/internal/models"
	"github.com/CuraFleet/dispatch/internal/rides"
	"github.com/CuraFleet/dispatch/internal/services/dispatch"
	"github.com/CuraFleet/dispatch/internal/storage/pgdispatch"
)

type DispatchAPI struct {
	svc *dispatch.Service
}

func New(svc *dispatch.Service) *DispatchAPI {
	return &DispatchAPI{svc: svc}
}

func (a *DispatchAPI) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1/rides", func(r chi.Router) {
		r.Post("/", a.createRide)
		r.Route("/{rideID}", func(r chi.Router) {
			r.Get("/", a.getRide)
			r.Patch("/status", a.updateStatus)
			r.Put("/driver", a.assignDriver)
			r.Post("/confirm", a.confirmAssignment)
			r.Post("/reject", a.rejectAssignment)
			r.Get("/acceptance", a.getAcceptance)
			r.Get("/events", a.listEvents)
		})
	})
	r.Get("/respond/{token}", a.respondByToken)

	return r
}

// actorFrom reads the authenticated identity the gateway injects. Requests
// without a role default to operator so the dev setup works without a proxy.
func actorFrom(r *http.Request) dispatch.Actor {
	role := models.ActorRole(r.Header.Get("X-Actor-Role"))
	switch role {
	case models.RoleAdmin, models.RoleOperator, models.RoleDriver:
	default:
		role = models.RoleOperator
	}
	return dispatch.Actor{Role: role, ID: r.Header.Get("X-Actor-Id")}
}

func (a *DispatchAPI) createRide(w http.ResponseWriter, r *http.Request) {
	var in dispatch.CreateRideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	ride, err := a.svc.CreateRide(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRideJSON(ride))
}

func (a *DispatchAPI) getRide(w http.ResponseWriter, r *http.Request) {
	ride, err := a.svc.GetRide(r.Context(), chi.URLParam(r, "rideID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideJSON(ride))
}

type updateStatusRequest struct {
	Status models.RideStatus `json:"status"`
}

func (a *DispatchAPI) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	ride, err := a.svc.UpdateRideStatus(r.Context(), chi.URLParam(r, "rideID"), req.Status, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideJSON(ride))
}

type assignDriverRequest struct {
	DriverID *string `json:"driverId"`
}

func (a *DispatchAPI) assignDriver(w http.ResponseWriter, r *http.Request) {
	var req assignDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	ride, err := a.svc.AssignDriver(r.Context(), chi.URLParam(r, "rideID"), req.DriverID, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideJSON(ride))
}

func (a *DispatchAPI) confirmAssignment(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.Role != models.RoleDriver || actor.ID == "" {
		writeError(w, http.StatusForbidden, "driver identity required")
		return
	}
	ride, err := a.svc.ConfirmAssignment(r.Context(), chi.URLParam(r, "rideID"), actor.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideJSON(ride))
}

type rejectAssignmentRequest struct {
	ReasonCode models.RejectionReason `json:"reasonCode"`
	ReasonText *string                `json:"reasonText,omitempty"`
}

func (a *DispatchAPI) rejectAssignment(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.Role != models.RoleDriver || actor.ID == "" {
		writeError(w, http.StatusForbidden, "driver identity required")
		return
	}
	var req rejectAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	ride, err := a.svc.RejectAssignment(r.Context(), chi.URLParam(r, "rideID"), actor.ID, req.ReasonCode, req.ReasonText)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRideJSON(ride))
}

func (a *DispatchAPI) getAcceptance(w http.ResponseWriter, r *http.Request) {
	tr, err := a.svc.GetRideAcceptance(r.Context(), chi.URLParam(r, "rideID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracking": toTrackingJSON(tr)})
}

func (a *DispatchAPI) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	evs, err := a.svc.ListRideEvents(r.Context(), chi.URLParam(r, "rideID"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toEventJSON(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *DispatchAPI) respondByToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	action := r.URL.Query().Get("action")

	var reasonCode *models.RejectionReason
	if v := r.URL.Query().Get("reason"); v != "" {
		rc := models.RejectionReason(v)
		reasonCode = &rc
	}
	var reasonText *string
	if v := r.URL.Query().Get("comment"); v != "" {
		reasonText = &v
	}

	ride, err := a.svc.RespondByToken(r.Context(), token, action, reasonCode, reasonText)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": "recorded",
		"ride":   toRideJSON(ride),
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var invalid *rides.InvalidTransitionError
	var forbidden *rides.RoleForbiddenError

	switch {
	case errors.Is(err, pgdispatch.ErrRideNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrStatusConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrAssignmentChanged):
		writeErrorCode(w, http.StatusConflict, "assignment_changed", err.Error())
	case errors.Is(err, dispatch.ErrTokenInvalid):
		writeErrorCode(w, http.StatusGone, "token_invalid", err.Error())
	case errors.Is(err, dispatch.ErrNotAssignedDriver), errors.Is(err, dispatch.ErrAssignForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &forbidden):
		writeErrorCode(w, http.StatusForbidden, "role_forbidden", err.Error())
	case errors.As(err, &invalid):
		writeErrorCode(w, http.StatusUnprocessableEntity, "invalid_transition", err.Error())
	case errors.Is(err, dispatch.ErrInvalidReason), errors.Is(err, dispatch.ErrInvalidAction), errors.Is(err, dispatch.ErrRideInactive):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func toRideJSON(r *models.Ride) map[string]any {
	out := map[string]any{
		"id":              r.ID,
		"status":          r.Status,
		"pickupDate":      r.PickupDate,
		"pickupTime":      r.PickupTime,
		"patientName":     r.PatientName,
		"destinationName": r.DestinationName,
		"isActive":        r.IsActive,
		"createdAt":       r.CreatedAt,
		"updatedAt":       r.UpdatedAt,
	}
	if r.DriverID != nil {
		out["driverId"] = *r.DriverID
	}
	return out
}

func toTrackingJSON(tr *models.AcceptanceTracking) map[string]any {
	if tr == nil {
		return nil
	}
	out := map[string]any{
		"id":            tr.ID,
		"rideId":        tr.RideID,
		"driverId":      tr.DriverID,
		"stage":         tr.Stage,
		"isShortNotice": tr.IsShortNotice,
		"notifiedAt":    tr.NotifiedAt,
	}
	if tr.Reminder1At != nil {
		out["reminder1At"] = *tr.Reminder1At
	}
	if tr.Reminder2At != nil {
		out["reminder2At"] = *tr.Reminder2At
	}
	if tr.ResolvedAt != nil {
		out["resolvedAt"] = *tr.ResolvedAt
	}
	if tr.ResolvedBy != nil {
		out["resolvedBy"] = *tr.ResolvedBy
	}
	if tr.RejectionReasonCode != nil {
		out["rejectionReasonCode"] = *tr.RejectionReasonCode
	}
	if tr.RejectionReasonText != nil {
		out["rejectionReasonText"] = *tr.RejectionReasonText
	}
	return out
}

func toEventJSON(ev *models.RideEvent) map[string]any {
	out := map[string]any{
		"id":        ev.ID,
		"rideId":    ev.RideID,
		"type":      ev.Type,
		"createdAt": ev.CreatedAt,
	}
	if ev.FromStatus != nil {
		out["fromStatus"] = *ev.FromStatus
	}
	if ev.ToStatus != nil {
		out["toStatus"] = *ev.ToStatus
	}
	if ev.ActorRole != nil {
		out["actorRole"] = *ev.ActorRole
	}
	if ev.ActorID != nil {
		out["actorId"] = *ev.ActorID
	}
	if ev.Stage != nil {
		out["stage"] = *ev.Stage
	}
	if ev.Message != "" {
		out["message"] = ev.Message
	}
	return out
}

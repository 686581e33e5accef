// Package rides holds the ride status state machine. The database does not
// enforce lifecycle transitions; every status update must pass through this
// package before persisting.
package rides

import (
	"fmt"

	"github.com/CuraFleet/dispatch/internal/models"
)

// validTransitions is the physical transition table: which status changes are
// possible at all, independent of who performs them. Terminal statuses map to
// nil.
//
//	unplanned   -> planned, cancelled
//	planned     -> confirmed, rejected, cancelled
//	rejected    -> planned, cancelled
//	confirmed   -> in_progress, cancelled
//	in_progress -> picked_up, no_show, cancelled
//	picked_up   -> arrived, cancelled
//	arrived     -> completed, cancelled
var validTransitions = map[models.RideStatus][]models.RideStatus{
	models.RideStatusUnplanned:  {models.RideStatusPlanned, models.RideStatusCancelled},
	models.RideStatusPlanned:    {models.RideStatusConfirmed, models.RideStatusRejected, models.RideStatusCancelled},
	models.RideStatusRejected:   {models.RideStatusPlanned, models.RideStatusCancelled},
	models.RideStatusConfirmed:  {models.RideStatusInProgress, models.RideStatusCancelled},
	models.RideStatusInProgress: {models.RideStatusPickedUp, models.RideStatusNoShow, models.RideStatusCancelled},
	models.RideStatusPickedUp:   {models.RideStatusArrived, models.RideStatusCancelled},
	models.RideStatusArrived:    {models.RideStatusCompleted, models.RideStatusCancelled},
	models.RideStatusCompleted:  nil,
	models.RideStatusCancelled:  nil,
	models.RideStatusNoShow:     nil,
}

// roleTransitions is the second, independent layer: which transitions each
// role may perform. It is intersected with validTransitions at call time and
// is never a superset of it. Admin and operator share the dispatch set.
var roleTransitions = map[models.ActorRole]map[models.RideStatus][]models.RideStatus{
	models.RoleAdmin:    dispatchTransitions,
	models.RoleOperator: dispatchTransitions,
	models.RoleDriver: {
		models.RideStatusPlanned:    {models.RideStatusRejected},
		models.RideStatusConfirmed:  {models.RideStatusInProgress},
		models.RideStatusInProgress: {models.RideStatusPickedUp, models.RideStatusNoShow},
		models.RideStatusPickedUp:   {models.RideStatusArrived},
		models.RideStatusArrived:    {models.RideStatusCompleted},
	},
}

var dispatchTransitions = map[models.RideStatus][]models.RideStatus{
	models.RideStatusUnplanned:  {models.RideStatusPlanned, models.RideStatusCancelled},
	models.RideStatusPlanned:    {models.RideStatusConfirmed, models.RideStatusCancelled},
	models.RideStatusRejected:   {models.RideStatusPlanned, models.RideStatusCancelled},
	models.RideStatusConfirmed:  {models.RideStatusCancelled},
	models.RideStatusInProgress: {models.RideStatusCancelled},
	models.RideStatusPickedUp:   {models.RideStatusCancelled},
	models.RideStatusArrived:    {models.RideStatusCancelled},
}

// InvalidTransitionError means the status change is physically impossible,
// regardless of actor. Callers surface it as "this never makes sense".
type InvalidTransitionError struct {
	From, To models.RideStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid ride status transition: %q -> %q", e.From, e.To)
}

// RoleForbiddenError means the transition is physically possible but the
// acting role may not perform it. Callers surface it as "you specifically are
// not allowed".
type RoleForbiddenError struct {
	Role     models.ActorRole
	From, To models.RideStatus
}

func (e *RoleForbiddenError) Error() string {
	return fmt.Sprintf("role %q may not transition ride %q -> %q", e.Role, e.From, e.To)
}

func contains(set []models.RideStatus, s models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether the status change is physically valid.
func CanTransition(from, to models.RideStatus) bool {
	return contains(validTransitions[from], to)
}

// ValidTransitions returns the statuses reachable from the given status.
// Terminal statuses return an empty slice.
func ValidTransitions(status models.RideStatus) []models.RideStatus {
	out := make([]models.RideStatus, len(validTransitions[status]))
	copy(out, validTransitions[status])
	return out
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(status models.RideStatus) bool {
	return len(validTransitions[status]) == 0
}

// AssertTransition returns an InvalidTransitionError if the transition is not
// in the physical table.
func AssertTransition(from, to models.RideStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// CanTransitionForRole reports whether both the physical table and the role
// table permit the transition.
func CanTransitionForRole(from, to models.RideStatus, role models.ActorRole) bool {
	if !CanTransition(from, to) {
		return false
	}
	return contains(roleTransitions[role][from], to)
}

// ValidTransitionsForRole returns the intersection of the physical table and
// the role table for the given status.
func ValidTransitionsForRole(status models.RideStatus, role models.ActorRole) []models.RideStatus {
	var out []models.RideStatus
	for _, to := range validTransitions[status] {
		if contains(roleTransitions[role][status], to) {
			out = append(out, to)
		}
	}
	return out
}

// AssertTransitionForRole validates a transition for a specific role. A
// physically impossible transition yields an InvalidTransitionError even for
// roles that could never reach it; a possible one the role may not perform
// yields a RoleForbiddenError.
func AssertTransitionForRole(from, to models.RideStatus, role models.ActorRole) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	if !contains(roleTransitions[role][from], to) {
		return &RoleForbiddenError{Role: role, From: from, To: to}
	}
	return nil
}

package models

import "time"

type RideStatus string

const (
	RideStatusUnplanned  RideStatus = "unplanned"
	RideStatusPlanned    RideStatus = "planned"
	RideStatusRejected   RideStatus = "rejected"
	RideStatusConfirmed  RideStatus = "confirmed"
	RideStatusInProgress RideStatus = "in_progress"
	RideStatusPickedUp   RideStatus = "picked_up"
	RideStatusArrived    RideStatus = "arrived"
	RideStatusCompleted  RideStatus = "completed"
	RideStatusCancelled  RideStatus = "cancelled"
	RideStatusNoShow     RideStatus = "no_show"
)

// AllRideStatuses is the closed set of statuses the state machine knows about.
var AllRideStatuses = []RideStatus{
	RideStatusUnplanned,
	RideStatusPlanned,
	RideStatusRejected,
	RideStatusConfirmed,
	RideStatusInProgress,
	RideStatusPickedUp,
	RideStatusArrived,
	RideStatusCompleted,
	RideStatusCancelled,
	RideStatusNoShow,
}

type ActorRole string

const (
	RoleAdmin    ActorRole = "admin"
	RoleOperator ActorRole = "operator"
	RoleDriver   ActorRole = "driver"
)

type Ride struct {
	ID              string
	Status          RideStatus
	DriverID        *string
	PickupDate      string // YYYY-MM-DD
	PickupTime      string // HH:MM
	PatientName     string
	DestinationName string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PickupAt combines the pickup date and time into a single timestamp.
// Seconds are accepted but not required ("14:00" and "14:00:30" both parse).
func PickupAt(pickupDate, pickupTime string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", pickupDate+" "+pickupTime, loc); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04", pickupDate+" "+pickupTime, loc)
}

type RideEventType string

const (
	RideEventStatusChange RideEventType = "status_change"
	RideEventEscalation   RideEventType = "escalation"
	RideEventNotification RideEventType = "notification"
)

// RideEvent is one entry of the append-only communication log for a ride.
type RideEvent struct {
	ID         uint64
	RideID     string
	Type       RideEventType
	FromStatus *RideStatus
	ToStatus   *RideStatus
	ActorRole  *ActorRole
	ActorID    *string
	Stage      *AcceptanceStage
	Message    string
	CreatedAt  time.Time
}

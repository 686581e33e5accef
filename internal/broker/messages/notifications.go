package messages

import "time"

// Topic names shared by the worker (producer) and the api (consumer).
const (
	TopicDriverNotifications     = "dispatch.driver_notifications"
	TopicDispatcherNotifications = "dispatch.dispatcher_notifications"
)

type DriverNotificationKind string

const (
	DriverAssignment DriverNotificationKind = "assignment"
	DriverReminder   DriverNotificationKind = "reminder"
)

// DriverNotification is published once per outreach to a driver. For the
// initial assignment the confirm/reject URLs carry one-time respond tokens.
type DriverNotification struct {
	Kind     DriverNotificationKind `json:"kind"`
	RideID   string                 `json:"ride_id"`
	DriverID string                 `json:"driver_id"`
	Stage    string                 `json:"stage"`
	SentAt   time.Time              `json:"sent_at"`

	PickupDate      string `json:"pickup_date,omitempty"`
	PickupTime      string `json:"pickup_time,omitempty"`
	PatientName     string `json:"patient_name,omitempty"`
	DestinationName string `json:"destination_name,omitempty"`

	ConfirmURL string `json:"confirm_url,omitempty"`
	RejectURL  string `json:"reject_url,omitempty"`
}

// DispatcherEscalation is published when a driver never answered and the
// acceptance timed out. Dispatchers pick these up to reassign manually.
type DispatcherEscalation struct {
	RideID   string    `json:"ride_id"`
	DriverID string    `json:"driver_id"`
	SentAt   time.Time `json:"sent_at"`
}

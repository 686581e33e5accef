package models

import "time"

type AcceptanceStage string

const (
	StageNotified  AcceptanceStage = "notified"
	StageReminder1 AcceptanceStage = "reminder_1"
	StageReminder2 AcceptanceStage = "reminder_2"
	StageTimedOut  AcceptanceStage = "timed_out"
	StageConfirmed AcceptanceStage = "confirmed"
	StageRejected  AcceptanceStage = "rejected"
	StageCancelled AcceptanceStage = "cancelled"
)

// ActiveStages are the non-terminal stages a tracking record can still
// escalate from. Everything else is terminal and never reactivated.
var ActiveStages = []AcceptanceStage{StageNotified, StageReminder1, StageReminder2}

func (s AcceptanceStage) Active() bool {
	switch s {
	case StageNotified, StageReminder1, StageReminder2:
		return true
	}
	return false
}

func (s AcceptanceStage) Terminal() bool {
	switch s {
	case StageTimedOut, StageConfirmed, StageRejected, StageCancelled:
		return true
	}
	return false
}

type ResolutionMethod string

const (
	ResolvedByDriverEmail        ResolutionMethod = "driver_email"
	ResolvedByDriverApp          ResolutionMethod = "driver_app"
	ResolvedByDispatcherOverride ResolutionMethod = "dispatcher_override"
	ResolvedByTimeout            ResolutionMethod = "timeout"
)

type RejectionReason string

const (
	RejectionScheduleConflict RejectionReason = "schedule_conflict"
	RejectionTooFar           RejectionReason = "too_far"
	RejectionVehicleIssue     RejectionReason = "vehicle_issue"
	RejectionPersonal         RejectionReason = "personal"
	RejectionOther            RejectionReason = "other"
)

func (r RejectionReason) Valid() bool {
	switch r {
	case RejectionScheduleConflict, RejectionTooFar, RejectionVehicleIssue,
		RejectionPersonal, RejectionOther:
		return true
	}
	return false
}

// AcceptanceTracking records one driver's acceptance progress for one ride
// assignment. At most one active record exists per ride at any time.
type AcceptanceTracking struct {
	ID                  string
	RideID              string
	DriverID            string
	Stage               AcceptanceStage
	IsShortNotice       bool
	NotifiedAt          time.Time
	Reminder1At         *time.Time
	Reminder2At         *time.Time
	ResolvedAt          *time.Time
	ResolvedBy          *ResolutionMethod
	RejectionReasonCode *RejectionReason
	RejectionReasonText *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RespondToken is a one-time token embedded in driver notification emails.
// Consuming it is a conditional single-row update, same optimistic pattern
// as stage escalation.
type RespondToken struct {
	Token     string
	RideID    string
	DriverID  string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

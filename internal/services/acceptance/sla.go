package acceptance

import "time"

// shortNoticeThreshold: assignments with pickup less than this far away get
// the compressed escalation windows.
const shortNoticeThreshold = 60 * time.Minute

// SLAWindows are offsets from the initial notification at which the next
// escalation becomes due.
type SLAWindows struct {
	Reminder1 time.Duration
	Reminder2 time.Duration
	Timeout   time.Duration
}

var (
	normalWindows      = SLAWindows{Reminder1: 10 * time.Minute, Reminder2: 25 * time.Minute, Timeout: 40 * time.Minute}
	shortNoticeWindows = SLAWindows{Reminder1: 3 * time.Minute, Reminder2: 8 * time.Minute, Timeout: 15 * time.Minute}
)

// IsShortNotice reports whether a pickup is short notice relative to now.
// The boundary is exclusive: exactly 60 minutes out is NOT short notice.
// A pickup already in the past is.
func IsShortNotice(pickupAt, now time.Time) bool {
	return pickupAt.Sub(now) < shortNoticeThreshold
}

// Windows returns the escalation windows for the given short-notice class.
func Windows(shortNotice bool) SLAWindows {
	if shortNotice {
		return shortNoticeWindows
	}
	return normalWindows
}

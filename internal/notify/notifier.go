package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/CuraFleet/dispatch/internal/broker/messages"
	"github.com/CuraFleet/dispatch/internal/models"
)

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type rateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Notifier publishes driver and dispatcher notifications to Kafka. A rate
// limiter caps outreach per driver so a misbehaving sweep cannot flood
// anyone's inbox; suppressed sends are logged, not reported as failures.
type Notifier struct {
	pub    publisher
	rl     rateLimiter
	limit  int64
	window time.Duration
	now    func() time.Time
}

func New(pub publisher) *Notifier {
	return &Notifier{
		pub: pub,
		now: time.Now,
	}
}

func (n *Notifier) WithRateLimiter(rl rateLimiter, limit int64, window time.Duration) *Notifier {
	n.rl = rl
	n.limit = limit
	n.window = window
	return n
}

func (n *Notifier) allowed(ctx context.Context, driverID string) bool {
	if n.rl == nil {
		return true
	}
	ok, count, err := n.rl.Allow(ctx, "notify:driver:"+driverID, n.limit, n.window)
	if err != nil {
		// Лимитер недоступен -- шлём, лучше лишнее письмо, чем потерянное.
		slog.Warn("notify: rate limiter unavailable", "driver_id", driverID, "error", err)
		return true
	}
	if !ok {
		slog.Warn("notify: driver rate limited", "driver_id", driverID, "count", count)
	}
	return ok
}

func (n *Notifier) publish(ctx context.Context, topic, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	if err := n.pub.Publish(ctx, topic, []byte(key), b); err != nil {
		return errors.Wrap(err, "publish notification")
	}
	return nil
}

// SendDriverAssignment notifies a freshly assigned driver. The confirm and
// reject URLs carry the one-time respond token for answering by email link.
func (n *Notifier) SendDriverAssignment(ctx context.Context, ride *models.Ride, driverID, confirmURL, rejectURL string) error {
	if !n.allowed(ctx, driverID) {
		return nil
	}
	return n.publish(ctx, messages.TopicDriverNotifications, driverID, messages.DriverNotification{
		Kind:            messages.DriverAssignment,
		RideID:          ride.ID,
		DriverID:        driverID,
		Stage:           string(models.StageNotified),
		SentAt:          n.now().UTC(),
		PickupDate:      ride.PickupDate,
		PickupTime:      ride.PickupTime,
		PatientName:     ride.PatientName,
		DestinationName: ride.DestinationName,
		ConfirmURL:      confirmURL,
		RejectURL:       rejectURL,
	})
}

func (n *Notifier) SendDriverReminder(ctx context.Context, rideID, driverID string, stage models.AcceptanceStage) error {
	if !n.allowed(ctx, driverID) {
		return nil
	}
	return n.publish(ctx, messages.TopicDriverNotifications, driverID, messages.DriverNotification{
		Kind:     messages.DriverReminder,
		RideID:   rideID,
		DriverID: driverID,
		Stage:    string(stage),
		SentAt:   n.now().UTC(),
	})
}

// SendDispatcherEscalation is not rate limited: a timed out acceptance must
// always reach the dispatchers.
func (n *Notifier) SendDispatcherEscalation(ctx context.Context, rideID, driverID string) error {
	return n.publish(ctx, messages.TopicDispatcherNotifications, rideID, messages.DispatcherEscalation{
		RideID:   rideID,
		DriverID: driverID,
		SentAt:   n.now().UTC(),
	})
}

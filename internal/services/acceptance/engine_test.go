package acceptance

import (
	"context"
	"testing"
	"time"

	"github.com/CuraFleet/dispatch/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory Repository with the same conditional-update
// semantics as the Postgres storage, so CAS behavior is exercised for real.
type memRepo struct {
	trackings map[string]*models.AcceptanceTracking
	events    []*models.RideEvent

	insertErr   error
	escalateErr map[string]error // per tracking id
	listErr     error
}

func newMemRepo() *memRepo {
	return &memRepo{
		trackings:   map[string]*models.AcceptanceTracking{},
		escalateErr: map[string]error{},
	}
}

func (r *memRepo) InsertTracking(ctx context.Context, tr *models.AcceptanceTracking) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	cp := *tr
	r.trackings[tr.ID] = &cp
	return nil
}

func (r *memRepo) CancelActiveTracking(ctx context.Context, rideID string, at time.Time) (int64, error) {
	var n int64
	for _, tr := range r.trackings {
		if tr.RideID == rideID && tr.Stage.Active() {
			tr.Stage = models.StageCancelled
			tr.ResolvedAt = &at
			m := models.ResolvedByDispatcherOverride
			tr.ResolvedBy = &m
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ResolveActiveTracking(ctx context.Context, rideID string, stage models.AcceptanceStage, at time.Time,
	method models.ResolutionMethod, reasonCode *models.RejectionReason, reasonText *string) (int64, error) {
	var n int64
	for _, tr := range r.trackings {
		if tr.RideID == rideID && tr.Stage.Active() {
			tr.Stage = stage
			tr.ResolvedAt = &at
			tr.ResolvedBy = &method
			tr.RejectionReasonCode = reasonCode
			tr.RejectionReasonText = reasonText
			n++
		}
	}
	return n, nil
}

func (r *memRepo) EscalateTracking(ctx context.Context, trackingID string, expected, next models.AcceptanceStage, at time.Time) (bool, error) {
	if err := r.escalateErr[trackingID]; err != nil {
		return false, err
	}
	tr, ok := r.trackings[trackingID]
	if !ok || tr.Stage != expected {
		return false, nil
	}
	tr.Stage = next
	switch next {
	case models.StageReminder1:
		tr.Reminder1At = &at
	case models.StageReminder2:
		tr.Reminder2At = &at
	case models.StageTimedOut:
		tr.ResolvedAt = &at
		m := models.ResolvedByTimeout
		tr.ResolvedBy = &m
	}
	return true, nil
}

func (r *memRepo) ListActiveTrackings(ctx context.Context) ([]*models.AcceptanceTracking, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*models.AcceptanceTracking
	for _, tr := range r.trackings {
		if tr.Stage.Active() {
			cp := *tr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) GetActiveTracking(ctx context.Context, rideID string) (*models.AcceptanceTracking, error) {
	for _, tr := range r.trackings {
		if tr.RideID == rideID && tr.Stage.Active() {
			cp := *tr
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) AppendRideEvent(ctx context.Context, ev *models.RideEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *memRepo) activeForRide(rideID string) []*models.AcceptanceTracking {
	var out []*models.AcceptanceTracking
	for _, tr := range r.trackings {
		if tr.RideID == rideID && tr.Stage.Active() {
			out = append(out, tr)
		}
	}
	return out
}

type fakeNotifier struct {
	reminders   []models.AcceptanceStage
	escalations int
	err         error
}

func (n *fakeNotifier) SendDriverReminder(ctx context.Context, rideID, driverID string, stage models.AcceptanceStage) error {
	n.reminders = append(n.reminders, stage)
	return n.err
}

func (n *fakeNotifier) SendDispatcherEscalation(ctx context.Context, rideID, driverID string) error {
	n.escalations++
	return n.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCreateAcceptanceTracking_FreezesShortNotice(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 3, 10, 13, 30, 0, 0, time.UTC)
	e := New(repo, nil, true).WithClock(fixedClock(now)).WithLocation(time.UTC)

	// pickup 30 minutes out: short notice
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "14:00")
	active := repo.activeForRide("r1")
	require.Len(t, active, 1)
	require.True(t, active[0].IsShortNotice)
	require.Equal(t, models.StageNotified, active[0].Stage)
	require.Equal(t, now, active[0].NotifiedAt)

	// pickup 2 hours out: normal
	e.CreateAcceptanceTracking(context.Background(), "r2", "d1", "2026-03-10", "15:30")
	active = repo.activeForRide("r2")
	require.Len(t, active, 1)
	require.False(t, active[0].IsShortNotice)
}

func TestCreateAcceptanceTracking_OneActivePerRide(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := New(repo, nil, true).WithClock(fixedClock(now)).WithLocation(time.UTC)

	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "14:00")
	e.CreateAcceptanceTracking(context.Background(), "r1", "d2", "2026-03-10", "14:00")

	active := repo.activeForRide("r1")
	require.Len(t, active, 1)
	require.Equal(t, "d2", active[0].DriverID)

	var cancelled int
	for _, tr := range repo.trackings {
		if tr.RideID == "r1" && tr.Stage == models.StageCancelled {
			cancelled++
			require.Equal(t, models.ResolvedByDispatcherOverride, *tr.ResolvedBy)
			require.NotNil(t, tr.ResolvedAt)
		}
	}
	require.Equal(t, 1, cancelled)
}

func TestCreateAcceptanceTracking_Disabled(t *testing.T) {
	repo := newMemRepo()
	e := New(repo, nil, false)
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "14:00")
	require.Empty(t, repo.trackings)
}

func TestCreateAcceptanceTracking_SwallowsInsertError(t *testing.T) {
	repo := newMemRepo()
	repo.insertErr = errors.New("db down")
	e := New(repo, nil, true)
	// must not panic or propagate; dispatcher remains the fallback
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "14:00")
	require.Empty(t, repo.trackings)
}

func TestResolveAcceptance(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := New(repo, nil, true).WithClock(fixedClock(now)).WithLocation(time.UTC)
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "14:00")

	code := models.RejectionTooFar
	text := "anderes Stadtgebiet"
	require.NoError(t, e.ResolveAcceptance(context.Background(), "r1", models.StageRejected, models.ResolvedByDriverApp, &code, &text))

	require.Empty(t, repo.activeForRide("r1"))
	for _, tr := range repo.trackings {
		require.Equal(t, models.StageRejected, tr.Stage)
		require.Equal(t, models.ResolvedByDriverApp, *tr.ResolvedBy)
		require.Equal(t, code, *tr.RejectionReasonCode)
		require.Equal(t, text, *tr.RejectionReasonText)
	}
}

func TestResolveAcceptance_RejectsNonResolutionStage(t *testing.T) {
	e := New(newMemRepo(), nil, true)
	require.Error(t, e.ResolveAcceptance(context.Background(), "r1", models.StageTimedOut, models.ResolvedByTimeout, nil, nil))
	require.Error(t, e.ResolveAcceptance(context.Background(), "r1", models.StageNotified, models.ResolvedByDriverApp, nil, nil))
}

func TestEscalateToStage_CASIdempotence(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := New(repo, nil, true).WithClock(fixedClock(now)).WithLocation(time.UTC)
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "14:00")
	tr := repo.activeForRide("r1")[0]

	ok, err := e.EscalateToStage(context.Background(), tr.ID, models.StageNotified, models.StageReminder1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.StageReminder1, repo.trackings[tr.ID].Stage)
	require.NotNil(t, repo.trackings[tr.ID].Reminder1At)

	// second identical call loses the precondition and changes nothing
	ok, err = e.EscalateToStage(context.Background(), tr.ID, models.StageNotified, models.StageReminder1)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, models.StageReminder1, repo.trackings[tr.ID].Stage)
	require.Nil(t, repo.trackings[tr.ID].Reminder2At)
}

func TestSweep_NeverSkipsStages(t *testing.T) {
	repo := newMemRepo()
	notifier := &fakeNotifier{}
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := New(repo, notifier, true).WithClock(fixedClock(start)).WithLocation(time.UTC)
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "16:00") // normal windows
	tr := repo.activeForRide("r1")[0]

	// an hour later every threshold has been exceeded
	e.WithClock(fixedClock(start.Add(time.Hour)))

	results, err := e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, models.StageReminder1, results[0].ToStage)
	require.True(t, results[0].Escalated)
	require.Equal(t, models.StageReminder1, repo.trackings[tr.ID].Stage)

	results, err = e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, models.StageReminder2, results[0].ToStage)
	require.Equal(t, models.StageReminder2, repo.trackings[tr.ID].Stage)

	results, err = e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, models.StageTimedOut, results[0].ToStage)
	require.Equal(t, models.StageTimedOut, repo.trackings[tr.ID].Stage)
	require.Equal(t, models.ResolvedByTimeout, *repo.trackings[tr.ID].ResolvedBy)
	require.NotNil(t, repo.trackings[tr.ID].ResolvedAt)

	// terminal: a fourth pass finds nothing
	results, err = e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)

	require.Equal(t, []models.AcceptanceStage{models.StageReminder1, models.StageReminder2}, notifier.reminders)
	require.Equal(t, 1, notifier.escalations)
}

func TestSweep_ShortNoticeScenario(t *testing.T) {
	// ride pickup 14:00, assigned 13:30 -> short notice, windows {3,8,15}
	repo := newMemRepo()
	notifier := &fakeNotifier{}
	assigned := time.Date(2026, 3, 10, 13, 30, 0, 0, time.UTC)
	e := New(repo, notifier, true).WithClock(fixedClock(assigned)).WithLocation(time.UTC)
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "14:00")
	tr := repo.activeForRide("r1")[0]
	require.True(t, tr.IsShortNotice)

	// 13:32 — not yet due
	e.WithClock(fixedClock(assigned.Add(2 * time.Minute)))
	results, err := e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Empty(t, results)

	// 13:33 — reminder 1
	e.WithClock(fixedClock(assigned.Add(3 * time.Minute)))
	results, err = e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, models.StageReminder1, results[0].ToStage)

	// 13:38 — reminder 2
	e.WithClock(fixedClock(assigned.Add(8 * time.Minute)))
	results, err = e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, models.StageReminder2, results[0].ToStage)

	// 13:45 — timeout, dispatcher notified
	e.WithClock(fixedClock(assigned.Add(15 * time.Minute)))
	results, err = e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, models.StageTimedOut, results[0].ToStage)
	require.Equal(t, 1, notifier.escalations)
}

func TestSweep_NotifierFailureDoesNotRollBack(t *testing.T) {
	repo := newMemRepo()
	notifier := &fakeNotifier{err: errors.New("smtp refused")}
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := New(repo, notifier, true).WithClock(fixedClock(start)).WithLocation(time.UTC)
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "16:00")
	tr := repo.activeForRide("r1")[0]

	e.WithClock(fixedClock(start.Add(10 * time.Minute)))
	results, err := e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Escalated)
	require.Equal(t, models.StageReminder1, repo.trackings[tr.ID].Stage)
}

func TestSweep_OneFailureDoesNotStopOthers(t *testing.T) {
	repo := newMemRepo()
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := New(repo, nil, true).WithClock(fixedClock(start)).WithLocation(time.UTC)
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "16:00")
	e.CreateAcceptanceTracking(context.Background(), "r2", "d2", "2026-03-10", "16:00")
	broken := repo.activeForRide("r1")[0]
	repo.escalateErr[broken.ID] = errors.New("deadlock")

	e.WithClock(fixedClock(start.Add(10 * time.Minute)))
	results, err := e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	byRide := map[string]EscalationResult{}
	for _, r := range results {
		byRide[r.RideID] = r
	}
	require.False(t, byRide["r1"].Escalated)
	require.True(t, byRide["r2"].Escalated)
}

func TestSweep_Disabled(t *testing.T) {
	repo := newMemRepo()
	e := New(repo, nil, false)
	results, err := e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestSweep_AppendsEscalationEvents(t *testing.T) {
	repo := newMemRepo()
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := New(repo, nil, true).WithClock(fixedClock(start)).WithLocation(time.UTC)
	e.CreateAcceptanceTracking(context.Background(), "r1", "d1", "2026-03-10", "16:00")

	e.WithClock(fixedClock(start.Add(10 * time.Minute)))
	_, err := e.CheckPendingAcceptances(context.Background())
	require.NoError(t, err)

	require.Len(t, repo.events, 1)
	require.Equal(t, models.RideEventEscalation, repo.events[0].Type)
	require.Equal(t, "r1", repo.events[0].RideID)
	require.Equal(t, models.StageReminder1, *repo.events[0].Stage)
}

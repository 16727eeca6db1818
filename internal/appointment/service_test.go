package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/eventlog"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

// -- Mock Appointment Repository --

// mockRepo enforces the no-overlap rule on writes the way the database
// exclusion constraint does.
type mockRepo struct {
	mu     sync.Mutex
	appts  map[uuid.UUID]*Appointment
	events []eventlog.Event

	// listDelay widens the check-then-insert race window.
	listDelay time.Duration
	eventErr  error
}

func newMockRepo() *mockRepo {
	return &mockRepo{appts: make(map[uuid.UUID]*Appointment)}
}

type txRepo struct {
	*mockRepo
	created []uuid.UUID
}

func (m *mockRepo) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	tx := &txRepo{mockRepo: m}
	if err := fn(tx); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, id := range tx.created {
			delete(m.appts, id)
		}
		return err
	}
	return nil
}

func (t *txRepo) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	return fn(t)
}

func (t *txRepo) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	created, err := t.mockRepo.CreateAppointment(ctx, a)
	if err == nil {
		t.created = append(t.created, created.ID)
	}
	return created, err
}

func (m *mockRepo) overlapsLocked(a *Appointment) bool {
	for _, other := range m.appts {
		if other.ID == a.ID || !other.Status.Occupies() {
			continue
		}
		if other.ProviderID == a.ProviderID && other.Date.Equal(a.Date) && other.Interval.Overlaps(a.Interval) {
			return true
		}
	}
	return false
}

func (m *mockRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return m.GetAppointmentByID(ctx, id)
}

func (m *mockRepo) list(providerID uuid.UUID, date time.Time, scheduledOnly bool) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.ProviderID != providerID || !a.Date.Equal(date) {
			continue
		}
		if scheduledOnly && a.Status != StatusScheduled {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interval.Start < out[j].Interval.Start })
	return out
}

func (m *mockRepo) ListScheduledForProviderDay(_ context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	out := m.list(providerID, date, true)
	if m.listDelay > 0 {
		time.Sleep(m.listDelay)
	}
	return out, nil
}

func (m *mockRepo) ListForProviderDay(_ context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	return m.list(providerID, date, false), nil
}

func (m *mockRepo) CreateAppointment(_ context.Context, a *Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.ID = uuid.New()
	cp.Status = StatusScheduled
	if m.overlapsLocked(&cp) {
		return nil, ErrOverlapConstraint
	}
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.appts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *mockRepo) RescheduleAppointment(_ context.Context, id uuid.UUID, date time.Time, interval schedule.Interval) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != StatusScheduled {
		return nil, ErrAppointmentNotFound
	}
	moved := *a
	moved.Date = date
	moved.Interval = interval
	if m.overlapsLocked(&moved) {
		return nil, ErrOverlapConstraint
	}
	*a = moved
	out := moved
	return &out, nil
}

func (m *mockRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	if reason != nil {
		a.CancelReason = reason
	}
	out := *a
	return &out, nil
}

func (m *mockRepo) FindPastScheduled(_ context.Context, date time.Time, clock schedule.Clock) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.Status != StatusScheduled {
			continue
		}
		if a.Date.Before(date) || (a.Date.Equal(date) && a.Interval.End <= clock) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockRepo) InsertEvent(_ context.Context, ev eventlog.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventErr != nil {
		return m.eventErr
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

// -- Lockers --

type mutexLocker struct {
	mu sync.Mutex
}

func (l *mutexLocker) WithProviderDayLock(ctx context.Context, _ uuid.UUID, _ time.Time, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

type busyLocker struct{}

func (busyLocker) WithProviderDayLock(context.Context, uuid.UUID, time.Time, func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

// unreachableLocker fails the way the Redis locker does when the server
// cannot be dialed: fn never runs.
type unreachableLocker struct{}

func (unreachableLocker) WithProviderDayLock(context.Context, uuid.UUID, time.Time, func(ctx context.Context) error) error {
	return fmt.Errorf("%w: dial tcp 127.0.0.1:1: connect: connection refused", redisclient.ErrLockUnavailable)
}

// -- Helpers --

var (
	testDate = time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	provider = uuid.MustParse("0b6d1f3e-2a51-4c37-8f0e-5d9a1c2b3e4f")
	location = uuid.MustParse("9e8d7c6b-5a49-4382-a1b0-c9d8e7f6a5b4")
)

func testConfig() config.Config {
	return config.Config{
		DefaultWindow:      schedule.Window{Start: schedule.NewClock(9, 0), End: schedule.NewClock(17, 0)},
		DefaultGranularity: 30 * time.Minute,
		ClinicLocation:     time.UTC,
	}
}

func newTestService(t *testing.T, repo Repository, locker redisclient.Locker, cache SlotCache) *Service {
	t.Helper()
	return NewService(repo, locker, cache, testConfig(), zaptest.NewLogger(t), nil)
}

func iv(sh, sm, eh, em int) schedule.Interval {
	return schedule.Interval{Start: schedule.NewClock(sh, sm), End: schedule.NewClock(eh, em)}
}

func bookReq(interval schedule.Interval) BookingRequest {
	return BookingRequest{
		ProviderID: provider,
		PatientID:  uuid.New(),
		LocationID: location,
		Date:       testDate,
		Interval:   interval,
	}
}

// -- Tests --

func TestBook_PersistsAndLogsEvent(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, &mutexLocker{}, nil)

	appt, err := svc.Book(context.Background(), bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, testDate, appt.Date)
	require.Len(t, repo.events, 1)
	assert.Equal(t, eventlog.AppointmentBooked, repo.events[0].EventType)
}

func TestBook_OverlapIsConflict(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, &mutexLocker{}, nil)
	ctx := context.Background()

	_, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)

	_, err = svc.Book(ctx, bookReq(iv(9, 30, 10, 30)))
	assert.ErrorIs(t, err, ErrSchedulingConflict)
	assert.Equal(t, 1, repo.count())

	// back-to-back is fine
	_, err = svc.Book(ctx, bookReq(iv(10, 0, 10, 30)))
	assert.NoError(t, err)
}

func TestBook_OtherProviderDoesNotConflict(t *testing.T) {
	svc := newTestService(t, newMockRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)

	req := bookReq(iv(9, 0, 10, 0))
	req.ProviderID = uuid.New()
	_, err = svc.Book(ctx, req)
	assert.NoError(t, err)
}

func TestBook_InvalidInterval(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, nil, nil)
	ctx := context.Background()

	_, err := svc.Book(ctx, bookReq(iv(10, 0, 10, 0)))
	assert.ErrorIs(t, err, schedule.ErrInvalidInterval)

	_, err = svc.Book(ctx, bookReq(iv(11, 0, 10, 0)))
	assert.ErrorIs(t, err, schedule.ErrInvalidInterval)

	// outside the bookable window
	_, err = svc.Book(ctx, bookReq(iv(16, 30, 17, 30)))
	assert.ErrorIs(t, err, schedule.ErrInvalidInterval)

	assert.Equal(t, 0, repo.count())
}

func TestBook_ProviderBusy(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, busyLocker{}, nil)

	_, err := svc.Book(context.Background(), bookReq(iv(9, 0, 10, 0)))
	assert.ErrorIs(t, err, ErrProviderBusy)
	assert.Equal(t, 0, repo.count())
}

func TestBook_LockStoreDownFallsBackToConstraint(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, unreachableLocker{}, nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, bookReq(iv(9, 0, 9, 30)))
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, appt.Status)

	_, err = svc.Book(ctx, bookReq(iv(9, 15, 9, 45)))
	assert.ErrorIs(t, err, ErrSchedulingConflict)
	assert.NotErrorIs(t, err, ErrProviderBusy)

	moved, err := svc.Reschedule(ctx, appt.ID, testDate, iv(10, 0, 10, 30))
	require.NoError(t, err)
	assert.Equal(t, iv(10, 0, 10, 30), moved.Interval)
	assert.Equal(t, 1, repo.count())
}

func TestBook_EventFailureRollsBack(t *testing.T) {
	repo := newMockRepo()
	repo.eventErr = errors.New("event log unavailable")
	svc := newTestService(t, repo, nil, nil)

	_, err := svc.Book(context.Background(), bookReq(iv(9, 0, 10, 0)))
	assert.Error(t, err)
	assert.Equal(t, 0, repo.count())
}

func TestBook_ConcurrentSameIntervalExactlyOneWins(t *testing.T) {
	for name, locker := range map[string]redisclient.Locker{
		"with lock":       &mutexLocker{},
		"constraint only": nil,
	} {
		t.Run(name, func(t *testing.T) {
			repo := newMockRepo()
			repo.listDelay = 5 * time.Millisecond
			svc := newTestService(t, repo, locker, nil)

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = svc.Book(context.Background(), bookReq(iv(9, 0, 10, 0)))
				}()
			}
			wg.Wait()

			var ok, conflicts int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrSchedulingConflict):
					conflicts++
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, 1, conflicts)
			assert.Equal(t, 1, repo.count())
		})
	}
}

func TestBook_ConcurrentNoDoubleBooking(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, nil, nil)

	g, ctx := errgroup.WithContext(context.Background())
	for h := 9; h < 17; h++ {
		for range 4 {
			g.Go(func() error {
				_, err := svc.Book(ctx, bookReq(iv(h, 0, h+1, 0)))
				if err != nil && !errors.Is(err, ErrSchedulingConflict) {
					return err
				}
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())

	booked := repo.list(provider, testDate, true)
	assert.Len(t, booked, 8)
	for i := range booked {
		for j := i + 1; j < len(booked); j++ {
			assert.False(t, booked[i].Interval.Overlaps(booked[j].Interval))
		}
	}
}

func TestCheckConflict(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, nil, nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)

	conflict, err := svc.CheckConflict(ctx, provider, testDate, iv(9, 30, 10, 30), nil)
	require.NoError(t, err)
	assert.True(t, conflict)

	// an appointment does not conflict with itself
	conflict, err = svc.CheckConflict(ctx, provider, testDate, iv(9, 30, 10, 30), &appt.ID)
	require.NoError(t, err)
	assert.False(t, conflict)

	conflict, err = svc.CheckConflict(ctx, provider, testDate.Add(24*time.Hour), iv(9, 0, 10, 0), nil)
	require.NoError(t, err)
	assert.False(t, conflict)

	_, err = svc.CheckConflict(ctx, provider, testDate, iv(10, 0, 9, 0), nil)
	assert.ErrorIs(t, err, schedule.ErrInvalidInterval)
}

func TestReschedule_ExcludesItself(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, &mutexLocker{}, nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)

	moved, err := svc.Reschedule(ctx, appt.ID, testDate, iv(9, 30, 10, 30))
	require.NoError(t, err)
	assert.Equal(t, iv(9, 30, 10, 30), moved.Interval)
	assert.Equal(t, eventlog.AppointmentRescheduled, repo.events[len(repo.events)-1].EventType)
}

func TestReschedule_ConflictWithOther(t *testing.T) {
	svc := newTestService(t, newMockRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)
	second, err := svc.Book(ctx, bookReq(iv(11, 0, 12, 0)))
	require.NoError(t, err)

	_, err = svc.Reschedule(ctx, second.ID, testDate, iv(9, 30, 10, 30))
	assert.ErrorIs(t, err, ErrSchedulingConflict)

	got, err := svc.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, iv(11, 0, 12, 0), got.Interval)
}

func TestReschedule_NotScheduled(t *testing.T) {
	svc := newTestService(t, newMockRepo(), nil, nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, appt.ID, nil)
	require.NoError(t, err)

	_, err = svc.Reschedule(ctx, appt.ID, testDate, iv(11, 0, 12, 0))
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = svc.Reschedule(ctx, uuid.New(), testDate, iv(11, 0, 12, 0))
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestStatusTransitions(t *testing.T) {
	svc := newTestService(t, newMockRepo(), nil, nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)

	reason := "patient called"
	cancelled, err := svc.Cancel(ctx, appt.ID, &reason)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, reason, *cancelled.CancelReason)

	_, err = svc.Cancel(ctx, appt.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	_, err = svc.Complete(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = svc.Complete(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCancel_FreesInterval(t *testing.T) {
	svc := newTestService(t, newMockRepo(), nil, nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, appt.ID, nil)
	require.NoError(t, err)

	_, err = svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	assert.NoError(t, err)
}

func TestCompletePastAppointments(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, nil, nil)
	ctx := context.Background()

	past, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)
	ending, err := svc.Book(ctx, bookReq(iv(10, 0, 11, 0)))
	require.NoError(t, err)
	future, err := svc.Book(ctx, bookReq(iv(11, 0, 12, 0)))
	require.NoError(t, err)

	n, err := svc.CompletePastAppointments(ctx, time.Date(2026, 10, 16, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[uuid.UUID]AppointmentStatus{
		past.ID:   StatusCompleted,
		ending.ID: StatusCompleted,
		future.ID: StatusScheduled,
	} {
		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
	}

	n, err = svc.CompletePastAppointments(ctx, time.Date(2026, 10, 16, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCompletePastAppointments_UsesClinicZone(t *testing.T) {
	repo := newMockRepo()
	cfg := testConfig()
	cfg.ClinicLocation = time.FixedZone("UTC+2", 2*60*60)
	svc := NewService(repo, nil, nil, cfg, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)

	// 07:30 UTC is 09:30 at the clinic, before the appointment ends
	n, err := svc.CompletePastAppointments(ctx, time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// 08:00 UTC is 10:00 at the clinic
	n, err = svc.CompletePastAppointments(ctx, time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestListForProviderDay(t *testing.T) {
	svc := newTestService(t, newMockRepo(), nil, nil)
	ctx := context.Background()

	empty, err := svc.ListForProviderDay(ctx, provider, testDate)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	a, err := svc.Book(ctx, bookReq(iv(11, 0, 12, 0)))
	require.NoError(t, err)
	b, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, a.ID, nil)
	require.NoError(t, err)

	all, err := svc.ListForProviderDay(ctx, provider, testDate.Add(15*time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
	assert.Equal(t, StatusCancelled, all[1].Status)
}

func TestBook_RecordsOutcomeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	svc := NewService(newMockRepo(), nil, nil, testConfig(), zaptest.NewLogger(t), m)
	ctx := context.Background()

	_, err := svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.NoError(t, err)
	_, err = svc.Book(ctx, bookReq(iv(9, 0, 10, 0)))
	require.ErrorIs(t, err, ErrSchedulingConflict)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BookingOutcomes.WithLabelValues(opBook, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BookingOutcomes.WithLabelValues(opBook, "conflict")))
}

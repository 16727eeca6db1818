package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/eventlog"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

var (
	ErrSchedulingConflict      = errors.New("provider already has an appointment in that interval")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrProviderBusy            = errors.New("provider schedule is being modified, please retry")
)

const (
	opBook       = "book"
	opReschedule = "reschedule"
)

type Service struct {
	repo    Repository
	locker  redisclient.Locker
	cache   SlotCache
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService wires the scheduler. A nil cache disables slot caching.
func NewService(repo Repository, locker redisclient.Locker, cache SlotCache, cfg config.Config, log *zap.Logger, m *metrics.Metrics) *Service {
	if cache == nil {
		cache = NoopCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ClinicLocation == nil {
		cfg.ClinicLocation = time.UTC
	}
	return &Service{
		repo:    repo,
		locker:  locker,
		cache:   cache,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// CheckConflict reports whether interval overlaps any scheduled appointment of
// the provider on date, ignoring excludeID when it is set.
func (s *Service) CheckConflict(ctx context.Context, providerID uuid.UUID, date time.Time, interval schedule.Interval, excludeID *uuid.UUID) (bool, error) {
	if err := interval.Validate(); err != nil {
		return false, err
	}
	return s.checkConflict(ctx, s.repo, providerID, schedule.Day(date), interval, excludeID)
}

func (s *Service) checkConflict(ctx context.Context, repo Repository, providerID uuid.UUID, date time.Time, interval schedule.Interval, excludeID *uuid.UUID) (bool, error) {
	existing, err := repo.ListScheduledForProviderDay(ctx, providerID, date)
	if err != nil {
		return false, fmt.Errorf("load provider bookings: %w", err)
	}
	conflict := schedule.HasConflict(bookings(existing), interval, excludeID)
	s.metrics.ConflictChecked(conflict)
	return conflict, nil
}

// Book places a scheduled appointment. The provider-day lock serializes
// bookings across instances; the storage exclusion constraint still rejects
// an overlap if the lock is lost.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	date := schedule.Day(req.Date)
	if err := s.validateInterval(req.Interval); err != nil {
		s.metrics.Booking(opBook, outcomeOf(err))
		return nil, err
	}

	var created *Appointment
	err := s.withProviderDay(ctx, req.ProviderID, date, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(tx Repository) error {
			conflict, err := s.checkConflict(ctx, tx, req.ProviderID, date, req.Interval, nil)
			if err != nil {
				return err
			}
			if conflict {
				return ErrSchedulingConflict
			}

			inserted, err := tx.CreateAppointment(ctx, &Appointment{
				ProviderID: req.ProviderID,
				PatientID:  req.PatientID,
				LocationID: req.LocationID,
				Date:       date,
				Interval:   req.Interval,
				Status:     StatusScheduled,
			})
			if err != nil {
				if errors.Is(err, ErrOverlapConstraint) {
					return fmt.Errorf("%w: %w", ErrSchedulingConflict, err)
				}
				return fmt.Errorf("create appointment: %w", err)
			}

			ev, err := eventlog.New(eventlog.AppointmentBooked, inserted.ID, map[string]any{
				"provider_id": req.ProviderID.String(),
				"patient_id":  req.PatientID.String(),
				"location_id": req.LocationID.String(),
				"date":        date.Format(schedule.DateLayout),
				"interval":    req.Interval.String(),
			})
			if err != nil {
				return err
			}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}

			created = inserted
			return nil
		})
	})
	s.metrics.Booking(opBook, outcomeOf(err))
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, req.ProviderID, date)
	s.log.Info("appointment booked",
		zap.String("appointment_id", created.ID.String()),
		zap.String("provider_id", created.ProviderID.String()),
		zap.String("date", date.Format(schedule.DateLayout)),
		zap.Stringer("interval", created.Interval))

	return created, nil
}

// Reschedule moves a scheduled appointment to a new date and interval.
// The appointment's current booking does not conflict with its new one.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, date time.Time, interval schedule.Interval) (*Appointment, error) {
	date = schedule.Day(date)
	if err := s.validateInterval(interval); err != nil {
		s.metrics.Booking(opReschedule, outcomeOf(err))
		return nil, err
	}

	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if current.Status != StatusScheduled {
		return nil, fmt.Errorf("%w: %s appointment cannot be rescheduled", ErrInvalidStatusTransition, current.Status)
	}

	var updated *Appointment
	err = s.withProviderDay(ctx, current.ProviderID, date, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(tx Repository) error {
			locked, err := tx.GetAppointmentForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if locked.Status != StatusScheduled {
				return fmt.Errorf("%w: %s appointment cannot be rescheduled", ErrInvalidStatusTransition, locked.Status)
			}

			conflict, err := s.checkConflict(ctx, tx, locked.ProviderID, date, interval, &locked.ID)
			if err != nil {
				return err
			}
			if conflict {
				return ErrSchedulingConflict
			}

			moved, err := tx.RescheduleAppointment(ctx, id, date, interval)
			if err != nil {
				if errors.Is(err, ErrOverlapConstraint) {
					return fmt.Errorf("%w: %w", ErrSchedulingConflict, err)
				}
				return fmt.Errorf("reschedule appointment: %w", err)
			}

			ev, err := eventlog.New(eventlog.AppointmentRescheduled, id, map[string]any{
				"from_date":     locked.Date.Format(schedule.DateLayout),
				"from_interval": locked.Interval.String(),
				"to_date":       date.Format(schedule.DateLayout),
				"to_interval":   interval.String(),
			})
			if err != nil {
				return err
			}
			if err := tx.InsertEvent(ctx, ev); err != nil {
				return err
			}

			updated = moved
			return nil
		})
	})
	s.metrics.Booking(opReschedule, outcomeOf(err))
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, current.ProviderID, current.Date)
	if !current.Date.Equal(date) {
		s.cache.Invalidate(ctx, current.ProviderID, date)
	}
	s.log.Info("appointment rescheduled",
		zap.String("appointment_id", id.String()),
		zap.String("date", date.Format(schedule.DateLayout)),
		zap.Stringer("interval", interval))

	return updated, nil
}

// Cancel moves a scheduled appointment to cancelled and frees its interval.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason *string) (*Appointment, error) {
	return s.transition(ctx, id, StatusCancelled, reason, eventlog.AppointmentCancelled)
}

// Complete moves a scheduled appointment to completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted, nil, eventlog.AppointmentCompleted)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to AppointmentStatus, reason *string, eventType string) (*Appointment, error) {
	var updated *Appointment
	err := s.repo.WithTx(ctx, func(tx Repository) error {
		appt, err := tx.UpdateAppointmentStatus(ctx, id, StatusScheduled, to, reason)
		if err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				return fmt.Errorf("update appointment status: %w", err)
			}
			// distinguish a missing appointment from one in the wrong state
			existing, getErr := tx.GetAppointmentByID(ctx, id)
			if getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, existing.Status, to)
		}

		payload := map[string]any{"from": string(StatusScheduled), "to": string(to)}
		if reason != nil {
			payload["reason"] = *reason
		}
		ev, err := eventlog.New(eventType, id, payload)
		if err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}

		updated = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, updated.ProviderID, updated.Date)
	s.log.Info("appointment status changed",
		zap.String("appointment_id", id.String()),
		zap.String("status", string(to)))

	return updated, nil
}

// CompletePastAppointments marks every scheduled appointment that ended
// before now (in the clinic's zone) as completed. It is run by the
// completion worker and returns how many appointments it completed.
func (s *Service) CompletePastAppointments(ctx context.Context, now time.Time) (int, error) {
	local := now.In(s.cfg.ClinicLocation)
	candidates, err := s.repo.FindPastScheduled(ctx, schedule.Day(local), schedule.ClockOf(local))
	if err != nil {
		return 0, fmt.Errorf("find past scheduled appointments: %w", err)
	}

	completed := 0
	for _, appt := range candidates {
		if _, err := s.Complete(ctx, appt.ID); err != nil {
			// cancelled or completed elsewhere since the scan
			if errors.Is(err, ErrInvalidStatusTransition) || errors.Is(err, ErrAppointmentNotFound) {
				continue
			}
			s.log.Error("failed to complete appointment",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err))
			continue
		}
		completed++
	}

	s.metrics.WorkerCompleted(completed)
	return completed, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// ListForProviderDay returns every appointment of the provider on date, in any status.
func (s *Service) ListForProviderDay(ctx context.Context, providerID uuid.UUID, date time.Time) ([]Appointment, error) {
	appts, err := s.repo.ListForProviderDay(ctx, providerID, schedule.Day(date))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	if appts == nil {
		appts = []Appointment{}
	}
	return appts, nil
}

// ListAvailableSlots returns the granularity-sized slots of window on date
// that overlap no scheduled appointment of the provider, ascending by start.
// A zero window or granularity falls back to the configured defaults. The
// window must lie inside the bookable window so every listed slot can be booked.
func (s *Service) ListAvailableSlots(ctx context.Context, providerID uuid.UUID, date time.Time, locationID uuid.UUID, window schedule.Window, granularity time.Duration) ([]schedule.TimeSlot, error) {
	if window == (schedule.Window{}) {
		window = s.cfg.DefaultWindow
	}
	if granularity == 0 {
		granularity = s.cfg.DefaultGranularity
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if s.cfg.DefaultWindow != (schedule.Window{}) && !schedule.Interval(window).Within(s.cfg.DefaultWindow) {
		return nil, fmt.Errorf("%w: window %s is outside the bookable window %s", schedule.ErrInvalidInterval, window, s.cfg.DefaultWindow)
	}
	if granularity < time.Minute {
		return nil, fmt.Errorf("%w: granularity %s must be at least one minute", schedule.ErrInvalidInterval, granularity)
	}

	q := schedule.SlotQuery{
		ProviderID:  providerID,
		LocationID:  locationID,
		Date:        schedule.Day(date),
		Window:      window,
		Granularity: granularity,
	}

	// gen is read before the bookings so a change committed after the read
	// invalidates past it and the fill below is dropped.
	slots, gen, ok := s.cache.Get(ctx, q)
	if ok {
		s.metrics.SlotCache(true)
		return slots, nil
	}
	s.metrics.SlotCache(false)

	existing, err := s.repo.ListScheduledForProviderDay(ctx, providerID, q.Date)
	if err != nil {
		return nil, fmt.Errorf("load provider bookings: %w", err)
	}
	busy := make([]schedule.Interval, 0, len(existing))
	for _, b := range bookings(existing) {
		busy = append(busy, b.Interval)
	}

	free, err := schedule.AvailableSlots(window, granularity, busy)
	if err != nil {
		return nil, err
	}

	slots = make([]schedule.TimeSlot, 0, len(free))
	for _, iv := range free {
		slots = append(slots, schedule.TimeSlot{
			ProviderID: providerID,
			LocationID: locationID,
			Date:       q.Date,
			Start:      iv.Start,
			End:        iv.End,
		})
	}

	s.cache.Set(ctx, q, gen, slots)
	return slots, nil
}

func (s *Service) validateInterval(interval schedule.Interval) error {
	if err := interval.Validate(); err != nil {
		return err
	}
	if s.cfg.DefaultWindow != (schedule.Window{}) && !interval.Within(s.cfg.DefaultWindow) {
		return fmt.Errorf("%w: %s is outside the bookable window %s", schedule.ErrInvalidInterval, interval, s.cfg.DefaultWindow)
	}
	return nil
}

// withProviderDay runs fn under the provider-day lock when a locker is
// configured. If the lock store is unreachable fn runs unlocked and the
// storage exclusion constraint alone rejects overlaps.
func (s *Service) withProviderDay(ctx context.Context, providerID uuid.UUID, date time.Time, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	err := s.locker.WithProviderDayLock(ctx, providerID, date, fn)
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return fmt.Errorf("%w: %w", ErrProviderBusy, err)
	case errors.Is(err, redisclient.ErrLockUnavailable):
		s.log.Warn("provider-day lock unavailable, proceeding without it",
			zap.String("provider_id", providerID.String()),
			zap.String("date", date.Format(schedule.DateLayout)),
			zap.Error(err))
		return fn(ctx)
	}
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSchedulingConflict):
		return "conflict"
	case errors.Is(err, schedule.ErrInvalidInterval):
		return "invalid"
	case errors.Is(err, ErrProviderBusy):
		return "busy"
	default:
		return "error"
	}
}

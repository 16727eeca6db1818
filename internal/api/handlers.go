package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/identity"
	"github.com/hackgods/clinic-scheduling-core/internal/patient"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

type PatientService interface {
	Register(ctx context.Context, in patient.NewPatient) (*patient.Patient, error)
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	GetByRecordIdentifier(ctx context.Context, recordID string) (*patient.Patient, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type AppointmentService interface {
	Book(ctx context.Context, req appointment.BookingRequest) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, date time.Time, interval schedule.Interval) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, reason *string) (*appointment.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListForProviderDay(ctx context.Context, providerID uuid.UUID, date time.Time) ([]appointment.Appointment, error)
	CheckConflict(ctx context.Context, providerID uuid.UUID, date time.Time, interval schedule.Interval, excludeID *uuid.UUID) (bool, error)
	ListAvailableSlots(ctx context.Context, providerID uuid.UUID, date time.Time, locationID uuid.UUID, window schedule.Window, granularity time.Duration) ([]schedule.TimeSlot, error)
}

var (
	_ PatientService     = (*patient.Service)(nil)
	_ AppointmentService = (*appointment.Service)(nil)
)

// Patients

func registerPatientHandler(svc PatientService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterPatientRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		in := patient.NewPatient{
			ClinicScope: req.ClinicScope,
			FirstName:   req.FirstName,
			LastName:    req.LastName,
			Email:       req.Email,
			Phone:       req.Phone,
		}
		if req.DateOfBirth != "" {
			dob, err := schedule.ParseDate(req.DateOfBirth)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date_of_birth", err.Error())
				return
			}
			in.DateOfBirth = &dob
		}

		p, err := svc.Register(r.Context(), in)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toPatientResponse(p))
	}
}

func getPatientHandler(svc PatientService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		p, err := svc.Get(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPatientResponse(p))
	}
}

func getPatientByRecordHandler(svc PatientService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.GetByRecordIdentifier(r.Context(), chi.URLParam(r, "recordId"))
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toPatientResponse(p))
	}
}

func deletePatientHandler(svc PatientService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		if err := svc.Delete(r.Context(), id); err != nil {
			handleError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// Appointments

func bookAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		date, interval, err := parseDateInterval(req.Date, req.Start, req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
			return
		}

		appt, err := svc.Book(r.Context(), appointment.BookingRequest{
			ProviderID: uuid.MustParse(req.ProviderID),
			PatientID:  uuid.MustParse(req.PatientID),
			LocationID: uuid.MustParse(req.LocationID),
			Date:       date,
			Interval:   interval,
		})
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		var req RescheduleAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		date, interval, err := parseDateInterval(req.Date, req.Start, req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, date, interval)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		var req CancelAppointmentRequest
		if !decodeOptionalJSON(w, r, &req) {
			return
		}

		appt, err := svc.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Complete(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidQuery(w, r, "provider_id")
		if !ok {
			return
		}
		date, ok := dateQuery(w, r)
		if !ok {
			return
		}

		appts, err := svc.ListForProviderDay(r.Context(), providerID, date)
		if err != nil {
			handleError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func checkConflictHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidQuery(w, r, "provider_id")
		if !ok {
			return
		}
		q := r.URL.Query()
		date, interval, err := parseDateInterval(q.Get("date"), q.Get("start"), q.Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
			return
		}

		var exclude *uuid.UUID
		if raw := q.Get("exclude_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_exclude_id", "exclude_id must be a valid UUID")
				return
			}
			exclude = &id
		}

		conflict, err := svc.CheckConflict(r.Context(), providerID, date, interval, exclude)
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ConflictResponse{Conflict: conflict})
	}
}

func availableSlotsHandler(svc AppointmentService, defaultGranularity time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidQuery(w, r, "provider_id")
		if !ok {
			return
		}
		locationID, ok := uuidQuery(w, r, "location_id")
		if !ok {
			return
		}
		date, ok := dateQuery(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		var window schedule.Window
		if q.Get("start") != "" || q.Get("end") != "" {
			start, err := schedule.ParseClock(q.Get("start"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
				return
			}
			end, err := schedule.ParseClock(q.Get("end"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
				return
			}
			window = schedule.Window{Start: start, End: end}
			if err := window.Validate(); err != nil {
				handleError(w, err)
				return
			}
		}

		granularity := defaultGranularity
		if raw := q.Get("granularity"); raw != "" {
			minutes, err := strconv.Atoi(raw)
			if err != nil || minutes < 1 {
				writeError(w, http.StatusBadRequest, "invalid_granularity", "granularity must be a positive whole number of minutes")
				return
			}
			granularity = time.Duration(minutes) * time.Minute
		}

		slots, err := svc.ListAvailableSlots(r.Context(), providerID, date, locationID, window, granularity)
		if err != nil {
			handleError(w, err)
			return
		}

		resp := AvailableSlotsResponse{
			ProviderID:         providerID,
			LocationID:         locationID,
			Date:               date.Format(schedule.DateLayout),
			GranularityMinutes: int(granularity / time.Minute),
			Slots:              make([]SlotResponse, 0, len(slots)),
		}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, SlotResponse{Start: s.Start, End: s.End})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Helpers

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func uuidQuery(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.URL.Query().Get(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func dateQuery(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	date, err := schedule.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return date, true
}

func parseDateInterval(rawDate, rawStart, rawEnd string) (time.Time, schedule.Interval, error) {
	date, err := schedule.ParseDate(rawDate)
	if err != nil {
		return time.Time{}, schedule.Interval{}, err
	}
	start, err := schedule.ParseClock(rawStart)
	if err != nil {
		return time.Time{}, schedule.Interval{}, err
	}
	end, err := schedule.ParseClock(rawEnd)
	if err != nil {
		return time.Time{}, schedule.Interval{}, err
	}
	return date, schedule.Interval{Start: start, End: end}, nil
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, patient.ErrPatientNotFound),
		errors.Is(err, appointment.ErrUnknownPatient):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, patient.ErrInvalidPatient):
		writeError(w, http.StatusBadRequest, "invalid_patient", err.Error())
	case errors.Is(err, schedule.ErrInvalidInterval):
		writeError(w, http.StatusUnprocessableEntity, "invalid_interval", err.Error())
	case errors.Is(err, appointment.ErrSchedulingConflict):
		writeError(w, http.StatusConflict, "scheduling_conflict", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrProviderBusy):
		writeError(w, http.StatusServiceUnavailable, "provider_busy", "provider schedule is being modified, please retry shortly")
	case errors.Is(err, identity.ErrAllocationExhausted):
		writeError(w, http.StatusServiceUnavailable, "allocation_exhausted", "could not allocate a record identifier, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Patients           PatientService
	Appointments       AppointmentService
	Health             *HealthHandler
	Gatherer           prometheus.Gatherer // nil disables /metrics
	Logger             *zap.Logger
	RateLimit          int // requests per minute per client IP, 0 disables
	DefaultGranularity time.Duration
}

// defaultGranularity applies when RouterConfig leaves DefaultGranularity unset.
const defaultGranularity = 30 * time.Minute

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultGranularity < time.Minute {
		cfg.DefaultGranularity = defaultGranularity
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	// Health and metrics stay outside the rate limit
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
		}

		// Patient endpoints
		r.Post("/patients", registerPatientHandler(cfg.Patients))
		r.Get("/patients/by-record/{recordId}", getPatientByRecordHandler(cfg.Patients))
		r.Get("/patients/{id}", getPatientHandler(cfg.Patients))
		r.Delete("/patients/{id}", deletePatientHandler(cfg.Patients))

		// Appointment endpoints
		r.Post("/appointments", bookAppointmentHandler(cfg.Appointments))
		r.Get("/appointments", listAppointmentsHandler(cfg.Appointments))
		r.Get("/appointments/available-slots", availableSlotsHandler(cfg.Appointments, cfg.DefaultGranularity))
		r.Get("/appointments/conflicts", checkConflictHandler(cfg.Appointments))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
		r.Put("/appointments/{id}", rescheduleAppointmentHandler(cfg.Appointments))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Appointments))
		r.Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Appointments))
	})

	return r
}

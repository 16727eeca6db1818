package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can run without instrumentation.
type Metrics struct {
	// Identifier allocation
	AllocationAttempts   prometheus.Histogram
	AllocationCollisions prometheus.Counter
	AllocationExhausted  prometheus.Counter
	RegistrationRetries  prometheus.Counter

	// Scheduling
	BookingOutcomes   *prometheus.CounterVec
	ConflictChecks    *prometheus.CounterVec
	SlotCacheLookups  *prometheus.CounterVec
	CompletedByWorker prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		AllocationAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "allocation_attempts",
			Help:      "Attempts needed to allocate a record identifier",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
		}),
		AllocationCollisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "collisions_total",
			Help:      "Record identifier candidates rejected by the existence probe",
		}),
		AllocationExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "exhausted_total",
			Help:      "Allocations that hit the attempt ceiling",
		}),
		RegistrationRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "unique_violation_retries_total",
			Help:      "Patient inserts retried after a record identifier unique violation",
		}),
		BookingOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "booking_outcomes_total",
			Help:      "Booking and reschedule attempts by operation and outcome",
		}, []string{"operation", "outcome"}),
		ConflictChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "conflict_checks_total",
			Help:      "Conflict checks by result",
		}, []string{"result"}),
		SlotCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "slot_cache_lookups_total",
			Help:      "Available slot cache lookups by result",
		}, []string{"result"}),
		CompletedByWorker: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "worker_completed_total",
			Help:      "Appointments marked completed by the completion worker",
		}),
	}
}

func (m *Metrics) IdentifierAllocated(attempts int) {
	if m == nil {
		return
	}
	m.AllocationAttempts.Observe(float64(attempts))
}

func (m *Metrics) IdentifierCollision() {
	if m == nil {
		return
	}
	m.AllocationCollisions.Inc()
}

func (m *Metrics) IdentifierExhausted() {
	if m == nil {
		return
	}
	m.AllocationExhausted.Inc()
}

func (m *Metrics) RegistrationRetried() {
	if m == nil {
		return
	}
	m.RegistrationRetries.Inc()
}

func (m *Metrics) Booking(operation, outcome string) {
	if m == nil {
		return
	}
	m.BookingOutcomes.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ConflictChecked(conflict bool) {
	if m == nil {
		return
	}
	result := "free"
	if conflict {
		result = "conflict"
	}
	m.ConflictChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) SlotCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SlotCacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) WorkerCompleted(n int) {
	if m == nil {
		return
	}
	m.CompletedByWorker.Add(float64(n))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IdentifierAllocated(2)
		m.IdentifierCollision()
		m.IdentifierExhausted()
		m.RegistrationRetried()
		m.Booking("book", "ok")
		m.ConflictChecked(true)
		m.SlotCache(false)
		m.WorkerCompleted(3)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry(), "clinic")

	m.IdentifierCollision()
	m.IdentifierCollision()
	m.Booking("book", "conflict")
	m.ConflictChecked(false)
	m.SlotCache(true)
	m.WorkerCompleted(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AllocationCollisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BookingOutcomes.WithLabelValues("book", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictChecks.WithLabelValues("free")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlotCacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CompletedByWorker))
}

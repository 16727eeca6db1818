package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeSlot is a bookable slot offered to clients.
type TimeSlot struct {
	ProviderID uuid.UUID `json:"provider_id"`
	LocationID uuid.UUID `json:"location_id"`
	Date       time.Time `json:"date"`
	Start      Clock     `json:"start"`
	End        Clock     `json:"end"`
}

func (s TimeSlot) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

// SlotQuery identifies one availability computation and is the slot cache key.
type SlotQuery struct {
	ProviderID  uuid.UUID
	LocationID  uuid.UUID
	Date        time.Time
	Window      Window
	Granularity time.Duration
}

// DayKey groups every query for one provider-day so a booking change can drop them together.
func DayKey(providerID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("slots:%s:%s", providerID, date.Format(DateLayout))
}

func (q SlotQuery) DayKey() string {
	return DayKey(q.ProviderID, q.Date)
}

// Variant distinguishes queries within the same provider-day.
func (q SlotQuery) Variant() string {
	return fmt.Sprintf("%s:%s-%s:%d", q.LocationID, q.Window.Start, q.Window.End, int(q.Granularity/time.Minute))
}

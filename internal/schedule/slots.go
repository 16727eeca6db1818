package schedule

import (
	"fmt"
	"sort"
	"time"
)

// Grid enumerates the fixed-length slots [t, t+granularity) from window.Start
// while the slot still ends inside the window. A trailing remainder shorter
// than granularity is not offered.
func Grid(window Window, granularity time.Duration) ([]Interval, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	step := Clock(granularity / time.Minute)
	if step <= 0 {
		return nil, fmt.Errorf("%w: granularity %s must be at least one minute", ErrInvalidInterval, granularity)
	}

	grid := make([]Interval, 0, int(window.End-window.Start)/int(step))
	for t := window.Start; t+step <= window.End; t += step {
		grid = append(grid, Interval{Start: t, End: t + step})
	}
	return grid, nil
}

// AvailableSlots returns the grid slots of window that overlap none of busy,
// ascending by start. The result is never nil.
func AvailableSlots(window Window, granularity time.Duration, busy []Interval) ([]Interval, error) {
	grid, err := Grid(window, granularity)
	if err != nil {
		return nil, err
	}

	sorted := make([]Interval, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	free := make([]Interval, 0, len(grid))
	for _, slot := range grid {
		if !overlapsAny(slot, sorted) {
			free = append(free, slot)
		}
	}
	return free, nil
}

// overlapsAny expects busy sorted by start.
func overlapsAny(slot Interval, busy []Interval) bool {
	for _, b := range busy {
		if b.Start >= slot.End {
			return false
		}
		if b.Overlaps(slot) {
			return true
		}
	}
	return false
}

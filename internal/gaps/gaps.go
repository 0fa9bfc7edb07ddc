// Package gaps computes the missing sub-ranges of a bar request from the
// availability index. Detection is calendar-unaware: a weekend with no
// partitions is reported like any other gap, and interpreting expected
// absence is the caller's concern.
package gaps

import (
	"fmt"
	"time"

	"barcatalog/internal/models"
)

// Range is a half-open time interval [Start, End). Half-open boundaries
// avoid double-counting the day shared by two adjacent ranges.
type Range struct {
	Start time.Time
	End   time.Time
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Duration returns the span of the range.
func (r Range) Duration() time.Duration { return r.End.Sub(r.Start) }

// Detect returns the ordered minimal set of sub-ranges of [start, end)
// not covered by the availability record. No coverage at all yields a
// single gap spanning the whole request; full coverage yields nil.
// Availability is tracked per calendar day, so gap boundaries fall on day
// boundaries except where clipped by the requested range itself.
func Detect(avail *models.Availability, start, end time.Time) []Range {
	if !end.After(start) {
		return nil
	}

	var gapsFound []Range
	var run *Range

	for _, day := range models.DaysInRange(start, end) {
		covered := avail != nil && avail.Covers(day)
		if covered {
			if run != nil {
				gapsFound = append(gapsFound, clip(*run, start, end))
				run = nil
			}
			continue
		}

		dayEnd := day.AddDate(0, 0, 1)
		if run != nil && run.End.Equal(day) {
			run.End = dayEnd
			continue
		}
		if run != nil {
			gapsFound = append(gapsFound, clip(*run, start, end))
		}
		run = &Range{Start: day, End: dayEnd}
	}
	if run != nil {
		gapsFound = append(gapsFound, clip(*run, start, end))
	}

	return gapsFound
}

// MissingDays returns the uncovered UTC calendar days of [start, end).
func MissingDays(avail *models.Availability, start, end time.Time) []time.Time {
	var missing []time.Time
	for _, day := range models.DaysInRange(start, end) {
		if avail == nil || !avail.Covers(day) {
			missing = append(missing, day)
		}
	}
	return missing
}

// clip intersects a day-aligned gap with the requested range.
func clip(r Range, start, end time.Time) Range {
	if r.Start.Before(start) {
		r.Start = start
	}
	if r.End.After(end) {
		r.End = end
	}
	return r
}

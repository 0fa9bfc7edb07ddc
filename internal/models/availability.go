package models

import (
	"sort"
	"time"
)

// DateLayout is the on-disk partition date format.
const DateLayout = "2006-01-02"

// DayOf truncates a timestamp to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SeriesKey identifies one bar series: an instrument at one granularity.
// It is the unit of availability tracking and per-key serialization.
type SeriesKey struct {
	Instrument InstrumentKey
	Spec       BarSpec
}

func (k SeriesKey) String() string {
	return k.Instrument.String() + "/" + k.Spec.String()
}

// Validate checks both components of the series key.
func (k SeriesKey) Validate() error {
	if err := k.Instrument.Validate(); err != nil {
		return err
	}
	return k.Spec.Validate()
}

// Availability records which calendar days of a series are known to have a
// valid partition on disk. It is a cache of storage state rebuilt from a
// directory scan, never the source of truth. Values are immutable once
// published by the index; WithDates returns a copy.
type Availability struct {
	Key       SeriesKey
	Dates     []time.Time // sorted UTC calendar days
	RebuiltAt time.Time
}

// Covers reports whether the given day is known to have a partition.
func (a *Availability) Covers(day time.Time) bool {
	d := DayOf(day)
	i := sort.Search(len(a.Dates), func(i int) bool { return !a.Dates[i].Before(d) })
	return i < len(a.Dates) && a.Dates[i].Equal(d)
}

// IsEmpty reports whether no partitions are known for the series.
func (a *Availability) IsEmpty() bool { return len(a.Dates) == 0 }

// Earliest returns the first covered day, or the zero time when empty.
func (a *Availability) Earliest() time.Time {
	if len(a.Dates) == 0 {
		return time.Time{}
	}
	return a.Dates[0]
}

// Latest returns the last covered day, or the zero time when empty.
func (a *Availability) Latest() time.Time {
	if len(a.Dates) == 0 {
		return time.Time{}
	}
	return a.Dates[len(a.Dates)-1]
}

// WithDates returns a copy of the availability with the given days merged
// in. The receiver is not modified, so published snapshots stay immutable.
func (a *Availability) WithDates(days []time.Time, now time.Time) *Availability {
	seen := make(map[time.Time]struct{}, len(a.Dates)+len(days))
	merged := make([]time.Time, 0, len(a.Dates)+len(days))
	for _, d := range a.Dates {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			merged = append(merged, d)
		}
	}
	for _, d := range days {
		d = DayOf(d)
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			merged = append(merged, d)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })
	return &Availability{Key: a.Key, Dates: merged, RebuiltAt: now}
}

// WithoutDate returns a copy of the availability with one day removed.
// Used when a partition is quarantined.
func (a *Availability) WithoutDate(day time.Time, now time.Time) *Availability {
	d := DayOf(day)
	kept := make([]time.Time, 0, len(a.Dates))
	for _, existing := range a.Dates {
		if !existing.Equal(d) {
			kept = append(kept, existing)
		}
	}
	return &Availability{Key: a.Key, Dates: kept, RebuiltAt: now}
}

// DaysInRange returns every UTC calendar day touched by the half-open time
// range [start, end).
func DaysInRange(start, end time.Time) []time.Time {
	if !end.After(start) {
		return nil
	}
	var days []time.Time
	for d := DayOf(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

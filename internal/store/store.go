// Package store implements the catalog's partitioned bar storage. The
// atomic unit is one partition: all bars of one series on one UTC calendar
// day, held in a single parquet file. A partition on disk is either fully
// written and valid or not present at all.
package store

import (
	"context"
	"fmt"
	"time"

	"barcatalog/internal/models"
)

// ConflictPolicy governs what happens when a write targets a date that
// already has a stored partition.
type ConflictPolicy string

const (
	// PolicySkip leaves the existing partition untouched. Default for
	// idempotent re-fetch.
	PolicySkip ConflictPolicy = "skip"
	// PolicyOverwrite replaces the existing partition entirely.
	PolicyOverwrite ConflictPolicy = "overwrite"
	// PolicyMerge unions bars by timestamp, keeping the existing value on
	// a timestamp collision.
	PolicyMerge ConflictPolicy = "merge"
)

// Validate checks that the policy is one of the supported values.
func (p ConflictPolicy) Validate() error {
	switch p {
	case PolicySkip, PolicyOverwrite, PolicyMerge:
		return nil
	default:
		return fmt.Errorf("unsupported conflict policy: %q", p)
	}
}

// WriteResult summarizes a WriteRange call.
type WriteResult struct {
	// DatesWritten are the calendar days whose partitions were created or
	// replaced, in ascending order.
	DatesWritten []time.Time
	// DatesSkipped are the days left untouched under PolicySkip.
	DatesSkipped []time.Time
	// BarsWritten is the total number of bars persisted.
	BarsWritten int
}

// Stats describes the store's contents. Used by the CLI availability view.
type Stats struct {
	Partitions   int
	Series       int
	EarliestDate time.Time
	LatestDate   time.Time
}

// CatalogStore is the storage contract the rest of the catalog depends on.
type CatalogStore interface {
	// ReadRange returns all bars of the series with timestamps in
	// [start, end), reading the overlapping partitions in date order. A
	// partition that fails to parse is quarantined and reported via a
	// CorruptPartitionError rather than silently skipped.
	ReadRange(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error)

	// WriteRange groups bars by UTC calendar day and writes one partition
	// per day. Each partition is written to a temporary file and renamed
	// into place, so readers never observe a partial partition. Existing
	// partitions are handled per the conflict policy.
	WriteRange(ctx context.Context, key models.SeriesKey, bars []models.Bar, policy ConflictPolicy) (*WriteResult, error)

	// WriteEmptyPartition persists a zero-bar partition marking a day as
	// known-empty, so a fetched day without data is not re-fetched on the
	// next request. An existing partition is left untouched.
	WriteEmptyPartition(ctx context.Context, key models.SeriesKey, day time.Time) (bool, error)

	// HasPartition reports whether a valid-looking partition file exists
	// for the given day.
	HasPartition(key models.SeriesKey, day time.Time) bool

	// Quarantine moves the partition for the given day into the
	// quarantine side-directory. Data is relocated for inspection, never
	// deleted.
	Quarantine(key models.SeriesKey, day time.Time) (string, error)

	// ListPartitions scans the storage root and returns the partition
	// days per series. Used by the availability index rebuild.
	ListPartitions(ctx context.Context) (map[models.SeriesKey][]time.Time, error)

	// GetStats returns summary statistics over all stored partitions.
	GetStats(ctx context.Context) (*Stats, error)
}

// CorruptPartitionError reports a partition that failed to parse and was
// quarantined. The orchestrator uses it to drop the day from the
// availability index and treat the range as a gap.
type CorruptPartitionError struct {
	Key            models.SeriesKey
	Day            time.Time
	QuarantinePath string
	Err            error
}

func (e *CorruptPartitionError) Error() string {
	return fmt.Sprintf("corrupt partition %s/%s quarantined to %s: %v",
		e.Key, e.Day.Format(models.DateLayout), e.QuarantinePath, e.Err)
}

func (e *CorruptPartitionError) Unwrap() error { return e.Err }

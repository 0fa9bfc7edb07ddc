// Package index maintains the in-memory availability index: which
// calendar days of each series have a valid partition on disk. The index
// is a disposable cache of storage state - it is rebuilt by a directory
// scan at startup and never persisted.
package index

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"barcatalog/internal/models"
)

// PartitionLister is the slice of the store the index needs for rebuilds.
type PartitionLister interface {
	ListPartitions(ctx context.Context) (map[models.SeriesKey][]time.Time, error)
}

type snapshot map[models.SeriesKey]*models.Availability

// AvailabilityIndex tracks partition availability per series. Reads are
// served from an immutable snapshot; every update builds a new snapshot
// and swaps it in atomically, so readers never observe a half-updated
// index.
type AvailabilityIndex struct {
	store  PartitionLister
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex // serializes snapshot swaps
	current atomic.Pointer[snapshot]
}

// New creates an empty index over the given store. Call Rebuild before
// serving lookups.
func New(store PartitionLister, logger *slog.Logger) *AvailabilityIndex {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &AvailabilityIndex{
		store:  store,
		logger: logger.With("component", "availability_index"),
		clock:  time.Now,
	}
	empty := make(snapshot)
	idx.current.Store(&empty)
	return idx
}

// Get returns the availability for a series, or false when nothing is
// known for it. The returned value is an immutable snapshot entry and
// must not be modified.
func (idx *AvailabilityIndex) Get(key models.SeriesKey) (*models.Availability, bool) {
	snap := *idx.current.Load()
	a, ok := snap[key]
	return a, ok
}

// Keys returns all series with known partitions, sorted by string form.
func (idx *AvailabilityIndex) Keys() []models.SeriesKey {
	snap := *idx.current.Load()
	keys := make([]models.SeriesKey, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Rebuild scans the storage root and replaces the whole index with what
// is actually on disk. Called once at startup; may be invoked again to
// recover from external filesystem mutation.
func (idx *AvailabilityIndex) Rebuild(ctx context.Context) error {
	partitions, err := idx.store.ListPartitions(ctx)
	if err != nil {
		return err
	}

	now := idx.clock()
	next := make(snapshot, len(partitions))
	total := 0
	for key, days := range partitions {
		next[key] = &models.Availability{Key: key, Dates: days, RebuiltAt: now}
		total += len(days)
	}

	idx.mu.Lock()
	idx.current.Store(&next)
	idx.mu.Unlock()

	idx.logger.Info("availability index rebuilt", "series", len(next), "partitions", total)
	return nil
}

// RecordWrite merges newly written days into the series' availability
// without rescanning the filesystem. This is the hot-path update after a
// successful WriteRange.
func (idx *AvailabilityIndex) RecordWrite(key models.SeriesKey, days []time.Time) {
	if len(days) == 0 {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.clock()
	old := *idx.current.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}

	existing, ok := next[key]
	if !ok {
		existing = &models.Availability{Key: key}
	}
	next[key] = existing.WithDates(days, now)

	idx.current.Store(&next)
}

// RemoveDate drops one day from the series' availability. Called when a
// partition is quarantined so subsequent requests treat the day as a gap.
func (idx *AvailabilityIndex) RemoveDate(key models.SeriesKey, day time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old := *idx.current.Load()
	existing, ok := old[key]
	if !ok {
		return
	}

	next := make(snapshot, len(old))
	for k, v := range old {
		next[k] = v
	}
	next[key] = existing.WithoutDate(day, idx.clock())

	idx.current.Store(&next)
}

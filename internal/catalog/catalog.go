// Package catalog implements the fetch-or-load orchestrator: the public
// surface that answers bar range requests by combining the availability
// index, the partition store, gap detection and the external fetcher.
//
// Each request walks the state machine
//
//	CheckingCache -> Serving                      (full coverage)
//	CheckingCache -> CheckingSource -> Failed     (source unavailable)
//	CheckingCache -> CheckingSource -> Fetching -> Persisting -> Serving
//
// Requests for the same series are serialized through a per-key lock so
// concurrent misses never issue redundant fetches or conflicting writes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	caterrors "barcatalog/internal/errors"
	"barcatalog/internal/gaps"
	"barcatalog/internal/importer"
	"barcatalog/internal/index"
	"barcatalog/internal/models"
	"barcatalog/internal/provider"
	"barcatalog/internal/store"
)

// Fetcher is the slice of the provider the catalog depends on.
type Fetcher interface {
	Fetch(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error)
	IsAvailable(ctx context.Context) bool
}

var _ Fetcher = (*provider.Fetcher)(nil)

// Catalog is the fetch-or-load orchestrator. Construct one per process;
// all components are explicitly owned, never ambient globals, so tests
// can build independent instances.
type Catalog struct {
	store   store.CatalogStore
	index   *index.AvailabilityIndex
	fetcher Fetcher
	imp     *importer.Importer
	logger  *slog.Logger
	locks   *keyLocks
}

// New wires the orchestrator. The index should already be rebuilt (or be
// rebuilt by the caller before serving requests).
func New(st store.CatalogStore, idx *index.AvailabilityIndex, fetcher Fetcher, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:   st,
		index:   idx,
		fetcher: fetcher,
		imp:     importer.New(st, logger),
		logger:  logger.With("component", "catalog"),
		locks:   newKeyLocks(),
	}
}

// GetAvailability returns the availability record for a series, or false
// when no partitions are known.
func (c *Catalog) GetAvailability(key models.SeriesKey) (*models.Availability, bool) {
	return c.index.Get(key)
}

// Keys lists every series with at least one stored partition, sorted.
func (c *Catalog) Keys() []models.SeriesKey {
	return c.index.Keys()
}

// Stats summarizes the store's contents.
func (c *Catalog) Stats(ctx context.Context) (*store.Stats, error) {
	return c.store.GetStats(ctx)
}

// DetectGaps returns the uncovered sub-ranges of [start, end) for a
// series according to the current availability index. Gaps are raw
// calendar gaps; no trading-calendar interpretation is applied.
func (c *Catalog) DetectGaps(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]gaps.Range, error) {
	if err := validateRequest(key, start, end); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	avail, _ := c.index.Get(key)
	return gaps.Detect(avail, start, end), nil
}

// CheckSource probes the external provider.
func (c *Catalog) CheckSource(ctx context.Context) bool {
	return c.fetcher.IsAvailable(ctx)
}

// FetchOrLoad returns all bars of the series in [start, end), ascending
// by timestamp. Fully cached ranges are served from disk with zero
// provider calls. For partial coverage only the missing sub-ranges are
// fetched, persisted with the skip conflict policy, and merged with the
// cached bars. If any missing sub-range cannot be obtained the whole
// request fails; a short result is never silently returned.
func (c *Catalog) FetchOrLoad(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error) {
	const op = "catalog.FetchOrLoad"

	if err := validateRequest(key, start, end); err != nil {
		return nil, err
	}

	// Corruption found mid-read quarantines one partition and turns the
	// day into a gap, so each pass strictly reduces the corrupt set. One
	// extra pass per requested day bounds the loop.
	maxPasses := len(models.DaysInRange(start, end)) + 1
	for pass := 0; pass < maxPasses; pass++ {
		bars, err := c.fetchOrLoadOnce(ctx, op, key, start, end)
		if err == nil {
			return bars, nil
		}

		var corrupt *store.CorruptPartitionError
		if errors.As(err, &corrupt) {
			c.index.RemoveDate(corrupt.Key, corrupt.Day)
			c.logger.Warn("corrupt partition dropped from index, retrying request",
				"key", corrupt.Key.String(),
				"date", corrupt.Day.Format(models.DateLayout),
				"pass", pass+1)
			continue
		}
		return nil, err
	}

	return nil, caterrors.Corruption(op, key.String(),
		fmt.Errorf("request kept hitting corrupt partitions after %d passes", maxPasses))
}

// fetchOrLoadOnce performs one pass of the request state machine.
func (c *Catalog) fetchOrLoadOnce(ctx context.Context, op string, key models.SeriesKey, start, end time.Time) ([]models.Bar, error) {
	// CheckingCache: fast path without the key lock.
	avail, _ := c.index.Get(key)
	missing := gaps.Detect(avail, start, end)
	if len(missing) == 0 {
		c.logger.Debug("full cache hit", "key", key.String())
		return c.store.ReadRange(ctx, key, start, end)
	}

	// Cache miss: serialize with other requests for this series. The
	// in-flight holder may cover our gaps, so re-check after acquiring.
	if err := c.locks.acquire(ctx, key); err != nil {
		return nil, fmt.Errorf("%s: waiting for in-flight request: %w", op, err)
	}
	defer c.locks.release(key)

	avail, _ = c.index.Get(key)
	missing = gaps.Detect(avail, start, end)
	if len(missing) == 0 {
		c.logger.Debug("cache hit after waiting for in-flight request", "key", key.String())
		return c.store.ReadRange(ctx, key, start, end)
	}

	// CheckingSource: fail fast before spending the retry budget.
	if !c.fetcher.IsAvailable(ctx) {
		if avail == nil || avail.IsEmpty() {
			return nil, caterrors.DataNotFound(op,
				fmt.Errorf("no stored data for %s and source unreachable", key))
		}
		return nil, caterrors.SourceUnavailable(op,
			fmt.Errorf("%d missing sub-ranges for %s and source unreachable", len(missing), key))
	}

	// Fetching + Persisting, gap by gap. Any failure fails the request;
	// partitions persisted before the failure stay (they are complete
	// and valid) but no result is returned.
	for _, gap := range missing {
		if err := c.fillGap(ctx, op, key, gap); err != nil {
			return nil, err
		}
	}

	// Serving: the store now covers the whole range, so one ordered read
	// yields the merged cached-plus-fetched sequence.
	return c.store.ReadRange(ctx, key, start, end)
}

// fillGap fetches one missing sub-range, persists it per-day with the
// skip policy, marks fetched-but-empty days as known-empty, and updates
// the availability index.
func (c *Catalog) fillGap(ctx context.Context, op string, key models.SeriesKey, gap gaps.Range) error {
	c.logger.Info("filling gap",
		"key", key.String(),
		"start", gap.Start,
		"end", gap.End)

	bars, err := c.fetcher.Fetch(ctx, key, gap.Start, gap.End)
	if err != nil {
		return fmt.Errorf("%s: gap %s for %s: %w", op, gap, key, err)
	}

	result, err := c.store.WriteRange(ctx, key, bars, store.PolicySkip)
	if err != nil {
		return fmt.Errorf("%s: persisting gap %s for %s: %w", op, gap, key, err)
	}

	written := append([]time.Time(nil), result.DatesWritten...)
	for _, day := range models.DaysInRange(gap.Start, gap.End) {
		if containsDay(written, day) || containsDay(result.DatesSkipped, day) {
			continue
		}
		created, err := c.store.WriteEmptyPartition(ctx, key, day)
		if err != nil {
			return fmt.Errorf("%s: marking empty day %s for %s: %w",
				op, day.Format(models.DateLayout), key, err)
		}
		if created {
			written = append(written, day)
		}
	}

	// Skipped days are already in the index; record everything that is
	// now on disk for this gap.
	written = append(written, result.DatesSkipped...)
	c.index.RecordWrite(key, written)

	c.logger.Info("gap filled",
		"key", key.String(),
		"bars", result.BarsWritten,
		"dates_written", len(result.DatesWritten),
		"dates_skipped", len(result.DatesSkipped))

	return nil
}

// ImportBulk validates and writes externally supplied records into the
// store under the per-key lock, then updates the availability index. The
// write path and conflict policy semantics are shared with the fetch
// path.
func (c *Catalog) ImportBulk(ctx context.Context, records []importer.Record, key models.SeriesKey, policy store.ConflictPolicy) (*importer.Report, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	if err := c.locks.acquire(ctx, key); err != nil {
		return nil, fmt.Errorf("catalog.ImportBulk: waiting for in-flight request: %w", err)
	}
	defer c.locks.release(key)

	report, err := c.imp.Import(ctx, records, key, policy)
	if err != nil {
		return nil, err
	}

	c.index.RecordWrite(key, report.DatesWritten)
	return report, nil
}

func validateRequest(key models.SeriesKey, start, end time.Time) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("start and end must be set")
	}
	if !end.After(start) {
		return fmt.Errorf("end %s must be after start %s", end, start)
	}
	return nil
}

func containsDay(days []time.Time, day time.Time) bool {
	day = models.DayOf(day)
	for _, d := range days {
		if d.Equal(day) {
			return true
		}
	}
	return false
}

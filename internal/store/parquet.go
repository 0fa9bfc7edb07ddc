package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	caterrors "barcatalog/internal/errors"
	"barcatalog/internal/models"
)

const (
	partitionExt  = ".parquet"
	tmpPrefix     = ".tmp-"
	quarantineDir = ".quarantine"
)

// barRecord is the parquet schema of one partition row.
type barRecord struct {
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"`
	Open      string `parquet:"open"`
	High      string `parquet:"high"`
	Low       string `parquet:"low"`
	Close     string `parquet:"close"`
	Volume    string `parquet:"volume"`
}

// ParquetStore implements CatalogStore on a directory tree of parquet
// files. Layout:
//
//	<root>/<SYMBOL.VENUE>/<spec>/<YYYY-MM-DD>.parquet
//
// Quarantined partitions move to a parallel tree under <root>/.quarantine.
type ParquetStore struct {
	root   string
	logger *slog.Logger
}

var _ CatalogStore = (*ParquetStore)(nil)

// NewParquetStore creates a store rooted at dir, creating it if needed.
func NewParquetStore(dir string, logger *slog.Logger) (*ParquetStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &ParquetStore{root: dir, logger: logger.With("component", "store")}, nil
}

// Root returns the storage root directory.
func (s *ParquetStore) Root() string { return s.root }

// partitionPath returns the file path of one partition.
func (s *ParquetStore) partitionPath(key models.SeriesKey, day time.Time) string {
	return filepath.Join(s.seriesDir(key), day.Format(models.DateLayout)+partitionExt)
}

func (s *ParquetStore) seriesDir(key models.SeriesKey) string {
	return filepath.Join(s.root, key.Instrument.String(), key.Spec.String())
}

// HasPartition implements CatalogStore.
func (s *ParquetStore) HasPartition(key models.SeriesKey, day time.Time) bool {
	info, err := os.Stat(s.partitionPath(key, models.DayOf(day)))
	return err == nil && !info.IsDir()
}

// ReadRange implements CatalogStore. Partitions are read in date order and
// concatenated; bars outside [start, end) are filtered out.
func (s *ParquetStore) ReadRange(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var bars []models.Bar
	for _, day := range models.DaysInRange(start, end) {
		path := s.partitionPath(key, day)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		records, err := parquet.ReadFile[barRecord](path)
		if err != nil {
			quarantined, qerr := s.Quarantine(key, day)
			if qerr != nil {
				s.logger.Error("failed to quarantine corrupt partition",
					"key", key.String(), "date", day.Format(models.DateLayout), "error", qerr)
			}
			corrupt := &CorruptPartitionError{Key: key, Day: day, QuarantinePath: quarantined, Err: err}
			return nil, caterrors.Corruption("store.ReadRange",
				key.String()+"/"+day.Format(models.DateLayout), corrupt)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			bars = append(bars, models.Bar{
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			})
		}
	}

	return bars, nil
}

// WriteRange implements CatalogStore.
func (s *ParquetStore) WriteRange(ctx context.Context, key models.SeriesKey, bars []models.Bar, policy ConflictPolicy) (*WriteResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	result := &WriteResult{}
	if len(bars) == 0 {
		return result, nil
	}

	byDay := make(map[time.Time][]models.Bar)
	for _, b := range bars {
		day := models.DayOf(b.Timestamp)
		byDay[day] = append(byDay[day], b)
	}

	days := make([]time.Time, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dayBars := dedupeSorted(byDay[day])
		exists := s.HasPartition(key, day)

		switch {
		case exists && policy == PolicySkip:
			result.DatesSkipped = append(result.DatesSkipped, day)
			continue
		case exists && policy == PolicyMerge:
			existing, err := parquet.ReadFile[barRecord](s.partitionPath(key, day))
			if err != nil {
				quarantined, qerr := s.Quarantine(key, day)
				if qerr != nil {
					return nil, fmt.Errorf("quarantining corrupt partition during merge: %w", qerr)
				}
				s.logger.Warn("corrupt partition replaced during merge",
					"key", key.String(), "date", day.Format(models.DateLayout), "quarantine", quarantined)
			} else {
				dayBars = mergeBars(existing, dayBars)
			}
		}

		if err := s.writePartition(key, day, dayBars); err != nil {
			return nil, err
		}
		result.DatesWritten = append(result.DatesWritten, day)
		result.BarsWritten += len(dayBars)
	}

	s.logger.Debug("write range complete",
		"key", key.String(),
		"dates_written", len(result.DatesWritten),
		"dates_skipped", len(result.DatesSkipped),
		"bars", result.BarsWritten)

	return result, nil
}

// WriteEmptyPartition implements CatalogStore. Returns true when a new
// marker partition was written, false when one already existed.
func (s *ParquetStore) WriteEmptyPartition(ctx context.Context, key models.SeriesKey, day time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	day = models.DayOf(day)
	if s.HasPartition(key, day) {
		return false, nil
	}
	if err := s.writePartition(key, day, nil); err != nil {
		return false, err
	}
	return true, nil
}

// writePartition writes one partition atomically: parquet rows go to a
// temporary file in the partition's directory, the file is synced, and
// only then renamed into place. A crash between the steps leaves at most
// an invisible temp file.
func (s *ParquetStore) writePartition(key models.SeriesKey, day time.Time, bars []models.Bar) error {
	dir := s.seriesDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating series directory: %w", err)
	}

	records := make([]barRecord, len(bars))
	for i, b := range bars {
		records[i] = barRecord{
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
	}

	final := s.partitionPath(key, day)
	tmp := filepath.Join(dir, tmpPrefix+day.Format(models.DateLayout)+"-"+uuid.NewString()+partitionExt)

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp partition: %w", err)
	}

	err = parquet.Write(f, records)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing partition %s: %w", final, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publishing partition %s: %w", final, err)
	}

	return nil
}

// Quarantine implements CatalogStore. The partition is moved into a
// mirrored path under .quarantine with a unique suffix so repeated
// quarantines of the same date never collide.
func (s *ParquetStore) Quarantine(key models.SeriesKey, day time.Time) (string, error) {
	day = models.DayOf(day)
	src := s.partitionPath(key, day)

	destDir := filepath.Join(s.root, quarantineDir, key.Instrument.String(), key.Spec.String())
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating quarantine directory: %w", err)
	}
	dest := filepath.Join(destDir, day.Format(models.DateLayout)+"-"+uuid.NewString()+partitionExt)

	if err := os.Rename(src, dest); err != nil {
		return "", fmt.Errorf("quarantining partition %s: %w", src, err)
	}

	s.logger.Warn("partition quarantined",
		"key", key.String(), "date", day.Format(models.DateLayout), "quarantine_path", dest)

	return dest, nil
}

// ListPartitions implements CatalogStore. Temp files and the quarantine
// tree are ignored.
func (s *ParquetStore) ListPartitions(ctx context.Context) (map[models.SeriesKey][]time.Time, error) {
	partitions := make(map[models.SeriesKey][]time.Time)

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == quarantineDir {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if !strings.HasSuffix(name, partitionExt) || strings.HasPrefix(name, tmpPrefix) {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key, day, ok := parsePartitionPath(rel)
		if !ok {
			s.logger.Warn("ignoring unrecognized file in store", "path", rel)
			return nil
		}

		partitions[key] = append(partitions[key], day)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning store root: %w", err)
	}

	for key := range partitions {
		days := partitions[key]
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	}

	return partitions, nil
}

// GetStats implements CatalogStore.
func (s *ParquetStore) GetStats(ctx context.Context) (*Stats, error) {
	partitions, err := s.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Series: len(partitions)}
	for _, days := range partitions {
		stats.Partitions += len(days)
		for _, day := range days {
			if stats.EarliestDate.IsZero() || day.Before(stats.EarliestDate) {
				stats.EarliestDate = day
			}
			if day.After(stats.LatestDate) {
				stats.LatestDate = day
			}
		}
	}
	return stats, nil
}

// parsePartitionPath parses "<SYMBOL.VENUE>/<spec>/<YYYY-MM-DD>.parquet".
func parsePartitionPath(rel string) (models.SeriesKey, time.Time, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return models.SeriesKey{}, time.Time{}, false
	}

	instrument, err := models.ParseInstrumentKey(parts[0])
	if err != nil {
		return models.SeriesKey{}, time.Time{}, false
	}

	spec := models.BarSpec(parts[1])
	if spec.Validate() != nil {
		return models.SeriesKey{}, time.Time{}, false
	}

	day, err := time.ParseInLocation(models.DateLayout, strings.TrimSuffix(parts[2], partitionExt), time.UTC)
	if err != nil {
		return models.SeriesKey{}, time.Time{}, false
	}

	return models.SeriesKey{Instrument: instrument, Spec: spec}, day, true
}

// dedupeSorted sorts bars ascending and drops duplicate timestamps,
// keeping the first occurrence.
func dedupeSorted(bars []models.Bar) []models.Bar {
	sorted := make([]models.Bar, len(bars))
	copy(sorted, bars)
	models.SortBars(sorted)

	out := sorted[:0]
	for _, b := range sorted {
		if len(out) > 0 && out[len(out)-1].Timestamp.Equal(b.Timestamp) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// mergeBars unions existing partition records with incoming bars by
// timestamp. The existing value wins on a collision.
func mergeBars(existing []barRecord, incoming []models.Bar) []models.Bar {
	seen := make(map[int64]models.Bar, len(existing)+len(incoming))
	for _, b := range incoming {
		seen[b.Timestamp.UnixMilli()] = b
	}
	for _, r := range existing {
		seen[r.Timestamp] = models.Bar{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
	}

	merged := make([]models.Bar, 0, len(seen))
	for _, b := range seen {
		merged = append(merged, b)
	}
	models.SortBars(merged)
	return merged
}
